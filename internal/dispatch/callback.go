package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient posts a body to a URL, used both for firing a timer's own
// callback and for delivering a replication message to a peer's
// replication receiver. Any non-2xx response or transport error counts as
// a delivery failure; the caller does not retry in-process, relying
// instead on the at-least-once replica fallback.
type HTTPClient interface {
	Fire(ctx context.Context, url, body string) error
}

// httpCallbackClient is the production HTTPClient: a thin net/http
// wrapper. No callback-specific third-party client exists anywhere in the
// example corpus, so this is stdlib by necessity rather than choice.
type httpCallbackClient struct {
	client *http.Client
}

// NewHTTPClient builds an HTTPClient with the given request timeout.
func NewHTTPClient(timeout time.Duration) HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpCallbackClient{client: &http.Client{Timeout: timeout}}
}

func (c *httpCallbackClient) Fire(ctx context.Context, url, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver callback to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback to %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
