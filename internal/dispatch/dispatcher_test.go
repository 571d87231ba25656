package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zbysir/timerd/internal/cluster"
	"github.com/zbysir/timerd/internal/metrics"
	"github.com/zbysir/timerd/internal/timer"
	"github.com/zbysir/timerd/internal/timerstore"
)

type fakeQueue struct {
	mu       sync.Mutex
	handlers map[string][]func(ctx context.Context, data []byte) error
	published []publishedItem
}

type publishedItem struct {
	topic string
	data  []byte
	opt   PublishOption
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{handlers: map[string][]func(ctx context.Context, data []byte) error{}}
}

func (q *fakeQueue) Subscribe(topic string, h func(ctx context.Context, data []byte) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[topic] = append(q.handlers[topic], h)
}

func (q *fakeQueue) Publish(ctx context.Context, topic string, data []byte, delay time.Duration, opt PublishOption) error {
	q.mu.Lock()
	q.published = append(q.published, publishedItem{topic: topic, data: data, opt: opt})
	handlers := append([]func(ctx context.Context, data []byte) error{}, q.handlers[topic]...)
	q.mu.Unlock()

	// Deliver synchronously for test determinism instead of modelling
	// asynq's real scheduling delay.
	for _, h := range handlers {
		if err := h(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

func (q *fakeQueue) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type fakeHTTPClient struct {
	mu    sync.Mutex
	calls []call
	err   error
}

type call struct {
	url, body string
}

func (c *fakeHTTPClient) Fire(ctx context.Context, url, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call{url: url, body: body})
	return c.err
}

type fixedClock struct{ ms uint64 }

func (c fixedClock) NowMS() (uint64, error) { return c.ms, nil }

func TestHandleDueFiresCallbackWhenLocalIsReplica(t *testing.T) {
	view := cluster.New("a", 9090, []string{"a"})
	store := timerstore.New("a", 10, fixedClock{ms: 0})
	queue := newFakeQueue()
	client := &fakeHTTPClient{}

	d := New(store, view, queue, client, nil, time.Millisecond)

	tr := &timer.Timer{
		ID:           1,
		Interval:     1000,
		RepeatFor:    0, // single pop: sequence 0 is immediately final
		CallbackURL:  "http://example.com/cb",
		CallbackBody: "hello",
		Replicas:     []string{"a"},
	}

	d.handleDue(context.Background(), tr)

	require.Len(t, client.calls, 1)
	assert.Equal(t, "http://example.com/cb", client.calls[0].url)
	assert.Equal(t, "hello", client.calls[0].body)
	assert.True(t, tr.IsTombstone())
}

func TestHandleDueSkipsCallbackWhenNotLocalReplica(t *testing.T) {
	view := cluster.New("a", 9090, []string{"a", "b"})
	store := timerstore.New("a", 10, fixedClock{ms: 0})
	queue := newFakeQueue()
	client := &fakeHTTPClient{}

	d := New(store, view, queue, client, nil, time.Millisecond)

	tr := &timer.Timer{
		ID:           1,
		Interval:     1000,
		RepeatFor:    0,
		CallbackURL:  "http://example.com/cb",
		CallbackBody: "hello",
		Replicas:     []string{"b"}, // local node "a" is not a replica
	}

	d.handleDue(context.Background(), tr)

	// The callback itself is not fired: the only HTTP call is the
	// replication delivery to "b", which the fake queue hands straight to
	// this dispatcher's own replication handler.
	require.Len(t, client.calls, 1)
	assert.NotEqual(t, "http://example.com/cb", client.calls[0].url)
	assert.Contains(t, client.calls[0].url, "http://b:9090/timers/")
}

func TestHandleDueReinsertsRepeatingTimer(t *testing.T) {
	view := cluster.New("a", 9090, []string{"a"})
	store := timerstore.New("a", 10, fixedClock{ms: 0})
	queue := newFakeQueue()
	client := &fakeHTTPClient{}

	d := New(store, view, queue, client, nil, time.Millisecond)

	tr := &timer.Timer{
		ID:           1,
		Interval:     1000,
		RepeatFor:    3000, // four pops (sequences 0-3): sequence 0 is not final
		CallbackURL:  "http://example.com/cb",
		CallbackBody: "hello",
		Replicas:     []string{"a"},
	}

	d.handleDue(context.Background(), tr)

	assert.False(t, tr.IsTombstone())
	assert.Equal(t, uint32(1), tr.SequenceNumber)
	assert.Equal(t, 1, store.Len())
}

func TestHandleDueReplicatesToOtherReplicas(t *testing.T) {
	view := cluster.New("a", 9090, []string{"a", "b", "c"})
	store := timerstore.New("a", 10, fixedClock{ms: 0})
	queue := newFakeQueue()
	client := &fakeHTTPClient{}

	d := New(store, view, queue, client, nil, time.Millisecond)

	tr := &timer.Timer{
		ID:           1,
		Interval:     1000,
		RepeatFor:    0,
		CallbackURL:  "http://example.com/cb",
		CallbackBody: "hello",
		Replicas:     []string{"a", "b", "c"},
	}

	d.handleDue(context.Background(), tr)

	queue.mu.Lock()
	published := len(queue.published)
	queue.mu.Unlock()
	assert.Equal(t, 2, published) // one per non-local replica (b, c)

	// The replication messages are delivered via the same HTTP client: one
	// call for the local callback, two more for replicating to b and c.
	assert.Len(t, client.calls, 3)
}

func TestHandleDueTombstonePropagatesWithoutFiringCallback(t *testing.T) {
	view := cluster.New("a", 9090, []string{"a", "b"})
	store := timerstore.New("a", 10, fixedClock{ms: 0})
	queue := newFakeQueue()
	client := &fakeHTTPClient{}

	d := New(store, view, queue, client, nil, time.Millisecond)

	tomb := &timer.Timer{ID: 1, Interval: 1000, RepeatFor: 0, Replicas: []string{"a", "b"}}
	require.True(t, tomb.IsTombstone())

	d.handleDue(context.Background(), tomb)

	// No callback fired locally (it's a tombstone), but it is replicated.
	assert.Len(t, client.calls, 1)
}

func TestTickOnceAdvancesWheelRefillsMetric(t *testing.T) {
	view := cluster.New("local", 9090, []string{"local"})
	store := timerstore.New("local", 2, fixedClock{ms: 0}) // tiny 2-second wheel
	queue := newFakeQueue()
	client := &fakeHTTPClient{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	d := New(store, view, queue, client, m, time.Millisecond)

	// Scheduled 1.5s out: lands in the second wheel, so draining the ms
	// wheel eventually forces a refill.
	store.Add(&timer.Timer{
		ID: 1, Interval: 1500, RepeatFor: 1500,
		CallbackURL: "http://example.com/cb", CallbackBody: "hello",
		Replicas: []string{"local"},
	})

	for i := 0; i < 500 && testutil.ToFloat64(m.WheelRefillsTotal) == 0; i++ {
		d.tickOnce(context.Background())
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(m.WheelRefillsTotal))
}
