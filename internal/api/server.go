// Package api is the HTTP surface timer clients and peer nodes talk to:
// client-facing timer creation, the peer-facing replication receiver, and
// deletion — a gin router served behind an explicit http.Server so it can
// shut down gracefully instead of being abandoned on process exit.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/zbysir/timerd/internal/cluster"
	"github.com/zbysir/timerd/internal/idgen"
	"github.com/zbysir/timerd/internal/metrics"
	"github.com/zbysir/timerd/internal/timer"
	"github.com/zbysir/timerd/internal/timerstore"
)

// Server is the gin-backed HTTP API timer clients and peer nodes talk to.
type Server struct {
	listenAddr      string
	view            *cluster.View
	store           *timerstore.Store
	ids             *idgen.Source
	metrics         *metrics.Registry
	defaultReplicas uint32

	engine *gin.Engine
	http   *http.Server
	// limiter throttles only the client-facing creation route; the
	// peer-facing replication route must never be backpressured by a
	// client-side limit.
	limiter *rate.Limiter
}

// New builds a Server. limiterRatePerSec and limiterBurst of 0 disable the
// client-creation rate limit. defaultReplicationFactor of 0 falls back to
// timer.DefaultReplicationFactor.
func New(listenAddr string, view *cluster.View, store *timerstore.Store, ids *idgen.Source, m *metrics.Registry, limiterRatePerSec float64, limiterBurst int, defaultReplicationFactor uint32) *Server {
	if defaultReplicationFactor == 0 {
		defaultReplicationFactor = timer.DefaultReplicationFactor
	}
	s := &Server{
		listenAddr:      listenAddr,
		view:            view,
		store:           store,
		ids:             ids,
		metrics:         m,
		defaultReplicas: defaultReplicationFactor,
	}
	if limiterRatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(limiterRatePerSec), limiterBurst)
	}

	s.engine = gin.Default()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	timers := s.engine.Group("/timers")
	timers.POST("", s.rateLimited(), s.handleCreate)
	timers.POST("/:handle", s.handleReplicate)
	timers.DELETE("/:handle", s.handleDelete)
}

// Start blocks, serving until ctx is cancelled, then shuts the HTTP server
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{Addr: s.listenAddr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) rateLimited() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"message": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCreate implements POST /timers: allocates an id, decodes the
// body with replica_hash=0 so replicas are freshly derived, stores the
// timer, and responds with its URL.
func (s *Server) handleCreate(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	id := s.ids.Next()
	tr, err := timer.DecodeWithDefault(id, 0, body, s.view, s.defaultReplicas)
	if err != nil {
		respondDecodeError(c, err)
		return
	}

	s.store.Add(tr)
	c.JSON(http.StatusCreated, gin.H{"url": tr.URL(s.view.LocalAddress(), s.view)})
}

// handleReplicate implements POST /timers/:handle: the peer-facing
// replication receiver. The handle's replica hash seeds placement if the
// body turns out not to carry its own explicit replica list, though a
// true replication message always does.
func (s *Server) handleReplicate(c *gin.Context) {
	id, replicaHash, err := timer.ParseHandle(c.Param("handle"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	tr, err := timer.DecodeWithDefault(id, replicaHash, body, s.view, s.defaultReplicas)
	if err != nil {
		respondDecodeError(c, err)
		return
	}

	s.store.Add(tr)
	c.JSON(http.StatusOK, gin.H{"url": tr.URL(s.view.LocalAddress(), s.view)})
}

// handleDelete implements DELETE /timers/:handle: inserts a tombstone for
// the id, deriving its replica set from the handle's bloom-filter hash
// exactly as a live timer would.
func (s *Server) handleDelete(c *gin.Context) {
	id, replicaHash, err := timer.ParseHandle(c.Param("handle"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	tomb := timer.CreateTombstone(id, replicaHash, s.view)
	s.store.Add(tomb)
	c.Status(http.StatusNoContent)
}

func respondDecodeError(c *gin.Context, err error) {
	var decErr *timer.DecodeError
	if ok := asDecodeError(err, &decErr); ok {
		c.JSON(http.StatusBadRequest, gin.H{"field": decErr.Field, "message": decErr.Reason})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
}

func asDecodeError(err error, target **timer.DecodeError) bool {
	de, ok := err.(*timer.DecodeError)
	if ok {
		*target = de
	}
	return ok
}
