package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/zbysir/timerd/internal/cluster"
	"github.com/zbysir/timerd/internal/metrics"
	"github.com/zbysir/timerd/internal/timer"
	"github.com/zbysir/timerd/internal/timerstore"
)

const topicReplicate = "replicate"

// DefaultTick is the dispatcher's default poll interval against the store.
const DefaultTick = 10 * time.Millisecond

// Dispatcher owns the tick loop against a timerstore.Store: every tick it
// pops the batch of timers due to fire, invokes the callback for any it is
// a live replica of, re-inserts repeaters with an incremented sequence
// number, turns exhausted timers into tombstones, and always propagates
// the resulting state to the timer's other replicas so they can suppress
// their own staggered attempt.
type Dispatcher struct {
	store    *timerstore.Store
	view     *cluster.View
	queue    Queue
	callback HTTPClient
	metrics  *metrics.Registry
	tick     time.Duration

	lastRefillsTotal uint64
}

// New builds a Dispatcher and subscribes it to the queue's replication
// topic. Callers must still call queue.Start in their own goroutine.
func New(store *timerstore.Store, view *cluster.View, queue Queue, callback HTTPClient, m *metrics.Registry, tick time.Duration) *Dispatcher {
	if tick <= 0 {
		tick = DefaultTick
	}
	d := &Dispatcher{
		store:    store,
		view:     view,
		queue:    queue,
		callback: callback,
		metrics:  m,
		tick:     tick,
	}
	queue.Subscribe(topicReplicate, d.handleReplicate)
	return d
}

// Run blocks, ticking the dispatcher until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tickOnce(ctx)
		}
	}
}

func (d *Dispatcher) tickOnce(ctx context.Context) {
	due := d.store.PopNext()
	if d.metrics != nil {
		d.metrics.PopsTotal.Add(float64(len(due)))
		d.metrics.StoreTimers.Set(float64(d.store.Len()))
		d.metrics.OverflowHeapSize.Set(float64(d.store.OverflowLen()))

		refills := d.store.RefillsTotal()
		d.metrics.WheelRefillsTotal.Add(float64(refills - d.lastRefillsTotal))
		d.lastRefillsTotal = refills
	}

	for _, t := range due {
		d.handleDue(ctx, t)
	}
}

func (d *Dispatcher) handleDue(ctx context.Context, t *timer.Timer) {
	if !t.IsTombstone() && d.isLocalReplica(t) {
		d.fireCallback(ctx, t)
	}

	switch {
	case t.IsTombstone():
		// Already terminal: nothing left to (re)schedule locally.
	case !t.Exhausted():
		t.SequenceNumber++
		d.store.Add(t)
	default:
		t.BecomeTombstone()
	}

	d.replicate(ctx, t)
}

func (d *Dispatcher) isLocalReplica(t *timer.Timer) bool {
	local := d.view.LocalAddress()
	for _, r := range t.Replicas {
		if r == local {
			return true
		}
	}
	return false
}

func (d *Dispatcher) fireCallback(ctx context.Context, t *timer.Timer) {
	start := time.Now()
	err := d.callback.Fire(ctx, t.CallbackURL, t.CallbackBody)
	if d.metrics != nil {
		d.metrics.CallbackDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		log.Printf("dispatch: callback delivery failed for timer %d: %v", t.ID, err)
	}
}

// replicationMessage is the payload enqueued for the replicate topic: the
// peer's own replication-receiver URL plus the timer's current wire JSON.
type replicationMessage struct {
	URL  string `json:"url"`
	Body []byte `json:"body"`
}

// replicate enqueues a delivery of t's current state to every replica (and
// extra replica) other than this node. The store's precedence rule means
// redelivery or out-of-order arrival at the peer is harmless: a stale
// message is simply dropped.
func (d *Dispatcher) replicate(ctx context.Context, t *timer.Timer) {
	body, err := t.Encode()
	if err != nil {
		log.Printf("dispatch: failed to encode timer %d for replication: %v", t.ID, err)
		return
	}

	local := d.view.LocalAddress()
	targets := make([]string, 0, len(t.Replicas)+len(t.ExtraReplicas))
	targets = append(targets, t.Replicas...)
	targets = append(targets, t.ExtraReplicas...)

	for _, addr := range targets {
		if addr == local {
			continue
		}

		msg := replicationMessage{URL: t.URL(addr, d.view), Body: body}
		encoded, err := json.Marshal(msg)
		if err != nil {
			log.Printf("dispatch: failed to marshal replication message for timer %d: %v", t.ID, err)
			continue
		}

		if err := d.queue.Publish(ctx, topicReplicate, encoded, 0, PublishOption{Critical: true}); err != nil {
			log.Printf("dispatch: failed to enqueue replication of timer %d to %s: %v", t.ID, addr, err)
		}
	}
}

func (d *Dispatcher) handleReplicate(ctx context.Context, data []byte) error {
	var msg replicationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	return d.callback.Fire(ctx, msg.URL, string(msg.Body))
}
