// Package timerstore implements the hierarchical time wheel that backs a
// single cluster node: 100 ten-millisecond buckets covering the next
// second, a configurable number of one-second buckets covering the next
// hour (by default), and an overflow heap for anything scheduled further
// out than that. Insert, delete and pop are all O(1) on the hot path; only
// the once-a-second and once-an-hour refills touch more than one bucket.
//
// A single mutex guards the whole structure. It is never held while firing
// a callback — PopNext hands ownership of the popped timers back to the
// caller and returns immediately.
package timerstore

import (
	"container/heap"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zbysir/timerd/internal/timer"
)

// DefaultSecondBuckets is the default horizon of the second wheel: one
// hour's worth of one-second buckets.
const DefaultSecondBuckets = 3600

const msBucketCount = 100

// Clock abstracts wall-clock time for the store's anchor timestamp. Unlike
// internal/timer.Clock, failure is representable: the store cannot start
// without knowing the time.
type Clock interface {
	NowMS() (uint64, error)
}

type systemClock struct{}

func (systemClock) NowMS() (uint64, error) {
	return uint64(time.Now().UnixMilli()), nil
}

// Store is a single node's hierarchical timer wheel.
type Store struct {
	mu sync.Mutex

	localAddr        string
	numSecondBuckets int
	clock            Clock

	lookup map[uint64]*timer.Timer

	msBuckets []map[uint64]*timer.Timer
	sBuckets  []map[uint64]*timer.Timer
	overflow  overflowHeap

	currentMsBucket int
	currentSBucket  int

	firstBucketTimestamp uint64

	refillsTotal uint64
}

// New builds an empty Store anchored to the current time. localAddr is
// this node's cluster address, used to compute each timer's own
// replica-stagger offset (internal/timer.Timer.NextPopTime). numSecondBuckets
// of 0 defaults to DefaultSecondBuckets. clock of nil uses the system
// clock.
//
// New panics if the clock cannot be read: without a starting anchor
// timestamp the wheel has no meaningful notion of "now" and the service
// cannot safely run.
func New(localAddr string, numSecondBuckets int, clock Clock) *Store {
	if numSecondBuckets <= 0 {
		numSecondBuckets = DefaultSecondBuckets
	}
	if clock == nil {
		clock = systemClock{}
	}

	now, err := clock.NowMS()
	if err != nil {
		panic(fmt.Sprintf("timerstore: failed to read system time, cannot start: %v", err))
	}

	s := &Store{
		localAddr:            localAddr,
		numSecondBuckets:     numSecondBuckets,
		clock:                clock,
		lookup:               make(map[uint64]*timer.Timer),
		msBuckets:            make([]map[uint64]*timer.Timer, msBucketCount),
		sBuckets:             make([]map[uint64]*timer.Timer, numSecondBuckets),
		overflow:             overflowHeap{localAddr: localAddr},
		firstBucketTimestamp: now,
	}
	for i := range s.msBuckets {
		s.msBuckets[i] = make(map[uint64]*timer.Timer)
	}
	for i := range s.sBuckets {
		s.sBuckets[i] = make(map[uint64]*timer.Timer)
	}
	return s
}

// Len returns the number of timers currently owned by the store,
// regardless of which bucket or the overflow heap they live in.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lookup)
}

// OverflowLen returns the number of timers currently parked in the
// overflow heap; it should hover near zero for a correctly sized second
// wheel.
func (s *Store) OverflowLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.overflow.items)
}

// RefillsTotal returns the number of times the second wheel has rolled
// over into the millisecond wheel since the store started.
func (s *Store) RefillsTotal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refillsTotal
}

// Add gives a timer to the store. The store takes ownership: the caller
// must not touch t again except via the store's own API. A timer whose id
// already exists in the store is resolved via the precedence rule: the
// loser is silently discarded.
func (s *Store) Add(t *timer.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(t)
}

// AddMany adds a batch of timers under a single lock acquisition.
func (s *Store) AddMany(timers []*timer.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range timers {
		s.addLocked(t)
	}
}

func (s *Store) addLocked(t *timer.Timer) {
	if existing, ok := s.lookup[t.ID]; ok {
		if !timer.Precedence(t, existing) {
			// existing already has precedence; the incoming timer is stale.
			return
		}
		timer.ResolveTombstoneInterval(t, existing)
		s.removeLocked(existing)
	}

	switch kind, idx := s.locateBucket(t); kind {
	case bucketMS:
		s.msBuckets[idx][t.ID] = t
	case bucketS:
		s.sBuckets[idx][t.ID] = t
	default:
		log.Printf("timerstore: timer %d is beyond the %d-second wheel horizon, parking in overflow heap", t.ID, s.numSecondBuckets)
		heap.Push(&s.overflow, t)
	}

	s.lookup[t.ID] = t
}

// Delete removes a timer from the store by id, if present. It is not an
// error to delete an id the store does not hold.
func (s *Store) Delete(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.lookup[id]
	if !ok {
		return
	}
	s.removeLocked(t)
}

// removeLocked removes t from whichever bucket or heap it lives in and
// from the lookup table. Callers must hold s.mu.
func (s *Store) removeLocked(t *timer.Timer) {
	switch kind, idx := s.locateBucket(t); kind {
	case bucketMS:
		delete(s.msBuckets[idx], t.ID)
	case bucketS:
		delete(s.sBuckets[idx], t.ID)
	default:
		s.overflow.removeByID(t.ID)
	}
	delete(s.lookup, t.ID)
}

// PopNext returns the next batch of timers due to pop, advancing the
// wheel's cursor as needed. An empty store yields nil immediately and the
// caller (the dispatcher) is expected to try again on its next tick. A
// non-empty store advances the cursor, refilling from the second wheel and
// the overflow heap as often as needed, until it reaches a non-empty
// millisecond bucket and returns its contents; the cursor is not compared
// against the clock.
//
// Ownership of the returned timers passes to the caller. A repeating timer
// that should fire again must be re-inserted via Add after its sequence
// number is incremented.
func (s *Store) PopNext() []*timer.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.lookup) == 0 {
		return nil
	}

	for len(s.msBuckets[s.currentMsBucket]) == 0 {
		if s.currentMsBucket >= msBucketCount-1 {
			s.refillMsBuckets()
		} else {
			s.currentMsBucket++
		}
	}

	bucket := s.msBuckets[s.currentMsBucket]
	out := make([]*timer.Timer, 0, len(bucket))
	for id, t := range bucket {
		delete(s.lookup, id)
		out = append(out, t)
	}
	s.msBuckets[s.currentMsBucket] = make(map[uint64]*timer.Timer)
	return out
}

// refillMsBuckets moves the next second's worth of timers into the
// ten-millisecond buckets and resets the ms cursor. Callers must hold s.mu.
func (s *Store) refillMsBuckets() {
	if s.currentSBucket >= s.numSecondBuckets-1 {
		s.refillSBuckets()
	}

	s.refillsTotal++
	s.currentMsBucket = 0
	s.firstBucketTimestamp += 1000

	s.distributeSBucket(s.currentSBucket)
	s.currentSBucket++
}

// distributeSBucket re-locates every timer in second-bucket index into the
// millisecond buckets, now that it is within the next second's horizon.
// Callers must hold s.mu.
func (s *Store) distributeSBucket(index int) {
	bucket := s.sBuckets[index]
	for id, t := range bucket {
		kind, idx := s.locateBucket(t)
		if kind == bucketS {
			// Defensive: a timer that still lands in a second bucket after
			// redistribution would spin forever. This should not happen
			// once firstBucketTimestamp has advanced past its old slot.
			log.Printf("timerstore: timer %d failed to redistribute out of the second wheel", id)
			continue
		}
		switch kind {
		case bucketMS:
			s.msBuckets[idx][id] = t
		default:
			heap.Push(&s.overflow, t)
		}
	}
	s.sBuckets[index] = make(map[uint64]*timer.Timer)
}

// refillSBuckets resets the second-bucket cursor and drains every overflow
// timer that has now come within the second wheel's horizon. Callers must
// hold s.mu.
func (s *Store) refillSBuckets() {
	s.currentSBucket = 0

	horizon := uint64(s.numSecondBuckets) * 1000
	for s.overflow.Len() > 0 {
		t := s.overflow.items[0]
		if t.NextPopTime(s.localAddr)-s.firstBucketTimestamp >= horizon {
			break
		}
		heap.Pop(&s.overflow)

		kind, idx := s.locateBucket(t)
		switch kind {
		case bucketS:
			s.sBuckets[idx][t.ID] = t
		case bucketMS:
			s.msBuckets[idx][t.ID] = t
		default:
			// The loop guard above already confirmed this timer is within
			// the horizon, so locateBucket disagreeing means the clock
			// anchor moved underneath us; log and drop rather than loop
			// forever.
			log.Printf("timerstore: timer %d did not leave the overflow heap as expected during refill", t.ID)
		}
	}
}

type bucketKind int

const (
	bucketMS bucketKind = iota
	bucketS
	bucketOverflow
)

// locateBucket decides which bucket (or the overflow heap) t belongs in,
// based on its next pop time relative to the wheel's current anchor.
// Callers must hold s.mu.
func (s *Store) locateBucket(t *timer.Timer) (bucketKind, int) {
	nextPop := t.NextPopTime(s.localAddr)

	var timeToNextPop uint64
	if nextPop < s.firstBucketTimestamp {
		log.Printf("timerstore: timer %d is already past its pop time, scheduling it immediately", t.ID)
		timeToNextPop = 0
	} else {
		timeToNextPop = nextPop - s.firstBucketTimestamp
	}

	switch {
	case timeToNextPop < 1000:
		return bucketMS, int(timeToNextPop / 10)
	case timeToNextPop < uint64(s.numSecondBuckets)*1000:
		// The second buckets are offset by one: the millisecond buckets
		// already cover the first second's worth of time.
		return bucketS, int(timeToNextPop/1000) - 1
	default:
		return bucketOverflow, 0
	}
}

// overflowHeap is a container/heap.Interface min-heap of timers ordered by
// next pop time (from the owning store's own perspective, via localAddr),
// used for anything beyond the second wheel's horizon.
type overflowHeap struct {
	localAddr string
	items     []*timer.Timer
}

func (h overflowHeap) Len() int { return len(h.items) }

func (h overflowHeap) Less(i, j int) bool {
	return h.items[i].NextPopTime(h.localAddr) < h.items[j].NextPopTime(h.localAddr)
}

func (h overflowHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *overflowHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*timer.Timer))
}

func (h *overflowHeap) Pop() interface{} {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

func (h *overflowHeap) removeByID(id uint64) {
	for i, t := range h.items {
		if t.ID == id {
			heap.Remove(h, i)
			return
		}
	}
}
