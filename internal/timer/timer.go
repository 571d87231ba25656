// Package timer implements the Timer entity: identity, timing, callback,
// replica set and tombstone state, its next-pop-time and URL arithmetic,
// its deterministic replica derivation, and the precedence rule the store
// uses to merge duplicate ids.
//
// A *Timer is a move-only handle in spirit: whoever holds it owns it.
// TimerStore.Add takes ownership; PopNext hands it back. There is no
// reference counting or sharing — callers that need to keep a Timer around
// after handing it to the store must make their own copy first.
package timer

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zbysir/timerd/internal/cluster"
	"github.com/zbysir/timerd/internal/murmur"
)

// DefaultReplicationFactor is used whenever a wire message's reliability
// block is absent or specifies neither replicas nor a replication factor.
const DefaultReplicationFactor = 2

// Clock abstracts wall-clock time in milliseconds since epoch so tests can
// control "now" deterministically.
type Clock interface {
	NowMS() uint64
}

// Timer is a single scheduled (possibly repeating) callback.
type Timer struct {
	ID             uint64
	StartTime      uint64 // ms since epoch
	Interval       uint64 // ms
	RepeatFor      uint64 // ms
	SequenceNumber uint32

	Replicas          []string
	ReplicationFactor uint32
	ExtraReplicas     []string

	CallbackURL  string
	CallbackBody string

	// Replicated is true when this Timer was built from a peer's
	// replication message (its wire form carried an explicit replica
	// list) rather than from a client's creation request.
	Replicated bool
}

// New builds a bare Timer with the given identity and timing, starting now.
// Replicas are not yet derived; call CalculateReplicas once the cluster
// view and replica hash (if any) are known.
func New(id uint64, intervalMS, repeatForMS uint64, clock Clock) *Timer {
	return &Timer{
		ID:        id,
		Interval:  intervalMS,
		RepeatFor: repeatForMS,
		StartTime: clock.NowMS(),
	}
}

// IsTombstone reports whether this Timer carries no callback: a tombstone
// suppresses further pops of the same id on every replica.
func (t *Timer) IsTombstone() bool {
	return t.CallbackURL == "" && t.CallbackBody == ""
}

// BecomeTombstone clears the callback fields and extends RepeatFor so the
// tombstone outlives every remaining staggered replica attempt for the
// original schedule.
func (t *Timer) BecomeTombstone() {
	t.CallbackURL = ""
	t.CallbackBody = ""
	t.RepeatFor = t.Interval * uint64(t.SequenceNumber+1)
}

// CreateTombstone builds a fresh 10-second tombstone for id, starting now,
// deriving its replica set from replicaHash exactly as a live timer would.
func CreateTombstone(id uint64, replicaHash uint64, view *cluster.View) *Timer {
	t := &Timer{
		ID:        id,
		StartTime: uint64(time.Now().UnixMilli()),
		Interval:  10000,
		RepeatFor: 10000,
	}
	t.CalculateReplicas(replicaHash, view)
	return t
}

// NextPopTime returns the absolute ms timestamp at which this Timer's next
// pop is due: the base schedule plus a 2-second stagger per replica
// position, so replica 0 fires first, replica 1 two seconds later, and so
// on, giving each replica a window to fire before the next one takes over.
func (t *Timer) NextPopTime(localAddr string) uint64 {
	replicaIndex := 0
	for i, r := range t.Replicas {
		if r == localAddr {
			replicaIndex = i
			break
		}
	}

	return t.StartTime + uint64(t.SequenceNumber+1)*t.Interval + uint64(replicaIndex)*2000
}

// FinalSequence returns the highest sequence number this Timer will ever
// reach: floor(RepeatFor/Interval), counted from sequence 0 inclusive.
func (t *Timer) FinalSequence() uint32 {
	if t.Interval == 0 {
		return 0
	}
	return uint32(t.RepeatFor / t.Interval)
}

// Exhausted reports whether this Timer has already performed its final
// pop.
func (t *Timer) Exhausted() bool {
	return t.SequenceNumber >= t.FinalSequence()
}

// URL renders this timer's opaque handle for the given host:
// http://{host}:{bind_port}/timers/{id:016x}{replica_hash:016x}.
func (t *Timer) URL(host string, view *cluster.View) string {
	return fmt.Sprintf("http://%s:%d/timers/%016x%016x", host, view.BindPort(), t.ID, t.ReplicaHash(view))
}

// ReplicaHash computes the bloom-filter OR of every replica's per-node
// hash token.
func (t *Timer) ReplicaHash(view *cluster.View) uint64 {
	var hash uint64
	for _, r := range t.Replicas {
		if h, ok := view.Hash(r); ok {
			hash |= h
		}
	}
	return hash
}

// ParseHandle splits a `/timers/` path segment into its id and bloom
// replica-hash components. The segment must be exactly 32 hex digits;
// both lowercase and uppercase digits are accepted.
func ParseHandle(segment string) (id uint64, replicaHash uint64, err error) {
	if len(segment) != 32 {
		return 0, 0, fmt.Errorf("timer handle must be 32 hex digits, got %d", len(segment))
	}

	id, err = parseHex16(segment[:16])
	if err != nil {
		return 0, 0, fmt.Errorf("timer handle id: %w", err)
	}
	replicaHash, err = parseHex16(segment[16:])
	if err != nil {
		return 0, 0, fmt.Errorf("timer handle replica hash: %w", err)
	}
	return id, replicaHash, nil
}

func parseHex16(s string) (uint64, error) {
	var v uint64
	for _, c := range []byte(s) {
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex digit %q", c)
		}
		v = v<<4 | d
	}
	return v, nil
}

// CalculateReplicas fills Replicas and ExtraReplicas.
//
// When replicaHash is zero this is a brand new client request: the first
// replica is chosen deterministically from murmur3(id) mod cluster size,
// and the replicas are that node and the ones following it in cluster
// order, ReplicationFactor in total (capped at the cluster size).
//
// When replicaHash is non-zero it came from a URL's bloom filter: every
// cluster node whose hash token is a subset of replicaHash is a candidate
// ("probably a replica"). The deterministic placement still picks the
// canonical replica set the same way; any candidate that deterministic
// placement didn't pick goes into ExtraReplicas so tombstones still reach
// it (it may be a previous owner under an older cluster topology).
func (t *Timer) CalculateReplicas(replicaHash uint64, view *cluster.View) {
	size := view.Size()
	if size == 0 {
		return
	}

	var hashReplicas []string
	if replicaHash != 0 {
		for _, addr := range view.Addresses() {
			h, _ := view.Hash(addr)
			if (replicaHash & h) == h {
				hashReplicas = append(hashReplicas, addr)
			}
		}
		if t.ReplicationFactor == 0 {
			t.ReplicationFactor = uint32(len(hashReplicas))
		}
	} else if t.ReplicationFactor == 0 {
		t.ReplicationFactor = DefaultReplicationFactor
	}

	first := int(murmur.Sum32(idBytes(t.ID)) % uint32(size))

	n := int(t.ReplicationFactor)
	if n > size {
		n = size
	}
	t.Replicas = make([]string, 0, n)
	for i := 0; i < n; i++ {
		t.Replicas = append(t.Replicas, view.AddressAt(first+i))
	}

	if replicaHash != 0 {
		chosen := make(map[string]bool, len(t.Replicas))
		for _, r := range t.Replicas {
			chosen[r] = true
		}
		for _, r := range hashReplicas {
			if !chosen[r] {
				t.ExtraReplicas = append(t.ExtraReplicas, r)
			}
		}
	}
}

func idBytes(id uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	return b[:]
}

// Precedence compares two timers sharing an id and reports whether
// incoming supersedes existing and should replace it in the store: a
// larger StartTime always wins; on a StartTime tie, an equal-or-larger
// SequenceNumber wins, so a redelivered duplicate (same start time, same
// sequence) supersedes rather than being dropped.
func Precedence(incoming, existing *Timer) bool {
	if incoming.StartTime != existing.StartTime {
		return incoming.StartTime > existing.StartTime
	}
	return incoming.SequenceNumber >= existing.SequenceNumber
}

// ResolveTombstoneInterval handles the case where a superseding tombstone
// arrives for a still-live existing timer: the tombstone inherits the
// existing timer's interval and sets RepeatFor to match, so it survives
// exactly as long as the existing timer's remaining stagger windows would
// have.
func ResolveTombstoneInterval(incoming, existing *Timer) {
	if incoming.IsTombstone() && !existing.IsTombstone() {
		incoming.Interval = existing.Interval
		incoming.RepeatFor = existing.Interval
	}
}
