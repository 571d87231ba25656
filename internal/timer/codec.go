package timer

import (
	"encoding/json"
	"fmt"

	"github.com/zbysir/timerd/internal/cluster"
)

// DecodeError reports a malformed or missing field in a Timer's wire JSON,
// Field names the JSON path (dotted, e.g. "timing.interval");
// Reason is a human-readable description of what was wrong with it.
type DecodeError struct {
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func decodeErr(field, reason string) *DecodeError {
	return &DecodeError{Field: field, Reason: reason}
}

// wireTiming mirrors the "timing" block of the wire JSON:
// interval and repeat-for are whole seconds on the wire, milliseconds in
// the Timer struct.
type wireTiming struct {
	Interval       *int64 `json:"interval"`
	RepeatFor      *int64 `json:"repeat-for"`
	StartTime      *int64 `json:"start-time"`
	SequenceNumber *int64 `json:"sequence-number"`
}

type wireHTTP struct {
	URI    *string `json:"uri"`
	Opaque *string `json:"opaque"`
}

type wireCallback struct {
	HTTP *wireHTTP `json:"http"`
}

type wireReliability struct {
	Replicas          []string `json:"replicas"`
	ReplicationFactor *uint32  `json:"replication-factor"`
}

type wireTimer struct {
	Timing      *wireTiming      `json:"timing"`
	Callback    *wireCallback    `json:"callback"`
	Reliability *wireReliability `json:"reliability"`
}

// Decode parses a Timer's wire JSON into a Timer with the given
// id. replicaHash is the bloom-filter hash parsed from the request's URL
// handle (zero for a fresh client request). Every required field is
// asserted present and of the right shape, producing a *DecodeError naming
// the offending field rather than a generic parse failure.
//
// When the decoded body carries an explicit non-empty "reliability.replicas"
// list, the Timer is treated as a replication message from another cluster
// node (Replicated is set true) and that list is used verbatim. Otherwise
// this is a client creation request: replicas are derived from replicaHash
// and the cluster view.
func Decode(id uint64, replicaHash uint64, body []byte, view *cluster.View) (*Timer, error) {
	return DecodeWithDefault(id, replicaHash, body, view, DefaultReplicationFactor)
}

// DecodeWithDefault is Decode with the replication factor a client request
// falls back to when it specifies neither "reliability.replicas" nor
// "reliability.replication-factor" itself — cmd/timerd wires this to
// config.Options.ReplicationFactor so operators can change the cluster-wide
// default without touching client requests.
func DecodeWithDefault(id uint64, replicaHash uint64, body []byte, view *cluster.View, defaultReplicationFactor uint32) (*Timer, error) {
	var w wireTimer
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, decodeErr("body", fmt.Sprintf("invalid JSON: %v", err))
	}

	if w.Timing == nil {
		return nil, decodeErr("timing", "missing required object")
	}
	if w.Timing.Interval == nil {
		return nil, decodeErr("timing.interval", "missing required integer")
	}
	if w.Timing.RepeatFor == nil {
		return nil, decodeErr("timing.repeat-for", "missing required integer")
	}

	t := &Timer{
		ID:       id,
		Interval: uint64(*w.Timing.Interval) * 1000,
	}
	t.RepeatFor = uint64(*w.Timing.RepeatFor) * 1000

	if w.Timing.StartTime != nil {
		t.StartTime = uint64(*w.Timing.StartTime)
	}
	if w.Timing.SequenceNumber != nil {
		t.SequenceNumber = uint32(*w.Timing.SequenceNumber)
	}

	if w.Callback == nil {
		return nil, decodeErr("callback", "missing required object")
	}
	if w.Callback.HTTP == nil {
		return nil, decodeErr("callback.http", "missing required object")
	}
	if w.Callback.HTTP.URI == nil {
		return nil, decodeErr("callback.http.uri", "missing required string")
	}
	if w.Callback.HTTP.Opaque == nil {
		return nil, decodeErr("callback.http.opaque", "missing required string")
	}
	t.CallbackURL = *w.Callback.HTTP.URI
	t.CallbackBody = *w.Callback.HTTP.Opaque

	if w.Reliability != nil && len(w.Reliability.Replicas) > 0 {
		t.Replicas = append([]string(nil), w.Reliability.Replicas...)
		t.ReplicationFactor = uint32(len(t.Replicas))
		t.Replicated = true
		return t, nil
	}

	if w.Reliability != nil && w.Reliability.Replicas != nil {
		return nil, decodeErr("reliability.replicas", "if specified it must be non-empty")
	}

	if w.Reliability != nil && w.Reliability.ReplicationFactor != nil {
		t.ReplicationFactor = *w.Reliability.ReplicationFactor
	} else {
		t.ReplicationFactor = defaultReplicationFactor
	}

	t.Replicated = false
	t.CalculateReplicas(replicaHash, view)
	return t, nil
}

// Encode renders a Timer as wire JSON, the inverse of Decode.
// Interval and RepeatFor are rendered back to whole seconds.
func (t *Timer) Encode() ([]byte, error) {
	w := wireTimer{
		Timing: &wireTiming{
			Interval:       int64Ptr(int64(t.Interval / 1000)),
			RepeatFor:      int64Ptr(int64(t.RepeatFor / 1000)),
			StartTime:      int64Ptr(int64(t.StartTime)),
			SequenceNumber: int64Ptr(int64(t.SequenceNumber)),
		},
		Callback: &wireCallback{
			HTTP: &wireHTTP{
				URI:    &t.CallbackURL,
				Opaque: &t.CallbackBody,
			},
		},
		Reliability: &wireReliability{
			Replicas: t.Replicas,
		},
	}
	return json.Marshal(w)
}

func int64Ptr(v int64) *int64 { return &v }
