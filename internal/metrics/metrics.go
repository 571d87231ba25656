// Package metrics exposes the process's Prometheus instrumentation: store
// occupancy, overflow heap size, wheel refill activity and callback
// latency, registered once per process and served by internal/api's
// /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the service reports, registered against a
// single prometheus.Registerer so cmd/timerd can wire it to the default
// registry or a test-local one.
type Registry struct {
	reg prometheus.Registerer

	// StoreTimers counts every timer currently owned by this node's store,
	// across every bucket and the overflow heap.
	StoreTimers prometheus.Gauge

	// OverflowHeapSize directly answers whether the overflow heap stays
	// empty in practice: it should hover at zero for a correctly sized
	// second wheel, and a sustained non-zero value is a sign the wheel's
	// horizon is too small for the timers being scheduled.
	OverflowHeapSize prometheus.Gauge

	// WheelRefillsTotal counts how often the second wheel rolls over into
	// the millisecond wheel, a proxy for how often timers cross the
	// fast-path horizon.
	WheelRefillsTotal prometheus.Counter

	// PopsTotal counts every timer handed to the dispatcher by the store.
	PopsTotal prometheus.Counter

	// CallbackDuration tracks callback HTTP round-trip latency.
	CallbackDuration prometheus.Histogram
}

// New builds and registers a Registry against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{reg: reg}

	r.StoreTimers = r.newGauge(prometheus.GaugeOpts{
		Namespace: "timerd",
		Name:      "store_timers",
		Help:      "Number of timers currently owned by this node's store.",
	})

	r.OverflowHeapSize = r.newGauge(prometheus.GaugeOpts{
		Namespace: "timerd",
		Name:      "overflow_heap_size",
		Help:      "Number of timers currently parked in the overflow heap, beyond the second wheel's horizon.",
	})

	r.WheelRefillsTotal = r.newCounter(prometheus.CounterOpts{
		Namespace: "timerd",
		Name:      "wheel_refills_total",
		Help:      "Count of second-wheel refills into the millisecond wheel.",
	})

	r.PopsTotal = r.newCounter(prometheus.CounterOpts{
		Namespace: "timerd",
		Name:      "pops_total",
		Help:      "Count of timers handed to the dispatcher by the store.",
	})

	r.CallbackDuration = r.newHistogram(prometheus.HistogramOpts{
		Namespace: "timerd",
		Name:      "callback_duration_seconds",
		Help:      "Callback HTTP round-trip latency.",
		Buckets:   prometheus.DefBuckets,
	})

	return r
}

func (r *Registry) newGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	r.reg.MustRegister(g)
	return g
}

func (r *Registry) newCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	r.reg.MustRegister(c)
	return c
}

func (r *Registry) newHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	r.reg.MustRegister(h)
	return h
}
