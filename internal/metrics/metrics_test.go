package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	assert.NotNil(t, m.StoreTimers)
	assert.NotNil(t, m.OverflowHeapSize)
	assert.NotNil(t, m.WheelRefillsTotal)
	assert.NotNil(t, m.PopsTotal)
	assert.NotNil(t, m.CallbackDuration)

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestGaugesReflectSetValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.StoreTimers.Set(42)
	m.OverflowHeapSize.Set(3)

	assert.Equal(t, float64(42), testutil.ToFloat64(m.StoreTimers))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.OverflowHeapSize))
}

func TestCountersAccumulate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PopsTotal.Add(5)
	m.PopsTotal.Add(2)

	assert.Equal(t, float64(7), testutil.ToFloat64(m.PopsTotal))
}
