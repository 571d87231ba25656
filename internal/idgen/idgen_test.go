package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stepClock struct{ ms uint64 }

func (c *stepClock) NowMS() uint64 { return c.ms }

func TestNextIsMonotonicWithinSameMillisecond(t *testing.T) {
	clock := &stepClock{ms: 1000}
	src := New(1, 1, clock)

	a := src.Next()
	b := src.Next()

	assert.Less(t, a, b)
}

func TestNextResetsSequenceWhenClockAdvances(t *testing.T) {
	clock := &stepClock{ms: 1000}
	src := New(1, 1, clock)

	first := src.Next()
	clock.ms = 2000
	second := src.Next()

	assert.Less(t, first, second)
	assert.Equal(t, uint64(0), second&sequenceMask)
}

func TestNextEncodesDeploymentAndInstance(t *testing.T) {
	clock := &stepClock{ms: 5000}
	src := New(7, 3, clock)

	id := src.Next()

	assert.Equal(t, uint64(7), id>>(64-deploymentBits))
	assert.Equal(t, uint64(3), (id>>(64-deploymentBits-instanceBits))&0xff)
}

func TestNewTruncatesOutOfRangeIdentities(t *testing.T) {
	src := New(0x1ff, 0x1ff, &stepClock{ms: 1})
	id := src.Next()

	assert.LessOrEqual(t, id>>(64-deploymentBits), uint64(0xff))
}

func TestNextNeverCollidesUnderConcurrentUse(t *testing.T) {
	src := New(1, 1, &stepClock{ms: 1000})

	const n = 1000
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			ids[i] = src.Next()
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestSystemClockClampsBeforeEpoch(t *testing.T) {
	c := systemClock{}
	// NowMS can never be negative even if the wall clock were somehow
	// before the anchor epoch; it should clamp to zero rather than wrap.
	assert.GreaterOrEqual(t, c.NowMS(), uint64(0))
}
