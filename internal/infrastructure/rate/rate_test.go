package rate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateIsZeroBeforeFirstArrival(t *testing.T) {
	a := NewArrival()

	assert.Equal(t, 0.0, a.Rate())
	assert.Equal(t, uint64(0), a.Count())
}

func TestRateReflectsArrivals(t *testing.T) {
	a := NewArrivalWindow(time.Second, 4)

	for i := 0; i < 10; i++ {
		a.Arrived()
	}

	got := a.Rate()
	require.Greater(t, got, 0.0)
	assert.InDelta(t, 10.0, got, 0.001)
}

func TestRateDecaysAsSpansExpire(t *testing.T) {
	a := NewArrivalWindow(200*time.Millisecond, 4)

	for i := 0; i < 8; i++ {
		a.Arrived()
	}
	require.Greater(t, a.Rate(), 0.0)

	time.Sleep(600 * time.Millisecond)

	assert.Equal(t, 0.0, a.Rate())
	assert.Equal(t, uint64(8), a.Count())
}

func TestConcurrentArrivalsAreNotLost(t *testing.T) {
	const callers = 50
	const perCaller = 40

	a := NewArrival()

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perCaller; j++ {
				a.Arrived()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(callers*perCaller), a.Count())
	assert.Greater(t, a.Rate(), 0.0)
}
