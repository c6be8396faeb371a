package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendStartsUp(t *testing.T) {
	b := NewBackend("h1", 1001)

	assert.True(t, b.IsUp())
	assert.Equal(t, "h1:1001", b.Addr())
	assert.Equal(t, 0.0, b.ArrivalRate())
}

func TestBackendSetAlive(t *testing.T) {
	b := NewBackend("h1", 1001)

	b.SetAlive(false)
	assert.False(t, b.IsUp())

	b.SetAlive(true)
	assert.True(t, b.IsUp())
}

func TestBackendEquality(t *testing.T) {
	a := NewBackend("h1", 1001)
	b := NewBackend("h1", 1001)
	c := NewBackend("h1", 1002)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
}

func TestBackendArrivedFeedsRate(t *testing.T) {
	b := NewBackend("h1", 1001)

	for i := 0; i < 30; i++ {
		b.Arrived()
	}

	assert.Greater(t, b.ArrivalRate(), 0.0)
}
