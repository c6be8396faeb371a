package domain

import (
	"fmt"
	"sync"

	"github.com/hilthontt/metrelay/internal/infrastructure/rate"
)

// Backend represents a downstream metric-ingest server to forward lines to
type Backend struct {
	Host    string
	TCPPort uint16

	mux     sync.RWMutex
	alive   bool
	arrival *rate.Arrival
}

func NewBackend(host string, tcpPort uint16) *Backend {
	return &Backend{
		Host:    host,
		TCPPort: tcpPort,
		alive:   true,
		arrival: rate.NewArrival(),
	}
}

// SetAlive updates the alive status of the backend
func (b *Backend) SetAlive(alive bool) {
	b.mux.Lock()
	b.alive = alive
	b.mux.Unlock()
}

// IsUp returns true if the backend passed its last health check
func (b *Backend) IsUp() bool {
	b.mux.RLock()
	alive := b.alive
	b.mux.RUnlock()
	return alive
}

// Arrived records one forwarded event against this backend
func (b *Backend) Arrived() {
	b.arrival.Arrived()
}

// ArrivalRate returns the backend's recent events per second
func (b *Backend) ArrivalRate() float64 {
	return b.arrival.Rate()
}

func (b *Backend) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.TCPPort)
}

// Equal compares backends by host and port
func (b *Backend) Equal(other *Backend) bool {
	if other == nil {
		return false
	}
	return b.Host == other.Host && b.TCPPort == other.TCPPort
}
