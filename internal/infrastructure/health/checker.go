package health

import (
	"context"
	"net"
	"time"

	"github.com/hilthontt/metrelay/internal/domain"
	"github.com/hilthontt/metrelay/internal/infrastructure/logging"
	"github.com/hilthontt/metrelay/internal/infrastructure/metrics"
)

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Metrics  *metrics.Metrics
	Logger   logging.Logger
}

// Checker probes each backend's TCP port and flips its liveness flag.
type Checker struct {
	interval time.Duration
	timeout  time.Duration
	backends []*domain.Backend
	metrics  *metrics.Metrics
	logger   logging.Logger
}

func NewChecker(backends []*domain.Backend, options Options) *Checker {
	if options.Interval == 0 {
		options.Interval = 10 * time.Second
	}
	if options.Timeout == 0 {
		options.Timeout = 2 * time.Second
	}

	return &Checker{
		interval: options.Interval,
		timeout:  options.Timeout,
		backends: backends,
		metrics:  options.Metrics,
		logger:   options.Logger,
	}
}

// Start probes on every tick until the context is cancelled.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll()
		}
	}
}

// CheckAll probes every backend in parallel and applies the results.
func (c *Checker) CheckAll() {
	results := make(chan struct {
		index int
		alive bool
	}, len(c.backends))

	for i, backend := range c.backends {
		go func(i int, backend *domain.Backend) {
			alive := c.isBackendAlive(backend)
			results <- struct {
				index int
				alive bool
			}{i, alive}
		}(i, backend)
	}

	for range c.backends {
		result := <-results
		backend := c.backends[result.index]
		wasUp := backend.IsUp()
		backend.SetAlive(result.alive)

		if c.metrics != nil {
			up := 0.0
			if result.alive {
				up = 1.0
			}
			c.metrics.BackendUpGauge.WithLabelValues(backend.Addr()).Set(up)
		}

		if wasUp != result.alive {
			c.logger.Warn(logging.Health, logging.Liveness, "backend liveness changed",
				map[logging.ExtraKey]any{
					logging.BackendAddr: backend.Addr(),
					"Up":                result.alive,
				})
		}
	}
}

func (c *Checker) isBackendAlive(b *domain.Backend) bool {
	conn, err := net.DialTimeout("tcp", b.Addr(), c.timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
