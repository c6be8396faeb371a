package tcp

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hilthontt/metrelay/internal/domain"
	"github.com/hilthontt/metrelay/internal/infrastructure/logging"
	"github.com/hilthontt/metrelay/internal/infrastructure/metrics"
	"github.com/hilthontt/metrelay/internal/infrastructure/pool"
	"github.com/pkg/errors"
)

var errNoBackendUp = errors.New("no backend is up")

// MetricResolver picks the backend for a request.
type MetricResolver interface {
	LookupIngest(metric string) *domain.Backend
	Lookup(metric string) *domain.Backend
}

// ConnectionPool hands out clients keyed by backend.
type ConnectionPool interface {
	Borrow(ctx context.Context, b *domain.Backend) (pool.Client, error)
	Return(b *domain.Backend, c pool.Client)
}

type HandlerOptions struct {
	// ShortRetrySleep is slept after each of the first ShortRetryCount
	// failed borrows; LongRetrySleep after every one beyond that.
	ShortRetrySleep time.Duration
	LongRetrySleep  time.Duration
	ShortRetryCount int

	Metrics *metrics.Metrics
	Logger  logging.Logger
}

// Handler binds one parsed request to a pooled client and forwards one line.
//
// The borrow-retry loop is deliberately unbounded: it stalls the upstream
// connection instead of dropping the request, and only the context can
// cut it short.
type Handler struct {
	resolver MetricResolver
	pool     ConnectionPool

	shortSleep time.Duration
	longSleep  time.Duration
	shortCount int

	metrics *metrics.Metrics
	logger  logging.Logger
}

func NewHandler(resolver MetricResolver, connPool ConnectionPool, options HandlerOptions) *Handler {
	if options.ShortRetrySleep == 0 {
		options.ShortRetrySleep = 500 * time.Millisecond
	}
	if options.LongRetrySleep == 0 {
		options.LongRetrySleep = time.Minute
	}
	if options.ShortRetryCount == 0 {
		options.ShortRetryCount = 9
	}

	return &Handler{
		resolver:   resolver,
		pool:       connPool,
		shortSleep: options.ShortRetrySleep,
		longSleep:  options.LongRetrySleep,
		shortCount: options.ShortRetryCount,
		metrics:    options.Metrics,
		logger:     options.Logger,
	}
}

// Handle forwards one request downstream, writing an error line back to
// upstream when forwarding fails after a client was bound.
func (h *Handler) Handle(ctx context.Context, req domain.Request, upstream io.Writer) error {
	start := time.Now()

	var metricName string
	ingest := false
	if mr, ok := req.(domain.MetricRequest); ok {
		metricName = mr.MetricName
		ingest = true
	}
	line := req.Line()

	backend, client, err := h.bind(ctx, ingest, metricName)
	if err != nil {
		return err
	}
	defer h.pool.Return(backend, client)

	addr := backend.Addr()

	if err := h.forward(client, line); err != nil {
		h.countLine(addr, "error")
		h.logger.Error(logging.Relay, logging.Forward, "failed to forward line",
			map[logging.ExtraKey]any{
				logging.BackendAddr:  addr,
				logging.MetricName:   metricName,
				logging.ErrorMessage: err.Error(),
			})
		fmt.Fprintf(upstream, "Error storing put metric: %s\n", err)
		return err
	}

	h.countLine(addr, "success")
	if h.metrics != nil {
		h.metrics.RelayDuration.WithLabelValues(addr).Observe(time.Since(start).Seconds())
	}

	return nil
}

// bind resolves a backend and borrows a client for it, retrying until it
// succeeds or the context is cancelled. A nil backend counts as a borrow
// failure; the next attempt re-resolves so a recovering backend is found.
func (h *Handler) bind(ctx context.Context, ingest bool, metricName string) (*domain.Backend, pool.Client, error) {
	failures := 0
	for {
		var backend *domain.Backend
		if ingest {
			backend = h.resolver.LookupIngest(metricName)
		} else {
			backend = h.resolver.Lookup("")
		}

		var client pool.Client
		err := errNoBackendUp
		if backend != nil {
			client, err = h.pool.Borrow(ctx, backend)
		}
		if err == nil {
			return backend, client, nil
		}

		failures++
		if h.metrics != nil {
			h.metrics.BorrowRetries.Inc()
		}
		h.logger.Warn(logging.Relay, logging.PoolBorrow, "could not obtain backend client, backing off",
			map[logging.ExtraKey]any{
				logging.MetricName:   metricName,
				logging.FailureCount: failures,
				logging.ErrorMessage: err.Error(),
			})

		sleep := h.shortSleep
		if failures > h.shortCount {
			sleep = h.longSleep
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (h *Handler) forward(client pool.Client, line string) error {
	if err := client.Write(line + "\n"); err != nil {
		return err
	}
	return client.Flush()
}

func (h *Handler) countLine(addr, outcome string) {
	if h.metrics == nil {
		return
	}
	h.metrics.RelayedLines.WithLabelValues(addr, outcome).Inc()
}
