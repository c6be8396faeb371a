package pool

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hilthontt/metrelay/internal/domain"
	"github.com/hilthontt/metrelay/internal/infrastructure/logging"
	"github.com/hilthontt/metrelay/internal/infrastructure/metrics"
	"github.com/pkg/errors"
)

var ErrNoBackend = errors.New("no backend to borrow a client for")

// Client is one pooled connection to a backend.
type Client interface {
	ID() string
	Write(s string) error
	Flush() error
	Close() error
}

type pooledClient struct {
	id   string
	conn net.Conn
	w    *bufio.Writer
}

func (c *pooledClient) ID() string {
	return c.id
}

func (c *pooledClient) Write(s string) error {
	_, err := c.w.WriteString(s)
	return errors.Wrap(err, "client write failed")
}

func (c *pooledClient) Flush() error {
	return errors.Wrap(c.w.Flush(), "client flush failed")
}

func (c *pooledClient) Close() error {
	return c.conn.Close()
}

type Options struct {
	DialTimeout    time.Duration
	IdlePerBackend int
	Metrics        *metrics.Metrics
	Logger         logging.Logger
}

// Pool keeps idle clients per backend and hands them out on demand.
// Borrow and Return must be strictly paired by the caller.
type Pool struct {
	dialTimeout time.Duration
	idleCap     int
	metrics     *metrics.Metrics
	logger      logging.Logger

	mu   sync.Mutex
	idle map[string][]Client
}

func New(options Options) *Pool {
	if options.DialTimeout == 0 {
		options.DialTimeout = 2 * time.Second
	}
	if options.IdlePerBackend <= 0 {
		options.IdlePerBackend = 8
	}

	return &Pool{
		dialTimeout: options.DialTimeout,
		idleCap:     options.IdlePerBackend,
		metrics:     options.Metrics,
		logger:      options.Logger,
		idle:        make(map[string][]Client),
	}
}

// Borrow returns an idle client for the backend, dialing a fresh connection
// when none is parked. It fails fast on a nil or down backend; retry patience
// belongs to the caller.
func (p *Pool) Borrow(ctx context.Context, b *domain.Backend) (Client, error) {
	if b == nil {
		return nil, ErrNoBackend
	}
	if !b.IsUp() {
		return nil, errors.Errorf("backend %s is down", b.Addr())
	}

	addr := b.Addr()

	p.mu.Lock()
	if clients := p.idle[addr]; len(clients) > 0 {
		client := clients[len(clients)-1]
		p.idle[addr] = clients[:len(clients)-1]
		p.setIdleGauge(addr)
		p.mu.Unlock()
		return client, nil
	}
	p.mu.Unlock()

	dialer := net.Dialer{Timeout: p.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial backend %s", addr)
	}

	client := &pooledClient{
		id:   uuid.NewString(),
		conn: conn,
		w:    bufio.NewWriter(conn),
	}

	p.logger.Debug(logging.Relay, logging.PoolBorrow, "dialed new backend client",
		map[logging.ExtraKey]any{logging.BackendAddr: addr})

	return client, nil
}

// Return parks the client for reuse, closing it when the backend's idle
// stack is full.
func (p *Pool) Return(b *domain.Backend, c Client) {
	if b == nil || c == nil {
		return
	}

	addr := b.Addr()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle[addr]) >= p.idleCap {
		_ = c.Close()
		return
	}

	p.idle[addr] = append(p.idle[addr], c)
	p.setIdleGauge(addr)
}

// Close drops every idle client. Borrowed clients are closed by whoever
// holds them.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for addr, clients := range p.idle {
		for _, c := range clients {
			_ = c.Close()
		}
		delete(p.idle, addr)
		p.setIdleGauge(addr)
	}
}

// setIdleGauge must be called with mu held.
func (p *Pool) setIdleGauge(addr string) {
	if p.metrics == nil {
		return
	}
	p.metrics.PoolIdleGauge.WithLabelValues(addr).Set(float64(len(p.idle[addr])))
}
