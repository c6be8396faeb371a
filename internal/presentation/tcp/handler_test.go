package tcp

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hilthontt/metrelay/internal/domain"
	"github.com/hilthontt/metrelay/internal/infrastructure/logging"
	"github.com/hilthontt/metrelay/internal/infrastructure/pool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	mu          sync.Mutex
	sequence    []*domain.Backend
	next        int
	ingestCalls []string
	lookupCalls int
}

func (s *stubResolver) advance() *domain.Backend {
	b := s.sequence[s.next]
	if s.next < len(s.sequence)-1 {
		s.next++
	}
	return b
}

func (s *stubResolver) LookupIngest(metric string) *domain.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingestCalls = append(s.ingestCalls, metric)
	return s.advance()
}

func (s *stubResolver) Lookup(metric string) *domain.Backend {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookupCalls++
	return s.advance()
}

type stubClient struct {
	buf       bytes.Buffer
	flushes   int
	failWrite bool
}

func (c *stubClient) ID() string { return "stub" }

func (c *stubClient) Write(s string) error {
	if c.failWrite {
		return errors.New("connection reset by peer")
	}
	c.buf.WriteString(s)
	return nil
}

func (c *stubClient) Flush() error {
	c.flushes++
	return nil
}

func (c *stubClient) Close() error { return nil }

type stubPool struct {
	client      pool.Client
	failBorrows int

	mu       sync.Mutex
	borrows  int
	returns  int
	returned pool.Client
}

func (p *stubPool) Borrow(_ context.Context, b *domain.Backend) (pool.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.borrows++
	if p.borrows <= p.failBorrows {
		return nil, errors.New("dial failed")
	}
	return p.client, nil
}

func (p *stubPool) Return(_ *domain.Backend, c pool.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.returns++
	p.returned = c
}

func newStubHandler(r MetricResolver, p ConnectionPool) *Handler {
	return NewHandler(r, p, HandlerOptions{
		ShortRetrySleep: time.Millisecond,
		LongRetrySleep:  2 * time.Millisecond,
		ShortRetryCount: 9,
		Logger:          logging.NewNopLogger(),
	})
}

func TestHandleForwardsMetricLine(t *testing.T) {
	backend := domain.NewBackend("h1", 1001)
	resolver := &stubResolver{sequence: []*domain.Backend{backend}}
	client := &stubClient{}
	connPool := &stubPool{client: client}
	h := newStubHandler(resolver, connPool)

	var upstream bytes.Buffer
	req := domain.ParseRequest("put sys.cpu.user 1 2.5")

	err := h.Handle(context.Background(), req, &upstream)

	require.NoError(t, err)
	assert.Equal(t, []string{"sys.cpu.user"}, resolver.ingestCalls)
	assert.Equal(t, "put sys.cpu.user 1 2.5\n", client.buf.String())
	assert.Equal(t, 1, client.flushes)
	assert.Equal(t, 1, connPool.returns)
	assert.Same(t, client, connPool.returned)
	assert.Empty(t, upstream.String())
}

func TestHandleForwardsVersionForAdminLines(t *testing.T) {
	backend := domain.NewBackend("h1", 1001)
	resolver := &stubResolver{sequence: []*domain.Backend{backend}}
	client := &stubClient{}
	connPool := &stubPool{client: client}
	h := newStubHandler(resolver, connPool)

	err := h.Handle(context.Background(), domain.ParseRequest("stats"), &bytes.Buffer{})

	require.NoError(t, err)
	assert.Equal(t, 1, resolver.lookupCalls)
	assert.Empty(t, resolver.ingestCalls)
	assert.Equal(t, "version\n", client.buf.String())
}

func TestHandleRetriesBorrowAndReresolves(t *testing.T) {
	backend := domain.NewBackend("h1", 1001)
	resolver := &stubResolver{sequence: []*domain.Backend{backend}}
	client := &stubClient{}
	connPool := &stubPool{client: client, failBorrows: 2}
	h := newStubHandler(resolver, connPool)

	err := h.Handle(context.Background(), domain.ParseRequest("put cpu 1 2"), &bytes.Buffer{})

	require.NoError(t, err)
	assert.Equal(t, 3, connPool.borrows)
	// Every retry resolves again so a recovered backend can be picked up.
	assert.Len(t, resolver.ingestCalls, 3)
	assert.Equal(t, "put cpu 1 2\n", client.buf.String())
}

func TestHandleRetriesWhenNoBackendIsUp(t *testing.T) {
	backend := domain.NewBackend("h1", 1001)
	resolver := &stubResolver{sequence: []*domain.Backend{nil, nil, backend}}
	client := &stubClient{}
	connPool := &stubPool{client: client}
	h := newStubHandler(resolver, connPool)

	err := h.Handle(context.Background(), domain.ParseRequest("put cpu 1 2"), &bytes.Buffer{})

	require.NoError(t, err)
	assert.Len(t, resolver.ingestCalls, 3)
	// The nil resolutions never reached the pool.
	assert.Equal(t, 1, connPool.borrows)
}

func TestHandleWritesErrorLineUpstreamOnForwardFailure(t *testing.T) {
	backend := domain.NewBackend("h1", 1001)
	resolver := &stubResolver{sequence: []*domain.Backend{backend}}
	client := &stubClient{failWrite: true}
	connPool := &stubPool{client: client}
	h := newStubHandler(resolver, connPool)

	var upstream bytes.Buffer
	err := h.Handle(context.Background(), domain.ParseRequest("put cpu 1 2"), &upstream)

	require.Error(t, err)
	assert.True(t, strings.HasPrefix(upstream.String(), "Error storing put metric: "))
	assert.True(t, strings.HasSuffix(upstream.String(), "\n"))
	// The client goes back to the pool on the failure path too.
	assert.Equal(t, 1, connPool.returns)
}

func TestHandleStopsRetryingWhenCancelled(t *testing.T) {
	resolver := &stubResolver{sequence: []*domain.Backend{nil}}
	connPool := &stubPool{}
	h := NewHandler(resolver, connPool, HandlerOptions{
		ShortRetrySleep: 10 * time.Second,
		Logger:          logging.NewNopLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.Handle(ctx, domain.ParseRequest("put cpu 1 2"), &bytes.Buffer{})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, connPool.borrows)
	assert.Equal(t, 0, connPool.returns)
}

func TestHandleEscalatesSleepAfterRepeatedFailures(t *testing.T) {
	backend := domain.NewBackend("h1", 1001)
	resolver := &stubResolver{sequence: []*domain.Backend{backend}}
	client := &stubClient{}
	connPool := &stubPool{client: client, failBorrows: 5}
	h := NewHandler(resolver, connPool, HandlerOptions{
		ShortRetrySleep: time.Millisecond,
		LongRetrySleep:  30 * time.Millisecond,
		ShortRetryCount: 3,
		Logger:          logging.NewNopLogger(),
	})

	start := time.Now()
	err := h.Handle(context.Background(), domain.ParseRequest("put cpu 1 2"), &bytes.Buffer{})

	require.NoError(t, err)
	// 3 short sleeps plus 2 long ones.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}
