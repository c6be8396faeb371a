package pool

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/hilthontt/metrelay/internal/domain"
	"github.com/hilthontt/metrelay/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoListener accepts connections and reads lines until closed.
func echoListener(t *testing.T) (net.Listener, *domain.Backend) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					if _, err := r.ReadString('\n'); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := lis.Addr().(*net.TCPAddr)
	return lis, domain.NewBackend("127.0.0.1", uint16(addr.Port))
}

func newTestPool() *Pool {
	return New(Options{
		DialTimeout:    time.Second,
		IdlePerBackend: 2,
		Logger:         logging.NewNopLogger(),
	})
}

func TestBorrowRejectsNilBackend(t *testing.T) {
	p := newTestPool()

	_, err := p.Borrow(context.Background(), nil)

	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestBorrowRejectsDownBackend(t *testing.T) {
	_, backend := echoListener(t)
	backend.SetAlive(false)

	p := newTestPool()

	_, err := p.Borrow(context.Background(), backend)

	assert.Error(t, err)
}

func TestBorrowDialsAndWrites(t *testing.T) {
	_, backend := echoListener(t)

	p := newTestPool()
	defer p.Close()

	client, err := p.Borrow(context.Background(), backend)
	require.NoError(t, err)
	require.NotEmpty(t, client.ID())

	require.NoError(t, client.Write("put sys.cpu.user 1 2.5\n"))
	require.NoError(t, client.Flush())

	p.Return(backend, client)
}

func TestReturnedClientIsReused(t *testing.T) {
	_, backend := echoListener(t)

	p := newTestPool()
	defer p.Close()

	client, err := p.Borrow(context.Background(), backend)
	require.NoError(t, err)
	p.Return(backend, client)

	again, err := p.Borrow(context.Background(), backend)
	require.NoError(t, err)

	assert.Equal(t, client.ID(), again.ID())
	p.Return(backend, again)
}

func TestReturnClosesBeyondIdleCap(t *testing.T) {
	_, backend := echoListener(t)

	p := newTestPool()
	defer p.Close()

	var clients []Client
	for i := 0; i < 3; i++ {
		c, err := p.Borrow(context.Background(), backend)
		require.NoError(t, err)
		clients = append(clients, c)
	}

	for _, c := range clients {
		p.Return(backend, c)
	}

	p.mu.Lock()
	idle := len(p.idle[backend.Addr()])
	p.mu.Unlock()

	assert.Equal(t, 2, idle)
}

func TestBorrowFailsWhenNothingListens(t *testing.T) {
	lis, backend := echoListener(t)
	lis.Close()

	p := newTestPool()

	_, err := p.Borrow(context.Background(), backend)

	assert.Error(t, err)
}
