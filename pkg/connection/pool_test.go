package connection

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startEchoListener accepts connections and keeps them open until the test ends.
func startEchoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if err != nil {
						c.Close()
						return
					}
					c.Write(buf[:n])
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestPoolReusesConnections(t *testing.T) {
	addr := startEchoListener(t)
	m := NewPoolManager(2, time.Second)
	defer m.Close()

	ctx := context.Background()
	c1, err := m.Get(ctx, addr)
	require.NoError(t, err)
	raw := c1.Conn
	require.NoError(t, c1.Close())

	c2, err := m.Get(ctx, addr)
	require.NoError(t, err)
	require.Same(t, raw, c2.Conn, "released connection should be reused")
	require.NoError(t, c2.Close())
}

func TestPoolRoundTrip(t *testing.T) {
	addr := startEchoListener(t)
	m := NewPoolManager(2, time.Second)
	defer m.Close()

	conn, err := m.Get(context.Background(), addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestPoolBlocksWhenFull(t *testing.T) {
	addr := startEchoListener(t)
	m := NewPoolManager(1, time.Second)
	defer m.Close()

	held, err := m.Get(context.Background(), addr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Get(ctx, addr)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Close())
	got, err := m.Get(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, got.Close())
}

func TestForceCloseFreesSlot(t *testing.T) {
	addr := startEchoListener(t)
	m := NewPoolManager(1, time.Second)
	defer m.Close()

	conn, err := m.Get(context.Background(), addr)
	require.NoError(t, err)
	require.NoError(t, conn.ForceClose())

	// The slot must be free again, so a new dial succeeds immediately.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	next, err := m.Get(ctx, addr)
	require.NoError(t, err)
	require.NoError(t, next.Close())
}

func TestDialError(t *testing.T) {
	m := NewPoolManager(1, 100*time.Millisecond)
	defer m.Close()

	_, err := m.Get(context.Background(), "127.0.0.1:1")
	require.Error(t, err)

	// A failed dial must not leak the slot: the retry dials again instead
	// of blocking on a full pool.
	_, err = m.Get(context.Background(), "127.0.0.1:1")
	require.Error(t, err)
}
