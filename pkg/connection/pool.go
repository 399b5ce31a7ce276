// Package connection provides a thread-safe TCP connection pool used by the
// transaction client to talk to many tablet servers in parallel. Connections
// are reused per remote host; dials are rate limited so a flapping server
// does not turn every request into a fresh handshake storm.
package connection

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PooledConn is a wrapper around net.Conn that includes a reference to the
// pool it belongs to. This allows for easy connection releasing.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to the pool. It doesn't actually close the
// underlying TCP connection. To force-close, use ForceClose().
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already closed or detached from pool")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// ForceClose closes the underlying TCP connection permanently and does not
// return it to the pool. Callers use it after a protocol error, when the
// stream state of the connection is no longer trustworthy.
func (c *PooledConn) ForceClose() error {
	pool := c.pool
	c.pool = nil
	if pool != nil {
		pool.dropped()
	}
	return c.Conn.Close()
}

// hostPool manages a pool of connections for a single remote address.
type hostPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	factory  func(ctx context.Context) (net.Conn, error)
	limiter  *rate.Limiter
	maxSize  int
	numConns int
	address  string
}

// PoolManager manages one hostPool per remote host.
type PoolManager struct {
	mu        sync.RWMutex
	pools     map[string]*hostPool
	maxSize   int
	timeout   time.Duration
	tlsConfig *tls.Config
	dialRate  rate.Limit
}

// Option customizes a PoolManager.
type Option func(*PoolManager)

// WithTLS makes every pooled connection a TLS connection.
func WithTLS(cfg *tls.Config) Option {
	return func(m *PoolManager) { m.tlsConfig = cfg }
}

// WithDialRate bounds how many new connections per second may be dialed to
// any single host. Zero means unlimited.
func WithDialRate(perSecond float64) Option {
	return func(m *PoolManager) {
		if perSecond == 0 {
			m.dialRate = rate.Inf
			return
		}
		m.dialRate = rate.Limit(perSecond)
	}
}

// NewPoolManager creates a manager. maxSize is the maximum number of open
// connections per host, timeout the per-dial timeout.
func NewPoolManager(maxSize int, timeout time.Duration, opts ...Option) *PoolManager {
	m := &PoolManager{
		pools:    make(map[string]*hostPool),
		maxSize:  maxSize,
		timeout:  timeout,
		dialRate: rate.Inf,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get retrieves a connection to the specified address, creating the host
// pool on first use. Dialing honors ctx.
func (m *PoolManager) Get(ctx context.Context, address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[address]
		if !ok {
			pool = &hostPool{
				conns:   make(chan net.Conn, m.maxSize),
				factory: m.factoryFor(address),
				limiter: rate.NewLimiter(m.dialRate, 1),
				maxSize: m.maxSize,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get(ctx)
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

func (m *PoolManager) factoryFor(address string) func(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: m.timeout}
	tlsConfig := m.tlsConfig
	return func(ctx context.Context) (net.Conn, error) {
		if tlsConfig != nil {
			td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
			return td.DialContext(ctx, "tcp", address)
		}
		return dialer.DialContext(ctx, "tcp", address)
	}
}

// get retrieves a connection from a specific host's pool.
func (p *hostPool) get(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.numConns < p.maxSize {
		p.numConns++
		p.mu.Unlock()
		if err := p.limiter.Wait(ctx); err != nil {
			p.dropped()
			return nil, err
		}
		conn, err := p.factory(ctx)
		if err != nil {
			p.dropped()
			return nil, fmt.Errorf("dial %s: %w", p.address, err)
		}
		return conn, nil
	}
	p.mu.Unlock()

	// Pool is full, wait for a connection to be returned.
	select {
	case conn := <-p.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put returns a connection to the pool.
func (p *hostPool) put(conn net.Conn) {
	if conn == nil {
		return
	}
	select {
	case p.conns <- conn:
	default:
		conn.Close()
		p.dropped()
	}
}

func (p *hostPool) dropped() {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
}

// Close shuts down the entire pool manager, closing all idle connections.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
}

// close shuts down a specific host's pool.
func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}
