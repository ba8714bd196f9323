package mcp

import (
	"context"
	"log"
	"sync"
	"time"
)

// Pool defaults; both are tunable via config.
const (
	DefaultPoolSize = 10
	DefaultMaxWait  = 30 * time.Second
)

// ClientFactory builds and initializes a Conn for a server config.
// The production factory is DialServer; tests substitute fakes.
type ClientFactory func(ctx context.Context, cfg ServerConfig) (Conn, error)

// Outcome tells the pool what to do with a released client.
type Outcome int

const (
	// Healthy returns the client to the idle set for reuse.
	Healthy Outcome = iota
	// Broken destroys the client; the pool builds a replacement lazily on
	// the next acquire. A cancelled in-flight call must release Broken.
	Broken
)

// PooledClient is a warm, initialized MCP session owned by its Pool.
// It carries only the server key, never a back-pointer to the pool.
type PooledClient struct {
	key  string
	conn Conn
}

// Key returns the owning server's pool identity.
func (c *PooledClient) Key() string { return c.key }

// Conn exposes the underlying MCP session for the duration of one loan.
func (c *PooledClient) Conn() Conn { return c.conn }

// PoolStats is a snapshot of one pool's counters.
type PoolStats struct {
	Key       string `json:"key"`
	Created   int    `json:"created"`
	Reused    uint64 `json:"reused"`
	InUse     int    `json:"in_use"`
	Available int    `json:"available"`
}

// ReuseRate derives reused / (created + reused); 0 when nothing happened yet.
func (s PoolStats) ReuseRate() float64 {
	total := uint64(s.Created) + s.Reused
	if total == 0 {
		return 0
	}
	return float64(s.Reused) / float64(total)
}

// Pool keeps up to size warm clients for one ServerConfig and hands them
// out one holder at a time. MCP subprocesses take seconds to start, so idle
// clients stay initialized across requests; the pool only closes healthy
// clients on Shutdown.
type Pool struct {
	cfg     ServerConfig
	size    int
	maxWait time.Duration
	factory ClientFactory

	mu      sync.Mutex
	idle    []*PooledClient
	waiters []chan *PooledClient // FIFO; nil handoff means "retry"
	created int                  // live clients plus in-flight builds
	inUse   int
	reused  uint64
	closed  bool
}

// NewPool creates an empty pool. No clients are built until the first
// Acquire (or Prewarm).
func NewPool(cfg ServerConfig, size int, maxWait time.Duration, factory ClientFactory) *Pool {
	if size < 0 {
		size = 0
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if factory == nil {
		factory = DialServer
	}
	return &Pool{cfg: cfg, size: size, maxWait: maxWait, factory: factory}
}

// Acquire returns a warm client, building one lazily while the pool is
// below capacity. When the pool is full it waits FIFO until a client is
// released, the wait deadline expires (ErrPoolExhausted), or the pool shuts
// down (ErrPoolClosed).
func (p *Pool) Acquire(ctx context.Context) (*PooledClient, error) {
	// The acquire deadline bounds only the wait for a free slot. A lazy
	// build runs under the caller's context so the factory can spend the
	// server's full startup budget.
	waitCtx, cancel := context.WithTimeout(ctx, p.maxWait)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Fast path: reuse an idle client.
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			if !c.conn.Healthy() {
				// Died while idle (e.g. subprocess killed externally).
				// Destroy and retry; the next pass builds a replacement.
				p.created--
				p.mu.Unlock()
				log.Printf("[Pool] %s: destroying broken idle client", p.cfg.Key)
				_ = c.conn.Close()
				continue
			}
			p.inUse++
			p.reused++
			p.mu.Unlock()
			return c, nil
		}

		// Build path: reserve a slot before releasing the lock so that
		// created never exceeds size under concurrent acquires.
		if p.created < p.size {
			p.created++
			p.mu.Unlock()

			conn, err := p.factory(ctx, p.cfg)
			if err != nil {
				p.mu.Lock()
				p.created--
				p.wakeOneLocked(nil) // let a waiter retry the build slot
				p.mu.Unlock()
				return nil, err
			}

			c := &PooledClient{key: p.cfg.Key, conn: conn}
			p.mu.Lock()
			if p.closed {
				p.created--
				p.mu.Unlock()
				_ = conn.Close()
				return nil, ErrPoolClosed
			}
			p.inUse++
			p.mu.Unlock()
			return c, nil
		}

		// Wait path: FIFO queue behind the in-use clients.
		ch := make(chan *PooledClient, 1)
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()

		select {
		case c := <-ch:
			if c == nil {
				continue // slot freed or pool state changed; retry
			}
			return c, nil // direct handoff, already counted by the releaser
		case <-waitCtx.Done():
			p.dropWaiter(ch)
			// A handoff may have raced the deadline; don't lose the client.
			select {
			case c := <-ch:
				if c != nil {
					return c, nil
				}
			default:
			}
			// Caller cancellation or deadline propagates as-is; only the
			// pool's own wait deadline maps to exhaustion.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, ErrPoolExhausted
		}
	}
}

// Release returns a loaned client. Healthy clients go back to the idle set
// (or directly to the oldest waiter); Broken clients are destroyed and
// their slot freed so a waiter can build a replacement.
func (p *Pool) Release(c *PooledClient, outcome Outcome) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.created--
		p.inUse--
		p.mu.Unlock()
		_ = c.conn.Close()
		return
	}

	if outcome == Broken || !c.conn.Healthy() {
		p.created--
		p.inUse--
		p.wakeOneLocked(nil)
		p.mu.Unlock()
		log.Printf("[Pool] %s: destroying broken client (created=%d)", p.cfg.Key, p.created)
		_ = c.conn.Close()
		return
	}

	// Hand off directly to the oldest waiter: the client stays in use and
	// counts as a reuse for that acquirer.
	if len(p.waiters) > 0 {
		p.reused++
		p.wakeOneLocked(c)
		p.mu.Unlock()
		return
	}

	p.inUse--
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// wakeOneLocked pops the oldest waiter and sends it c (nil = retry).
// Caller must hold p.mu.
func (p *Pool) wakeOneLocked(c *PooledClient) {
	if len(p.waiters) == 0 {
		return
	}
	ch := p.waiters[0]
	p.waiters = p.waiters[1:]
	ch <- c // buffered; never blocks
}

// dropWaiter removes ch from the queue if it is still waiting.
func (p *Pool) dropWaiter(ch chan *PooledClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// Prewarm builds up to n clients concurrently and parks them idle.
// Build failures are logged, not fatal: prewarming is an optimization.
func (p *Pool) Prewarm(ctx context.Context, n int) {
	if n > p.size {
		n = p.size
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed || p.created >= p.size {
			p.mu.Unlock()
			break
		}
		p.created++
		p.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.factory(ctx, p.cfg)
			p.mu.Lock()
			defer p.mu.Unlock()
			if err != nil {
				p.created--
				log.Printf("[Pool] %s: prewarm failed: %v", p.cfg.Key, err)
				return
			}
			if p.closed {
				p.created--
				go conn.Close()
				return
			}
			p.idle = append(p.idle, &PooledClient{key: p.cfg.Key, conn: conn})
		}()
	}
	wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Key:       p.cfg.Key,
		Created:   p.created,
		Reused:    p.reused,
		InUse:     p.inUse,
		Available: len(p.idle),
	}
}

// Shutdown closes all idle clients and fails all waiters. Clients still in
// use are destroyed when released. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.created -= len(idle)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- nil // waiters observe closed on retry
	}
	for _, c := range idle {
		_ = c.conn.Close()
	}
}
