package mcp

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"
)

// Manager is the process-wide registry mapping server key to Pool.
// Pools are materialized lazily on first request for a key and torn down
// only on Shutdown. At most one pool exists per key at any instant.
type Manager struct {
	size    int
	maxWait time.Duration
	factory ClientFactory

	mu    sync.Mutex
	pools map[string]*Pool
	cfgs  map[string]ServerConfig
}

// NewManager creates a Manager whose pools use the given capacity and
// acquire deadline. The client factory defaults to DialServer.
func NewManager(size int, maxWait time.Duration) *Manager {
	if size < 0 {
		size = 0
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Manager{
		size:    size,
		maxWait: maxWait,
		factory: DialServer,
		pools:   make(map[string]*Pool),
		cfgs:    make(map[string]ServerConfig),
	}
}

// SetFactory overrides how pools build clients. Must be called before the
// first GetOrCreate; used by tests and by embedders with custom transports.
func (m *Manager) SetFactory(f ClientFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f != nil {
		m.factory = f
	}
}

// GetOrCreate returns the pool for cfg.Key, creating it atomically on first
// use. A distinct config reusing an existing key is a configuration error.
func (m *Manager) GetOrCreate(cfg ServerConfig) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pool, ok := m.pools[cfg.Key]; ok {
		if !sameConfig(m.cfgs[cfg.Key], cfg) {
			return nil, fmt.Errorf("mcp: server key %q already bound to a different config", cfg.Key)
		}
		return pool, nil
	}

	pool := NewPool(cfg, m.size, m.maxWait, m.factory)
	m.pools[cfg.Key] = pool
	m.cfgs[cfg.Key] = cfg
	log.Printf("[Pool] created pool %q (size=%d)", cfg.Key, m.size)
	return pool, nil
}

// Prewarm builds up to n idle clients in each of the given configs' pools,
// in parallel across servers. Best effort; failures are logged per pool.
func (m *Manager) Prewarm(ctx context.Context, configs []ServerConfig, n int) {
	if n <= 0 {
		return
	}
	var wg sync.WaitGroup
	for _, cfg := range configs {
		pool, err := m.GetOrCreate(cfg)
		if err != nil {
			log.Printf("[Pool] prewarm skipped %q: %v", cfg.Key, err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Prewarm(ctx, n)
		}()
	}
	wg.Wait()
}

// Stats aggregates per-pool counters, keyed by server key.
func (m *Manager) Stats() map[string]PoolStats {
	m.mu.Lock()
	pools := make(map[string]*Pool, len(m.pools))
	for key, pool := range m.pools {
		pools[key] = pool
	}
	m.mu.Unlock()

	out := make(map[string]PoolStats, len(pools))
	for key, pool := range pools {
		out[key] = pool.Stats()
	}
	return out
}

// Shutdown tears down every pool. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	m.pools = make(map[string]*Pool)
	m.cfgs = make(map[string]ServerConfig)
	m.mu.Unlock()

	for _, pool := range pools {
		pool.Shutdown()
	}
	log.Printf("[Pool] all pools shut down")
}

// sameConfig reports whether two configs describe the same server.
func sameConfig(a, b ServerConfig) bool {
	return a.Key == b.Key &&
		a.Transport == b.Transport &&
		a.Command == b.Command &&
		a.URL == b.URL &&
		a.ToolPrefix == b.ToolPrefix &&
		slices.Equal(a.Args, b.Args) &&
		slices.Equal(a.Env, b.Env) &&
		slices.Equal(a.AllowPrefixes, b.AllowPrefixes) &&
		slices.Equal(a.DenySubstrings, b.DenySubstrings) &&
		a.StartupTimeoutSeconds == b.StartupTimeoutSeconds &&
		a.InvokeTimeoutSeconds == b.InvokeTimeoutSeconds
}
