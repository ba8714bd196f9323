package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn is an in-memory Conn for pool tests.
type fakeConn struct {
	mu      sync.Mutex
	healthy bool
	closed  bool
}

func newFakeConn() *fakeConn { return &fakeConn{healthy: true} }

func (f *fakeConn) ListTools(_ context.Context) ([]ToolInfo, error) { return nil, nil }

func (f *fakeConn) Invoke(_ context.Context, _ string, _ map[string]any) (ToolResult, error) {
	return ToolResult{Text: "ok"}, nil
}

func (f *fakeConn) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeConn) kill() {
	f.mu.Lock()
	f.healthy = false
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func testConfig(key string) ServerConfig {
	return ServerConfig{Key: key, Transport: "stdio", Command: "true"}
}

// countingFactory builds fakeConns and counts how many it produced.
func countingFactory(builds *atomic.Int64) ClientFactory {
	return func(_ context.Context, _ ServerConfig) (Conn, error) {
		builds.Add(1)
		return newFakeConn(), nil
	}
}

func TestPool_WarmReuse(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(testConfig("docs"), 2, time.Second, countingFactory(&builds))
	defer p.Shutdown()

	// 10 sequential acquire/release cycles should build exactly one client.
	for i := 0; i < 10; i++ {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		p.Release(c, Healthy)
	}

	st := p.Stats()
	if builds.Load() != 1 {
		t.Errorf("factory builds = %d, want 1", builds.Load())
	}
	if st.Created != 1 || st.Reused != 9 {
		t.Errorf("created=%d reused=%d, want 1/9", st.Created, st.Reused)
	}
	if st.Available != 1 || st.InUse != 0 {
		t.Errorf("available=%d in_use=%d, want 1/0", st.Available, st.InUse)
	}
	if got := st.ReuseRate(); got != 0.9 {
		t.Errorf("reuse_rate = %v, want 0.9", got)
	}
}

func TestPool_CountersInvariant(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(testConfig("docs"), 3, time.Second, countingFactory(&builds))
	defer p.Shutdown()

	a, _ := p.Acquire(context.Background())
	b, _ := p.Acquire(context.Background())
	st := p.Stats()
	if st.InUse+st.Available != st.Created {
		t.Errorf("in_use(%d)+available(%d) != created(%d)", st.InUse, st.Available, st.Created)
	}
	if st.Created > 3 {
		t.Errorf("created=%d exceeds capacity 3", st.Created)
	}

	p.Release(a, Healthy)
	p.Release(b, Broken)
	st = p.Stats()
	if st.InUse+st.Available != st.Created {
		t.Errorf("after release: in_use(%d)+available(%d) != created(%d)", st.InUse, st.Available, st.Created)
	}
}

func TestPool_ZeroCapacityExhausts(t *testing.T) {
	p := NewPool(testConfig("docs"), 0, 50*time.Millisecond, countingFactory(new(atomic.Int64)))
	defer p.Shutdown()

	start := time.Now()
	_, err := p.Acquire(context.Background())
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("exhaustion took %v, want ~50ms", elapsed)
	}
}

func TestPool_SingleClientTwoAcquirers(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(testConfig("docs"), 1, time.Second, countingFactory(&builds))
	defer p.Shutdown()

	first, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	got := make(chan *PooledClient, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		got <- c
	}()

	// The second acquirer must block until the first releases.
	select {
	case <-got:
		t.Fatal("second acquire succeeded before release")
	case err := <-errCh:
		t.Fatalf("second acquire failed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(first, Healthy)

	var second *PooledClient
	select {
	case second = <-got:
	case err := <-errCh:
		t.Fatalf("second acquire failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed")
	}
	p.Release(second, Healthy)

	if builds.Load() != 1 {
		t.Errorf("factory builds = %d, want 1", builds.Load())
	}
	st := p.Stats()
	if got := st.ReuseRate(); got != 0.5 {
		t.Errorf("reuse_rate = %v, want 0.5 (created=%d reused=%d)", got, st.Created, st.Reused)
	}
}

func TestPool_BrokenReleaseDestroys(t *testing.T) {
	var conns []*fakeConn
	var mu sync.Mutex
	factory := func(_ context.Context, _ ServerConfig) (Conn, error) {
		c := newFakeConn()
		mu.Lock()
		conns = append(conns, c)
		mu.Unlock()
		return c, nil
	}
	p := NewPool(testConfig("cfn"), 2, time.Second, factory)
	defer p.Shutdown()

	c, _ := p.Acquire(context.Background())
	broken := c.Conn().(*fakeConn)
	p.Release(c, Broken)

	if !broken.closed {
		t.Error("broken client was not closed on release")
	}
	if st := p.Stats(); st.Created != 0 {
		t.Errorf("created = %d after broken release, want 0", st.Created)
	}

	// The next acquire must build a fresh client, never resurrect the old one.
	next, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after broken: %v", err)
	}
	if next.Conn() == Conn(broken) {
		t.Error("broken client was handed out again")
	}
	p.Release(next, Healthy)
}

func TestPool_BrokenIdleReplacedOnAcquire(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(testConfig("docs"), 2, time.Second, countingFactory(&builds))
	defer p.Shutdown()

	c, _ := p.Acquire(context.Background())
	dead := c.Conn().(*fakeConn)
	p.Release(c, Healthy)

	// Kill the idle client externally (crash-recovery scenario).
	dead.kill()

	next, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after idle crash: %v", err)
	}
	if next.Conn() == Conn(dead) {
		t.Error("dead idle client was handed out")
	}
	if !dead.closed {
		t.Error("dead idle client was not destroyed")
	}
	if st := p.Stats(); st.Created > 2 {
		t.Errorf("created = %d, want ≤ 2", st.Created)
	}
	p.Release(next, Healthy)
}

func TestPool_StartupFailureDoesNotCount(t *testing.T) {
	fail := true
	factory := func(_ context.Context, _ ServerConfig) (Conn, error) {
		if fail {
			return nil, fmt.Errorf("mcp: initialize server: %w", ErrStartupTimeout)
		}
		return newFakeConn(), nil
	}
	p := NewPool(testConfig("docs"), 1, time.Second, factory)
	defer p.Shutdown()

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("err = %v, want ErrStartupTimeout", err)
	}
	if st := p.Stats(); st.Created != 0 {
		t.Errorf("created = %d after failed build, want 0", st.Created)
	}

	// The failed attempt must not consume the capacity slot.
	fail = false
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
	p.Release(c, Healthy)
}

func TestPool_ShutdownFailsWaiters(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(testConfig("docs"), 1, 5*time.Second, countingFactory(&builds))

	c, _ := p.Acquire(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the waiter enqueue

	p.Shutdown()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("waiter err = %v, want ErrPoolClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by shutdown")
	}

	// Releasing after shutdown destroys the client.
	held := c.Conn().(*fakeConn)
	p.Release(c, Healthy)
	if !held.closed {
		t.Error("in-use client not closed on post-shutdown release")
	}
}

func TestPool_ConcurrentOverflowQueues(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(testConfig("cfn"), 2, 10*time.Second, countingFactory(&builds))
	defer p.Shutdown()

	const holders = 5
	hold := 50 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, holders)
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background())
			if err != nil {
				errs <- err
				return
			}
			time.Sleep(hold)
			p.Release(c, Healthy)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected acquire failure: %v", err)
	}
	st := p.Stats()
	if st.Created > 2 {
		t.Errorf("created = %d, want ≤ 2", st.Created)
	}
	if st.InUse != 0 {
		t.Errorf("in_use = %d after drain, want 0", st.InUse)
	}
}

func TestPool_ShortWaitExhausts(t *testing.T) {
	var builds atomic.Int64
	p := NewPool(testConfig("cfn"), 2, 60*time.Millisecond, countingFactory(&builds))
	defer p.Shutdown()

	const holders = 5
	var exhausted atomic.Int64
	var completed atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background())
			if errors.Is(err, ErrPoolExhausted) {
				exhausted.Add(1)
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			completed.Add(1)
			time.Sleep(200 * time.Millisecond) // hold well past the wait deadline
			p.Release(c, Healthy)
		}()
	}
	wg.Wait()

	if completed.Load() != 2 {
		t.Errorf("completed = %d, want 2", completed.Load())
	}
	if exhausted.Load() != 3 {
		t.Errorf("exhausted = %d, want 3", exhausted.Load())
	}
	if st := p.Stats(); st.Created > 2 {
		t.Errorf("created = %d, want ≤ 2 throughout", st.Created)
	}
}

func TestPool_CallerCancellation(t *testing.T) {
	p := NewPool(testConfig("docs"), 1, 10*time.Second, countingFactory(new(atomic.Int64)))
	defer p.Shutdown()

	c, _ := p.Acquire(context.Background())
	defer p.Release(c, Healthy)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter never returned")
	}
}

func TestPool_BuildNotCappedByAcquireDeadline(t *testing.T) {
	// The acquire deadline bounds the wait for a slot, not the client
	// build: a handshake slower than maxWait but within the server's
	// startup budget must still succeed.
	var sawDeadline atomic.Bool
	factory := func(ctx context.Context, _ ServerConfig) (Conn, error) {
		if _, ok := ctx.Deadline(); ok {
			sawDeadline.Store(true)
		}
		time.Sleep(120 * time.Millisecond)
		return newFakeConn(), nil
	}
	p := NewPool(testConfig("docs"), 1, 50*time.Millisecond, factory)
	defer p.Shutdown()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire during slow build: %v", err)
	}
	p.Release(c, Healthy)

	if sawDeadline.Load() {
		t.Error("factory context carries the acquire deadline")
	}
}
