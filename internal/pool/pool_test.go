package pool_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"TradeAudit/internal/pool"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeSession struct {
	id int64

	mu      sync.Mutex
	pingErr error
	closed  bool
	factory *fakeFactory
}

func (s *fakeSession) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeSession) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}

func (s *fakeSession) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}

func (s *fakeSession) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.factory.current.Add(-1)
	}
	return nil
}

func (s *fakeSession) failPings(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

type fakeFactory struct {
	opens   atomic.Int64
	current atomic.Int64
	peak    atomic.Int64
	openErr error
}

func (f *fakeFactory) Open(ctx context.Context, database string) (pool.Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	id := f.opens.Add(1)
	cur := f.current.Add(1)
	for {
		p := f.peak.Load()
		if cur <= p || f.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	return &fakeSession{id: id, factory: f}, nil
}

func newTestPool(t *testing.T, f pool.Factory, cfg pool.Config) *pool.Pool {
	t.Helper()
	return pool.New("backoffice", f, cfg, zerolog.Nop(), nil)
}

// ============================================================================
// Test: capacity invariant
// ============================================================================

func TestPool_AcquireCapsLiveConnections(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, pool.Config{MaxConns: 3, AcquireTimeout: 50 * time.Millisecond})

	conns := make([]*pool.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		conns = append(conns, c)
	}

	if got := p.Stats().Live; got != 3 {
		t.Errorf("live: got %d, want 3", got)
	}

	// Fourth acquire must time out with ErrExhausted, not deadlock.
	start := time.Now()
	_, err := p.Acquire(context.Background())
	if !errors.Is(err, pool.ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	if waited := time.Since(start); waited > 2*time.Second {
		t.Errorf("acquire blocked %v past its 50ms timeout", waited)
	}

	for _, c := range conns {
		p.Release(c)
	}
}

func TestPool_ConcurrentAcquireReleaseNeverExceedsCap(t *testing.T) {
	const maxConns = 4
	f := &fakeFactory{}
	p := newTestPool(t, f, pool.Config{MaxConns: maxConns, AcquireTimeout: 2 * time.Second})

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				c, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	if peak := f.peak.Load(); peak > maxConns {
		t.Errorf("peak live connections %d exceeded cap %d", peak, maxConns)
	}
	if live := p.Stats().Live; live > maxConns {
		t.Errorf("final live %d exceeded cap %d", live, maxConns)
	}
}

// ============================================================================
// Test: lifetime and validation
// ============================================================================

func TestPool_ExpiredConnectionIsRecycled(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, pool.Config{MaxConns: 2, MaxLifetime: 20 * time.Millisecond})

	c1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	first := c1.Session.(*fakeSession)
	p.Release(c1)

	time.Sleep(40 * time.Millisecond)

	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	defer p.Release(c2)

	if c2.Session.(*fakeSession) == first {
		t.Error("expired connection was handed out again")
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Error("expired connection was not closed")
	}
	if live := p.Stats().Live; live != 1 {
		t.Errorf("live after recycle: got %d, want 1", live)
	}
}

func TestPool_ReleaseClosesDeadConnection(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, pool.Config{MaxConns: 2})

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s := c.Session.(*fakeSession)
	s.failPings(errors.New("server went away"))

	p.Release(c)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		t.Error("dead connection not closed on release")
	}
	if st := p.Stats(); st.Live != 0 || st.Idle != 0 {
		t.Errorf("stats after dead release: live=%d idle=%d, want 0/0", st.Live, st.Idle)
	}
}

func TestPool_DeadIdleConnectionReplacedOnCheckout(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, pool.Config{MaxConns: 2})

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s := c.Session.(*fakeSession)
	p.Release(c)

	// Connection dies while parked.
	s.failPings(errors.New("connection reset"))

	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after idle death: %v", err)
	}
	defer p.Release(c2)

	if c2.Session.(*fakeSession) == s {
		t.Error("dead idle connection was handed out")
	}
}

// ============================================================================
// Test: blocking, failure and close semantics
// ============================================================================

func TestPool_AcquireUnblocksOnRelease(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, pool.Config{MaxConns: 1, AcquireTimeout: 2 * time.Second})

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Release(c)
	}()

	start := time.Now()
	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("blocked acquire: %v", err)
	}
	defer p.Release(c2)

	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Errorf("acquire returned in %v, expected to wait for the release", waited)
	}
}

func TestPool_CreateFailureDoesNotLeakSlot(t *testing.T) {
	boom := errors.New("refused")
	f := &fakeFactory{openErr: boom}
	p := newTestPool(t, f, pool.Config{MaxConns: 1, AcquireTimeout: 50 * time.Millisecond})

	if _, err := p.Acquire(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected create error, got %v", err)
	}
	if live := p.Stats().Live; live != 0 {
		t.Errorf("live after failed create: got %d, want 0", live)
	}

	// Slot must still be usable once the factory recovers.
	f.openErr = nil
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
	p.Release(c)
}

func TestPool_AcquireHonorsContextCancel(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, pool.Config{MaxConns: 1, AcquireTimeout: 5 * time.Second})

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.Release(c)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context deadline, got %v", err)
	}
}

func TestPool_CloseDrainsIdleAndRejectsAcquire(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, pool.Config{MaxConns: 2})

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(c)

	p.Close()

	if _, err := p.Acquire(context.Background()); !errors.Is(err, pool.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if cur := f.current.Load(); cur != 0 {
		t.Errorf("open sessions after close: got %d, want 0", cur)
	}
}

func TestPool_ReleaseAfterCloseClosesConnection(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, pool.Config{MaxConns: 1})

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	p.Close()
	p.Release(c)

	if cur := f.current.Load(); cur != 0 {
		t.Errorf("open sessions after late release: got %d, want 0", cur)
	}
}

// ============================================================================
// Test: Manager
// ============================================================================

func TestManager_PoolPerDatabase(t *testing.T) {
	f := &fakeFactory{}
	m := pool.NewManager(f, pool.Config{MaxConns: 2}, zerolog.Nop(), nil)
	defer m.Close()

	if m.Get("backoffice") != m.Get("backoffice") {
		t.Error("same database should map to the same pool")
	}
	if m.Get("backoffice") == m.Get("reference") {
		t.Error("different databases should map to different pools")
	}

	c, err := m.Acquire(context.Background(), "backoffice")
	if err != nil {
		t.Fatalf("manager acquire: %v", err)
	}
	if c.Database != "backoffice" {
		t.Errorf("conn bound to %q, want %q", c.Database, "backoffice")
	}
	m.Release(c)

	if idle := m.Get("backoffice").Stats().Idle; idle != 1 {
		t.Errorf("released conn not parked: idle=%d", idle)
	}
}
