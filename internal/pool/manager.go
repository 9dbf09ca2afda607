package pool

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"TradeAudit/internal/observability"
)

// Manager keys pools by database name, constructing them lazily with a
// shared factory and config. It replaces the process-wide connection
// manager singleton: construct one and pass it to collaborators.
type Manager struct {
	factory Factory
	cfg     Config
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu    sync.Mutex
	pools map[string]*Pool
}

func NewManager(factory Factory, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		pools:   make(map[string]*Pool),
	}
}

// Get returns the pool for a database, creating it on first use.
func (m *Manager) Get(database string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[database]
	if !ok {
		p = New(database, m.factory, m.cfg, m.logger, m.metrics)
		m.pools[database] = p
	}
	return p
}

// Acquire checks a connection out of the named database's pool.
func (m *Manager) Acquire(ctx context.Context, database string) (*Conn, error) {
	return m.Get(database).Acquire(ctx)
}

// Release returns a connection to its pool.
func (m *Manager) Release(conn *Conn) {
	if conn == nil {
		return
	}
	m.Get(conn.Database).Release(conn)
}

// Close closes every pool.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
