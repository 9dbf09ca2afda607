package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"TradeAudit/internal/observability"
)

var (
	// ErrExhausted means the pool stayed at capacity for the whole
	// acquire timeout.
	ErrExhausted = errors.New("pool exhausted")

	// ErrClosed means the pool was closed.
	ErrClosed = errors.New("pool closed")
)

// Config tunes one pool instance.
type Config struct {
	// MaxConns caps connections created and not yet closed.
	MaxConns int

	// MaxLifetime is the age past which a connection is recycled
	// instead of handed out.
	MaxLifetime time.Duration

	// AcquireTimeout bounds how long Acquire blocks at capacity.
	AcquireTimeout time.Duration

	// PingTimeout bounds the liveness probe on checkout/checkin.
	PingTimeout time.Duration
}

// DefaultConfig mirrors the operational defaults: 10 connections,
// 1h lifetime, 30s acquire wait.
func DefaultConfig() Config {
	return Config{
		MaxConns:       10,
		MaxLifetime:    time.Hour,
		AcquireTimeout: 30 * time.Second,
		PingTimeout:    2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConns <= 0 {
		c.MaxConns = d.MaxConns
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = d.MaxLifetime
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	return c
}

// Conn is a pooled connection: a session plus the bookkeeping the pool
// needs to validate and recycle it. Never shared across two callers.
type Conn struct {
	Session   Session
	Database  string
	CreatedAt time.Time
}

// Expired reports whether the connection outlived maxLifetime.
func (c *Conn) Expired(maxLifetime time.Duration) bool {
	return time.Since(c.CreatedAt) >= maxLifetime
}

// Pool hands out validated, non-expired connections to one database.
// The free list is a buffered channel; the live counter is guarded by a
// mutex and never exceeds MaxConns.
type Pool struct {
	database string
	factory  Factory
	cfg      Config
	logger   zerolog.Logger
	metrics  *observability.Metrics

	free chan *Conn

	mu     sync.Mutex
	live   int
	closed bool
}

// New creates a pool for one database. metrics may be nil.
func New(database string, factory Factory, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		database: database,
		factory:  factory,
		cfg:      cfg,
		logger:   logger.With().Str("database", database).Logger(),
		metrics:  metrics,
		free:     make(chan *Conn, cfg.MaxConns),
	}
}

// Acquire returns a validated, non-expired connection. It prefers the
// free list, creates a fresh connection while under MaxConns, and
// otherwise blocks until a release, the acquire timeout (ErrExhausted),
// or ctx cancellation.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.PoolAcquireWait.WithLabelValues(p.database).Observe(time.Since(start).Seconds())
		}
	}()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		// Fast path: reuse an idle connection.
		select {
		case conn := <-p.free:
			if p.validate(ctx, conn) {
				p.publishGauges()
				return conn, nil
			}
			p.discard(conn, "checkout_invalid")
			continue
		default:
		}

		// Create while under the cap. The counter is bumped before the
		// open so concurrent acquirers cannot overshoot MaxConns.
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if p.live < p.cfg.MaxConns {
			p.live++
			p.mu.Unlock()

			session, err := p.factory.Open(ctx, p.database)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				p.logger.Error().Err(err).Msg("connection create failed")
				return nil, fmt.Errorf("create connection to %s: %w", p.database, err)
			}

			if p.metrics != nil {
				p.metrics.PoolCreated.WithLabelValues(p.database).Inc()
			}
			p.publishGauges()
			return &Conn{Session: session, Database: p.database, CreatedAt: time.Now()}, nil
		}
		p.mu.Unlock()

		// At capacity: wait for a release.
		select {
		case conn := <-p.free:
			if p.validate(ctx, conn) {
				p.publishGauges()
				return conn, nil
			}
			p.discard(conn, "checkout_invalid")
		case <-timer.C:
			if p.metrics != nil {
				p.metrics.PoolExhausted.WithLabelValues(p.database).Inc()
			}
			p.logger.Warn().
				Dur("waited", time.Since(start)).
				Int("max_conns", p.cfg.MaxConns).
				Msg("acquire timed out")
			return nil, fmt.Errorf("acquire %s after %s: %w", p.database, p.cfg.AcquireTimeout, ErrExhausted)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release re-validates the connection before parking it on the free
// list. Invalid or surplus connections are closed and the live counter
// decremented instead.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.discard(conn, "pool_closed")
		return
	}

	if !p.validate(context.Background(), conn) {
		p.discard(conn, "checkin_invalid")
		return
	}

	select {
	case p.free <- conn:
		p.publishGauges()
	default:
		// Free list full. Can only happen after Close raced a release.
		p.discard(conn, "overflow")
	}
}

// validate runs the age check and a cheap liveness probe.
func (p *Pool) validate(ctx context.Context, conn *Conn) bool {
	if conn.Expired(p.cfg.MaxLifetime) {
		p.logger.Debug().
			Time("created_at", conn.CreatedAt).
			Msg("connection past max lifetime, recycling")
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
	defer cancel()
	if err := conn.Session.Ping(pingCtx); err != nil {
		p.logger.Warn().Err(err).Msg("connection validation failed")
		return false
	}
	return true
}

// discard closes the session and decrements the live counter.
func (p *Pool) discard(conn *Conn, reason string) {
	if err := conn.Session.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("close discarded connection")
	}
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.PoolDiscarded.WithLabelValues(p.database, reason).Inc()
	}
	p.publishGauges()
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Database string
	Live     int
	Idle     int
	InUse    int
	MaxConns int
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()
	idle := len(p.free)
	return Stats{
		Database: p.database,
		Live:     live,
		Idle:     idle,
		InUse:    live - idle,
		MaxConns: p.cfg.MaxConns,
	}
}

func (p *Pool) publishGauges() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.SetPoolMetrics(p.database, s.Live, s.Idle)
}

// Close marks the pool closed and drains the free list. Connections
// still checked out are closed by Release when they come back.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.free:
			p.discard(conn, "pool_closed")
		default:
			p.logger.Info().Msg("pool closed")
			return
		}
	}
}
