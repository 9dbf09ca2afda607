package pool

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"github.com/lib/pq"
)

// Session is one exclusive database session. The pool owns it while
// checked in; exactly one caller owns it while checked out.
type Session interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row
	Close() error
}

// Factory opens new sessions bound to a database name.
type Factory interface {
	Open(ctx context.Context, database string) (Session, error)
}

// PostgresConfig addresses the analytic store.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	SSLMode  string
}

// PostgresFactory opens single-connection Postgres sessions via lib/pq.
// Each session is a dedicated *sql.DB capped at one underlying connection,
// so lifetime and validation stay under the pool's control rather than
// database/sql's.
type PostgresFactory struct {
	cfg PostgresConfig
}

func NewPostgresFactory(cfg PostgresConfig) *PostgresFactory {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	return &PostgresFactory{cfg: cfg}
}

func (f *PostgresFactory) Open(ctx context.Context, database string) (Session, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(f.cfg.User), url.QueryEscape(f.cfg.Password),
		f.cfg.Host, f.cfg.Port, url.PathEscape(database), f.cfg.SSLMode)

	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("pq connector for %s: %w", database, err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &pqSession{db: db}
	if err := s.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initial ping %s: %w", database, err)
	}
	return s, nil
}

type pqSession struct {
	db *sql.DB
}

func (s *pqSession) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *pqSession) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *pqSession) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *pqSession) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *pqSession) Close() error {
	return s.db.Close()
}
