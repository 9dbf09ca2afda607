package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"TradeAudit/internal/audit"
	"TradeAudit/internal/observability"
	"TradeAudit/internal/pool"
)

const entryColumns = 15

// Repository persists audit entries into audit.entries using
// parameterized multi-row INSERTs through the connection pool. Every
// value travels as a $n placeholder argument; no SQL is ever built by
// string interpolation.
type Repository struct {
	pools    *pool.Manager
	database string
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewRepository(pools *pool.Manager, database string, logger zerolog.Logger, metrics *observability.Metrics) *Repository {
	return &Repository{
		pools:    pools,
		database: database,
		logger:   logger,
		metrics:  metrics,
	}
}

// Write persists a single entry. Used by the synchronous fallback path.
func (r *Repository) Write(ctx context.Context, entry audit.Entry) error {
	return r.WriteBatch(ctx, []audit.Entry{entry})
}

// WriteBatch persists a batch of entries in one statement.
// ON CONFLICT (id) DO NOTHING keeps retried batches idempotent.
func (r *Repository) WriteBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	conn, err := r.pools.Acquire(ctx, r.database)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", r.database, err)
	}
	defer r.pools.Release(conn)

	start := time.Now()

	query := `INSERT INTO audit.entries
		(id, actor, action, entity_type, entity_id, before_state, after_state,
		 method, path, remote_ip, user_agent, outcome, message, event_time, partition_date)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*entryColumns)

	for i, e := range entries {
		base := i * entryColumns
		placeholders := make([]string, entryColumns)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")

		args = append(args,
			e.ID, e.Actor, e.Action.String(), e.EntityType, nullableString(e.EntityID),
			nullableJSON(e.Before), nullableJSON(e.After),
			nullableString(e.Request.Method), nullableString(e.Request.Path),
			nullableString(e.Request.RemoteIP), nullableString(e.Request.UserAgent),
			e.Outcome.String(), nullableString(e.Message), e.EventTime, e.PartitionDate,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	if _, err := conn.Session.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d audit entries: %w", len(entries), err)
	}

	if r.metrics != nil {
		r.metrics.WriteBatchDur.Observe(time.Since(start).Seconds())
		r.metrics.WriteBatchSize.Observe(float64(len(entries)))
	}
	return nil
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableJSON maps an absent JSON document to SQL NULL.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
