package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"TradeAudit/internal/pool"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Service provides read-only access to the audit trail. Connections are
// checked out of the pool per call; every predicate is a $n placeholder.
type Service struct {
	pools    *pool.Manager
	database string
}

func NewService(pools *pool.Manager, database string) *Service {
	return &Service{pools: pools, database: database}
}

// List returns audit entries matching the filter, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]EntryRecord, error) {
	conn, err := s.pools.Acquire(ctx, s.database)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", s.database, err)
	}
	defer s.pools.Release(conn)

	where, args := buildPredicates(f)

	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	args = append(args, limit)

	q := `SELECT id, actor, action, entity_type,
			COALESCE(entity_id, ''), before_state, after_state,
			COALESCE(method, ''), COALESCE(path, ''),
			COALESCE(remote_ip, ''), COALESCE(user_agent, ''),
			outcome, COALESCE(message, ''), event_time, partition_date::text
		FROM audit.entries`
	if where != "" {
		q += " WHERE " + where
	}
	q += fmt.Sprintf(" ORDER BY event_time DESC LIMIT $%d", len(args))

	rows, err := conn.Session.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var records []EntryRecord
	for rows.Next() {
		var r EntryRecord
		var before, after []byte
		if err := rows.Scan(
			&r.ID, &r.Actor, &r.Action, &r.EntityType, &r.EntityID,
			&before, &after,
			&r.Method, &r.Path, &r.RemoteIP, &r.UserAgent,
			&r.Outcome, &r.Message, &r.EventTime, &r.Partition,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		r.Before = before
		r.After = after
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats rolls up entry counts by action and outcome for a date range.
func (s *Service) Stats(ctx context.Context, fromDate, toDate string) (*StatsResponse, error) {
	conn, err := s.pools.Acquire(ctx, s.database)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", s.database, err)
	}
	defer s.pools.Release(conn)

	where, args := buildPredicates(Filter{FromDate: fromDate, ToDate: toDate})

	q := `SELECT action, outcome, COUNT(*) FROM audit.entries`
	if where != "" {
		q += " WHERE " + where
	}
	q += " GROUP BY action, outcome ORDER BY action, outcome"

	rows, err := conn.Session.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	resp := &StatsResponse{FromDate: fromDate, ToDate: toDate}
	for rows.Next() {
		var ac ActionCount
		if err := rows.Scan(&ac.Action, &ac.Outcome, &ac.Count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		resp.ByAction = append(resp.ByAction, ac)
		resp.Total += ac.Count
	}
	return resp, rows.Err()
}

// GetEntry looks up one entry by ID.
func (s *Service) GetEntry(ctx context.Context, id string) (*EntryRecord, error) {
	entries, err := s.listByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Service) listByID(ctx context.Context, id string) ([]EntryRecord, error) {
	// A malformed ID cannot match anything; don't bother Postgres with it.
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	conn, err := s.pools.Acquire(ctx, s.database)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", s.database, err)
	}
	defer s.pools.Release(conn)

	q := `SELECT id, actor, action, entity_type,
			COALESCE(entity_id, ''), before_state, after_state,
			COALESCE(method, ''), COALESCE(path, ''),
			COALESCE(remote_ip, ''), COALESCE(user_agent, ''),
			outcome, COALESCE(message, ''), event_time, partition_date::text
		FROM audit.entries WHERE id = $1`

	var r EntryRecord
	var before, after []byte
	err = conn.Session.QueryRow(ctx, q, id).Scan(
		&r.ID, &r.Actor, &r.Action, &r.EntityType, &r.EntityID,
		&before, &after,
		&r.Method, &r.Path, &r.RemoteIP, &r.UserAgent,
		&r.Outcome, &r.Message, &r.EventTime, &r.Partition,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry: %w", err)
	}
	r.Before = before
	r.After = after
	return []EntryRecord{r}, nil
}

// buildPredicates turns a filter into a WHERE clause with $n
// placeholders and the matching args slice.
func buildPredicates(f Filter) (string, []interface{}) {
	var preds []string
	var args []interface{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		preds = append(preds, fmt.Sprintf(clause, len(args)))
	}

	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Outcome != "" {
		add("outcome = $%d", f.Outcome)
	}
	if f.FromDate != "" {
		add("partition_date >= $%d", f.FromDate)
	}
	if f.ToDate != "" {
		add("partition_date <= $%d", f.ToDate)
	}

	return strings.Join(preds, " AND "), args
}
