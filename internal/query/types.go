package query

import (
	"encoding/json"
	"time"
)

// Filter narrows an audit trail listing. Zero values mean "any".
type Filter struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Outcome    string

	// Partition date range, inclusive, YYYY-MM-DD.
	FromDate string
	ToDate   string

	// Limit caps the result set. Defaults to 100, capped at 1000.
	Limit int
}

// EntryRecord is one row of the audit trail as served to clients.
type EntryRecord struct {
	ID         string          `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Method     string          `json:"method,omitempty"`
	Path       string          `json:"path,omitempty"`
	RemoteIP   string          `json:"remote_ip,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
	Outcome    string          `json:"outcome"`
	Message    string          `json:"message,omitempty"`
	EventTime  time.Time       `json:"event_time"`
	Partition  string          `json:"partition_date"`
}

// ActionCount is one bucket of the stats rollup.
type ActionCount struct {
	Action  string `json:"action"`
	Outcome string `json:"outcome"`
	Count   int64  `json:"count"`
}

// StatsResponse summarizes the trail over a partition-date range.
type StatsResponse struct {
	FromDate string        `json:"from_date"`
	ToDate   string        `json:"to_date"`
	Total    int64         `json:"total"`
	ByAction []ActionCount `json:"by_action"`
}
