package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"TradeAudit/internal/audit"
)

// entryJSON is the wire format published on backoffice.audit.>.
// Field names use snake_case to match upstream producers.
type entryJSON struct {
	EntryID    string          `json:"entry_id,omitempty"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Method     string          `json:"method,omitempty"`
	Path       string          `json:"path,omitempty"`
	RemoteIP   string          `json:"remote_ip,omitempty"`
	UserAgent  string          `json:"user_agent,omitempty"`
	Outcome    string          `json:"outcome,omitempty"`
	Message    string          `json:"message,omitempty"`
	// Event completion time in microseconds since epoch (producer clock).
	EventTimeUs int64 `json:"event_time_us"`
}

// ParseEntry converts a raw audit event into a validated audit.Entry.
// When the payload omits entity_type it is taken from the subject,
// e.g. backoffice.audit.order.approve → "order".
func ParseEntry(subject string, data []byte) (audit.Entry, error) {
	var j entryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return audit.Entry{}, fmt.Errorf("parse audit event: %w", err)
	}

	action, err := audit.ParseAction(j.Action)
	if err != nil {
		return audit.Entry{}, err
	}

	entityType := j.EntityType
	if entityType == "" {
		entityType = entityTypeFromSubject(subject)
	}

	if j.EventTimeUs <= 0 {
		return audit.Entry{}, fmt.Errorf("event_time_us missing or non-positive: %d", j.EventTimeUs)
	}
	eventTime := time.UnixMicro(j.EventTimeUs).UTC()

	entry := audit.NewEntry(j.Actor, action, entityType, j.EntityID, eventTime)

	// Producers that retry publishes carry their own stable entry ID.
	if j.EntryID != "" {
		id, err := uuid.Parse(j.EntryID)
		if err != nil {
			return audit.Entry{}, fmt.Errorf("parse entry_id: %w", err)
		}
		entry.ID = id
	}

	entry.Before = j.Before
	entry.After = j.After
	entry.Request = audit.RequestMeta{
		Method:    j.Method,
		Path:      j.Path,
		RemoteIP:  j.RemoteIP,
		UserAgent: j.UserAgent,
	}
	entry.Message = j.Message

	switch j.Outcome {
	case "", "success":
		entry.Outcome = audit.OutcomeSuccess
	case "failure":
		entry.Outcome = audit.OutcomeFailure
	default:
		return audit.Entry{}, fmt.Errorf("unknown outcome: %q", j.Outcome)
	}

	if err := entry.Validate(); err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

// entityTypeFromSubject returns the third subject token, if any:
// backoffice.audit.<entity_type>[.<action>...]
func entityTypeFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) >= 3 {
		return parts[2]
	}
	return ""
}
