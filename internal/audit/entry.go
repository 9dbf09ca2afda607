package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action discriminator for audit entries
type Action int32

const (
	ActionUnknown Action = iota
	ActionCreate
	ActionUpdate
	ActionDelete
	ActionSubmit
	ActionApprove
	ActionReject
	ActionLogin
	ActionLogout
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "Create"
	case ActionUpdate:
		return "Update"
	case ActionDelete:
		return "Delete"
	case ActionSubmit:
		return "Submit"
	case ActionApprove:
		return "Approve"
	case ActionReject:
		return "Reject"
	case ActionLogin:
		return "Login"
	case ActionLogout:
		return "Logout"
	default:
		return "Unknown"
	}
}

// ParseAction converts the wire-format action string into an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "create":
		return ActionCreate, nil
	case "update":
		return ActionUpdate, nil
	case "delete":
		return ActionDelete, nil
	case "submit":
		return ActionSubmit, nil
	case "approve":
		return ActionApprove, nil
	case "reject":
		return ActionReject, nil
	case "login":
		return ActionLogin, nil
	case "logout":
		return ActionLogout, nil
	default:
		return ActionUnknown, fmt.Errorf("unknown action: %q", s)
	}
}

// Outcome of the audited action
type Outcome int32

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

func (o Outcome) String() string {
	if o == OutcomeFailure {
		return "Failure"
	}
	return "Success"
}

// RequestMeta carries the HTTP request context the action happened in.
// All fields are optional; bus-originated entries usually leave them empty.
type RequestMeta struct {
	Method    string
	Path      string
	RemoteIP  string
	UserAgent string
}

// Entry is one immutable audit record: who did what to which entity,
// with which outcome. Created when an action completes, never mutated,
// consumed exactly once by a writer (async queue or synchronous fallback).
type Entry struct {
	ID         uuid.UUID
	Actor      string
	Action     Action
	EntityType string
	EntityID   string

	// Entity state around the change, JSON-encoded by the producer.
	Before json.RawMessage
	After  json.RawMessage

	Request RequestMeta

	Outcome Outcome
	Message string

	// EventTime is when the action completed (producer clock, UTC).
	EventTime time.Time

	// PartitionDate is derived from EventTime and addresses the daily
	// partition the entry lands in.
	PartitionDate string
}

// NewEntry builds an Entry with a fresh ID and the partition date
// derived from eventTime.
func NewEntry(actor string, action Action, entityType, entityID string, eventTime time.Time) Entry {
	return Entry{
		ID:            uuid.New(),
		Actor:         actor,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Outcome:       OutcomeSuccess,
		EventTime:     eventTime.UTC(),
		PartitionDate: PartitionDate(eventTime),
	}
}

// PartitionDate formats the daily partition key for a given event time.
func PartitionDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Validate checks the fields every persisted entry must carry.
func (e *Entry) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("entry id is zero")
	}
	if e.Actor == "" {
		return fmt.Errorf("actor is empty")
	}
	if e.Action == ActionUnknown {
		return fmt.Errorf("action is unknown")
	}
	if e.EntityType == "" {
		return fmt.Errorf("entity_type is empty")
	}
	if e.EventTime.IsZero() {
		return fmt.Errorf("event_time is zero")
	}
	if e.PartitionDate == "" {
		return fmt.Errorf("partition_date is empty")
	}
	if e.PartitionDate != PartitionDate(e.EventTime) {
		return fmt.Errorf("partition_date %s does not match event_time %s",
			e.PartitionDate, e.EventTime.Format(time.RFC3339))
	}
	return nil
}
