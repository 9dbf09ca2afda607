package audit_test

import (
	"TradeAudit/internal/audit"
	"testing"
	"time"
)

func TestNewEntry_DerivesPartitionDate(t *testing.T) {
	eventTime := time.Date(2025, 3, 14, 23, 59, 58, 0, time.FixedZone("ICT", 7*3600))

	e := audit.NewEntry("maker01", audit.ActionSubmit, "order", "ORD-1001", eventTime)

	// 23:59 ICT on the 14th is the 14th 16:59 UTC
	if e.PartitionDate != "2025-03-14" {
		t.Errorf("partition date: got %q, want %q", e.PartitionDate, "2025-03-14")
	}
	if !e.EventTime.Equal(eventTime) {
		t.Errorf("event time changed: got %v, want %v", e.EventTime, eventTime)
	}
	if e.EventTime.Location() != time.UTC {
		t.Errorf("event time not normalized to UTC: %v", e.EventTime.Location())
	}
}

func TestPartitionDate_MidnightBoundary(t *testing.T) {
	cases := []struct {
		name string
		in   time.Time
		want string
	}{
		{"just before midnight utc", time.Date(2025, 6, 30, 23, 59, 59, 999_000_000, time.UTC), "2025-06-30"},
		{"midnight utc", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), "2025-07-01"},
		{"east of utc rolls back", time.Date(2025, 7, 1, 5, 0, 0, 0, time.FixedZone("ICT", 7*3600)), "2025-06-30"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := audit.PartitionDate(tc.in); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEntry_Validate(t *testing.T) {
	valid := func() audit.Entry {
		return audit.NewEntry("checker02", audit.ActionApprove, "portfolio", "PF-7", time.Now())
	}

	if err := func() error { e := valid(); return e.Validate() }(); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*audit.Entry)
	}{
		{"empty actor", func(e *audit.Entry) { e.Actor = "" }},
		{"unknown action", func(e *audit.Entry) { e.Action = audit.ActionUnknown }},
		{"empty entity type", func(e *audit.Entry) { e.EntityType = "" }},
		{"zero event time", func(e *audit.Entry) { e.EventTime = time.Time{} }},
		{"partition mismatch", func(e *audit.Entry) { e.PartitionDate = "1999-01-01" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := valid()
			tc.mutate(&e)
			if err := e.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestParseAction(t *testing.T) {
	for _, s := range []string{"create", "update", "delete", "submit", "approve", "reject", "login", "logout"} {
		if _, err := audit.ParseAction(s); err != nil {
			t.Errorf("ParseAction(%q): %v", s, err)
		}
	}
	if _, err := audit.ParseAction("truncate"); err == nil {
		t.Error("ParseAction should reject unknown actions")
	}
}
