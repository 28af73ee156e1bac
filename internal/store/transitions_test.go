package store

import (
	"errors"
	"testing"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"start", "scheduled", true},
		{"start", "confirmed", true},
		{"start", "in_service", false},
		{"start", "completed", false},
		{"checkin", "scheduled", true},
		{"checkin", "completed", false},
		{"record_cut", "in_service", true},
		{"record_cut", "scheduled", false},
		{"hold", "in_service", true},
		{"hold", "confirmed", false},
		{"finalize", "in_service", true},
		{"finalize", "scheduled", false},
		{"finalize", "completed", false},
		{"unknown", "scheduled", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestAllowedFromReturnsCopy(t *testing.T) {
	allowed := AllowedFrom("start")
	if len(allowed) != 2 {
		t.Fatalf("expected 2 statuses, got %v", allowed)
	}
	allowed[0] = "completed"
	if !ValidTransition("start", "scheduled") {
		t.Fatalf("mutating the result changed the transition table")
	}
	if got := AllowedFrom("unknown"); len(got) != 0 {
		t.Fatalf("expected no statuses for unknown action, got %v", got)
	}
}

func TestSubscriptionErrorRetryable(t *testing.T) {
	base := errors.New("index missing")
	err := error(&SubscriptionError{Op: "queue_items", Err: base, Retryable: true, Guidance: "create index"})
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause")
	}
	if got := err.Error(); got != "subscribe queue_items: index missing (create index)" {
		t.Fatalf("unexpected message: %s", got)
	}
	if IsRetryable(base) {
		t.Fatalf("plain errors are not retryable")
	}
}
