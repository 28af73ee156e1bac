package postgres

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"barbershop/queue-service/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestGuidanceFor(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		contains  string
		retryable bool
	}{
		{name: "missing table", err: &pgconn.PgError{Code: codeUndefinedTable}, contains: "001_queue.sql"},
		{name: "missing column", err: fmt.Errorf("query: %w", &pgconn.PgError{Code: codeUndefinedColumn, ColumnName: "room"}), contains: "room"},
		{name: "permission", err: &pgconn.PgError{Code: codeInsufficientPrivilege}, contains: "grant SELECT"},
		{name: "other pg error", err: &pgconn.PgError{Code: "57P01"}, retryable: true},
		{name: "network", err: errors.New("connection reset"), retryable: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			subErr := subscriptionError("snapshot", tc.err)
			if subErr.Retryable != tc.retryable {
				t.Fatalf("expected retryable=%v, got %v", tc.retryable, subErr.Retryable)
			}
			if tc.contains == "" && subErr.Guidance != "" {
				t.Fatalf("expected no guidance, got %q", subErr.Guidance)
			}
			if !strings.Contains(subErr.Guidance, tc.contains) {
				t.Fatalf("expected guidance to contain %q, got %q", tc.contains, subErr.Guidance)
			}
			if !errors.Is(subErr, tc.err) {
				t.Fatalf("expected wrapped error")
			}
		})
	}
}

func TestBuildUpdate(t *testing.T) {
	status := "completed"
	minutes := 12
	sets, args, err := buildUpdate(store.ItemUpdate{Status: &status, ActualDurationMinutes: &minutes})
	if err != nil {
		t.Fatalf("build update: %v", err)
	}
	want := []string{"status = $1", "actual_duration_minutes = $2", "updated_at = now()"}
	if strings.Join(sets, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected sets: %v", sets)
	}
	if len(args) != 2 || args[0] != "completed" || args[1] != 12 {
		t.Fatalf("unexpected args: %v", args)
	}
}
