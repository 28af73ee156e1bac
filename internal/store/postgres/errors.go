package postgres

import (
	"errors"

	"barbershop/queue-service/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeUndefinedTable        = "42P01"
	codeUndefinedColumn       = "42703"
	codeUndefinedFunction     = "42883"
	codeInsufficientPrivilege = "42501"
)

func subscriptionError(op string, err error) *store.SubscriptionError {
	guidance, schemaProblem := guidanceFor(err)
	return &store.SubscriptionError{
		Op:        op,
		Err:       err,
		Retryable: !schemaProblem,
		Guidance:  guidance,
	}
}

// guidanceFor maps schema and permission failures to the operator action
// that fixes them. Those failures repeat on every retry until someone acts.
func guidanceFor(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case codeUndefinedTable:
		return "apply migrations/001_queue.sql to create queue_items", true
	case codeUndefinedColumn:
		return "queue_items is missing column " + pgErr.ColumnName + "; apply the latest migrations", true
	case codeUndefinedFunction:
		return "notify_queue_items_changed() is missing; apply the latest migrations", true
	case codeInsufficientPrivilege:
		return "grant SELECT on queue_items to the service role", true
	}
	return "", false
}
