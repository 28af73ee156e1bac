package store

import (
	"errors"
	"fmt"
)

var (
	ErrItemNotFound       = errors.New("queue item not found")
	ErrCustomerNotFound   = errors.New("customer not found")
	ErrInvalidState       = errors.New("invalid queue item state")
	ErrRoomOccupied       = errors.New("room already has an item in service")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// SubscriptionError reports a live subscription that could not be opened or
// was lost. Guidance carries operator instructions when the backend has them,
// such as the DDL for a missing index.
type SubscriptionError struct {
	Op        string
	Err       error
	Retryable bool
	Guidance  string
}

func (e *SubscriptionError) Error() string {
	msg := fmt.Sprintf("subscribe %s: %v", e.Op, e.Err)
	if e.Guidance != "" {
		msg += " (" + e.Guidance + ")"
	}
	return msg
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

func IsRetryable(err error) bool {
	var subErr *SubscriptionError
	if errors.As(err, &subErr) {
		return subErr.Retryable
	}
	return false
}
