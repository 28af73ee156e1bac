package store

import (
	"context"
	"time"

	"barbershop/queue-service/internal/models"
)

type QueueFilter struct {
	Statuses []string
}

// SnapshotEvent is one delivery of a live subscription: either the full
// current item set, ordered by status then arrival, or the error that ended
// the subscription.
type SnapshotEvent struct {
	Items []models.QueueItem
	Err   error
}

type CreateItemInput struct {
	ID                       string
	CustomerID               string
	CustomerName             string
	CustomerEmail            string
	CustomerPhone            string
	ServiceName              string
	ServiceCategory          string
	Room                     string
	PriceCents               int64
	Status                   string
	EstimatedDurationMinutes int
	ScheduledAt              *time.Time
	Present                  bool
	AssignedStaffName        string
	PaymentMethodLabel       string
	PartialPayment           *models.PartialPayment
	CreatedAt                time.Time
}

// ItemUpdate is a partial write. Nil fields are left untouched. When
// ExpectStatuses is set the write only applies to an item currently in one
// of those statuses; otherwise it fails with ErrInvalidState.
type ItemUpdate struct {
	ExpectStatuses        []string
	Status                *string
	ServiceStartedAt      *time.Time
	ServiceEndsAt         *time.Time
	ActualDurationMinutes *int
	Present               *bool
	HoldReason            *models.HoldReason
	StatusNote            *string
	PendingCut            models.CutSpecification
	PendingDiscountCents  *int64
	PartialPaymentStatus  *string
}

// QueueStore persists queue items, visit history and loyalty balances.
//
// SubscribeQueue delivers the current snapshot first and a fresh one after
// every change. Slow readers only see the newest snapshot. A failed
// subscription sends one event with Err set and then closes the channel; a
// cancelled ctx closes it without an error event.
type QueueStore interface {
	SubscribeQueue(ctx context.Context, filter QueueFilter) (<-chan SnapshotEvent, error)
	GetItem(ctx context.Context, id string) (models.QueueItem, error)
	CreateItem(ctx context.Context, input CreateItemInput) (models.QueueItem, error)
	UpdateItem(ctx context.Context, id string, update ItemUpdate) error
	DeleteItem(ctx context.Context, id string) error
	CreateCompletedVisit(ctx context.Context, visit models.CompletedVisit) (string, bool, error)
	AddLoyaltyPoints(ctx context.Context, customerID string, delta int) (int, error)
	GetLoyaltyPoints(ctx context.Context, customerID string) (int, error)
}

func StringPtr(value string) *string {
	return &value
}

func TimePtr(value time.Time) *time.Time {
	return &value
}

func HoldPtr(value models.HoldReason) *models.HoldReason {
	return &value
}
