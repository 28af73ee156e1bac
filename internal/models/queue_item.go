package models

import "time"

type QueueItem struct {
	ID                       string           `json:"id"`
	CustomerID               string           `json:"customer_id"`
	CustomerName             string           `json:"customer_name"`
	CustomerEmail            string           `json:"customer_email,omitempty"`
	CustomerPhone            string           `json:"customer_phone,omitempty"`
	ServiceName              string           `json:"service_name"`
	ServiceCategory          string           `json:"service_category,omitempty"`
	Room                     string           `json:"room,omitempty"`
	PriceCents               int64            `json:"price_cents"`
	Status                   string           `json:"status"`
	QueuePosition            int              `json:"queue_position"`
	EstimatedDurationMinutes int              `json:"estimated_duration_minutes"`
	ActualDurationMinutes    int              `json:"actual_duration_minutes,omitempty"`
	ScheduledAt              *time.Time       `json:"scheduled_at,omitempty"`
	ServiceStartedAt         *time.Time       `json:"service_started_at,omitempty"`
	ServiceEndsAt            *time.Time       `json:"service_ends_at,omitempty"`
	Present                  bool             `json:"present"`
	SortTimestamp            time.Time        `json:"sort_timestamp"`
	AssignedStaffName        string           `json:"assigned_staff_name,omitempty"`
	PaymentMethodLabel       string           `json:"payment_method_label,omitempty"`
	PartialPayment           *PartialPayment  `json:"partial_payment,omitempty"`
	HoldReason               HoldReason       `json:"hold_reason"`
	StatusNote               string           `json:"status_note,omitempty"`
	PendingCut               CutSpecification `json:"pending_cut,omitempty"`
	PendingDiscountCents     int64            `json:"pending_discount_cents,omitempty"`
	CreatedAt                time.Time        `json:"created_at"`
	UpdatedAt                time.Time        `json:"updated_at"`
}

const (
	StatusScheduled = "scheduled"
	StatusConfirmed = "confirmed"
	StatusInService = "in_service"
	StatusCompleted = "completed"
)

// LiveStatuses is the status set a live queue subscription watches.
var LiveStatuses = []string{StatusScheduled, StatusConfirmed, StatusInService}

type HoldReason string

const (
	HoldNone                  HoldReason = "none"
	HoldPartialPaymentPending HoldReason = "partial_payment_pending"
)

const NoteAwaitingPartialPayment = "awaiting partial payment"

// CutSpecification holds free-form measurements captured when a visit ends.
type CutSpecification map[string]any

type PartialPayment struct {
	Method      string `json:"method"`
	PaymentID   string `json:"payment_id,omitempty"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
}

const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
)

func (p *PartialPayment) Outstanding() bool {
	return p != nil && p.Status != PaymentPaid
}

// RoomKey is the concurrency domain of the item: the room when one was
// assigned, otherwise the service category.
func (q QueueItem) RoomKey() string {
	if q.Room != "" {
		return q.Room
	}
	return q.ServiceCategory
}

func (q QueueItem) Waiting() bool {
	return q.Status == StatusScheduled || q.Status == StatusConfirmed
}

func (q QueueItem) InService() bool {
	return q.Status == StatusInService
}

func (q QueueItem) Held() bool {
	return q.HoldReason == HoldPartialPaymentPending
}
