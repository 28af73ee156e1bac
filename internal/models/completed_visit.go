package models

import "time"

// CompletedVisit is the archived form of a finalized QueueItem. It is written
// once and never updated; reviews reference it by ID.
type CompletedVisit struct {
	ID                     string           `json:"id"`
	SourceItemID           string           `json:"source_item_id"`
	CustomerID             string           `json:"customer_id"`
	Item                   QueueItem        `json:"item"`
	CompletedAt            time.Time        `json:"completed_at"`
	Cut                    CutSpecification `json:"cut_specification,omitempty"`
	DiscountCents          int64            `json:"discount_cents"`
	AmountPaidCents        int64            `json:"amount_paid_cents"`
	Rating                 *int             `json:"rating,omitempty"`
	RemainingPaymentMethod string           `json:"remaining_payment_method,omitempty"`
	RemainingPaymentID     string           `json:"remaining_payment_id,omitempty"`
	RemainingPaymentStatus string           `json:"remaining_payment_status,omitempty"`
}
