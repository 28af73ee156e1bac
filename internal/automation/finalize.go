package automation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"barbershop/queue-service/internal/models"
	"barbershop/queue-service/internal/notify"
	"barbershop/queue-service/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeHeld      Outcome = "held"
)

// FinalizeRequest ends the visit of ItemID. A nil Cut or DiscountCents falls
// back to what was recorded against the item while it was in service.
type FinalizeRequest struct {
	ItemID        string
	Cut           models.CutSpecification
	DiscountCents *int64
}

type FinalizeResult struct {
	Outcome       Outcome          `json:"outcome"`
	VisitID       string           `json:"visit_id,omitempty"`
	LoyaltyPoints *int             `json:"loyalty_points,omitempty"`
	Item          models.QueueItem `json:"item"`
}

type FinalizerConfig struct {
	GuestCustomerIDs []string
}

// Finalizer moves a finished visit out of the live queue into visit history.
type Finalizer struct {
	store    store.QueueStore
	notifier notify.Notifier
	guests   map[string]bool
	now      func() time.Time
}

func NewFinalizer(st store.QueueStore, notifier notify.Notifier, cfg FinalizerConfig, opts ...Option) *Finalizer {
	guests := make(map[string]bool, len(cfg.GuestCustomerIDs))
	for _, id := range cfg.GuestCustomerIDs {
		guests[strings.ToLower(strings.TrimSpace(id))] = true
	}
	o := applyOptions(opts)
	return &Finalizer{
		store:    st,
		notifier: notifier,
		guests:   guests,
		now:      o.now,
	}
}

// Finalize re-reads the live item and either completes it or, when a partial
// payment is still open, parks it in the partial payment hold. Completing
// writes the status, the visit record, the loyalty point and the deletion in
// that order.
func (f *Finalizer) Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	ctx, span := tracer.Start(ctx, "queue.finalize", trace.WithAttributes(attribute.String("queue.item_id", req.ItemID)))
	defer span.End()

	now := f.now()
	live, err := f.store.GetItem(ctx, req.ItemID)
	if err != nil {
		if !errors.Is(err, store.ErrItemNotFound) {
			f.fail(ctx, span, req.ItemID, "Could not finalize visit", err)
		}
		return FinalizeResult{}, fmt.Errorf("load item %s: %w", req.ItemID, err)
	}
	if !store.ValidTransition("finalize", live.Status) {
		return FinalizeResult{Item: live}, fmt.Errorf("finalize item %s from %s: %w", live.ID, live.Status, store.ErrInvalidState)
	}

	cut := req.Cut
	if cut == nil {
		cut = live.PendingCut
	}
	discount := live.PendingDiscountCents
	if req.DiscountCents != nil {
		discount = *req.DiscountCents
	}

	if live.PartialPayment.Outstanding() {
		supplied := req.Cut != nil || req.DiscountCents != nil
		return f.hold(ctx, span, live, cut, discount, supplied, now)
	}
	return f.complete(ctx, span, live, cut, discount, now)
}

// hold parks the visit until its partial payment is settled. Repeated calls
// on a held visit only write a newly supplied cut or discount.
func (f *Finalizer) hold(ctx context.Context, span trace.Span, live models.QueueItem, cut models.CutSpecification, discount int64, supplied bool, now time.Time) (FinalizeResult, error) {
	span.SetAttributes(attribute.String("queue.outcome", string(OutcomeHeld)))
	if live.Held() {
		if !supplied {
			return FinalizeResult{Outcome: OutcomeHeld, Item: live}, nil
		}
		return f.updateHeld(ctx, span, live, cut, discount)
	}

	update := store.ItemUpdate{
		ExpectStatuses:       store.AllowedFrom("hold"),
		HoldReason:           store.HoldPtr(models.HoldPartialPaymentPending),
		StatusNote:           store.StringPtr(models.NoteAwaitingPartialPayment),
		ServiceEndsAt:        store.TimePtr(now),
		PendingCut:           cut,
		PendingDiscountCents: &discount,
	}
	if err := f.store.UpdateItem(ctx, live.ID, update); err != nil {
		f.fail(ctx, span, live.ID, "Could not hold visit", err)
		return FinalizeResult{Item: live}, fmt.Errorf("hold item %s: %w", live.ID, err)
	}
	live.HoldReason = models.HoldPartialPaymentPending
	live.StatusNote = models.NoteAwaitingPartialPayment
	live.ServiceEndsAt = store.TimePtr(now)
	if cut != nil {
		live.PendingCut = cut
	}
	live.PendingDiscountCents = discount

	holdsTotal.Add(1)
	log.Printf("finalize hold item=%s customer=%s reason=%s", live.ID, live.CustomerID, live.HoldReason)
	f.notifier.Notify(ctx, notify.Notification{
		Title:    "Payment pending",
		Message:  fmt.Sprintf("%s still has a partial payment open; the visit stays in service until it is paid.", live.CustomerName),
		Severity: notify.SeverityWarning,
		ItemID:   live.ID,
	})
	return FinalizeResult{Outcome: OutcomeHeld, Item: live}, nil
}

func (f *Finalizer) updateHeld(ctx context.Context, span trace.Span, live models.QueueItem, cut models.CutSpecification, discount int64) (FinalizeResult, error) {
	update := store.ItemUpdate{
		ExpectStatuses:       store.AllowedFrom("hold"),
		PendingCut:           cut,
		PendingDiscountCents: &discount,
	}
	if err := f.store.UpdateItem(ctx, live.ID, update); err != nil {
		f.fail(ctx, span, live.ID, "Could not hold visit", err)
		return FinalizeResult{Item: live}, fmt.Errorf("update held item %s: %w", live.ID, err)
	}
	if cut != nil {
		live.PendingCut = cut
	}
	live.PendingDiscountCents = discount
	log.Printf("finalize hold updated item=%s discount=%d", live.ID, discount)
	return FinalizeResult{Outcome: OutcomeHeld, Item: live}, nil
}

func (f *Finalizer) complete(ctx context.Context, span trace.Span, live models.QueueItem, cut models.CutSpecification, discount int64, now time.Time) (FinalizeResult, error) {
	span.SetAttributes(attribute.String("queue.outcome", string(OutcomeCompleted)))
	discount = clampDiscount(discount, live.PriceCents)
	actual := actualMinutes(live, now)

	update := store.ItemUpdate{
		ExpectStatuses:        store.AllowedFrom("finalize"),
		Status:                store.StringPtr(models.StatusCompleted),
		ServiceEndsAt:         store.TimePtr(now),
		ActualDurationMinutes: &actual,
		HoldReason:            store.HoldPtr(models.HoldNone),
		StatusNote:            store.StringPtr(""),
	}
	if err := f.store.UpdateItem(ctx, live.ID, update); err != nil {
		f.fail(ctx, span, live.ID, "Could not finalize visit", err)
		return FinalizeResult{Item: live}, fmt.Errorf("complete item %s: %w", live.ID, err)
	}

	archived := live
	archived.Status = models.StatusCompleted
	archived.ServiceEndsAt = store.TimePtr(now)
	archived.ActualDurationMinutes = actual
	archived.HoldReason = models.HoldNone
	archived.StatusNote = ""
	archived.PendingCut = nil
	archived.PendingDiscountCents = 0

	visit := models.CompletedVisit{
		SourceItemID:    live.ID,
		CustomerID:      live.CustomerID,
		Item:            archived,
		CompletedAt:     now,
		Cut:             cut,
		DiscountCents:   discount,
		AmountPaidCents: live.PriceCents - discount,
	}
	if payment := live.PartialPayment; payment != nil {
		visit.RemainingPaymentMethod = payment.Method
		visit.RemainingPaymentID = payment.PaymentID
		visit.RemainingPaymentStatus = payment.Status
	}

	visitID, created, err := f.store.CreateCompletedVisit(ctx, visit)
	if err != nil {
		f.reopen(ctx, live.ID)
		f.fail(ctx, span, live.ID, "Could not save visit history", err)
		return FinalizeResult{Item: live}, fmt.Errorf("archive item %s: %w", live.ID, err)
	}

	result := FinalizeResult{Outcome: OutcomeCompleted, VisitID: visitID, Item: archived}
	if created && f.registered(live.CustomerID) {
		points, err := f.store.AddLoyaltyPoints(ctx, live.CustomerID, 1)
		if err != nil {
			log.Printf("loyalty award error item=%s customer=%s: %v", live.ID, live.CustomerID, err)
		} else {
			result.LoyaltyPoints = &points
		}
	}

	if err := f.store.DeleteItem(ctx, live.ID); err != nil && !errors.Is(err, store.ErrItemNotFound) {
		f.reopen(ctx, live.ID)
		f.fail(ctx, span, live.ID, "Could not remove visit from queue", err)
		return result, fmt.Errorf("delete item %s: %w", live.ID, err)
	}

	finalizedTotal.Add(1)
	log.Printf("finalize complete item=%s visit=%s customer=%s amount_paid=%d", live.ID, visitID, live.CustomerID, visit.AmountPaidCents)
	f.notifier.Notify(ctx, notify.Notification{
		Title:    "Visit completed",
		Message:  fmt.Sprintf("%s finished %s.", live.CustomerName, live.ServiceName),
		Severity: notify.SeverityInfo,
		ItemID:   live.ID,
	})
	return result, nil
}

// reopen puts a half-finalized item back in service so the next tick retries
// it. The visit insert is idempotent per item, so the retry neither
// duplicates history nor awards a second point.
func (f *Finalizer) reopen(ctx context.Context, itemID string) {
	if err := f.store.UpdateItem(ctx, itemID, store.ItemUpdate{Status: store.StringPtr(models.StatusInService)}); err != nil {
		log.Printf("finalize reopen error item=%s: %v", itemID, err)
	}
}

func (f *Finalizer) fail(ctx context.Context, span trace.Span, itemID, title string, err error) {
	errorsTotal.Add(1)
	span.RecordError(err)
	span.SetStatus(codes.Error, title)
	log.Printf("finalize error item=%s: %v", itemID, err)
	f.notifier.Notify(ctx, notify.Notification{
		Title:    title,
		Message:  err.Error(),
		Severity: notify.SeverityError,
		ItemID:   itemID,
	})
}

func (f *Finalizer) registered(customerID string) bool {
	id := strings.ToLower(strings.TrimSpace(customerID))
	return id != "" && !f.guests[id]
}

func clampDiscount(discount, price int64) int64 {
	if discount < 0 {
		return 0
	}
	if discount > price {
		return price
	}
	return discount
}

func actualMinutes(item models.QueueItem, now time.Time) int {
	if item.ServiceStartedAt == nil || now.Before(*item.ServiceStartedAt) {
		return 0
	}
	return int(now.Sub(*item.ServiceStartedAt) / time.Minute)
}
