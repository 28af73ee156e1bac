// Package automation runs the live service queue: it starts scheduled visits
// when their time arrives, finalizes visits whose time is up, and keeps a
// published view of the ordered queue and per-room countdowns.
package automation

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"barbershop/queue-service/internal/models"
	"barbershop/queue-service/internal/notify"
	"barbershop/queue-service/internal/queue"
	"barbershop/queue-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	startsTotal    = expvar.NewInt("automation_starts_total")
	finalizedTotal = expvar.NewInt("automation_finalized_total")
	holdsTotal     = expvar.NewInt("automation_holds_total")
	errorsTotal    = expvar.NewInt("automation_errors_total")

	tracer = otel.Tracer("barbershop/queue-service/automation")
)

var ErrAlreadyRunning = errors.New("automation engine already running")

type Config struct {
	TickInterval          time.Duration
	ResubscribeInterval   time.Duration
	DefaultServiceMinutes int
	AbsentPositionCap     int
	Rooms                 []string
}

type Option func(*options)

type options struct {
	now func() time.Time
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(opts []Option) options {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// View is the published state of the queue at one instant.
type View struct {
	queue.Snapshot
	Countdown         map[string]*int `json:"countdown"`
	SubscriptionError string          `json:"subscription_error,omitempty"`
	Guidance          string          `json:"guidance,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (v View) Healthy() bool {
	return v.SubscriptionError == ""
}

// Engine owns one queue subscription and one ticker. Each tick recomputes the
// countdown view and makes at most one start decision; snapshot handling,
// ticks and manual actions never run concurrently.
type Engine struct {
	store     store.QueueStore
	finalizer *Finalizer
	notifier  notify.Notifier
	cfg       Config
	now       func() time.Time

	stateMu         sync.Mutex
	items           []models.QueueItem
	synced          bool
	subErr          error
	nextResubscribe time.Time

	viewMu    sync.RWMutex
	view      View
	listeners []func(View)

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewEngine(st store.QueueStore, finalizer *Finalizer, notifier notify.Notifier, cfg Config, opts ...Option) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ResubscribeInterval <= 0 {
		cfg.ResubscribeInterval = 5 * time.Second
	}
	if cfg.DefaultServiceMinutes <= 0 {
		cfg.DefaultServiceMinutes = 30
	}
	o := applyOptions(opts)
	e := &Engine{
		store:     st,
		finalizer: finalizer,
		notifier:  notifier,
		cfg:       cfg,
		now:       o.now,
	}
	e.view = e.buildView(o.now())
	return e
}

// OnView registers fn to receive every published view. Register listeners
// before Start.
func (e *Engine) OnView(fn func(View)) {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) View() View {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.view
}

func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.done != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(runCtx, e.done)
	return nil
}

// Stop cancels the subscription and the ticker and waits for an in-flight
// tick to finish.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
}

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	events := e.subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				if ctx.Err() != nil {
					return
				}
				e.subscriptionFailed(ctx, store.ErrSubscriptionClosed)
				continue
			}
			if event.Err != nil {
				events = nil
				e.subscriptionFailed(ctx, event.Err)
				continue
			}
			e.applySnapshot(ctx, event.Items)
		case <-ticker.C:
			if events == nil && e.resubscribeDue() {
				events = e.subscribe(ctx)
			}
			e.Tick(ctx)
		}
	}
}

func (e *Engine) subscribe(ctx context.Context) <-chan store.SnapshotEvent {
	events, err := e.store.SubscribeQueue(ctx, store.QueueFilter{Statuses: models.LiveStatuses})
	if err != nil {
		e.subscriptionFailed(ctx, err)
		return nil
	}
	return events
}

func (e *Engine) resubscribeDue() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.subErr != nil && !e.now().Before(e.nextResubscribe)
}

func (e *Engine) subscriptionFailed(ctx context.Context, err error) {
	now := e.now()
	e.stateMu.Lock()
	first := e.subErr == nil
	e.subErr = err
	e.nextResubscribe = now.Add(e.cfg.ResubscribeInterval)
	e.publish(now)
	e.stateMu.Unlock()

	log.Printf("queue subscription error retryable=%t: %v", store.IsRetryable(err), err)
	if first {
		e.notifier.Notify(ctx, notify.Notification{
			Title:    "Queue unavailable",
			Message:  err.Error(),
			Severity: notify.SeverityError,
		})
	}
}

func (e *Engine) applySnapshot(ctx context.Context, items []models.QueueItem) {
	e.stateMu.Lock()
	recovered := e.subErr != nil
	e.items = append([]models.QueueItem(nil), items...)
	e.synced = true
	e.subErr = nil
	e.publish(e.now())
	e.stateMu.Unlock()

	if recovered {
		log.Printf("queue subscription restored items=%d", len(items))
		e.notifier.Notify(ctx, notify.Notification{
			Title:    "Queue restored",
			Message:  "Live queue updates resumed.",
			Severity: notify.SeverityInfo,
		})
	}
}

// Tick runs one automation cycle against the latest snapshot. While the
// subscription is down only the countdown is refreshed.
func (e *Engine) Tick(ctx context.Context) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	now := e.now()
	if e.subErr == nil && e.synced {
		if !e.autoFinalize(ctx, now) {
			e.autoStart(ctx, now)
		}
	}
	e.publish(now)
}

// autoFinalize finalizes every in-service item whose time is up, one room
// at a time. It reports whether any visit was completed.
func (e *Engine) autoFinalize(ctx context.Context, now time.Time) bool {
	var due []models.QueueItem
	for _, item := range e.items {
		if item.InService() && item.ServiceEndsAt != nil && !item.ServiceEndsAt.After(now) {
			due = append(due, item)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].ServiceEndsAt.Before(*due[j].ServiceEndsAt)
	})

	completed := false
	for _, item := range due {
		result, err := e.finalizer.Finalize(ctx, FinalizeRequest{ItemID: item.ID})
		if err != nil {
			if errors.Is(err, store.ErrItemNotFound) {
				e.forget(item.ID)
			}
			continue
		}
		switch result.Outcome {
		case OutcomeCompleted:
			e.forget(item.ID)
			completed = true
		case OutcomeHeld:
			e.replace(result.Item)
		}
	}
	return completed
}

// autoStart starts the waiting item with the earliest intended start that
// is due and whose room is free.
func (e *Engine) autoStart(ctx context.Context, now time.Time) {
	occupied := e.occupiedRooms()
	var candidate *models.QueueItem
	for i := range e.items {
		item := &e.items[i]
		if !item.Waiting() || item.ScheduledAt == nil || item.ScheduledAt.After(now) {
			continue
		}
		if occupied[item.RoomKey()] {
			continue
		}
		if candidate == nil || startsEarlier(*item, *candidate) {
			candidate = item
		}
	}
	if candidate == nil {
		return
	}
	e.start(ctx, *candidate, now, "auto")
}

// StartItem starts a waiting item on request, applying the same room guard
// as the automatic path.
func (e *Engine) StartItem(ctx context.Context, id string) (models.QueueItem, error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	item, err := e.store.GetItem(ctx, id)
	if err != nil {
		return models.QueueItem{}, err
	}
	if !store.ValidTransition("start", item.Status) {
		return item, fmt.Errorf("start item %s from %s: %w", id, item.Status, store.ErrInvalidState)
	}
	if e.occupiedRooms()[item.RoomKey()] {
		return item, fmt.Errorf("start item %s in %s: %w", id, item.RoomKey(), store.ErrRoomOccupied)
	}
	now := e.now()
	started, err := e.start(ctx, item, now, "manual")
	if err != nil {
		return item, err
	}
	e.publish(now)
	return started, nil
}

// FinalizeItem runs the finalization workflow on request.
func (e *Engine) FinalizeItem(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	result, err := e.finalizer.Finalize(ctx, req)
	if err != nil {
		return result, err
	}
	switch result.Outcome {
	case OutcomeCompleted:
		e.forget(req.ItemID)
	case OutcomeHeld:
		e.replace(result.Item)
	}
	e.publish(e.now())
	return result, nil
}

func (e *Engine) start(ctx context.Context, item models.QueueItem, now time.Time, trigger string) (models.QueueItem, error) {
	ctx, span := tracer.Start(ctx, "queue.start", trace.WithAttributes(
		attribute.String("queue.item_id", item.ID),
		attribute.String("queue.room", item.RoomKey()),
		attribute.String("queue.trigger", trigger),
	))
	defer span.End()

	minutes := item.EstimatedDurationMinutes
	if minutes <= 0 {
		minutes = e.cfg.DefaultServiceMinutes
	}
	ends := now.Add(time.Duration(minutes) * time.Minute)
	update := store.ItemUpdate{
		ExpectStatuses:   store.AllowedFrom("start"),
		Status:           store.StringPtr(models.StatusInService),
		ServiceStartedAt: store.TimePtr(now),
		ServiceEndsAt:    store.TimePtr(ends),
		HoldReason:       store.HoldPtr(models.HoldNone),
	}
	if err := e.store.UpdateItem(ctx, item.ID, update); err != nil {
		if errors.Is(err, store.ErrInvalidState) || errors.Is(err, store.ErrItemNotFound) {
			// The cached snapshot is behind the store; the next snapshot
			// carries the item's real state.
			log.Printf("%s start skipped item=%s: %v", trigger, item.ID, err)
			e.forget(item.ID)
			return item, fmt.Errorf("start item %s: %w", item.ID, err)
		}
		errorsTotal.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		log.Printf("%s start error item=%s room=%s: %v", trigger, item.ID, item.RoomKey(), err)
		e.notifier.Notify(ctx, notify.Notification{
			Title:    "Could not start service",
			Message:  err.Error(),
			Severity: notify.SeverityError,
			ItemID:   item.ID,
		})
		return item, fmt.Errorf("start item %s: %w", item.ID, err)
	}

	item.Status = models.StatusInService
	item.ServiceStartedAt = store.TimePtr(now)
	item.ServiceEndsAt = store.TimePtr(ends)
	item.HoldReason = models.HoldNone
	item.QueuePosition = 0
	e.replace(item)

	startsTotal.Add(1)
	log.Printf("%s start item=%s room=%s ends_at=%s", trigger, item.ID, item.RoomKey(), ends.Format(time.RFC3339))
	e.notifier.Notify(ctx, notify.Notification{
		Title:    "Service started",
		Message:  fmt.Sprintf("%s is now in service for %s.", item.CustomerName, item.ServiceName),
		Severity: notify.SeverityInfo,
		ItemID:   item.ID,
	})
	return item, nil
}

func (e *Engine) occupiedRooms() map[string]bool {
	rooms := make(map[string]bool)
	for _, item := range e.items {
		if item.InService() {
			rooms[item.RoomKey()] = true
		}
	}
	return rooms
}

// replace and forget keep the cached snapshot in line with writes this
// engine made, until the subscription delivers the stored state.
func (e *Engine) replace(updated models.QueueItem) {
	for i := range e.items {
		if e.items[i].ID == updated.ID {
			e.items[i] = updated
			return
		}
	}
}

func (e *Engine) forget(id string) {
	for i := range e.items {
		if e.items[i].ID == id {
			e.items = append(e.items[:i:i], e.items[i+1:]...)
			return
		}
	}
}

func (e *Engine) publish(now time.Time) {
	view := e.buildView(now)
	e.viewMu.Lock()
	e.view = view
	listeners := append([]func(View){}, e.listeners...)
	e.viewMu.Unlock()
	for _, fn := range listeners {
		fn(view)
	}
}

func (e *Engine) buildView(now time.Time) View {
	snap := queue.Order(e.items, e.cfg.AbsentPositionCap)
	view := View{
		Snapshot:  snap,
		Countdown: queue.Countdown(snap.Rooms, queue.KnownRooms(e.cfg.Rooms, e.items), now),
		UpdatedAt: now,
	}
	if e.subErr != nil {
		view.SubscriptionError = e.subErr.Error()
		var subErr *store.SubscriptionError
		if errors.As(e.subErr, &subErr) {
			view.Guidance = subErr.Guidance
		}
	}
	return view
}

func startsEarlier(a, b models.QueueItem) bool {
	if !a.ScheduledAt.Equal(*b.ScheduledAt) {
		return a.ScheduledAt.Before(*b.ScheduledAt)
	}
	if !a.SortTimestamp.Equal(b.SortTimestamp) {
		return a.SortTimestamp.Before(b.SortTimestamp)
	}
	return a.ID < b.ID
}
