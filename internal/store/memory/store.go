// Package memory is an in-process QueueStore. It backs local runs without a
// database and the automation tests, and delivers subscription snapshots the
// same way the Postgres store does: a full ordered item set on every change.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"barbershop/queue-service/internal/models"
	"barbershop/queue-service/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu          sync.Mutex
	items       map[string]models.QueueItem
	visits      map[string]models.CompletedVisit
	loyalty     map[string]int
	subscribers map[int]*subscriber
	nextSubID   int
	failures    map[string]error
	now         func() time.Time
}

type subscriber struct {
	filter store.QueueFilter
	ch     chan store.SnapshotEvent
}

const (
	OpSubscribe   = "subscribe"
	OpGet         = "get"
	OpCreate      = "create"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpCreateVisit = "create_visit"
	OpAddLoyalty  = "add_loyalty"
)

func New() *Store {
	return &Store{
		items:       make(map[string]models.QueueItem),
		visits:      make(map[string]models.CompletedVisit),
		loyalty:     make(map[string]int),
		subscribers: make(map[int]*subscriber),
		failures:    make(map[string]error),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FailNext makes the next call of op return err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

// BreakSubscriptions delivers err to every open subscription and closes it.
func (s *Store) BreakSubscriptions(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subscribers {
		deliver(sub.ch, store.SnapshotEvent{Err: err})
		close(sub.ch)
		delete(s.subscribers, id)
	}
}

func (s *Store) SubscribeQueue(ctx context.Context, filter store.QueueFilter) (<-chan store.SnapshotEvent, error) {
	s.mu.Lock()
	if err := s.takeFailure(OpSubscribe); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	id := s.nextSubID
	s.nextSubID++
	sub := &subscriber{filter: filter, ch: make(chan store.SnapshotEvent, 1)}
	s.subscribers[id] = sub
	deliver(sub.ch, store.SnapshotEvent{Items: s.snapshotLocked(filter)})
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub.ch)
		}
	}()
	return sub.ch, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpGet); err != nil {
		return models.QueueItem{}, err
	}
	item, ok := s.items[id]
	if !ok {
		return models.QueueItem{}, store.ErrItemNotFound
	}
	return cloneItem(item), nil
}

func (s *Store) CreateItem(ctx context.Context, input store.CreateItemInput) (models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpCreate); err != nil {
		return models.QueueItem{}, err
	}
	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	status := input.Status
	if status == "" {
		status = models.StatusScheduled
	}
	item := models.QueueItem{
		ID:                       id,
		CustomerID:               input.CustomerID,
		CustomerName:             input.CustomerName,
		CustomerEmail:            input.CustomerEmail,
		CustomerPhone:            input.CustomerPhone,
		ServiceName:              input.ServiceName,
		ServiceCategory:          input.ServiceCategory,
		Room:                     input.Room,
		PriceCents:               input.PriceCents,
		Status:                   status,
		EstimatedDurationMinutes: input.EstimatedDurationMinutes,
		ScheduledAt:              input.ScheduledAt,
		Present:                  input.Present,
		SortTimestamp:            createdAt,
		AssignedStaffName:        input.AssignedStaffName,
		PaymentMethodLabel:       input.PaymentMethodLabel,
		PartialPayment:           input.PartialPayment,
		HoldReason:               models.HoldNone,
		CreatedAt:                createdAt,
		UpdatedAt:                createdAt,
	}
	s.items[id] = cloneItem(item)
	s.publishLocked()
	return item, nil
}

// Put stores item as-is, replacing any record with the same ID.
func (s *Store) Put(item models.QueueItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.HoldReason == "" {
		item.HoldReason = models.HoldNone
	}
	s.items[item.ID] = cloneItem(item)
	s.publishLocked()
}

func (s *Store) UpdateItem(ctx context.Context, id string, update store.ItemUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpUpdate); err != nil {
		return err
	}
	item, ok := s.items[id]
	if !ok {
		return store.ErrItemNotFound
	}
	if len(update.ExpectStatuses) > 0 && !matches(store.QueueFilter{Statuses: update.ExpectStatuses}, item.Status) {
		return store.ErrInvalidState
	}
	if update.Status != nil {
		item.Status = *update.Status
	}
	if update.ServiceStartedAt != nil {
		item.ServiceStartedAt = store.TimePtr(*update.ServiceStartedAt)
	}
	if update.ServiceEndsAt != nil {
		item.ServiceEndsAt = store.TimePtr(*update.ServiceEndsAt)
	}
	if update.ActualDurationMinutes != nil {
		item.ActualDurationMinutes = *update.ActualDurationMinutes
	}
	if update.Present != nil {
		item.Present = *update.Present
	}
	if update.HoldReason != nil {
		item.HoldReason = *update.HoldReason
	}
	if update.StatusNote != nil {
		item.StatusNote = *update.StatusNote
	}
	if update.PendingCut != nil {
		item.PendingCut = cloneCut(update.PendingCut)
	}
	if update.PendingDiscountCents != nil {
		item.PendingDiscountCents = *update.PendingDiscountCents
	}
	if update.PartialPaymentStatus != nil {
		if item.PartialPayment == nil {
			return store.ErrInvalidState
		}
		payment := *item.PartialPayment
		payment.Status = *update.PartialPaymentStatus
		item.PartialPayment = &payment
	}
	item.UpdatedAt = s.now()
	s.items[id] = item
	s.publishLocked()
	return nil
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpDelete); err != nil {
		return err
	}
	if _, ok := s.items[id]; !ok {
		return store.ErrItemNotFound
	}
	delete(s.items, id)
	s.publishLocked()
	return nil
}

func (s *Store) CreateCompletedVisit(ctx context.Context, visit models.CompletedVisit) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpCreateVisit); err != nil {
		return "", false, err
	}
	if existing, ok := s.visits[visit.SourceItemID]; ok {
		return existing.ID, false, nil
	}
	if visit.ID == "" {
		visit.ID = uuid.NewString()
	}
	visit.Cut = cloneCut(visit.Cut)
	s.visits[visit.SourceItemID] = visit
	return visit.ID, true, nil
}

func (s *Store) AddLoyaltyPoints(ctx context.Context, customerID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpAddLoyalty); err != nil {
		return 0, err
	}
	points := s.loyalty[customerID] + delta
	if points < 0 {
		points = 0
	}
	s.loyalty[customerID] = points
	return points, nil
}

func (s *Store) GetLoyaltyPoints(ctx context.Context, customerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loyalty[customerID], nil
}

// Visits returns every completed visit, oldest first.
func (s *Store) Visits() []models.CompletedVisit {
	s.mu.Lock()
	defer s.mu.Unlock()
	visits := make([]models.CompletedVisit, 0, len(s.visits))
	for _, visit := range s.visits {
		visits = append(visits, visit)
	}
	sort.Slice(visits, func(i, j int) bool {
		return visits[i].CompletedAt.Before(visits[j].CompletedAt)
	})
	return visits
}

func (s *Store) takeFailure(op string) error {
	err, ok := s.failures[op]
	if !ok {
		return nil
	}
	delete(s.failures, op)
	return err
}

func (s *Store) publishLocked() {
	for _, sub := range s.subscribers {
		deliver(sub.ch, store.SnapshotEvent{Items: s.snapshotLocked(sub.filter)})
	}
}

func (s *Store) snapshotLocked(filter store.QueueFilter) []models.QueueItem {
	items := make([]models.QueueItem, 0, len(s.items))
	for _, item := range s.items {
		if !matches(filter, item.Status) {
			continue
		}
		items = append(items, cloneItem(item))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Status != items[j].Status {
			return items[i].Status < items[j].Status
		}
		if !items[i].SortTimestamp.Equal(items[j].SortTimestamp) {
			return items[i].SortTimestamp.Before(items[j].SortTimestamp)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// deliver keeps only the newest event in a one-slot channel. Callers hold
// the store lock, so no other sender can fill the slot in between.
func deliver(ch chan store.SnapshotEvent, event store.SnapshotEvent) {
	select {
	case ch <- event:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- event
}

func matches(filter store.QueueFilter, status string) bool {
	if len(filter.Statuses) == 0 {
		return true
	}
	for _, allowed := range filter.Statuses {
		if allowed == status {
			return true
		}
	}
	return false
}

func cloneItem(item models.QueueItem) models.QueueItem {
	if item.ScheduledAt != nil {
		item.ScheduledAt = store.TimePtr(*item.ScheduledAt)
	}
	if item.ServiceStartedAt != nil {
		item.ServiceStartedAt = store.TimePtr(*item.ServiceStartedAt)
	}
	if item.ServiceEndsAt != nil {
		item.ServiceEndsAt = store.TimePtr(*item.ServiceEndsAt)
	}
	if item.PartialPayment != nil {
		payment := *item.PartialPayment
		item.PartialPayment = &payment
	}
	item.PendingCut = cloneCut(item.PendingCut)
	return item
}

func cloneCut(cut models.CutSpecification) models.CutSpecification {
	if cut == nil {
		return nil
	}
	out := make(models.CutSpecification, len(cut))
	for k, v := range cut {
		out[k] = v
	}
	return out
}
