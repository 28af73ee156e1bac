package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"barbershop/queue-service/internal/models"
	"barbershop/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NotifyChannel is the LISTEN channel fed by the queue_items trigger.
const NotifyChannel = "queue_items_changed"

const itemColumns = `
	id, customer_id, customer_name, customer_email, customer_phone, service_name, service_category, room,
	price_cents, status, estimated_duration_minutes, actual_duration_minutes, scheduled_at, service_started_at,
	service_ends_at, present, sort_timestamp, assigned_staff_name, payment_method_label, partial_payment,
	hold_reason, status_note, pending_cut, pending_discount_cents, created_at, updated_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SubscribeQueue holds one pooled connection for the life of the
// subscription. Every NOTIFY on NotifyChannel triggers a full re-read, so a
// burst of writes collapses into the snapshots the reader keeps up with.
func (s *Store) SubscribeQueue(ctx context.Context, filter store.QueueFilter) (<-chan store.SnapshotEvent, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, subscriptionError("connect", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, subscriptionError("listen", err)
	}
	items, err := listItems(ctx, conn, filter)
	if err != nil {
		releaseListener(conn)
		return nil, subscriptionError("snapshot", err)
	}

	ch := make(chan store.SnapshotEvent, 1)
	ch <- store.SnapshotEvent{Items: items}

	go func() {
		defer close(ch)
		defer releaseListener(conn)
		for {
			if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
				if ctx.Err() == nil {
					latest(ch, store.SnapshotEvent{Err: subscriptionError("wait", err)})
				}
				return
			}
			items, err := listItems(ctx, conn, filter)
			if err != nil {
				if ctx.Err() == nil {
					latest(ch, store.SnapshotEvent{Err: subscriptionError("snapshot", err)})
				}
				return
			}
			latest(ch, store.SnapshotEvent{Items: items})
		}
	}()
	return ch, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (models.QueueItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueItem{}, store.ErrItemNotFound
		}
		return models.QueueItem{}, err
	}
	return item, nil
}

func (s *Store) CreateItem(ctx context.Context, input store.CreateItemInput) (models.QueueItem, error) {
	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := input.Status
	if status == "" {
		status = models.StatusScheduled
	}
	payment, err := jsonOrNull(input.PartialPayment)
	if err != nil {
		return models.QueueItem{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO queue_items (
			id, customer_id, customer_name, customer_email, customer_phone, service_name, service_category, room,
			price_cents, status, estimated_duration_minutes, scheduled_at, present, sort_timestamp,
			assigned_staff_name, payment_method_label, partial_payment, hold_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$14,$14)
		RETURNING `+itemColumns,
		id, input.CustomerID, input.CustomerName, input.CustomerEmail, input.CustomerPhone, input.ServiceName,
		input.ServiceCategory, input.Room, input.PriceCents, status, input.EstimatedDurationMinutes,
		input.ScheduledAt, input.Present, createdAt, input.AssignedStaffName, input.PaymentMethodLabel,
		payment, string(models.HoldNone))
	return scanItem(row)
}

func (s *Store) UpdateItem(ctx context.Context, id string, update store.ItemUpdate) error {
	sets, args, err := buildUpdate(update)
	if err != nil {
		return err
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE queue_items SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	if len(update.ExpectStatuses) > 0 {
		args = append(args, update.ExpectStatuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if update.PartialPaymentStatus != nil {
		query += " AND partial_payment IS NOT NULL"
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetItem(ctx, id); err != nil {
			return err
		}
		return store.ErrInvalidState
	}
	return nil
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue_items WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrItemNotFound
	}
	return nil
}

// CreateCompletedVisit inserts at most one visit per source item. A repeated
// call returns the existing visit ID with created=false.
func (s *Store) CreateCompletedVisit(ctx context.Context, visit models.CompletedVisit) (string, bool, error) {
	if visit.ID == "" {
		visit.ID = uuid.NewString()
	}
	item, err := json.Marshal(visit.Item)
	if err != nil {
		return "", false, err
	}
	cut, err := jsonOrNull(visit.Cut)
	if err != nil {
		return "", false, err
	}

	var id string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO completed_visits (
			id, source_item_id, customer_id, item, completed_at, cut_specification, discount_cents,
			amount_paid_cents, rating, remaining_payment_method, remaining_payment_id, remaining_payment_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (source_item_id) DO NOTHING
		RETURNING id
	`, visit.ID, visit.SourceItemID, visit.CustomerID, item, visit.CompletedAt, cut, visit.DiscountCents,
		visit.AmountPaidCents, visit.Rating, visit.RemainingPaymentMethod, visit.RemainingPaymentID,
		visit.RemainingPaymentStatus).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, err
	}
	if err := s.pool.QueryRow(ctx, `
		SELECT id FROM completed_visits WHERE source_item_id = $1
	`, visit.SourceItemID).Scan(&id); err != nil {
		return "", false, err
	}
	return id, false, nil
}

// AddLoyaltyPoints increments in a single statement, so concurrent
// finalizations for the same customer never lose an update.
func (s *Store) AddLoyaltyPoints(ctx context.Context, customerID string, delta int) (int, error) {
	var points int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO customer_loyalty (customer_id, points, updated_at)
		VALUES ($1, GREATEST($2::int, 0), now())
		ON CONFLICT (customer_id) DO UPDATE
		SET points = GREATEST(customer_loyalty.points + $2::int, 0), updated_at = now()
		RETURNING points
	`, customerID, delta).Scan(&points)
	return points, err
}

func (s *Store) GetLoyaltyPoints(ctx context.Context, customerID string) (int, error) {
	var points int
	err := s.pool.QueryRow(ctx, `
		SELECT points FROM customer_loyalty WHERE customer_id = $1
	`, customerID).Scan(&points)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return points, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listItems(ctx context.Context, q querier, filter store.QueueFilter) ([]models.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items`
	var args []any
	if len(filter.Statuses) > 0 {
		query += " WHERE status = ANY($1)"
		args = append(args, filter.Statuses)
	}
	query += " ORDER BY status ASC, sort_timestamp ASC, id ASC"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []models.QueueItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func scanItem(row pgx.Row) (models.QueueItem, error) {
	var item models.QueueItem
	var scheduledAt, startedAt, endsAt sql.NullTime
	var payment, cut []byte
	var hold string
	err := row.Scan(
		&item.ID, &item.CustomerID, &item.CustomerName, &item.CustomerEmail, &item.CustomerPhone,
		&item.ServiceName, &item.ServiceCategory, &item.Room, &item.PriceCents, &item.Status,
		&item.EstimatedDurationMinutes, &item.ActualDurationMinutes, &scheduledAt, &startedAt, &endsAt,
		&item.Present, &item.SortTimestamp, &item.AssignedStaffName, &item.PaymentMethodLabel, &payment,
		&hold, &item.StatusNote, &cut, &item.PendingDiscountCents, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return models.QueueItem{}, err
	}
	item.ScheduledAt = nullTimePtr(scheduledAt)
	item.ServiceStartedAt = nullTimePtr(startedAt)
	item.ServiceEndsAt = nullTimePtr(endsAt)
	item.HoldReason = models.HoldReason(hold)
	if len(payment) > 0 {
		var p models.PartialPayment
		if err := json.Unmarshal(payment, &p); err != nil {
			return models.QueueItem{}, fmt.Errorf("decode partial_payment for %s: %w", item.ID, err)
		}
		item.PartialPayment = &p
	}
	if len(cut) > 0 {
		if err := json.Unmarshal(cut, &item.PendingCut); err != nil {
			return models.QueueItem{}, fmt.Errorf("decode pending_cut for %s: %w", item.ID, err)
		}
	}
	return item, nil
}

// buildUpdate turns the non-nil fields of update into SET clauses with
// positional arguments starting at $1.
func buildUpdate(update store.ItemUpdate) ([]string, []any, error) {
	var sets []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(clause, len(args)))
	}
	if update.Status != nil {
		add("status = $%d", *update.Status)
	}
	if update.ServiceStartedAt != nil {
		add("service_started_at = $%d", *update.ServiceStartedAt)
	}
	if update.ServiceEndsAt != nil {
		add("service_ends_at = $%d", *update.ServiceEndsAt)
	}
	if update.ActualDurationMinutes != nil {
		add("actual_duration_minutes = $%d", *update.ActualDurationMinutes)
	}
	if update.Present != nil {
		add("present = $%d", *update.Present)
	}
	if update.HoldReason != nil {
		add("hold_reason = $%d", string(*update.HoldReason))
	}
	if update.StatusNote != nil {
		add("status_note = $%d", *update.StatusNote)
	}
	if update.PendingCut != nil {
		cut, err := json.Marshal(update.PendingCut)
		if err != nil {
			return nil, nil, err
		}
		add("pending_cut = $%d", cut)
	}
	if update.PendingDiscountCents != nil {
		add("pending_discount_cents = $%d", *update.PendingDiscountCents)
	}
	if update.PartialPaymentStatus != nil {
		add("partial_payment = jsonb_set(partial_payment, '{status}', to_jsonb($%d::text))", *update.PartialPaymentStatus)
	}
	sets = append(sets, "updated_at = now()")
	return sets, args, nil
}

// latest replaces an unread event with the newer one. The subscription
// goroutine is the only sender.
func latest(ch chan store.SnapshotEvent, event store.SnapshotEvent) {
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

func releaseListener(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		log.Printf("unlisten error: %v", err)
		_ = conn.Conn().Close(ctx)
	}
	conn.Release()
}

func jsonOrNull(value any) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *models.PartialPayment:
		if v == nil {
			return nil, nil
		}
	case models.CutSpecification:
		if v == nil {
			return nil, nil
		}
	}
	return json.Marshal(value)
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
