package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"barbershop/queue-service/internal/models"
	"barbershop/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestItemLifecycle(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	created := createItem(t, ctx, st, models.StatusConfirmed, &models.PartialPayment{Method: "pix", Status: models.PaymentPending, AmountCents: 2000})
	if created.HoldReason != models.HoldNone {
		t.Fatalf("expected hold none, got %q", created.HoldReason)
	}

	startedAt := time.Now().UTC().Truncate(time.Millisecond)
	err := st.UpdateItem(ctx, created.ID, store.ItemUpdate{
		Status:           store.StringPtr(models.StatusInService),
		ServiceStartedAt: store.TimePtr(startedAt),
		PendingCut:       models.CutSpecification{"top": "2cm"},
	})
	if err != nil {
		t.Fatalf("update item: %v", err)
	}
	if err := st.UpdateItem(ctx, created.ID, store.ItemUpdate{PartialPaymentStatus: store.StringPtr(models.PaymentPaid)}); err != nil {
		t.Fatalf("settle payment: %v", err)
	}

	got, err := st.GetItem(ctx, created.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Status != models.StatusInService || got.ServiceStartedAt == nil || !got.ServiceStartedAt.Equal(startedAt) {
		t.Fatalf("unexpected item after update: %+v", got)
	}
	if got.PartialPayment == nil || got.PartialPayment.Status != models.PaymentPaid || got.PartialPayment.Method != "pix" {
		t.Fatalf("unexpected partial payment: %+v", got.PartialPayment)
	}
	if got.PendingCut["top"] != "2cm" {
		t.Fatalf("unexpected pending cut: %v", got.PendingCut)
	}

	if err := st.DeleteItem(ctx, created.ID); err != nil {
		t.Fatalf("delete item: %v", err)
	}
	if err := st.DeleteItem(ctx, created.ID); !errors.Is(err, store.ErrItemNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestUpdatePaymentWithoutPartialPayment(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	created := createItem(t, ctx, st, models.StatusScheduled, nil)
	err := st.UpdateItem(ctx, created.ID, store.ItemUpdate{PartialPaymentStatus: store.StringPtr(models.PaymentPaid)})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	err = st.UpdateItem(ctx, uuid.NewString(), store.ItemUpdate{Status: store.StringPtr(models.StatusInService)})
	if !errors.Is(err, store.ErrItemNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateExpectStatusesGuardsWrite(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	created := createItem(t, ctx, st, models.StatusInService, nil)
	started := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	err := st.UpdateItem(ctx, created.ID, store.ItemUpdate{
		ExpectStatuses:   store.AllowedFrom("start"),
		Status:           store.StringPtr(models.StatusInService),
		ServiceStartedAt: store.TimePtr(started),
	})
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	got, err := st.GetItem(ctx, created.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.ServiceStartedAt != nil {
		t.Fatalf("expected guarded write to leave item untouched, got %v", got.ServiceStartedAt)
	}

	err = st.UpdateItem(ctx, created.ID, store.ItemUpdate{
		ExpectStatuses: store.AllowedFrom("finalize"),
		StatusNote:     store.StringPtr("checked"),
	})
	if err != nil {
		t.Fatalf("expected matching status to apply, got %v", err)
	}
}

func TestCompletedVisitIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	item := createItem(t, ctx, st, models.StatusInService, nil)
	visit := models.CompletedVisit{
		SourceItemID:    item.ID,
		CustomerID:      item.CustomerID,
		Item:            item,
		CompletedAt:     time.Now().UTC(),
		AmountPaidCents: item.PriceCents,
	}
	firstID, created, err := st.CreateCompletedVisit(ctx, visit)
	if err != nil || !created {
		t.Fatalf("expected first visit created, got created=%v err=%v", created, err)
	}
	secondID, created, err := st.CreateCompletedVisit(ctx, visit)
	if err != nil || created {
		t.Fatalf("expected duplicate visit ignored, got created=%v err=%v", created, err)
	}
	if firstID != secondID {
		t.Fatalf("expected same visit ID, got %s and %s", firstID, secondID)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM completed_visits WHERE source_item_id = $1`, item.ID).Scan(&count); err != nil {
		t.Fatalf("count visits: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 visit, got %d", count)
	}
}

func TestAddLoyaltyPointsConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	customerID := uuid.NewString()
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.AddLoyaltyPoints(ctx, customerID, 1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("add loyalty points: %v", err)
	}

	points, err := st.GetLoyaltyPoints(ctx, customerID)
	if err != nil {
		t.Fatalf("get loyalty points: %v", err)
	}
	if points != 10 {
		t.Fatalf("expected 10 points, got %d", points)
	}
}

func TestSubscribeQueueDeliversChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	events, err := st.SubscribeQueue(ctx, store.QueueFilter{Statuses: models.LiveStatuses})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	first := nextEvent(t, events)
	if len(first.Items) != 0 {
		t.Fatalf("expected empty snapshot, got %d items", len(first.Items))
	}

	created := createItem(t, ctx, st, models.StatusScheduled, nil)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("subscription closed early")
			}
			if event.Err != nil {
				t.Fatalf("subscription error: %v", event.Err)
			}
			if len(event.Items) == 1 && event.Items[0].ID == created.ID {
				cancel()
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot with %s", created.ID)
		}
	}
}

func nextEvent(t *testing.T, events <-chan store.SnapshotEvent) store.SnapshotEvent {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatalf("subscription closed")
		}
		if event.Err != nil {
			t.Fatalf("subscription error: %v", event.Err)
		}
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return store.SnapshotEvent{}
}

func createItem(t *testing.T, ctx context.Context, st *Store, status string, payment *models.PartialPayment) models.QueueItem {
	t.Helper()
	item, err := st.CreateItem(ctx, store.CreateItemInput{
		CustomerID:               uuid.NewString(),
		CustomerName:             "Ana",
		ServiceName:              "Fade",
		Room:                     "chair-1",
		PriceCents:               5000,
		Status:                   status,
		EstimatedDurationMinutes: 30,
		PartialPayment:           payment,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return item
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
