package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"barbershop/queue-service/internal/models"
	"barbershop/queue-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan store.SnapshotEvent) store.SnapshotEvent {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}
	return store.SnapshotEvent{}
}

func TestSubscribeDeliversFilteredSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := New()

	ch, err := st.SubscribeQueue(ctx, store.QueueFilter{Statuses: models.LiveStatuses})
	require.NoError(t, err)
	assert.Empty(t, receive(t, ch).Items)

	created, err := st.CreateItem(ctx, store.CreateItemInput{CustomerID: "c1", ServiceName: "Corte", Room: "chair-1"})
	require.NoError(t, err)
	event := receive(t, ch)
	require.Len(t, event.Items, 1)
	assert.Equal(t, models.StatusScheduled, event.Items[0].Status)
	assert.Equal(t, models.HoldNone, event.Items[0].HoldReason)

	require.NoError(t, st.UpdateItem(ctx, created.ID, store.ItemUpdate{Status: store.StringPtr(models.StatusCompleted)}))
	assert.Empty(t, receive(t, ch).Items, "completed items fall out of the live filter")
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := New()
	ch, err := st.SubscribeQueue(ctx, store.QueueFilter{})
	require.NoError(t, err)
	receive(t, ch)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestBreakSubscriptionsDeliversError(t *testing.T) {
	st := New()
	ch, err := st.SubscribeQueue(context.Background(), store.QueueFilter{})
	require.NoError(t, err)

	broken := &store.SubscriptionError{Op: "queue_items", Err: errors.New("index missing"), Retryable: true}
	st.BreakSubscriptions(broken)

	event := receive(t, ch)
	assert.ErrorIs(t, event.Err, broken)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestCreateCompletedVisitIsIdempotentPerItem(t *testing.T) {
	st := New()
	ctx := context.Background()

	id, created, err := st.CreateCompletedVisit(ctx, models.CompletedVisit{SourceItemID: "item-1"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := st.CreateCompletedVisit(ctx, models.CompletedVisit{SourceItemID: "item-1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)
	assert.Len(t, st.Visits(), 1)
}

func TestLoyaltyAndFailureInjection(t *testing.T) {
	st := New()
	ctx := context.Background()

	points, err := st.AddLoyaltyPoints(ctx, "c1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, points)

	st.FailNext(OpAddLoyalty, errors.New("boom"))
	_, err = st.AddLoyaltyPoints(ctx, "c1", 1)
	require.Error(t, err)

	points, err = st.GetLoyaltyPoints(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, points)
}

func TestUpdateMissingItem(t *testing.T) {
	st := New()
	err := st.UpdateItem(context.Background(), "missing", store.ItemUpdate{Present: new(bool)})
	assert.ErrorIs(t, err, store.ErrItemNotFound)
	_, err = st.GetItem(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrItemNotFound)
}

func TestUpdateExpectStatusesGuardsWrite(t *testing.T) {
	st := New()
	ctx := context.Background()
	st.Put(models.QueueItem{ID: "a", Status: models.StatusInService, Room: "chair-1"})

	err := st.UpdateItem(ctx, "a", store.ItemUpdate{
		ExpectStatuses:   store.AllowedFrom("start"),
		Status:           store.StringPtr(models.StatusInService),
		ServiceStartedAt: store.TimePtr(time.Date(2026, 3, 2, 10, 20, 0, 0, time.UTC)),
	})
	assert.ErrorIs(t, err, store.ErrInvalidState)

	item, err := st.GetItem(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, item.ServiceStartedAt)

	require.NoError(t, st.UpdateItem(ctx, "a", store.ItemUpdate{
		ExpectStatuses: store.AllowedFrom("finalize"),
		StatusNote:     store.StringPtr("ok"),
	}))
}
