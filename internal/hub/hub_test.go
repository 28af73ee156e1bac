package hub

import (
	"encoding/json"
	"testing"
	"time"

	"barbershop/queue-service/internal/automation"
	"barbershop/queue-service/internal/models"
	"barbershop/queue-service/internal/notify"
	"barbershop/queue-service/internal/queue"
)

func sampleView() automation.View {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ends := now.Add(10 * time.Minute)
	remaining := 600
	return automation.View{
		Snapshot: queue.Snapshot{
			Waiting: []models.QueueItem{
				{ID: "w1", Room: "chair-1", Status: models.StatusScheduled},
				{ID: "w2", Room: "chair-2", Status: models.StatusScheduled, QueuePosition: 1},
			},
			Rooms: map[string]models.QueueItem{
				"chair-1": {ID: "s1", Room: "chair-1", Status: models.StatusInService, ServiceEndsAt: &ends},
			},
		},
		Countdown: map[string]*int{"chair-1": &remaining, "chair-2": nil},
		UpdatedAt: now,
	}
}

func decode(t *testing.T, raw []byte) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestPublishViewRoutesBySubscription(t *testing.T) {
	h := New()
	all := &Client{ID: "all", Send: make(chan []byte, 4)}
	room := &Client{ID: "room", Send: make(chan []byte, 4), Subscription: Subscription{Room: "chair-1"}}
	h.Register(all)
	h.Register(room)
	defer h.Unregister(all)
	defer h.Unregister(room)

	h.PublishView(sampleView())

	if got := decode(t, <-all.Send); got.Type != "queue.view" {
		t.Fatalf("expected queue.view for unfiltered client, got %s", got.Type)
	}
	env := decode(t, <-room.Send)
	if env.Type != "queue.room" {
		t.Fatalf("expected queue.room, got %s", env.Type)
	}
	var rv RoomView
	if err := json.Unmarshal(env.Payload, &rv); err != nil {
		t.Fatalf("decode room view: %v", err)
	}
	if rv.Serving == nil || rv.Serving.ID != "s1" || len(rv.Waiting) != 1 || rv.Waiting[0].ID != "w1" {
		t.Fatalf("unexpected room view: %+v", rv)
	}
	if rv.Remaining == nil || *rv.Remaining != 600 {
		t.Fatalf("unexpected remaining: %v", rv.Remaining)
	}
	if len(all.Send) != 0 || len(room.Send) != 0 {
		t.Fatalf("clients received extra messages")
	}
}

func TestBuildRoomViewIdleRoom(t *testing.T) {
	rv := BuildRoomView(sampleView(), "chair-2")
	if rv.Serving != nil || rv.Remaining != nil {
		t.Fatalf("expected idle room, got %+v", rv)
	}
	if len(rv.Waiting) != 1 || rv.Waiting[0].ID != "w2" {
		t.Fatalf("unexpected waiting: %+v", rv.Waiting)
	}
}

func TestPublishNotificationReachesEveryone(t *testing.T) {
	h := New()
	a := &Client{ID: "a", Send: make(chan []byte, 1)}
	b := &Client{ID: "b", Send: make(chan []byte, 1), Subscription: Subscription{Room: "chair-9"}}
	h.Register(a)
	h.Register(b)

	h.PublishNotification(notify.Notification{Title: "Payment pending", Severity: notify.SeverityWarning})
	for _, c := range []*Client{a, b} {
		if env := decode(t, <-c.Send); env.Type != "notification" {
			t.Fatalf("client %s got %s", c.ID, env.Type)
		}
	}

	h.Unregister(a)
	h.Unregister(a)
	if _, ok := <-a.Send; ok {
		t.Fatalf("expected closed channel")
	}
}

func TestBroadcastDropsWhenClientIsSlow(t *testing.T) {
	h := New()
	c := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(c)
	h.BroadcastAll([]byte("1"))
	h.BroadcastAll([]byte("2"))
	if got := string(<-c.Send); got != "1" {
		t.Fatalf("expected first message kept, got %s", got)
	}
}

func TestParseSubscribe(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
		room string
	}{
		{"subscribe", `{"action":"subscribe","room":"chair-1"}`, true, "chair-1"},
		{"unsubscribe", `{"action":"unsubscribe"}`, true, ""},
		{"unknown action", `{"action":"dance"}`, false, ""},
		{"invalid json", `{`, false, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, ok := ParseSubscribe([]byte(tc.raw))
			if ok != tc.ok || msg.Room != tc.room {
				t.Fatalf("ParseSubscribe(%s)=%+v,%v", tc.raw, msg, ok)
			}
		})
	}
}
