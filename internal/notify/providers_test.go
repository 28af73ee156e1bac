package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewSelectsProvider(t *testing.T) {
	cases := []struct {
		kind string
		opts Options
		want string
	}{
		{"", Options{}, "log"},
		{"noop", Options{}, "noop"},
		{"webhook", Options{}, "log"},
		{"webhook", Options{WebhookURL: "http://example.test/hook"}, "webhook"},
		{"https://example.test/hook", Options{}, "webhook"},
		{"carrier-pigeon", Options{}, "log"},
	}
	for _, tc := range cases {
		var got string
		switch New(tc.kind, tc.opts).(type) {
		case logProvider:
			got = "log"
		case noopProvider:
			got = "noop"
		case webhookProvider:
			got = "webhook"
		}
		if got != tc.want {
			t.Fatalf("New(%q)=%s, want %s", tc.kind, got, tc.want)
		}
	}
}

func TestWebhookProviderPostsNotification(t *testing.T) {
	var received Notification
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := New("webhook", Options{WebhookURL: srv.URL, WebhookToken: "secret"})
	p.Notify(context.Background(), Notification{Title: "Payment pending", Severity: SeverityWarning, ItemID: "item-1"})

	if received.Title != "Payment pending" || received.ItemID != "item-1" {
		t.Fatalf("unexpected payload: %+v", received)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected auth header: %q", auth)
	}
}

func TestWebhookProviderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := newWebhookProvider(srv.URL, "")
	if err := p.send(context.Background(), Notification{Title: "x"}); err == nil {
		t.Fatalf("expected rejection error")
	}
}

func TestFanoutStampsAndDelivers(t *testing.T) {
	first := &Recorder{}
	second := &Recorder{}
	Fanout{first, nil, second}.Notify(context.Background(), Notification{Title: "Visit completed"})

	if first.Count("Visit completed") != 1 || second.Count("Visit completed") != 1 {
		t.Fatalf("expected delivery to both recorders")
	}
	if first.All()[0].CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be stamped")
	}
}
