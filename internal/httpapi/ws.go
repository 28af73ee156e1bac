package httpapi

import (
	"log"
	"net/http"
	"strings"
	"time"

	"barbershop/queue-service/internal/hub"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1024
	sendBuffer     = 16
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if len(allowed) == 0 || origin == "" {
				return true
			}
			return allowed[origin]
		},
	}
}

// handleWebsocket streams queue views. ?room=<name> narrows the stream to one
// room; clients can switch later with {"action":"subscribe","room":"..."}.
func (h *Handler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	client := &hub.Client{
		ID:           uuid.NewString(),
		Send:         make(chan []byte, sendBuffer),
		Subscription: hub.Subscription{Room: strings.TrimSpace(r.URL.Query().Get("room"))},
	}
	if payload, err := hub.EncodeView(h.engine.View(), client.Subscription); err == nil {
		client.Send <- payload
	}
	h.hub.Register(client)
	log.Printf("websocket connected client=%s room=%s", client.ID, client.Subscription.Room)

	go h.writeLoop(conn, client)
	h.readLoop(conn, client)

	h.hub.Unregister(client)
	log.Printf("websocket disconnected client=%s", client.ID)
}

// writeLoop is the only writer on conn. It exits when the hub closes the
// client's send channel or a write fails.
func (h *Handler) writeLoop(conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case payload, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readLoop(conn *websocket.Conn, client *hub.Client) {
	pongWait := 2 * h.pingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read error client=%s: %v", client.ID, err)
			}
			return
		}

		msg, ok := hub.ParseSubscribe(data)
		if !ok {
			h.push(client, "error", map[string]string{"message": "expected subscribe or unsubscribe"})
			continue
		}
		sub := hub.Subscription{}
		if msg.Action == "subscribe" {
			sub.Room = strings.TrimSpace(msg.Room)
		}
		h.hub.UpdateSubscription(client, sub)

		payload, err := hub.EncodeView(h.engine.View(), sub)
		if err != nil {
			log.Printf("encode view error client=%s: %v", client.ID, err)
			continue
		}
		pushRaw(client, payload)
	}
}

func (h *Handler) push(client *hub.Client, eventType string, payload interface{}) {
	data, err := hub.Encode(eventType, payload, time.Time{})
	if err != nil {
		return
	}
	pushRaw(client, data)
}

// pushRaw queues data without blocking the read loop. The send channel is
// closed only after the read loop has returned.
func pushRaw(client *hub.Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		log.Printf("drop message for client %s", client.ID)
	}
}
