package hub

import (
	"encoding/json"
	"expvar"
	"log"
	"sort"
	"sync"
	"time"

	"barbershop/queue-service/internal/automation"
	"barbershop/queue-service/internal/models"
	"barbershop/queue-service/internal/notify"
)

var connectedClients = expvar.NewInt("ws_clients")

// Subscription selects what a client receives. An empty Room means the
// whole queue.
type Subscription struct {
	Room string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// RoomView is the slice of a queue view relevant to one room.
type RoomView struct {
	Room      string             `json:"room"`
	Serving   *models.QueueItem  `json:"serving,omitempty"`
	Waiting   []models.QueueItem `json:"waiting"`
	Remaining *int               `json:"remaining_seconds"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	connectedClients.Add(1)
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	connectedClients.Add(-1)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Subscription(client *Client) Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return client.Subscription
}

func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.Subscription != meta {
			continue
		}
		h.send(client, payload)
	}
}

func (h *Hub) BroadcastAll(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		h.send(client, payload)
	}
}

func (h *Hub) send(client *Client, payload []byte) {
	select {
	case client.Send <- payload:
	default:
		log.Printf("drop message for client %s", client.ID)
	}
}

// PublishView sends the whole view to unfiltered clients and a RoomView to
// every client watching a single room.
func (h *Hub) PublishView(view automation.View) {
	whole, err := EncodeView(view, Subscription{})
	if err != nil {
		log.Printf("encode view error: %v", err)
		return
	}
	h.Broadcast(whole, Subscription{})

	for _, room := range h.watchedRooms() {
		payload, err := EncodeView(view, Subscription{Room: room})
		if err != nil {
			log.Printf("encode room view error room=%s: %v", room, err)
			continue
		}
		h.Broadcast(payload, Subscription{Room: room})
	}
}

func (h *Hub) PublishNotification(n notify.Notification) {
	payload, err := Encode("notification", n, n.CreatedAt)
	if err != nil {
		log.Printf("encode notification error: %v", err)
		return
	}
	h.BroadcastAll(payload)
}

func (h *Hub) watchedRooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	var rooms []string
	for _, client := range h.clients {
		room := client.Subscription.Room
		if room == "" || seen[room] {
			continue
		}
		seen[room] = true
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

func BuildRoomView(view automation.View, room string) RoomView {
	out := RoomView{Room: room, Waiting: []models.QueueItem{}, UpdatedAt: view.UpdatedAt}
	if item, ok := view.Rooms[room]; ok {
		serving := item
		out.Serving = &serving
	}
	out.Remaining = view.Countdown[room]
	for _, item := range view.Waiting {
		if item.RoomKey() == room {
			out.Waiting = append(out.Waiting, item)
		}
	}
	return out
}

// EncodeView renders view the way a client with sub receives it.
func EncodeView(view automation.View, sub Subscription) ([]byte, error) {
	if sub.Room == "" {
		return Encode("queue.view", view, view.UpdatedAt)
	}
	return Encode("queue.room", BuildRoomView(view, sub.Room), view.UpdatedAt)
}

func Encode(eventType string, payload interface{}, at time.Time) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return json.Marshal(Envelope{Type: eventType, Payload: body, CreatedAt: at})
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
