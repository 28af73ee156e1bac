package queue

import (
	"time"

	"barbershop/queue-service/internal/models"
)

// Countdown maps every known room to the whole seconds left for the item it
// is serving, or nil when the room is idle. Remaining time never drops
// below zero.
func Countdown(rooms map[string]models.QueueItem, known []string, now time.Time) map[string]*int {
	out := make(map[string]*int, len(rooms)+len(known))
	for _, room := range known {
		out[room] = nil
	}
	for room, item := range rooms {
		out[room] = remaining(item, now)
	}
	return out
}

func remaining(item models.QueueItem, now time.Time) *int {
	if item.ServiceEndsAt == nil {
		return nil
	}
	left := item.ServiceEndsAt.Sub(now)
	seconds := 0
	if left > 0 {
		seconds = int(left / time.Second)
	}
	return &seconds
}

// KnownRooms collects the rooms of every item plus the configured rooms,
// without duplicates.
func KnownRooms(configured []string, items []models.QueueItem) []string {
	seen := make(map[string]bool)
	var rooms []string
	add := func(room string) {
		if room == "" || seen[room] {
			return
		}
		seen[room] = true
		rooms = append(rooms, room)
	}
	for _, room := range configured {
		add(room)
	}
	for _, item := range items {
		add(item.RoomKey())
	}
	return rooms
}
