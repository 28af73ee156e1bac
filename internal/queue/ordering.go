package queue

import (
	"sort"

	"barbershop/queue-service/internal/models"
)

// DefaultAbsentPositionCap is the highest position an absent customer is
// shown at.
const DefaultAbsentPositionCap = 3

// Snapshot is one ordered view of the live queue.
type Snapshot struct {
	Waiting   []models.QueueItem          `json:"waiting"`
	Serving   *models.QueueItem           `json:"serving,omitempty"`
	Rooms     map[string]models.QueueItem `json:"rooms"`
	Conflicts []RoomConflict              `json:"conflicts,omitempty"`
}

// RoomConflict lists the items found in service together in one room.
type RoomConflict struct {
	Room    string   `json:"room"`
	ItemIDs []string `json:"item_ids"`
}

// Order splits items into waiting and serving sets and assigns queue
// positions. Present customers come first, each group keeps arrival order,
// and absent customers never get a position above absentCap. A cap <= 0
// disables clamping.
func Order(items []models.QueueItem, absentCap int) Snapshot {
	snap := Snapshot{Rooms: make(map[string]models.QueueItem)}
	var serving []models.QueueItem
	for _, item := range items {
		switch {
		case item.InService():
			serving = append(serving, item)
		case item.Waiting():
			snap.Waiting = append(snap.Waiting, item)
		}
	}

	sort.SliceStable(snap.Waiting, func(i, j int) bool {
		a, b := snap.Waiting[i], snap.Waiting[j]
		if a.Present != b.Present {
			return a.Present
		}
		return a.SortTimestamp.Before(b.SortTimestamp)
	})
	for i := range snap.Waiting {
		position := i
		if !snap.Waiting[i].Present && absentCap > 0 && position > absentCap {
			position = absentCap
		}
		snap.Waiting[i].QueuePosition = position
	}

	sort.SliceStable(serving, func(i, j int) bool {
		return startedBefore(serving[i], serving[j])
	})
	conflicts := make(map[string][]string)
	var rooms []string
	for _, item := range serving {
		room := item.RoomKey()
		if held, ok := snap.Rooms[room]; ok {
			if len(conflicts[room]) == 0 {
				conflicts[room] = []string{held.ID}
				rooms = append(rooms, room)
			}
			conflicts[room] = append(conflicts[room], item.ID)
			continue
		}
		snap.Rooms[room] = item
	}
	for _, room := range rooms {
		snap.Conflicts = append(snap.Conflicts, RoomConflict{Room: room, ItemIDs: conflicts[room]})
	}
	if len(serving) > 0 {
		primary := serving[0]
		snap.Serving = &primary
	}
	return snap
}

func startedBefore(a, b models.QueueItem) bool {
	switch {
	case a.ServiceStartedAt == nil && b.ServiceStartedAt == nil:
		return false
	case a.ServiceStartedAt == nil:
		return false
	case b.ServiceStartedAt == nil:
		return true
	}
	return a.ServiceStartedAt.Before(*b.ServiceStartedAt)
}
