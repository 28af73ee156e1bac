package store

import "barbershop/queue-service/internal/models"

var transitionMap = map[string][]string{
	"start":      {models.StatusScheduled, models.StatusConfirmed},
	"checkin":    {models.StatusScheduled, models.StatusConfirmed, models.StatusInService},
	"record_cut": {models.StatusInService},
	"hold":       {models.StatusInService},
	"finalize":   {models.StatusInService},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom lists the statuses action may start from.
func AllowedFrom(action string) []string {
	return append([]string(nil), transitionMap[action]...)
}
