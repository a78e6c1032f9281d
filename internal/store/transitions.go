package store

import "qms/clinic-queue/internal/models"

var transitionMap = map[string][]string{
	"call": {models.StatusWaiting},
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
