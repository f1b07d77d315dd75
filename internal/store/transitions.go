package store

import "github.com/Ali5Raza/queue-management-system/internal/models"

var transitionMap = map[string][]string{
	"call":     {models.StatusWaiting},
	"complete": {models.StatusCalled},
}

// ValidTransition reports whether action may be applied to a token in
// fromStatus. The lifecycle is strictly waiting -> called -> completed.
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
