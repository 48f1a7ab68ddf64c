package store

import "qms/ticket-service/internal/models"

const (
	ActionPullNext = "pull_next"
	ActionComplete = "complete"
	ActionExpire   = "expire"
)

type transition struct {
	from []string
	to   string
}

var transitionMap = map[string]transition{
	ActionPullNext: {from: []string{models.StatusWaiting}, to: models.StatusServing},
	ActionComplete: {from: []string{models.StatusServing}, to: models.StatusDone},
	ActionExpire:   {from: []string{models.StatusWaiting}, to: models.StatusExpired},
}

func ValidTransition(action, fromStatus string) bool {
	t, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range t.from {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus returns the status an action moves a ticket into.
func TargetStatus(action string) (string, bool) {
	t, ok := transitionMap[action]
	if !ok {
		return "", false
	}
	return t.to, true
}

func IsTerminal(status string) bool {
	return status == models.StatusDone || status == models.StatusExpired
}
