package lifecycle

import "github.com/markus-barta/roomrelay/internal/store"

// allowedFrom lists, for each target status, the statuses it may be entered from.
// Transitions only move forward: pending → running → {exited|failed}.
// An execution that never started may still fail.
var allowedFrom = map[store.ExecutionStatus][]store.ExecutionStatus{
	store.StatusRunning: {store.StatusPending},
	store.StatusExited:  {store.StatusRunning},
	store.StatusFailed:  {store.StatusPending, store.StatusRunning},
}

// CanTransition reports whether an execution in status from may move to status to.
// Terminal statuses have no way out.
func CanTransition(from, to store.ExecutionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}
