package engine

import (
	"time"

	"github.com/phantom-sec/phantom/internal/domain"
)

// State is the lifecycle position of one execution.
type State string

const (
	StatePending      State = "pending"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateTimedOut     State = "timed_out"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

func stateFor(st domain.Status) State {
	switch st {
	case domain.StatusSuccess:
		return StateCompleted
	case domain.StatusTimedOut:
		return StateTimedOut
	case domain.StatusCancelled:
		return StateCancelled
	default:
		return StateFailed
	}
}

// Execution describes an in-flight request.
type Execution struct {
	ID        string        `json:"id"`
	PluginID  string        `json:"plugin_id"`
	Target    string        `json:"target"`
	State     State         `json:"state"`
	Cost      int64         `json:"cost"`
	Submitted time.Time     `json:"submitted_at"`
	Started   time.Time     `json:"started_at,omitzero"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Stats is a point-in-time view of engine load.
type Stats struct {
	Capacity  int64 `json:"capacity"`
	InUse     int64 `json:"in_use"`
	InFlight  int   `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
