package engine

import (
	"flowmatic.io/apperr"
)

// Event is a state-machine input.
type Event string

const (
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventCancel   Event = "cancel"
	EventPause    Event = "pause"
	EventResume   Event = "resume"
)

// Transition is the pure execution state machine: given the current status
// and an event it returns the next status, or a conflict error for an
// invalid transition. Persistence happens separately in the store, which
// keeps these invariants testable without a database.
func Transition(current Status, event Event) (Status, error) {
	switch event {
	case EventStart:
		if current == StatusPending {
			return StatusRunning, nil
		}
	case EventComplete:
		if current == StatusRunning {
			return StatusCompleted, nil
		}
	case EventFail:
		if current == StatusRunning || current == StatusPaused {
			return StatusFailed, nil
		}
	case EventPause:
		if current == StatusRunning {
			return StatusPaused, nil
		}
	case EventResume:
		if current == StatusPaused {
			return StatusRunning, nil
		}
	case EventCancel:
		switch current {
		case StatusPending, StatusRunning, StatusPaused:
			return StatusCancelled, nil
		}
	}
	return current, apperr.Conflict("cannot %s an execution in status %s", event, current)
}
