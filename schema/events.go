package schema

import "time"

// EventType classifies an event published on the bus.
type EventType string

const (
	// EventOutput carries one line of command output.
	EventOutput EventType = "output"
	// EventMarker announces the step about to run.
	EventMarker EventType = "marker"
	// EventDone marks a run that finished all of its steps.
	EventDone EventType = "done"
	// EventFailed marks a run that was aborted; Data holds the error text.
	EventFailed EventType = "failed"
	// EventClosed is emitted by a session when its subscription ends abnormally.
	EventClosed EventType = "closed"
)

// Terminal reports whether the type ends a run or a session.
func (t EventType) Terminal() bool {
	switch t {
	case EventDone, EventFailed, EventClosed:
		return true
	default:
		return false
	}
}

// RunID identifies one task invocation.
type RunID string

// Event is one message on the bus. Key names the logical stream (a resource
// name, or the fixed key of a global task).
type Event struct {
	Key   string    `json:"key"`
	Data  string    `json:"data"`
	Type  EventType `json:"type"`
	RunID RunID     `json:"run_id,omitempty"`
	Time  time.Time `json:"time"`
}
