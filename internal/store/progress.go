package store

// EventType is the kind of progress event emitted to a session's feed.
type EventType string

const (
	EventProgress EventType = "progress"
	EventMessage  EventType = "message"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one entry on a session's progress feed.
type Event struct {
	Type EventType      `json:"event"`
	Data map[string]any `json:"data,omitempty"`
}

// Progress delivers events to whoever is observing a session's long-running
// operations. Publish must never block: a consumer may disconnect at any
// time without affecting the operation in flight.
type Progress interface {
	Publish(sessionID string, ev Event)
}

// NopProgress discards all events. Use in tests.
type NopProgress struct{}

func (NopProgress) Publish(string, Event) {}
