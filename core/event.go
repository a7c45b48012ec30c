package core

import (
	"time"

	"github.com/google/uuid"
)

// Event is a normalized, filtered security event consumed from the bus.
// Fields is the flat field map produced by the normalizer; keys may be
// dotted paths such as "event.category" or "source_ip".
type Event struct {
	EventID   string            `json:"event_id"`
	StreamID  string            `json:"stream_id"` // bus message id, used for acknowledgment
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields"`
}

// NewEvent creates an Event with a generated UUID and the current time.
func NewEvent() *Event {
	return &Event{
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Fields:    make(map[string]string),
	}
}

// Field returns the value of a named field. The second return is false
// when the field is absent, which predicate evaluation treats as no match.
func (e *Event) Field(name string) (string, bool) {
	if e == nil || e.Fields == nil {
		return "", false
	}
	v, ok := e.Fields[name]
	return v, ok
}
