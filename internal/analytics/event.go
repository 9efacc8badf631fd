// Package analytics records which patterns the gate disclosed.
//
// Emission is fire-and-forget: Emit never blocks the gate, a full queue
// drops the event, and publisher failures are logged and swallowed.
package analytics

import (
	"context"
	"time"
)

// EventType names an analytics event.
type EventType string

const (
	EventPatternDisclosed EventType = "pattern.disclosed"
	EventPatternFetched   EventType = "pattern.fetched"
)

// Event is one usage record.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	At         time.Time `json:"at"`
	Subject    string    `json:"subject,omitempty"`
	SessionRef string    `json:"sessionRef,omitempty"`
	// Task is scrubbed of secrets before it reaches a sink.
	Task     string   `json:"task,omitempty"`
	Patterns []string `json:"patterns"`
}

// Sink accepts events without blocking.
type Sink interface {
	Emit(e Event)
}

// Publisher delivers one event somewhere. Implementations may block.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Emit implements Sink.
func (Nop) Emit(Event) {}
