// Package progress tracks the validation node tree for a run and fans
// progress events out to observers without ever blocking the pipeline.
package progress

import (
	"time"

	"github.com/sells-group/provider-validation/internal/model"
)

// EventKind names the kind of a progress event.
type EventKind string

const (
	EventNodeCreated       EventKind = "node-created"
	EventNodeStatusChanged EventKind = "node-status-changed"
	EventRunProgress       EventKind = "run-progress"
	EventRunComplete       EventKind = "run-complete"
	EventRunError          EventKind = "run-error"
)

// Event is one observable change. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind       `json:"kind"`
	RunID   string          `json:"run_id,omitempty"`
	Node    *Node           `json:"node,omitempty"`
	Percent float64         `json:"percent,omitempty"`
	Stage   string          `json:"stage,omitempty"`
	Stats   *model.RunStats `json:"stats,omitempty"`
	Message string          `json:"message,omitempty"`
	At      time.Time       `json:"at"`
}

// Sink receives progress events. Emit must return promptly and must not
// fail the caller.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Emit forwards e to each sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}
