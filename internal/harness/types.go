package harness

import (
	"github.com/roach88/ramlink/internal/game"
)

// Trace event types.
const (
	EventSent       = "sent"
	EventSendFailed = "send_failed"
	EventReceived   = "received"
	EventClosed     = "disconnected"
	EventState      = "state"
	EventClassified = "classified"
	EventApplied    = "applied"
	EventChecked    = "checked"
)

// TraceEvent is one observable step of a simulated session: a message
// crossing the coordinator link or a controller decision.
type TraceEvent struct {
	Seq      int64  `json:"seq"`
	Type     string `json:"type"`
	Command  string `json:"command,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Index    int64  `json:"index,omitempty"`
	Item     string `json:"item,omitempty"`
	Category string `json:"category,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Location int64  `json:"location,omitempty"`
}

// Key is the short form used by trace_order and trace_count:
// "sent:Get", "state:normal", "classified:queued", "applied:ok", "checked".
func (e TraceEvent) Key() string {
	switch e.Type {
	case EventSent, EventSendFailed, EventReceived:
		return e.Type + ":" + e.Command
	case EventState:
		return e.Type + ":" + e.To
	case EventClassified, EventApplied:
		return e.Type + ":" + e.Outcome
	}
	return e.Type
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is false if any assertion failed.
	Pass bool `json:"pass"`

	// Trace holds every event in the order it happened.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	Errors []string `json:"errors,omitempty"`

	// Status is the controller snapshot after the last step. Nil if the
	// session never connected.
	Status *game.Status `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// add appends an event with the next sequence number.
func (r *Result) add(e TraceEvent) {
	e.Seq = int64(len(r.Trace)) + 1
	r.Trace = append(r.Trace, e)
}
