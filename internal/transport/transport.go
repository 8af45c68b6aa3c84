// Package transport connects a session to a coordinator.
//
// Client speaks the JSON-array frame protocol over a websocket and
// reconnects on failure. Loopback is an in-process coordinator backed by
// the store, used for simulation and tests. Both hand inbound messages to
// a Sink and implement the session's outbox.
package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/ramlink/internal/protocol"
)

// ErrNotConnected is returned by Send while no coordinator is attached.
var ErrNotConnected = errors.New("transport: not connected")

// Sink receives inbound traffic. Calls arrive on transport goroutines and
// must return promptly.
type Sink interface {
	Deliver(msg protocol.Message)
	Disconnected(err error)
}

// RefusedError is returned when the coordinator rejects the slot. It ends
// the reconnect loop.
type RefusedError struct {
	Errors []string
}

func (e *RefusedError) Error() string {
	if len(e.Errors) == 0 {
		return "connection refused"
	}
	return fmt.Sprintf("connection refused: %s", strings.Join(e.Errors, ", "))
}

// IsRefused reports whether err is a RefusedError.
func IsRefused(err error) bool {
	var re *RefusedError
	return errors.As(err, &re)
}
