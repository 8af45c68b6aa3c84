package testutil

import (
	"context"
	"errors"

	"github.com/roach88/ramlink/internal/protocol"
)

// ErrOffline is returned by Outbox.Send while Fail is set.
var ErrOffline = errors.New("offline")

// Outbox records outgoing messages instead of sending them.
type Outbox struct {
	Msgs []protocol.Message
	Fail bool
}

// Send records msgs, or fails with ErrOffline while Fail is set.
func (o *Outbox) Send(_ context.Context, msgs ...protocol.Message) error {
	if o.Fail {
		return ErrOffline
	}
	o.Msgs = append(o.Msgs, msgs...)
	return nil
}

// Checked returns every location reported so far, in order.
func (o *Outbox) Checked() []int64 {
	var ids []int64
	for _, lc := range Sent[protocol.LocationChecks](o) {
		ids = append(ids, lc.Locations...)
	}
	return ids
}

// Sent returns the recorded messages of type T.
func Sent[T protocol.Message](o *Outbox) []T {
	var out []T
	for _, m := range o.Msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
