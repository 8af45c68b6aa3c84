package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/ramlink/internal/protocol"
	"github.com/roach88/ramlink/internal/store"
)

// Loopback is an in-process coordinator for one slot. Data storage, the
// item stream and reported checks live in a store, so a second Loopback
// over the same store sees the first one's state.
//
// Replies are delivered to the sink synchronously from Send.
type Loopback struct {
	store      *store.Store
	sink       Sink
	seed       string
	team       int
	slot       int
	slotData   protocol.SlotData
	placements map[int64]protocol.NetworkItem

	mu        sync.Mutex
	connected bool
	status    int
	bounces   []protocol.Bounce
	sent      []protocol.Message
}

// LoopbackOption configures a Loopback.
type LoopbackOption func(*Loopback)

// WithSlot sets the team and slot announced on connect.
func WithSlot(team, slot int) LoopbackOption {
	return func(l *Loopback) { l.team, l.slot = team, slot }
}

// WithSlotData sets the options announced on connect.
func WithSlotData(sd protocol.SlotData) LoopbackOption {
	return func(l *Loopback) { l.slotData = sd }
}

// WithSeed sets the seed name announced in room info.
func WithSeed(seed string) LoopbackOption {
	return func(l *Loopback) { l.seed = seed }
}

// WithPlacements maps locations to the item the slot receives when that
// location is first checked.
func WithPlacements(p map[int64]protocol.NetworkItem) LoopbackOption {
	return func(l *Loopback) { l.placements = p }
}

// NewLoopback creates a disconnected loopback coordinator.
func NewLoopback(st *store.Store, sink Sink, opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		store: st,
		sink:  sink,
		seed:  "loopback",
		slot:  1,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open connects the slot: room info, Connected with the known checks, then
// the full item stream.
func (l *Loopback) Open(ctx context.Context) error {
	checked, err := l.store.Checks(ctx)
	if err != nil {
		return fmt.Errorf("loopback open: %w", err)
	}
	items, err := l.store.Items(ctx, 0)
	if err != nil {
		return fmt.Errorf("loopback open: %w", err)
	}

	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()

	l.sink.Deliver(protocol.RoomInfo{SeedName: l.seed})
	l.sink.Deliver(protocol.Connected{
		Team:             l.team,
		Slot:             l.slot,
		SlotData:         l.slotData,
		CheckedLocations: checked,
	})
	if len(items) > 0 {
		l.sink.Deliver(protocol.ReceivedItems{Index: 0, Items: items})
	}
	slog.Debug("loopback opened", "seed", l.seed, "slot", l.slot, "items", len(items), "checked", len(checked))
	return nil
}

// Close disconnects the slot.
func (l *Loopback) Close() {
	l.mu.Lock()
	was := l.connected
	l.connected = false
	l.mu.Unlock()
	if was {
		l.sink.Disconnected(nil)
	}
}

// Give appends items to the stream and delivers them if connected.
func (l *Loopback) Give(ctx context.Context, items ...protocol.NetworkItem) error {
	before, err := l.store.AppendItems(ctx, items)
	if err != nil {
		return fmt.Errorf("loopback give: %w", err)
	}
	if l.isConnected() {
		l.sink.Deliver(protocol.ReceivedItems{Index: before, Items: items})
	}
	return nil
}

// Signal delivers a peer signal.
func (l *Loopback) Signal(b protocol.Bounced) {
	if l.isConnected() {
		l.sink.Deliver(b)
	}
}

// Send handles client messages as a coordinator would.
func (l *Loopback) Send(ctx context.Context, msgs ...protocol.Message) error {
	if !l.isConnected() {
		return ErrNotConnected
	}
	for _, m := range msgs {
		l.mu.Lock()
		l.sent = append(l.sent, m)
		l.mu.Unlock()

		if err := l.handle(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loopback) handle(ctx context.Context, m protocol.Message) error {
	switch msg := m.(type) {
	case protocol.Get:
		keys, err := l.store.Get(ctx, msg.Keys)
		if err != nil {
			return fmt.Errorf("loopback get: %w", err)
		}
		l.sink.Deliver(protocol.Retrieved{Keys: keys})
	case protocol.Set:
		return l.set(ctx, msg)
	case protocol.Sync:
		items, err := l.store.Items(ctx, 0)
		if err != nil {
			return fmt.Errorf("loopback sync: %w", err)
		}
		l.sink.Deliver(protocol.ReceivedItems{Index: 0, Items: items})
	case protocol.LocationChecks:
		added, err := l.store.AddChecks(ctx, msg.Locations)
		if err != nil {
			return fmt.Errorf("loopback checks: %w", err)
		}
		var rewards []protocol.NetworkItem
		for _, loc := range added {
			if it, ok := l.placements[loc]; ok {
				rewards = append(rewards, it)
			}
		}
		if len(rewards) > 0 {
			return l.Give(ctx, rewards...)
		}
	case protocol.StatusUpdate:
		l.mu.Lock()
		l.status = msg.Status
		l.mu.Unlock()
		slog.Info("loopback status", "status", msg.Status)
	case protocol.Bounce:
		l.mu.Lock()
		l.bounces = append(l.bounces, msg)
		l.mu.Unlock()
	default:
		slog.Debug("loopback ignored message", "cmd", m.Command())
	}
	return nil
}

// set applies replace and default operations. Other operations are not
// used by the client and are rejected.
func (l *Loopback) set(ctx context.Context, msg protocol.Set) error {
	cur, err := l.store.Get(ctx, []string{msg.Key})
	if err != nil {
		return fmt.Errorf("loopback set: %w", err)
	}
	value := cur[msg.Key]
	if string(value) == "null" {
		if value, err = json.Marshal(msg.Default); err != nil {
			return fmt.Errorf("loopback set %q: %w", msg.Key, err)
		}
	}
	for _, op := range msg.Operations {
		switch op.Operation {
		case "replace":
			if value, err = json.Marshal(op.Value); err != nil {
				return fmt.Errorf("loopback set %q: %w", msg.Key, err)
			}
		case "default":
		default:
			return fmt.Errorf("loopback set %q: unsupported operation %q", msg.Key, op.Operation)
		}
	}
	return l.store.Set(ctx, msg.Key, value)
}

func (l *Loopback) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Status returns the last client status reported.
func (l *Loopback) Status() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Bounces returns the peer signals the client sent.
func (l *Loopback) Bounces() []protocol.Bounce {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Bounce(nil), l.bounces...)
}

// Sent returns every message the client sent, in order.
func (l *Loopback) Sent() []protocol.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Message(nil), l.sent...)
}
