// Package session runs one coordinator session against a memory backend.
//
// The Runner is the single writer: transport goroutines hand it messages
// through a FIFO queue, and one goroutine drains that queue and ticks the
// game controller on a fixed interval. The controller is built when the
// coordinator confirms a slot and reused when the same slot reconnects.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/ramlink/internal/delivery"
	"github.com/roach88/ramlink/internal/game"
	"github.com/roach88/ramlink/internal/layout"
	"github.com/roach88/ramlink/internal/memory"
	"github.com/roach88/ramlink/internal/protocol"
	"github.com/roach88/ramlink/internal/store"
)

// DefaultTickInterval is the polling period.
const DefaultTickInterval = 250 * time.Millisecond

// ErrNoOutbox is returned by Run when Bind was never called.
var ErrNoOutbox = errors.New("session: no outbox bound")

// Config holds the settings that do not come from the coordinator.
type Config struct {
	SlotName     string
	Overlay      []byte
	Cooldowns    delivery.Cooldowns
	SaveInterval int
	TickInterval time.Duration
}

// Runner owns the controller for the lifetime of a process.
//
// Thread-safety model:
//   - Deliver(), Disconnected(), Stop(): safe from any goroutine
//   - Run(), Drain(), Tick(): must be called from exactly one goroutine
type Runner struct {
	cfg      Config
	backend  memory.Backend
	out      game.Outbox
	queue    *eventQueue
	ids      IDGenerator
	journal  *store.Store
	observer game.Observer
	onStatus func(game.Status)
	ctrlOpts []game.Option

	seed    string
	id      string
	ctrl    *game.Controller
	ctrlKey slotKey
}

type slotKey struct {
	seed       string
	team, slot int
}

// Option configures a Runner.
type Option func(*Runner)

// WithJournal records controller activity in st.
func WithJournal(st *store.Store) Option {
	return func(r *Runner) { r.journal = st }
}

// WithObserver adds an observer to every controller the runner builds.
func WithObserver(o game.Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// WithStatusHook calls fn with the controller status after every tick.
func WithStatusHook(fn func(game.Status)) Option {
	return func(r *Runner) { r.onStatus = fn }
}

// WithIDs sets the session id generator.
func WithIDs(g IDGenerator) Option {
	return func(r *Runner) { r.ids = g }
}

// WithControllerOptions passes options through to each controller.
func WithControllerOptions(opts ...game.Option) Option {
	return func(r *Runner) { r.ctrlOpts = append(r.ctrlOpts, opts...) }
}

// NewRunner creates a runner for backend. Bind an outbox before Run.
func NewRunner(cfg Config, b memory.Backend, opts ...Option) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	r := &Runner{
		cfg:     cfg,
		backend: b,
		queue:   newEventQueue(),
		ids:     UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind sets the outbox controllers send through.
func (r *Runner) Bind(out game.Outbox) {
	r.out = out
}

// Deliver queues an inbound message.
func (r *Runner) Deliver(msg protocol.Message) {
	r.queue.Enqueue(Event{Type: EventMessage, Message: msg})
}

// Disconnected queues a link loss.
func (r *Runner) Disconnected(err error) {
	r.queue.Enqueue(Event{Type: EventDisconnected, Err: err})
}

// Controller returns the current controller, or nil before the first
// Connected.
func (r *Runner) Controller() *game.Controller {
	return r.ctrl
}

// SessionID returns the id of the current controller's session.
func (r *Runner) SessionID() string {
	return r.id
}

// Run drains events as they arrive and ticks on the configured interval
// until ctx ends or Stop is called.
//
// Processing errors are logged and the loop continues.
func (r *Runner) Run(ctx context.Context) error {
	if r.out == nil {
		return ErrNoOutbox
	}
	slog.Info("session runner starting", "tick", r.cfg.TickInterval)

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		r.Drain(ctx)

		select {
		case <-ctx.Done():
			slog.Info("session runner stopping: context cancelled")
			r.queue.Close()
			return ctx.Err()
		case <-r.queue.Wait():
			if r.queue.Closed() && r.queue.Len() == 0 {
				slog.Info("session runner stopping: queue closed")
				return nil
			}
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Stop closes the queue, which makes Run return.
func (r *Runner) Stop() {
	r.queue.Close()
}

// Drain processes every queued event, including ones queued while
// draining.
func (r *Runner) Drain(ctx context.Context) {
	for {
		ev, ok := r.queue.TryDequeue()
		if !ok {
			return
		}
		if err := r.process(ctx, ev); err != nil {
			logEventError(ev, err)
		}
	}
}

// Tick runs one controller tick. Nothing happens before a slot is
// connected.
func (r *Runner) Tick(ctx context.Context) {
	if r.ctrl == nil {
		return
	}
	r.ctrl.Tick(ctx)
	if r.onStatus != nil {
		r.onStatus(r.ctrl.Status())
	}
}

func (r *Runner) process(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventMessage:
		if ev.Message == nil {
			return errors.New("message event missing message")
		}
		return r.processMessage(ctx, ev.Message)
	case EventDisconnected:
		if r.ctrl != nil {
			r.ctrl.OnDisconnected()
		}
		return nil
	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}
}

func (r *Runner) processMessage(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.RoomInfo:
		r.seed = m.SeedName
		slog.Info("room info received", "seed", m.SeedName)
		return nil
	case protocol.Connected:
		if err := r.attach(m); err != nil {
			return err
		}
	}

	if r.ctrl == nil {
		return protocol.NewOutOfOrder(msg.Command(), "no slot connected")
	}
	return r.ctrl.OnMessage(ctx, msg)
}

// attach reuses the controller for a reconnect to the same slot and builds
// a new one otherwise.
func (r *Runner) attach(m protocol.Connected) error {
	key := slotKey{seed: r.seed, team: m.Team, slot: m.Slot}
	if r.ctrl != nil && r.ctrlKey == key && r.ctrl.Matches(m.Team, m.Slot) {
		slog.Info("slot reconnected, keeping session", "session", r.id, "pending", r.ctrl.Status().Pending)
		return nil
	}

	l, err := layout.New(layout.Options{
		ExpandedInventory: bool(m.SlotData.ExpandedInventory),
		Overlay:           r.cfg.Overlay,
	})
	if err != nil {
		return fmt.Errorf("build layout: %w", err)
	}

	if r.ctrl != nil {
		slog.Warn("slot changed, discarding session", "session", r.id, "pending", r.ctrl.Status().Pending)
	}
	r.id = r.ids.Generate()

	observers := game.Observers{}
	if r.journal != nil {
		observers = append(observers, newJournal(r.journal, r.id))
	}
	if r.observer != nil {
		observers = append(observers, r.observer)
	}
	opts := append([]game.Option{game.WithObserver(observers)}, r.ctrlOpts...)

	r.ctrl = game.New(game.Config{
		Layout:       l,
		Options:      m.SlotData,
		Team:         m.Team,
		Slot:         m.Slot,
		SlotName:     r.cfg.SlotName,
		Cooldowns:    r.cfg.Cooldowns,
		SaveInterval: r.cfg.SaveInterval,
	}, r.backend, r.out, opts...)
	r.ctrlKey = key

	slog.Info("session started",
		"session", r.id,
		"seed", r.seed,
		"team", m.Team,
		"slot", m.Slot,
		"expanded_inventory", bool(m.SlotData.ExpandedInventory),
		"death_link", bool(m.SlotData.DeathLink),
	)
	return nil
}

// logEventError logs a processing failure with the event context.
func logEventError(ev Event, err error) {
	attrs := []any{"type", ev.Type, "error", err}
	if ev.Message != nil {
		attrs = append(attrs, "cmd", ev.Message.Command())
	}
	slog.Error("event processing failed", attrs...)
}
