// Package game orchestrates one session against the live process.
//
// The Controller owns the monitors, the delivery queues and the save
// manager. Every tick it derives the process state from raw memory, runs
// the monitors in registration order, corrects the elevator lock, attempts
// one delivery per category and lets the save manager load or flush.
// Inbound coordinator messages are classified between ticks.
//
// Not safe for concurrent use; it belongs to the session goroutine.
package game

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/roach88/ramlink/internal/catalog"
	"github.com/roach88/ramlink/internal/delivery"
	"github.com/roach88/ramlink/internal/layout"
	"github.com/roach88/ramlink/internal/memory"
	"github.com/roach88/ramlink/internal/monitor"
	"github.com/roach88/ramlink/internal/protocol"
	"github.com/roach88/ramlink/internal/savesync"
)

// Outbox sends messages to the coordinator.
type Outbox interface {
	Send(ctx context.Context, msgs ...protocol.Message) error
}

// Config describes one session. Layout must already reflect the slot
// options (expanded inventory).
type Config struct {
	Layout       *layout.Layout
	Options      protocol.SlotData
	Team         int
	Slot         int
	SlotName     string
	Cooldowns    delivery.Cooldowns
	SaveInterval int
}

// Counters are the session's progress counters. They only grow, except on
// a process reset.
type Counters struct {
	Pieces  int
	Keys    int
	Reveals int
}

// Status is a point-in-time view for traces and displays.
type Status struct {
	State        State
	Level        int
	Counters     Counters
	Pending      int
	LastIndex    int64
	Watermark    int64
	Reconciled   bool
	AwaitingLoad bool
	GoalReached  bool
}

// Controller drives one session.
type Controller struct {
	layout   *layout.Layout
	backend  memory.Backend
	out      Outbox
	opts     protocol.SlotData
	team     int
	slot     int
	slotName string
	coverage layout.Coverage
	primary  layout.Participant
	elevator ElevatorRules
	observer Observer
	rand     *rand.Rand
	now      func() time.Time

	queues   *delivery.Set
	saves    *savesync.Manager
	monitors []*monitor.Monitor
	levelMon *monitor.Monitor

	state    State
	sample   Sample
	level    int
	counters Counters

	connected     bool
	buffered      []protocol.ReceivedItems
	checked       map[int64]bool
	unsent        []int64
	echoDeath     bool
	endingWritten bool
	goalReached   bool
	itemsSetAck   bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver registers an observer for metrics and journaling.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithRand sets the randomness source used by traps.
func WithRand(r *rand.Rand) Option {
	return func(c *Controller) { c.rand = r }
}

// WithClock sets the clock stamped on outgoing death signals.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a controller for cfg. Nothing touches memory or the outbox
// until the first Tick or message.
func New(cfg Config, b memory.Backend, out Outbox, opts ...Option) *Controller {
	sd := cfg.Options.WithDefaults()
	cooldowns := cfg.Cooldowns
	if cooldowns == nil {
		cooldowns = delivery.DefaultCooldowns
	}

	c := &Controller{
		layout:   cfg.Layout,
		backend:  b,
		out:      out,
		opts:     sd,
		team:     cfg.Team,
		slot:     cfg.Slot,
		slotName: cfg.SlotName,
		coverage: layout.CoverageFor(sd.Character),
		elevator: NewElevatorRules(sd.KeyGap, sd.LastLevel),
		observer: NopObserver{},
		rand:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		now:      time.Now,
		state:    MainMenu,
		level:    -1,
		checked:  make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.primary = c.coverage.Primary()

	c.queues = delivery.NewSet(cooldowns)
	saveOpts := []savesync.Option{
		savesync.WithPrefix(savesync.KeyPrefix(cfg.Team, cfg.Slot)),
		savesync.WithCoverage(c.coverage),
		savesync.WithOnLoaded(c.onLoaded),
		savesync.WithOnReset(c.onReset),
	}
	if cfg.SaveInterval > 0 {
		saveOpts = append(saveOpts, savesync.WithInterval(cfg.SaveInterval))
	}
	c.saves = savesync.New(cfg.Layout, b, out, c.queues, c.isPlaying, saveOpts...)
	c.addMonitors()
	return c
}

// addMonitors registers the location and progress monitors. The level
// monitor is ticked ahead of them so their handlers see the current level.
func (c *Controller) addMonitors() {
	l := c.layout
	c.levelMon = monitor.New("level", l.Resolve("LEVEL", c.coverage), 1, c.isPlaying, c.handleLevelChange)
	c.monitors = []*monitor.Monitor{
		monitor.New("items set", l.Resolve("AP_LEVEL_ITEMS_SET", c.coverage), 1, c.isPlaying, c.handleItemsSet),
		monitor.New("collected items", l.Resolve("COLLECTED_ITEMS", c.coverage), l.MustSpec("COLLECTED_ITEMS").Size(), c.observing, c.handleCollectedItems),
		monitor.New("ship items", l.Resolve("TRIGGERED_SHIP_ITEMS", c.coverage), l.MustSpec("TRIGGERED_SHIP_ITEMS").Size(), c.observing, c.handleShipItems),
		monitor.New("rank", l.Resolve("RANK", c.coverage), 1, c.observing, c.handleRankChange),
	}
	if c.opts.DeathLink {
		c.monitors = append(c.monitors,
			monitor.New("lives", l.Resolve("LIVES", c.coverage), 1, c.observing, c.handleLivesChange))
	}
}

// Queues exposes the delivery queues.
func (c *Controller) Queues() *delivery.Set { return c.queues }

// Saves exposes the save manager.
func (c *Controller) Saves() *savesync.Manager { return c.saves }

// State returns the state derived on the last tick.
func (c *Controller) State() State { return c.state }

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	return Status{
		State:        c.state,
		Level:        c.level,
		Counters:     c.counters,
		Pending:      c.queues.Pending(),
		LastIndex:    c.saves.LastIndex(),
		Watermark:    c.saves.Watermark(),
		Reconciled:   c.saves.Reconciled(),
		AwaitingLoad: c.saves.AwaitingLoad(),
		GoalReached:  c.goalReached,
	}
}

// Matches reports whether a Connected message belongs to this session, so
// a reconnect can reuse the controller.
func (c *Controller) Matches(team, slot int) bool {
	return c.team == team && c.slot == slot
}

// OnDisconnected stops classification. Pending queues are kept.
func (c *Controller) OnDisconnected() {
	if c.connected {
		slog.Info("coordinator disconnected", "pending", c.queues.Pending())
	}
	c.connected = false
	c.buffered = nil
}

// OnMessage handles one inbound message. Only a failed reconciliation is
// returned; every other anomaly is logged and dropped.
func (c *Controller) OnMessage(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Connected:
		c.connected = true
		for _, id := range m.CheckedLocations {
			c.checked[id] = true
		}
		slog.Info("coordinator connected", "team", m.Team, "slot", m.Slot, "checked", len(m.CheckedLocations))
		if err := c.saves.RequestSync(ctx); err != nil {
			slog.Warn("sync request failed", "error", err)
		}
	case protocol.ReceivedItems:
		if c.goalReached {
			slog.Debug("items after goal ignored", "index", m.Index)
			return nil
		}
		if !c.connected {
			slog.Warn("items received while disconnected, dropped", "index", m.Index)
			return nil
		}
		if !c.saves.Reconciled() {
			c.buffered = append(c.buffered, m)
			return nil
		}
		c.classifyBatch(m)
	case protocol.Retrieved:
		before := c.saves.Reconciled()
		if err := c.saves.OnRetrieved(ctx, m); err != nil {
			slog.Warn("reconciliation failed", "error", err)
			return err
		}
		if before || !c.saves.Reconciled() {
			return nil
		}
		for _, batch := range c.buffered {
			c.classifyBatch(batch)
		}
		c.buffered = nil
		c.saves.Settle(ctx)
	case protocol.Bounced:
		if m.HasTag(protocol.TagDeathLink) && c.opts.DeathLink && !c.goalReached {
			c.classify(delivery.Event{Kind: catalog.KindDeath, Category: delivery.Instant})
		}
	default:
		slog.Debug("message ignored", "cmd", msg.Command())
	}
	return nil
}

// classifyBatch assigns every item of a batch to a queue, or drops it.
// After the goal nothing is classified and the watermark stays put.
func (c *Controller) classifyBatch(r protocol.ReceivedItems) {
	if c.goalReached {
		return
	}
	if last := c.saves.LastIndex(); r.Index > last {
		slog.Warn("item index gap", "expected_after", last, "batch_index", r.Index, "missing", r.Index-last)
	}
	for i, ni := range r.Items {
		idx := r.EventIndex(i)
		if c.saves.Seen(idx) {
			c.observer.Classified(delivery.Event{Index: idx, Item: ni.Item}, OutcomeSeen)
			continue
		}
		e := delivery.Event{Index: idx, Item: ni.Item, Location: ni.Location, Player: ni.Player}
		it, ok := catalog.Lookup(ni.Item)
		switch {
		case !ok:
			slog.Warn("unknown item dropped", "index", idx, "item", ni.Item)
			c.drop(e, OutcomeUnknown)
			continue
		case it.Kind == catalog.KindNothing:
			c.drop(e, OutcomeNothing)
			continue
		}
		e.Kind = it.Kind
		e.Category = CategoryFor(it.Kind)
		c.classify(e)
	}
}

// classify enqueues e unless it was already applied or is a replayed
// ephemeral event.
func (c *Controller) classify(e delivery.Event) {
	switch {
	case c.queues.Skip(e.Category, e.Index):
		c.drop(e, OutcomeSeen)
	case e.Category.Ephemeral() && c.saves.IgnoreReplay():
		slog.Debug("ephemeral event dropped during replay", "index", e.Index, "kind", e.Kind)
		c.drop(e, OutcomeReplayDropped)
	default:
		c.queues.Enqueue(e)
		c.saves.Advance(e.Index)
		c.observer.Classified(e, OutcomeQueued)
	}
}

func (c *Controller) drop(e delivery.Event, o Outcome) {
	c.saves.Advance(e.Index)
	c.observer.Classified(e, o)
}

// CategoryFor routes an item kind to its queue.
func CategoryFor(k catalog.Kind) delivery.Category {
	switch k {
	case catalog.KindTrap, catalog.KindDeath:
		return delivery.Instant
	case catalog.KindPresent:
		return delivery.Inventory
	case catalog.KindEdible:
		return delivery.Floor
	}
	return delivery.Misc
}

// Tick runs one cycle against the process. Once the goal is reached the
// session is frozen: no monitor, delivery or snapshot load runs again.
func (c *Controller) Tick(ctx context.Context) {
	if c.goalReached {
		return
	}

	c.updateState(ctx)
	c.sendChecks(ctx)
	c.levelMon.Tick(ctx, c.backend)
	if c.level < 0 {
		if v := c.levelMon.Current(0); v != nil {
			c.level = int(v[0])
		}
	}
	for _, m := range c.monitors {
		m.Tick(ctx, c.backend)
	}
	c.ackItemsSet(ctx)
	c.reconcileElevator(ctx)
	c.queues.Service(ctx, c.allowed, c.apply)
	c.checkGoal(ctx)
	c.saves.Tick(ctx)
}

func (c *Controller) updateState(ctx context.Context) {
	s, ok := readSample(ctx, c.layout, c.backend, c.primary)
	if !ok {
		return
	}
	c.sample = s
	next := Derive(s, c.saves.AwaitingLoad(), c.layout.Rules())
	if !s.Playing {
		c.level = -1
	}
	if next == c.state {
		return
	}
	slog.Debug("state changed", "from", c.state, "to", next)
	c.observer.StateChanged(c.state, next)
	c.state = next
}

// isPlaying reports whether the last sample saw the character in game.
func (c *Controller) isPlaying() bool {
	return c.sample.Playing
}

// observing gates the location monitors: in game with the snapshot loaded.
func (c *Controller) observing() bool {
	return c.sample.Playing && !c.saves.AwaitingLoad()
}

// allowed decides whether a category may be delivered this tick. Nothing
// is applied before the snapshot is reconciled and loaded, and no category
// is applied in a blocking state.
func (c *Controller) allowed(delivery.Category) bool {
	if !c.saves.Reconciled() || c.saves.AwaitingLoad() {
		return false
	}
	return !c.state.Blocking()
}

func (c *Controller) checkGoal(ctx context.Context) {
	total := catalog.TotalShipPieces()
	if c.counters.Pieces >= total-1 && !c.endingWritten {
		patch := c.layout.EndingPatch()
		switch err := memory.WriteDomain(ctx, c.backend, patch.Domain, patch.Addr, patch.Bytes); {
		case errors.Is(err, memory.ErrUnsupportedDomain):
			slog.Error("ending patch not applied, backend cannot write its domain", "domain", patch.Domain)
			c.endingWritten = true
		case err != nil:
			slog.Warn("ending patch failed, will retry", "error", err)
		default:
			c.endingWritten = true
			slog.Info("ending patched for the final ship piece")
		}
	}
	if c.counters.Pieces < total {
		return
	}
	if err := c.out.Send(ctx, protocol.StatusUpdate{Status: protocol.StatusGoal}); err != nil {
		slog.Warn("goal status not sent, will retry", "error", err)
		return
	}
	dropped := c.queues.DrainAll()
	c.goalReached = true
	c.saves.Flush(ctx)
	slog.Info("goal reached", "dropped", dropped)
}

// onLoaded rebuilds the counters from the restored memory.
func (c *Controller) onLoaded(ctx context.Context) {
	if data, ok := memory.Peek(ctx, c.backend, c.layout.Addr("COLLECTED_SHIP_PIECES", layout.ToeJam), catalog.TotalShipPieces()); ok {
		c.counters.Pieces = max(c.counters.Pieces, bytes.Count(data, []byte{collectedPiece}))
	}
	if v, ok := c.peek(ctx, "AP_NUM_KEYS"); ok {
		c.counters.Keys = max(c.counters.Keys, int(v))
	}
	if v, ok := c.peek(ctx, "AP_NUM_MAP_REVEALS"); ok {
		c.counters.Reveals = max(c.counters.Reveals, int(v))
	}
	slog.Info("session loaded",
		"pieces", c.counters.Pieces,
		"keys", c.counters.Keys,
		"reveals", c.counters.Reveals,
		"pending", c.queues.Pending(),
	)
}

func (c *Controller) onReset(context.Context) {
	c.counters = Counters{}
	c.level = -1
	c.endingWritten = false
	c.echoDeath = false
	c.itemsSetAck = false
}

// handleLevelChange tracks the primary participant's level.
func (c *Controller) handleLevelChange(_ context.Context, index int, old, new []byte) {
	if index != 0 {
		return
	}
	c.level = int(new[0])
	slog.Debug("level changed", "from", old[0], "to", new[0])
}

// handleItemsSet notes that the process finished placing a level's items.
// The flag is acknowledged by writing it back to zero.
func (c *Controller) handleItemsSet(_ context.Context, _ int, _, new []byte) {
	if new[0] == 1 && c.level >= 0 {
		c.itemsSetAck = true
	}
}

// ackItemsSet clears the items-set flag, retrying until the write lands.
func (c *Controller) ackItemsSet(ctx context.Context) {
	if !c.itemsSetAck {
		return
	}
	if !memory.Poke(ctx, c.backend, c.layout.Addr("AP_LEVEL_ITEMS_SET", layout.ToeJam), 0) {
		slog.Debug("items set flag not acknowledged, will retry")
		return
	}
	c.itemsSetAck = false
	slog.Debug("level items set", "level", c.level)
}

// handleCollectedItems reports floor item locations for newly set bits.
// Bits are numbered from the most significant bit of the first byte; bit
// i is item i%32+1 of level i/32.
func (c *Controller) handleCollectedItems(ctx context.Context, _ int, old, new []byte) {
	if bytes.Compare(new, old) <= 0 {
		return
	}
	for i := 0; i+4 <= len(new); i += 4 {
		set := binary.BigEndian.Uint32(new[i:]) &^ binary.BigEndian.Uint32(old[i:])
		for bit := 0; bit < 32; bit++ {
			if set&(1<<(31-bit)) == 0 {
				continue
			}
			level := i / 4
			id, ok := catalog.FloorItemID(level, bit+1)
			if !ok {
				slog.Warn("collected item has no location", "level", level, "item", bit+1)
				continue
			}
			c.check(ctx, id)
		}
	}
}

func (c *Controller) handleShipItems(ctx context.Context, _ int, old, new []byte) {
	if !c.stillPlaying(ctx) {
		return
	}
	for i := range new {
		if new[i] == old[i] || old[i] == 0 {
			continue
		}
		id, ok := catalog.ShipPieceID(int(old[i]))
		if !ok {
			slog.Warn("ship item has no location", "level", old[i])
			continue
		}
		c.check(ctx, id)
	}
}

// stillPlaying re-reads the state byte. A reset can rewrite the ship item
// table between samples.
func (c *Controller) stillPlaying(ctx context.Context) bool {
	v, ok := c.peek(ctx, "STATE")
	return ok && v != 0
}

func (c *Controller) handleRankChange(ctx context.Context, _ int, _, new []byte) {
	rank := int(new[0])
	if rank == 0 {
		return
	}
	id, ok := catalog.RankID(rank)
	if !ok {
		slog.Warn("rank has no location", "rank", rank)
		return
	}
	c.check(ctx, id)
}

func (c *Controller) handleLivesChange(ctx context.Context, _ int, old, new []byte) {
	if new[0] >= old[0] {
		return
	}
	if c.echoDeath {
		c.echoDeath = false
		return
	}
	bounce := protocol.Bounce{
		Tags: []string{protocol.TagDeathLink},
		Data: map[string]any{
			"time":   float64(c.now().UnixNano()) / 1e9,
			"source": c.slotName,
			"cause":  c.slotName + " lost a life.",
		},
	}
	if err := c.out.Send(ctx, bounce); err != nil {
		slog.Warn("death signal not sent", "error", err)
		return
	}
	slog.Info("death sent to peers")
}

// check reports a location once. Unsent checks are retried every tick.
func (c *Controller) check(ctx context.Context, id int64) {
	if c.checked[id] {
		return
	}
	c.checked[id] = true
	c.unsent = append(c.unsent, id)
	slog.Debug("location checked", "location", catalog.LocationName(id))
	c.observer.LocationChecked(id)
	c.sendChecks(ctx)
}

func (c *Controller) sendChecks(ctx context.Context) {
	if len(c.unsent) == 0 || !c.connected {
		return
	}
	if err := c.out.Send(ctx, protocol.LocationChecks{Locations: c.unsent}); err != nil {
		slog.Warn("location checks not sent, will retry", "count", len(c.unsent), "error", err)
		return
	}
	c.unsent = nil
}
