// Package savesync keeps the process's persistent memory regions consistent
// with the coordinator's data storage across disconnects and resets.
//
// On every connection the manager asks for the last processed index, the
// queue counters and every save record in one Get. Once the process reports
// that it has finished initializing, the retrieved records are written back
// into memory under a Lock/Unlock bracket. While playing, save monitors
// collect changed records and the manager flushes them periodically as
// replace operations.
package savesync

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/roach88/ramlink/internal/catalog"
	"github.com/roach88/ramlink/internal/delivery"
	"github.com/roach88/ramlink/internal/layout"
	"github.com/roach88/ramlink/internal/memory"
	"github.com/roach88/ramlink/internal/monitor"
	"github.com/roach88/ramlink/internal/protocol"
)

// ErrReconcile is returned when a retrieval reply cannot be used. The
// manager keeps its prior state and stays unreconciled.
var ErrReconcile = errors.New("savesync: reconciliation failed")

// DefaultInterval is the number of ticks between flushes.
const DefaultInterval = 10

// Sender sends messages to the coordinator.
type Sender interface {
	Send(ctx context.Context, msgs ...protocol.Message) error
}

// Manager reconciles persisted state. It also owns the session's
// classification high-water mark and the replay-suppression flag.
//
// Not safe for concurrent use; it belongs to the session goroutine.
type Manager struct {
	layout   *layout.Layout
	backend  memory.Backend
	out      Sender
	queues   *delivery.Set
	playing  func() bool
	prefix   string
	interval int
	coverage layout.Coverage
	onLoaded func(ctx context.Context)
	onReset  func(ctx context.Context)

	slots    []slot
	initMon  *monitor.Monitor
	saveMons []*monitor.Monitor

	lastIndex    int64
	ignoreReplay bool
	requested    bool
	reconciled   bool
	awaitingLoad bool
	loadPending  bool
	adoptLive    bool
	initSeen     bool
	stash        map[string][]byte

	pending map[string]any
	flushed map[string]string
	ticks   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix sets the key prefix (see KeyPrefix).
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// WithInterval sets the flush interval in ticks.
func WithInterval(ticks int) Option {
	return func(m *Manager) {
		if ticks > 0 {
			m.interval = ticks
		}
	}
}

// WithCoverage selects the participants whose per-player records persist.
func WithCoverage(c layout.Coverage) Option {
	return func(m *Manager) { m.coverage = c }
}

// WithOnLoaded runs fn after the process memory reflects the snapshot,
// whether it was written by a load or adopted from a running process.
func WithOnLoaded(fn func(ctx context.Context)) Option {
	return func(m *Manager) { m.onLoaded = fn }
}

// WithOnReset runs fn when the process returns to its uninitialized state.
func WithOnReset(fn func(ctx context.Context)) Option {
	return func(m *Manager) { m.onReset = fn }
}

// New creates a manager. playing reports whether the process is in a game
// (not on a menu); save monitors only run while it holds.
func New(l *layout.Layout, b memory.Backend, out Sender, queues *delivery.Set, playing func() bool, opts ...Option) *Manager {
	m := &Manager{
		layout:       l,
		backend:      b,
		out:          out,
		queues:       queues,
		playing:      playing,
		interval:     DefaultInterval,
		awaitingLoad: true,
		pending:      make(map[string]any),
		flushed:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.playing == nil {
		m.playing = func() bool { return true }
	}

	m.slots = resolveSlots(l, m.prefix, m.coverage)
	m.initMon = monitor.New("init complete", l.Resolve("AP_INIT_COMPLETE", m.coverage), 1, nil, m.handleInitChanged)
	for _, s := range m.slots {
		m.saveMons = append(m.saveMons, monitor.New(s.key, []uint32{s.addr}, s.size, m.savesEnabled,
			func(_ context.Context, _ int, _, new []byte) {
				m.pending[s.key] = encodeRecord(new)
			}))
	}
	return m
}

// LastIndex is the highest event index classified this session.
func (m *Manager) LastIndex() int64 { return m.lastIndex }

// Advance raises the high-water mark. It never lowers it.
func (m *Manager) Advance(idx int64) {
	if idx > m.lastIndex {
		m.lastIndex = idx
	}
}

// Seen reports whether an event index was already classified.
func (m *Manager) Seen(idx int64) bool {
	return idx > 0 && idx <= m.lastIndex
}

// IgnoreReplay reports whether ephemeral events must be dropped.
func (m *Manager) IgnoreReplay() bool { return m.ignoreReplay }

// Reconciled reports whether a retrieval reply has been applied since the
// last connection or process reset.
func (m *Manager) Reconciled() bool { return m.reconciled }

// AwaitingLoad reports whether the process has yet to receive the snapshot.
func (m *Manager) AwaitingLoad() bool { return m.awaitingLoad }

// Watermark is the index persisted as LAST_INDEX: every event at or below
// it has been applied or deliberately dropped.
func (m *Manager) Watermark() int64 {
	return m.queues.Watermark(m.lastIndex)
}

// Keys lists every key a RequestSync asks for.
func (m *Manager) Keys() []string {
	keys := []string{lastIndexKey(m.prefix)}
	for _, c := range delivery.Categories {
		keys = append(keys, queueKey(m.prefix, c))
	}
	for _, s := range m.slots {
		keys = append(keys, s.key)
	}
	return keys
}

// RequestSync asks for the persisted state. Until the reply is applied the
// manager is unreconciled.
func (m *Manager) RequestSync(ctx context.Context) error {
	m.reconciled = false
	if err := m.out.Send(ctx, protocol.Get{Keys: m.Keys()}); err != nil {
		m.requested = false
		return fmt.Errorf("request sync: %w", err)
	}
	m.requested = true
	return nil
}

// OnRetrieved applies a retrieval reply. Replies that do not carry the
// last-index key are not ours and are ignored.
func (m *Manager) OnRetrieved(ctx context.Context, r protocol.Retrieved) error {
	rawIdx, ok := r.Keys[lastIndexKey(m.prefix)]
	if !ok {
		return nil
	}
	if !m.requested {
		slog.Debug("unsolicited retrieval reply applied")
	}

	// Decode everything before touching state so a bad reply changes nothing.
	idx, err := decodeIndex(rawIdx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReconcile, err)
	}
	queueStates := make(map[delivery.Category]queueState, len(delivery.Categories))
	for _, c := range delivery.Categories {
		qs, err := decodeQueueState(r.Keys[queueKey(m.prefix, c)])
		if err != nil {
			return fmt.Errorf("%w: queue %s: %v", ErrReconcile, c, err)
		}
		queueStates[c] = qs
	}
	stash := make(map[string][]byte)
	for _, s := range m.slots {
		data, present, err := decodeRecord(r.Keys[s.key])
		if err != nil {
			return fmt.Errorf("%w: record %s: %v", ErrReconcile, s.key, err)
		}
		if !present {
			continue
		}
		if len(data) != s.size {
			slog.Warn("save record size mismatch, skipped", "key", s.key, "want", s.size, "got", len(data))
			continue
		}
		stash[s.key] = data
	}

	if idx > 0 {
		m.Advance(idx)
		m.ignoreReplay = true
	}
	m.flushed[lastIndexKey(m.prefix)] = mustJSON(idx)
	for c, qs := range queueStates {
		m.queues.Queue(c).Restore(qs.Delivered, qs.Through)
		m.flushed[queueKey(m.prefix, c)] = mustJSON(qs)
	}
	m.stash = stash
	m.requested = false
	m.reconciled = true

	slog.Info("persisted state retrieved",
		"last_index", idx,
		"records", len(stash),
		"ignore_replay", m.ignoreReplay,
	)
	return nil
}

// Settle finishes a reconnect for a process that is already loaded: the
// coordinator is asked to resend items and replay suppression ends. It is
// a no-op while a load is outstanding.
func (m *Manager) Settle(ctx context.Context) {
	if !m.reconciled || m.awaitingLoad {
		return
	}
	m.finish(ctx)
}

// Tick runs the init monitor, applies an outstanding load, runs the save
// monitors and flushes every interval.
func (m *Manager) Tick(ctx context.Context) {
	m.initMon.Tick(ctx, m.backend)
	if !m.initSeen {
		if v := m.initMon.Current(0); v != nil {
			m.initSeen = true
			m.adoptLive = v[0] == 1
		}
	}

	if m.reconciled && m.awaitingLoad {
		switch {
		case m.loadPending:
			if err := m.load(ctx); err != nil {
				slog.Warn("snapshot load failed, will retry", "error", err)
			} else {
				m.loadPending = false
				m.awaitingLoad = false
				m.loaded(ctx)
			}
		case m.adoptLive:
			slog.Info("process already initialized, adopting live memory")
			m.adoptLive = false
			m.awaitingLoad = false
			m.loaded(ctx)
		}
	}

	for _, mon := range m.saveMons {
		mon.Tick(ctx, m.backend)
	}

	m.ticks++
	if m.ticks >= m.interval {
		m.ticks = 0
		m.Flush(ctx)
	}
}

// Flush sends every changed key now. Nothing is sent before the first
// reconciliation, so stale local values never overwrite stored ones.
func (m *Manager) Flush(ctx context.Context) {
	if !m.reconciled {
		return
	}
	for key, v := range m.currentMeta() {
		if m.flushed[key] != mustJSON(v) {
			m.pending[key] = v
		}
	}
	if len(m.pending) == 0 {
		return
	}

	var sets []protocol.Message
	for _, key := range m.orderedKeys() {
		v, ok := m.pending[key]
		if !ok {
			continue
		}
		if m.flushed[key] == mustJSON(v) {
			delete(m.pending, key)
			continue
		}
		sets = append(sets, protocol.Replace(key, v))
	}
	if len(sets) == 0 {
		return
	}
	if err := m.out.Send(ctx, sets...); err != nil {
		slog.Warn("save flush failed, will retry", "keys", len(sets), "error", err)
		return
	}
	for _, msg := range sets {
		set := msg.(protocol.Set)
		m.flushed[set.Key] = mustJSON(set.Operations[0].Value)
		delete(m.pending, set.Key)
	}
	slog.Debug("saves flushed", "keys", len(sets))
}

func (m *Manager) savesEnabled() bool {
	return m.reconciled && !m.awaitingLoad && m.playing()
}

func (m *Manager) handleInitChanged(ctx context.Context, _ int, _, new []byte) {
	if new[0] == 1 {
		slog.Debug("process initialization complete")
		m.loadPending = true
		return
	}

	slog.Info("process reset detected")
	m.Flush(ctx)
	m.awaitingLoad = true
	m.loadPending = false
	m.adoptLive = false
	if m.onReset != nil {
		m.onReset(ctx)
	}
	if err := m.RequestSync(ctx); err != nil {
		slog.Warn("sync request after reset failed", "error", err)
	}
}

// load writes every stashed record and runs the post-load routines.
func (m *Manager) load(ctx context.Context) error {
	if len(m.stash) == 0 {
		return nil
	}
	slog.Debug("loading snapshot", "records", len(m.stash))
	return memory.WithLock(ctx, m.backend, func() error {
		for _, s := range m.slots {
			data, ok := m.stash[s.key]
			if !ok {
				continue
			}
			if err := m.backend.Write(ctx, s.addr, data); err != nil {
				return fmt.Errorf("write %s: %w", s.key, err)
			}
			if err := m.postLoad(ctx, s, data); err != nil {
				return err
			}
		}
		redraw := m.layout.Addr("REDRAW_FLAG", layout.ToeJam)
		if err := m.backend.Write(ctx, redraw, []byte{1}); err != nil {
			return fmt.Errorf("redraw: %w", err)
		}
		return nil
	})
}

func (m *Manager) postLoad(ctx context.Context, s slot, data []byte) error {
	switch s.name {
	case "RANK":
		rank := int(data[0])
		if rank == 0 {
			return nil
		}
		hp := catalog.MaxHealth(int(s.participant), rank)
		addr := m.layout.Addr("HEALTH", s.participant)
		if err := m.backend.Write(ctx, addr, []byte{byte(hp)}); err != nil {
			return fmt.Errorf("restore health: %w", err)
		}
	case "COLLECTED_ITEMS":
		if len(data) < 8 {
			return nil
		}
		floor := m.layout.MustSpec("FLOOR_ITEMS")
		word := binary.BigEndian.Uint32(data[4:8])
		for word != 0 {
			bit := bits.LeadingZeros32(word)
			word &^= 1 << (31 - bit)
			addr, ok := floor.Slot(bit, layout.ToeJam)
			if !ok {
				continue
			}
			if err := m.backend.Write(ctx, addr, []byte{catalog.EmptySlot}); err != nil {
				return fmt.Errorf("clear floor item %d: %w", bit, err)
			}
		}
	}
	return nil
}

func (m *Manager) loaded(ctx context.Context) {
	m.finish(ctx)
	if m.onLoaded != nil {
		m.onLoaded(ctx)
	}
}

// finish asks for a full resend and ends replay suppression. Records whose
// live value differs from the retrieved one are queued for the next flush,
// since the save monitors only see changes after their baseline.
func (m *Manager) finish(ctx context.Context) {
	if m.playing() {
		for _, s := range m.slots {
			data, ok := memory.Peek(ctx, m.backend, s.addr, s.size)
			if !ok {
				continue
			}
			if stored, ok := m.stash[s.key]; ok && bytes.Equal(stored, data) {
				continue
			}
			m.pending[s.key] = encodeRecord(data)
		}
	}
	if err := m.out.Send(ctx, protocol.Sync{}); err != nil {
		slog.Warn("sync send failed", "error", err)
	}
	if m.ignoreReplay {
		slog.Debug("replay suppression cleared")
	}
	m.ignoreReplay = false
}

func (m *Manager) currentMeta() map[string]any {
	meta := map[string]any{lastIndexKey(m.prefix): m.Watermark()}
	for _, q := range m.queues.All() {
		meta[queueKey(m.prefix, q.Category())] = queueState{Delivered: q.Delivered(), Through: q.Through()}
	}
	return meta
}

func (m *Manager) orderedKeys() []string {
	return m.Keys()
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
