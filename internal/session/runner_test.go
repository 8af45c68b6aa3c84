package session

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/ramlink/internal/catalog"
	"github.com/roach88/ramlink/internal/game"
	"github.com/roach88/ramlink/internal/memory"
	"github.com/roach88/ramlink/internal/protocol"
	"github.com/roach88/ramlink/internal/store"
	"github.com/roach88/ramlink/internal/testutil"
	"github.com/roach88/ramlink/internal/transport"
)

// bootImage returns an image of a running, initialized game on level 3.
func bootImage() *memory.Image {
	return testutil.RunningImage(3)
}

type harness struct {
	t   *testing.T
	ctx context.Context
	img *memory.Image
	st  *store.Store
	r   *Runner
	lb  *transport.Loopback
}

func newHarness(t *testing.T, opts ...transport.LoopbackOption) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{t: t, ctx: context.Background(), img: bootImage(), st: st}
	h.r = NewRunner(Config{SlotName: "Funkotron"}, h.img,
		WithJournal(st),
		WithIDs(NewFixedGenerator("session-1", "session-2")),
		WithControllerOptions(game.WithRand(rand.New(rand.NewPCG(1, 2)))),
	)
	h.lb = transport.NewLoopback(st, h.r, opts...)
	h.r.Bind(h.lb)
	return h
}

func (h *harness) open() {
	h.t.Helper()
	require.NoError(h.t, h.lb.Open(h.ctx))
	h.r.Drain(h.ctx)
}

func (h *harness) tick(n int) {
	for range n {
		h.r.Tick(h.ctx)
		h.r.Drain(h.ctx)
	}
}

func TestRunner_BuildsControllerOnConnected(t *testing.T) {
	h := newHarness(t)
	assert.Nil(t, h.r.Controller())

	h.open()
	require.NotNil(t, h.r.Controller())
	assert.Equal(t, "session-1", h.r.SessionID())
	assert.True(t, h.r.Controller().Status().Reconciled)

	h.tick(2)
	assert.Equal(t, game.Normal, h.r.Controller().State())
}

func TestRunner_DeliversItemEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.open()
	h.tick(2)

	skates := catalog.MustByName("Rocket Skates")
	require.NoError(t, h.lb.Give(h.ctx, protocol.NetworkItem{Item: skates.ID, Player: 2}))
	h.r.Drain(h.ctx)
	h.tick(2)

	writes := h.img.WritesTo(testutil.AddrGiveItem)
	require.NotEmpty(t, writes)
	assert.Equal(t, []byte{0x05}, writes[len(writes)-1].Data)

	applied, err := h.st.ReadJournal(h.ctx, store.Filter{Session: "session-1", Event: store.EventApplied})
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, skates.ID, applied[0].Item)
	assert.Equal(t, int64(1), applied[0].Index)
	assert.Equal(t, "ok", applied[0].Outcome)
	assert.Equal(t, "inventory", applied[0].Category)
}

func TestRunner_ReconnectKeepsController(t *testing.T) {
	h := newHarness(t)
	h.open()
	first := h.r.Controller()

	h.lb.Close()
	h.r.Drain(h.ctx)
	h.open()

	assert.Same(t, first, h.r.Controller())
	assert.Equal(t, "session-1", h.r.SessionID())
}

func TestRunner_SlotChangeBuildsNewController(t *testing.T) {
	h := newHarness(t)
	h.open()
	first := h.r.Controller()

	h.r.Deliver(protocol.Connected{Team: 0, Slot: 9})
	h.r.Drain(h.ctx)

	assert.NotSame(t, first, h.r.Controller())
	assert.Equal(t, "session-2", h.r.SessionID())
}

func TestRunner_MessageBeforeConnectedDropped(t *testing.T) {
	h := newHarness(t)
	h.r.Deliver(protocol.ReceivedItems{Index: 0, Items: []protocol.NetworkItem{{Item: catalog.BaseID}}})
	h.r.Disconnected(nil)
	h.r.Drain(h.ctx)
	h.r.Tick(h.ctx)

	assert.Nil(t, h.r.Controller())
	assert.Empty(t, h.img.Writes())
}

func TestRunner_BadOverlayKeepsWaiting(t *testing.T) {
	r := NewRunner(Config{Overlay: []byte("regions: {")}, bootImage())
	r.Bind(&nullOutbox{})
	r.Deliver(protocol.Connected{Slot: 1})
	r.Drain(context.Background())
	assert.Nil(t, r.Controller())
}

func TestRunner_JournalRecordsStateAndChecks(t *testing.T) {
	h := newHarness(t)
	h.open()
	h.tick(2)

	states, err := h.st.ReadJournal(h.ctx, store.Filter{Session: "session-1", Event: store.EventState})
	require.NoError(t, err)
	require.NotEmpty(t, states)
	assert.Equal(t, "normal", states[len(states)-1].Outcome)
	for i := 1; i < len(states); i++ {
		assert.Greater(t, states[i].Seq, states[i-1].Seq)
	}
}

type nullOutbox struct{ sent atomic.Int64 }

func (o *nullOutbox) Send(_ context.Context, msgs ...protocol.Message) error {
	o.sent.Add(int64(len(msgs)))
	return nil
}

func TestRunner_RunRequiresOutbox(t *testing.T) {
	r := NewRunner(Config{}, bootImage())
	assert.ErrorIs(t, r.Run(context.Background()), ErrNoOutbox)
}

func TestRunner_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	out := &nullOutbox{}
	r := NewRunner(Config{TickInterval: time.Millisecond}, bootImage())
	r.Bind(out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Deliver(protocol.Connected{Slot: 1})
	require.Eventually(t, func() bool { return out.sent.Load() > 0 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunner_StopEndsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRunner(Config{TickInterval: time.Hour}, bootImage())
	r.Bind(&nullOutbox{})
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	r.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunner_StatusHook(t *testing.T) {
	var last game.Status
	calls := 0
	r := NewRunner(Config{}, bootImage(), WithStatusHook(func(s game.Status) {
		calls++
		last = s
	}))
	r.Bind(&nullOutbox{})

	r.Tick(context.Background())
	assert.Equal(t, 0, calls, "no hook before a slot is connected")

	r.Deliver(protocol.Connected{Slot: 1})
	r.Drain(context.Background())
	r.Tick(context.Background())
	assert.Equal(t, 1, calls)
	assert.Equal(t, game.WaitingForLoad, last.State)
}
