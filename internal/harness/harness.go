package harness

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/roach88/ramlink/internal/catalog"
	"github.com/roach88/ramlink/internal/delivery"
	"github.com/roach88/ramlink/internal/game"
	"github.com/roach88/ramlink/internal/memory"
	"github.com/roach88/ramlink/internal/protocol"
	"github.com/roach88/ramlink/internal/session"
	"github.com/roach88/ramlink/internal/store"
	"github.com/roach88/ramlink/internal/testutil"
	"github.com/roach88/ramlink/internal/transport"
)

// Harness runs one scenario against an in-memory process image and an
// in-process coordinator.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	image    *memory.Image
	runner   *session.Runner
	link     *transport.Loopback
	result   *Result
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation. Session
// ids, the random source and the wall clock are fixed, so identical
// scenarios produce identical traces. Death signals and store rows carry
// testutil.Epoch.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:", store.WithClock(testutil.FixedClock(testutil.Epoch)))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	h, err := newHarness(ctx, scenario, st)
	if err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result := h.result
	if ctrl := h.runner.Controller(); ctrl != nil {
		status := ctrl.Status()
		result.Status = &status
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Store:   st,
		Image:   h.image,
		Session: h.runner.SessionID(),
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(ctx context.Context, s *Scenario, st *store.Store) (*Harness, error) {
	h := &Harness{
		scenario: s,
		store:    st,
		image:    bootImage(s.Boot),
		result:   NewResult(),
	}
	for _, w := range s.Memory {
		h.image.Set(w.Addr, w.Data()...)
	}
	for key, value := range s.Stored {
		if err := st.Set(ctx, key, []byte(value)); err != nil {
			return nil, fmt.Errorf("seed stored %q: %w", key, err)
		}
	}

	placements := make(map[int64]protocol.NetworkItem, len(s.Placements))
	for loc, name := range s.Placements {
		placements[loc] = protocol.NetworkItem{Item: catalog.MustByName(name).ID, Location: loc, Player: 1}
	}

	seed := s.Seed
	if seed == 0 {
		seed = 1
	}
	h.runner = session.NewRunner(session.Config{SlotName: s.Name}, h.image,
		session.WithJournal(st),
		session.WithObserver(tracer{h.result}),
		session.WithIDs(testutil.NewSequentialIDs(s.Name)),
		session.WithControllerOptions(
			game.WithRand(rand.New(rand.NewPCG(seed, seed))),
			game.WithClock(testutil.FixedClock(testutil.Epoch)),
		),
	)
	h.link = transport.NewLoopback(st, linkRecorder{h.result, h.runner},
		transport.WithSeed(s.Name),
		transport.WithSlotData(s.Slot.SlotData()),
		transport.WithPlacements(placements),
	)
	h.runner.Bind(outboxRecorder{h.result, h.link})
	return h, nil
}

// execute runs one step and then processes everything it caused.
func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Connect:
		if err := h.link.Open(ctx); err != nil {
			return err
		}
	case step.Disconnect:
		h.link.Close()
	case step.Tick > 0:
		for range step.Tick {
			h.runner.Drain(ctx)
			h.runner.Tick(ctx)
		}
	case len(step.Give) > 0:
		items := make([]protocol.NetworkItem, len(step.Give))
		for i, name := range step.Give {
			items[i] = protocol.NetworkItem{Item: catalog.MustByName(name).ID, Player: 2}
		}
		if err := h.link.Give(ctx, items...); err != nil {
			return err
		}
	case step.Death:
		h.link.Signal(protocol.Bounced{Tags: []string{protocol.TagDeathLink}})
	case step.Poke != nil:
		h.image.Set(step.Poke.Addr, step.Poke.Data()...)
	}
	h.runner.Drain(ctx)
	return nil
}

func bootImage(preset string) *memory.Image {
	switch preset {
	case BootRunning:
		return testutil.RunningImage(3)
	case BootMenu:
		return testutil.MenuImage()
	}
	return memory.NewImage(0)
}

// tracer records controller decisions.
type tracer struct{ r *Result }

func (t tracer) StateChanged(from, to game.State) {
	t.r.add(TraceEvent{Type: EventState, From: from.String(), To: to.String()})
}

func (t tracer) Classified(e delivery.Event, o game.Outcome) {
	ev := eventTrace(EventClassified, e)
	ev.Outcome = string(o)
	t.r.add(ev)
}

func (t tracer) Applied(e delivery.Event, ok bool) {
	ev := eventTrace(EventApplied, e)
	ev.Outcome = "ok"
	if !ok {
		ev.Outcome = "failed"
	}
	t.r.add(ev)
}

func (t tracer) LocationChecked(id int64) {
	t.r.add(TraceEvent{Type: EventChecked, Location: id})
}

// eventTrace names the item. Events dropped before categorization carry
// no kind and get no category.
func eventTrace(typ string, e delivery.Event) TraceEvent {
	ev := TraceEvent{Type: typ, Index: e.Index}
	if e.Kind != catalog.KindUnknown {
		ev.Category = e.Category.String()
	}
	switch it, ok := catalog.Lookup(e.Item); {
	case e.Kind == catalog.KindDeath:
		ev.Item = catalog.KindDeath.String()
	case ok:
		ev.Item = it.Name
	}
	return ev
}

// linkRecorder records inbound messages on their way to the runner.
type linkRecorder struct {
	r    *Result
	next transport.Sink
}

func (l linkRecorder) Deliver(msg protocol.Message) {
	ev := TraceEvent{Type: EventReceived, Command: msg.Command()}
	if ri, ok := msg.(protocol.ReceivedItems); ok {
		ev.Index = ri.Index
	}
	l.r.add(ev)
	l.next.Deliver(msg)
}

func (l linkRecorder) Disconnected(err error) {
	l.r.add(TraceEvent{Type: EventClosed})
	l.next.Disconnected(err)
}

// outboxRecorder records outbound messages before the coordinator sees
// them, so replies follow their requests in the trace.
type outboxRecorder struct {
	r    *Result
	next game.Outbox
}

func (o outboxRecorder) Send(ctx context.Context, msgs ...protocol.Message) error {
	for _, m := range msgs {
		ev := TraceEvent{Type: EventSent, Command: m.Command()}
		if lc, ok := m.(protocol.LocationChecks); ok && len(lc.Locations) > 0 {
			ev.Location = lc.Locations[0]
		}
		o.r.add(ev)
	}
	err := o.next.Send(ctx, msgs...)
	if err != nil {
		slog.Debug("simulated send failed", "error", err)
		o.r.add(TraceEvent{Type: EventSendFailed, Command: msgs[0].Command()})
	}
	return err
}
