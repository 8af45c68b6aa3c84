package game

import (
	"context"
	"log/slog"
	"slices"

	"github.com/roach88/ramlink/internal/catalog"
	"github.com/roach88/ramlink/internal/memory"
)

// Lock byte values understood by the patched elevator routine.
const (
	elevatorUnlocked byte = 0
	elevatorLocked   byte = 1
)

// ElevatorRules decide which exit elevators may be used.
type ElevatorRules struct {
	// KeyLevels lists the gated levels in order. The n-th gated level
	// needs n keys.
	KeyLevels   []int
	LastLevel   int
	TotalPieces int
}

// NewElevatorRules builds the rules for a key gap and last level.
func NewElevatorRules(keyGap, lastLevel int) ElevatorRules {
	return ElevatorRules{
		KeyLevels:   catalog.KeyLevels(keyGap, lastLevel),
		LastLevel:   lastLevel,
		TotalPieces: catalog.TotalShipPieces(),
	}
}

// Required returns the key count level needs, or 0 when it is not gated.
func (r ElevatorRules) Required(level int) int {
	if i := slices.Index(r.KeyLevels, level); i >= 0 {
		return i + 1
	}
	return 0
}

// ShouldBeUnlocked reports whether the elevator on level may be used with
// the given key and ship piece counts. The penultimate level also needs all
// but one ship piece.
func (r ElevatorRules) ShouldBeUnlocked(level, keys, pieces int) bool {
	if level == 0 || level == 1 {
		return true
	}
	keysMet := keys >= r.Required(level)
	piecesMet := level != r.LastLevel-1 || pieces >= r.TotalPieces-1
	return keysMet && piecesMet
}

// reconcileElevator corrects the lock byte for the current level. It never
// writes while an elevator is moving, and write failures wait for the next
// tick.
func (c *Controller) reconcileElevator(ctx context.Context) {
	if c.level < 0 || c.state == MainMenu || c.state == WaitingForLoad {
		return
	}
	if c.sample.Elevator != 0 {
		return
	}
	addr := c.layout.Addr("AP_ELEVATOR_LOCK", c.primary)
	live, ok := memory.PeekByte(ctx, c.backend, addr)
	if !ok {
		return
	}
	want := elevatorLocked
	if c.elevator.ShouldBeUnlocked(c.level, c.counters.Keys, c.counters.Pieces) {
		want = elevatorUnlocked
	}
	if live == want {
		return
	}
	if !memory.Poke(ctx, c.backend, addr, want) {
		return
	}
	slog.Debug("elevator lock corrected",
		"level", c.level,
		"locked", want == elevatorLocked,
		"keys", c.counters.Keys,
		"pieces", c.counters.Pieces,
	)
}
