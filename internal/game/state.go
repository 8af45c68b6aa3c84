package game

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/roach88/ramlink/internal/layout"
	"github.com/roach88/ramlink/internal/memory"
)

// State is the derived process state, recomputed every tick.
type State int

const (
	MainMenu State = iota
	WaitingForLoad
	Normal
	InInventory
	InAir
	InWater
	InElevator
	Arrived
	TravellingDown
	Unfalling
	Ghost
)

var stateNames = [...]string{
	MainMenu:       "main_menu",
	WaitingForLoad: "waiting_for_load",
	Normal:         "normal",
	InInventory:    "in_inventory",
	InAir:          "in_air",
	InWater:        "in_water",
	InElevator:     "in_elevator",
	Arrived:        "arrived",
	TravellingDown: "travelling_down",
	Unfalling:      "unfalling",
	Ghost:          "ghost",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Blocking reports whether the process must not be mutated in this state.
func (s State) Blocking() bool {
	switch s {
	case WaitingForLoad, TravellingDown, Unfalling, InAir, InWater, Ghost, MainMenu:
		return true
	}
	return false
}

// Sample is one tick's raw reading of the state-bearing bytes.
type Sample struct {
	// Playing is false when the character state byte reads zero.
	Playing   bool
	Sprite    byte
	Elevator  byte
	Inventory byte
	Unfall    byte
	Fall      byte
	// Z is the vertical coordinate.
	Z int
}

// Derive maps a sample to a state. The first matching rule wins.
func Derive(s Sample, awaitingLoad bool, r layout.StateRules) State {
	switch {
	case !s.Playing:
		return MainMenu
	case awaitingLoad:
		return WaitingForLoad
	case slices.Contains(r.GhostSprites, s.Sprite):
		return Ghost
	}
	switch s.Elevator {
	case 0:
	case r.InElevator:
		return InElevator
	case r.Arrived:
		return Arrived
	case r.TravellingDown:
		return TravellingDown
	}
	switch {
	case s.Inventory != 0:
		return InInventory
	case s.Unfall != 0:
		return Unfalling
	case s.Fall != 0 || s.Z < r.GroundedMin || s.Z > r.GroundedMax:
		return InAir
	case slices.Contains(r.WaterSprites, s.Sprite):
		return InWater
	}
	return Normal
}

// readSample reads every state-bearing byte for participant p. Any failed
// read discards the whole sample.
func readSample(ctx context.Context, l *layout.Layout, b memory.Backend, p layout.Participant) (Sample, bool) {
	var s Sample
	state, ok := memory.PeekByte(ctx, b, l.Addr("STATE", p))
	if !ok {
		return s, false
	}
	s.Playing = state != 0
	if !s.Playing {
		return s, true
	}

	fields := []struct {
		region string
		dst    *byte
	}{
		{"SPRITE", &s.Sprite},
		{"GLOBAL_ELEVATOR_STATE", &s.Elevator},
		{"INVENTORY_OPEN", &s.Inventory},
		{"UNFALL_FLAG", &s.Unfall},
		{"FALL_STATE", &s.Fall},
	}
	for _, f := range fields {
		v, ok := memory.PeekByte(ctx, b, l.Addr(f.region, p))
		if !ok {
			return s, false
		}
		*f.dst = v
	}

	zAddr, ok := l.MustSpec("POSITION").Slot(2, p)
	if !ok {
		return s, false
	}
	z, ok := memory.Peek(ctx, b, zAddr, 2)
	if !ok {
		return s, false
	}
	s.Z = int(int16(binary.BigEndian.Uint16(z)))
	return s, true
}
