package game

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/ramlink/internal/layout"
)

func TestDerive(t *testing.T) {
	rules := layout.Default().Rules()
	playing := Sample{Playing: true}

	tests := []struct {
		name     string
		sample   Sample
		awaiting bool
		want     State
	}{
		{"not playing", Sample{}, false, MainMenu},
		{"not playing wins over awaiting load", Sample{}, true, MainMenu},
		{"awaiting load", playing, true, WaitingForLoad},
		{"ghost", Sample{Playing: true, Sprite: 0x05, Elevator: 1}, false, Ghost},
		{"in elevator", Sample{Playing: true, Elevator: 1}, false, InElevator},
		{"arrived", Sample{Playing: true, Elevator: 2}, false, Arrived},
		{"travelling down", Sample{Playing: true, Elevator: 3, Inventory: 1}, false, TravellingDown},
		{"unknown elevator phase falls through", Sample{Playing: true, Elevator: 9}, false, Normal},
		{"inventory open", Sample{Playing: true, Inventory: 1, Fall: 1}, false, InInventory},
		{"unfalling", Sample{Playing: true, Unfall: 1, Fall: 1}, false, Unfalling},
		{"falling", Sample{Playing: true, Fall: 1}, false, InAir},
		{"airborne", Sample{Playing: true, Z: 4}, false, InAir},
		{"below ground", Sample{Playing: true, Z: -1}, false, InAir},
		{"airborne over water", Sample{Playing: true, Z: 2, Sprite: 0x1E}, false, InAir},
		{"in water", Sample{Playing: true, Sprite: 0x1F}, false, InWater},
		{"normal", playing, false, Normal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Derive(tt.sample, tt.awaiting, rules))
		})
	}
}

func TestState_Blocking(t *testing.T) {
	blocking := []State{WaitingForLoad, TravellingDown, Unfalling, InAir, InWater, Ghost, MainMenu}
	open := []State{Normal, InInventory, InElevator, Arrived}
	for _, s := range blocking {
		assert.True(t, s.Blocking(), s.String())
	}
	for _, s := range open {
		assert.False(t, s.Blocking(), s.String())
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "travelling_down", TravellingDown.String())
	assert.Equal(t, "state(42)", State(42).String())
}
