package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ramlink/internal/catalog"
	"github.com/roach88/ramlink/internal/game"
	"github.com/roach88/ramlink/internal/memory"
	"github.com/roach88/ramlink/internal/protocol"
)

// Scenario describes one simulated session: the process memory it starts
// from, the slot it connects to, what happens and what must hold at the end.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Boot selects a preset memory image: "running" (in game on level 3
	// with the patch initialized), "menu" (title screen) or "" (all zero).
	Boot string `yaml:"boot,omitempty"`

	// Memory is applied on top of the preset, in order.
	Memory []MemoryWrite `yaml:"memory,omitempty"`

	// Slot holds the options the coordinator announces on connect.
	Slot SlotOptions `yaml:"slot,omitempty"`

	// Stored seeds the coordinator's data storage. Values are JSON text.
	Stored map[string]string `yaml:"stored,omitempty"`

	// Placements maps location ids to the item name awarded when that
	// location is first checked.
	Placements map[int64]string `yaml:"placements,omitempty"`

	// Seed fixes the random source for traps. Defaults to 1.
	Seed uint64 `yaml:"seed,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// SlotOptions mirror protocol.SlotData.
type SlotOptions struct {
	Character          int   `yaml:"character"`
	DeathLink          bool  `yaml:"death_link"`
	AutoBadPresents    int   `yaml:"auto_bad_presents"`
	ExpandedInventory  bool  `yaml:"expanded_inventory"`
	KeyGap             int   `yaml:"key_gap"`
	LastLevel          int   `yaml:"last_level"`
	MapRevealPotencies []int `yaml:"map_reveal_potencies"`
}

// SlotData converts the options to their wire form.
func (o SlotOptions) SlotData() protocol.SlotData {
	return protocol.SlotData{
		Character:          o.Character,
		DeathLink:          protocol.Toggle(o.DeathLink),
		AutoBadPresents:    o.AutoBadPresents,
		ExpandedInventory:  protocol.Toggle(o.ExpandedInventory),
		KeyGap:             o.KeyGap,
		LastLevel:          o.LastLevel,
		MapRevealPotencies: o.MapRevealPotencies,
	}
}

// MemoryWrite sets bytes at Addr, or Size copies of Fill when Size is set.
type MemoryWrite struct {
	Addr  uint32 `yaml:"addr"`
	Bytes []int  `yaml:"bytes,omitempty"`
	Fill  int    `yaml:"fill,omitempty"`
	Size  int    `yaml:"size,omitempty"`
}

// Data returns the bytes the write stores.
func (w MemoryWrite) Data() []byte {
	if w.Size > 0 {
		return bytes.Repeat([]byte{byte(w.Fill)}, w.Size)
	}
	out := make([]byte, len(w.Bytes))
	for i, b := range w.Bytes {
		out[i] = byte(b)
	}
	return out
}

// Step is one action. Exactly one field is set.
type Step struct {
	// Connect opens the coordinator link.
	Connect bool `yaml:"connect,omitempty"`

	// Disconnect closes it.
	Disconnect bool `yaml:"disconnect,omitempty"`

	// Tick runs that many controller cycles.
	Tick int `yaml:"tick,omitempty"`

	// Give sends items, by name, from other players.
	Give []string `yaml:"give,omitempty"`

	// Death delivers a death signal from a peer.
	Death bool `yaml:"death,omitempty"`

	// Poke changes process memory the way the game itself would.
	Poke *MemoryWrite `yaml:"poke,omitempty"`
}

func (s Step) kinds() int {
	n := 0
	for _, set := range []bool{s.Connect, s.Disconnect, s.Tick > 0, len(s.Give) > 0, s.Death, s.Poke != nil} {
		if set {
			n++
		}
	}
	return n
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event filters trace events by type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Match holds trace event fields that must be equal, by JSON name.
	Match map[string]any `yaml:"match,omitempty"`

	// Count is the expected number of occurrences (trace_count, writes).
	Count int `yaml:"count,omitempty"`

	// Keys is the expected order of trace event keys (trace_order).
	Keys []string `yaml:"keys,omitempty"`

	// Addr and Bytes check process memory (memory, writes).
	Addr  uint32 `yaml:"addr,omitempty"`
	Bytes []int  `yaml:"bytes,omitempty"`

	// Table and Where select one row of the coordinator store (final_state).
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Expect holds expected values (final_state, status). Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertMemory        = "memory"
	AssertWrites        = "writes"
	AssertStatus        = "status"
	AssertFinalState    = "final_state"
)

// Boot presets.
const (
	BootRunning = "running"
	BootMenu    = "menu"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch s.Boot {
	case "", BootRunning, BootMenu:
	default:
		return fmt.Errorf("unknown boot preset %q", s.Boot)
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, w := range s.Memory {
		if err := validateWrite(w); err != nil {
			return fmt.Errorf("memory[%d]: %w", i, err)
		}
	}

	for key, value := range s.Stored {
		if !json.Valid([]byte(value)) {
			return fmt.Errorf("stored[%q]: value is not JSON", key)
		}
	}

	for loc, name := range s.Placements {
		if _, ok := catalog.ByName(name); !ok {
			return fmt.Errorf("placements[%d]: unknown item %q", loc, name)
		}
	}

	for i, step := range s.Steps {
		if n := step.kinds(); n != 1 {
			return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, n)
		}
		if step.Tick < 0 {
			return fmt.Errorf("steps[%d]: tick must be positive", i)
		}
		for _, name := range step.Give {
			if _, ok := catalog.ByName(name); !ok {
				return fmt.Errorf("steps[%d]: unknown item %q", i, name)
			}
		}
		if step.Poke != nil {
			if err := validateWrite(*step.Poke); err != nil {
				return fmt.Errorf("steps[%d].poke: %w", i, err)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateWrite(w MemoryWrite) error {
	if int(w.Addr)+max(w.Size, len(w.Bytes)) > memory.DefaultImageSize {
		return fmt.Errorf("write at %#x runs past the end of memory", w.Addr)
	}
	if w.Size < 0 {
		return fmt.Errorf("size must be non-negative")
	}
	if w.Size == 0 && len(w.Bytes) == 0 {
		return fmt.Errorf("bytes or size is required")
	}
	if w.Size > 0 && len(w.Bytes) > 0 {
		return fmt.Errorf("bytes and size are exclusive")
	}
	if w.Fill < 0 || w.Fill > 0xFF {
		return fmt.Errorf("fill %d is not a byte", w.Fill)
	}
	for _, b := range w.Bytes {
		if b < 0 || b > 0xFF {
			return fmt.Errorf("value %d is not a byte", b)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Keys) == 0 {
			return fmt.Errorf("assertions[%d]: keys list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertMemory:
		if len(a.Bytes) == 0 {
			return fmt.Errorf("assertions[%d]: bytes is required for memory", index)
		}
		if int(a.Addr)+len(a.Bytes) > memory.DefaultImageSize {
			return fmt.Errorf("assertions[%d]: address %#x is out of range", index, a.Addr)
		}
	case AssertWrites:
		if a.Addr == 0 {
			return fmt.Errorf("assertions[%d]: addr is required for writes", index)
		}
	case AssertStatus:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for status", index)
		}
		for key := range a.Expect {
			if _, ok := statusFields(game.Status{})[key]; !ok {
				return fmt.Errorf("assertions[%d]: unknown status field %q", index, key)
			}
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
