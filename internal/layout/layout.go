// Package layout describes the symbolic memory regions of the target process.
//
// The built-in layout is a CUE document embedded in the binary. A user
// overlay (also CUE) may replace individual regions, the save lists, the
// state rules or the ending patch. The result is an immutable *Layout built
// once per session and shared by every component.
package layout

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/ramlink/internal/memory"
)

//go:embed schema.cue
var schemaCUE string

//go:embed default.cue
var defaultCUE string

// ErrUnknownRegion is returned when a region name is not in the layout.
var ErrUnknownRegion = errors.New("layout: unknown region")

// Scope says whether a region exists once or once per participant.
type Scope int

const (
	// ScopeGlobal regions have a single address.
	ScopeGlobal Scope = iota
	// ScopePlayer regions repeat every Stride bytes per participant.
	ScopePlayer
)

func (s Scope) String() string {
	if s == ScopePlayer {
		return "player"
	}
	return "global"
}

// Participant selects one of the two in-process characters.
type Participant int

const (
	ToeJam Participant = 0
	Earl   Participant = 1
)

// Coverage is the set of participants a per-player region resolves to.
type Coverage int

const (
	CoverToeJam Coverage = 0
	CoverEarl   Coverage = 1
	CoverBoth   Coverage = 2
)

// CoverageFor maps the session's character option to a coverage.
// Out-of-range values fall back to the first character.
func CoverageFor(character int) Coverage {
	switch character {
	case 1:
		return CoverEarl
	case 2:
		return CoverBoth
	default:
		return CoverToeJam
	}
}

// Participants lists the participants a coverage resolves to, in order.
func (c Coverage) Participants() []Participant {
	switch c {
	case CoverEarl:
		return []Participant{Earl}
	case CoverBoth:
		return []Participant{ToeJam, Earl}
	default:
		return []Participant{ToeJam}
	}
}

// Primary is the participant used for single-address effects.
func (c Coverage) Primary() Participant {
	if c == CoverEarl {
		return Earl
	}
	return ToeJam
}

// Spec is one named memory region.
type Spec struct {
	Name     string
	Base     uint32
	Scope    Scope
	Stride   uint32
	SlotSize int
	MaxSlot  int
	Offset   uint32
}

// Size is the byte length of the whole region.
func (s Spec) Size() int {
	return (s.MaxSlot + 1) * s.SlotSize
}

// Addr returns the region's first byte for participant p. Global regions
// ignore p.
func (s Spec) Addr(p Participant) uint32 {
	if s.Scope == ScopeGlobal {
		return s.Base
	}
	return s.Base + uint32(p)*s.Stride
}

// Slot returns the address of element slot for participant p, and false
// when slot is outside [0, MaxSlot].
func (s Spec) Slot(slot int, p Participant) (uint32, bool) {
	if slot < 0 || slot > s.MaxSlot {
		return 0, false
	}
	return s.Addr(p) + uint32(slot*s.SlotSize) + s.Offset, true
}

// SaveRecord is a region persisted to the remote store.
type SaveRecord struct {
	Name  string
	Spec  Spec
	Scope Scope
}

// StateRules holds the raw values the state derivation compares against.
type StateRules struct {
	GhostSprites   []byte
	WaterSprites   []byte
	GroundedMin    int
	GroundedMax    int
	InElevator     byte
	Arrived        byte
	TravellingDown byte
}

// Patch is a fixed byte sequence written once at a fixed address of a
// memory domain.
type Patch struct {
	Domain memory.Domain
	Addr   uint32
	Bytes  []byte
}

// Options are resolved once when a Layout is built.
type Options struct {
	// ExpandedInventory swaps the stock inventory for the enlarged table.
	ExpandedInventory bool
	// Overlay is an optional CUE document checked against the schema and
	// applied over the built-in one: regions replace by name, other sections
	// replace wholesale.
	Overlay []byte
}

// Layout is the immutable set of regions for one session.
type Layout struct {
	specs   map[string]Spec
	saves   []SaveRecord
	rules   StateRules
	ending  Patch
	options Options
}

// requiredRegions are read or written by the engine unconditionally.
var requiredRegions = []string{
	"STATE", "SPRITE", "LEVEL", "POSITION", "LIVES", "RANK", "HEALTH",
	"FALL_STATE", "UNFALL_FLAG", "INVENTORY_OPEN", "GLOBAL_ELEVATOR_STATE",
	"INVENTORY", "BURPS_LEFT", "BURP_TIMER", "REDRAW_FLAG", "FLOOR_ITEMS",
	"COLLECTED_ITEMS", "TRIGGERED_SHIP_ITEMS", "COLLECTED_SHIP_PIECES",
	"AP_NUM_KEYS", "AP_NUM_MAP_REVEALS", "AP_LAST_REVEALED_MAP",
	"AP_ELEVATOR_LOCK", "AP_GIVE_ITEM", "AP_AUTO_PRESENT", "AP_AUTO_NO_POINTS",
	"AP_CUPID_TRAP", "AP_DIALOGUE_TRIGGER", "AP_DIALOGUE_LINE1",
	"AP_DIALOGUE_LINE2", "AP_INIT_COMPLETE", "AP_LEVEL_ITEMS_SET",
}

// Default builds the built-in layout with no options.
func Default() *Layout {
	l, err := New(Options{})
	if err != nil {
		panic(fmt.Sprintf("layout: built-in document is invalid: %v", err))
	}
	return l
}

// New compiles the built-in layout, applies the overlay and options, and
// validates the result.
func New(opts Options) (*Layout, error) {
	base, err := decode("default.cue", defaultCUE)
	if err != nil {
		return nil, fmt.Errorf("built-in layout: %w", err)
	}

	if len(opts.Overlay) > 0 {
		over, err := decode("overlay.cue", string(opts.Overlay))
		if err != nil {
			return nil, fmt.Errorf("overlay: %w", err)
		}
		base.merge(over)
	}

	if opts.ExpandedInventory {
		if base.ExpandedInventory == nil {
			return nil, errors.New("expanded inventory requested but layout has no expanded_inventory region")
		}
		base.Regions["INVENTORY"] = *base.ExpandedInventory
	}

	l := &Layout{
		specs:   make(map[string]Spec, len(base.Regions)),
		options: Options{ExpandedInventory: opts.ExpandedInventory},
	}
	for name, r := range base.Regions {
		l.specs[name] = r.spec(name)
	}
	for _, name := range requiredRegions {
		if _, ok := l.specs[name]; !ok {
			return nil, fmt.Errorf("%w: required region %s missing", ErrUnknownRegion, name)
		}
	}

	if base.Save != nil {
		for _, name := range base.Save.Global {
			spec, ok := l.specs[name]
			if !ok {
				return nil, fmt.Errorf("%w: save record %s", ErrUnknownRegion, name)
			}
			l.saves = append(l.saves, SaveRecord{Name: name, Spec: spec, Scope: ScopeGlobal})
		}
		for _, name := range base.Save.Player {
			spec, ok := l.specs[name]
			if !ok {
				return nil, fmt.Errorf("%w: save record %s", ErrUnknownRegion, name)
			}
			if spec.Scope != ScopePlayer {
				return nil, fmt.Errorf("save record %s listed as per-player but region is global", name)
			}
			l.saves = append(l.saves, SaveRecord{Name: name, Spec: spec, Scope: ScopePlayer})
		}
	}

	if base.Rules != nil {
		l.rules = base.Rules.rules()
	}
	if base.EndingPatch != nil {
		l.ending = Patch{
			Domain: memory.Domain(base.EndingPatch.Domain),
			Addr:   base.EndingPatch.Addr,
			Bytes:  toBytes(base.EndingPatch.Bytes),
		}
	}
	return l, nil
}

// Spec returns the named region.
func (l *Layout) Spec(name string) (Spec, error) {
	s, ok := l.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownRegion, name)
	}
	return s, nil
}

// MustSpec returns the named region and panics when it is absent. Only
// required regions should be looked up this way.
func (l *Layout) MustSpec(name string) Spec {
	s, err := l.Spec(name)
	if err != nil {
		panic(err)
	}
	return s
}

// Addr returns the first byte of a region for participant p.
func (l *Layout) Addr(name string, p Participant) uint32 {
	return l.MustSpec(name).Addr(p)
}

// Resolve returns the concrete addresses a region covers. Global regions
// always resolve to one address; per-player regions resolve to one address
// per participant in c.
func (l *Layout) Resolve(name string, c Coverage) []uint32 {
	s := l.MustSpec(name)
	if s.Scope == ScopeGlobal {
		return []uint32{s.Base}
	}
	ps := c.Participants()
	out := make([]uint32, len(ps))
	for i, p := range ps {
		out[i] = s.Addr(p)
	}
	return out
}

// Names returns every region name in sorted order.
func (l *Layout) Names() []string {
	names := make([]string, 0, len(l.specs))
	for name := range l.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SaveRecords returns the persisted regions, globals first, in document
// order.
func (l *Layout) SaveRecords() []SaveRecord {
	out := make([]SaveRecord, len(l.saves))
	copy(out, l.saves)
	return out
}

// Rules returns the state derivation constants.
func (l *Layout) Rules() StateRules {
	return l.rules
}

// EndingPatch returns the bytes written when one ship piece remains.
func (l *Layout) EndingPatch() Patch {
	return l.ending
}

// ExpandedInventory reports whether the enlarged inventory is in use.
func (l *Layout) ExpandedInventory() bool {
	return l.options.ExpandedInventory
}

// document mirrors schema.cue.
type document struct {
	Regions           map[string]region `json:"regions"`
	Save              *saveLists        `json:"save,omitempty"`
	Rules             *rulesDoc         `json:"rules,omitempty"`
	EndingPatch       *patchDoc         `json:"ending_patch,omitempty"`
	ExpandedInventory *region           `json:"expanded_inventory,omitempty"`
}

type region struct {
	Base     uint32 `json:"base"`
	Scope    string `json:"scope"`
	Stride   uint32 `json:"stride"`
	SlotSize int    `json:"slot_size"`
	MaxSlot  int    `json:"max_slot"`
	Offset   uint32 `json:"offset"`
}

func (r region) spec(name string) Spec {
	scope := ScopeGlobal
	if r.Scope == "player" {
		scope = ScopePlayer
	}
	return Spec{
		Name:     name,
		Base:     r.Base,
		Scope:    scope,
		Stride:   r.Stride,
		SlotSize: r.SlotSize,
		MaxSlot:  r.MaxSlot,
		Offset:   r.Offset,
	}
}

type saveLists struct {
	Global []string `json:"global"`
	Player []string `json:"player"`
}

type rulesDoc struct {
	GhostSprites []int `json:"ghost_sprites"`
	WaterSprites []int `json:"water_sprites"`
	Grounded     *struct {
		Min int `json:"min"`
		Max int `json:"max"`
	} `json:"grounded,omitempty"`
	Elevator *struct {
		InElevator     int `json:"in_elevator"`
		Arrived        int `json:"arrived"`
		TravellingDown int `json:"travelling_down"`
	} `json:"elevator,omitempty"`
}

func (r *rulesDoc) rules() StateRules {
	out := StateRules{
		GhostSprites: toBytes(r.GhostSprites),
		WaterSprites: toBytes(r.WaterSprites),
	}
	if r.Grounded != nil {
		out.GroundedMin, out.GroundedMax = r.Grounded.Min, r.Grounded.Max
	}
	if r.Elevator != nil {
		out.InElevator = byte(r.Elevator.InElevator)
		out.Arrived = byte(r.Elevator.Arrived)
		out.TravellingDown = byte(r.Elevator.TravellingDown)
	}
	return out
}

type patchDoc struct {
	Domain string `json:"domain"`
	Addr   uint32 `json:"addr"`
	Bytes  []int  `json:"bytes"`
}

// merge applies an overlay: regions replace by name, other sections
// replace wholesale when present.
func (d *document) merge(over *document) {
	if d.Regions == nil {
		d.Regions = make(map[string]region)
	}
	for name, r := range over.Regions {
		d.Regions[name] = r
	}
	if over.Save != nil {
		d.Save = over.Save
	}
	if over.Rules != nil {
		d.Rules = over.Rules
	}
	if over.EndingPatch != nil {
		d.EndingPatch = over.EndingPatch
	}
	if over.ExpandedInventory != nil {
		d.ExpandedInventory = over.ExpandedInventory
	}
}

// decode compiles src against the schema and decodes it.
func decode(filename, src string) (*document, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaCUE+"\n"+src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var doc document
	if err := v.Decode(&doc); err != nil {
		return nil, formatCUEError(err)
	}
	return &doc, nil
}

func toBytes(in []int) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	for i, v := range in {
		out[i] = byte(v)
	}
	return out
}

// Error is a CUE error with its source position.
type Error struct {
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &Error{Message: first.Error(), Pos: positions[0]}
	}
	return err
}
