// Package catalog holds the item and location id arithmetic shared with the
// coordinator. Ids are assigned sequentially from BaseID in a fixed master
// order, so they are stable across sessions and seeds.
package catalog

import "fmt"

// BaseID is the first item id and the first location id.
const BaseID int64 = 25101991

// Kind is the effect family of an item, fixed at classification time.
type Kind int

const (
	KindUnknown Kind = iota
	KindShipPiece
	KindPresent
	KindEdible
	KindNothing
	KindKey
	KindTrap
	KindMapReveal
	// KindDeath is a peer death signal. It has no item id.
	KindDeath
)

var kindNames = map[Kind]string{
	KindUnknown:   "unknown",
	KindShipPiece: "ship_piece",
	KindPresent:   "present",
	KindEdible:    "edible",
	KindNothing:   "nothing",
	KindKey:       "key",
	KindTrap:      "trap",
	KindMapReveal: "map_reveal",
	KindDeath:     "death",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Trap identifies an instant trap.
type Trap int

const (
	TrapNone Trap = iota
	TrapCupid
	TrapBurp
	TrapSleep
	TrapEarthling
	TrapSkates
	TrapRandomizer
)

// EmptySlot marks an unused mailbox, inventory or floor slot.
const EmptySlot byte = 0xFF

// Item is one entry of the master item list.
type Item struct {
	ID   int64
	Name string
	// Code is the in-process item code written to the give-item mailbox.
	Code byte
	Kind Kind
	// Bad presents are opened on arrival when auto-opening is enabled.
	Bad bool
	// Piece is the ship piece slot (0-9) for KindShipPiece.
	Piece int
	// Trap and TrapCode are set for KindTrap. TrapCode is the present
	// code opened by present-style traps and zero otherwise.
	Trap     Trap
	TrapCode byte
	// Dialogue is shown when the item is applied, if both lines are set.
	Dialogue [2]string
}

// HasDialogue reports whether the item carries static dialogue.
func (it Item) HasDialogue() bool {
	return it.Dialogue[0] != "" && it.Dialogue[1] != ""
}

type entry struct {
	name     string
	code     byte
	kind     Kind
	trap     Trap
	trapCode byte
	dialogue [2]string
}

// Master order. Ids depend on it; append only.
var master = []entry{
	{name: "Rocketship Windshield", code: 0x20, kind: KindShipPiece, dialogue: [2]string{"Windshield!", "jammin'"}},
	{name: "Left Megawatt Speaker", code: 0x20, kind: KindShipPiece, dialogue: [2]string{"L. speaker!", "jammin'"}},
	{name: "Super Funkomatic Amplamator", code: 0x20, kind: KindShipPiece, dialogue: [2]string{"Amp!", "jammin'"}},
	{name: "Amplamator Connector Fin", code: 0x20, kind: KindShipPiece, dialogue: [2]string{"Amp fin!", "jammin'"}},
	{name: "Forward Stabilizing Unit", code: 0x20, kind: KindShipPiece, dialogue: [2]string{"Front leg!", "jammin'"}},
	{name: "Rear Leg", code: 0x20, kind: KindShipPiece, dialogue: [2]string{"Rear leg!", "jammin'"}},
	{name: "Awesome Snowboard", code: 0x20, kind: KindShipPiece, dialogue: [2]string{"Snowboard!", "jammin'"}},
	{name: "Righteous Rapmaster Capsule", code: 0x20, kind: KindShipPiece, dialogue: [2]string{"Capsule!", "jammin'"}},
	{name: "Right Megawatt Speaker", code: 0x20, kind: KindShipPiece, dialogue: [2]string{"R. speaker!", "jammin'"}},
	{name: "Hyperfunk Thruster", code: 0x20, kind: KindShipPiece, dialogue: [2]string{"Thruster!", "jammin'"}},

	{name: "Icarus Wings", code: 0x00, kind: KindPresent},
	{name: "Spring Shoes", code: 0x01, kind: KindPresent},
	{name: "Innertube", code: 0x02, kind: KindPresent},
	{name: "Tomatoes", code: 0x03, kind: KindPresent},
	{name: "Slingshot", code: 0x04, kind: KindPresent},
	{name: "Rocket Skates", code: 0x05, kind: KindPresent},
	{name: "Rose Bushes", code: 0x06, kind: KindPresent},
	{name: "Super Hitops", code: 0x07, kind: KindPresent},
	{name: "Doorway", code: 0x08, kind: KindPresent},
	{name: "Food Present", code: 0x09, kind: KindPresent},
	{name: "Rootbeer", code: 0x0A, kind: KindPresent},
	{name: "Promotion", code: 0x0B, kind: KindPresent},
	{name: "Un-fall", code: 0x0C, kind: KindPresent},
	{name: "Rain Cloud", code: 0x0D, kind: KindPresent},
	{name: "Fudge Sundae Present", code: 0x0E, kind: KindPresent},
	{name: "Decoy", code: 0x0F, kind: KindPresent},
	{name: "Total Bummer", code: 0x10, kind: KindPresent},
	{name: "Extra Life", code: 0x11, kind: KindPresent},
	{name: "Randomizer", code: 0x12, kind: KindPresent},
	{name: "Telephone", code: 0x13, kind: KindPresent},
	{name: "Extra Buck Present", code: 0x14, kind: KindPresent},
	{name: "Jackpot", code: 0x15, kind: KindPresent},
	{name: "Tomato Rain", code: 0x16, kind: KindPresent},
	{name: "Earthling", code: 0x17, kind: KindPresent},
	{name: "School Book", code: 0x18, kind: KindPresent},
	{name: "Boombox", code: 0x19, kind: KindPresent},
	{name: "Mystery Present", code: 0x1A, kind: KindPresent},
	{name: "Bonus Hitops", code: 0x1B, kind: KindPresent},

	{name: "Burger", code: 0x40, kind: KindEdible},
	{name: "Fudge Sundae", code: 0x41, kind: KindEdible},
	{name: "Fudge Cake", code: 0x42, kind: KindEdible},
	{name: "Candy Cane", code: 0x43, kind: KindEdible},
	{name: "Fries", code: 0x44, kind: KindEdible},
	{name: "Pancakes", code: 0x45, kind: KindEdible},
	{name: "Watermelon", code: 0x46, kind: KindEdible},
	{name: "Bacon & Eggs", code: 0x47, kind: KindEdible},
	{name: "Cherry Pie", code: 0x48, kind: KindEdible},
	{name: "Pizza", code: 0x49, kind: KindEdible},
	{name: "Cereal", code: 0x4A, kind: KindEdible},
	{name: "Fish Bones", code: 0x4B, kind: KindEdible},
	{name: "Moldy Cheese", code: 0x4C, kind: KindEdible},
	{name: "Moldy Bread", code: 0x4D, kind: KindEdible},
	{name: "Slimy Fungus", code: 0x4E, kind: KindEdible},
	{name: "Old Cabbage", code: 0x4F, kind: KindEdible},
	{name: "A Buck", code: 0x50, kind: KindEdible},

	{name: "Nothing", code: EmptySlot, kind: KindNothing},

	{name: "Progressive Elevator Key", code: 0x1E, kind: KindKey},

	{name: "Cupid Trap", code: 0x1C, kind: KindTrap, trap: TrapCupid, dialogue: [2]string{"Uh-oh...", "cupid trap!"}},
	{name: "Burp Trap", code: 0x1C, kind: KindTrap, trap: TrapBurp, dialogue: [2]string{"Uh-oh...", "burp trap!"}},
	{name: "Sleep Trap", code: 0x1C, kind: KindTrap, trap: TrapSleep, trapCode: 0x18, dialogue: [2]string{"Uh-oh...", "study time!"}},
	{name: "Earthling Trap", code: 0x1C, kind: KindTrap, trap: TrapEarthling, trapCode: 0x17, dialogue: [2]string{"Uh-oh...", "earthling!!"}},
	{name: "Rocket Skates Trap", code: 0x1C, kind: KindTrap, trap: TrapSkates, trapCode: 0x05, dialogue: [2]string{"Uh-oh...", "skates trap!"}},
	{name: "Randomizer Trap", code: 0x1C, kind: KindTrap, trap: TrapRandomizer, trapCode: 0x12, dialogue: [2]string{"Uh-oh...", "randomizer!!"}},

	{name: "Progressive Map Reveal", code: 0x1F, kind: KindMapReveal},
}

var badPresentCodes = map[byte]bool{0x0D: true, 0x10: true, 0x12: true, 0x17: true, 0x18: true}

var (
	byID   = make(map[int64]Item, len(master))
	byName = make(map[string]Item, len(master))
	pieces []int64
)

func init() {
	piece := 0
	for i, e := range master {
		it := Item{
			ID:       BaseID + int64(i),
			Name:     e.name,
			Code:     e.code,
			Kind:     e.kind,
			Trap:     e.trap,
			TrapCode: e.trapCode,
			Dialogue: e.dialogue,
		}
		if e.kind == KindPresent {
			it.Bad = badPresentCodes[e.code]
		}
		if e.kind == KindShipPiece {
			it.Piece = piece
			piece++
			pieces = append(pieces, it.ID)
		}
		byID[it.ID] = it
		byName[it.Name] = it
	}
}

// Lookup returns the item with the given id.
func Lookup(id int64) (Item, bool) {
	it, ok := byID[id]
	return it, ok
}

// ByName returns the item with the given name.
func ByName(name string) (Item, bool) {
	it, ok := byName[name]
	return it, ok
}

// MustByName is ByName for names known at compile time.
func MustByName(name string) Item {
	it, ok := byName[name]
	if !ok {
		panic("catalog: unknown item " + name)
	}
	return it
}

// TotalShipPieces is the number of pieces needed to finish.
func TotalShipPieces() int {
	return len(pieces)
}

// Items returns the master list in id order.
func Items() []Item {
	out := make([]Item, 0, len(master))
	for i := range master {
		out = append(out, byID[BaseID+int64(i)])
	}
	return out
}
