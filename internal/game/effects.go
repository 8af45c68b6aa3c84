package game

import (
	"context"
	"log/slog"
	"slices"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/ramlink/internal/catalog"
	"github.com/roach88/ramlink/internal/delivery"
	"github.com/roach88/ramlink/internal/layout"
	"github.com/roach88/ramlink/internal/memory"
)

const (
	dialogueWidth       = 12
	burpTimer      byte = 0x10
	collectedPiece byte = 0x00
)

// apply performs one event's effect. It returns false when the process
// could not take the event now; the queue retries it later.
func (c *Controller) apply(ctx context.Context, e delivery.Event) bool {
	ok := c.applyKind(ctx, e)
	c.observer.Applied(e, ok)
	if ok {
		slog.Debug("event applied",
			"index", e.Index,
			"kind", e.Kind,
			"item", c.itemName(e.Item),
		)
	}
	return ok
}

func (c *Controller) applyKind(ctx context.Context, e delivery.Event) bool {
	if e.Kind == catalog.KindDeath {
		return c.die(ctx)
	}
	it, ok := catalog.Lookup(e.Item)
	if !ok {
		// Classification never queues unknown ids.
		return true
	}
	switch it.Kind {
	case catalog.KindTrap:
		return c.trap(ctx, it)
	case catalog.KindPresent:
		if c.autoOpens(it) {
			return c.openPresent(ctx, it.Code, false)
		}
		return c.giveItem(ctx, it)
	case catalog.KindEdible:
		return c.giveItem(ctx, it)
	case catalog.KindShipPiece:
		return c.awardShipPiece(ctx, it)
	case catalog.KindKey:
		return c.grantKey(ctx)
	case catalog.KindMapReveal:
		return c.revealMap(ctx)
	}
	return true
}

// autoOpens reports whether a bad present is opened on arrival instead of
// being handed over. Level 1 spares the Randomizer.
func (c *Controller) autoOpens(it catalog.Item) bool {
	switch {
	case !it.Bad || c.opts.AutoBadPresents <= 0:
		return false
	case c.opts.AutoBadPresents == 1 && it.Name == "Randomizer":
		return false
	}
	return true
}

func (c *Controller) trap(ctx context.Context, it catalog.Item) bool {
	var ok bool
	switch it.Trap {
	case catalog.TrapBurp:
		burps := byte(15 + c.rand.IntN(11))
		ok = c.poke(ctx, "BURP_TIMER", burpTimer) && c.poke(ctx, "BURPS_LEFT", burps)
	case catalog.TrapCupid:
		ok = c.poke(ctx, "AP_CUPID_TRAP", 1)
	case catalog.TrapSleep, catalog.TrapEarthling, catalog.TrapSkates, catalog.TrapRandomizer:
		ok = c.openPresent(ctx, it.TrapCode, true)
	default:
		slog.Error("unknown trap", "item", it.Name)
		return true
	}
	if ok {
		c.dialogue(ctx, it.Dialogue)
	}
	return ok
}

// openPresent asks the process to open a present on the character. It
// fails while another opened present is still pending.
func (c *Controller) openPresent(ctx context.Context, code byte, noPoints bool) bool {
	pending, ok := c.peek(ctx, "AP_AUTO_PRESENT")
	if !ok || pending != catalog.EmptySlot {
		return false
	}
	var points byte
	if noPoints {
		points = 1
	}
	err := memory.WithLock(ctx, c.backend, func() error {
		if err := c.write(ctx, "AP_AUTO_NO_POINTS", points); err != nil {
			return err
		}
		return c.write(ctx, "AP_AUTO_PRESENT", code)
	})
	return err == nil
}

// giveItem hands an item over through the give-item mailbox. Presents
// also need a free inventory slot.
func (c *Controller) giveItem(ctx context.Context, it catalog.Item) bool {
	waiting, ok := c.peek(ctx, "AP_GIVE_ITEM")
	if !ok || waiting != catalog.EmptySlot {
		return false
	}
	if it.Kind == catalog.KindPresent && c.inventoryFull(ctx) {
		return false
	}
	return c.poke(ctx, "AP_GIVE_ITEM", it.Code)
}

// inventoryFull reports whether the last inventory slot is taken. A failed
// read counts as full.
func (c *Controller) inventoryFull(ctx context.Context) bool {
	inv := c.layout.MustSpec("INVENTORY")
	addr, _ := inv.Slot(inv.MaxSlot, c.primary)
	v, ok := memory.PeekByte(ctx, c.backend, addr)
	return !ok || v != catalog.EmptySlot
}

func (c *Controller) awardShipPiece(ctx context.Context, it catalog.Item) bool {
	addr, ok := c.layout.MustSpec("COLLECTED_SHIP_PIECES").Slot(it.Piece, layout.ToeJam)
	if !ok {
		return true
	}
	prev, ok := memory.PeekByte(ctx, c.backend, addr)
	if !ok {
		return false
	}
	if prev != collectedPiece {
		if !memory.Poke(ctx, c.backend, addr, collectedPiece) {
			return false
		}
		c.counters.Pieces++
		slog.Info("ship piece received", "piece", it.Name, "owned", c.counters.Pieces)
	}
	c.dialogue(ctx, it.Dialogue)
	return true
}

func (c *Controller) grantKey(ctx context.Context) bool {
	n, ok := c.increment(ctx, "AP_NUM_KEYS")
	if !ok {
		return false
	}
	c.counters.Keys = max(c.counters.Keys, n)
	slog.Info("elevator key received", "keys", n)
	return true
}

func (c *Controller) revealMap(ctx context.Context) bool {
	n, ok := c.increment(ctx, "AP_NUM_MAP_REVEALS")
	if !ok {
		return false
	}
	c.counters.Reveals = max(c.counters.Reveals, n)
	if lines, ok := catalog.MapRevealLines(c.opts.MapRevealPotencies, n); ok {
		c.dialogue(ctx, lines)
	}
	return true
}

// die zeroes health unless the character is already a ghost.
func (c *Controller) die(ctx context.Context) bool {
	sprite, ok := c.peek(ctx, "SPRITE")
	if !ok {
		return false
	}
	if slices.Contains(c.layout.Rules().GhostSprites, sprite) {
		return true
	}
	if !c.poke(ctx, "HEALTH", 0) {
		return false
	}
	c.echoDeath = true
	slog.Info("death received from peer")
	return true
}

func (c *Controller) increment(ctx context.Context, region string) (int, bool) {
	v, ok := c.peek(ctx, region)
	if !ok || v == 0xFF {
		return 0, false
	}
	if !c.poke(ctx, region, v+1) {
		return 0, false
	}
	return int(v) + 1, true
}

// dialogue shows two lines in the message box. Failures only lose the
// message.
func (c *Controller) dialogue(ctx context.Context, lines [2]string) {
	if lines[0] == "" || lines[1] == "" {
		return
	}
	ok := memory.Poke(ctx, c.backend, c.layout.Addr("AP_DIALOGUE_LINE1", c.primary), dialogueLine(lines[0])...) &&
		memory.Poke(ctx, c.backend, c.layout.Addr("AP_DIALOGUE_LINE2", c.primary), dialogueLine(lines[1])...) &&
		c.poke(ctx, "AP_DIALOGUE_TRIGGER", 1)
	if !ok {
		slog.Debug("dialogue dropped", "line1", lines[0])
	}
}

// dialogueLine folds s to the process's 7-bit charset and pads it with NUL
// to the line width.
func dialogueLine(s string) []byte {
	fold := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Map(func(r rune) rune {
			if r > unicode.MaxASCII || !unicode.IsPrint(r) {
				return '?'
			}
			return r
		}),
	)
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}
	out := make([]byte, dialogueWidth)
	copy(out, folded)
	return out
}

func (c *Controller) peek(ctx context.Context, region string) (byte, bool) {
	return memory.PeekByte(ctx, c.backend, c.layout.Addr(region, c.primary))
}

func (c *Controller) poke(ctx context.Context, region string, v byte) bool {
	return memory.Poke(ctx, c.backend, c.layout.Addr(region, c.primary), v)
}

func (c *Controller) write(ctx context.Context, region string, v byte) error {
	return c.backend.Write(ctx, c.layout.Addr(region, c.primary), []byte{v})
}

func (c *Controller) itemName(id int64) string {
	if it, ok := catalog.Lookup(id); ok {
		return it.Name
	}
	return "-"
}
