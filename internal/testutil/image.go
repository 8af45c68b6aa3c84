// Package testutil holds fixtures shared by tests and the simulation
// harness: boot images, a recording outbox, and deterministic clocks and
// ids.
package testutil

import (
	"github.com/roach88/ramlink/internal/catalog"
	"github.com/roach88/ramlink/internal/memory"
)

// First-character addresses in the built-in layout.
const (
	AddrState       = 0xA289
	AddrLevel       = 0xA2A6
	AddrLives       = 0xA248
	AddrHealth      = 0xA252
	AddrInventory   = 0xDAC2
	AddrPieces      = 0xF444
	AddrGiveItem    = 0xF554
	AddrAutoPresent = 0xF555
	AddrInit        = 0xF6A0
)

// MenuImage returns an image at the title screen: mailboxes idle, no ship
// piece collected, patch not yet initialized.
func MenuImage() *memory.Image {
	img := memory.NewImage(0)
	idle(img)
	return img
}

// RunningImage returns an image of an initialized game on level.
func RunningImage(level byte) *memory.Image {
	img := memory.NewImage(0)
	Boot(img, level)
	return img
}

// Boot puts img in a running, initialized game on level.
func Boot(img *memory.Image, level byte) {
	img.Set(AddrState, 1)
	img.Set(AddrLevel, level)
	img.Set(AddrLives, 3)
	img.Set(AddrHealth, 30)
	idle(img)
	img.Set(AddrInit, 1)
}

func idle(img *memory.Image) {
	img.Fill(AddrInventory, 16, catalog.EmptySlot)
	img.Set(AddrGiveItem, catalog.EmptySlot)
	img.Set(AddrAutoPresent, catalog.EmptySlot)
	// Ship piece slots hold level numbers; 0 marks a collected piece.
	for i := range catalog.TotalShipPieces() {
		img.Set(AddrPieces+uint32(i), byte(i+2))
	}
}
