package catalog

import "fmt"

// MaxLevel is the highest level with locations.
const MaxLevel = 25

// RankNames indexes rank values 0-8.
var RankNames = [...]string{"Wiener", "Dufus", "Poindexter", "Peanut", "Dude", "Bro", "Homey", "Rapmaster", "Funk Lord"}

// ItemsOnLevel is the number of floor item locations on level (single
// player counts). Levels outside 1..MaxLevel have none.
func ItemsOnLevel(level int) int {
	switch {
	case level < 1 || level > MaxLevel:
		return 0
	case level == 1:
		return 12
	default:
		return min(28, 12+level-2)
	}
}

var (
	floorOffsets [MaxLevel + 2]int64
	shipBase     int64
	rankBase     int64
)

func init() {
	var n int64
	for level := 1; level <= MaxLevel; level++ {
		floorOffsets[level] = n
		n += int64(ItemsOnLevel(level))
	}
	shipBase = n
	rankBase = shipBase + int64(MaxLevel-1)
}

// FloorItemID returns the location id of item n (1-based) on level.
func FloorItemID(level, n int) (int64, bool) {
	if n < 1 || n > ItemsOnLevel(level) {
		return 0, false
	}
	return BaseID + floorOffsets[level] + int64(n-1), true
}

// ShipPieceID returns the ship piece location id for level (2..MaxLevel).
func ShipPieceID(level int) (int64, bool) {
	if level < 2 || level > MaxLevel {
		return 0, false
	}
	return BaseID + shipBase + int64(level-2), true
}

// RankID returns the promotion location id for rank (0..8).
func RankID(rank int) (int64, bool) {
	if rank < 0 || rank >= len(RankNames) {
		return 0, false
	}
	return BaseID + rankBase + int64(rank), true
}

// LocationName renders a location id for logs.
func LocationName(id int64) string {
	off := id - BaseID
	switch {
	case off < 0:
	case off < shipBase:
		for level := MaxLevel; level >= 1; level-- {
			if off >= floorOffsets[level] {
				return fmt.Sprintf("Level %d - Item %d", level, off-floorOffsets[level]+1)
			}
		}
	case off < rankBase:
		return fmt.Sprintf("Level %d - Ship Piece", off-shipBase+2)
	case off < rankBase+int64(len(RankNames)):
		return "Promoted to " + RankNames[off-rankBase]
	}
	return fmt.Sprintf("location %d", id)
}

// KeyLevels lists the levels whose exit elevator needs a key, in order.
// gap 0 disables keys, gap 1 gates every level from 2 up to lastLevel-1.
func KeyLevels(gap, lastLevel int) []int {
	var out []int
	switch {
	case gap <= 0:
		return nil
	case gap == 1:
		for l := 2; l < lastLevel; l++ {
			out = append(out, l)
		}
	default:
		for l := gap; l < lastLevel; l += gap {
			out = append(out, l)
		}
	}
	return out
}

// MapRevealLines is the dialogue for the n-th (1-based) map reveal given
// the per-reveal level counts.
func MapRevealLines(potencies []int, n int) ([2]string, bool) {
	if n < 1 || n > len(potencies) {
		return [2]string{}, false
	}
	lower, upper := 1, 0
	for i := 0; i < n; i++ {
		if i > 0 {
			lower = upper + 1
		}
		upper += potencies[i]
	}
	if lower == upper {
		return [2]string{"Map reveal!", fmt.Sprintf("Lv%d map!", lower)}, true
	}
	return [2]string{"Map reveal!", fmt.Sprintf("Lv%d-%d map!", lower, upper)}, true
}

// MaxHealth is the full health of participant (0 or 1) at rank.
func MaxHealth(participant, rank int) int {
	base := 23
	if participant == 1 {
		base = 31
	}
	return base + 4*rank
}
