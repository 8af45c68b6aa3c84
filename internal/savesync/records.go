package savesync

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/roach88/ramlink/internal/delivery"
	"github.com/roach88/ramlink/internal/layout"
)

// KeyPrefix namespaces every persisted key by team and slot.
func KeyPrefix(team, slot int) string {
	return fmt.Sprintf("ramlink_T%d_S%d_", team, slot)
}

// slot is one concrete persisted region: a save record resolved for one
// participant.
type slot struct {
	key         string
	name        string
	addr        uint32
	size        int
	participant layout.Participant
}

// resolveSlots expands the layout's save records for the session's
// coverage. Per-player records get one key per participant.
func resolveSlots(l *layout.Layout, prefix string, c layout.Coverage) []slot {
	var out []slot
	for _, rec := range l.SaveRecords() {
		if rec.Scope == layout.ScopeGlobal {
			out = append(out, slot{
				key:  prefix + rec.Name,
				name: rec.Name,
				addr: rec.Spec.Addr(layout.ToeJam),
				size: rec.Spec.Size(),
			})
			continue
		}
		for _, p := range c.Participants() {
			out = append(out, slot{
				key:         prefix + rec.Name + "_" + strconv.Itoa(int(p)),
				name:        rec.Name,
				addr:        rec.Spec.Addr(p),
				size:        rec.Spec.Size(),
				participant: p,
			})
		}
	}
	return out
}

func lastIndexKey(prefix string) string {
	return prefix + "LAST_INDEX"
}

func queueKey(prefix string, c delivery.Category) string {
	return prefix + "QUEUE_" + c.String()
}

// queueState is the persisted form of a queue's durable counters.
type queueState struct {
	Delivered int64 `json:"delivered"`
	Through   int64 `json:"through"`
}

func encodeRecord(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// isNull reports whether a retrieved value is absent.
func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func decodeIndex(raw json.RawMessage) (int64, error) {
	if isNull(raw) {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("last index: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("last index: negative value %d", n)
	}
	return n, nil
}

func decodeQueueState(raw json.RawMessage) (queueState, error) {
	var qs queueState
	if isNull(raw) {
		return qs, nil
	}
	if err := json.Unmarshal(raw, &qs); err != nil {
		return qs, err
	}
	return qs, nil
}

func decodeRecord(raw json.RawMessage) ([]byte, bool, error) {
	if isNull(raw) {
		return nil, false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, err
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
