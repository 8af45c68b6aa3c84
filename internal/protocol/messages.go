// Package protocol defines the coordinator message shapes the engine
// consumes and produces. Frames are JSON arrays of objects, each tagged by
// a "cmd" field.
package protocol

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Command names.
const (
	CmdRoomInfo          = "RoomInfo"
	CmdConnected         = "Connected"
	CmdConnectionRefused = "ConnectionRefused"
	CmdReceivedItems     = "ReceivedItems"
	CmdRetrieved         = "Retrieved"
	CmdBounced           = "Bounced"

	CmdConnect        = "Connect"
	CmdConnectUpdate  = "ConnectUpdate"
	CmdLocationChecks = "LocationChecks"
	CmdSet            = "Set"
	CmdGet            = "Get"
	CmdStatusUpdate   = "StatusUpdate"
	CmdSync           = "Sync"
	CmdBounce         = "Bounce"
)

// StatusGoal is the client status reported when the goal is complete.
const StatusGoal = 30

// TagDeathLink marks death signals.
const TagDeathLink = "DeathLink"

// Message is any frame element.
type Message interface {
	Command() string
}

// RoomInfo is the first message after the socket opens.
type RoomInfo struct {
	SeedName string   `json:"seed_name"`
	Version  *Version `json:"version,omitempty"`
}

// Version is the coordinator protocol version.
type Version struct {
	Major int    `json:"major"`
	Minor int    `json:"minor"`
	Build int    `json:"build"`
	Class string `json:"class"`
}

// Connected confirms the slot and carries session options.
type Connected struct {
	Team     int      `json:"team"`
	Slot     int      `json:"slot"`
	SlotData SlotData `json:"slot_data"`
	// CheckedLocations lets a fresh client skip re-sending known checks.
	CheckedLocations []int64 `json:"checked_locations,omitempty"`
}

// ConnectionRefused rejects a Connect.
type ConnectionRefused struct {
	Errors []string `json:"errors"`
}

// NetworkItem is one delivered item.
type NetworkItem struct {
	Item     int64 `json:"item"`
	Location int64 `json:"location"`
	Player   int   `json:"player"`
	Flags    int   `json:"flags,omitempty"`
}

// ReceivedItems carries a batch of items. Index is the number of items the
// coordinator had sent before this batch, so item i of the batch is the
// (Index+i+1)-th item of the session.
type ReceivedItems struct {
	Index int64         `json:"index"`
	Items []NetworkItem `json:"items"`
}

// EventIndex returns the 1-based session index of item i.
func (r ReceivedItems) EventIndex(i int) int64 {
	return r.Index + int64(i) + 1
}

// Retrieved answers a Get. Absent keys carry JSON null.
type Retrieved struct {
	Keys map[string]json.RawMessage `json:"keys"`
}

// Bounced is a peer signal.
type Bounced struct {
	Tags []string        `json:"tags,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HasTag reports whether the signal carries tag.
func (b Bounced) HasTag(tag string) bool {
	return slices.Contains(b.Tags, tag)
}

// Connect requests a slot.
type Connect struct {
	Password      string   `json:"password"`
	Game          string   `json:"game"`
	Name          string   `json:"name"`
	UUID          string   `json:"uuid"`
	Version       Version  `json:"version"`
	ItemsHandling int      `json:"items_handling"`
	Tags          []string `json:"tags"`
	SlotData      bool     `json:"slot_data"`
}

// ConnectUpdate changes tags after connecting.
type ConnectUpdate struct {
	Tags []string `json:"tags"`
}

// LocationChecks reports triggered locations.
type LocationChecks struct {
	Locations []int64 `json:"locations"`
}

// DataOp is one data storage operation.
type DataOp struct {
	Operation string `json:"operation"`
	Value     any    `json:"value"`
}

// Set writes a data storage key.
type Set struct {
	Key        string   `json:"key"`
	Default    any      `json:"default"`
	WantReply  bool     `json:"want_reply"`
	Operations []DataOp `json:"operations"`
}

// Replace builds a Set that replaces key with value.
func Replace(key string, value any) Set {
	return Set{Key: key, Default: 0, Operations: []DataOp{{Operation: "replace", Value: value}}}
}

// Get reads data storage keys.
type Get struct {
	Keys []string `json:"keys"`
}

// StatusUpdate reports client status.
type StatusUpdate struct {
	Status int `json:"status"`
}

// Sync asks the coordinator to resend every item.
type Sync struct{}

// Bounce sends a peer signal.
type Bounce struct {
	Tags []string `json:"tags,omitempty"`
	Data any      `json:"data,omitempty"`
}

func (RoomInfo) Command() string          { return CmdRoomInfo }
func (Connected) Command() string         { return CmdConnected }
func (ConnectionRefused) Command() string { return CmdConnectionRefused }
func (ReceivedItems) Command() string     { return CmdReceivedItems }
func (Retrieved) Command() string         { return CmdRetrieved }
func (Bounced) Command() string           { return CmdBounced }
func (Connect) Command() string           { return CmdConnect }
func (ConnectUpdate) Command() string     { return CmdConnectUpdate }
func (LocationChecks) Command() string    { return CmdLocationChecks }
func (Set) Command() string               { return CmdSet }
func (Get) Command() string               { return CmdGet }
func (StatusUpdate) Command() string      { return CmdStatusUpdate }
func (Sync) Command() string              { return CmdSync }
func (Bounce) Command() string            { return CmdBounce }

// Toggle decodes options sent either as JSON booleans or as 0/1 numbers.
type Toggle bool

// UnmarshalJSON implements json.Unmarshaler.
func (t *Toggle) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*t = Toggle(b)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("toggle: want bool or number, got %s", data)
	}
	*t = n != 0
	return nil
}

// SlotData are the per-slot session options.
type SlotData struct {
	// Character is 0 (ToeJam), 1 (Earl) or 2 (both).
	Character int    `json:"character"`
	DeathLink Toggle `json:"death_link"`
	// AutoBadPresents is 0 (off), 1 (all but Randomizer) or 2 (all).
	AutoBadPresents    int    `json:"auto_bad_presents"`
	ExpandedInventory  Toggle `json:"expanded_inventory"`
	KeyGap             int    `json:"key_gap"`
	LastLevel          int    `json:"last_level"`
	MapRevealPotencies []int  `json:"map_reveal_potencies"`
}

// WithDefaults fills options a coordinator may omit.
func (s SlotData) WithDefaults() SlotData {
	if s.LastLevel <= 0 {
		s.LastLevel = 25
	}
	return s
}
