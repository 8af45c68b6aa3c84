// Package monitor detects changes in polled memory regions.
//
// A Monitor samples one region per tick at one or more resolved addresses
// and fires its handler once per observed transition. The first sample
// after the monitor becomes enabled is a baseline and never fires.
package monitor

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/roach88/ramlink/internal/memory"
)

// Handler is invoked for a transition at resolved address index. old and
// new are never nil and never equal.
type Handler func(ctx context.Context, index int, old, new []byte)

// Monitor is the change detector for one region.
//
// Not safe for concurrent use; it belongs to the session goroutine.
type Monitor struct {
	name     string
	addrs    []uint32
	size     int
	enabled  func() bool
	onChange Handler

	active bool
	old    [][]byte
	new    [][]byte
}

// New creates a monitor. enabled is evaluated at the start of every tick.
// A nil enabled predicate means always enabled.
func New(name string, addrs []uint32, size int, enabled func() bool, onChange Handler) *Monitor {
	if enabled == nil {
		enabled = func() bool { return true }
	}
	m := &Monitor{
		name:     name,
		addrs:    append([]uint32(nil), addrs...),
		size:     size,
		enabled:  enabled,
		onChange: onChange,
	}
	m.reset()
	return m
}

// Name returns the monitor's name.
func (m *Monitor) Name() string {
	return m.name
}

// Addrs returns the resolved addresses in index order.
func (m *Monitor) Addrs() []uint32 {
	return append([]uint32(nil), m.addrs...)
}

// Active reports whether the last tick found the monitor enabled.
func (m *Monitor) Active() bool {
	return m.active
}

// Current returns the latest sample at index, or nil when there is none.
func (m *Monitor) Current(index int) []byte {
	if index < 0 || index >= len(m.new) {
		return nil
	}
	return m.new[index]
}

// Tick samples every address once. Read failures skip that address for
// this tick: the previous sample stays in place and nothing is compared.
// The returned count is the number of handler invocations.
func (m *Monitor) Tick(ctx context.Context, b memory.Backend) int {
	on := len(m.addrs) > 0 && m.enabled()
	if on != m.active {
		slog.Debug("monitor state changed", "monitor", m.name, "enabled", on)
		m.active = on
	}
	if !on {
		m.reset()
		return 0
	}

	fired := 0
	for i, addr := range m.addrs {
		data, ok := memory.Peek(ctx, b, addr, m.size)
		if !ok {
			continue
		}
		m.old[i], m.new[i] = m.new[i], data
		if m.old[i] != nil && !bytes.Equal(m.old[i], m.new[i]) {
			fired++
			m.onChange(ctx, i, m.old[i], m.new[i])
		}
	}
	return fired
}

// Reset clears every sample, so the next enabled tick is a baseline.
func (m *Monitor) Reset() {
	m.reset()
}

func (m *Monitor) reset() {
	if m.old == nil {
		m.old = make([][]byte, len(m.addrs))
		m.new = make([][]byte, len(m.addrs))
		return
	}
	clear(m.old)
	clear(m.new)
}
