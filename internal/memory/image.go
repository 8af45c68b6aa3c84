package memory

import (
	"context"
	"sync"
)

// DefaultImageSize is the size of each domain of a new Image. It covers the
// work RAM window and the cartridge patch area.
const DefaultImageSize = 0x40000

// WriteRecord is one successful write observed by an Image.
type WriteRecord struct {
	Domain Domain
	Addr   uint32
	Data   []byte
}

// Image is an in-process address space. It backs simulations and tests and
// can inject transient failures.
//
// Thread-safety: all methods are safe for concurrent use, so a display
// reader may sample the image while the session writes to it.
type Image struct {
	mu      sync.Mutex
	data    []byte
	other   map[Domain][]byte
	writes  []WriteRecord
	locked  int
	offline bool

	failReads  int
	failWrites int
	readFaults map[uint32]int
}

// NewImage creates a zeroed image of the given size.
func NewImage(size int) *Image {
	if size <= 0 {
		size = DefaultImageSize
	}
	return &Image{
		data:       make([]byte, size),
		other:      make(map[Domain][]byte),
		readFaults: make(map[uint32]int),
	}
}

// Read implements Backend.
func (m *Image) Read(_ context.Context, addr uint32, size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return nil, ErrUnavailable
	}
	if m.failReads > 0 {
		m.failReads--
		return nil, ErrUnavailable
	}
	if n := m.readFaults[addr]; n > 0 {
		m.readFaults[addr] = n - 1
		return nil, ErrUnavailable
	}
	if int(addr)+size > len(m.data) || size < 0 {
		return nil, ErrOutOfRange
	}
	out := make([]byte, size)
	copy(out, m.data[addr:int(addr)+size])
	return out, nil
}

// Write implements Backend.
func (m *Image) Write(_ context.Context, addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(DomainRAM, m.data, addr, data)
}

// WriteDomain implements DomainWriter. Every domain other than DomainRAM
// is a separate zeroed space the size of the RAM image.
func (m *Image) WriteDomain(_ context.Context, d Domain, addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(d, m.spaceLocked(d), addr, data)
}

func (m *Image) writeLocked(d Domain, space []byte, addr uint32, data []byte) error {
	if m.offline {
		return ErrUnavailable
	}
	if m.failWrites > 0 {
		m.failWrites--
		return ErrUnavailable
	}
	if int(addr)+len(data) > len(space) {
		return ErrOutOfRange
	}
	copy(space[addr:], data)
	m.writes = append(m.writes, WriteRecord{Domain: d, Addr: addr, Data: append([]byte(nil), data...)})
	return nil
}

func (m *Image) spaceLocked(d Domain) []byte {
	if d == DomainRAM || d == "" {
		return m.data
	}
	space, ok := m.other[d]
	if !ok {
		space = make([]byte, len(m.data))
		m.other[d] = space
	}
	return space
}

// Lock implements Backend. Nested locks are counted.
func (m *Image) Lock(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	m.locked++
	return nil
}

// Unlock implements Backend.
func (m *Image) Unlock(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked > 0 {
		m.locked--
	}
	return nil
}

// Locked reports whether a Lock is outstanding.
func (m *Image) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked > 0
}

// Set stores bytes without recording a write or consulting fault injection.
// It models the process changing its own memory.
func (m *Image) Set(addr uint32, data ...byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[addr:], data)
}

// Get returns a copy of size bytes at addr without fault injection.
func (m *Image) Get(addr uint32, size int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, size)
	copy(out, m.data[addr:int(addr)+size])
	return out
}

// GetDomain returns a copy of size bytes at addr in domain d.
func (m *Image) GetDomain(d Domain, addr uint32, size int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, size)
	copy(out, m.spaceLocked(d)[addr:int(addr)+size])
	return out
}

// Fill sets size bytes at addr to v.
func (m *Image) Fill(addr uint32, size int, v byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < size; i++ {
		m.data[int(addr)+i] = v
	}
}

// Writes returns every successful Write so far, in order.
func (m *Image) Writes() []WriteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WriteRecord, len(m.writes))
	copy(out, m.writes)
	return out
}

// WritesTo returns the successful RAM writes that targeted addr.
func (m *Image) WritesTo(addr uint32) []WriteRecord {
	return m.WritesIn(DomainRAM, addr)
}

// WritesIn returns the successful writes that targeted addr in domain d.
func (m *Image) WritesIn(d Domain, addr uint32) []WriteRecord {
	var out []WriteRecord
	for _, w := range m.Writes() {
		if w.Domain == d && w.Addr == addr {
			out = append(out, w)
		}
	}
	return out
}

// SetOffline makes every call fail with ErrUnavailable until cleared.
func (m *Image) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNextReads makes the next n reads fail.
func (m *Image) FailNextReads(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = n
}

// FailNextWrites makes the next n writes fail.
func (m *Image) FailNextWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

// FailReadsAt makes the next n reads of addr fail.
func (m *Image) FailReadsAt(addr uint32, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFaults[addr] = n
}
