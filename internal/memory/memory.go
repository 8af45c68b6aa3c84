// Package memory defines the polling interface to the live process's flat
// address space and two implementations of it.
//
// Every Backend call may fail transiently. Callers treat a failed read as
// "no observation this tick" and a failed write as "not applied"; neither is
// ever interpreted as process state.
package memory

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable is returned when the backend cannot service a request right
// now (disconnected, busy, or the request timed out).
var ErrUnavailable = errors.New("memory: backend unavailable")

// ErrOutOfRange is returned when a request falls outside the address space.
var ErrOutOfRange = errors.New("memory: address out of range")

// ErrUnsupportedDomain is returned for a write to a domain the backend
// cannot reach.
var ErrUnsupportedDomain = errors.New("memory: unsupported domain")

// Domain names an address space of the emulated machine. Backend.Read and
// Backend.Write always address DomainRAM.
type Domain string

const (
	// DomainRAM is the 68K work RAM every region lives in.
	DomainRAM Domain = "68K RAM"
	// DomainCart is the cartridge ROM, the target of code patches.
	DomainCart Domain = "MD CART"
)

// Backend is a fallible view of the process memory.
//
// Lock and Unlock bracket multi-field writes that must not be observed
// half-applied by an external reader. Implementations that cannot pause the
// process treat them as no-ops.
type Backend interface {
	Read(ctx context.Context, addr uint32, size int) ([]byte, error)
	Write(ctx context.Context, addr uint32, data []byte) error
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// DomainWriter is implemented by backends that can write outside DomainRAM.
type DomainWriter interface {
	WriteDomain(ctx context.Context, d Domain, addr uint32, data []byte) error
}

// WriteDomain writes data at addr in domain d. RAM writes go through
// Backend.Write; other domains need a DomainWriter.
func WriteDomain(ctx context.Context, b Backend, d Domain, addr uint32, data []byte) error {
	if d == "" || d == DomainRAM {
		return b.Write(ctx, addr, data)
	}
	dw, ok := b.(DomainWriter)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedDomain, d)
	}
	return dw.WriteDomain(ctx, d, addr, data)
}

// Peek reads size bytes and reports whether the read succeeded. It is the
// observation form used by monitors and state derivation.
func Peek(ctx context.Context, b Backend, addr uint32, size int) ([]byte, bool) {
	data, err := b.Read(ctx, addr, size)
	if err != nil || len(data) != size {
		return nil, false
	}
	return data, true
}

// PeekByte reads one byte.
func PeekByte(ctx context.Context, b Backend, addr uint32) (byte, bool) {
	data, ok := Peek(ctx, b, addr, 1)
	if !ok {
		return 0, false
	}
	return data[0], true
}

// Poke writes data and reports success.
func Poke(ctx context.Context, b Backend, addr uint32, data ...byte) bool {
	return b.Write(ctx, addr, data) == nil
}

// WithLock runs fn between Lock and Unlock. Unlock always runs once Lock has
// succeeded.
func WithLock(ctx context.Context, b Backend, fn func() error) (err error) {
	if err := b.Lock(ctx); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer func() {
		if uerr := b.Unlock(ctx); uerr != nil && err == nil {
			err = fmt.Errorf("unlock: %w", uerr)
		}
	}()
	return fn()
}
