package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultRequestTimeout bounds a single request to the emulator script.
const DefaultRequestTimeout = 500 * time.Millisecond

// Remote talks to an emulator-side script over TCP. Each request is one JSON
// object per line and is answered by exactly one JSON line:
//
//	-> {"id":1,"op":"read","domain":"68K RAM","addr":41609,"size":1}
//	<- {"id":1,"ok":true,"data":"AQ=="}
//
// Reads and writes carry the memory domain they address; lock and unlock
// carry none.
//
// The connection is dialed lazily and dropped on any I/O error; the next
// call redials. Every failure surfaces as ErrUnavailable.
type Remote struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
}

type remoteRequest struct {
	ID     uint64 `json:"id"`
	Op     string `json:"op"`
	Domain Domain `json:"domain,omitempty"`
	Addr   uint32 `json:"addr"`
	Size   int    `json:"size,omitempty"`
	Data   []byte `json:"data,omitempty"`
}

type remoteResponse struct {
	ID    uint64 `json:"id"`
	OK    bool   `json:"ok"`
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) RemoteOption {
	return func(r *Remote) {
		r.timeout = d
	}
}

// NewRemote creates a backend for the script listening at addr (host:port).
func NewRemote(addr string, opts ...RemoteOption) *Remote {
	r := &Remote{addr: addr, timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read implements Backend.
func (r *Remote) Read(ctx context.Context, addr uint32, size int) ([]byte, error) {
	resp, err := r.do(ctx, remoteRequest{Op: "read", Domain: DomainRAM, Addr: addr, Size: size})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != size {
		return nil, fmt.Errorf("%w: short read at 0x%X (%d of %d)", ErrUnavailable, addr, len(resp.Data), size)
	}
	return resp.Data, nil
}

// Write implements Backend.
func (r *Remote) Write(ctx context.Context, addr uint32, data []byte) error {
	return r.WriteDomain(ctx, DomainRAM, addr, data)
}

// WriteDomain implements DomainWriter.
func (r *Remote) WriteDomain(ctx context.Context, d Domain, addr uint32, data []byte) error {
	_, err := r.do(ctx, remoteRequest{Op: "write", Domain: d, Addr: addr, Data: data})
	return err
}

// Lock implements Backend by pausing emulation.
func (r *Remote) Lock(ctx context.Context) error {
	_, err := r.do(ctx, remoteRequest{Op: "lock"})
	return err
}

// Unlock implements Backend.
func (r *Remote) Unlock(ctx context.Context) error {
	_, err := r.do(ctx, remoteRequest{Op: "unlock"})
	return err
}

// Close drops the connection.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropLocked()
}

func (r *Remote) do(ctx context.Context, req remoteRequest) (remoteResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureConnLocked(ctx); err != nil {
		return remoteResponse{}, err
	}

	r.nextID++
	req.ID = r.nextID

	deadline := time.Now().Add(r.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = r.conn.SetDeadline(deadline)

	line, err := json.Marshal(req)
	if err != nil {
		return remoteResponse{}, fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	if _, err := r.conn.Write(append(line, '\n')); err != nil {
		r.dropLocked()
		return remoteResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	raw, err := r.reader.ReadBytes('\n')
	if err != nil {
		r.dropLocked()
		return remoteResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var resp remoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil || resp.ID != req.ID {
		// Out-of-step stream; resynchronise by reconnecting.
		r.dropLocked()
		return remoteResponse{}, fmt.Errorf("%w: bad response to %s", ErrUnavailable, req.Op)
	}
	if !resp.OK {
		return remoteResponse{}, fmt.Errorf("%w: %s", ErrUnavailable, resp.Error)
	}
	return resp, nil
}

func (r *Remote) ensureConnLocked(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	conn, err := r.dialer.DialContext(dctx, "tcp", r.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, r.addr, err)
	}
	slog.Info("memory backend connected", "addr", r.addr)
	r.conn = conn
	r.reader = bufio.NewReader(conn)
	return nil
}

func (r *Remote) dropLocked() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	r.reader = nil
	slog.Debug("memory backend connection dropped", "addr", r.addr)
	return err
}
