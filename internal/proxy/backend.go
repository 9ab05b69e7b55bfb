package proxy

import (
	"sync/atomic"
	"time"

	"github.com/flumeproxy/flume/internal/tunnel"
)

// BackendState is the last observed liveness of a backend.
type BackendState int32

const (
	BackendUnknown BackendState = iota
	BackendUp
	BackendDown
)

func (s BackendState) String() string {
	switch s {
	case BackendUp:
		return "up"
	case BackendDown:
		return "down"
	default:
		return "unknown"
	}
}

// Backend is one remote endpoint of a tunnel plus its usage counters. It is
// owned by its Tunnel; pipelines update the counters through atomic
// operations only, so no lock is held on the data path.
type Backend struct {
	addr tunnel.Spec

	state         atomic.Int32
	open          atomic.Int64
	total         atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	dialErrors    atomic.Uint64
	lastErrorNano atomic.Int64
}

func newBackend(addr tunnel.Spec) *Backend {
	return &Backend{addr: addr}
}

// Addr returns the backend's remote address.
func (b *Backend) Addr() tunnel.Spec {
	return b.addr
}

// State returns the backend's last observed liveness.
func (b *Backend) State() BackendState {
	return BackendState(b.state.Load())
}

// connected records a successful dial: exactly one open increment and one
// total increment per pipeline.
func (b *Backend) connected() {
	b.open.Add(1)
	b.total.Add(1)
	b.state.Store(int32(BackendUp))
}

// disconnected pairs with connected; total is left unchanged.
func (b *Backend) disconnected() {
	b.open.Add(-1)
}

func (b *Backend) dialFailed(now time.Time) {
	b.dialErrors.Add(1)
	b.lastErrorNano.Store(now.UnixNano())
	b.state.Store(int32(BackendDown))
}

// recovered resets liveness to unknown once a down cooldown has expired, so
// the next connection attempt is the probe.
func (b *Backend) recovered() {
	b.state.CompareAndSwap(int32(BackendDown), int32(BackendUnknown))
}

// BackendSnapshot is a point-in-time copy of a backend's counters, readable
// while pipelines keep updating them.
type BackendSnapshot struct {
	Addr          string    `json:"addr"`
	State         string    `json:"state"`
	OpenConns     int64     `json:"open_conns"`
	TotalConns    uint64    `json:"total_conns"`
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
	DialErrors    uint64    `json:"dial_errors"`
	LastError     time.Time `json:"last_error,omitzero"`
}

func (b *Backend) snapshot() BackendSnapshot {
	s := BackendSnapshot{
		Addr:          b.addr.String(),
		State:         b.State().String(),
		OpenConns:     b.open.Load(),
		TotalConns:    b.total.Load(),
		BytesSent:     b.bytesSent.Load(),
		BytesReceived: b.bytesReceived.Load(),
		DialErrors:    b.dialErrors.Load(),
	}
	if nano := b.lastErrorNano.Load(); nano != 0 {
		s.LastError = time.Unix(0, nano)
	}
	return s
}
