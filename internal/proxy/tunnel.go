package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"

	"github.com/flumeproxy/flume/internal/dialer"
	"github.com/flumeproxy/flume/internal/tunnel"
)

// TunnelState is a tunnel's lifecycle state. Transitions are one-way:
// Starting → Running → Draining → Closed.
type TunnelState int32

const (
	TunnelStarting TunnelState = iota
	TunnelRunning
	TunnelDraining
	TunnelClosed
)

func (s TunnelState) String() string {
	switch s {
	case TunnelStarting:
		return "starting"
	case TunnelRunning:
		return "running"
	case TunnelDraining:
		return "draining"
	case TunnelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Tunnel owns one local listener, its backend set, and its aggregate
// counters. The accept loop pairs each accepted connection with a forwarding
// pipeline; pipelines hold no back-reference beyond the counters they
// update.
type Tunnel struct {
	local tunnel.Spec
	opts  tunnel.Options

	ln        net.Listener
	dialer    dialer.Dialer
	tlsConfig *tls.Config
	log       *slog.Logger

	// down and markDown consult and feed the manager's cooldown cache;
	// they are the only manager state a tunnel touches.
	down     func(local, backend tunnel.Spec) bool
	markDown func(t *Tunnel, b *Backend)
	now      func() time.Time
	onClosed func(t *Tunnel)

	handshakeTimeout time.Duration

	// mu guards backend-set mutation and the round-robin index only.
	// Counters and state are atomics; the data path never takes mu.
	mu       sync.Mutex
	backends []*Backend
	rrNext   int

	state  atomic.Int32
	active atomic.Int64

	open          atomic.Int64
	total         atomic.Uint64
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	errors        atomic.Uint64

	// forceCtx is canceled only on forced shutdown, never on drain.
	forceCtx    context.Context
	forceCancel context.CancelFunc

	closeOnce sync.Once
}

// Local returns the tunnel's bound local address.
func (t *Tunnel) Local() tunnel.Spec {
	return t.local
}

// State returns the tunnel's lifecycle state.
func (t *Tunnel) State() TunnelState {
	return TunnelState(t.state.Load())
}

// serve accepts connections until the listener closes, spawning one
// pipeline per connection. A slow pipeline never stalls the loop.
func (t *Tunnel) serve() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.State() != TunnelRunning {
				return
			}
			t.log.Warn("accept failed", "error", err)
			continue
		}

		if t.State() != TunnelRunning {
			_ = conn.Close()
			return
		}

		t.active.Add(1)
		go func() {
			defer t.pipelineDone()
			t.forward(conn)
		}()
	}
}

// drain stops the listener and lets in-flight pipelines finish. It returns
// immediately; the Draining → Closed transition is driven by the last
// pipeline to exit.
func (t *Tunnel) drain() error {
	if !t.state.CompareAndSwap(int32(TunnelRunning), int32(TunnelDraining)) {
		return trace.CompareFailed("tunnel %s is already draining", t.local)
	}

	_ = t.ln.Close()
	t.log.Info("tunnel draining", "active", t.active.Load())

	if t.active.Load() == 0 {
		t.finish()
	}
	return nil
}

func (t *Tunnel) pipelineDone() {
	if t.active.Add(-1) == 0 && t.State() == TunnelDraining {
		t.finish()
	}
}

func (t *Tunnel) finish() {
	t.closeOnce.Do(func() {
		t.state.Store(int32(TunnelClosed))
		t.forceCancel()
		t.log.Info("tunnel closed")
		if t.onClosed != nil {
			t.onClosed(t)
		}
	})
}

// abort cancels in-flight pipelines. Only forced shutdown takes this path.
func (t *Tunnel) abort() {
	t.forceCancel()
}

// AddBackend appends a backend to a Running tunnel.
func (t *Tunnel) AddBackend(addr tunnel.Spec) error {
	if t.State() != TunnelRunning {
		return trace.CompareFailed("tunnel %s is not running", t.local)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.backends {
		if b.addr == addr {
			return trace.AlreadyExists("backend %s already exists on tunnel %s", addr, t.local)
		}
	}
	t.backends = append(t.backends, newBackend(addr))
	return nil
}

// RemoveBackend removes a backend from a Running tunnel. Removing the last
// backend is allowed; the tunnel then rejects new connections per-attempt
// until a backend is added back. In-flight pipelines to the removed backend
// are not disturbed.
func (t *Tunnel) RemoveBackend(addr tunnel.Spec) error {
	if t.State() != TunnelRunning {
		return trace.CompareFailed("tunnel %s is not running", t.local)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, b := range t.backends {
		if b.addr == addr {
			t.backends = append(t.backends[:i], t.backends[i+1:]...)
			if t.rrNext > i {
				t.rrNext--
			}
			if len(t.backends) == 0 {
				t.log.Warn("last backend removed; tunnel will reject new connections until one is added")
			}
			return nil
		}
	}
	return trace.NotFound("backend %s not found on tunnel %s", addr, t.local)
}

// selectBackend runs the tunnel's strategy over the current backend set.
func (t *Tunnel) selectBackend() (*Backend, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pick()
}

// TunnelSnapshot is a point-in-time copy of a tunnel's configuration and
// counters. Reads race benignly with in-flight updates; no lock is taken on
// counters.
type TunnelSnapshot struct {
	Local         string            `json:"local"`
	State         string            `json:"state"`
	Strategy      string            `json:"strategy"`
	TLS           bool              `json:"tls,omitempty"`
	OpenConns     int64             `json:"open_conns"`
	TotalConns    uint64            `json:"total_conns"`
	BytesSent     uint64            `json:"bytes_sent"`
	BytesReceived uint64            `json:"bytes_received"`
	Errors        uint64            `json:"errors"`
	Backends      []BackendSnapshot `json:"backends"`
}

// Snapshot returns the tunnel's current counters and per-backend detail.
func (t *Tunnel) Snapshot() TunnelSnapshot {
	s := TunnelSnapshot{
		Local:         t.local.String(),
		State:         t.State().String(),
		Strategy:      t.opts.Strategy.String(),
		TLS:           t.opts.TLS,
		OpenConns:     t.open.Load(),
		TotalConns:    t.total.Load(),
		BytesSent:     t.bytesSent.Load(),
		BytesReceived: t.bytesReceived.Load(),
		Errors:        t.errors.Load(),
	}

	t.mu.Lock()
	backends := make([]*Backend, len(t.backends))
	copy(backends, t.backends)
	t.mu.Unlock()

	s.Backends = make([]BackendSnapshot, 0, len(backends))
	for _, b := range backends {
		s.Backends = append(s.Backends, b.snapshot())
	}
	return s
}

// Expr reconstructs the tunnel expression describing the tunnel's current
// configuration.
func (t *Tunnel) Expr() tunnel.Expr {
	t.mu.Lock()
	defer t.mu.Unlock()

	backends := make([]tunnel.Spec, 0, len(t.backends))
	for _, b := range t.backends {
		backends = append(backends, b.addr)
	}
	return tunnel.Expr{Local: t.local, Backends: backends, Options: t.opts}
}
