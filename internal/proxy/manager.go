package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"

	"github.com/flumeproxy/flume/internal/dialer"
	"github.com/flumeproxy/flume/internal/tunnel"
)

type Config struct {
	// Dialer establishes backend connections. Defaults to a direct
	// dialer.
	Dialer dialer.Dialer

	// KeepAlive is applied to accepted client connections.
	KeepAlive net.KeepAliveConfig

	// TLSConfig is the already-loaded server certificate material used by
	// tunnels with TLS termination enabled. Loading and validation happen
	// outside this package.
	TLSConfig *tls.Config

	// BackendCooldown is how long a backend stays out of the selection
	// pool after a failed dial.
	BackendCooldown time.Duration

	// HandshakeTimeout bounds the server-side TLS handshake on
	// terminating tunnels.
	HandshakeTimeout time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

const (
	defaultBackendCooldown  = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Manager is the concurrent tunnel registry. Structural mutation of one key
// never blocks the data plane of other tunnels: the registry is a sync.Map
// and all counters are per-tunnel/per-backend atomics.
type Manager struct {
	cfg   Config
	clock clockwork.Clock
	log   *slog.Logger

	tunnels sync.Map // local address string -> *Tunnel

	// down holds backends in dial-failure cooldown, keyed by
	// "local|backend". Expiry returns the backend to the selection pool.
	down *cache.Cache
}

// NewManager constructs a Manager, applying defaults for anything unset in
// cfg.
func NewManager(cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{KeepAlive: cfg.KeepAlive})
	}
	if cfg.BackendCooldown <= 0 {
		cfg.BackendCooldown = defaultBackendCooldown
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Logger,
		down:  cache.New(cfg.BackendCooldown, cfg.BackendCooldown),
	}
	m.down.OnEvicted(func(_ string, value any) {
		if b, ok := value.(*Backend); ok {
			b.recovered()
		}
	})
	return m
}

func downKey(local, backend tunnel.Spec) string {
	return local.String() + "|" + backend.String()
}

func (m *Manager) isDown(local, backend tunnel.Spec) bool {
	_, found := m.down.Get(downKey(local, backend))
	return found
}

func (m *Manager) markDown(t *Tunnel, b *Backend) {
	m.down.Set(downKey(t.local, b.addr), b, cache.DefaultExpiration)
}

// Open parses no input itself: it takes a parsed tunnel expression, binds
// the listener, registers the tunnel, and starts its accept loop. A bind
// failure leaves the registry untouched. Opening an already-bound local
// address fails.
//
// A local port of 0 is allowed; the tunnel is registered under the actual
// bound address.
func (m *Manager) Open(ctx context.Context, expr tunnel.Expr) (*Tunnel, error) {
	if len(expr.Backends) == 0 {
		return nil, trace.BadParameter("tunnel %s: at least one backend is required", expr.Local)
	}
	if expr.Options.TLS && m.cfg.TLSConfig == nil {
		return nil, trace.BadParameter("tunnel %s: tls termination requested but no certificate is configured", expr.Local)
	}

	key := expr.Local.String()
	if _, ok := m.tunnels.Load(key); ok {
		return nil, trace.AlreadyExists("tunnel %s already open", key)
	}

	ln, err := ListenTCP(ctx, "tcp", expr.Local.String(), m.cfg.KeepAlive)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	local := expr.Local
	if ta, ok := ln.Addr().(*net.TCPAddr); ok && local.Port == 0 {
		local.Port = uint16(ta.Port)
	}
	key = local.String()

	forceCtx, forceCancel := context.WithCancel(context.Background())
	t := &Tunnel{
		local:            local,
		opts:             expr.Options,
		ln:               ln,
		dialer:           m.cfg.Dialer,
		tlsConfig:        m.cfg.TLSConfig,
		log:              m.log.With("tunnel", key),
		down:             m.isDown,
		markDown:         m.markDown,
		now:              m.clock.Now,
		handshakeTimeout: m.cfg.HandshakeTimeout,
		forceCtx:         forceCtx,
		forceCancel:      forceCancel,
	}
	t.onClosed = func(t *Tunnel) {
		m.tunnels.Delete(t.local.String())
	}
	for _, addr := range expr.Backends {
		t.backends = append(t.backends, newBackend(addr))
	}

	if _, loaded := m.tunnels.LoadOrStore(key, t); loaded {
		_ = ln.Close()
		forceCancel()
		return nil, trace.AlreadyExists("tunnel %s already open", key)
	}

	t.state.Store(int32(TunnelRunning))
	go t.serve()

	m.log.Info("tunnel open", "tunnel", key, "backends", len(expr.Backends), "strategy", expr.Options.Strategy.String(), "tls", expr.Options.TLS)
	return t, nil
}

// Get returns a registered tunnel.
func (m *Manager) Get(local tunnel.Spec) (*Tunnel, error) {
	v, ok := m.tunnels.Load(local.String())
	if !ok {
		return nil, trace.NotFound("tunnel %s does not exist", local)
	}
	return v.(*Tunnel), nil
}

// Close initiates draining of a tunnel and returns immediately. The tunnel
// stays visible in snapshots until its last pipeline exits, at which point
// it leaves the registry and its port is released.
func (m *Manager) Close(local tunnel.Spec) error {
	t, err := m.Get(local)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(t.drain())
}

// AddBackend adds a backend to a running tunnel.
func (m *Manager) AddBackend(local, backend tunnel.Spec) error {
	t, err := m.Get(local)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(t.AddBackend(backend))
}

// RemoveBackend removes a backend from a running tunnel. Removing the last
// backend is allowed.
func (m *Manager) RemoveBackend(local, backend tunnel.Spec) error {
	t, err := m.Get(local)
	if err != nil {
		return trace.Wrap(err)
	}
	m.down.Delete(downKey(local, backend))
	return trace.Wrap(t.RemoveBackend(backend))
}

// Len returns the number of registered tunnels, draining ones included.
func (m *Manager) Len() int {
	n := 0
	m.tunnels.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Snapshot returns counter snapshots for all tunnels, sorted by local
// address for deterministic listings. It never pauses the data plane.
func (m *Manager) Snapshot() []TunnelSnapshot {
	var snaps []TunnelSnapshot
	m.tunnels.Range(func(_, v any) bool {
		snaps = append(snaps, v.(*Tunnel).Snapshot())
		return true
	})
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Local < snaps[j].Local })
	return snaps
}

// SnapshotOne returns the snapshot for a single tunnel.
func (m *Manager) SnapshotOne(local tunnel.Spec) (TunnelSnapshot, error) {
	t, err := m.Get(local)
	if err != nil {
		return TunnelSnapshot{}, trace.Wrap(err)
	}
	return t.Snapshot(), nil
}

// Shutdown drains every tunnel and waits for in-flight pipelines to finish.
// When ctx expires first, remaining pipelines are aborted.
func (m *Manager) Shutdown(ctx context.Context) {
	m.tunnels.Range(func(_, v any) bool {
		_ = v.(*Tunnel).drain()
		return true
	})

	for m.Len() > 0 {
		select {
		case <-ctx.Done():
			m.log.Warn("shutdown grace period expired, aborting connections", "tunnels", m.Len())
			m.tunnels.Range(func(_, v any) bool {
				v.(*Tunnel).abort()
				return true
			})
			return
		case <-m.clock.After(20 * time.Millisecond):
		}
	}
}
