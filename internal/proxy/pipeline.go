package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"
)

// forward runs one connection's pipeline: optional TLS termination, backend
// dial, then a concurrent two-way copy until either side terminates. All
// side effects are confined to this tunnel's and the chosen backend's
// counters.
func (t *Tunnel) forward(client net.Conn) {
	log := t.log.With("session", uuid.NewString(), "client", client.RemoteAddr().String())
	start := t.now()

	conn := client
	if t.opts.TLS && t.tlsConfig != nil {
		tlsConn := tls.Server(client, t.tlsConfig)
		hsCtx, cancel := context.WithTimeout(t.forceCtx, t.handshakeTimeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			// The backend is never dialed on handshake failure.
			t.errors.Add(1)
			_ = client.Close()
			log.Debug("tls handshake failed", "error", err)
			return
		}
		conn = tlsConn
	}

	backendConn, backend, err := t.dialBackend(log)
	if err != nil {
		t.errors.Add(1)
		_ = conn.Close()
		log.Debug("connection rejected", "error", err)
		return
	}

	backend.connected()
	t.open.Add(1)
	t.total.Add(1)
	log.Debug("forwarding", "backend", backend.addr.String())

	err = t.copyCounted(conn, backendConn, backend)

	backend.disconnected()
	t.open.Add(-1)
	if err != nil {
		t.errors.Add(1)
		log.Debug("session ended with error", "error", err, "duration", t.now().Sub(start))
		return
	}
	log.Debug("session ended", "duration", t.now().Sub(start))
}

// dialBackend picks and dials a backend, re-running selection on each retry
// so a healthy sibling takes over within one connection attempt. Failed
// backends are marked down and enter the cooldown pool.
func (t *Tunnel) dialBackend(log *slog.Logger) (net.Conn, *Backend, error) {
	retries := t.opts.DialRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		backend, err := t.selectBackend()
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}

		dialCtx, cancel := context.WithTimeout(t.forceCtx, t.opts.DialTimeout)
		conn, err := t.dialer.DialContext(dialCtx, "tcp", backend.addr.String())
		cancel()
		if err == nil {
			return conn, backend, nil
		}

		backend.dialFailed(t.now())
		t.markDown(t, backend)
		log.Warn("backend dial failed", "backend", backend.addr.String(), "attempt", attempt, "error", err)
		lastErr = err
	}

	return nil, nil, trace.ConnectionProblem(lastErr, "no backend reachable after %d attempts", retries)
}

// copyCounted splices bytes both directions, folding per-write counts into
// the backend's and tunnel's atomics so status reads are near-real-time.
// Either direction terminating tears down both connections; half-close is
// not preserved. Cancellation of the tunnel's force context (forced
// shutdown) also tears the session down.
func (t *Tunnel) copyCounted(client, backend net.Conn, b *Backend) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = backend.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(t.forceCtx, closeBoth)
	defer stop()

	var g errgroup.Group

	g.Go(func() error {
		_, err := io.Copy(&countingWriter{w: backend, backendN: &b.bytesSent, tunnelN: &t.bytesSent}, client)
		closeBoth()
		return err
	})

	g.Go(func() error {
		_, err := io.Copy(&countingWriter{w: client, backendN: &b.bytesReceived, tunnelN: &t.bytesReceived}, backend)
		closeBoth()
		return err
	})

	err := g.Wait()
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// countingWriter adds every written chunk to a backend counter and the
// owning tunnel's aggregate as it happens.
type countingWriter struct {
	w        io.Writer
	backendN *atomic.Uint64
	tunnelN  *atomic.Uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.backendN.Add(uint64(n))
		c.tunnelN.Add(uint64(n))
	}
	return n, err
}
