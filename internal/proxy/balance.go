package proxy

import (
	"math/rand/v2"

	"github.com/gravitational/trace"

	"github.com/flumeproxy/flume/internal/tunnel"
)

// ErrNoBackends is returned by backend selection when a tunnel's backend set
// is empty. The accept loop rejects that single connection and keeps
// serving.
var ErrNoBackends = trace.NotFound("no backends available")

// pick selects the backend for the next connection. Callers hold t.mu.
//
// Backends in down cooldown are skipped unless every backend is down, in
// which case selection falls back to a best-effort attempt. The strategy set
// is closed: one switch, one branch per strategy.
func (t *Tunnel) pick() (*Backend, error) {
	n := len(t.backends)
	if n == 0 {
		return nil, ErrNoBackends
	}
	if n == 1 {
		return t.backends[0], nil
	}

	switch t.opts.Strategy {
	case tunnel.Random:
		if up := t.selectable(); len(up) > 0 {
			return up[rand.IntN(len(up))], nil
		}
		return t.backends[rand.IntN(n)], nil
	default: // round-robin
		// The index survives backend-set mutation by clamping, not
		// erroring.
		if t.rrNext >= n {
			t.rrNext = 0
		}
		for i := range n {
			b := t.backends[(t.rrNext+i)%n]
			if !t.down(t.local, b.addr) {
				t.rrNext = (t.rrNext + i + 1) % n
				return b, nil
			}
		}
		b := t.backends[t.rrNext]
		t.rrNext = (t.rrNext + 1) % n
		return b, nil
	}
}

// selectable returns the backends not currently in down cooldown. Callers
// hold t.mu.
func (t *Tunnel) selectable() []*Backend {
	up := make([]*Backend, 0, len(t.backends))
	for _, b := range t.backends {
		if !t.down(t.local, b.addr) {
			up = append(up, b)
		}
	}
	return up
}
