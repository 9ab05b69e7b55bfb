package tunnel

import (
	"time"

	"github.com/gravitational/trace"
)

// Strategy selects which backend serves the next connection. The set is
// closed; adding a strategy means adding a constant and a branch in the
// selection switch, not a new type.
type Strategy int

const (
	// RoundRobin cycles through the backend set in insertion order.
	RoundRobin Strategy = iota
	// Random picks a backend uniformly at random.
	Random
)

// ParseStrategy parses a strategy name as used in tunnel expressions.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "roundrobin", "round-robin", "rr":
		return RoundRobin, nil
	case "random":
		return Random, nil
	default:
		return 0, trace.BadParameter("unknown load-balancing strategy %q", s)
	}
}

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "roundrobin"
	case Random:
		return "random"
	default:
		return "unknown"
	}
}

// Options are the per-tunnel settings carried by a tunnel expression.
type Options struct {
	Strategy Strategy

	// TLS enables server-side TLS termination on the tunnel's listener.
	// The certificate is process-wide and loaded outside this package.
	TLS bool

	// DialRetries is the number of backend dial attempts per accepted
	// connection. Each retry re-runs backend selection.
	DialRetries int

	// DialTimeout bounds a single backend dial attempt.
	DialTimeout time.Duration
}

// DefaultOptions are the options applied when a tunnel expression carries
// none.
func DefaultOptions() Options {
	return Options{
		Strategy:    RoundRobin,
		DialRetries: 2,
		DialTimeout: 10 * time.Second,
	}
}
