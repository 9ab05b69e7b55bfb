package tunnel

import (
	"net"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// Spec is a host:port pair identifying either a tunnel's local listening
// socket or one of its backends. Unlike net.TCPAddr the host may be a name,
// resolved only at dial time.
type Spec struct {
	Host string
	Port uint16
}

// ParseSpec parses "host:port", "[ipv6]:port", or a bare "port" which
// implies 127.0.0.1.
func ParseSpec(s string) (Spec, error) {
	if s == "" {
		return Spec{}, trace.BadParameter("empty socket address")
	}

	if !strings.ContainsAny(s, ":") {
		port, err := parsePort(s)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Host: "127.0.0.1", Port: port}, nil
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Spec{}, trace.BadParameter("invalid socket address %q: %v", s, err)
	}
	if host == "" {
		return Spec{}, trace.BadParameter("invalid socket address %q: missing host", s)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return Spec{}, err
	}

	return Spec{Host: host, Port: port}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, trace.BadParameter("invalid port %q", s)
	}
	return uint16(n), nil
}

// String renders the spec in the same form ParseSpec accepts, with IPv6
// hosts bracketed.
func (s Spec) String() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(int(s.Port)))
}

// IsZero reports whether the spec is unset.
func (s Spec) IsZero() bool {
	return s.Host == "" && s.Port == 0
}
