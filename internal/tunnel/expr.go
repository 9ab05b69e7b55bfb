package tunnel

import (
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// Expr is a parsed tunnel expression:
//
//	local=remote[,remote...][key=value,...]
//
// where local and remote are socket specs (see ParseSpec) and the optional
// bracketed trailer sets per-tunnel options:
//
//	strategy=roundrobin|random
//	tls=true|false
//	retries=N
//	timeout=DURATION
//
// For example "0.0.0.0:4000=127.0.0.1:5000,127.0.0.1:5001[strategy=random]".
type Expr struct {
	Local    Spec
	Backends []Spec
	Options  Options
}

// ParseExpr parses a tunnel expression. Malformed expressions fail with a
// descriptive error and never partially apply.
func ParseExpr(s string) (Expr, error) {
	body := s
	opts := DefaultOptions()

	if i := strings.IndexByte(body, '['); i >= 0 {
		if !strings.HasSuffix(body, "]") {
			return Expr{}, trace.BadParameter("tunnel %q: unterminated options", s)
		}
		var err error
		opts, err = parseOptions(body[i+1 : len(body)-1])
		if err != nil {
			return Expr{}, trace.Wrap(err, "tunnel %q", s)
		}
		body = body[:i]
	}

	localPart, remotePart, ok := strings.Cut(body, "=")
	if !ok {
		return Expr{}, trace.BadParameter("tunnel %q: missing '=' between local and remote addresses", s)
	}

	local, err := ParseSpec(localPart)
	if err != nil {
		return Expr{}, trace.Wrap(err, "tunnel %q: local address", s)
	}

	var backends []Spec
	for _, part := range strings.Split(remotePart, ",") {
		backend, err := ParseSpec(part)
		if err != nil {
			return Expr{}, trace.Wrap(err, "tunnel %q: remote address", s)
		}
		backends = append(backends, backend)
	}

	return Expr{Local: local, Backends: backends, Options: opts}, nil
}

func parseOptions(s string) (Options, error) {
	opts := DefaultOptions()
	if s == "" {
		return opts, trace.BadParameter("empty options")
	}

	for _, item := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			return opts, trace.BadParameter("option %q: expected key=value", item)
		}
		switch strings.ToLower(key) {
		case "strategy":
			strategy, err := ParseStrategy(value)
			if err != nil {
				return opts, trace.Wrap(err)
			}
			opts.Strategy = strategy
		case "tls":
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return opts, trace.BadParameter("option tls: invalid boolean %q", value)
			}
			opts.TLS = enabled
		case "retries":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return opts, trace.BadParameter("option retries: expected positive integer, got %q", value)
			}
			opts.DialRetries = n
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return opts, trace.BadParameter("option timeout: expected positive duration, got %q", value)
			}
			opts.DialTimeout = d
		default:
			return opts, trace.BadParameter("unknown option %q", key)
		}
	}

	return opts, nil
}

// String renders the expression so that ParseExpr(e.String()) yields an
// equivalent expression. Options are emitted only where they differ from the
// defaults.
func (e Expr) String() string {
	var b strings.Builder
	b.WriteString(e.Local.String())
	b.WriteByte('=')
	for i, backend := range e.Backends {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(backend.String())
	}

	defaults := DefaultOptions()
	var opts []string
	if e.Options.Strategy != defaults.Strategy {
		opts = append(opts, "strategy="+e.Options.Strategy.String())
	}
	if e.Options.TLS {
		opts = append(opts, "tls=true")
	}
	if e.Options.DialRetries != defaults.DialRetries {
		opts = append(opts, "retries="+strconv.Itoa(e.Options.DialRetries))
	}
	if e.Options.DialTimeout != defaults.DialTimeout {
		opts = append(opts, "timeout="+e.Options.DialTimeout.String())
	}
	if len(opts) > 0 {
		b.WriteByte('[')
		b.WriteString(strings.Join(opts, ","))
		b.WriteByte(']')
	}

	return b.String()
}
