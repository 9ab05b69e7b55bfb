package control

import (
	"context"
	"fmt"
	"strings"

	"github.com/flumeproxy/flume/internal/proxy"
	"github.com/flumeproxy/flume/internal/tunnel"
)

// Processor maps control verbs onto tunnel manager operations and formats
// textual replies. It holds no state beyond the manager reference; each
// session is independent.
type Processor struct {
	mgr *proxy.Manager
}

func NewProcessor(mgr *proxy.Manager) *Processor {
	return &Processor{mgr: mgr}
}

var helpLines = []string{
	"OK commands:",
	"OPEN local=remote[,remote...][strategy=...,tls=...,retries=...,timeout=...]",
	"CLOSE local",
	"STATUS [full|long]",
	"DETAIL local",
	"HELP",
	"EXIT",
}

// Execute interprets one control line. It returns the reply, possibly
// multi-line, and whether the session should end. Replies begin with "OK"
// or "ERROR:"; no command terminates the process.
func (p *Processor) Execute(ctx context.Context, line string) (reply string, exit bool) {
	verb, args, _ := strings.Cut(strings.TrimSpace(line), " ")
	args = strings.TrimSpace(args)

	switch strings.ToUpper(verb) {
	case "OPEN":
		return p.open(ctx, args), false
	case "CLOSE":
		return p.close(args), false
	case "STATUS":
		return p.status(args), false
	case "DETAIL":
		return p.detail(args), false
	case "HELP":
		return strings.Join(helpLines, "\n"), false
	case "EXIT":
		return "OK bye", true
	default:
		return "ERROR: unknown command", false
	}
}

func (p *Processor) open(ctx context.Context, args string) string {
	if args == "" {
		return "ERROR: OPEN requires a tunnel expression"
	}
	expr, err := tunnel.ParseExpr(args)
	if err != nil {
		return "ERROR: " + err.Error()
	}
	if _, err := p.mgr.Open(ctx, expr); err != nil {
		return "ERROR: " + err.Error()
	}
	return "OK"
}

func (p *Processor) close(args string) string {
	if args == "" {
		return "ERROR: CLOSE requires a local socket address"
	}
	local, err := tunnel.ParseSpec(args)
	if err != nil {
		return "ERROR: " + err.Error()
	}
	if err := p.mgr.Close(local); err != nil {
		return "ERROR: " + err.Error()
	}
	return "OK"
}

func (p *Processor) status(args string) string {
	full := false
	switch strings.ToLower(args) {
	case "":
	case "full", "long":
		full = true
	default:
		return "ERROR: invalid argument to STATUS"
	}

	snaps := p.mgr.Snapshot()
	lines := []string{fmt.Sprintf("OK tunnels: %d", len(snaps))}
	for _, s := range snaps {
		lines = append(lines, tunnelLine(s))
		if full {
			for _, b := range s.Backends {
				lines = append(lines, backendLine(b))
			}
		}
	}
	return strings.Join(lines, "\n")
}

func (p *Processor) detail(args string) string {
	if args == "" {
		return "ERROR: DETAIL requires a local socket address"
	}
	local, err := tunnel.ParseSpec(args)
	if err != nil {
		return "ERROR: " + err.Error()
	}
	s, err := p.mgr.SnapshotOne(local)
	if err != nil {
		return "ERROR: " + err.Error()
	}

	lines := []string{fmt.Sprintf("OK backends: %d", len(s.Backends))}
	for _, b := range s.Backends {
		lines = append(lines, backendLine(b)+fmt.Sprintf(", state %s, dial errors %d", b.State, b.DialErrors))
	}
	return strings.Join(lines, "\n")
}

func tunnelLine(s proxy.TunnelSnapshot) string {
	return fmt.Sprintf("%s = %s, strategy %s, open conns %d, total %d, bytes sent %d, received %d, errors %d",
		s.Local, s.State, s.Strategy, s.OpenConns, s.TotalConns, s.BytesSent, s.BytesReceived, s.Errors)
}

func backendLine(b proxy.BackendSnapshot) string {
	return fmt.Sprintf("%s = open conns %d, total %d, bytes sent %d, received %d",
		b.Addr, b.OpenConns, b.TotalConns, b.BytesSent, b.BytesReceived)
}
