package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flumeproxy/flume/internal/proxy"
	"github.com/flumeproxy/flume/internal/testutil"
)

func newTestProcessor(t *testing.T) (*Processor, *proxy.Manager) {
	t.Helper()
	mgr := proxy.NewManager(proxy.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return NewProcessor(mgr), mgr
}

func execute(t *testing.T, p *Processor, line string) string {
	t.Helper()
	reply, exit := p.Execute(context.Background(), line)
	require.False(t, exit, "unexpected session exit for %q", line)
	return reply
}

func TestOpenStatusClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, mgr := newTestProcessor(t)

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()
	echo2 := testutil.StartEchoTCPServer(t, ctx)
	defer echo2.Close()

	reply := execute(t, p, fmt.Sprintf("OPEN 127.0.0.1:0=%s,%s", echo.Addr(), echo2.Addr()))
	require.Equal(t, "OK", reply)
	require.Equal(t, 1, mgr.Len())

	local := mgr.Snapshot()[0].Local

	reply = execute(t, p, "STATUS")
	lines := strings.Split(reply, "\n")
	require.Equal(t, "OK tunnels: 1", lines[0])
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], local+" = running")
	require.Contains(t, lines[1], "strategy roundrobin")
	require.Contains(t, lines[1], "open conns 0")

	reply = execute(t, p, "STATUS full")
	lines = strings.Split(reply, "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[2], echo.Addr().String()+" = open conns 0, total 0, bytes sent 0, received 0")
	require.Contains(t, lines[3], echo2.Addr().String()+" = open conns 0")

	reply = execute(t, p, "CLOSE "+local)
	require.Equal(t, "OK", reply)
	require.Eventually(t, func() bool { return mgr.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	reply = execute(t, p, "STATUS")
	require.Equal(t, "OK tunnels: 0", reply)
}

func TestOpenInvalidExpressionLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	p, mgr := newTestProcessor(t)

	for _, line := range []string{
		"OPEN",
		"OPEN garbage",
		"OPEN 3333=",
		"OPEN 3333=remote:notaport",
		"OPEN 3333=127.0.0.1:5000[strategy=fastest]",
	} {
		reply := execute(t, p, line)
		require.True(t, strings.HasPrefix(reply, "ERROR:"), "expected error reply for %q, got %q", line, reply)
	}

	require.Zero(t, mgr.Len())
	require.Equal(t, "OK tunnels: 0", execute(t, p, "STATUS"))
}

func TestOpenDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, mgr := newTestProcessor(t)

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()

	require.Equal(t, "OK", execute(t, p, fmt.Sprintf("OPEN 127.0.0.1:0=%s", echo.Addr())))
	local := mgr.Snapshot()[0].Local

	reply := execute(t, p, fmt.Sprintf("OPEN %s=%s", local, echo.Addr()))
	require.True(t, strings.HasPrefix(reply, "ERROR:"), "got %q", reply)
	require.Contains(t, reply, "already")
}

func TestDetail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, mgr := newTestProcessor(t)

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()

	require.Equal(t, "OK", execute(t, p, fmt.Sprintf("OPEN 127.0.0.1:0=%s", echo.Addr())))
	local := mgr.Snapshot()[0].Local

	reply := execute(t, p, "DETAIL "+local)
	lines := strings.Split(reply, "\n")
	require.Equal(t, "OK backends: 1", lines[0])
	require.Contains(t, lines[1], echo.Addr().String()+" = open conns 0")
	require.Contains(t, lines[1], "state unknown, dial errors 0")

	reply = execute(t, p, "DETAIL 127.0.0.1:1")
	require.True(t, strings.HasPrefix(reply, "ERROR:"), "got %q", reply)
}

func TestCloseErrors(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	require.Equal(t, "ERROR: CLOSE requires a local socket address", execute(t, p, "CLOSE"))
	require.True(t, strings.HasPrefix(execute(t, p, "CLOSE nonsense"), "ERROR:"))
	require.True(t, strings.HasPrefix(execute(t, p, "CLOSE 127.0.0.1:4444"), "ERROR:"))
}

func TestStatusInvalidArgument(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	require.Equal(t, "ERROR: invalid argument to STATUS", execute(t, p, "STATUS everything"))
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	require.Equal(t, "ERROR: unknown command", execute(t, p, "FROB 1234"))
	require.Equal(t, "ERROR: unknown command", execute(t, p, ""))
}

func TestVerbsAreCaseInsensitive(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	require.Equal(t, "OK tunnels: 0", execute(t, p, "status"))
	require.True(t, strings.HasPrefix(execute(t, p, "help"), "OK commands:"))
}

func TestHelp(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	reply := execute(t, p, "HELP")
	lines := strings.Split(reply, "\n")
	require.Equal(t, "OK commands:", lines[0])
	require.Contains(t, reply, "OPEN")
	require.Contains(t, reply, "STATUS [full|long]")
}

func TestExit(t *testing.T) {
	t.Parallel()
	p, _ := newTestProcessor(t)

	reply, exit := p.Execute(context.Background(), "EXIT")
	require.True(t, exit)
	require.Equal(t, "OK bye", reply)
}
