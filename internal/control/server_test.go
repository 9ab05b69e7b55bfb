package control

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) net.Addr {
	t.Helper()

	proc, _ := newTestProcessor(t)
	srv := NewServer(context.Background(), proc, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() { _ = srv.Serve(ln) }()

	return ln.Addr()
}

func TestSessionLineProtocol(t *testing.T) {
	t.Parallel()
	addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	send := func(line string) string {
		t.Helper()
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		reply, err := reader.ReadString('\n')
		require.NoError(t, err)
		return reply
	}

	require.Equal(t, "OK tunnels: 0\n", send("STATUS"))
	require.Equal(t, "ERROR: unknown command\n", send("NOPE"))

	// EXIT ends only this session, not the server.
	require.Equal(t, "OK bye\n", send("EXIT"))
	_, err = reader.ReadByte()
	require.ErrorIs(t, err, io.EOF)

	conn2, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn2.Close()
	_, err = conn2.Write([]byte("STATUS\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(conn2).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "OK tunnels: 0\n", reply)
}

func TestConcurrentSessions(t *testing.T) {
	t.Parallel()
	addr := startTestServer(t)

	conns := make([]net.Conn, 3)
	for i := range conns {
		c, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)
		defer c.Close()
		conns[i] = c
	}

	for _, c := range conns {
		_, err := c.Write([]byte("STATUS\n"))
		require.NoError(t, err)
	}
	for _, c := range conns {
		reply, err := bufio.NewReader(c).ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, "OK tunnels: 0\n", reply)
	}
}
