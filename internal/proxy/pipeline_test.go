package proxy

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flumeproxy/flume/internal/testutil"
	"github.com/flumeproxy/flume/internal/tunnel"
)

// selfSignedTLSConfig generates a throwaway loopback server certificate.
func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "flume test"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
		MinVersion: tls.VersionTLS12,
	}
}

func newTLSManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Config{
		TLSConfig:        selfSignedTLSConfig(t),
		HandshakeTimeout: 2 * time.Second,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func openTLSTunnel(t *testing.T, m *Manager, backend tunnel.Spec) *Tunnel {
	t.Helper()
	opts := tunnel.DefaultOptions()
	opts.TLS = true
	tun, err := m.Open(context.Background(), tunnel.Expr{
		Local:    tunnel.Spec{Host: "127.0.0.1"},
		Backends: []tunnel.Spec{backend},
		Options:  opts,
	})
	require.NoError(t, err)
	return tun
}

func TestTLSTerminationForwardsPlaintext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newTLSManager(t)

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()

	tun := openTLSTunnel(t, m, listenerSpec(t, echo))

	conn, err := tls.Dial("tcp", tun.Local().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("plaintext past the terminator")
	testutil.AssertEcho(t, conn, conn, msg)

	// Counters see decrypted application bytes, not TLS record overhead.
	snap := tun.Snapshot()
	require.Equal(t, uint64(len(msg)), snap.BytesSent)
	require.Equal(t, uint64(len(msg)), snap.BytesReceived)
	require.True(t, snap.TLS)
}

func TestTLSHandshakeFailureSkipsBackendDial(t *testing.T) {
	t.Parallel()
	m := newTLSManager(t)

	var dials atomic.Int64
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			dials.Add(1)
			_ = c.Close()
		}
	}()

	tun := openTLSTunnel(t, m, listenerSpec(t, ln))

	conn, err := net.Dial("tcp", tun.Local().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("this is not a client hello\r\n"))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	_ = conn.Close()

	require.Eventually(t, func() bool {
		return tun.Snapshot().Errors >= 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, dials.Load())
	require.Zero(t, tun.Snapshot().TotalConns)
}
