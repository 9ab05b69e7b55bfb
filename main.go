package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/flumeproxy/flume/internal/control"
	"github.com/flumeproxy/flume/internal/dialer"
	"github.com/flumeproxy/flume/internal/metrics"
	"github.com/flumeproxy/flume/internal/proxy"
	"github.com/flumeproxy/flume/internal/rpc"
	"github.com/flumeproxy/flume/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		controlListen = pflag.String("control-listen", "127.0.0.1:9999", "Control protocol listen address. Empty disables.")
		rpcListen     = pflag.String("rpc-listen", "", "RPC API listen address (e.g. 127.0.0.1:9998). Empty disables.")
		metricsListen = pflag.String("metrics-listen", "", "Prometheus /metrics listen address (e.g. 127.0.0.1:9100). Empty disables.")

		upstream = pflag.String("upstream", "direct://", "Backend dialing target: direct:// | socks5://[user:pass@]host:port")

		tlsCert = pflag.String("tls-cert", "", "TLS certificate file for tunnels with tls termination enabled")
		tlsKey  = pflag.String("tls-key", "", "TLS key file for tunnels with tls termination enabled")

		dialTimeout      = pflag.Duration("dial-timeout", 10*time.Second, "Default timeout for backend DNS lookup and TCP connect")
		handshakeTimeout = pflag.Duration("handshake-timeout", 10*time.Second, "Timeout for the server-side TLS handshake on terminating tunnels")
		backendCooldown  = pflag.Duration("backend-cooldown", 10*time.Second, "How long a backend stays out of selection after a failed dial")
		shutdownGrace    = pflag.Duration("shutdown-grace", 10*time.Second, "How long in-flight connections may finish at shutdown")
		tcpKeepAlive     = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		logLevel         = pflag.String("log-level", "info", "Log level: debug|info|warn|error")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] [tunnel-expression ...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "A tunnel expression is local=remote[,remote...][key=value,...], e.g.\n")
		fmt.Fprintf(os.Stderr, "  0.0.0.0:4000=10.0.0.1:5000,10.0.0.2:5000[strategy=random,tls=true]\n\nFlags:\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if err := setupLogging(*logLevel); err != nil {
		return err
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	exprs := make([]tunnel.Expr, 0, pflag.NArg())
	for _, arg := range pflag.Args() {
		expr, err := tunnel.ParseExpr(arg)
		if err != nil {
			return fmt.Errorf("invalid tunnel expression: %w", err)
		}
		exprs = append(exprs, expr)
	}

	if *controlListen == "" && *rpcListen == "" && len(exprs) == 0 {
		return errors.New("nothing to do (no initial tunnels and no --control-listen or --rpc-listen)")
	}

	tlsConfig, err := loadTLSConfig(*tlsCert, *tlsKey)
	if err != nil {
		return err
	}

	bd, err := dialer.New(dialer.Config{DialTimeout: *dialTimeout, KeepAlive: ka}, *upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	mgr := proxy.NewManager(proxy.Config{
		Dialer:           bd,
		KeepAlive:        ka,
		TLSConfig:        tlsConfig,
		BackendCooldown:  *backendCooldown,
		HandshakeTimeout: *handshakeTimeout,
	})

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *controlListen != "" {
		ln, err := proxy.ListenTCP(ctx, "tcp", *controlListen, ka)
		if err != nil {
			return fmt.Errorf("control listen: %w", err)
		}
		srv := control.NewServer(ctx, control.NewProcessor(mgr), slog.Default())
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("control serve: %w", err)
			}
			return nil
		})
		slog.Info("control interface listening", "addr", *controlListen)
	}

	if *rpcListen != "" {
		ln, err := proxy.ListenTCP(ctx, "tcp", *rpcListen, ka)
		if err != nil {
			return fmt.Errorf("rpc listen: %w", err)
		}
		srv := rpc.NewServer(ctx, mgr)
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("rpc serve: %w", err)
			}
			return nil
		})
		slog.Info("rpc interface listening", "addr", *rpcListen)
	}

	if *metricsListen != "" {
		srv := &http.Server{Handler: metrics.NewHandler(mgr)} //nolint:gosec // Scrape-only endpoint.
		ln, err := proxy.ListenTCP(ctx, "tcp", *metricsListen, ka)
		if err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
		slog.Info("metrics listening", "addr", *metricsListen)
	}

	for _, expr := range exprs {
		if _, err := mgr.Open(ctx, expr); err != nil {
			slog.Error("cannot open tunnel", "tunnel", expr.Local.String(), "error", err)
		}
	}

	<-ctx.Done()
	slog.Info("shutting down", "grace", *shutdownGrace)

	graceCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()
	mgr.Shutdown(graceCtx)

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

func setupLogging(level string) error {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return fmt.Errorf("invalid --log-level: %q", level)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

// loadTLSConfig loads the certificate material tunnels with tls termination
// use. The core only ever sees the loaded handles.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, errors.New("--tls-cert and --tls-key must be set together")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
