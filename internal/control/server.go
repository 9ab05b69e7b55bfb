package control

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
)

// MaxLineLength bounds a single control command line.
const MaxLineLength = 1024

// Server serves the newline-terminated control protocol over TCP. Each
// accepted connection is an independent session; EXIT ends only that
// session.
type Server struct {
	ctx  context.Context
	proc *Processor
	log  *slog.Logger
}

func NewServer(ctx context.Context, proc *Processor, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{ctx: ctx, proc: proc, log: log}
}

// Serve accepts control sessions on ln until it closes.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.session(conn)
	}
}

func (s *Server) session(conn net.Conn) {
	defer conn.Close()

	log := s.log.With("client", conn.RemoteAddr().String())
	log.Debug("control session started")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, MaxLineLength), MaxLineLength)

	for scanner.Scan() {
		reply, exit := s.proc.Execute(s.ctx, scanner.Text())
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			log.Debug("control session write failed", "error", err)
			return
		}
		if exit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		log.Debug("control session read failed", "error", err)
	}
	log.Debug("control session ended")
}
