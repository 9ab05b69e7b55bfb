package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/flumeproxy/flume/internal/proxy"
	"github.com/flumeproxy/flume/internal/tunnel"
)

// Server exposes the tunnel manager operations as an HTTP/JSON API, one
// method per route under /rpc/. Parameters and results are typed; errors
// carry a machine-readable code.
type Server struct {
	ctx context.Context
	mgr *proxy.Manager
	srv *http.Server
}

func NewServer(ctx context.Context, mgr *proxy.Manager) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Server{ctx: ctx, mgr: mgr}
	s.srv = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return s.ctx
		},
	}
	return s
}

// Serve serves RPC requests on ln.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server.
func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc/openTunnel", s.openTunnel)
	mux.HandleFunc("POST /rpc/closeTunnel", s.closeTunnel)
	mux.HandleFunc("POST /rpc/status", s.status)
	mux.HandleFunc("POST /rpc/addBackend", s.addBackend)
	mux.HandleFunc("POST /rpc/removeBackend", s.removeBackend)
	mux.HandleFunc("POST /rpc/listTunnels", s.listTunnels)
	mux.HandleFunc("POST /rpc/tunnelInfo", s.tunnelInfo)
	return mux
}

// ErrorBody is the JSON shape of a failed RPC call.
type ErrorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code, status := "internal", http.StatusInternalServerError
	switch {
	case trace.IsBadParameter(err):
		code, status = "bad_parameter", http.StatusBadRequest
	case trace.IsNotFound(err):
		code, status = "not_found", http.StatusNotFound
	case trace.IsAlreadyExists(err):
		code, status = "already_exists", http.StatusConflict
	case trace.IsCompareFailed(err):
		code, status = "wrong_state", http.StatusConflict
	case trace.IsConnectionProblem(err):
		code, status = "connection_problem", http.StatusBadGateway
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Code: code, Error: err.Error()})
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func decode(r *http.Request, params any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(params); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

// OpenParams describe a tunnel to open. Options mirror the tunnel
// expression's bracketed trailer; zero values take the defaults.
type OpenParams struct {
	Local    string   `json:"local"`
	Backends []string `json:"backends"`
	Strategy string   `json:"strategy,omitempty"`
	TLS      bool     `json:"tls,omitempty"`
	Retries  int      `json:"retries,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

// OpenResult reports the bound local address, which differs from the
// requested one when port 0 was asked for.
type OpenResult struct {
	Local string `json:"local"`
}

func (p OpenParams) expr() (tunnel.Expr, error) {
	local, err := tunnel.ParseSpec(p.Local)
	if err != nil {
		return tunnel.Expr{}, trace.Wrap(err)
	}

	var backends []tunnel.Spec
	for _, b := range p.Backends {
		spec, err := tunnel.ParseSpec(b)
		if err != nil {
			return tunnel.Expr{}, trace.Wrap(err)
		}
		backends = append(backends, spec)
	}

	opts := tunnel.DefaultOptions()
	if p.Strategy != "" {
		opts.Strategy, err = tunnel.ParseStrategy(p.Strategy)
		if err != nil {
			return tunnel.Expr{}, trace.Wrap(err)
		}
	}
	opts.TLS = p.TLS
	if p.Retries > 0 {
		opts.DialRetries = p.Retries
	}
	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil || d <= 0 {
			return tunnel.Expr{}, trace.BadParameter("invalid timeout %q", p.Timeout)
		}
		opts.DialTimeout = d
	}

	return tunnel.Expr{Local: local, Backends: backends, Options: opts}, nil
}

func (s *Server) openTunnel(w http.ResponseWriter, r *http.Request) {
	var params OpenParams
	if err := decode(r, &params); err != nil {
		writeError(w, err)
		return
	}
	expr, err := params.expr()
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.mgr.Open(r.Context(), expr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, OpenResult{Local: t.Local().String()})
}

// AddrParams identify one tunnel by its local address.
type AddrParams struct {
	Local string `json:"local"`
}

func (s *Server) closeTunnel(w http.ResponseWriter, r *http.Request) {
	local, err := addrParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.mgr.Close(local); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, struct{}{})
}

func addrParam(r *http.Request) (tunnel.Spec, error) {
	var params AddrParams
	if err := decode(r, &params); err != nil {
		return tunnel.Spec{}, trace.Wrap(err)
	}
	local, err := tunnel.ParseSpec(params.Local)
	if err != nil {
		return tunnel.Spec{}, trace.Wrap(err)
	}
	return local, nil
}

// StatusParams select which tunnels to report and at what verbosity.
type StatusParams struct {
	Local string `json:"local,omitempty"`
	Full  bool   `json:"full,omitempty"`
}

// StatusResult carries one snapshot per selected tunnel.
type StatusResult struct {
	Tunnels []proxy.TunnelSnapshot `json:"tunnels"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var params StatusParams
	if err := decode(r, &params); err != nil {
		writeError(w, err)
		return
	}

	var snaps []proxy.TunnelSnapshot
	if params.Local != "" {
		local, err := tunnel.ParseSpec(params.Local)
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := s.mgr.SnapshotOne(local)
		if err != nil {
			writeError(w, err)
			return
		}
		snaps = []proxy.TunnelSnapshot{snap}
	} else {
		snaps = s.mgr.Snapshot()
	}

	if !params.Full {
		for i := range snaps {
			snaps[i].Backends = nil
		}
	}
	writeResult(w, StatusResult{Tunnels: snaps})
}

// BackendParams identify one backend of one tunnel.
type BackendParams struct {
	Local   string `json:"local"`
	Backend string `json:"backend"`
}

func (s *Server) addBackend(w http.ResponseWriter, r *http.Request) {
	s.mutateBackend(w, r, s.mgr.AddBackend)
}

func (s *Server) removeBackend(w http.ResponseWriter, r *http.Request) {
	s.mutateBackend(w, r, s.mgr.RemoveBackend)
}

func (s *Server) mutateBackend(w http.ResponseWriter, r *http.Request, op func(local, backend tunnel.Spec) error) {
	var params BackendParams
	if err := decode(r, &params); err != nil {
		writeError(w, err)
		return
	}
	local, err := tunnel.ParseSpec(params.Local)
	if err != nil {
		writeError(w, err)
		return
	}
	backend, err := tunnel.ParseSpec(params.Backend)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := op(local, backend); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, struct{}{})
}

// ListResult is the set of registered tunnel addresses, sorted.
type ListResult struct {
	Tunnels []string `json:"tunnels"`
}

func (s *Server) listTunnels(w http.ResponseWriter, r *http.Request) {
	var params struct{}
	if r.ContentLength > 0 {
		if err := decode(r, &params); err != nil {
			writeError(w, err)
			return
		}
	}

	snaps := s.mgr.Snapshot()
	tunnels := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		tunnels = append(tunnels, snap.Local)
	}
	writeResult(w, ListResult{Tunnels: tunnels})
}

func (s *Server) tunnelInfo(w http.ResponseWriter, r *http.Request) {
	local, err := addrParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.mgr.SnapshotOne(local)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, snap)
}
