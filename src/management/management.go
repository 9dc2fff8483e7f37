// Package management implements the Management Adapter: device and peer
// CRUD against the Identity Store, plus Bridge reconfiguration (spec.md
// §4.1's Management Adapter row). It shares the HTTP Adapter's fasthttp
// shape (net.Listen + fasthttp.Serve), grounded on the teacher's HTTP
// source connector.
package management

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/bridge"
	"github.com/meshbroker/meshbroker/src/store"
)

// Config carries the adapter's tunables.
type Config struct {
	Address   string
	Timeout   time.Duration
	UserToken string // spec.md §6 USER_TOKEN: bearer secret, absent = open
}

// Server is the Management Adapter.
type Server struct {
	cfg    Config
	store  *store.Store
	bridge *bridge.Bridge
	logger *slog.Logger

	listener net.Listener
}

// New wires the adapter to the Identity Store and Bridge.
func New(cfg Config, st *store.Store, br *bridge.Bridge, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, store: st, bridge: br, logger: logger}
}

// Start begins serving on cfg.Address.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = listener

	go func() {
		if err := fasthttp.Serve(s.listener, s.authenticate(s.route)); err != nil {
			s.logger.Error("management adapter stopped", "error", err)
		}
	}()

	s.logger.Info("management adapter listening", "address", s.cfg.Address)
	return nil
}

// Close stops accepting new connections (spec.md §5 shutdown order: after
// the HTTP Adapter, before the Identity Store).
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// authenticate enforces spec.md §7's management-authorization rule: an
// absent USER_TOKEN leaves the surface open, a present one requires an
// exact bearer match, and local-loopback callers always bypass the check.
func (s *Server) authenticate(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if s.cfg.UserToken == "" || isLoopback(ctx) {
			next(ctx)
			return
		}
		auth := string(ctx.Request.Header.Peek("Authorization"))
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != s.cfg.UserToken {
			s.writeEnvelope(ctx, codeUnauthorized, "invalid or missing bearer token")
			return
		}
		next(ctx)
	}
}

func isLoopback(ctx *fasthttp.RequestCtx) bool {
	addr, ok := ctx.RemoteAddr().(*net.TCPAddr)
	return ok && addr.IP.IsLoopback()
}

// route dispatches by method and path, the same fixed method/path switch
// as the device-facing HTTP Adapter.
func (s *Server) route(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())

	switch {
	case method == fasthttp.MethodGet && path == "/devices":
		s.handleDeviceList(ctx)
	case method == fasthttp.MethodDelete && path == "/devices":
		s.handleDeviceDelete(ctx)
	case method == fasthttp.MethodPost && path == "/peers":
		s.handlePeerUpsert(ctx)
	case method == fasthttp.MethodGet && path == "/peers":
		s.handlePeerList(ctx)
	case method == fasthttp.MethodDelete && path == "/peers":
		s.handlePeerDelete(ctx)
	case method == fasthttp.MethodPost && path == "/peers/reload":
		s.handlePeerReload(ctx)
	case method == fasthttp.MethodPost && path == "/shares":
		s.handleShareGrant(ctx)
	case method == fasthttp.MethodGet && path == "/shares":
		s.handleShareList(ctx)
	case method == fasthttp.MethodDelete && path == "/shares":
		s.handleShareRevoke(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		s.writeEnvelope(ctx, codeBadRequest, "no such route")
	}
}
