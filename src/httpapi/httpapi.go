// Package httpapi implements the device-facing HTTP Adapter: the minimum
// REST surface the core relies on for devices that cannot or choose not to
// keep an MQTT session open (spec.md §4.6).
package httpapi

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/broker"
	"github.com/meshbroker/meshbroker/src/cache"
	"github.com/meshbroker/meshbroker/src/scheduler"
	"github.com/meshbroker/meshbroker/src/store"
	"github.com/meshbroker/meshbroker/src/timeseries"
)

// Config carries the tunables the adapter needs, mirroring the teacher's
// HTTP source connector shape (Address, Timeout, MaxBodySize).
type Config struct {
	Address     string
	Timeout     time.Duration
	MaxBodySize int64
}

// Server is the device-facing HTTP Adapter.
type Server struct {
	cfg       Config
	store     *store.Store
	cache     *cache.Cache
	engine    *broker.Engine
	scheduler *scheduler.Scheduler
	ts        *timeseries.Sink
	logger    *slog.Logger

	listener net.Listener
}

// New wires the adapter to the components it fronts.
func New(cfg Config, st *store.Store, c *cache.Cache, engine *broker.Engine, sch *scheduler.Scheduler, ts *timeseries.Sink, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		cache:     c,
		engine:    engine,
		scheduler: sch,
		ts:        ts,
		logger:    logger,
	}
}

// Start begins serving on cfg.Address. Non-blocking: fasthttp.Serve runs on
// its own goroutine, matching the teacher's listener start pattern.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = listener

	go func() {
		if err := fasthttp.Serve(s.listener, s.route); err != nil {
			s.logger.Error("http adapter stopped", "error", err)
		}
	}()

	s.logger.Info("http adapter listening", "address", s.cfg.Address)
	return nil
}

// Close stops accepting new connections (spec.md §5 shutdown order: after
// the MQTT engine, before the Identity Store).
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// route dispatches by method and path. No router dependency is pulled in
// for this small, fixed surface; method/path are matched the same way the
// teacher's HTTP source checks cfg.Method/cfg.Path.
func (s *Server) route(ctx *fasthttp.RequestCtx) {
	if s.cfg.MaxBodySize > 0 && int64(len(ctx.PostBody())) > s.cfg.MaxBodySize {
		s.writeEnvelope(ctx, codeMessageTooLarge, "request body too large")
		return
	}

	method := string(ctx.Method())
	path := string(ctx.Path())

	switch {
	case method == fasthttp.MethodPost && path == "/device/auth":
		s.handleDeviceAuthCreate(ctx)
	case method == fasthttp.MethodGet && path == "/device/auth":
		s.handleDeviceAuthConnect(ctx)
	case method == fasthttp.MethodPost && path == "/device/s":
		s.handleDeviceSend(ctx)
	case method == fasthttp.MethodGet && path == "/device/r":
		s.handleDeviceReceive(ctx)
	case method == fasthttp.MethodPost && path == "/group":
		s.handleGroupCreate(ctx)
	case method == fasthttp.MethodPost && path == "/group/join":
		s.handleGroupJoin(ctx)
	case method == fasthttp.MethodGet && path == "/group/devices":
		s.handleGroupDevices(ctx)
	case method == fasthttp.MethodGet && path == "/timeseries":
		s.handleTimeseriesQuery(ctx)
	case method == fasthttp.MethodPost && path == "/schedule":
		s.handleScheduleCreate(ctx)
	case method == fasthttp.MethodGet && path == "/schedule":
		s.handleScheduleList(ctx)
	case method == fasthttp.MethodPut && path == "/schedule":
		s.handleScheduleUpdate(ctx)
	case method == fasthttp.MethodDelete && path == "/schedule":
		s.handleScheduleCancel(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		s.writeEnvelope(ctx, codeBadRequest, "no such route")
	}
}
