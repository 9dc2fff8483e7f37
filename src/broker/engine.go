package broker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/meshbroker/meshbroker/src/cache"
	"github.com/meshbroker/meshbroker/src/store"
	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
)

const bridgeClientPrefix = "__bridge_"

// Config carries the tunables the engine needs from the environment
// (spec.md §6).
type Config struct {
	Host              string
	Port              int
	MaxMessageBytes   int
	PublishRateLimit  time.Duration
	BridgeEnabled     bool
	LocalBrokerID     string
	LocalBridgeToken  string
}

// Engine is the Broker Engine: a mochi-mqtt server wired to the Identity
// Store, the Device Cache, the Bridge, and the timeseries sink through a
// single hook (spec.md §4.3-§4.5).
type Engine struct {
	cfg    Config
	server *mqtt.Server
	store  *store.Store
	cache  *cache.Cache
	logger *slog.Logger

	remote RemoteDispatcher
	ts     TimeseriesSink
}

// New builds an Engine. SetRemoteDispatcher and SetTimeseriesSink must be
// called before Start if federation/timeseries are in use; both default to
// no-ops otherwise.
func New(cfg Config, st *store.Store, c *cache.Cache, logger *slog.Logger) *Engine {
	server := mqtt.New(&mqtt.Options{InlineClient: true})

	e := &Engine{
		cfg:    cfg,
		server: server,
		store:  st,
		cache:  c,
		logger: logger,
	}

	if err := server.AddHook(&engineHook{engine: e}, nil); err != nil {
		// AddHook only fails on a nil hook, which never happens here.
		panic(fmt.Errorf("add engine hook: %w", err))
	}

	return e
}

// SetRemoteDispatcher wires the Bridge in. Called once during application
// startup (spec.md §9).
func (e *Engine) SetRemoteDispatcher(d RemoteDispatcher) { e.remote = d }

// SetTimeseriesSink wires the timeseries tap in.
func (e *Engine) SetTimeseriesSink(s TimeseriesSink) { e.ts = s }

// Start adds the TCP listener and begins serving. Non-blocking: Serve runs
// on its own goroutine, matching the teacher's fire-and-forget listener
// start pattern.
func (e *Engine) Start() error {
	listener := listeners.NewTCP(listeners.Config{
		ID:      "mqtt",
		Address: fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port),
	})
	if err := e.server.AddListener(listener); err != nil {
		return fmt.Errorf("add mqtt listener: %w", err)
	}

	go func() {
		if err := e.server.Serve(); err != nil {
			e.logger.Error("mqtt server stopped", "error", err)
		}
	}()

	e.logger.Info("mqtt engine listening", "host", e.cfg.Host, "port", e.cfg.Port)
	return nil
}

// Stop drains sessions and closes the listener (spec.md §5 shutdown order:
// called after the Scheduler and Bridge have stopped).
func (e *Engine) Stop() error {
	return e.server.Close()
}

// emitLocal publishes payload on topic through the inline client, bypassing
// the ACL/auth hook pipeline, used for every server-originated delivery
// (forward messages, bridge re-dispatch).
func (e *Engine) emitLocal(topic string, payload []byte) {
	if err := e.server.Publish(topic, payload, false, 0); err != nil {
		e.logger.Error("emit local publish failed", "topic", topic, "error", err)
	}
}

// closeSession force-closes an online client by id, the engine-side half of
// the ACL/rate/size violation policy (spec.md §4.4).
func (e *Engine) closeSession(clientID string) {
	if cl, ok := e.server.Clients.Get(clientID); ok {
		cl.Stop(fmt.Errorf("session closed: policy violation"))
	}
}

// isBridgeClient reports whether clientID is a peer-bridge session (spec.md
// §4.3 rule 1).
func isBridgeClient(clientID string) bool {
	return len(clientID) > len(bridgeClientPrefix) && clientID[:len(bridgeClientPrefix)] == bridgeClientPrefix
}
