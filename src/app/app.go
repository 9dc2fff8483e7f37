// Package app wires the Identity Store, Device Cache, Broker Engine,
// Scheduler, Bridge, Timeseries Sink, and the two HTTP adapters into one
// running process (spec.md §9 "From singleton modules to wired
// components").
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshbroker/meshbroker/src/bridge"
	"github.com/meshbroker/meshbroker/src/broker"
	"github.com/meshbroker/meshbroker/src/cache"
	"github.com/meshbroker/meshbroker/src/config"
	"github.com/meshbroker/meshbroker/src/httpapi"
	"github.com/meshbroker/meshbroker/src/management"
	"github.com/meshbroker/meshbroker/src/scheduler"
	"github.com/meshbroker/meshbroker/src/store"
	"github.com/meshbroker/meshbroker/src/timeseries"
)

// App owns every long-lived component and the background loops that tie
// them together.
type App struct {
	cfg *config.Runtime

	Store      *store.Store
	Cache      *cache.Cache
	Engine     *broker.Engine
	Scheduler  *scheduler.Scheduler
	Bridge     *bridge.Bridge
	Timeseries *timeseries.Sink
	HTTP       *httpapi.Server
	Management *management.Server

	logger *slog.Logger
	stop   chan struct{}
}

// tsAdapter satisfies broker.TimeseriesSink over *timeseries.Sink: the
// engine's Record takes no context, so the adapter calls the sink's
// context-taking Record with context.Background() as a synchronous write.
type tsAdapter struct {
	sink *timeseries.Sink
}

func (a tsAdapter) Record(deviceUUID, dataKey string, value float64, timestampMs int64) error {
	return a.sink.Record(context.Background(), timeseries.Point{
		DeviceUUID: deviceUUID,
		DataKey:    dataKey,
		Value:      value,
		Timestamp:  timestampMs,
	})
}

// New constructs every component and wires their cross-references, but
// starts nothing yet.
func New(ctx context.Context, cfg *config.Runtime, logger *slog.Logger) (*App, error) {
	st, err := store.Open(ctx, cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}

	if err := st.BootstrapIfEmpty(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap identity store: %w", err)
	}

	brokerID, bridgeToken, err := st.GetOrCreateBrokerIdentity(ctx, cfg.BrokerID, cfg.BridgeToken)
	if err != nil {
		return nil, fmt.Errorf("resolve broker identity: %w", err)
	}
	logger.Info("broker identity resolved", "brokerId", brokerID)

	c := cache.New(cfg.PublishRateLimit, cfg.MessageExpireTime)

	engine := broker.New(broker.Config{
		Host:             cfg.MQTTHost,
		Port:             cfg.MQTTPort,
		MaxMessageBytes:  cfg.MessageMaxBytes,
		PublishRateLimit: cfg.PublishRateLimit,
		BridgeEnabled:    cfg.BridgeEnabled,
		LocalBrokerID:    brokerID,
		LocalBridgeToken: bridgeToken,
	}, st, c, logger.With("component", "engine"))

	ts := timeseries.New(st.DB(), cfg.TimeseriesRetentionDays, logger.With("component", "timeseries"))
	engine.SetTimeseriesSink(tsAdapter{sink: ts})

	sch := scheduler.New(cfg.SchedulerTick, logger.With("component", "scheduler"))
	sch.SetDispatcher(engine)

	br := bridge.New(st, c, brokerID, cfg.BridgeReconnectInterval, logger.With("component", "bridge"))
	br.SetLocalEngine(engine)
	engine.SetRemoteDispatcher(br)

	if cfg.BridgeEnabled {
		if err := br.ReloadRemotes(ctx); err != nil {
			return nil, fmt.Errorf("load peer brokers: %w", err)
		}
	}

	httpSrv := httpapi.New(httpapi.Config{
		Address:     fmt.Sprintf("%s:%d", cfg.MQTTHost, cfg.HTTPPort),
		MaxBodySize: int64(cfg.MessageMaxBytes),
	}, st, c, engine, sch, ts, logger.With("component", "httpapi"))

	mgmtSrv := management.New(management.Config{
		Address:   fmt.Sprintf("%s:%d", cfg.MQTTHost, cfg.ManagementPort),
		UserToken: cfg.UserToken,
	}, st, br, logger.With("component", "management"))

	return &App{
		cfg:        cfg,
		Store:      st,
		Cache:      c,
		Engine:     engine,
		Scheduler:  sch,
		Bridge:     br,
		Timeseries: ts,
		HTTP:       httpSrv,
		Management: mgmtSrv,
		logger:     logger,
		stop:       make(chan struct{}),
	}, nil
}

// Start brings every component up and launches the background loops
// (cache cleanup, HTTP-device offline sweep, timeseries retention, and the
// scheduler tick).
func (a *App) Start(ctx context.Context) error {
	if err := a.Engine.Start(); err != nil {
		return fmt.Errorf("start mqtt engine: %w", err)
	}
	if err := a.HTTP.Start(); err != nil {
		return fmt.Errorf("start http adapter: %w", err)
	}
	if err := a.Management.Start(); err != nil {
		return fmt.Errorf("start management adapter: %w", err)
	}

	go a.Scheduler.Run(a.stop)
	go a.Timeseries.Run(ctx)
	go a.runCleanupLoop(ctx)

	return nil
}

// runCleanupLoop periodically purges expired pending messages and flips
// quiet HTTP-mode devices offline (spec.md §4.1, CACHE_CLEANUP_INTERVAL).
func (a *App) runCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CacheCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Cache.CleanExpiredMessages()
			if n, err := a.Store.MarkInactiveHTTPDevicesOffline(ctx); err != nil {
				a.logger.Error("mark inactive http devices offline failed", "error", err)
			} else if n > 0 {
				a.logger.Info("marked inactive http devices offline", "count", n)
			}
		}
	}
}

// Shutdown stops every component in spec.md §5's order: Scheduler and
// Bridge first (cancelling reconnect timers and closing peer clients),
// then the MQTT engine (draining sessions), then the HTTP adapters, and
// finally the Identity Store.
func (a *App) Shutdown() {
	close(a.stop)
	a.Bridge.Stop()

	if err := a.Engine.Stop(); err != nil {
		a.logger.Error("stop mqtt engine failed", "error", err)
	}
	if err := a.HTTP.Close(); err != nil {
		a.logger.Error("stop http adapter failed", "error", err)
	}
	if err := a.Management.Close(); err != nil {
		a.logger.Error("stop management adapter failed", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		a.logger.Error("close identity store failed", "error", err)
	}
}
