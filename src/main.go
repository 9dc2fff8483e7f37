package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/meshbroker/meshbroker/src/app"
	"github.com/meshbroker/meshbroker/src/config"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()

	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		}),
	))
	l := slog.Default().With("context", "main")

	envCfg, err := config.Load()
	if err != nil {
		fatal(l, err, "failed to load configuration")
	}
	cfg := envCfg.Runtime()

	a, err := app.New(ctx, cfg, l)
	if err != nil {
		fatal(l, err, "failed to build application")
	}

	if err := a.Start(ctx); err != nil {
		fatal(l, err, "failed to start application")
	}
	l.Info("meshbroker started", "mqttPort", cfg.MQTTPort, "httpPort", cfg.HTTPPort, "managementPort", cfg.ManagementPort)

	<-ctx.Done()
	l.Info("shutting down")
	a.Shutdown()
	l.Info("shutdown complete")
}

func fatal(l *slog.Logger, err error, msg string) {
	l.Error(msg, "error", err)
	os.Exit(1)
}
