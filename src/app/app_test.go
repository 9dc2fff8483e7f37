package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshbroker/meshbroker/src/config"
)

func testConfig(t *testing.T) *config.Runtime {
	t.Helper()
	return &config.Runtime{
		MQTTPort:                0,
		MQTTHost:                "127.0.0.1",
		HTTPPort:                0,
		ManagementPort:          0,
		MessageMaxBytes:         1024,
		PublishRateLimit:        time.Millisecond,
		MessageExpireTime:       time.Minute,
		CacheCleanupInterval:    50 * time.Millisecond,
		TimeseriesRetentionDays: 30,
		BridgeEnabled:           false,
		BridgeReconnectInterval: 5 * time.Millisecond,
		SchedulerTick:           10 * time.Millisecond,
		DataDir:                 t.TempDir(),
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), testConfig(t), logger)
	require.NoError(t, err)
	require.NotNil(t, a.Store)
	require.NotNil(t, a.Cache)
	require.NotNil(t, a.Engine)
	require.NotNil(t, a.Scheduler)
	require.NotNil(t, a.Bridge)
	require.NotNil(t, a.Timeseries)
	require.NotNil(t, a.HTTP)
	require.NotNil(t, a.Management)
	t.Cleanup(a.Shutdown)
}

func TestStartAndShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, testConfig(t), logger)
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	a.Shutdown()
}

func TestTimeseriesAdapterRecordsIntoSink(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), testConfig(t), logger)
	require.NoError(t, err)
	t.Cleanup(a.Shutdown)

	adapter := tsAdapter{sink: a.Timeseries}
	require.NoError(t, adapter.Record("device-uuid", "temp", 21.5, time.Now().UnixMilli()))

	page, err := a.Timeseries.Query(context.Background(), "device-uuid", "temp", 0, 0, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
}
