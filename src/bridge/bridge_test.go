package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshbroker/meshbroker/src/broker"
	"github.com/meshbroker/meshbroker/src/cache"
	"github.com/meshbroker/meshbroker/src/store"
)

func newTestBridge(t *testing.T) (*Bridge, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := cache.New(0, 0)
	b := New(st, c, "local-broker", 5*time.Millisecond, logger)
	return b, st
}

type fakeLocalEngine struct {
	deviceDeliveries []string
	groupDeliveries  []string
}

func (f *fakeLocalEngine) DeliverFromRemote(fromBroker, fromDevice, targetClientID string, data json.RawMessage) {
	f.deviceDeliveries = append(f.deviceDeliveries, fromBroker+"/"+fromDevice+"/"+targetClientID)
}

func (f *fakeLocalEngine) DeliverGroupFromRemote(fromBroker, fromDevice, groupName string, data json.RawMessage) {
	f.groupDeliveries = append(f.groupDeliveries, fromBroker+"/"+fromDevice+"/"+groupName)
}

func TestCheckDeviceAccessOpenPolicyWhenNoShares(t *testing.T) {
	b, _ := newTestBridge(t)
	require.Equal(t, broker.ShareAll, b.CheckDeviceAccess("dev-1", "peer-1"))
}

func TestCheckDeviceAccessHonorsShareRow(t *testing.T) {
	b, st := newTestBridge(t)
	ctx := context.Background()

	dev, err := st.CreateDevice(ctx, "uuid-1", "auth-1")
	require.NoError(t, err)
	require.NoError(t, st.UpdateDeviceConnection(ctx, dev.AuthKey, "dev-1", "", ""))
	require.NoError(t, st.AddBridgeShare(ctx, "peer-1", dev.ID, "read"))

	require.Equal(t, broker.ShareRead, b.CheckDeviceAccess("dev-1", "peer-1"))

	other, err := st.CreateDevice(ctx, "uuid-2", "auth-2")
	require.NoError(t, err)
	require.NoError(t, st.UpdateDeviceConnection(ctx, other.AuthKey, "dev-2", "", ""))
	require.Equal(t, broker.ShareNone, b.CheckDeviceAccess("dev-2", "peer-1"))
}

func TestHandleInboundDeviceRoutesToLocalEngine(t *testing.T) {
	b, _ := newTestBridge(t)
	fe := &fakeLocalEngine{}
	b.SetLocalEngine(fe)

	payload, err := json.Marshal(map[string]any{
		"fromBroker": "peer-1", "fromDevice": "dev-9", "toDevice": "dev-1", "data": map[string]any{"v": 1},
	})
	require.NoError(t, err)

	b.handleInbound("peer-1", "/bridge/device/dev-1", payload)

	require.Equal(t, []string{"peer-1/dev-9/dev-1"}, fe.deviceDeliveries)
}

func TestHandleInboundGroupRoutesToLocalEngine(t *testing.T) {
	b, _ := newTestBridge(t)
	fe := &fakeLocalEngine{}
	b.SetLocalEngine(fe)

	payload, err := json.Marshal(map[string]any{
		"fromBroker": "peer-1", "fromDevice": "dev-9", "toGroup": "sensors", "data": map[string]any{},
	})
	require.NoError(t, err)

	b.handleInbound("peer-1", "/bridge/group/sensors", payload)

	require.Equal(t, []string{"peer-1/dev-9/sensors"}, fe.groupDeliveries)
}

func TestHandleInboundMalformedPayloadDoesNotPanic(t *testing.T) {
	b, _ := newTestBridge(t)
	fe := &fakeLocalEngine{}
	b.SetLocalEngine(fe)

	b.handleInbound("peer-1", "/bridge/device/dev-1", []byte("not json"))

	require.Empty(t, fe.deviceDeliveries)
}

func TestSendToRemoteDeviceFailsWithoutConnectedPeer(t *testing.T) {
	b, _ := newTestBridge(t)
	b.AddOrUpdateRemote("peer-1", "tcp://127.0.0.1:1", "token", true)
	t.Cleanup(b.Stop)

	require.False(t, b.SendToRemoteDevice("peer-1", "dev-1", "dev-2", json.RawMessage(`{}`)))
}

func TestSendToRemoteDeviceFailsForUnknownPeer(t *testing.T) {
	b, _ := newTestBridge(t)
	require.False(t, b.SendToRemoteDevice("unknown-peer", "dev-1", "dev-2", json.RawMessage(`{}`)))
}

func TestHandleInboundShareSyncReplacesCacheList(t *testing.T) {
	b, _ := newTestBridge(t)
	cid := "dev-1"

	payload, err := json.Marshal(map[string]any{
		"fromBroker": "peer-1",
		"devices": []map[string]any{
			{"uuid": "uuid-1", "clientId": cid, "permissions": "read"},
		},
	})
	require.NoError(t, err)

	b.handleInbound("peer-1", "/bridge/share/sync/local-broker", payload)

	devices := b.cache.RemoteSharedDevices("peer-1")
	require.Len(t, devices, 1)
	require.Equal(t, "uuid-1", devices[0].UUID)
	require.Equal(t, cid, devices[0].ClientID)
}

func TestHandleInboundShareDataUpdatesMatchingEntry(t *testing.T) {
	b, _ := newTestBridge(t)
	b.cache.SetRemoteSharedDevices("peer-1", []cache.RemoteSharedDevice{{UUID: "uuid-1", ClientID: "dev-1"}})

	payload, err := json.Marshal(map[string]any{
		"fromBroker": "peer-1", "fromDevice": "dev-1", "deviceUuid": "uuid-1", "data": map[string]any{"v": 1},
	})
	require.NoError(t, err)

	b.handleInbound("peer-1", "/bridge/share/data/local-broker/dev-1", payload)

	devices := b.cache.RemoteSharedDevices("peer-1")
	require.Len(t, devices, 1)
	require.NotEmpty(t, devices[0].LastData)
}

func TestRemoveRemoteStopsPeer(t *testing.T) {
	b, _ := newTestBridge(t)
	b.AddOrUpdateRemote("peer-1", "tcp://127.0.0.1:1", "token", true)
	b.RemoveRemote("peer-1")

	_, ok := b.peer("peer-1")
	require.False(t, ok)
}
