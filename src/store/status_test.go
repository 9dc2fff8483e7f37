package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdateDeviceOnlineStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dev, err := s.CreateDevice(ctx, "uuid-1", "auth-1")
	require.NoError(t, err)

	require.NoError(t, s.UpdateDeviceOnlineStatus(ctx, dev.ID, true, "mqtt"))
	st, err := s.GetDeviceStatus(ctx, dev.ID)
	require.NoError(t, err)
	require.Equal(t, 1, st.Status)
	require.Equal(t, "mqtt", st.Mode)

	require.NoError(t, s.MarkDeviceOffline(ctx, dev.ID))
	st, err = s.GetDeviceStatus(ctx, dev.ID)
	require.NoError(t, err)
	require.Equal(t, 0, st.Status)
}

func TestMarkInactiveHTTPDevicesOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dev, err := s.CreateDevice(ctx, "uuid-1", "auth-1")
	require.NoError(t, err)
	require.NoError(t, s.UpdateDeviceOnlineStatus(ctx, dev.ID, true, "http"))

	// Fresh activity: not yet past the cutoff.
	n, err := s.MarkInactiveHTTPDevicesOffline(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = s.DB().ExecContext(ctx, `UPDATE device_status SET last_active_at = 0 WHERE device_id = ?`, dev.ID)
	require.NoError(t, err)

	n, err = s.MarkInactiveHTTPDevicesOffline(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	st, err := s.GetDeviceStatus(ctx, dev.ID)
	require.NoError(t, err)
	require.Equal(t, 0, st.Status)
}
