package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateGroupIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g1, err := s.CreateGroup(ctx, "fleet-a")
	require.NoError(t, err)
	g2, err := s.CreateGroup(ctx, "fleet-a")
	require.NoError(t, err)
	require.Equal(t, g1.ID, g2.ID)
}

func TestDeviceGroupMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dev, err := s.CreateDevice(ctx, "uuid-1", "auth-1")
	require.NoError(t, err)
	grp, err := s.CreateGroup(ctx, "fleet-a")
	require.NoError(t, err)

	require.NoError(t, s.AddDeviceToGroup(ctx, dev.ID, grp.ID))
	// Re-adding is a no-op, not an error.
	require.NoError(t, s.AddDeviceToGroup(ctx, dev.ID, grp.ID))

	in, err := s.IsDeviceInGroup(ctx, dev.ID, "fleet-a")
	require.NoError(t, err)
	require.True(t, in)

	in, err = s.IsDeviceInGroup(ctx, dev.ID, "fleet-b")
	require.NoError(t, err)
	require.False(t, in)

	groups, err := s.GetDeviceGroups(ctx, dev.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"fleet-a"}, groups)

	members, err := s.GetGroupDevices(ctx, "fleet-a")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, dev.ID, members[0].ID)
}
