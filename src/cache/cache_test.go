package cache

import (
	"testing"
	"time"

	"github.com/meshbroker/meshbroker/src/meshmsg"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct{ closed bool }

func (f *fakeHandle) Close() error { f.closed = true; return nil }

func TestCheckPublishRate(t *testing.T) {
	c := New(50*time.Millisecond, time.Minute)
	require.True(t, c.CheckPublishRate("cid"))
	require.False(t, c.CheckPublishRate("cid"))
	time.Sleep(60 * time.Millisecond)
	require.True(t, c.CheckPublishRate("cid"))
}

func TestSetDeviceGroupsRebuildsReverseIndex(t *testing.T) {
	c := New(time.Second, time.Minute)

	c.SetDeviceGroups("cidA", []string{"g1", "g2"})
	require.ElementsMatch(t, []string{"cidA"}, c.GroupMembers("g1"))
	require.ElementsMatch(t, []string{"cidA"}, c.GroupMembers("g2"))
	require.True(t, c.IsMember("cidA", "g1"))

	c.SetDeviceGroups("cidA", []string{"g2", "g3"})
	require.Empty(t, c.GroupMembers("g1"))
	require.False(t, c.IsMember("cidA", "g1"))
	require.ElementsMatch(t, []string{"cidA"}, c.GroupMembers("g2"))
	require.ElementsMatch(t, []string{"cidA"}, c.GroupMembers("g3"))

	c.SetDeviceGroups("cidA", nil)
	require.Empty(t, c.GroupMembers("g2"))
	require.Empty(t, c.GroupMembers("g3"))
}

func TestReverseIndexCoherenceAcrossMultipleDevices(t *testing.T) {
	c := New(time.Second, time.Minute)
	c.SetDeviceGroups("cidA", []string{"g1"})
	c.SetDeviceGroups("cidB", []string{"g1"})
	require.ElementsMatch(t, []string{"cidA", "cidB"}, c.GroupMembers("g1"))

	c.RemoveDevice("cidA", "authA")
	require.ElementsMatch(t, []string{"cidB"}, c.GroupMembers("g1"))
	require.False(t, c.IsMember("cidA", "g1"))
}

func TestPendingMessagesOrderAndExpiry(t *testing.T) {
	c := New(time.Second, 50*time.Millisecond)
	c.AddPendingMessage("cidA", meshmsg.ForwardMessage{FromDevice: "x1"})
	c.AddPendingMessage("cidA", meshmsg.ForwardMessage{FromDevice: "x2"})

	msgs := c.GetPendingMessages("cidA")
	require.Len(t, msgs, 2)
	require.Equal(t, "x1", msgs[0].FromDevice)
	require.Equal(t, "x2", msgs[1].FromDevice)

	// second immediate read is empty
	require.Empty(t, c.GetPendingMessages("cidA"))

	c.AddPendingMessage("cidA", meshmsg.ForwardMessage{FromDevice: "x3"})
	time.Sleep(60 * time.Millisecond)
	require.Empty(t, c.GetPendingMessages("cidA"))
}

func TestCleanExpiredMessagesRemovesEmptyKeys(t *testing.T) {
	c := New(time.Second, 20*time.Millisecond)
	c.AddPendingMessage("cidA", meshmsg.ForwardMessage{FromDevice: "x1"})
	time.Sleep(30 * time.Millisecond)
	c.CleanExpiredMessages()
	require.Empty(t, c.GetPendingMessages("cidA"))
}

func TestRemoveDeviceClearsAllIndexes(t *testing.T) {
	c := New(time.Second, time.Minute)
	c.SetDeviceByClientID("cid", Device{ClientID: "cid", AuthKey: "ak"})
	c.SetDeviceByAuthKey("ak", Device{ClientID: "cid", AuthKey: "ak"})
	h := &fakeHandle{}
	c.SetClientOnline("cid", h)
	c.SetDeviceMode("cid", ModeHTTP)
	c.SetDeviceGroups("cid", []string{"g1"})
	c.AddPendingMessage("cid", meshmsg.ForwardMessage{FromDevice: "a"})

	c.RemoveDevice("cid", "ak")

	_, ok := c.DeviceByClientID("cid")
	require.False(t, ok)
	_, ok = c.DeviceByAuthKey("ak")
	require.False(t, ok)
	_, ok = c.SessionHandle("cid")
	require.False(t, ok)
	require.False(t, c.IsMember("cid", "g1"))
	require.Empty(t, c.GetPendingMessages("cid"))
}

func TestIsHTTPModeDefaultsToMQTT(t *testing.T) {
	c := New(time.Second, time.Minute)
	require.False(t, c.IsHTTPMode("unknown"))
}

func TestUpdateRemoteSharedData(t *testing.T) {
	c := New(time.Second, time.Minute)
	c.SetRemoteSharedDevices("b2", []RemoteSharedDevice{{UUID: "dev-Y", ClientID: "cid_Y", Permissions: "readwrite"}})
	c.UpdateRemoteSharedData("b2", "cid_Y", "", []byte(`{"v":1}`), time.Now())

	list := c.RemoteSharedDevices("b2")
	require.Len(t, list, 1)
	require.JSONEq(t, `{"v":1}`, string(list[0].LastData))
}
