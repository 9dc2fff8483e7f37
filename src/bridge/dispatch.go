package bridge

import (
	"context"
	"encoding/json"

	"github.com/destel/rill"

	"github.com/meshbroker/meshbroker/src/broker"
	"github.com/meshbroker/meshbroker/src/meshmsg"
)

// SendToRemoteDevice implements broker.RemoteDispatcher.SendToRemoteDevice:
// publish {fromBroker, fromDevice, toDevice, data} to peerBrokerID on
// /bridge/device/{targetCid} (spec.md §4.7).
func (b *Bridge) SendToRemoteDevice(peerBrokerID, fromCid, targetCid string, data json.RawMessage) bool {
	p, ok := b.peer(peerBrokerID)
	if !ok {
		return false
	}
	payload, err := meshmsg.Encode(meshmsg.BridgeMessage{
		FromBroker: b.localBrokerID, FromDevice: fromCid, ToDevice: targetCid, Data: data,
	})
	if err != nil {
		b.logger.Error("encode bridge device message failed", "peer", peerBrokerID, "error", err)
		return false
	}
	return p.publish("/bridge/device/"+targetCid, payload)
}

// SendToRemoteGroup implements broker.RemoteDispatcher.SendToRemoteGroup,
// analogous to SendToRemoteDevice on /bridge/group/{targetGroup}.
func (b *Bridge) SendToRemoteGroup(peerBrokerID, fromCid, targetGroup string, data json.RawMessage) bool {
	p, ok := b.peer(peerBrokerID)
	if !ok {
		return false
	}
	payload, err := meshmsg.Encode(meshmsg.BridgeGroupMessage{
		FromBroker: b.localBrokerID, FromDevice: fromCid, ToGroup: targetGroup, Data: data,
	})
	if err != nil {
		b.logger.Error("encode bridge group message failed", "peer", peerBrokerID, "error", err)
		return false
	}
	return p.publish("/bridge/group/"+targetGroup, payload)
}

// BroadcastToRemoteGroup implements broker.RemoteDispatcher.BroadcastToRemoteGroup
// by fanning SendToRemoteGroup out to every connected peer with bounded
// concurrency, the same rill.ForEach shape the teacher uses to fan a stream
// out to its runners.
func (b *Bridge) BroadcastToRemoteGroup(fromCid, targetGroup string, data json.RawMessage) {
	ids := b.connectedPeerIDs()
	if len(ids) == 0 {
		return
	}
	ch := make(chan string, len(ids))
	for _, id := range ids {
		ch <- id
	}
	close(ch)

	stream := rill.FromChan(ch, nil)
	err := rill.ForEach(stream, min(len(ids), 8), func(peerBrokerID string) error {
		if !b.SendToRemoteGroup(peerBrokerID, fromCid, targetGroup, data) {
			b.logger.Info("group broadcast: peer unreachable", "peer", peerBrokerID, "group", targetGroup)
		}
		return nil
	})
	if err != nil {
		b.logger.Error("group broadcast failed", "group", targetGroup, "error", err)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// PushShareDataIfNeeded implements broker.RemoteDispatcher.PushShareDataIfNeeded:
// for every peer that shares fromCid, publish a BridgeShareDataMessage once
// (spec.md §4.7 "Share data push").
func (b *Bridge) PushShareDataIfNeeded(fromCid string, data json.RawMessage) {
	ctx := context.Background()
	dev, err := b.store.GetDeviceByClientID(ctx, fromCid)
	if err != nil {
		return
	}

	for _, peerBrokerID := range b.connectedPeerIDs() {
		if _, err := b.store.GetBridgeShare(ctx, peerBrokerID, dev.ID); err != nil {
			continue
		}
		p, ok := b.peer(peerBrokerID)
		if !ok {
			continue
		}
		payload, err := meshmsg.Encode(meshmsg.BridgeShareDataMessage{
			FromBroker: b.localBrokerID, FromDevice: fromCid, DeviceUUID: dev.UUID, Data: data,
		})
		if err != nil {
			b.logger.Error("encode bridge share data message failed", "peer", peerBrokerID, "error", err)
			continue
		}
		p.publish("/bridge/share/data/"+peerBrokerID+"/"+fromCid, payload)
	}
}

// PushShareSync implements broker.RemoteDispatcher.PushShareSync: publish
// the current share list for peerBrokerID on its share-sync topic (spec.md
// §4.7 "Share sync (outbound)").
func (b *Bridge) PushShareSync(peerBrokerID string) {
	ctx := context.Background()
	entries, err := b.store.ListBridgeShares(ctx, peerBrokerID)
	if err != nil {
		b.logger.Error("list bridge shares failed", "peer", peerBrokerID, "error", err)
		return
	}

	devices := make([]meshmsg.SharedDeviceDescriptor, 0, len(entries))
	for _, e := range entries {
		var clientID *string
		if e.ClientID.Valid {
			clientID = &e.ClientID.String
		}
		devices = append(devices, meshmsg.SharedDeviceDescriptor{
			UUID: e.UUID, ClientID: clientID, Permissions: e.Permissions,
		})
	}

	payload, err := meshmsg.Encode(meshmsg.BridgeShareSyncMessage{FromBroker: b.localBrokerID, Devices: devices})
	if err != nil {
		b.logger.Error("encode bridge share sync message failed", "peer", peerBrokerID, "error", err)
		return
	}

	p, ok := b.peer(peerBrokerID)
	if !ok {
		return
	}
	p.publish("/bridge/share/sync/"+peerBrokerID, payload)
}

// CheckDeviceAccess implements broker.RemoteDispatcher.CheckDeviceAccess
// (spec.md §4.7 "Device-share ACL"): zero share rows for fromBrokerID means
// the open "all" policy; otherwise the specific row's permission, or "none"
// if targetClientID has no row at all.
func (b *Bridge) CheckDeviceAccess(targetClientID, fromBrokerID string) broker.SharePermission {
	ctx := context.Background()

	count, err := b.store.CountBridgeShares(ctx, fromBrokerID)
	if err != nil {
		b.logger.Error("count bridge shares failed", "peer", fromBrokerID, "error", err)
		return broker.ShareNone
	}
	if count == 0 {
		return broker.ShareAll
	}

	dev, err := b.store.GetDeviceByClientID(ctx, targetClientID)
	if err != nil {
		return broker.ShareNone
	}
	share, err := b.store.GetBridgeShare(ctx, fromBrokerID, dev.ID)
	if err != nil {
		return broker.ShareNone
	}
	switch share.Permissions {
	case "readwrite":
		return broker.ShareReadWrite
	case "read":
		return broker.ShareRead
	default:
		return broker.ShareNone
	}
}
