// Package broker implements the Broker Engine: MQTT session lifecycle,
// authentication, topic ACL, publish authorization, fan-out, and the
// timeseries tap (spec.md §4.3, §4.4, §4.5).
package broker

import "encoding/json"

// SharePermission is the effective bridge-share access level computed by
// RemoteDispatcher.CheckDeviceAccess (spec.md §4.7).
type SharePermission string

const (
	ShareAll       SharePermission = "all"
	ShareReadWrite SharePermission = "readwrite"
	ShareRead      SharePermission = "read"
	ShareNone      SharePermission = "none"
)

// RemoteDispatcher is the Bridge's contract toward the Broker Engine. The
// engine depends only on this interface, so broker never imports bridge
// and bridge can import broker without a cycle: bridge.Bridge implements
// RemoteDispatcher and also calls back into the engine's
// DeliverFromRemote/DeliverGroupFromRemote.
type RemoteDispatcher interface {
	// SendToRemoteDevice publishes to a device on peerBrokerID. Returns
	// false if that peer isn't currently connected.
	SendToRemoteDevice(peerBrokerID, fromCid, targetCid string, data json.RawMessage) bool
	// SendToRemoteGroup publishes to a group on peerBrokerID. Returns
	// false if that peer isn't currently connected.
	SendToRemoteGroup(peerBrokerID, fromCid, targetGroup string, data json.RawMessage) bool
	// BroadcastToRemoteGroup fans a group message out to every connected peer.
	BroadcastToRemoteGroup(fromCid, targetGroup string, data json.RawMessage)
	// PushShareDataIfNeeded publishes a share-data sample to every peer that
	// shares fromCid, if federation is enabled.
	PushShareDataIfNeeded(fromCid string, data json.RawMessage)
	// PushShareSync publishes the current share list to peerBrokerID, called
	// when that peer's bridge client subscribes to its share-sync topic.
	PushShareSync(peerBrokerID string)
	// CheckDeviceAccess resolves the bridge-share ACL for a publish arriving
	// from fromBrokerID and addressed to targetClientID.
	CheckDeviceAccess(targetClientID, fromBrokerID string) SharePermission
}

// TimeseriesSink is the timeseries tap's contract toward the Broker Engine,
// kept narrow so the engine never depends on the sink's storage details.
type TimeseriesSink interface {
	Record(deviceUUID, dataKey string, value float64, timestampMs int64) error
}
