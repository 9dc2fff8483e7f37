// Package bridge implements federation between broker instances: outbound
// peer connections, inbound bridge-topic re-entry into the local engine,
// cross-broker addressing, and the per-peer device-sharing ACL (spec.md
// §4.7).
package bridge

import (
	"encoding/json"
)

// State is a peer connection's position in the DISCONNECTED/CONNECTING/
// CONNECTED state machine of spec.md §4.7.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	bridgeClientPrefix  = "__bridge_"
	bridgeUsername      = "__bridge_"
	keepAliveSeconds    = 60
	connectTimeout      = 10 // seconds
)

// LocalEngine is the Broker Engine's contract toward the Bridge: the two
// callbacks an inbound bridge publish re-enters through. Kept minimal so
// this package never imports the concrete *broker.Engine type.
type LocalEngine interface {
	DeliverFromRemote(fromBroker, fromDevice, targetClientID string, data json.RawMessage)
	DeliverGroupFromRemote(fromBroker, fromDevice, groupName string, data json.RawMessage)
}
