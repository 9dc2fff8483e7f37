// Package meshmsg defines the JSON envelopes carried on the topic grammar
// (spec.md §6) and the codec used to (de)serialize them.
package meshmsg

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encode marshals v with the fast-path JSON codec used across the core.
func Encode(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Decode unmarshals data into v with the fast-path JSON codec.
func Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// DevicePublish is the payload a device sends on /device/{cid}/s or
// /group/{name}/s.
type DevicePublish struct {
	ToDevice string          `json:"toDevice,omitempty"`
	ToGroup  string          `json:"toGroup,omitempty"`
	TS       bool            `json:"ts,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// ForwardMessage is the envelope delivered on /device/{cid}/r and
// /group/{name}/r, and spooled for HTTP-mode devices.
type ForwardMessage struct {
	FromDevice string          `json:"fromDevice"`
	FromGroup  string          `json:"fromGroup,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// BridgeMessage travels on /bridge/device/{cid} between peer brokers.
type BridgeMessage struct {
	FromBroker string          `json:"fromBroker"`
	FromDevice string          `json:"fromDevice"`
	ToDevice   string          `json:"toDevice"`
	Data       json.RawMessage `json:"data"`
}

// BridgeGroupMessage travels on /bridge/group/{name} between peer brokers.
type BridgeGroupMessage struct {
	FromBroker string          `json:"fromBroker"`
	FromDevice string          `json:"fromDevice"`
	ToGroup    string          `json:"toGroup"`
	Data       json.RawMessage `json:"data"`
}

// SharedDeviceDescriptor describes one device made reachable to a peer
// through a BridgeShareSyncMessage.
type SharedDeviceDescriptor struct {
	UUID        string  `json:"uuid"`
	ClientID    *string `json:"clientId"`
	Permissions string  `json:"permissions"`
}

// BridgeShareSyncMessage replaces a peer's view of which local devices are
// shared with it, published on /bridge/share/sync/{brokerId}.
type BridgeShareSyncMessage struct {
	FromBroker string                   `json:"fromBroker"`
	Devices    []SharedDeviceDescriptor `json:"devices"`
}

// BridgeShareDataMessage pushes a data sample for one shared device,
// published on /bridge/share/data/{brokerId}/{clientId}.
type BridgeShareDataMessage struct {
	FromBroker string          `json:"fromBroker"`
	FromDevice string          `json:"fromDevice"`
	DeviceUUID string          `json:"deviceUuid"`
	Data       json.RawMessage `json:"data"`
}
