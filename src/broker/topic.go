package broker

import "strings"

// Topic kinds recognized by the ACL and publish pipeline (spec.md §4.4, §6).
const (
	topicDeviceSend    = "device-send"    // /device/{cid}/s
	topicDeviceRecv    = "device-recv"    // /device/{cid}/r
	topicGroupSend     = "group-send"     // /group/{name}/s
	topicGroupRecv     = "group-recv"     // /group/{name}/r
	topicBridgeDevice    = "bridge-device"     // /bridge/device/{cid}
	topicBridgeGroup     = "bridge-group"      // /bridge/group/{name}
	topicBridgeShareSync = "bridge-share-sync" // /bridge/share/sync/{brokerId}
	topicBridgeShare     = "bridge-share"      // any other /bridge/share/... or /bridge/...
	topicUnrecognized    = "unrecognized"
)

// parsedTopic is the result of classifying a topic string against the
// grammar of spec.md §4.4/§6.
type parsedTopic struct {
	kind string
	id   string // {cid} or {name}, empty for bridge-share and unrecognized
}

// parseTopic classifies topic against the fixed grammar. {cid}/{name}/
// {brokerId} segments match anything without a slash.
func parseTopic(topic string) parsedTopic {
	segs := strings.Split(strings.Trim(topic, "/"), "/")

	switch {
	case len(segs) == 3 && segs[0] == "device" && segs[1] != "" && segs[2] == "s":
		return parsedTopic{kind: topicDeviceSend, id: segs[1]}
	case len(segs) == 3 && segs[0] == "device" && segs[1] != "" && segs[2] == "r":
		return parsedTopic{kind: topicDeviceRecv, id: segs[1]}
	case len(segs) == 3 && segs[0] == "group" && segs[1] != "" && segs[2] == "s":
		return parsedTopic{kind: topicGroupSend, id: segs[1]}
	case len(segs) == 3 && segs[0] == "group" && segs[1] != "" && segs[2] == "r":
		return parsedTopic{kind: topicGroupRecv, id: segs[1]}
	case len(segs) == 3 && segs[0] == "bridge" && segs[1] == "device" && segs[2] != "":
		return parsedTopic{kind: topicBridgeDevice, id: segs[2]}
	case len(segs) == 3 && segs[0] == "bridge" && segs[1] == "group" && segs[2] != "":
		return parsedTopic{kind: topicBridgeGroup, id: segs[2]}
	case len(segs) == 4 && segs[0] == "bridge" && segs[1] == "share" && segs[2] == "sync" && segs[3] != "":
		return parsedTopic{kind: topicBridgeShareSync, id: segs[3]}
	case len(segs) >= 1 && segs[0] == "bridge":
		return parsedTopic{kind: topicBridgeShare}
	default:
		return parsedTopic{kind: topicUnrecognized}
	}
}

func deviceSendTopic(cid string) string  { return "/device/" + cid + "/s" }
func deviceRecvTopic(cid string) string  { return "/device/" + cid + "/r" }
func groupRecvTopic(name string) string  { return "/group/" + name + "/r" }
func bridgeDeviceTopic(cid string) string { return "/bridge/device/" + cid }
func bridgeGroupTopic(name string) string { return "/bridge/group/" + name }
func bridgeShareSyncTopic(brokerID string) string {
	return "/bridge/share/sync/" + brokerID
}
func bridgeShareDataTopic(brokerID, cid string) string {
	return "/bridge/share/data/" + brokerID + "/" + cid
}

// addressKind classifies a dispatch target against spec.md §4.7's
// "brokerId:localIdentifier" grammar.
type addressKind int

const (
	addressLocal   addressKind = iota // no colon: target is a local clientId/group
	addressRemote                     // "brokerId:local", both halves non-empty
	addressInvalid                    // colon present but one half is empty
)

// splitRemoteAddress splits "brokerId:localIdentifier" on the first colon,
// distinguishing a purely local target (no colon) from a malformed one
// (colon with an empty half) per spec.md §4.7's three-way contract.
func splitRemoteAddress(addr string) (brokerID, local string, kind addressKind) {
	i := strings.IndexByte(addr, ':')
	if i < 0 {
		return "", "", addressLocal
	}
	brokerID, local = addr[:i], addr[i+1:]
	if brokerID == "" || local == "" {
		return "", "", addressInvalid
	}
	return brokerID, local, addressRemote
}
