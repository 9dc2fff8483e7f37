package broker

import (
	"encoding/json"
	"math"
	"time"

	"github.com/meshbroker/meshbroker/src/meshmsg"
)

// handlePublish is the admission pipeline of spec.md §4.5, invoked from
// OnPublish for every accepted MQTT publish.
func (e *Engine) handlePublish(clientID, topic string, payload []byte) {
	if isBridgeClient(clientID) {
		e.handleBridgeInboundPublish(clientID, topic, payload)
		return
	}

	if len(payload) > e.cfg.MaxMessageBytes {
		e.logger.Warn("publish rejected: message too large", "clientId", clientID, "bytes", len(payload))
		e.closeSession(clientID)
		return
	}

	if !e.cache.CheckPublishRate(clientID) {
		e.logger.Warn("publish rejected: rate limited", "clientId", clientID)
		e.closeSession(clientID)
		return
	}

	if !e.checkACL(clientID, topic, true) {
		e.logger.Warn("publish rejected: acl violation", "clientId", clientID, "topic", topic)
		e.closeSession(clientID)
		return
	}

	var msg meshmsg.DevicePublish
	if err := meshmsg.Decode(payload, &msg); err != nil {
		e.logger.Info("dropping malformed publish", "clientId", clientID, "topic", topic, "error", err)
		return
	}

	pt := parseTopic(topic)
	switch pt.kind {
	case topicDeviceSend:
		e.handleDeviceSend(clientID, msg)
	case topicGroupSend:
		if msg.ToGroup == "" {
			e.logger.Info("dropping group publish with no toGroup", "clientId", clientID)
			return
		}
		e.DispatchGroup(clientID, msg.ToGroup, msg.Data)
	default:
		e.logger.Info("dropping publish on unroutable topic", "clientId", clientID, "topic", topic)
	}
}

// handleDeviceSend implements the /device/{cid}/s branch of spec.md §4.5:
// the timeseries tap runs in addition to, not instead of, normal dispatch.
func (e *Engine) handleDeviceSend(sender string, msg meshmsg.DevicePublish) {
	if msg.TS {
		e.tapTimeseries(sender, msg.Data)
	}

	switch {
	case msg.ToDevice != "":
		e.DispatchDevice(sender, msg.ToDevice, msg.Data)
	case msg.ToGroup != "":
		e.DispatchGroup(sender, msg.ToGroup, msg.Data)
	default:
		e.logger.Info("dropping device publish with no toDevice/toGroup", "clientId", sender)
	}
}

// tapTimeseries records every finite-numeric entry of a JSON object payload
// against the sending device's uuid (spec.md §4.5 step 1).
func (e *Engine) tapTimeseries(sender string, data json.RawMessage) {
	if e.ts == nil {
		return
	}
	dev, ok := e.cache.DeviceByClientID(sender)
	if !ok {
		return
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		e.logger.Info("timeseries tap: data is not a JSON object, skipping", "clientId", sender)
		return
	}

	now := time.Now().UnixMilli()
	for key, raw := range obj {
		value, ok := finiteNumber(raw)
		if !ok {
			continue
		}
		if err := e.ts.Record(dev.UUID, key, value, now); err != nil {
			e.logger.Error("timeseries record failed", "clientId", sender, "dataKey", key, "error", err)
		}
	}
}

func finiteNumber(v any) (float64, bool) {
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// DispatchDevice implements spec.md §4.5's DispatchDevice(sender, target, data).
func (e *Engine) DispatchDevice(sender, target string, data json.RawMessage) {
	if e.cfg.BridgeEnabled && e.remote != nil {
		e.remote.PushShareDataIfNeeded(sender, data)
	}

	switch brokerID, localCid, kind := splitRemoteAddress(target); kind {
	case addressRemote:
		if e.remote == nil || !e.remote.SendToRemoteDevice(brokerID, sender, localCid, data) {
			e.logger.Info("dropping device message: peer not connected", "target", target)
		}
		return
	case addressInvalid:
		e.logger.Warn("dropping device message: malformed target address", "target", target)
		return
	}

	e.deliverToLocalDevice(target, meshmsg.ForwardMessage{FromDevice: sender, Data: data})
}

// DispatchGroup implements spec.md §4.5's DispatchGroup(sender, groupName, data).
func (e *Engine) DispatchGroup(sender, groupName string, data json.RawMessage) {
	switch brokerID, localGroup, kind := splitRemoteAddress(groupName); kind {
	case addressRemote:
		if e.remote == nil || !e.remote.SendToRemoteGroup(brokerID, sender, localGroup, data) {
			e.logger.Info("dropping group message: peer not connected", "target", groupName)
		}
		return
	case addressInvalid:
		e.logger.Warn("dropping group message: malformed target address", "target", groupName)
		return
	}

	if !e.isGroupMember(sender, groupName) {
		e.logger.Info("dropping group message: sender not a member", "clientId", sender, "group", groupName)
		return
	}

	fm := meshmsg.ForwardMessage{FromGroup: groupName, FromDevice: sender, Data: data}
	for _, member := range e.cache.GroupMembers(groupName) {
		if member == sender {
			continue
		}
		if e.cache.IsHTTPMode(member) {
			e.cache.AddPendingMessage(member, fm)
		}
	}
	e.emitForwardMessage(groupRecvTopic(groupName), fm)

	if e.cfg.BridgeEnabled && e.remote != nil {
		e.remote.BroadcastToRemoteGroup(sender, groupName, data)
	}
}

// DeliverFromRemote implements spec.md §4.5's DeliverFromRemote, applying
// the bridge-share ACL before any local write.
func (e *Engine) DeliverFromRemote(fromBroker, fromDevice, targetClientID string, data json.RawMessage) {
	if e.remote != nil {
		switch e.remote.CheckDeviceAccess(targetClientID, fromBroker) {
		case ShareNone, ShareRead:
			e.logger.Info("dropping remote device message: share acl denies write", "target", targetClientID, "fromBroker", fromBroker)
			return
		}
	}

	fm := meshmsg.ForwardMessage{FromDevice: fromBroker + ":" + fromDevice, Data: data}
	e.deliverToLocalDevice(targetClientID, fm)
}

// DeliverGroupFromRemote implements spec.md §4.5's DeliverGroupFromRemote.
func (e *Engine) DeliverGroupFromRemote(fromBroker, fromDevice, groupName string, data json.RawMessage) {
	fm := meshmsg.ForwardMessage{FromGroup: groupName, FromDevice: fromBroker + ":" + fromDevice, Data: data}
	for _, member := range e.cache.GroupMembers(groupName) {
		if e.cache.IsHTTPMode(member) {
			e.cache.AddPendingMessage(member, fm)
		}
	}
	e.emitForwardMessage(groupRecvTopic(groupName), fm)
}

// PublishResult is the outcome of PublishFromHTTP, carrying enough detail
// for the HTTP Adapter to choose a response code without string matching
// (spec.md §4.6, §6 response code dictionary).
type PublishResult int

const (
	PublishOK PublishResult = iota
	PublishBadRequest
	PublishTooLarge
	PublishRateLimited
	PublishForbiddenGroup
)

// PublishFromHTTP runs the admission pipeline of spec.md §4.5 on behalf of
// an already-authenticated sender (HTTP or MQTT mode), backing `POST /device/s`
// (spec.md §4.6). Unlike handlePublish there is no MQTT session to close on
// a violation; the caller maps the result to an HTTP response instead.
func (e *Engine) PublishFromHTTP(clientID, toDevice, toGroup string, ts bool, data json.RawMessage) PublishResult {
	if toDevice == "" && toGroup == "" {
		return PublishBadRequest
	}
	if len(data) > e.cfg.MaxMessageBytes {
		return PublishTooLarge
	}
	if !e.cache.CheckPublishRate(clientID) {
		return PublishRateLimited
	}
	if toGroup != "" && !e.isGroupMember(clientID, toGroup) {
		return PublishForbiddenGroup
	}

	if ts {
		e.tapTimeseries(clientID, data)
	}
	switch {
	case toDevice != "":
		e.DispatchDevice(clientID, toDevice, data)
	case toGroup != "":
		e.DispatchGroup(clientID, toGroup, data)
	}
	return PublishOK
}

// DeliverScheduledMessage implements spec.md §4.8 step 2: a fired scheduled
// task is delivered through the same local/HTTP split as any other forward
// message, under the synthetic sender identity "__scheduler__".
func (e *Engine) DeliverScheduledMessage(target string, data json.RawMessage) {
	e.deliverToLocalDevice(target, meshmsg.ForwardMessage{FromDevice: "__scheduler__", Data: data})
}

// deliverToLocalDevice routes fm to target's HTTP pending queue or its MQTT
// receive topic, matching spec.md's "HTTP spool vs live MQTT emit" split.
func (e *Engine) deliverToLocalDevice(target string, fm meshmsg.ForwardMessage) {
	if e.cache.IsHTTPMode(target) {
		e.cache.AddPendingMessage(target, fm)
		return
	}
	e.emitForwardMessage(deviceRecvTopic(target), fm)
}

func (e *Engine) emitForwardMessage(topic string, fm meshmsg.ForwardMessage) {
	payload, err := meshmsg.Encode(fm)
	if err != nil {
		e.logger.Error("encode forward message failed", "topic", topic, "error", err)
		return
	}
	e.emitLocal(topic, payload)
}

// handleBridgeInboundPublish re-enters a peer-bridge client's publish on a
// reserved topic as a local delivery, rewriting the sender identity
// (spec.md §4.5's /bridge/device, /bridge/group branches).
func (e *Engine) handleBridgeInboundPublish(clientID, topic string, payload []byte) {
	pt := parseTopic(topic)
	switch pt.kind {
	case topicBridgeDevice:
		var msg meshmsg.BridgeMessage
		if err := meshmsg.Decode(payload, &msg); err != nil {
			e.logger.Info("dropping malformed bridge device message", "clientId", clientID, "error", err)
			return
		}
		e.DeliverFromRemote(msg.FromBroker, msg.FromDevice, pt.id, msg.Data)
	case topicBridgeGroup:
		var msg meshmsg.BridgeGroupMessage
		if err := meshmsg.Decode(payload, &msg); err != nil {
			e.logger.Info("dropping malformed bridge group message", "clientId", clientID, "error", err)
			return
		}
		e.DeliverGroupFromRemote(msg.FromBroker, msg.FromDevice, pt.id, msg.Data)
	default:
		// Other reserved topics (bridge/share/...) from a peer bridge client
		// are not re-dispatched by the engine; nothing to do.
	}
}
