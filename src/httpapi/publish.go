package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/broker"
	"github.com/meshbroker/meshbroker/src/meshmsg"
	"github.com/meshbroker/meshbroker/src/store"
)

type deviceSendRequest struct {
	AuthKey  string          `json:"authKey"`
	ToDevice string          `json:"toDevice,omitempty"`
	ToGroup  string          `json:"toGroup,omitempty"`
	TS       bool            `json:"ts,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// resolveClientID maps an authKey to its current MQTT clientId, preferring
// the Device Cache and falling back to the Identity Store (mirrors the
// ACL fallback of spec.md §4.4).
func (s *Server) resolveClientID(authKey string) (string, bool) {
	if dev, ok := s.cache.DeviceByAuthKey(authKey); ok && dev.ClientID != "" {
		return dev.ClientID, true
	}
	dev, err := s.store.GetDeviceByAuthKey(context.Background(), authKey)
	if err != nil || !dev.ClientID.Valid || dev.ClientID.String == "" {
		return "", false
	}
	return dev.ClientID.String, true
}

// handleDeviceSend implements `POST /device/s`: runs the same publish
// pipeline an MQTT session would, on behalf of an already-authenticated
// HTTP or MQTT-mode device (spec.md §4.6).
func (s *Server) handleDeviceSend(ctx *fasthttp.RequestCtx) {
	var req deviceSendRequest
	if err := meshmsg.Decode(ctx.PostBody(), &req); err != nil || req.AuthKey == "" {
		s.writeEnvelope(ctx, codeBadRequest, "authKey is required")
		return
	}

	clientID, ok := s.resolveClientID(req.AuthKey)
	if !ok {
		s.writeEnvelope(ctx, codeDeviceNotFound, nil)
		return
	}

	switch s.engine.PublishFromHTTP(clientID, req.ToDevice, req.ToGroup, req.TS, req.Data) {
	case broker.PublishBadRequest:
		s.writeEnvelope(ctx, codeBadRequest, "toDevice or toGroup is required")
		return
	case broker.PublishTooLarge:
		s.writeEnvelope(ctx, codeMessageTooLarge, nil)
		return
	case broker.PublishRateLimited:
		s.writeEnvelope(ctx, codeRateLimited, nil)
		return
	case broker.PublishForbiddenGroup:
		s.writeEnvelope(ctx, codeForbiddenGroup, nil)
		return
	}

	if s.cache.IsHTTPMode(clientID) {
		now := time.Now()
		s.cache.SetHTTPLastActive(clientID, now)
		if dev, ok := s.cache.DeviceByClientID(clientID); ok {
			if err := s.store.UpdateDeviceOnlineStatus(context.Background(), dev.ID, true, "http"); err != nil {
				s.logger.Error("update device last active failed", "clientId", clientID, "error", err)
			}
		}
	}

	s.writeOK(ctx, nil)
}

type pendingResponse struct {
	Messages []meshmsg.ForwardMessage `json:"messages"`
	Count    int                      `json:"count"`
}

// handleDeviceReceive implements `GET /device/r?authKey`: returns and
// clears the HTTP-mode device's pending queue (spec.md §4.6).
func (s *Server) handleDeviceReceive(ctx *fasthttp.RequestCtx) {
	authKey := string(ctx.QueryArgs().Peek("authKey"))
	if authKey == "" {
		s.writeEnvelope(ctx, codeBadRequest, "authKey is required")
		return
	}

	clientID, ok := s.resolveClientID(authKey)
	if !ok {
		if _, err := s.store.GetDeviceByAuthKey(context.Background(), authKey); errors.Is(err, store.ErrNotFound) {
			s.writeEnvelope(ctx, codeDeviceNotFound, nil)
			return
		}
		s.writeEnvelope(ctx, codeNotOnlineOrHTTP, nil)
		return
	}
	if !s.cache.IsHTTPMode(clientID) {
		s.writeEnvelope(ctx, codeNotOnlineOrHTTP, nil)
		return
	}

	s.cache.SetHTTPLastActive(clientID, time.Now())
	msgs := s.cache.GetPendingMessages(clientID)
	s.writeOK(ctx, pendingResponse{Messages: msgs, Count: len(msgs)})
}
