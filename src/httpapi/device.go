package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/cache"
	"github.com/meshbroker/meshbroker/src/meshmsg"
	"github.com/meshbroker/meshbroker/src/store"
)

func randomToken(n int) string {
	buf := make([]byte, n/2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

type deviceAuthCreateRequest struct {
	UUID string `json:"uuid"`
}

type deviceAuthCreateResponse struct {
	AuthKey string `json:"authKey"`
}

// handleDeviceAuthCreate implements `POST /device/auth` (spec.md §4.6):
// idempotent device provisioning. First call creates the device, a group
// named after its uuid, and the membership; later calls just return the
// existing authKey.
func (s *Server) handleDeviceAuthCreate(ctx *fasthttp.RequestCtx) {
	var req deviceAuthCreateRequest
	if err := meshmsg.Decode(ctx.PostBody(), &req); err != nil || req.UUID == "" {
		s.writeEnvelope(ctx, codeBadRequest, "uuid is required")
		return
	}

	rctx := context.Background()
	dev, err := s.store.GetDeviceByUUID(rctx, req.UUID)
	if errors.Is(err, store.ErrNotFound) {
		authKey := randomToken(32)
		dev, err = s.store.CreateDevice(rctx, req.UUID, authKey)
		if err != nil {
			s.logger.Error("create device failed", "uuid", req.UUID, "error", err)
			s.writeEnvelope(ctx, codeServerError, nil)
			return
		}
		grp, err := s.store.CreateGroup(rctx, req.UUID)
		if err != nil {
			s.logger.Error("create device group failed", "uuid", req.UUID, "error", err)
			s.writeEnvelope(ctx, codeServerError, nil)
			return
		}
		if err := s.store.AddDeviceToGroup(rctx, dev.ID, grp.ID); err != nil {
			s.logger.Error("join device to group failed", "uuid", req.UUID, "error", err)
			s.writeEnvelope(ctx, codeServerError, nil)
			return
		}
	} else if err != nil {
		s.logger.Error("lookup device by uuid failed", "uuid", req.UUID, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}

	s.writeOK(ctx, deviceAuthCreateResponse{AuthKey: dev.AuthKey})
}

type deviceAuthConnectResponse struct {
	ClientID string `json:"clientId"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleDeviceAuthConnect implements `GET /device/auth?authKey&mode=` :
// issues a fresh MQTT credential triple and seeds the Device Cache for it.
func (s *Server) handleDeviceAuthConnect(ctx *fasthttp.RequestCtx) {
	authKey := string(ctx.QueryArgs().Peek("authKey"))
	mode := string(ctx.QueryArgs().Peek("mode"))
	if authKey == "" || (mode != "mqtt" && mode != "http") {
		s.writeEnvelope(ctx, codeBadRequest, "authKey and mode=mqtt|http are required")
		return
	}

	rctx := context.Background()
	dev, err := s.store.GetDeviceByAuthKey(rctx, authKey)
	if errors.Is(err, store.ErrNotFound) {
		s.writeEnvelope(ctx, codeDeviceNotFound, nil)
		return
	} else if err != nil {
		s.logger.Error("lookup device by authKey failed", "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}

	clientID := "dev_" + randomToken(16)
	username := "user_" + dev.UUID[:min8(len(dev.UUID))]
	password := randomToken(32)

	if err := s.store.UpdateDeviceConnection(rctx, authKey, clientID, username, password); err != nil {
		s.logger.Error("update device connection failed", "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}

	groups, err := s.store.GetDeviceGroups(rctx, dev.ID)
	if err != nil {
		s.logger.Error("load device groups failed", "error", err)
		groups = nil
	}

	cachedDev := cache.Device{
		ID: dev.ID, UUID: dev.UUID, AuthKey: authKey,
		ClientID: clientID, Username: username, Password: password,
	}
	s.cache.SetDeviceByAuthKey(authKey, cachedDev)
	s.cache.SetDeviceByClientID(clientID, cachedDev)
	if mode == "mqtt" {
		s.cache.SetDeviceMode(clientID, cache.ModeMQTT)
	} else {
		s.cache.SetDeviceMode(clientID, cache.ModeHTTP)
	}
	s.cache.SetDeviceGroups(clientID, groups)

	if mode == "http" {
		if err := s.store.UpdateDeviceOnlineStatus(rctx, dev.ID, true, "http"); err != nil {
			s.logger.Error("update online status failed", "error", err)
		}
		s.cache.SetHTTPLastActive(clientID, time.Now())
	}

	s.writeOK(ctx, deviceAuthConnectResponse{ClientID: clientID, Username: username, Password: password})
}

func min8(n int) int {
	if n < 8 {
		return n
	}
	return 8
}
