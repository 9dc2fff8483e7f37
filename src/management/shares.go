package management

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/store"
)

type shareRequest struct {
	BrokerID    string `json:"brokerId"`
	DeviceUUID  string `json:"deviceUuid"`
	Permissions string `json:"permissions"`
}

// handleShareGrant implements `POST /shares`: grants brokerID a
// permissions level on deviceUuid (spec.md §4.7 share-ACL).
func (s *Server) handleShareGrant(ctx *fasthttp.RequestCtx) {
	var req shareRequest
	if err := decodeBody(ctx, &req); err != nil || req.BrokerID == "" || req.DeviceUUID == "" {
		s.writeEnvelope(ctx, codeBadRequest, "brokerId and deviceUuid are required")
		return
	}

	rctx := context.Background()
	dev, err := s.store.GetDeviceByUUID(rctx, req.DeviceUUID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeEnvelope(ctx, codeNotFound, nil)
		return
	} else if err != nil {
		s.logger.Error("lookup device failed", "uuid", req.DeviceUUID, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}

	if err := s.store.AddBridgeShare(rctx, req.BrokerID, dev.ID, req.Permissions); err != nil {
		s.logger.Error("add bridge share failed", "brokerId", req.BrokerID, "uuid", req.DeviceUUID, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}
	s.writeOK(ctx, nil)
}

// handleShareList implements `GET /shares?brokerId=`.
func (s *Server) handleShareList(ctx *fasthttp.RequestCtx) {
	brokerID := string(ctx.QueryArgs().Peek("brokerId"))
	if brokerID == "" {
		s.writeEnvelope(ctx, codeBadRequest, "brokerId is required")
		return
	}
	shares, err := s.store.ListBridgeShares(context.Background(), brokerID)
	if err != nil {
		s.logger.Error("list bridge shares failed", "brokerId", brokerID, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}
	s.writeOK(ctx, shares)
}

// handleShareRevoke implements `DELETE /shares?brokerId=&deviceUuid=`.
func (s *Server) handleShareRevoke(ctx *fasthttp.RequestCtx) {
	brokerID := string(ctx.QueryArgs().Peek("brokerId"))
	deviceUUID := string(ctx.QueryArgs().Peek("deviceUuid"))
	if brokerID == "" || deviceUUID == "" {
		s.writeEnvelope(ctx, codeBadRequest, "brokerId and deviceUuid are required")
		return
	}

	rctx := context.Background()
	dev, err := s.store.GetDeviceByUUID(rctx, deviceUUID)
	if errors.Is(err, store.ErrNotFound) {
		s.writeEnvelope(ctx, codeNotFound, nil)
		return
	} else if err != nil {
		s.logger.Error("lookup device failed", "uuid", deviceUUID, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}

	if err := s.store.RemoveBridgeShare(rctx, brokerID, dev.ID); err != nil {
		s.logger.Error("remove bridge share failed", "brokerId", brokerID, "uuid", deviceUUID, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}
	s.writeOK(ctx, nil)
}
