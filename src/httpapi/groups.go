package httpapi

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/store"
)

type groupCreateRequest struct {
	Name string `json:"name"`
}

// handleGroupCreate is a thin passthrough to the Identity Store (spec.md
// §4.6 "Group CRUD ... are passthroughs to the stores").
func (s *Server) handleGroupCreate(ctx *fasthttp.RequestCtx) {
	var req groupCreateRequest
	if err := decodeBody(ctx, &req); err != nil || req.Name == "" {
		s.writeEnvelope(ctx, codeBadRequest, "name is required")
		return
	}
	if _, err := s.store.CreateGroup(context.Background(), req.Name); err != nil {
		s.logger.Error("create group failed", "name", req.Name, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}
	s.writeOK(ctx, nil)
}

type groupJoinRequest struct {
	AuthKey string `json:"authKey"`
	Group   string `json:"group"`
}

// handleGroupJoin adds the device identified by authKey to group,
// refreshing its cached membership if the device is currently connected.
func (s *Server) handleGroupJoin(ctx *fasthttp.RequestCtx) {
	var req groupJoinRequest
	if err := decodeBody(ctx, &req); err != nil || req.AuthKey == "" || req.Group == "" {
		s.writeEnvelope(ctx, codeBadRequest, "authKey and group are required")
		return
	}

	rctx := context.Background()
	dev, err := s.store.GetDeviceByAuthKey(rctx, req.AuthKey)
	if errors.Is(err, store.ErrNotFound) {
		s.writeEnvelope(ctx, codeDeviceNotFound, nil)
		return
	} else if err != nil {
		s.logger.Error("lookup device by authKey failed", "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}

	grp, err := s.store.CreateGroup(rctx, req.Group)
	if err != nil {
		s.logger.Error("create group failed", "name", req.Group, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}
	if err := s.store.AddDeviceToGroup(rctx, dev.ID, grp.ID); err != nil {
		s.logger.Error("join group failed", "name", req.Group, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}

	if dev.ClientID.Valid {
		if groups, err := s.store.GetDeviceGroups(rctx, dev.ID); err == nil {
			s.cache.SetDeviceGroups(dev.ClientID.String, groups)
		}
	}

	s.writeOK(ctx, nil)
}

type groupDeviceSummary struct {
	UUID     string `json:"uuid"`
	ClientID string `json:"clientId,omitempty"`
}

// handleGroupDevices lists the uuids/clientIds of a group's members.
func (s *Server) handleGroupDevices(ctx *fasthttp.RequestCtx) {
	name := string(ctx.QueryArgs().Peek("name"))
	if name == "" {
		s.writeEnvelope(ctx, codeBadRequest, "name is required")
		return
	}

	devices, err := s.store.GetGroupDevices(context.Background(), name)
	if err != nil {
		s.logger.Error("list group devices failed", "name", name, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}

	out := make([]groupDeviceSummary, 0, len(devices))
	for _, d := range devices {
		summary := groupDeviceSummary{UUID: d.UUID}
		if d.ClientID.Valid {
			summary.ClientID = d.ClientID.String
		}
		out = append(out, summary)
	}
	s.writeOK(ctx, out)
}
