package management

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/store"
)

type deviceSummary struct {
	UUID     string `json:"uuid"`
	ClientID string `json:"clientId,omitempty"`
	Status   string `json:"status"`
	Mode     string `json:"mode,omitempty"`
}

// handleDeviceList implements `GET /devices`: the full device roster plus
// online status, for operator visibility.
func (s *Server) handleDeviceList(ctx *fasthttp.RequestCtx) {
	rctx := context.Background()
	devices, err := s.store.GetAllDevices(rctx)
	if err != nil {
		s.logger.Error("list devices failed", "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}

	out := make([]deviceSummary, 0, len(devices))
	for _, d := range devices {
		summary := deviceSummary{UUID: d.UUID, Status: "offline"}
		if d.ClientID.Valid {
			summary.ClientID = d.ClientID.String
		}
		if status, err := s.store.GetDeviceStatus(rctx, d.ID); err == nil {
			if status.Status != 0 {
				summary.Status = "online"
			}
			summary.Mode = status.Mode
		}
		out = append(out, summary)
	}
	s.writeOK(ctx, out)
}

// handleDeviceDelete implements `DELETE /devices?uuid=`, removing the
// device and its group memberships/bridge shares (store cascade).
func (s *Server) handleDeviceDelete(ctx *fasthttp.RequestCtx) {
	uuid := string(ctx.QueryArgs().Peek("uuid"))
	if uuid == "" {
		s.writeEnvelope(ctx, codeBadRequest, "uuid is required")
		return
	}

	rctx := context.Background()
	dev, err := s.store.GetDeviceByUUID(rctx, uuid)
	if errors.Is(err, store.ErrNotFound) {
		s.writeEnvelope(ctx, codeNotFound, nil)
		return
	} else if err != nil {
		s.logger.Error("lookup device failed", "uuid", uuid, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}

	if err := s.store.DeleteDevice(rctx, dev.ID); err != nil {
		s.logger.Error("delete device failed", "uuid", uuid, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}
	s.writeOK(ctx, nil)
}
