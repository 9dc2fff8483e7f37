package management

import (
	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/meshmsg"
)

// Response codes shared with the device-facing adapter's envelope
// dictionary (spec.md §6).
const (
	codeSuccess      = 1000
	codeBadRequest   = 1001
	codeServerError  = 1002
	codeNotFound     = 1003
	codeUnauthorized = 1008
)

type envelope struct {
	Message int `json:"message"`
	Detail  any `json:"detail,omitempty"`
}

func (s *Server) writeEnvelope(ctx *fasthttp.RequestCtx, code int, detail any) {
	payload, err := meshmsg.Encode(envelope{Message: code, Detail: detail})
	if err != nil {
		s.logger.Error("encode response envelope failed", "error", err)
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(payload)
}

func (s *Server) writeOK(ctx *fasthttp.RequestCtx, detail any) {
	s.writeEnvelope(ctx, codeSuccess, detail)
}

func decodeBody(ctx *fasthttp.RequestCtx, v any) error {
	return meshmsg.Decode(ctx.PostBody(), v)
}
