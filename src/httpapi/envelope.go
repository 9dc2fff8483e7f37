package httpapi

import (
	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/meshmsg"
)

// Response codes per spec.md §6's device API envelope dictionary.
const (
	codeSuccess           = 1000
	codeBadRequest        = 1001
	codeServerError       = 1002
	codeDeviceNotFound    = 1003
	codeMessageTooLarge   = 1004
	codeRateLimited       = 1005
	codeForbiddenGroup    = 1006
	codeNotOnlineOrHTTP   = 1007
	codeUnauthorizedOrNF  = 1008
)

type envelope struct {
	Message int `json:"message"`
	Detail  any `json:"detail,omitempty"`
}

// writeEnvelope encodes {"message": code, "detail": detail} per spec.md §6.
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

// decodeBody is the shared JSON request-body decode path for every POST/PUT
// handler.
func decodeBody(ctx *fasthttp.RequestCtx, v any) error {
	return meshmsg.Decode(ctx.PostBody(), v)
}
