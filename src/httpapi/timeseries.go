package httpapi

import (
	"context"
	"strconv"

	"github.com/valyala/fasthttp"
)

// handleTimeseriesQuery implements the paginated timeseries read path
// (spec.md §4.8), a thin passthrough to the Sink's own pagination.
func (s *Server) handleTimeseriesQuery(ctx *fasthttp.RequestCtx) {
	deviceUUID := string(ctx.QueryArgs().Peek("deviceUuid"))
	if deviceUUID == "" {
		s.writeEnvelope(ctx, codeBadRequest, "deviceUuid is required")
		return
	}
	dataKey := string(ctx.QueryArgs().Peek("dataKey"))
	start := queryInt64(ctx, "start")
	end := queryInt64(ctx, "end")
	page := int(queryInt64(ctx, "page"))
	pageSize := int(queryInt64(ctx, "pageSize"))

	result, err := s.ts.Query(context.Background(), deviceUUID, dataKey, start, end, page, pageSize)
	if err != nil {
		s.logger.Error("timeseries query failed", "deviceUuid", deviceUUID, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}
	s.writeOK(ctx, result)
}

func queryInt64(ctx *fasthttp.RequestCtx, key string) int64 {
	raw := string(ctx.QueryArgs().Peek(key))
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
