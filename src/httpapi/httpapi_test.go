package httpapi

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/broker"
	"github.com/meshbroker/meshbroker/src/cache"
	"github.com/meshbroker/meshbroker/src/meshmsg"
	"github.com/meshbroker/meshbroker/src/scheduler"
	"github.com/meshbroker/meshbroker/src/store"
	"github.com/meshbroker/meshbroker/src/timeseries"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(context.Background(), t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := cache.New(0, 0)
	engine := broker.New(broker.Config{MaxMessageBytes: 1024}, st, c, logger)
	sch := scheduler.New(time.Second, logger)
	ts := timeseries.New(st.DB(), 30, logger)

	return New(Config{Address: "127.0.0.1:0", MaxBodySize: 1 << 20}, st, c, engine, sch, ts, logger)
}

func newRequestCtx(method, path, rawQuery string, body []byte) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	var req fasthttp.Request
	req.Header.SetMethod(method)
	uri := path
	if rawQuery != "" {
		uri += "?" + rawQuery
	}
	req.SetRequestURI(uri)
	req.SetBody(body)
	ctx.Init(&req, nil, nil)
	return &ctx
}

func decodeEnvelope(t *testing.T, ctx *fasthttp.RequestCtx) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, meshmsg.Decode(ctx.Response.Body(), &env))
	return env
}

func TestDeviceAuthCreateIsIdempotent(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"uuid":"dev-uuid-1"}`)
	ctx1 := newRequestCtx(fasthttp.MethodPost, "/device/auth", "", body)
	s.route(ctx1)
	env1 := decodeEnvelope(t, ctx1)
	require.Equal(t, codeSuccess, env1.Message)

	ctx2 := newRequestCtx(fasthttp.MethodPost, "/device/auth", "", body)
	s.route(ctx2)
	env2 := decodeEnvelope(t, ctx2)
	require.Equal(t, env1.Detail, env2.Detail)
}

func TestDeviceAuthConnectSeedsCache(t *testing.T) {
	s := newTestServer(t)

	createCtx := newRequestCtx(fasthttp.MethodPost, "/device/auth", "", []byte(`{"uuid":"dev-uuid-2"}`))
	s.route(createCtx)

	dev, err := s.store.GetDeviceByUUID(context.Background(), "dev-uuid-2")
	require.NoError(t, err)

	connectCtx := newRequestCtx(fasthttp.MethodGet, "/device/auth", "authKey="+dev.AuthKey+"&mode=http", nil)
	s.route(connectCtx)
	require.Equal(t, fasthttp.StatusOK, connectCtx.Response.StatusCode())

	var resp struct {
		Message int `json:"message"`
		Detail  deviceAuthConnectResponse `json:"detail"`
	}
	require.NoError(t, meshmsg.Decode(connectCtx.Response.Body(), &resp))
	require.Equal(t, codeSuccess, resp.Message)
	require.NotEmpty(t, resp.Detail.ClientID)

	require.True(t, s.cache.IsHTTPMode(resp.Detail.ClientID))
}

func TestDeviceSendUnknownAuthKeyReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	ctx := newRequestCtx(fasthttp.MethodPost, "/device/s", "", []byte(`{"authKey":"nope","toDevice":"x","data":{}}`))
	s.route(ctx)
	env := decodeEnvelope(t, ctx)
	require.Equal(t, codeDeviceNotFound, env.Message)
}

func TestDeviceSendAndReceiveRoundTrip(t *testing.T) {
	s := newTestServer(t)

	createCtx := newRequestCtx(fasthttp.MethodPost, "/device/auth", "", []byte(`{"uuid":"sender-uuid"}`))
	s.route(createCtx)
	senderDev, err := s.store.GetDeviceByUUID(context.Background(), "sender-uuid")
	require.NoError(t, err)

	targetCreateCtx := newRequestCtx(fasthttp.MethodPost, "/device/auth", "", []byte(`{"uuid":"target-uuid"}`))
	s.route(targetCreateCtx)
	targetDev, err := s.store.GetDeviceByUUID(context.Background(), "target-uuid")
	require.NoError(t, err)

	senderConnect := newRequestCtx(fasthttp.MethodGet, "/device/auth", "authKey="+senderDev.AuthKey+"&mode=http", nil)
	s.route(senderConnect)
	targetConnect := newRequestCtx(fasthttp.MethodGet, "/device/auth", "authKey="+targetDev.AuthKey+"&mode=http", nil)
	s.route(targetConnect)

	var targetResp struct {
		Detail deviceAuthConnectResponse `json:"detail"`
	}
	require.NoError(t, meshmsg.Decode(targetConnect.Response.Body(), &targetResp))

	sendBody := []byte(`{"authKey":"` + senderDev.AuthKey + `","toDevice":"` + targetResp.Detail.ClientID + `","data":{"v":1}}`)
	sendCtx := newRequestCtx(fasthttp.MethodPost, "/device/s", "", sendBody)
	s.route(sendCtx)
	require.Equal(t, codeSuccess, decodeEnvelope(t, sendCtx).Message)

	recvCtx := newRequestCtx(fasthttp.MethodGet, "/device/r", "authKey="+targetDev.AuthKey, nil)
	s.route(recvCtx)

	var recvResp struct {
		Detail pendingResponse `json:"detail"`
	}
	require.NoError(t, meshmsg.Decode(recvCtx.Response.Body(), &recvResp))
	require.Len(t, recvResp.Detail.Messages, 1)
}

func TestScheduleCreateListCancel(t *testing.T) {
	s := newTestServer(t)

	createCtx := newRequestCtx(fasthttp.MethodPost, "/schedule", "",
		[]byte(`{"authKey":"k1","deviceId":"dev-1","mode":"countdown","countdown":5,"command":{"op":"noop"}}`))
	s.route(createCtx)
	require.Equal(t, codeSuccess, decodeEnvelope(t, createCtx).Message)

	listCtx := newRequestCtx(fasthttp.MethodGet, "/schedule", "authKey=k1", nil)
	s.route(listCtx)
	var listResp struct {
		Detail []map[string]any `json:"detail"`
	}
	require.NoError(t, meshmsg.Decode(listCtx.Response.Body(), &listResp))
	require.Len(t, listResp.Detail, 1)

	id, _ := listResp.Detail[0]["taskId"].(string)
	require.NotEmpty(t, id)

	cancelCtx := newRequestCtx(fasthttp.MethodDelete, "/schedule", "id="+id, nil)
	s.route(cancelCtx)
	require.Equal(t, codeSuccess, decodeEnvelope(t, cancelCtx).Message)

	cancelAgainCtx := newRequestCtx(fasthttp.MethodDelete, "/schedule", "id="+id, nil)
	s.route(cancelAgainCtx)
	require.Equal(t, codeUnauthorizedOrNF, decodeEnvelope(t, cancelAgainCtx).Message)
}

func TestRouteUnknownPathReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	ctx := newRequestCtx(fasthttp.MethodGet, "/nope", "", nil)
	s.route(ctx)
	require.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestStartAndClose(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start())
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())
}
