package management

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/bridge"
	"github.com/meshbroker/meshbroker/src/cache"
	"github.com/meshbroker/meshbroker/src/meshmsg"
	"github.com/meshbroker/meshbroker/src/store"
)

func newTestServer(t *testing.T, userToken string) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(context.Background(), t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	c := cache.New(0, 0)
	br := bridge.New(st, c, "local-broker", 5*time.Millisecond, logger)

	return New(Config{Address: "127.0.0.1:0", UserToken: userToken}, st, br, logger)
}

func newRequestCtx(method, path, rawQuery, bearer string, body []byte) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	var req fasthttp.Request
	req.Header.SetMethod(method)
	uri := path
	if rawQuery != "" {
		uri += "?" + rawQuery
	}
	req.SetRequestURI(uri)
	req.SetBody(body)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	ctx.Init(&req, &net.TCPAddr{IP: net.ParseIP("203.0.113.1")}, nil)
	return &ctx
}

func decodeEnvelope(t *testing.T, ctx *fasthttp.RequestCtx) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, meshmsg.Decode(ctx.Response.Body(), &env))
	return env
}

func TestAuthenticateOpenWhenNoTokenConfigured(t *testing.T) {
	s := newTestServer(t, "")
	ctx := newRequestCtx(fasthttp.MethodGet, "/devices", "", "", nil)
	s.authenticate(s.route)(ctx)
	require.Equal(t, codeSuccess, decodeEnvelope(t, ctx).Message)
}

func TestAuthenticateRejectsBadBearer(t *testing.T) {
	s := newTestServer(t, "secret")
	ctx := newRequestCtx(fasthttp.MethodGet, "/devices", "", "wrong", nil)
	s.authenticate(s.route)(ctx)
	require.Equal(t, codeUnauthorized, decodeEnvelope(t, ctx).Message)
}

func TestAuthenticateAcceptsGoodBearer(t *testing.T) {
	s := newTestServer(t, "secret")
	ctx := newRequestCtx(fasthttp.MethodGet, "/devices", "", "secret", nil)
	s.authenticate(s.route)(ctx)
	require.Equal(t, codeSuccess, decodeEnvelope(t, ctx).Message)
}

func TestAuthenticateBypassesLoopbackEvenWithToken(t *testing.T) {
	s := newTestServer(t, "secret")
	var ctx fasthttp.RequestCtx
	var req fasthttp.Request
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI("/devices")
	ctx.Init(&req, &net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, nil)

	s.authenticate(s.route)(&ctx)
	require.Equal(t, codeSuccess, decodeEnvelope(t, &ctx).Message)
}

func TestPeerUpsertListDelete(t *testing.T) {
	s := newTestServer(t, "")

	upsertCtx := newRequestCtx(fasthttp.MethodPost, "/peers", "", "",
		[]byte(`{"brokerId":"broker-aaaa","url":"tcp://peer:1883","token":"tok","enabled":true}`))
	s.route(upsertCtx)
	require.Equal(t, codeSuccess, decodeEnvelope(t, upsertCtx).Message)

	listCtx := newRequestCtx(fasthttp.MethodGet, "/peers", "", "", nil)
	s.route(listCtx)
	var listResp struct {
		Detail []store.PeerBroker `json:"detail"`
	}
	require.NoError(t, meshmsg.Decode(listCtx.Response.Body(), &listResp))
	require.Len(t, listResp.Detail, 1)
	require.Equal(t, "broker-aaaa", listResp.Detail[0].BrokerID)

	deleteCtx := newRequestCtx(fasthttp.MethodDelete, "/peers", "brokerId=broker-aaaa", "", nil)
	s.route(deleteCtx)
	require.Equal(t, codeSuccess, decodeEnvelope(t, deleteCtx).Message)

	listAgainCtx := newRequestCtx(fasthttp.MethodGet, "/peers", "", "", nil)
	s.route(listAgainCtx)
	var listAgainResp struct {
		Detail []store.PeerBroker `json:"detail"`
	}
	require.NoError(t, meshmsg.Decode(listAgainCtx.Response.Body(), &listAgainResp))
	require.Empty(t, listAgainResp.Detail)
}

func TestShareGrantListRevoke(t *testing.T) {
	s := newTestServer(t, "")

	dev, err := s.store.CreateDevice(context.Background(), "share-device-uuid", "authkey1")
	require.NoError(t, err)

	grantCtx := newRequestCtx(fasthttp.MethodPost, "/shares", "", "",
		[]byte(`{"brokerId":"broker-bbbb","deviceUuid":"share-device-uuid","permissions":"read"}`))
	s.route(grantCtx)
	require.Equal(t, codeSuccess, decodeEnvelope(t, grantCtx).Message)

	listCtx := newRequestCtx(fasthttp.MethodGet, "/shares", "brokerId=broker-bbbb", "", nil)
	s.route(listCtx)
	var listResp struct {
		Detail []store.BridgeShareEntry `json:"detail"`
	}
	require.NoError(t, meshmsg.Decode(listCtx.Response.Body(), &listResp))
	require.Len(t, listResp.Detail, 1)
	require.Equal(t, dev.ID, listResp.Detail[0].DeviceID)

	revokeCtx := newRequestCtx(fasthttp.MethodDelete, "/shares", "brokerId=broker-bbbb&deviceUuid=share-device-uuid", "", nil)
	s.route(revokeCtx)
	require.Equal(t, codeSuccess, decodeEnvelope(t, revokeCtx).Message)
}

func TestDeviceListAndDelete(t *testing.T) {
	s := newTestServer(t, "")
	_, err := s.store.CreateDevice(context.Background(), "list-device-uuid", "authkey2")
	require.NoError(t, err)

	listCtx := newRequestCtx(fasthttp.MethodGet, "/devices", "", "", nil)
	s.route(listCtx)
	var listResp struct {
		Detail []deviceSummary `json:"detail"`
	}
	require.NoError(t, meshmsg.Decode(listCtx.Response.Body(), &listResp))
	require.Len(t, listResp.Detail, 1)
	require.Equal(t, "offline", listResp.Detail[0].Status)

	deleteCtx := newRequestCtx(fasthttp.MethodDelete, "/devices", "uuid=list-device-uuid", "", nil)
	s.route(deleteCtx)
	require.Equal(t, codeSuccess, decodeEnvelope(t, deleteCtx).Message)

	deleteAgainCtx := newRequestCtx(fasthttp.MethodDelete, "/devices", "uuid=list-device-uuid", "", nil)
	s.route(deleteAgainCtx)
	require.Equal(t, codeNotFound, decodeEnvelope(t, deleteAgainCtx).Message)
}
