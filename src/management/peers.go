package management

import (
	"context"

	"github.com/valyala/fasthttp"

	"github.com/meshbroker/meshbroker/src/store"
)

type peerRequest struct {
	BrokerID string `json:"brokerId"`
	URL      string `json:"url"`
	Token    string `json:"token"`
	Enabled  bool   `json:"enabled"`
}

// handlePeerUpsert implements `POST /peers`: persists the remote and, if
// enabled, has the Bridge (re)connect immediately (spec.md §4.7's dynamic
// reconfiguration: addRemote/updateRemote cancel any pending reconnect
// timer and fully close before starting anew).
func (s *Server) handlePeerUpsert(ctx *fasthttp.RequestCtx) {
	var req peerRequest
	if err := decodeBody(ctx, &req); err != nil || req.BrokerID == "" || req.URL == "" {
		s.writeEnvelope(ctx, codeBadRequest, "brokerId and url are required")
		return
	}

	p := store.PeerBroker{BrokerID: req.BrokerID, URL: req.URL, Token: req.Token, Enabled: req.Enabled}
	if err := s.store.UpsertPeerBroker(context.Background(), p); err != nil {
		s.logger.Error("upsert peer broker failed", "brokerId", req.BrokerID, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}

	s.bridge.AddOrUpdateRemote(p.BrokerID, p.URL, p.Token, p.Enabled)
	s.writeOK(ctx, nil)
}

// handlePeerList implements `GET /peers`.
func (s *Server) handlePeerList(ctx *fasthttp.RequestCtx) {
	peers, err := s.store.ListPeerBrokers(context.Background())
	if err != nil {
		s.logger.Error("list peer brokers failed", "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}
	s.writeOK(ctx, peers)
}

// handlePeerDelete implements `DELETE /peers?brokerId=`: removes the
// record and closes the live peer client.
func (s *Server) handlePeerDelete(ctx *fasthttp.RequestCtx) {
	brokerID := string(ctx.QueryArgs().Peek("brokerId"))
	if brokerID == "" {
		s.writeEnvelope(ctx, codeBadRequest, "brokerId is required")
		return
	}
	if err := s.store.DeletePeerBroker(context.Background(), brokerID); err != nil {
		s.logger.Error("delete peer broker failed", "brokerId", brokerID, "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}
	s.bridge.RemoveRemote(brokerID)
	s.writeOK(ctx, nil)
}

// handlePeerReload implements `POST /peers/reload`, re-reading every peer
// row from the Identity Store (spec.md §4.7 reloadRemotes).
func (s *Server) handlePeerReload(ctx *fasthttp.RequestCtx) {
	if err := s.bridge.ReloadRemotes(context.Background()); err != nil {
		s.logger.Error("reload remotes failed", "error", err)
		s.writeEnvelope(ctx, codeServerError, nil)
		return
	}
	s.writeOK(ctx, nil)
}
