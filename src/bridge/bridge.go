package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshbroker/meshbroker/src/cache"
	"github.com/meshbroker/meshbroker/src/meshmsg"
	"github.com/meshbroker/meshbroker/src/store"
)

// Bridge is the federation manager: one peer connection per configured
// remote, plus the inbound re-entry glue and share-ACL the Broker Engine
// consults through broker.RemoteDispatcher (spec.md §4.7).
type Bridge struct {
	store         *store.Store
	cache         *cache.Cache
	engine        LocalEngine
	logger        *slog.Logger
	localBrokerID string
	reconnect     time.Duration

	mu    sync.RWMutex
	peers map[string]*peer
}

// New creates a Bridge with no peers loaded; call ReloadRemotes to populate
// it from the Identity Store. c receives inbound share-sync/share-data
// updates (spec.md §4.7 "Inbound share messages").
func New(st *store.Store, c *cache.Cache, localBrokerID string, reconnect time.Duration, logger *slog.Logger) *Bridge {
	return &Bridge{
		store:         st,
		cache:         c,
		logger:        logger,
		localBrokerID: localBrokerID,
		reconnect:     reconnect,
		peers:         make(map[string]*peer),
	}
}

// SetLocalEngine wires the Broker Engine in. Must be called before any peer
// connects, since inbound messages re-enter through it immediately.
func (b *Bridge) SetLocalEngine(e LocalEngine) { b.engine = e }

// ReloadRemotes re-reads every peer broker row from the Identity Store and
// reconciles the live peer set: new rows get a peer, removed rows are
// stopped and dropped, changed rows are reconfigured (spec.md §4.7 "Dynamic
// reconfiguration").
func (b *Bridge) ReloadRemotes(ctx context.Context) error {
	remotes, err := b.store.ListPeerBrokers(ctx)
	if err != nil {
		return fmt.Errorf("list peer brokers: %w", err)
	}

	seen := make(map[string]struct{}, len(remotes))
	for _, r := range remotes {
		seen[r.BrokerID] = struct{}{}
		b.AddOrUpdateRemote(r.BrokerID, r.URL, r.Token, r.Enabled)
	}

	b.mu.Lock()
	var stale []string
	for id := range b.peers {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()

	for _, id := range stale {
		b.RemoveRemote(id)
	}
	return nil
}

// AddOrUpdateRemote creates the peer if it doesn't exist yet, or
// reconfigures it in place otherwise.
func (b *Bridge) AddOrUpdateRemote(brokerID, url, token string, enabled bool) {
	b.mu.Lock()
	p, ok := b.peers[brokerID]
	if !ok {
		p = newPeer(b.localBrokerID, b.reconnect, b.logger.With("peer", brokerID), b.handleInbound)
		b.peers[brokerID] = p
	}
	b.mu.Unlock()

	p.configure(brokerID, url, token, enabled)
}

// RemoveRemote stops and discards the peer for brokerID, if any.
func (b *Bridge) RemoveRemote(brokerID string) {
	b.mu.Lock()
	p, ok := b.peers[brokerID]
	delete(b.peers, brokerID)
	b.mu.Unlock()

	if ok {
		p.stop()
	}
}

// Stop force-closes every peer connection, cancelling any pending reconnect
// timers (spec.md §5 graceful shutdown order: Bridge stops before the MQTT
// engine).
func (b *Bridge) Stop() {
	b.mu.RLock()
	peers := make([]*peer, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.RUnlock()

	for _, p := range peers {
		p.stop()
	}
}

func (b *Bridge) peer(brokerID string) (*peer, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.peers[brokerID]
	return p, ok
}

func (b *Bridge) connectedPeerIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.peers))
	for id, p := range b.peers {
		if p.isConnected() {
			out = append(out, id)
		}
	}
	return out
}

// handleInbound classifies a message arriving from a peer's bridge
// subscription and re-enters it into the local engine or cache (spec.md
// §4.7 "Inbound share messages").
func (b *Bridge) handleInbound(peerBrokerID, topic string, payload []byte) {
	switch {
	case matchesPrefix(topic, "/bridge/device/"):
		b.handleInboundDevice(peerBrokerID, topic, payload)
	case matchesPrefix(topic, "/bridge/group/"):
		b.handleInboundGroup(peerBrokerID, topic, payload)
	case matchesPrefix(topic, "/bridge/share/sync/"):
		b.handleInboundShareSync(peerBrokerID, payload)
	case matchesPrefix(topic, "/bridge/share/data/"):
		b.handleInboundShareData(peerBrokerID, payload)
	default:
		b.logger.Info("dropping unroutable bridge message", "peer", peerBrokerID, "topic", topic)
	}
}

func (b *Bridge) handleInboundDevice(peerBrokerID, topic string, payload []byte) {
	var msg meshmsg.BridgeMessage
	if err := meshmsg.Decode(payload, &msg); err != nil {
		b.logger.Info("dropping malformed bridge device message", "peer", peerBrokerID, "error", err)
		return
	}
	if b.engine != nil {
		b.engine.DeliverFromRemote(msg.FromBroker, msg.FromDevice, msg.ToDevice, msg.Data)
	}
}

func (b *Bridge) handleInboundGroup(peerBrokerID, topic string, payload []byte) {
	var msg meshmsg.BridgeGroupMessage
	if err := meshmsg.Decode(payload, &msg); err != nil {
		b.logger.Info("dropping malformed bridge group message", "peer", peerBrokerID, "error", err)
		return
	}
	if b.engine != nil {
		b.engine.DeliverGroupFromRemote(msg.FromBroker, msg.FromDevice, msg.ToGroup, msg.Data)
	}
}

// handleInboundShareSync replaces our view of what peerBrokerID is willing
// to share with us: sync replaces the list entirely (spec.md §4.7).
func (b *Bridge) handleInboundShareSync(peerBrokerID string, payload []byte) {
	var msg meshmsg.BridgeShareSyncMessage
	if err := meshmsg.Decode(payload, &msg); err != nil {
		b.logger.Info("dropping malformed bridge share sync message", "peer", peerBrokerID, "error", err)
		return
	}
	if b.cache == nil {
		return
	}

	devices := make([]cache.RemoteSharedDevice, 0, len(msg.Devices))
	for _, d := range msg.Devices {
		var clientID string
		if d.ClientID != nil {
			clientID = *d.ClientID
		}
		devices = append(devices, cache.RemoteSharedDevice{
			UUID: d.UUID, ClientID: clientID, Permissions: d.Permissions,
		})
	}
	b.cache.SetRemoteSharedDevices(peerBrokerID, devices)
}

// handleInboundShareData records the latest sample pushed for a device
// peerBrokerID already shared with us through a prior sync (spec.md §4.7
// "Share data push").
func (b *Bridge) handleInboundShareData(peerBrokerID string, payload []byte) {
	var msg meshmsg.BridgeShareDataMessage
	if err := meshmsg.Decode(payload, &msg); err != nil {
		b.logger.Info("dropping malformed bridge share data message", "peer", peerBrokerID, "error", err)
		return
	}
	if b.cache == nil {
		return
	}
	b.cache.UpdateRemoteSharedData(peerBrokerID, msg.FromDevice, msg.DeviceUUID, msg.Data, time.Now())
}

func matchesPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
