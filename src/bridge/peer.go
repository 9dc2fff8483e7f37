package bridge

import (
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meshbroker/meshbroker/src/common/secrets"
)

// peer owns one outbound connection to a remote broker. All mutable state is
// guarded by mu; the paho client and its callbacks may run on any goroutine
// the library chooses (spec.md §7 "Bridge per-peer state ... owned by that
// peer's task").
type peer struct {
	brokerID  string
	localID   string
	logger    *slog.Logger
	reconnect time.Duration
	onMessage func(peerBrokerID, topic string, payload []byte)

	mu       sync.Mutex
	url      string
	token    string
	enabled  bool
	state    State
	client   mqtt.Client
	stopping bool
	timer    *time.Timer
}

func newPeer(localID string, reconnect time.Duration, logger *slog.Logger, onMessage func(peerBrokerID, topic string, payload []byte)) *peer {
	return &peer{
		localID:   localID,
		reconnect: reconnect,
		logger:    logger,
		onMessage: onMessage,
		state:     StateDisconnected,
	}
}

// configure updates the peer's target url/token/enabled flag and, if
// anything material changed, tears down the current connection so the next
// connect attempt uses the new settings.
func (p *peer) configure(brokerID, url, token string, enabled bool) {
	p.mu.Lock()
	changed := p.url != url || p.token != token || p.brokerID != brokerID
	p.brokerID = brokerID
	p.url = url
	p.token = token
	p.enabled = enabled
	p.mu.Unlock()

	if changed {
		p.disconnect()
	}
	if enabled {
		p.connect()
	} else {
		p.disconnect()
	}
}

func (p *peer) connect() {
	p.mu.Lock()
	if p.stopping || p.state != StateDisconnected || !p.enabled {
		p.mu.Unlock()
		return
	}
	p.state = StateConnecting
	url, token, brokerID := p.url, p.token, p.brokerID
	p.mu.Unlock()

	resolvedToken, err := secrets.Resolve(token)
	if err != nil {
		p.logger.Error("resolve peer token failed", "peer", brokerID, "error", err)
		p.transitionToDisconnected()
		return
	}

	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(bridgeClientPrefix + p.localID).
		SetUsername(bridgeUsername).
		SetPassword(resolvedToken).
		SetCleanSession(true).
		SetKeepAlive(keepAliveSeconds * time.Second).
		SetConnectTimeout(connectTimeout * time.Second).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	opts.SetOnConnectHandler(func(c mqtt.Client) { p.onConnected(c) })
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) { p.onConnectionLost(err) })

	client := mqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	token2 := client.Connect()
	go func() {
		if !token2.WaitTimeout(connectTimeout*time.Second+time.Second) || token2.Error() != nil {
			p.logger.Warn("peer connect failed", "peer", brokerID, "error", token2.Error())
			p.transitionToDisconnected()
		}
	}()
}

func (p *peer) onConnected(c mqtt.Client) {
	p.mu.Lock()
	p.state = StateConnected
	brokerID := p.brokerID
	p.mu.Unlock()

	p.logger.Info("bridge peer connected", "peer", brokerID)

	filters := map[string]byte{
		"/bridge/device/+":                       0,
		"/bridge/group/+":                        0,
		"/bridge/share/sync/" + p.localID:        0,
		"/bridge/share/data/" + p.localID + "/+": 0,
	}
	if token := c.SubscribeMultiple(filters, p.handleMessage); token.Wait() && token.Error() != nil {
		p.logger.Error("bridge peer subscribe failed", "peer", brokerID, "error", token.Error())
	}
}

func (p *peer) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	p.mu.Lock()
	brokerID := p.brokerID
	p.mu.Unlock()
	p.onMessage(brokerID, msg.Topic(), msg.Payload())
}

func (p *peer) onConnectionLost(err error) {
	p.logger.Warn("bridge peer connection lost", "peer", p.snapshotBrokerID(), "error", err)
	p.transitionToDisconnected()
}

func (p *peer) transitionToDisconnected() {
	p.mu.Lock()
	p.state = StateDisconnected
	stopping := p.stopping
	reconnect := p.reconnect
	enabled := p.enabled
	p.mu.Unlock()

	if stopping || !enabled {
		return
	}
	p.scheduleReconnect(reconnect)
}

func (p *peer) scheduleReconnect(after time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(after, p.connect)
}

func (p *peer) snapshotBrokerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.brokerID
}

// isConnected reports whether the peer is currently usable for publish.
func (p *peer) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateConnected && p.client != nil && p.client.IsConnected()
}

// publish sends payload to topic at QoS 0, fire-and-forget. Returns false if
// the peer isn't currently connected.
func (p *peer) publish(topic string, payload []byte) bool {
	p.mu.Lock()
	client := p.client
	connected := p.state == StateConnected
	p.mu.Unlock()

	if !connected || client == nil || !client.IsConnected() {
		return false
	}
	client.Publish(topic, 0, false, payload)
	return true
}

// disconnect cancels any pending reconnect timer and force-closes the
// client, matching spec.md §4.7's "cancel any pending reconnect timer ...
// and fully close the MQTT client before starting anew".
func (p *peer) disconnect() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	client := p.client
	p.client = nil
	p.state = StateDisconnected
	p.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

// stop permanently disables the peer: no further reconnects are scheduled.
func (p *peer) stop() {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()
	p.disconnect()
}
