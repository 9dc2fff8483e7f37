// Package cache implements the Device Cache: the in-memory projection that
// fuses connection state, group membership, publish-rate accounting and
// pending-message queues for HTTP-mode devices (spec.md §4.2).
package cache

import (
	"sync"
	"time"

	"github.com/meshbroker/meshbroker/src/meshmsg"
)

// Mode is the device's current transport mode.
type Mode string

const (
	ModeMQTT Mode = "mqtt"
	ModeHTTP Mode = "http"
)

// Device is the process-local projection of an identity-store device row.
type Device struct {
	ID       int64
	UUID     string
	AuthKey  string
	ClientID string
	Username string
	Password string
}

// SessionHandle lets the cache close an online MQTT session without the
// cache knowing anything about the transport it runs on.
type SessionHandle interface {
	Close() error
}

// PendingEntry is one spooled message plus the time it was enqueued, used
// to expire stale entries in GetPendingMessages.
type PendingEntry struct {
	Message   meshmsg.ForwardMessage
	EnqueuedAt time.Time
}

// RemoteSharedDevice is one entry of remoteSharedDevices[peerBrokerID]: a
// device the peer has offered to share with us, plus the last sample it
// pushed (if any).
type RemoteSharedDevice struct {
	UUID        string
	ClientID    string
	Permissions string
	LastData    []byte
	LastDataAt  time.Time
}

// Cache is the sole gatekeeper of the volatile cross-subsystem projection.
// Every exported method is safe for concurrent use.
type Cache struct {
	publishRateLimit time.Duration
	expireTime       time.Duration

	mu             sync.RWMutex
	byClientID     map[string]Device
	byAuthKey      map[string]Device
	online         map[string]SessionHandle
	mode           map[string]Mode
	deviceGroups   map[string]map[string]struct{}
	groupMembers   map[string]map[string]struct{}
	lastPublish    map[string]time.Time
	httpLastActive map[string]time.Time
	pending        map[string][]PendingEntry
	remoteShared   map[string][]RemoteSharedDevice
}

// New creates an empty Device Cache. publishRateLimit and expireTime default
// to 1s and 120s respectively when zero, matching spec.md §4.2 defaults.
func New(publishRateLimit, expireTime time.Duration) *Cache {
	if publishRateLimit <= 0 {
		publishRateLimit = time.Second
	}
	if expireTime <= 0 {
		expireTime = 120 * time.Second
	}
	return &Cache{
		publishRateLimit: publishRateLimit,
		expireTime:       expireTime,
		byClientID:       make(map[string]Device),
		byAuthKey:        make(map[string]Device),
		online:           make(map[string]SessionHandle),
		mode:             make(map[string]Mode),
		deviceGroups:     make(map[string]map[string]struct{}),
		groupMembers:     make(map[string]map[string]struct{}),
		lastPublish:      make(map[string]time.Time),
		httpLastActive:   make(map[string]time.Time),
		pending:          make(map[string][]PendingEntry),
		remoteShared:     make(map[string][]RemoteSharedDevice),
	}
}

// SetDeviceByClientID overwrites the clientId-keyed device projection.
func (c *Cache) SetDeviceByClientID(clientID string, d Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byClientID[clientID] = d
}

// SetDeviceByAuthKey overwrites the authKey-keyed device projection.
func (c *Cache) SetDeviceByAuthKey(authKey string, d Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byAuthKey[authKey] = d
}

// DeviceByClientID returns the cached device for clientID, if any.
func (c *Cache) DeviceByClientID(clientID string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byClientID[clientID]
	return d, ok
}

// DeviceByAuthKey returns the cached device for authKey, if any.
func (c *Cache) DeviceByAuthKey(authKey string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byAuthKey[authKey]
	return d, ok
}

// RemoveDevice deletes every cache entry belonging to the given identity.
func (c *Cache) RemoveDevice(clientID, authKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.byClientID, clientID)
	delete(c.byAuthKey, authKey)
	delete(c.online, clientID)
	delete(c.mode, clientID)
	delete(c.lastPublish, clientID)
	delete(c.httpLastActive, clientID)
	delete(c.pending, clientID)

	for g := range c.deviceGroups[clientID] {
		members := c.groupMembers[g]
		delete(members, clientID)
		if len(members) == 0 {
			delete(c.groupMembers, g)
		}
	}
	delete(c.deviceGroups, clientID)
}

// SetClientOnline records the session handle for a connected client.
func (c *Cache) SetClientOnline(clientID string, handle SessionHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online[clientID] = handle
}

// SetClientOffline drops the online session handle for clientID, if any.
func (c *Cache) SetClientOffline(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.online, clientID)
}

// SessionHandle returns the live session handle for clientID, if online.
func (c *Cache) SessionHandle(clientID string) (SessionHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.online[clientID]
	return h, ok
}

// SetDeviceMode records whether clientID is currently an MQTT or HTTP
// device.
func (c *Cache) SetDeviceMode(clientID string, mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode[clientID] = mode
}

// IsHTTPMode reports whether clientID is in HTTP mode. Unknown clients
// default to mqtt.
func (c *Cache) IsHTTPMode(clientID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode[clientID] == ModeHTTP
}

// SetDeviceGroups replaces clientID's group membership and rebuilds the
// groupMembers reverse index in lockstep, so neither index can be observed
// half-written by a concurrent reader.
func (c *Cache) SetDeviceGroups(clientID string, groupNames []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]struct{}, len(groupNames))
	for _, g := range groupNames {
		next[g] = struct{}{}
	}

	for g := range c.deviceGroups[clientID] {
		if _, keep := next[g]; keep {
			continue
		}
		members := c.groupMembers[g]
		delete(members, clientID)
		if len(members) == 0 {
			delete(c.groupMembers, g)
		}
	}

	for g := range next {
		members, ok := c.groupMembers[g]
		if !ok {
			members = make(map[string]struct{})
			c.groupMembers[g] = members
		}
		members[clientID] = struct{}{}
	}

	c.deviceGroups[clientID] = next
}

// IsMember reports whether clientID belongs to groupName according to the
// cache only (callers fall back to the Identity Store on a miss, per
// spec.md §4.4).
func (c *Cache) IsMember(clientID, groupName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.deviceGroups[clientID][groupName]
	return ok
}

// GroupMembers returns a snapshot of groupName's current membership.
func (c *Cache) GroupMembers(groupName string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	members := c.groupMembers[groupName]
	out := make([]string, 0, len(members))
	for cid := range members {
		out = append(out, cid)
	}
	return out
}

// CheckPublishRate reports whether clientID may publish now, and if so
// advances its last-publish timestamp. The check and the update happen
// under a single lock so concurrent publishes from the same client cannot
// both pass.
func (c *Cache) CheckPublishRate(clientID string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.lastPublish[clientID]
	if ok && now.Sub(last) < c.publishRateLimit {
		return false
	}
	c.lastPublish[clientID] = now
	return true
}

// SetHTTPLastActive stamps clientID's most recent HTTP-mode activity.
func (c *Cache) SetHTTPLastActive(clientID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpLastActive[clientID] = at
}

// HTTPLastActive returns the last recorded HTTP activity time for clientID.
func (c *Cache) HTTPLastActive(clientID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.httpLastActive[clientID]
	return t, ok
}

// AddPendingMessage appends msg to clientID's spool with the current
// timestamp.
func (c *Cache) AddPendingMessage(clientID string, msg meshmsg.ForwardMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[clientID] = append(c.pending[clientID], PendingEntry{Message: msg, EnqueuedAt: time.Now()})
}

// GetPendingMessages atomically filters out entries older than the
// configured expiry, clears the queue, and returns what remains in
// enqueue order.
func (c *Cache) GetPendingMessages(clientID string) []meshmsg.ForwardMessage {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.pending[clientID]
	delete(c.pending, clientID)

	out := make([]meshmsg.ForwardMessage, 0, len(entries))
	for _, e := range entries {
		if now.Sub(e.EnqueuedAt) > c.expireTime {
			continue
		}
		out = append(out, e.Message)
	}
	return out
}

// CleanExpiredMessages purges expired entries from every pending queue,
// dropping keys that become empty. Intended to run on a fixed timer.
func (c *Cache) CleanExpiredMessages() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for clientID, entries := range c.pending {
		kept := entries[:0:0]
		for _, e := range entries {
			if now.Sub(e.EnqueuedAt) <= c.expireTime {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(c.pending, clientID)
		} else {
			c.pending[clientID] = kept
		}
	}
}

// SetRemoteSharedDevices replaces the full share list for a peer broker
// (bridge share-sync).
func (c *Cache) SetRemoteSharedDevices(peerBrokerID string, devices []RemoteSharedDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteShared[peerBrokerID] = devices
}

// RemoteSharedDevices returns a snapshot of the share list for a peer.
func (c *Cache) RemoteSharedDevices(peerBrokerID string) []RemoteSharedDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RemoteSharedDevice, len(c.remoteShared[peerBrokerID]))
	copy(out, c.remoteShared[peerBrokerID])
	return out
}

// UpdateRemoteSharedData records the latest pushed sample for the entry
// matching clientID or uuid within peerBrokerID's share list.
func (c *Cache) UpdateRemoteSharedData(peerBrokerID, clientID, uuid string, data []byte, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.remoteShared[peerBrokerID]
	for i := range list {
		if (clientID != "" && list[i].ClientID == clientID) || (uuid != "" && list[i].UUID == uuid) {
			list[i].LastData = data
			list[i].LastDataAt = at
			return
		}
	}
}
