package thunderpush

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mroth/thunderpush/internal/metrics"
)

// Handle is the store's view of a live client session: something that can be
// handed a frame without blocking, and told to go away.
//
// Send must not block. It reports whether the frame was accepted; a closed
// session refuses every frame, so a hub holding a stale Handle during an
// in-flight fan-out never writes to a dead transport.
type Handle interface {
	Send(payload []byte) bool
	Close()
}

// A Hub keeps track of the live client sessions of a single tenant, indexed by
// user id and by channel, and fans published messages out to them.
//
// Both indices are guarded by one RWMutex: subscribe and teardown take the
// write lock, publishes only hold the read lock long enough to snapshot a
// bucket.
type Hub struct {
	cred Credential

	mu       sync.RWMutex
	users    map[string]map[Handle]struct{} // user id -> sessions
	channels map[string]map[Handle]struct{} // channel -> sessions
	members  map[Handle]*membership         // reverse index used by teardown

	sentMsgs    atomic.Uint64 // frames enqueued since startup
	startupTime time.Time

	logger  *zap.Logger
	metrics *metrics.Metrics
}

type membership struct {
	userID   string
	channels map[string]struct{}
}

func newHub(cred Credential, logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		cred:        cred,
		users:       make(map[string]map[Handle]struct{}),
		channels:    make(map[string]map[Handle]struct{}),
		members:     make(map[Handle]*membership),
		startupTime: time.Now(),
		logger:      logger.With(zap.String("tenant", cred.PublicKey)),
		metrics:     m,
	}
}

// PublicKey returns the public half of the tenant credential.
func (h *Hub) PublicKey() string { return h.cred.PublicKey }

// Credential returns the tenant credential.
func (h *Hub) Credential() Credential { return h.cred }

// SubscribeUser registers h under userID. Re-registering the same handle is a
// no-op.
func (h *Hub) SubscribeUser(hd Handle, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m, ok := h.members[hd]; ok {
		if m.userID != userID {
			h.logger.Warn("handle already bound to another user",
				zap.String("user", m.userID), zap.String("requested", userID))
		}
		return
	}

	h.members[hd] = &membership{userID: userID, channels: make(map[string]struct{})}
	insert(h.users, userID, hd)
	h.metrics.SessionAuthenticated(h.cred.PublicKey, 1)
	h.logger.Debug("user subscribed", zap.String("user", userID))
}

// UnsubscribeUser removes every trace of h: its user index entry and all of
// its channel subscriptions. Calling it for a handle that was never
// subscribed, or was already removed, is a no-op.
func (h *Hub) UnsubscribeUser(hd Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[hd]
	if !ok {
		return
	}
	for ch := range m.channels {
		remove(h.channels, ch, hd)
	}
	remove(h.users, m.userID, hd)
	delete(h.members, hd)
	h.metrics.SessionAuthenticated(h.cred.PublicKey, -1)
	h.logger.Debug("user unsubscribed",
		zap.String("user", m.userID), zap.Int("channels", len(m.channels)))
}

// SubscribeToChannel adds h to channel. A handle that is not subscribed as a
// user is rejected; the failure is logged and not reported to the caller.
func (h *Hub) SubscribeToChannel(hd Handle, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.members[hd]
	if !ok {
		h.logger.Warn("channel subscribe rejected",
			zap.String("channel", channel), zap.Error(ErrNotAuthenticated))
		return
	}
	m.channels[channel] = struct{}{}
	insert(h.channels, channel, hd)
	h.logger.Debug("channel subscribed",
		zap.String("user", m.userID), zap.String("channel", channel))
}

// PublishToUser sends payload to every session of userID and returns how many
// sessions accepted it. Zero is not an error.
func (h *Hub) PublishToUser(userID string, payload []byte) int {
	n := h.fanout(h.snapshot(h.users, userID), payload)
	h.metrics.Published(h.cred.PublicKey, metrics.TargetUser, n)
	return n
}

// PublishToChannel sends payload to every session subscribed to channel and
// returns how many sessions accepted it.
func (h *Hub) PublishToChannel(channel string, payload []byte) int {
	n := h.fanout(h.snapshot(h.channels, channel), payload)
	h.metrics.Published(h.cred.PublicKey, metrics.TargetChannel, n)
	return n
}

// UserCount returns the number of distinct users with at least one session.
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// IsUserConnected reports whether userID has at least one session.
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.users[userID]
	return ok
}

// ChannelUsers returns the sorted, distinct user ids subscribed to channel.
func (h *Hub) ChannelUsers(channel string) []string {
	h.mu.RLock()
	seen := make(map[string]struct{}, len(h.channels[channel]))
	for hd := range h.channels[channel] {
		seen[h.members[hd].userID] = struct{}{}
	}
	h.mu.RUnlock()

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// DisconnectUser tears down and closes every session of userID, returning the
// number of sessions closed.
func (h *Hub) DisconnectUser(userID string) int {
	handles := h.snapshot(h.users, userID)
	for _, hd := range handles {
		h.UnsubscribeUser(hd)
		hd.Close()
	}
	if len(handles) > 0 {
		h.logger.Info("user disconnected",
			zap.String("user", userID), zap.Int("sessions", len(handles)))
	}
	return len(handles)
}

// ConnectionCount returns the number of authenticated sessions.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// ChannelCount returns the number of channels with at least one subscriber.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// SentMsgs returns the number of frames enqueued since the hub was created.
func (h *Hub) SentMsgs() uint64 { return h.sentMsgs.Load() }

func (h *Hub) String() string {
	return fmt.Sprintf("hub(%s)", h.cred.PublicKey)
}

// snapshot copies one bucket so that delivery happens outside the lock.
func (h *Hub) snapshot(index map[string]map[Handle]struct{}, key string) []Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	bucket := index[key]
	handles := make([]Handle, 0, len(bucket))
	for hd := range bucket {
		handles = append(handles, hd)
	}
	return handles
}

// fanout hands payload to each handle independently. A handle refusing the
// frame does not affect the others.
func (h *Hub) fanout(handles []Handle, payload []byte) int {
	delivered := 0
	for _, hd := range handles {
		if hd.Send(payload) {
			delivered++
		}
	}
	h.sentMsgs.Add(uint64(delivered))
	return delivered
}

func insert(index map[string]map[Handle]struct{}, key string, hd Handle) {
	bucket, ok := index[key]
	if !ok {
		bucket = make(map[Handle]struct{})
		index[key] = bucket
	}
	bucket[hd] = struct{}{}
}

func remove(index map[string]map[Handle]struct{}, key string, hd Handle) {
	bucket, ok := index[key]
	if !ok {
		return
	}
	delete(bucket, hd)
	if len(bucket) == 0 {
		delete(index, key)
	}
}
