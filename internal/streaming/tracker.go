package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamhive/backend/internal/models"
)

// trailingWindow bounds how far back the per-minute join buckets reach.
const trailingWindow = 10 * time.Minute

// ViewerCountStore is the narrow persistence surface the tracker flushes to.
type ViewerCountStore interface {
	UpdateViewerCount(ctx context.Context, channelID uuid.UUID, count int) error
}

// ViewerTracker is the in-memory registry of active viewer connections.
// Buckets are per channel and carry their own lock so one hot channel cannot
// stall mutations on the others; the tracker-level lock only guards the
// bucket map and the connection-to-channel reverse index.
type ViewerTracker struct {
	mu      sync.RWMutex
	buckets map[uuid.UUID]*channelBucket
	index   map[string]uuid.UUID // connectionID -> channelID

	store       ViewerCountStore
	broadcaster Broadcaster
	logger      *zap.Logger
	now         func() time.Time
}

type channelBucket struct {
	mu        sync.Mutex
	dead      bool // set when Reset retires the bucket; writers must retry
	conns     map[string]*models.ViewerConnection
	seenUsers map[uuid.UUID]struct{} // users seen since session start
	peak      int
	joins     map[int64]int // unix minute -> join count
}

// NewViewerTracker creates the process-wide viewer registry. Callers receive
// it by explicit reference; there is no ambient singleton.
func NewViewerTracker(store ViewerCountStore, broadcaster Broadcaster, logger *zap.Logger) *ViewerTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	return &ViewerTracker{
		buckets:     make(map[uuid.UUID]*channelBucket),
		index:       make(map[string]uuid.UUID),
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
}

func newChannelBucket() *channelBucket {
	return &channelBucket{
		conns:     make(map[string]*models.ViewerConnection),
		seenUsers: make(map[uuid.UUID]struct{}),
		joins:     make(map[int64]int),
	}
}

// bucketForConn returns the channel's live bucket, creating it on first use,
// and records the connection in the reverse index in the same critical
// section so the two structures cannot drift apart.
func (t *ViewerTracker) bucketForConn(channelID uuid.UUID, connectionID string) *channelBucket {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[channelID]
	if !ok {
		b = newChannelBucket()
		t.buckets[channelID] = b
	}
	t.index[connectionID] = channelID
	return b
}

func (t *ViewerTracker) bucket(channelID uuid.UUID) *channelBucket {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.buckets[channelID]
}

// AddViewer registers a connection on a channel, replacing any previous record
// with the same connection id (a re-add refreshes timestamps rather than
// duplicating). Returns true when this is the viewer's first connection to the
// channel in the current session.
func (t *ViewerTracker) AddViewer(channelID uuid.UUID, connectionID string, userID *uuid.UUID) bool {
	now := t.now()
	for {
		b := t.bucketForConn(channelID, connectionID)
		first, ok := b.add(channelID, connectionID, userID, now)
		if ok {
			return first
		}
		// Reset retired the bucket between the map lookup and the bucket
		// lock; the write would land in an orphaned bucket nothing reads,
		// so retry against the live one.
	}
}

// add inserts the connection unless the bucket has been retired by Reset.
func (b *channelBucket) add(channelID uuid.UUID, connectionID string, userID *uuid.UUID, now time.Time) (first, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return false, false
	}

	_, existed := b.conns[connectionID]
	b.conns[connectionID] = &models.ViewerConnection{
		ConnectionID: connectionID,
		ChannelID:    channelID,
		UserID:       userID,
		ConnectedAt:  now,
		LastActivity: now,
	}
	if !existed {
		minute := now.Truncate(time.Minute).Unix()
		b.joins[minute]++
		b.pruneJoins(now)
	}
	if count := len(b.conns); count > b.peak {
		b.peak = count
	}

	if userID == nil {
		return !existed, true
	}
	if _, seen := b.seenUsers[*userID]; seen {
		return false, true
	}
	b.seenUsers[*userID] = struct{}{}
	return true, true
}

// RemoveViewer removes a connection by id alone, using the reverse index.
// Idempotent if already removed.
func (t *ViewerTracker) RemoveViewer(connectionID string) {
	t.mu.Lock()
	channelID, ok := t.index[connectionID]
	if ok {
		delete(t.index, connectionID)
	}
	b := t.buckets[channelID]
	t.mu.Unlock()
	if !ok || b == nil {
		return
	}
	b.mu.Lock()
	delete(b.conns, connectionID)
	b.mu.Unlock()
}

// Touch refreshes a connection's last-activity timestamp.
func (t *ViewerTracker) Touch(connectionID string) {
	t.mu.RLock()
	channelID, ok := t.index[connectionID]
	b := t.buckets[channelID]
	t.mu.RUnlock()
	if !ok || b == nil {
		return
	}
	b.mu.Lock()
	if c, ok := b.conns[connectionID]; ok {
		c.LastActivity = t.now()
	}
	b.mu.Unlock()
}

// GetViewerCount returns the number of active connections on a channel.
func (t *ViewerTracker) GetViewerCount(channelID uuid.UUID) int {
	b := t.bucket(channelID)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// GetUniqueUserCount returns the number of distinct signed-in users currently
// connected to a channel. Always <= GetViewerCount.
func (t *ViewerTracker) GetUniqueUserCount(channelID uuid.UUID) int {
	b := t.bucket(channelID)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	users := make(map[uuid.UUID]struct{})
	for _, c := range b.conns {
		if c.UserID != nil {
			users[*c.UserID] = struct{}{}
		}
	}
	return len(users)
}

// IsUserWatchingChannel reports whether any active connection on the channel
// belongs to the user.
func (t *ViewerTracker) IsUserWatchingChannel(userID, channelID uuid.UUID) bool {
	b := t.bucket(channelID)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		if c.UserID != nil && *c.UserID == userID {
			return true
		}
	}
	return false
}

// UpdateViewerCountInDatabase flushes the current live count into the
// persisted channel record. Called on a cadence, not on every join/leave, to
// bound write amplification.
func (t *ViewerTracker) UpdateViewerCountInDatabase(ctx context.Context, channelID uuid.UUID) error {
	return t.store.UpdateViewerCount(ctx, channelID, t.GetViewerCount(channelID))
}

// UpdateViewerCountAndBroadcast flushes the count and emits a viewers-updated
// event. Returns the count used so callers can log or assert consistency.
func (t *ViewerTracker) UpdateViewerCountAndBroadcast(ctx context.Context, channelID uuid.UUID) (int, error) {
	count := t.GetViewerCount(channelID)
	if err := t.store.UpdateViewerCount(ctx, channelID, count); err != nil {
		return count, err
	}
	t.broadcaster.ViewersUpdated(channelID, count)
	return count, nil
}

// CleanupOldConnections removes every connection whose last activity is older
// than maxAge. Defense against viewers whose disconnect was dropped by the
// transport layer; runs on its own cadence distinct from the session sweep.
// Returns the number removed.
func (t *ViewerTracker) CleanupOldConnections(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)

	t.mu.RLock()
	buckets := make(map[uuid.UUID]*channelBucket, len(t.buckets))
	for id, b := range t.buckets {
		buckets[id] = b
	}
	t.mu.RUnlock()

	var stale []string
	for _, b := range buckets {
		b.mu.Lock()
		if b.dead {
			// retired by Reset after the snapshot; already cleaned up
			b.mu.Unlock()
			continue
		}
		for id, c := range b.conns {
			if c.LastActivity.Before(cutoff) {
				delete(b.conns, id)
				stale = append(stale, id)
			}
		}
		b.mu.Unlock()
	}
	if len(stale) > 0 {
		t.mu.Lock()
		for _, id := range stale {
			chID, ok := t.index[id]
			if !ok {
				continue
			}
			// a connection that re-registered after the sweep keeps its entry
			if b := t.buckets[chID]; b != nil && b.has(id) {
				continue
			}
			delete(t.index, id)
		}
		t.mu.Unlock()
		t.logger.Info("removed stale viewer connections", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Reset clears a channel's registry state (connections, peak, join buckets).
// Called when a new session starts and when one stops. The old bucket is
// marked dead under its own lock so an add that already resolved the bucket
// pointer retries instead of writing into it.
func (t *ViewerTracker) Reset(channelID uuid.UUID) {
	t.mu.Lock()
	b := t.buckets[channelID]
	if b != nil {
		b.mu.Lock()
		b.dead = true
		for id := range b.conns {
			delete(t.index, id)
		}
		b.mu.Unlock()
		delete(t.buckets, channelID)
	}
	t.mu.Unlock()
}

// ActiveChannels returns the channels that currently hold registry state, for
// the periodic flush. A channel emptied by leaves or the janitor stays listed
// until its session reset, so its zero count still gets persisted.
func (t *ViewerTracker) ActiveChannels() []uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(t.buckets))
	for id := range t.buckets {
		out = append(out, id)
	}
	return out
}

// PeakViewers returns the highest concurrent connection count observed on the
// channel since the session started.
func (t *ViewerTracker) PeakViewers(channelID uuid.UUID) int {
	b := t.bucket(channelID)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

// Stats recomputes the channel's viewer aggregates from the live connection
// set. Derived state only.
func (t *ViewerTracker) Stats(channelID uuid.UUID) models.ChannelViewerStats {
	stats := models.ChannelViewerStats{
		ChannelID: channelID,
		PerMinute: make(map[string]int),
	}
	b := t.bucket(channelID)
	if b == nil {
		return stats
	}
	now := t.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	stats.TotalConnections = len(b.conns)
	stats.PeakViewers = b.peak

	users := make(map[uuid.UUID]struct{})
	var watched time.Duration
	for _, c := range b.conns {
		if c.UserID != nil {
			users[*c.UserID] = struct{}{}
		}
		watched += now.Sub(c.ConnectedAt)
	}
	stats.UniqueUsers = len(users)
	if len(b.conns) > 0 {
		stats.AvgWatchSeconds = watched.Seconds() / float64(len(b.conns))
	}

	b.pruneJoins(now)
	for minute, n := range b.joins {
		key := time.Unix(minute, 0).UTC().Format(time.RFC3339)
		stats.PerMinute[key] = n
	}
	return stats
}

func (b *channelBucket) has(connectionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.conns[connectionID]
	return ok
}

// pruneJoins drops minute buckets outside the trailing window. Caller holds b.mu.
func (b *channelBucket) pruneJoins(now time.Time) {
	cutoff := now.Add(-trailingWindow).Truncate(time.Minute).Unix()
	for minute := range b.joins {
		if minute < cutoff {
			delete(b.joins, minute)
		}
	}
}
