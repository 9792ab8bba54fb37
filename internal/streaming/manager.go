package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamhive/backend/internal/models"
)

// VodEnqueuer schedules the asynchronous VOD upload for an archived session.
type VodEnqueuer interface {
	EnqueueVodUpload(ctx context.Context, archiveID, channelID uuid.UUID, sessionID string) error
}

// Manager owns the session state machine: start, heartbeat, stop, forced stop
// and expiry detection. It is the only writer of the session record. Live and
// Stale are observational labels derived from the heartbeat timestamp at read
// time; nothing stores a "stale" state.
type Manager struct {
	store       SessionStore
	totals      ChannelTotals
	archiver    Archiver
	tracker     *ViewerTracker
	sfu         SfuGateway
	broadcaster Broadcaster
	vod         VodEnqueuer // nil disables VOD archival

	heartbeatTimeout time.Duration
	logger           *zap.Logger
	now              func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewManager creates the session manager. heartbeatTimeout must exceed the
// streamer client's ping interval with margin.
func NewManager(store SessionStore, totals ChannelTotals, archiver Archiver, tracker *ViewerTracker, sfu SfuGateway, broadcaster Broadcaster, heartbeatTimeout time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if broadcaster == nil {
		broadcaster = NopBroadcaster{}
	}
	return &Manager{
		store:            store,
		totals:           totals,
		archiver:         archiver,
		tracker:          tracker,
		sfu:              sfu,
		broadcaster:      broadcaster,
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger,
		now:              time.Now,
		locks:            make(map[uuid.UUID]*sync.Mutex),
	}
}

// SetVodEnqueuer wires the VOD job queue. Optional; deployments without
// object storage run without it.
func (m *Manager) SetVodEnqueuer(v VodEnqueuer) { m.vod = v }

// HeartbeatTimeout returns the configured session heartbeat timeout.
func (m *Manager) HeartbeatTimeout() time.Duration { return m.heartbeatTimeout }

// channelLock returns the per-channel mutex, creating it on first use.
// Start/Stop pairs on the same channel serialize here; different channels
// never contend.
func (m *Manager) channelLock(channelID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[channelID] = l
	}
	return l
}

// StartSession begins a new broadcast on the channel. Rejected with
// ErrAlreadyLive when an unexpired live session with a different session id
// exists; an expired session is replaced without requiring an explicit stop.
// The returned bool reports whether the SFU acknowledged the start; a false
// does not abort the local start.
func (m *Manager) StartSession(ctx context.Context, channelID uuid.UUID, sessionID string) (bool, error) {
	l := m.channelLock(channelID)
	l.Lock()
	defer l.Unlock()

	now := m.now()
	cur, err := m.store.Get(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}
	if cur != nil && cur.LiveAt(now, m.heartbeatTimeout) && cur.SessionID != sessionID {
		return false, ErrAlreadyLive
	}

	session := &models.StreamSession{
		ChannelID:  channelID,
		SessionID:  sessionID,
		StartedAt:  now,
		LastPingAt: now,
		IsLive:     true,
	}
	if err := m.store.Save(ctx, session); err != nil {
		return false, fmt.Errorf("save session: %w", err)
	}

	m.tracker.Reset(channelID)

	sfuOK := m.sfu.NotifyStreamStarted(ctx, channelID, sessionID)
	if !sfuOK {
		m.logger.Warn("sfu start notification failed, stream continues",
			zap.String("channel_id", channelID.String()),
			zap.String("session_id", sessionID),
		)
	}
	m.broadcaster.StreamStarted(channelID, sessionID)
	m.logger.Info("stream started",
		zap.String("channel_id", channelID.String()),
		zap.String("session_id", sessionID),
		zap.Bool("sfu_notified", sfuOK),
	)
	return sfuOK, nil
}

// Ping records a heartbeat. Timestamp-only: it never changes the session id.
// A ping racing the expiry sweep is resolved last-write-wins; a ping can only
// extend liveness, and a genuinely dead stream stops pinging.
func (m *Manager) Ping(ctx context.Context, channelID uuid.UUID) error {
	cur, err := m.store.Get(ctx, channelID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if cur == nil || !cur.IsLive {
		return ErrNoActiveSession
	}
	cur.LastPingAt = m.now()
	if err := m.store.Save(ctx, cur); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// StopSession ends the channel's broadcast. When sessionID is non-empty it
// must match the stored one, protecting a newer session from a stale client's
// stop; pass "" to skip the check (internal callers only).
func (m *Manager) StopSession(ctx context.Context, channelID uuid.UUID, sessionID string) error {
	l := m.channelLock(channelID)
	l.Lock()
	defer l.Unlock()

	cur, err := m.store.Get(ctx, channelID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if cur == nil || !cur.IsLive {
		return ErrNoActiveSession
	}
	if sessionID != "" && sessionID != cur.SessionID {
		return ErrSessionMismatch
	}
	return m.stopLocked(ctx, cur, "client stop")
}

// ForceStop ends the broadcast regardless of session id. Administrative and
// reconciliation path, used when the SFU reports the session dead while local
// state still says live.
func (m *Manager) ForceStop(ctx context.Context, channelID uuid.UUID, sessionID string) error {
	l := m.channelLock(channelID)
	l.Lock()
	defer l.Unlock()

	cur, err := m.store.Get(ctx, channelID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if cur == nil || !cur.IsLive {
		return ErrNoActiveSession
	}
	return m.stopLocked(ctx, cur, "force stop")
}

// stopLocked performs the shared stop path. Caller holds the channel lock.
// The session write is the one fatal step; everything after it is best-effort
// so a flaky collaborator cannot leave the flag stuck live.
func (m *Manager) stopLocked(ctx context.Context, cur *models.StreamSession, reason string) error {
	now := m.now()
	channelID := cur.ChannelID

	// capture registry aggregates before the reset wipes them
	peak := m.tracker.PeakViewers(channelID)
	unique := m.tracker.GetUniqueUserCount(channelID)

	cur.IsLive = false
	cur.EndedAt = &now
	if err := m.store.Save(ctx, cur); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	duration := now.Sub(cur.StartedAt)
	if err := m.totals.RecordStreamEnd(ctx, channelID, int64(duration.Seconds())); err != nil {
		m.logger.Error("record stream totals failed", zap.String("channel_id", channelID.String()), zap.Error(err))
	}

	if m.archiver != nil {
		archiveID, err := m.archiver.Archive(ctx, &models.StreamArchive{
			ChannelID:     channelID,
			SessionID:     cur.SessionID,
			StartedAt:     cur.StartedAt,
			EndedAt:       now,
			PeakViewers:   peak,
			UniqueViewers: unique,
		})
		if err != nil {
			m.logger.Error("archive session failed", zap.String("channel_id", channelID.String()), zap.Error(err))
		} else if m.vod != nil {
			if err := m.vod.EnqueueVodUpload(ctx, archiveID, channelID, cur.SessionID); err != nil {
				m.logger.Error("enqueue vod upload failed", zap.String("channel_id", channelID.String()), zap.Error(err))
			}
		}
	}

	m.tracker.Reset(channelID)
	if err := m.store.UpdateViewerCount(ctx, channelID, 0); err != nil {
		m.logger.Warn("zero viewer count failed", zap.String("channel_id", channelID.String()), zap.Error(err))
	}

	if !m.sfu.NotifyStreamStopped(ctx, channelID, cur.SessionID) {
		m.logger.Warn("sfu stop notification failed",
			zap.String("channel_id", channelID.String()),
			zap.String("session_id", cur.SessionID),
		)
	}
	m.broadcaster.StreamStopped(channelID)
	m.logger.Info("stream stopped",
		zap.String("channel_id", channelID.String()),
		zap.String("session_id", cur.SessionID),
		zap.String("reason", reason),
		zap.Duration("duration", duration),
	)
	return nil
}

// GetActiveSession returns the channel's liveness and session id. Liveness is
// derived: the stored flag must be set and the heartbeat unexpired. This lazy
// read never mutates state; the sweep is what eventually persists the expiry.
func (m *Manager) GetActiveSession(ctx context.Context, channelID uuid.UUID) (bool, string, error) {
	cur, err := m.store.Get(ctx, channelID)
	if err != nil {
		return false, "", fmt.Errorf("get session: %w", err)
	}
	if cur == nil || !cur.LiveAt(m.now(), m.heartbeatTimeout) {
		return false, "", nil
	}
	return true, cur.SessionID, nil
}

// IsChannelLive reports derived liveness only.
func (m *Manager) IsChannelLive(ctx context.Context, channelID uuid.UUID) (bool, error) {
	live, _, err := m.GetActiveSession(ctx, channelID)
	return live, err
}

// CleanupExpiredStreams stops every channel whose live session has an expired
// heartbeat, with the same side effects as StopSession. The durability
// backstop for streamer clients that crashed without stopping. One channel's
// failure never aborts the sweep; returns the number stopped.
func (m *Manager) CleanupExpiredStreams(ctx context.Context) (int, error) {
	ids, err := m.store.ListLiveChannelIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list live channels: %w", err)
	}
	stopped := 0
	for _, channelID := range ids {
		l := m.channelLock(channelID)
		l.Lock()
		cur, err := m.store.Get(ctx, channelID)
		switch {
		case err != nil:
			m.logger.Error("cleanup: get session failed", zap.String("channel_id", channelID.String()), zap.Error(err))
		case cur == nil || !cur.IsLive:
			// stopped between list and lock
		case cur.Expired(m.now(), m.heartbeatTimeout):
			if err := m.stopLocked(ctx, cur, "heartbeat expired"); err != nil {
				m.logger.Error("cleanup: stop failed", zap.String("channel_id", channelID.String()), zap.Error(err))
			} else {
				stopped++
			}
		}
		l.Unlock()
	}
	return stopped, nil
}
