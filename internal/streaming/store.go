package streaming

import (
	"context"

	"github.com/google/uuid"

	"github.com/streamhive/backend/internal/models"
)

// SessionStore is the durability boundary for stream sessions. All writes to
// the session record go through the Manager; nothing else touches the store.
type SessionStore interface {
	// Get returns the channel's session record, or nil if none exists.
	Get(ctx context.Context, channelID uuid.UUID) (*models.StreamSession, error)
	// Save upserts the channel's session record.
	Save(ctx context.Context, session *models.StreamSession) error
	// ListLiveChannelIDs returns every channel whose stored flag is live,
	// for the expiry sweep.
	ListLiveChannelIDs(ctx context.Context) ([]uuid.UUID, error)
	// UpdateViewerCount flushes the current live count into the persisted
	// channel record. Best-effort, called on a cadence.
	UpdateViewerCount(ctx context.Context, channelID uuid.UUID, count int) error
}

// ChannelTotals accumulates per-channel streaming totals on stop.
type ChannelTotals interface {
	RecordStreamEnd(ctx context.Context, channelID uuid.UUID, durationSeconds int64) error
}

// Archiver persists end-of-stream history rows.
type Archiver interface {
	Archive(ctx context.Context, archive *models.StreamArchive) (uuid.UUID, error)
}

// Broadcaster is the push collaborator receiving lifecycle events.
// Fire-and-forget: emitters never depend on delivery success.
type Broadcaster interface {
	ViewersUpdated(channelID uuid.UUID, count int)
	StreamStarted(channelID uuid.UUID, sessionID string)
	StreamStopped(channelID uuid.UUID)
}

// NopBroadcaster discards all events. Used by the standalone reconciler
// binary, which has no websocket tier of its own.
type NopBroadcaster struct{}

func (NopBroadcaster) ViewersUpdated(uuid.UUID, int)   {}
func (NopBroadcaster) StreamStarted(uuid.UUID, string) {}
func (NopBroadcaster) StreamStopped(uuid.UUID)         {}
