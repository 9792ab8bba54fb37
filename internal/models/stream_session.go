package models

import (
	"time"

	"github.com/google/uuid"
)

// StreamSession is the durable record of a channel's current broadcast.
// At most one session per channel is authoritative at any instant; the
// session id is minted by the streamer client and changes on every start.
type StreamSession struct {
	ChannelID  uuid.UUID  `json:"channel_id"`
	SessionID  string     `json:"session_id"`
	StartedAt  time.Time  `json:"started_at"`
	LastPingAt time.Time  `json:"last_ping_at"`
	IsLive     bool       `json:"is_live"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Expired reports whether the session's heartbeat is older than timeout at now.
func (s *StreamSession) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastPingAt) > timeout
}

// LiveAt reports whether the session counts as live at now: the stored flag
// must be set and the heartbeat must not be expired. Read-time derivation,
// never persisted.
func (s *StreamSession) LiveAt(now time.Time, timeout time.Duration) bool {
	return s.IsLive && !s.Expired(now, timeout)
}

// StreamArchive is the end-of-stream history row for a finished session.
// VodURL is filled in asynchronously once the recording lands in object storage.
type StreamArchive struct {
	ID            uuid.UUID `json:"id"`
	ChannelID     uuid.UUID `json:"channel_id"`
	SessionID     string    `json:"session_id"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	PeakViewers   int       `json:"peak_viewers"`
	UniqueViewers int       `json:"unique_viewers"`
	VodURL        string    `json:"vod_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
