package models

import (
	"time"

	"github.com/google/uuid"
)

// ViewerConnection is one transport-level presence record. Ephemeral and
// in-memory only; a user may hold several connections at once, and UserID is
// nil for anonymous viewers.
type ViewerConnection struct {
	ConnectionID string
	ChannelID    uuid.UUID
	UserID       *uuid.UUID
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ChannelViewerStats aggregates the live viewer picture for a channel.
// Recomputed on demand from the active connection set, never persisted.
type ChannelViewerStats struct {
	ChannelID        uuid.UUID      `json:"channel_id"`
	TotalConnections int            `json:"total_connections"`
	UniqueUsers      int            `json:"unique_users"`
	PeakViewers      int            `json:"peak_viewers"`
	AvgWatchSeconds  float64        `json:"avg_watch_seconds"`
	PerMinute        map[string]int `json:"per_minute"` // trailing-window minute buckets, RFC3339 minute keys
}
