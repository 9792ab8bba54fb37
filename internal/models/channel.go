package models

import (
	"time"

	"github.com/google/uuid"
)

// Channel represents a broadcast channel owned by a streamer.
// Viewers is a best-effort persisted snapshot of the live count, flushed on a
// cadence by the viewer tracker; the in-memory registry is authoritative.
type Channel struct {
	ID                     uuid.UUID  `json:"id"`
	OwnerID                uuid.UUID  `json:"owner_id"`
	Name                   string     `json:"name"`
	Title                  string     `json:"title"`
	Description            string     `json:"description"`
	ThumbnailURL           string     `json:"thumbnail_url,omitempty"`
	Viewers                int        `json:"viewers"`
	LastStreamEndedAt      *time.Time `json:"last_stream_ended_at,omitempty"`
	TotalStreamTimeSeconds int64      `json:"total_stream_time_seconds"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}
