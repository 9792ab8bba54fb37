package streaming

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamhive/backend/internal/models"
)

// Repository is the pgx-backed durability layer for the streaming subsystem:
// the current session row per channel, end-of-stream archives, and the
// channel's persisted viewer/total fields. Implements SessionStore, Archiver
// and ChannelTotals.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a streaming repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the channel's current session record, or nil if none exists.
func (r *Repository) Get(ctx context.Context, channelID uuid.UUID) (*models.StreamSession, error) {
	const q = `SELECT channel_id, session_id, started_at, last_ping_at, is_live, ended_at, updated_at
		FROM stream_sessions WHERE channel_id = $1`
	var s models.StreamSession
	err := r.pool.QueryRow(ctx, q, channelID).Scan(&s.ChannelID, &s.SessionID, &s.StartedAt, &s.LastPingAt, &s.IsLive, &s.EndedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Save upserts the channel's session record.
func (r *Repository) Save(ctx context.Context, s *models.StreamSession) error {
	const q = `INSERT INTO stream_sessions (channel_id, session_id, started_at, last_ping_at, is_live, ended_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (channel_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			started_at = EXCLUDED.started_at,
			last_ping_at = EXCLUDED.last_ping_at,
			is_live = EXCLUDED.is_live,
			ended_at = EXCLUDED.ended_at,
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, q, s.ChannelID, s.SessionID, s.StartedAt, s.LastPingAt, s.IsLive, s.EndedAt)
	return err
}

// ListLiveChannelIDs returns every channel whose stored live flag is set.
func (r *Repository) ListLiveChannelIDs(ctx context.Context) ([]uuid.UUID, error) {
	const q = `SELECT channel_id FROM stream_sessions WHERE is_live = TRUE`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateViewerCount flushes the live count into the persisted channel record.
func (r *Repository) UpdateViewerCount(ctx context.Context, channelID uuid.UUID, count int) error {
	const q = `UPDATE channels SET viewers = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, count, channelID)
	return err
}

// RecordStreamEnd accumulates the finished broadcast into the channel totals.
func (r *Repository) RecordStreamEnd(ctx context.Context, channelID uuid.UUID, durationSeconds int64) error {
	const q = `UPDATE channels SET
			last_stream_ended_at = NOW(),
			total_stream_time_seconds = total_stream_time_seconds + $1,
			updated_at = NOW()
		WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, durationSeconds, channelID)
	return err
}

// Archive inserts the end-of-stream history row and returns its id.
func (r *Repository) Archive(ctx context.Context, a *models.StreamArchive) (uuid.UUID, error) {
	const q = `INSERT INTO stream_archives (id, channel_id, session_id, started_at, ended_at, peak_viewers, unique_viewers, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, NOW())
		RETURNING id`
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, q, a.ChannelID, a.SessionID, a.StartedAt, a.EndedAt, a.PeakViewers, a.UniqueViewers).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert archive: %w", err)
	}
	return id, nil
}

// GetArchive returns one archive row by id.
func (r *Repository) GetArchive(ctx context.Context, id uuid.UUID) (*models.StreamArchive, error) {
	const q = `SELECT id, channel_id, session_id, started_at, ended_at, peak_viewers, unique_viewers, COALESCE(vod_url, ''), created_at
		FROM stream_archives WHERE id = $1`
	var a models.StreamArchive
	err := r.pool.QueryRow(ctx, q, id).Scan(&a.ID, &a.ChannelID, &a.SessionID, &a.StartedAt, &a.EndedAt, &a.PeakViewers, &a.UniqueViewers, &a.VodURL, &a.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// ListArchivesByChannel returns a channel's stream history, newest first.
func (r *Repository) ListArchivesByChannel(ctx context.Context, channelID uuid.UUID, limit int) ([]models.StreamArchive, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `SELECT id, channel_id, session_id, started_at, ended_at, peak_viewers, unique_viewers, COALESCE(vod_url, ''), created_at
		FROM stream_archives WHERE channel_id = $1 ORDER BY ended_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.StreamArchive
	for rows.Next() {
		var a models.StreamArchive
		if err := rows.Scan(&a.ID, &a.ChannelID, &a.SessionID, &a.StartedAt, &a.EndedAt, &a.PeakViewers, &a.UniqueViewers, &a.VodURL, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetArchiveVodURL stores the uploaded recording's object URL.
func (r *Repository) SetArchiveVodURL(ctx context.Context, archiveID uuid.UUID, url string) error {
	const q = `UPDATE stream_archives SET vod_url = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, url, archiveID)
	return err
}
