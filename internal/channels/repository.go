package channels

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamhive/backend/internal/models"
)

// Repository handles channel persistence. The viewers / stream-total columns
// are written by the streaming subsystem; this repository only reads them.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a channel repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new channel.
func (r *Repository) Create(ctx context.Context, ch *models.Channel) error {
	const q = `INSERT INTO channels (id, owner_id, name, title, description)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, ch.OwnerID, ch.Name, ch.Title, ch.Description).
		Scan(&ch.ID, &ch.CreatedAt, &ch.UpdatedAt)
}

const channelColumns = `id, owner_id, name, title, description, COALESCE(thumbnail_url, ''), viewers, last_stream_ended_at, total_stream_time_seconds, created_at, updated_at`

func scanChannel(row pgx.Row) (*models.Channel, error) {
	var ch models.Channel
	err := row.Scan(&ch.ID, &ch.OwnerID, &ch.Name, &ch.Title, &ch.Description, &ch.ThumbnailURL, &ch.Viewers, &ch.LastStreamEndedAt, &ch.TotalStreamTimeSeconds, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetByID returns a channel by ID, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	ch, err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return ch, err
}

// GetByName returns a channel by its unique name, or nil when absent.
func (r *Repository) GetByName(ctx context.Context, name string) (*models.Channel, error) {
	ch, err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE name = $1`, name))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return ch, err
}

// List returns all channels, optionally filtered by owner.
func (r *Repository) List(ctx context.Context, ownerID *uuid.UUID) ([]models.Channel, error) {
	q := `SELECT ` + channelColumns + ` FROM channels`
	var args []interface{}
	if ownerID != nil {
		q += ` WHERE owner_id = $1`
		args = append(args, *ownerID)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

// Update modifies title and description.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, title, description string) error {
	const q = `UPDATE channels SET title = $1, description = $2, updated_at = NOW() WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, title, description, id)
	return err
}

// SetThumbnailURL stores the uploaded thumbnail's object URL.
func (r *Repository) SetThumbnailURL(ctx context.Context, id uuid.UUID, url string) error {
	const q = `UPDATE channels SET thumbnail_url = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, url, id)
	return err
}

// Delete removes a channel.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	return err
}
