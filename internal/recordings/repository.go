package recordings

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duetcast/backend/internal/models"
)

// Repository handles recording persistence. Status rows are written once as
// processing and finish as completed or failed, always keyed by recording id.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordingColumns = `id, room_id, user_id, title, status,
	COALESCE(video_url, ''), COALESCE(s3_key, ''), COALESCE(duration, 0),
	file_size, created_at, updated_at`

func scanRecording(row interface{ Scan(...any) error }) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.ID, &rec.RoomID, &rec.UserID, &rec.Title, &rec.Status,
		&rec.VideoURL, &rec.S3Key, &rec.Duration, &rec.FileSize, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create inserts a processing recording for a room.
func (r *Repository) Create(ctx context.Context, roomID string, userID uuid.UUID, title string) (*models.Recording, error) {
	const q = `INSERT INTO recordings (room_id, user_id, title, status)
		VALUES ($1, $2, $3, 'processing')
		RETURNING ` + recordingColumns
	return scanRecording(r.pool.QueryRow(ctx, q, roomID, userID, title))
}

// GetByID returns one recording.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	return scanRecording(r.pool.QueryRow(ctx, q, id))
}

// ListByUser returns a user's recordings, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM recordings
		WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkCompleted finishes a recording with its published artifact.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, videoURL, s3Key string, duration int, fileSize int64) error {
	const q = `UPDATE recordings
		SET status = 'completed', video_url = $2, s3_key = $3, duration = $4,
			file_size = $5, updated_at = NOW()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, videoURL, s3Key, duration, fileSize)
	return err
}

// MarkFailed finishes a recording as failed.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE recordings SET status = 'failed', updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// Delete removes a recording row.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM recordings WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}
