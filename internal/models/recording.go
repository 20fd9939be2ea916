package models

import (
	"time"

	"github.com/google/uuid"
)

// Recording lifecycle. Transitions are monotonic: processing -> completed
// or processing -> failed, never out of a terminal status.
const (
	RecordingStatusProcessing = "processing"
	RecordingStatusCompleted  = "completed"
	RecordingStatusFailed     = "failed"
)

// Recording is one composite artifact produced from a room's captures.
// UserID is the participant who issued the stop command.
type Recording struct {
	ID        uuid.UUID `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	VideoURL  string    `json:"video_url,omitempty"`
	S3Key     string    `json:"s3_key,omitempty"`
	Duration  int       `json:"duration"`
	FileSize  int64     `json:"file_size"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
