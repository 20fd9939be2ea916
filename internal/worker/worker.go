package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duetcast/backend/internal/pipeline"
	"github.com/duetcast/backend/pkg/queue"
)

// Merger runs the merge pipeline for one room directory.
type Merger interface {
	Run(ctx context.Context, roomDir string) (*pipeline.Result, error)
	Cleanup(roomDir string)
}

// MergeCompleter receives the pipeline's outcome. Implemented by
// coordinator.Coordinator; it owns artifact publishing and the recording row.
type MergeCompleter interface {
	CompleteMerge(ctx context.Context, roomID string, recordingID uuid.UUID, finalPath string, durationSeconds int) error
	FailMerge(ctx context.Context, roomID string, recordingID uuid.UUID, cause error)
}

// MergeProcessor consumes merge jobs: run the pipeline over the room's
// captures, then hand the result back to the coordinator. Transcoding is
// slow, so several processors run side by side; the coordinator guarantees
// at most one in-flight job per room.
type MergeProcessor struct {
	uploadsDir string
	merger     Merger
	completer  MergeCompleter
	queue      *queue.Queue
	logger     *zap.Logger
}

// NewMergeProcessor creates a merge job processor.
func NewMergeProcessor(uploadsDir string, merger Merger, completer MergeCompleter, q *queue.Queue, logger *zap.Logger) *MergeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MergeProcessor{
		uploadsDir: uploadsDir,
		merger:     merger,
		completer:  completer,
		queue:      q,
		logger:     logger,
	}
}

// Process executes one merge job. A nil return consumes the job; an error
// sends it back for retry.
func (p *MergeProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeMerge {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.MergePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	roomDir := filepath.Join(p.uploadsDir, payload.RoomID)
	res, err := p.merger.Run(ctx, roomDir)
	if err != nil {
		// Bad input is terminal: retrying the same captures cannot help.
		if errors.Is(err, pipeline.ErrNoValidCaptures) || errors.Is(err, pipeline.ErrUnsupportedParticipantCount) {
			p.completer.FailMerge(ctx, payload.RoomID, payload.RecordingID, err)
			return nil
		}
		return fmt.Errorf("merge room %s: %w", payload.RoomID, err)
	}

	// CompleteMerge handles its own failures (the room is reset either way),
	// so the job is consumed regardless.
	if err := p.completer.CompleteMerge(ctx, payload.RoomID, payload.RecordingID, res.FinalPath, res.DurationSeconds); err != nil {
		p.logger.Error("complete merge failed",
			zap.Error(err),
			zap.String("room_id", payload.RoomID),
			zap.String("recording_id", payload.RecordingID.String()))
		return nil
	}

	p.merger.Cleanup(roomDir)
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. Jobs whose
// retries are exhausted fail the recording before the queue moves them to
// the DLQ, so the room never stays stuck in processing.
func (p *MergeProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("merge worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info("merge worker stopping")
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if job.Attempt+1 >= queue.MaxRetries {
				var payload queue.MergePayload
				if jerr := json.Unmarshal(job.Payload, &payload); jerr == nil {
					p.completer.FailMerge(ctx, payload.RoomID, payload.RecordingID, err)
				}
			}
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
