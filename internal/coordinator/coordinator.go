package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duetcast/backend/internal/auth"
	"github.com/duetcast/backend/internal/models"
	"github.com/duetcast/backend/internal/rooms"
	"github.com/duetcast/backend/pkg/queue"
	"github.com/duetcast/backend/pkg/storage"
)

var (
	// ErrUnauthorized is returned when a guest tries to control recording.
	ErrUnauthorized = errors.New("guests cannot control recording")
	// ErrRecordingActive is returned when a start hits a busy room.
	ErrRecordingActive = errors.New("recording already in progress")
	// ErrNotRecording is returned when a stop hits a room that is not recording.
	ErrNotRecording = errors.New("no recording in progress")
)

// Phase is a room's position in the recording lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRecording
	PhaseSettling
	PhaseProcessing
)

func (p Phase) String() string {
	switch p {
	case PhaseRecording:
		return "recording"
	case PhaseSettling:
		return "settling"
	case PhaseProcessing:
		return "processing"
	default:
		return "idle"
	}
}

// Broadcaster fans an event out to every connection in a room.
type Broadcaster interface {
	BroadcastEvent(roomID, event string, data any)
}

// RecordingStore persists recording rows. Implemented by recordings.Repository.
type RecordingStore interface {
	Create(ctx context.Context, roomID string, userID uuid.UUID, title string) (*models.Recording, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, videoURL, s3Key string, duration int, fileSize int64) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

// ArtifactStore publishes composite artifacts. Implemented by storage.S3.
type ArtifactStore interface {
	UploadFile(ctx context.Context, localPath, key, contentType string) (url string, size int64, err error)
	PresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
}

// Enqueuer hands merge jobs to the worker pool.
type Enqueuer interface {
	EnqueueMerge(ctx context.Context, payload queue.MergePayload) error
}

// ParticipantLister reports who is currently in a room.
type ParticipantLister interface {
	Snapshot(roomID string) []rooms.Participant
}

// Config tunes the recording lifecycle.
type Config struct {
	// StartLead is how far in the future the synchronized start time is set,
	// so every client receives it before it arrives.
	StartLead time.Duration
	// SettleWindow is the grace period after stop for uploads to finalize.
	SettleWindow time.Duration
}

type roomState struct {
	phase       Phase
	recordingID uuid.UUID
	// pending holds the user ids present at stop time whose captures have
	// not finalized yet. Processing begins when it drains or the settle
	// timer fires, whichever is first. nil while a stop is still installing
	// its settle state; NotifyFinalized never acts on a nil pending.
	pending map[string]struct{}
	// earlyAcks banks finalize notifications that land between the settle
	// reservation and the pending install, so they still count.
	earlyAcks map[string]struct{}
	timer     *time.Timer
	// gen invalidates a stale settle timer after the room has moved on.
	gen uint64
}

// Coordinator drives each room's recording state machine:
// Idle -> Recording -> Settling -> Processing -> Idle. It is the only
// component that writes recording rows or publishes artifacts.
type Coordinator struct {
	cfg        Config
	broadcast  Broadcaster
	recordings RecordingStore
	artifacts  ArtifactStore
	jobs       Enqueuer
	lister     ParticipantLister
	logger     *zap.Logger

	mu    sync.Mutex
	rooms map[string]*roomState
}

// New creates a coordinator.
func New(cfg Config, b Broadcaster, rs RecordingStore, as ArtifactStore, jobs Enqueuer, lister ParticipantLister, logger *zap.Logger) *Coordinator {
	if cfg.StartLead <= 0 {
		cfg.StartLead = 3 * time.Second
	}
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:        cfg,
		broadcast:  b,
		recordings: rs,
		artifacts:  as,
		jobs:       jobs,
		lister:     lister,
		logger:     logger,
		rooms:      make(map[string]*roomState),
	}
}

// Phase reports a room's current lifecycle phase.
func (c *Coordinator) Phase(roomID string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.rooms[roomID]
	if !ok {
		return PhaseIdle
	}
	return st.phase
}

// Start begins a recording for an idle room. Every client receives the same
// wall-clock start time, set slightly in the future so they can all arm
// their recorders before it arrives. Guests may not start recordings.
func (c *Coordinator) Start(ctx context.Context, roomID string, id auth.Identity) (time.Time, error) {
	if id.IsGuest {
		return time.Time{}, ErrUnauthorized
	}

	c.mu.Lock()
	st := c.state(roomID)
	if st.phase != PhaseIdle {
		c.mu.Unlock()
		return time.Time{}, ErrRecordingActive
	}
	st.phase = PhaseRecording
	c.mu.Unlock()

	startAt := time.Now().Add(c.cfg.StartLead)
	c.broadcast.BroadcastEvent(roomID, "recording-start-sync", map[string]any{
		"startTime": startAt.UnixMilli(),
		"startedBy": id.Username,
	})
	c.logger.Info("recording started",
		zap.String("room_id", roomID),
		zap.String("started_by", id.Username),
		zap.Time("start_at", startAt))
	return startAt, nil
}

// Stop ends a recording: creates the recording row, tells every client to
// stop capturing, and arms the settle window during which uploads finalize.
// Guests may not stop recordings; a second stop while one is settling or
// processing is rejected.
func (c *Coordinator) Stop(ctx context.Context, roomID string, id auth.Identity) (*models.Recording, error) {
	if id.IsGuest {
		return nil, ErrUnauthorized
	}
	ownerID, err := uuid.Parse(id.ID)
	if err != nil {
		return nil, ErrUnauthorized
	}

	// Reserve the settle transition so a second stop is rejected while the
	// recording row is being created. recordingID and pending stay unset
	// until everything is ready; finalize acks arriving meanwhile are
	// banked in earlyAcks instead of being acted on.
	c.mu.Lock()
	st, ok := c.rooms[roomID]
	if !ok || st.phase != PhaseRecording {
		c.mu.Unlock()
		return nil, ErrNotRecording
	}
	st.phase = PhaseSettling
	st.gen++
	gen := st.gen
	st.recordingID = uuid.Nil
	st.pending = nil
	st.earlyAcks = make(map[string]struct{})
	c.mu.Unlock()

	// Every participant present right now is expected to finalize an upload.
	pending := make(map[string]struct{})
	for _, p := range c.lister.Snapshot(roomID) {
		pending[p.UserID] = struct{}{}
	}

	title := "Recording - " + time.Now().Format("2006-01-02 15:04:05")
	rec, err := c.recordings.Create(ctx, roomID, ownerID, title)
	if err != nil {
		c.mu.Lock()
		if st.phase == PhaseSettling && st.gen == gen {
			st.phase = PhaseRecording
			st.earlyAcks = nil
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("create recording: %w", err)
	}

	c.mu.Lock()
	if st.phase != PhaseSettling || st.gen != gen {
		c.mu.Unlock()
		return rec, nil
	}
	for uid := range st.earlyAcks {
		delete(pending, uid)
	}
	st.earlyAcks = nil
	st.recordingID = rec.ID
	st.pending = pending
	remaining := len(pending)
	if remaining > 0 {
		st.timer = time.AfterFunc(c.cfg.SettleWindow, func() {
			c.settleTimeout(roomID, gen)
		})
	}
	c.mu.Unlock()

	c.broadcast.BroadcastEvent(roomID, "recording-stop-sync", map[string]any{
		"stoppedBy": id.Username,
	})
	c.broadcast.BroadcastEvent(roomID, "recording-processing", map[string]any{
		"recordingId": rec.ID.String(),
		"message":     "Recording stopped. Processing video...",
	})
	c.logger.Info("recording stopped",
		zap.String("room_id", roomID),
		zap.String("recording_id", rec.ID.String()),
		zap.Int("awaiting_uploads", remaining))

	// Everyone expected had already finalized by the time the settle state
	// was armed, so there is nothing to wait for.
	if remaining == 0 {
		c.beginProcessing(roomID)
	}
	return rec, nil
}

// NotifyFinalized records that a participant's capture has landed. When the
// last expected upload finalizes the room advances to processing without
// waiting out the rest of the settle window.
func (c *Coordinator) NotifyFinalized(roomID, userID string) {
	c.mu.Lock()
	st, ok := c.rooms[roomID]
	if !ok || st.phase != PhaseSettling {
		c.mu.Unlock()
		return
	}
	if st.pending == nil {
		// The stop is still installing its settle state: bank the ack so it
		// counts once pending is armed, and never advance against a
		// half-initialized room.
		if st.earlyAcks != nil {
			st.earlyAcks[userID] = struct{}{}
		}
		c.mu.Unlock()
		return
	}
	delete(st.pending, userID)
	remaining := len(st.pending)
	c.mu.Unlock()

	c.logger.Debug("capture finalized",
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
		zap.Int("remaining", remaining))
	if remaining == 0 {
		c.beginProcessing(roomID)
	}
}

func (c *Coordinator) settleTimeout(roomID string, gen uint64) {
	c.mu.Lock()
	st, ok := c.rooms[roomID]
	stale := !ok || st.phase != PhaseSettling || st.gen != gen
	c.mu.Unlock()
	if stale {
		return
	}
	c.logger.Info("settle window elapsed", zap.String("room_id", roomID))
	c.beginProcessing(roomID)
}

// beginProcessing moves a settling room to processing and enqueues the merge
// job. Exactly one caller wins; the settle timer and the last finalize
// notification can race here safely.
func (c *Coordinator) beginProcessing(roomID string) {
	c.mu.Lock()
	st, ok := c.rooms[roomID]
	if !ok || st.phase != PhaseSettling {
		c.mu.Unlock()
		return
	}
	st.phase = PhaseProcessing
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	recID := st.recordingID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.jobs.EnqueueMerge(ctx, queue.MergePayload{RoomID: roomID, RecordingID: recID}); err != nil {
		c.logger.Error("enqueue merge failed", zap.Error(err), zap.String("room_id", roomID))
		c.FailMerge(context.Background(), roomID, recID, fmt.Errorf("enqueue merge: %w", err))
		return
	}
	c.logger.Info("merge job enqueued",
		zap.String("room_id", roomID),
		zap.String("recording_id", recID.String()))
}

// CompleteMerge publishes a finished composite artifact, marks the recording
// completed, and announces the download URL to the room. Called by the merge
// worker after the pipeline succeeds.
func (c *Coordinator) CompleteMerge(ctx context.Context, roomID string, recordingID uuid.UUID, finalPath string, durationSeconds int) error {
	if c.artifacts == nil {
		err := errors.New("artifact store not configured")
		c.FailMerge(ctx, roomID, recordingID, err)
		return err
	}

	key := storage.ArtifactKey(roomID, time.Now())
	url, size, err := c.artifacts.UploadFile(ctx, finalPath, key, "video/mp4")
	if err != nil {
		wrapped := fmt.Errorf("publish artifact: %w", err)
		c.FailMerge(ctx, roomID, recordingID, wrapped)
		return wrapped
	}

	if err := c.recordings.MarkCompleted(ctx, recordingID, url, key, durationSeconds, size); err != nil {
		wrapped := fmt.Errorf("mark completed: %w", err)
		c.FailMerge(ctx, roomID, recordingID, wrapped)
		return wrapped
	}

	downloadURL, err := c.artifacts.PresignedDownloadURL(ctx, key, c.artifacts.PresignExpire())
	if err != nil {
		c.logger.Warn("presign failed, falling back to object url",
			zap.Error(err), zap.String("key", key))
		downloadURL = url
	}

	c.broadcast.BroadcastEvent(roomID, "video-ready", map[string]any{
		"recordingId": recordingID.String(),
		"downloadUrl": downloadURL,
	})
	c.reset(roomID)
	c.logger.Info("recording ready",
		zap.String("room_id", roomID),
		zap.String("recording_id", recordingID.String()),
		zap.String("s3_key", key),
		zap.Int64("size", size))
	return nil
}

// FailMerge marks a recording failed, tells the room, and frees it for the
// next recording. The database update is best effort: a failed recording
// must never wedge the room.
func (c *Coordinator) FailMerge(ctx context.Context, roomID string, recordingID uuid.UUID, cause error) {
	if err := c.recordings.MarkFailed(ctx, recordingID); err != nil {
		c.logger.Error("mark failed errored",
			zap.Error(err), zap.String("recording_id", recordingID.String()))
	}
	c.broadcast.BroadcastEvent(roomID, "video-error", map[string]any{
		"recordingId": recordingID.String(),
		"error":       "Failed to process recording",
	})
	c.reset(roomID)
	c.logger.Error("recording failed",
		zap.Error(cause),
		zap.String("room_id", roomID),
		zap.String("recording_id", recordingID.String()))
}

// reset returns a room to idle, dropping any settle state.
func (c *Coordinator) reset(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.rooms[roomID]
	if !ok {
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(c.rooms, roomID)
}

// state returns (creating if needed) the room's state. Caller holds c.mu.
func (c *Coordinator) state(roomID string) *roomState {
	st, ok := c.rooms[roomID]
	if !ok {
		st = &roomState{phase: PhaseIdle}
		c.rooms[roomID] = st
	}
	return st
}
