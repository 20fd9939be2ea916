package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duetcast/backend/internal/auth"
	"github.com/duetcast/backend/internal/models"
	"github.com/duetcast/backend/internal/rooms"
	"github.com/duetcast/backend/pkg/queue"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBroadcaster) BroadcastEvent(roomID, event string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeBroadcaster) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

type fakeRecordings struct {
	mu        sync.Mutex
	createErr error
	onCreate  func() // runs mid-insert, before Create returns
	created   []*models.Recording
	completed []uuid.UUID
	failed    []uuid.UUID
}

func (f *fakeRecordings) Create(ctx context.Context, roomID string, userID uuid.UUID, title string) (*models.Recording, error) {
	f.mu.Lock()
	if f.createErr != nil {
		f.mu.Unlock()
		return nil, f.createErr
	}
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	rec := &models.Recording{ID: uuid.New(), RoomID: roomID, UserID: userID, Title: title, Status: models.RecordingStatusProcessing}
	f.mu.Lock()
	f.created = append(f.created, rec)
	f.mu.Unlock()
	return rec, nil
}

func (f *fakeRecordings) MarkCompleted(ctx context.Context, id uuid.UUID, videoURL, s3Key string, duration int, fileSize int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeRecordings) MarkFailed(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

type fakeArtifacts struct {
	uploadErr error
	uploaded  []string
}

func (f *fakeArtifacts) UploadFile(ctx context.Context, localPath, key, contentType string) (string, int64, error) {
	if f.uploadErr != nil {
		return "", 0, f.uploadErr
	}
	f.uploaded = append(f.uploaded, key)
	return "https://bucket/" + key, 1024, nil
}

func (f *fakeArtifacts) PresignedDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	return "https://signed/" + key, nil
}

func (f *fakeArtifacts) PresignExpire() time.Duration { return time.Hour }

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []queue.MergePayload
	ch   chan queue.MergePayload
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{ch: make(chan queue.MergePayload, 8)}
}

func (f *fakeEnqueuer) EnqueueMerge(ctx context.Context, p queue.MergePayload) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, p)
	f.mu.Unlock()
	f.ch <- p
	return nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeLister struct {
	participants []rooms.Participant
}

func (f *fakeLister) Snapshot(roomID string) []rooms.Participant {
	return f.participants
}

type fixture struct {
	coord      *Coordinator
	broadcasts *fakeBroadcaster
	recordings *fakeRecordings
	artifacts  *fakeArtifacts
	jobs       *fakeEnqueuer
	lister     *fakeLister
}

func newFixture(settle time.Duration, participants ...rooms.Participant) *fixture {
	f := &fixture{
		broadcasts: &fakeBroadcaster{},
		recordings: &fakeRecordings{},
		artifacts:  &fakeArtifacts{},
		jobs:       newFakeEnqueuer(),
		lister:     &fakeLister{participants: participants},
	}
	f.coord = New(
		Config{StartLead: 3 * time.Second, SettleWindow: settle},
		f.broadcasts, f.recordings, f.artifacts, f.jobs, f.lister, nil,
	)
	return f
}

var (
	host  = auth.Identity{ID: uuid.New().String(), Username: "host"}
	guest = auth.Identity{ID: "guest-abc123", Username: "Guest", IsGuest: true}
)

func waitForJob(t *testing.T, f *fakeEnqueuer) queue.MergePayload {
	t.Helper()
	select {
	case p := <-f.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no merge job enqueued")
		return queue.MergePayload{}
	}
}

func TestGuestCannotStartOrStop(t *testing.T) {
	f := newFixture(time.Second)

	_, err := f.coord.Start(context.Background(), "room1", guest)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, PhaseIdle, f.coord.Phase("room1"))

	_, err = f.coord.Stop(context.Background(), "room1", guest)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, PhaseIdle, f.coord.Phase("room1"))
	assert.Empty(t, f.broadcasts.sent())
	assert.Empty(t, f.recordings.created)
}

func TestStartBroadcastsFutureStartTime(t *testing.T) {
	f := newFixture(time.Second)

	before := time.Now()
	startAt, err := f.coord.Start(context.Background(), "room1", host)
	require.NoError(t, err)
	assert.True(t, startAt.After(before.Add(2*time.Second)), "start time should carry the lead")
	assert.Equal(t, PhaseRecording, f.coord.Phase("room1"))
	assert.Equal(t, []string{"recording-start-sync"}, f.broadcasts.sent())
}

func TestStartRejectedWhileBusy(t *testing.T) {
	f := newFixture(time.Minute, rooms.Participant{SocketID: "s1", UserID: host.ID})

	_, err := f.coord.Start(context.Background(), "room1", host)
	require.NoError(t, err)

	_, err = f.coord.Start(context.Background(), "room1", host)
	assert.ErrorIs(t, err, ErrRecordingActive)

	// Still busy through settling and processing.
	_, err = f.coord.Stop(context.Background(), "room1", host)
	require.NoError(t, err)
	_, err = f.coord.Start(context.Background(), "room1", host)
	assert.ErrorIs(t, err, ErrRecordingActive)
}

func TestStopWithoutRecording(t *testing.T) {
	f := newFixture(time.Second)

	_, err := f.coord.Stop(context.Background(), "room1", host)
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.Empty(t, f.recordings.created)
}

func TestOverlappingStopsProduceOneJob(t *testing.T) {
	f := newFixture(50*time.Millisecond, rooms.Participant{SocketID: "s1", UserID: host.ID})

	_, err := f.coord.Start(context.Background(), "room1", host)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.Stop(context.Background(), "room1", host)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrNotRecording)
		}
	}
	assert.Equal(t, 1, accepted)
	require.Len(t, f.recordings.created, 1)

	job := waitForJob(t, f.jobs)
	assert.Equal(t, "room1", job.RoomID)
	assert.Equal(t, f.recordings.created[0].ID, job.RecordingID)
	assert.Equal(t, 1, f.jobs.count())
}

func TestSettleAdvancesEarlyWhenAllFinalized(t *testing.T) {
	f := newFixture(time.Minute,
		rooms.Participant{SocketID: "s1", UserID: host.ID},
		rooms.Participant{SocketID: "s2", UserID: "guest-xyz", IsGuest: true},
	)

	_, err := f.coord.Start(context.Background(), "room1", host)
	require.NoError(t, err)
	rec, err := f.coord.Stop(context.Background(), "room1", host)
	require.NoError(t, err)
	assert.Equal(t, PhaseSettling, f.coord.Phase("room1"))

	f.coord.NotifyFinalized("room1", host.ID)
	assert.Equal(t, PhaseSettling, f.coord.Phase("room1"))

	f.coord.NotifyFinalized("room1", "guest-xyz")
	job := waitForJob(t, f.jobs)
	assert.Equal(t, rec.ID, job.RecordingID)
	assert.Equal(t, PhaseProcessing, f.coord.Phase("room1"))
}

func TestSettleTimerFiresWithoutFinalizes(t *testing.T) {
	f := newFixture(30*time.Millisecond,
		rooms.Participant{SocketID: "s1", UserID: host.ID},
		rooms.Participant{SocketID: "s2", UserID: "guest-xyz", IsGuest: true},
	)

	_, err := f.coord.Start(context.Background(), "room1", host)
	require.NoError(t, err)
	_, err = f.coord.Stop(context.Background(), "room1", host)
	require.NoError(t, err)

	waitForJob(t, f.jobs)
	assert.Equal(t, PhaseProcessing, f.coord.Phase("room1"))
	assert.Equal(t, 1, f.jobs.count())
}

func TestFinalizeDuringStopInstallCountsAndKeepsRecordingID(t *testing.T) {
	f := newFixture(time.Minute, rooms.Participant{SocketID: "s1", UserID: host.ID})
	// The only expected upload finalizes while the recording row is still
	// being inserted, before the settle state is armed.
	f.recordings.onCreate = func() {
		f.coord.NotifyFinalized("room1", host.ID)
	}

	_, err := f.coord.Start(context.Background(), "room1", host)
	require.NoError(t, err)
	rec, err := f.coord.Stop(context.Background(), "room1", host)
	require.NoError(t, err)

	// The ack still counts: processing begins without waiting out the
	// settle window, and the job carries the created row's id.
	job := waitForJob(t, f.jobs)
	assert.NotEqual(t, uuid.Nil, job.RecordingID)
	assert.Equal(t, rec.ID, job.RecordingID)
	assert.Equal(t, PhaseProcessing, f.coord.Phase("room1"))
	assert.Equal(t, 1, f.jobs.count())
}

func TestLateFinalizeAfterProcessingIsIgnored(t *testing.T) {
	f := newFixture(30*time.Millisecond, rooms.Participant{SocketID: "s1", UserID: host.ID})

	_, err := f.coord.Start(context.Background(), "room1", host)
	require.NoError(t, err)
	_, err = f.coord.Stop(context.Background(), "room1", host)
	require.NoError(t, err)
	waitForJob(t, f.jobs)

	f.coord.NotifyFinalized("room1", host.ID)
	assert.Equal(t, 1, f.jobs.count())
	assert.Equal(t, PhaseProcessing, f.coord.Phase("room1"))
}

func TestCompleteMergePublishesAndResets(t *testing.T) {
	f := newFixture(30*time.Millisecond, rooms.Participant{SocketID: "s1", UserID: host.ID})

	_, err := f.coord.Start(context.Background(), "room1", host)
	require.NoError(t, err)
	rec, err := f.coord.Stop(context.Background(), "room1", host)
	require.NoError(t, err)
	waitForJob(t, f.jobs)

	dir := t.TempDir()
	finalPath := filepath.Join(dir, "final.mp4")
	require.NoError(t, os.WriteFile(finalPath, []byte("mp4"), 0o644))

	err = f.coord.CompleteMerge(context.Background(), "room1", rec.ID, finalPath, 42)
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{rec.ID}, f.recordings.completed)
	require.Len(t, f.artifacts.uploaded, 1)
	assert.Contains(t, f.artifacts.uploaded[0], "recordings/room1/final-")
	assert.Contains(t, f.broadcasts.sent(), "video-ready")

	// Room is idle again: a new recording can start.
	assert.Equal(t, PhaseIdle, f.coord.Phase("room1"))
	_, err = f.coord.Start(context.Background(), "room1", host)
	assert.NoError(t, err)
}

func TestCompleteMergeUploadFailureMarksFailed(t *testing.T) {
	f := newFixture(30*time.Millisecond, rooms.Participant{SocketID: "s1", UserID: host.ID})
	f.artifacts.uploadErr = errors.New("connection reset")

	_, err := f.coord.Start(context.Background(), "room1", host)
	require.NoError(t, err)
	rec, err := f.coord.Stop(context.Background(), "room1", host)
	require.NoError(t, err)
	waitForJob(t, f.jobs)

	err = f.coord.CompleteMerge(context.Background(), "room1", rec.ID, "/nonexistent/final.mp4", 42)
	require.Error(t, err)

	assert.Equal(t, []uuid.UUID{rec.ID}, f.recordings.failed)
	assert.Empty(t, f.recordings.completed)
	assert.Contains(t, f.broadcasts.sent(), "video-error")
	assert.Equal(t, PhaseIdle, f.coord.Phase("room1"))
}

func TestFailMergeResetsRoom(t *testing.T) {
	f := newFixture(30*time.Millisecond, rooms.Participant{SocketID: "s1", UserID: host.ID})

	_, err := f.coord.Start(context.Background(), "room1", host)
	require.NoError(t, err)
	rec, err := f.coord.Stop(context.Background(), "room1", host)
	require.NoError(t, err)
	waitForJob(t, f.jobs)

	f.coord.FailMerge(context.Background(), "room1", rec.ID, errors.New("no valid captures"))

	assert.Equal(t, []uuid.UUID{rec.ID}, f.recordings.failed)
	assert.Contains(t, f.broadcasts.sent(), "video-error")
	assert.Equal(t, PhaseIdle, f.coord.Phase("room1"))
}

func TestStopRevertsOnCreateFailure(t *testing.T) {
	f := newFixture(time.Minute, rooms.Participant{SocketID: "s1", UserID: host.ID})
	f.recordings.createErr = errors.New("db down")

	_, err := f.coord.Start(context.Background(), "room1", host)
	require.NoError(t, err)

	_, err = f.coord.Stop(context.Background(), "room1", host)
	require.Error(t, err)

	// The room is still recording: a corrected stop succeeds later.
	assert.Equal(t, PhaseRecording, f.coord.Phase("room1"))
	f.recordings.mu.Lock()
	f.recordings.createErr = nil
	f.recordings.mu.Unlock()
	_, err = f.coord.Stop(context.Background(), "room1", host)
	assert.NoError(t, err)
}
