package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner pretends to be ffmpeg/ffprobe: it records every invocation and
// answers probes from a canned duration table keyed by file basename.
type fakeRunner struct {
	durations map[string]float64
	failOn    string
	calls     [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	if f.failOn != "" {
		for _, a := range args {
			if strings.Contains(a, f.failOn) {
				return []byte("Conversion failed!"), errors.New("exit status 1")
			}
		}
	}
	if strings.Contains(name, "ffprobe") {
		probed := filepath.Base(args[len(args)-1])
		d, ok := f.durations[probed]
		if !ok {
			return []byte("N/A"), nil
		}
		return []byte(fmt.Sprintf("%f\n", d)), nil
	}
	return nil, nil
}

func (f *fakeRunner) ffmpegCalls() [][]string {
	var out [][]string
	for _, c := range f.calls {
		if strings.Contains(c[0], "ffmpeg") {
			out = append(out, c)
		}
	}
	return out
}

func writeCapture(t *testing.T, roomDir, userID, content string) {
	t.Helper()
	dir := filepath.Join(roomDir, userID)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, userID+".webm"), []byte(content), 0o644))
}

func newTestPipeline(r Runner) *Pipeline {
	return New(Config{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe"}, r, nil)
}

func TestRunNoCaptures(t *testing.T) {
	p := newTestPipeline(&fakeRunner{})

	_, err := p.Run(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, ErrNoValidCaptures)
}

func TestRunSkipsEmptyCaptures(t *testing.T) {
	roomDir := t.TempDir()
	writeCapture(t, roomDir, "alice", "")
	p := newTestPipeline(&fakeRunner{})

	_, err := p.Run(context.Background(), roomDir)
	assert.ErrorIs(t, err, ErrNoValidCaptures)
}

func TestRunTooManyCaptures(t *testing.T) {
	roomDir := t.TempDir()
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		writeCapture(t, roomDir, u, "webm-bytes")
	}
	p := newTestPipeline(&fakeRunner{})

	_, err := p.Run(context.Background(), roomDir)
	assert.ErrorIs(t, err, ErrUnsupportedParticipantCount)
}

func TestRunSingleCapturePassesThrough(t *testing.T) {
	roomDir := t.TempDir()
	writeCapture(t, roomDir, "alice", "webm-bytes")
	r := &fakeRunner{durations: map[string]float64{"alice.mp4": 33.6}}
	p := newTestPipeline(r)

	res, err := p.Run(context.Background(), roomDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(roomDir, "merged", "alice.mp4"), res.FinalPath)
	assert.Equal(t, 34, res.DurationSeconds)
	assert.Equal(t, 1, res.Participants)
	// One normalize, no composition.
	require.Len(t, r.ffmpegCalls(), 1)
	assert.NotContains(t, strings.Join(r.ffmpegCalls()[0], " "), "filter_complex")
}

func TestRunTwoCapturesComposed(t *testing.T) {
	roomDir := t.TempDir()
	writeCapture(t, roomDir, "alice", "webm-bytes")
	writeCapture(t, roomDir, "bob", "webm-bytes")
	r := &fakeRunner{durations: map[string]float64{
		"alice.mp4": 12.0,
		"bob.mp4":   9.4,
	}}
	p := newTestPipeline(r)

	res, err := p.Run(context.Background(), roomDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(roomDir, "merged", "final.mp4"), res.FinalPath)
	assert.Equal(t, 12, res.DurationSeconds)
	assert.Equal(t, 2, res.Participants)

	calls := r.ffmpegCalls()
	require.Len(t, calls, 3) // two normalizes + one compose

	compose := strings.Join(calls[2], " ")
	assert.Contains(t, compose, "hstack=inputs=2")
	assert.Contains(t, compose, "amerge=inputs=2")
	// Output trimmed to the longer input.
	assert.Contains(t, compose, "-t 12.00")
	// Deterministic placement: alice left, bob right.
	aliceIdx := strings.Index(compose, "alice.mp4")
	bobIdx := strings.Index(compose, "bob.mp4")
	assert.True(t, aliceIdx >= 0 && bobIdx > aliceIdx)
}

func TestRunNormalizeFailureReportsStage(t *testing.T) {
	roomDir := t.TempDir()
	writeCapture(t, roomDir, "alice", "webm-bytes")
	p := newTestPipeline(&fakeRunner{failOn: "alice.webm"})

	_, err := p.Run(context.Background(), roomDir)
	var stage *StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, "normalize", stage.Stage)
	assert.Contains(t, err.Error(), "Conversion failed!")

	// Working files survive a failed merge.
	_, statErr := os.Stat(filepath.Join(roomDir, "alice", "alice.webm"))
	assert.NoError(t, statErr)
}

func TestRunComposeFailureReportsStage(t *testing.T) {
	roomDir := t.TempDir()
	writeCapture(t, roomDir, "alice", "webm-bytes")
	writeCapture(t, roomDir, "bob", "webm-bytes")
	r := &fakeRunner{
		durations: map[string]float64{"alice.mp4": 5, "bob.mp4": 5},
		failOn:    "final.mp4",
	}
	p := newTestPipeline(r)

	_, err := p.Run(context.Background(), roomDir)
	var stage *StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, "compose", stage.Stage)
}

func TestCleanupRemovesRoomDir(t *testing.T) {
	roomDir := t.TempDir()
	writeCapture(t, roomDir, "alice", "webm-bytes")
	p := newTestPipeline(&fakeRunner{})

	p.Cleanup(roomDir)
	_, err := os.Stat(roomDir)
	assert.True(t, os.IsNotExist(err))
}
