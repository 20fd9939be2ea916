package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

var (
	// ErrNoValidCaptures is returned when a room has no non-empty capture.
	ErrNoValidCaptures = errors.New("no valid captures to merge")
	// ErrUnsupportedParticipantCount is returned for rooms with more than
	// two captures; the composition grid only handles one or two.
	ErrUnsupportedParticipantCount = errors.New("unsupported participant count")
)

// StageError wraps a failure with the pipeline stage it occurred in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result describes a finished merge.
type Result struct {
	// FinalPath is the composite MP4 ready for publishing.
	FinalPath string
	// DurationSeconds is the composite duration, rounded to whole seconds.
	DurationSeconds int
	// Participants is how many captures contributed.
	Participants int
}

// Config locates the external tools.
type Config struct {
	FFmpegPath  string
	FFprobePath string
}

// Pipeline turns a room's per-participant WebM captures into one MP4:
// normalize each capture, compose them side by side, leave the artifact
// ready for publishing. All external work goes through the Runner.
type Pipeline struct {
	cfg    Config
	runner Runner
	logger *zap.Logger
}

// New creates a pipeline. A nil runner gets the os/exec implementation.
func New(cfg Config, runner Runner, logger *zap.Logger) *Pipeline {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, runner: runner, logger: logger}
}

// Run merges the captures under roomDir ({uploads}/{roomID}). Each
// participant's capture lives at {roomDir}/{userID}/{userID}.webm. Working
// files go to {roomDir}/merged and are kept on failure for inspection.
func (p *Pipeline) Run(ctx context.Context, roomDir string) (*Result, error) {
	captures, err := findCaptures(roomDir)
	if err != nil {
		return nil, &StageError{Stage: "normalize", Err: err}
	}
	if len(captures) == 0 {
		return nil, ErrNoValidCaptures
	}
	if len(captures) > 2 {
		return nil, fmt.Errorf("%w: %d captures", ErrUnsupportedParticipantCount, len(captures))
	}

	mergedDir := filepath.Join(roomDir, "merged")
	if err := os.MkdirAll(mergedDir, 0o750); err != nil {
		return nil, &StageError{Stage: "normalize", Err: fmt.Errorf("create merged dir: %w", err)}
	}

	// Stage A: re-encode every capture to a uniform H.264/AAC MP4 so the
	// composition inputs agree on codec, frame rate and sample rate.
	normalized := make([]string, 0, len(captures))
	for _, c := range captures {
		out := filepath.Join(mergedDir, c.userID+".mp4")
		if err := p.normalize(ctx, c.path, out); err != nil {
			return nil, &StageError{Stage: "normalize", Err: fmt.Errorf("capture %s: %w", c.userID, err)}
		}
		normalized = append(normalized, out)
	}

	durations := make([]float64, len(normalized))
	for i, path := range normalized {
		d, err := p.probeDuration(ctx, path)
		if err != nil {
			return nil, &StageError{Stage: "compose", Err: fmt.Errorf("probe %s: %w", filepath.Base(path), err)}
		}
		durations[i] = d
	}
	maxDuration := durations[0]
	for _, d := range durations[1:] {
		if d > maxDuration {
			maxDuration = d
		}
	}

	// Stage B: single capture passes through; two get composed side by side.
	finalPath := normalized[0]
	if len(normalized) == 2 {
		finalPath = filepath.Join(mergedDir, "final.mp4")
		if err := p.compose(ctx, normalized[0], normalized[1], finalPath, maxDuration); err != nil {
			return nil, &StageError{Stage: "compose", Err: err}
		}
	}

	res := &Result{
		FinalPath:       finalPath,
		DurationSeconds: int(maxDuration + 0.5),
		Participants:    len(captures),
	}
	p.logger.Info("merge finished",
		zap.String("room_dir", roomDir),
		zap.String("final", res.FinalPath),
		zap.Int("participants", res.Participants),
		zap.Int("duration_s", res.DurationSeconds))
	return res, nil
}

// Cleanup removes a room's working directory. Called only after the
// artifact has been published; failed merges keep their files.
func (p *Pipeline) Cleanup(roomDir string) {
	if err := os.RemoveAll(roomDir); err != nil {
		p.logger.Warn("cleanup failed", zap.Error(err), zap.String("room_dir", roomDir))
	}
}

type capture struct {
	userID string
	path   string
}

// findCaptures lists the non-empty {userID}/{userID}.webm files under
// roomDir, in deterministic (sorted) order so the left/right placement of a
// two-person composition is stable.
func findCaptures(roomDir string) ([]capture, error) {
	entries, err := os.ReadDir(roomDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read room dir: %w", err)
	}

	var out []capture
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "merged" {
			continue
		}
		path := filepath.Join(roomDir, e.Name(), e.Name()+".webm")
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			continue
		}
		out = append(out, capture{userID: e.Name(), path: path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].userID < out[j].userID })
	return out, nil
}

func (p *Pipeline) normalize(ctx context.Context, in, out string) error {
	args := []string{
		"-i", in,
		"-c:v", "libx264",
		"-profile:v", "high",
		"-pix_fmt", "yuv420p",
		"-r", "30",
		"-c:a", "aac",
		"-b:a", "192k",
		"-ar", "48000",
		"-ac", "2",
		"-movflags", "+faststart",
		"-y", out,
	}
	if output, err := p.runner.Run(ctx, p.cfg.FFmpegPath, args...); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(output))
	}
	return nil
}

// compose places two normalized captures side by side in a 1920x540 frame,
// merging their audio to stereo. The output is trimmed to the longer of the
// two inputs so a shorter track freezes rather than truncating the other.
func (p *Pipeline) compose(ctx context.Context, left, right, out string, duration float64) error {
	filter := strings.Join([]string{
		"[0:v]scale=960:540:force_original_aspect_ratio=decrease,pad=960:540:(ow-iw)/2:(oh-ih)/2[left]",
		"[1:v]scale=960:540:force_original_aspect_ratio=decrease,pad=960:540:(ow-iw)/2:(oh-ih)/2[right]",
		"[left][right]hstack=inputs=2[v]",
		"[0:a][1:a]amerge=inputs=2[a]",
	}, ";")
	args := []string{
		"-i", left,
		"-i", right,
		"-filter_complex", filter,
		"-map", "[v]",
		"-map", "[a]",
		"-ac", "2",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-t", fmt.Sprintf("%.2f", duration),
		"-y", out,
	}
	if output, err := p.runner.Run(ctx, p.cfg.FFmpegPath, args...); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(output))
	}
	return nil
}

// probeDuration asks ffprobe for a file's duration in seconds.
func (p *Pipeline) probeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	output, err := p.runner.Run(ctx, p.cfg.FFprobePath, args...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w: %s", err, tail(output))
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(output)), err)
	}
	return d, nil
}

// tail keeps the last part of a tool's output for error messages; ffmpeg
// puts the useful line at the end of a long banner.
func tail(output []byte) string {
	s := strings.TrimSpace(string(output))
	if len(s) > 400 {
		s = "..." + s[len(s)-400:]
	}
	return s
}
