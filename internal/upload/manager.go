package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrSessionNotFound is returned for unknown (or already finalized) sessions.
	ErrSessionNotFound = errors.New("upload session not found")
	// ErrInvalidRequest is returned for non-positive session parameters.
	ErrInvalidRequest = errors.New("invalid upload session parameters")
	// ErrChunkOutOfRange is returned when chunkIndex is outside [0, totalChunks).
	ErrChunkOutOfRange = errors.New("chunk index out of range")
)

// MissingChunksError reports an incomplete finalize attempt. The caller can
// retry the missing chunk uploads and finalize again.
type MissingChunksError struct {
	Received int
	Expected int
}

func (e *MissingChunksError) Error() string {
	return fmt.Sprintf("missing chunks: received %d of %d", e.Received, e.Expected)
}

// Session tracks one in-progress chunked upload for a (room, user) pair.
type Session struct {
	ID          string
	RoomID      string
	UserID      string
	Dir         string
	TotalChunks int
	TotalSize   int64
	CreatedAt   time.Time

	mu         sync.Mutex
	received   map[int]struct{}
	finalizing bool
}

// FinalizeResult describes a successfully reassembled capture.
type FinalizeResult struct {
	RoomID string
	UserID string
	Path   string
	Size   int64
}

// Manager owns upload sessions and the per-(room,user) capture files.
// Storage paths are partitioned as {base}/{roomID}/{userID}, so no two
// sessions ever contend for the same location.
type Manager struct {
	baseDir string
	mu      sync.RWMutex
	sessions map[string]*Session
	logger  *zap.Logger
}

// NewManager creates an upload manager rooted at baseDir.
func NewManager(baseDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		baseDir:  baseDir,
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// BaseDir returns the root of the per-room capture tree.
func (m *Manager) BaseDir() string { return m.baseDir }

// CapturePath returns the canonical location of a participant's reassembled
// capture. Both the chunked and single-shot paths produce this file, so the
// merge stage is agnostic to which was used.
func (m *Manager) CapturePath(roomID, userID string) string {
	return filepath.Join(m.baseDir, roomID, userID, userID+".webm")
}

// InitSession allocates a session and its storage directory.
func (m *Manager) InitSession(roomID, userID string, totalSize int64, totalChunks int) (string, error) {
	if totalChunks <= 0 || totalSize <= 0 || roomID == "" || userID == "" {
		return "", ErrInvalidRequest
	}
	dir := filepath.Join(m.baseDir, roomID, userID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	s := &Session{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		UserID:      userID,
		Dir:         dir,
		TotalChunks: totalChunks,
		TotalSize:   totalSize,
		CreatedAt:   time.Now(),
		received:    make(map[int]struct{}),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("upload session created",
		zap.String("session_id", s.ID),
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
		zap.Int("total_chunks", totalChunks),
		zap.Int64("total_size", totalSize))
	return s.ID, nil
}

// Owner returns the room and user a session belongs to.
func (m *Manager) Owner(sessionID string) (roomID, userID string, err error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return "", "", ErrSessionNotFound
	}
	return s.RoomID, s.UserID, nil
}

// PutChunk writes one indexed chunk. Writing the same index twice is
// idempotent (last write wins); concurrent writes to distinct indices are
// safe because each index maps to its own file. Returns the count of
// distinct indices received so far and the declared total.
func (m *Manager) PutChunk(sessionID string, chunkIndex int, r io.Reader) (received, total int, err error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return 0, 0, ErrSessionNotFound
	}
	if chunkIndex < 0 || chunkIndex >= s.TotalChunks {
		return 0, s.TotalChunks, ErrChunkOutOfRange
	}

	path := chunkPath(s.Dir, chunkIndex)
	f, err := os.Create(path)
	if err != nil {
		return 0, s.TotalChunks, fmt.Errorf("create chunk file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return 0, s.TotalChunks, fmt.Errorf("write chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, s.TotalChunks, fmt.Errorf("close chunk file: %w", err)
	}

	s.mu.Lock()
	s.received[chunkIndex] = struct{}{}
	received = len(s.received)
	s.mu.Unlock()
	return received, s.TotalChunks, nil
}

// Finalize verifies all chunks arrived, concatenates them in strictly
// ascending index order into the canonical capture file, then removes the
// session and its chunk files. The session (and every chunk on disk) survives
// a failed reassembly, so a transient I/O error can be retried with the same
// session id; only a successful finalize consumes it.
func (m *Manager) Finalize(sessionID string) (*FinalizeResult, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	if s.finalizing {
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	got := len(s.received)
	if got != s.TotalChunks {
		s.mu.Unlock()
		return nil, &MissingChunksError{Received: got, Expected: s.TotalChunks}
	}
	s.finalizing = true
	s.mu.Unlock()

	outPath := filepath.Join(s.Dir, s.UserID+".webm")
	size, err := reassemble(outPath, s.Dir, s.TotalChunks)
	if err != nil {
		_ = os.Remove(outPath)
		s.mu.Lock()
		s.finalizing = false
		s.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	for i := 0; i < s.TotalChunks; i++ {
		_ = os.Remove(chunkPath(s.Dir, i))
	}

	m.logger.Info("upload finalized",
		zap.String("session_id", sessionID),
		zap.String("room_id", s.RoomID),
		zap.String("user_id", s.UserID),
		zap.Int64("size", size))
	return &FinalizeResult{RoomID: s.RoomID, UserID: s.UserID, Path: outPath, Size: size}, nil
}

// reassemble concatenates total chunk files into outPath and reports the
// byte count. Chunk files are left in place for the caller to clean up.
func reassemble(outPath, dir string, total int) (int64, error) {
	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("create capture file: %w", err)
	}
	var size int64
	for i := 0; i < total; i++ {
		in, err := os.Open(chunkPath(dir, i))
		if err != nil {
			out.Close()
			return 0, fmt.Errorf("open chunk %d: %w", i, err)
		}
		n, err := io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			return 0, fmt.Errorf("append chunk %d: %w", i, err)
		}
		size += n
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("close capture file: %w", err)
	}
	return size, nil
}

// PutComplete writes one already-complete capture in a single shot, at the
// same canonical location the chunked path produces.
func (m *Manager) PutComplete(roomID, userID string, r io.Reader) (*FinalizeResult, error) {
	if roomID == "" || userID == "" {
		return nil, ErrInvalidRequest
	}
	dir := filepath.Join(m.baseDir, roomID, userID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	outPath := filepath.Join(dir, userID+".webm")
	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	size, err := io.Copy(out, r)
	if err != nil {
		out.Close()
		return nil, fmt.Errorf("write capture: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("close capture file: %w", err)
	}

	m.logger.Info("complete upload stored",
		zap.String("room_id", roomID),
		zap.String("user_id", userID),
		zap.Int64("size", size))
	return &FinalizeResult{RoomID: roomID, UserID: userID, Path: outPath, Size: size}, nil
}

// ExpireOlderThan removes sessions created more than age ago and returns how
// many were dropped. Chunk files on disk are left for the next sweep of the
// upload directory; only the live session set is pruned.
func (m *Manager) ExpireOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if s.CreatedAt.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Info("expired stale upload sessions", zap.Int("count", n))
	}
	return n
}

func chunkPath(dir string, idx int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%d.webm", idx))
}
