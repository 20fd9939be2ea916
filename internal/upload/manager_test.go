package upload

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), nil)
}

func TestInitSessionRejectsBadParameters(t *testing.T) {
	m := newTestManager(t)

	_, err := m.InitSession("room", "user", 0, 4)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = m.InitSession("room", "user", 100, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = m.InitSession("room", "user", 100, -1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPutChunkUnknownSession(t *testing.T) {
	m := newTestManager(t)

	_, _, err := m.PutChunk("nope", 0, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPutChunkOutOfRange(t *testing.T) {
	m := newTestManager(t)
	id, err := m.InitSession("room", "user", 10, 3)
	require.NoError(t, err)

	_, _, err = m.PutChunk(id, 3, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)

	_, _, err = m.PutChunk(id, -1, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestFinalizeOutOfOrderMatchesAscendingOrder(t *testing.T) {
	chunks := make([][]byte, 8)
	var want bytes.Buffer
	for i := range chunks {
		chunks[i] = []byte(fmt.Sprintf("chunk-%d-payload|", i))
		want.Write(chunks[i])
	}

	// Upload in ascending order.
	ma := newTestManager(t)
	ida, err := ma.InitSession("room", "alice", int64(want.Len()), len(chunks))
	require.NoError(t, err)
	for i, c := range chunks {
		_, _, err := ma.PutChunk(ida, i, bytes.NewReader(c))
		require.NoError(t, err)
	}
	resA, err := ma.Finalize(ida)
	require.NoError(t, err)

	// Upload shuffled, with duplicate deliveries sprinkled in.
	mb := newTestManager(t)
	idb, err := mb.InitSession("room", "alice", int64(want.Len()), len(chunks))
	require.NoError(t, err)
	order := rand.Perm(len(chunks))
	for _, i := range order {
		_, _, err := mb.PutChunk(idb, i, bytes.NewReader(chunks[i]))
		require.NoError(t, err)
		if i%3 == 0 {
			// Duplicate delivery: last write wins, no double counting.
			_, _, err := mb.PutChunk(idb, i, bytes.NewReader(chunks[i]))
			require.NoError(t, err)
		}
	}
	resB, err := mb.Finalize(idb)
	require.NoError(t, err)

	gotA, err := os.ReadFile(resA.Path)
	require.NoError(t, err)
	gotB, err := os.ReadFile(resB.Path)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), gotA)
	assert.Equal(t, gotA, gotB)
	assert.Equal(t, int64(want.Len()), resB.Size)
}

func TestFinalizeMissingChunks(t *testing.T) {
	m := newTestManager(t)
	id, err := m.InitSession("room", "bob", 100, 4)
	require.NoError(t, err)

	for _, i := range []int{0, 1, 3} {
		_, _, err := m.PutChunk(id, i, bytes.NewReader([]byte("x")))
		require.NoError(t, err)
	}

	_, err = m.Finalize(id)
	var missing *MissingChunksError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, 3, missing.Received)
	assert.Equal(t, 4, missing.Expected)

	// No partial output file was produced.
	_, statErr := os.Stat(m.CapturePath("room", "bob"))
	assert.True(t, os.IsNotExist(statErr))

	// The session survives a failed finalize; the missing chunk can land.
	_, _, err = m.PutChunk(id, 2, bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	_, err = m.Finalize(id)
	require.NoError(t, err)
}

func TestFinalizeRetryAfterReassemblyFailure(t *testing.T) {
	m := newTestManager(t)
	id, err := m.InitSession("room", "bob", 3, 3)
	require.NoError(t, err)
	for i, c := range []string{"a", "b", "c"} {
		_, _, err := m.PutChunk(id, i, bytes.NewReader([]byte(c)))
		require.NoError(t, err)
	}

	// A chunk file vanishes between upload and finalize (disk trouble).
	dir := filepath.Dir(m.CapturePath("room", "bob"))
	require.NoError(t, os.Remove(filepath.Join(dir, "chunk_1.webm")))

	_, err = m.Finalize(id)
	require.Error(t, err)
	var missing *MissingChunksError
	assert.False(t, errors.As(err, &missing))

	// No partial capture, and the session is still alive: re-uploading the
	// lost chunk and finalizing again must succeed.
	_, statErr := os.Stat(m.CapturePath("room", "bob"))
	assert.True(t, os.IsNotExist(statErr))

	_, _, err = m.PutChunk(id, 1, bytes.NewReader([]byte("b")))
	require.NoError(t, err)
	res, err := m.Finalize(id)
	require.NoError(t, err)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestFinalizeTwiceReturnsSessionNotFound(t *testing.T) {
	m := newTestManager(t)
	id, err := m.InitSession("room", "bob", 10, 2)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, _, err := m.PutChunk(id, i, bytes.NewReader([]byte("ab")))
		require.NoError(t, err)
	}

	res, err := m.Finalize(id)
	require.NoError(t, err)

	// Chunk files are deleted after reassembly.
	entries, err := os.ReadDir(filepath.Dir(res.Path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob.webm", entries[0].Name())

	_, err = m.Finalize(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentChunkWrites(t *testing.T) {
	m := newTestManager(t)
	const n = 32
	id, err := m.InitSession("room", "carol", int64(n), n)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := m.PutChunk(id, i, bytes.NewReader([]byte{byte(i)}))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	res, err := m.Finalize(id)
	require.NoError(t, err)
	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, byte(i), got[i])
	}
}

func TestPutCompleteUsesCanonicalPath(t *testing.T) {
	m := newTestManager(t)
	payload := []byte("one-shot capture bytes")

	res, err := m.PutComplete("room", "dave", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, m.CapturePath("room", "dave"), res.Path)
	assert.Equal(t, int64(len(payload)), res.Size)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestExpireOlderThan(t *testing.T) {
	m := newTestManager(t)
	id, err := m.InitSession("room", "eve", 10, 1)
	require.NoError(t, err)

	assert.Equal(t, 0, m.ExpireOlderThan(time.Minute))

	// Backdate the session and sweep again.
	m.mu.Lock()
	m.sessions[id].CreatedAt = m.sessions[id].CreatedAt.Add(-2 * time.Hour)
	m.mu.Unlock()

	assert.Equal(t, 1, m.ExpireOlderThan(time.Hour))
	_, _, err = m.PutChunk(id, 0, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
