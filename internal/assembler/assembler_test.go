package assembler

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coah80/hoist/internal/status"
)

func newTestAssembler(t *testing.T) (*Assembler, string, *status.Registry) {
	t.Helper()
	dir := t.TempDir()
	registry := status.NewRegistry(nil)
	return New(dir, registry), dir, registry
}

func chunkFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "chunk-") {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestRoundTripOutOfOrder(t *testing.T) {
	a, dir, _ := newTestAssembler(t)

	chunks := [][]byte{
		[]byte("the quick "),
		[]byte("brown fox "),
		[]byte("jumps over the lazy dog"),
	}
	// Deliver out of order; assembly sorts by index.
	for _, i := range []int{2, 0, 1} {
		require.NoError(t, a.SaveChunk("u1", i, 3, bytes.NewReader(chunks[i])))
	}

	outPath, err := a.AssembleChunks("u1", 3, "pangram.txt")
	require.NoError(t, err)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	want := bytes.Join(chunks, nil)
	assert.Equal(t, want, got, "output is byte-identical to the concatenation")
	assert.Len(t, got, len(chunks[0])+len(chunks[1])+len(chunks[2]))

	assert.Empty(t, chunkFiles(t, dir), "all chunk files removed after assembly")
}

func TestDuplicateChunkLastWriteWins(t *testing.T) {
	a, _, _ := newTestAssembler(t)

	require.NoError(t, a.SaveChunk("u1", 0, 1, strings.NewReader("first")))
	require.NoError(t, a.SaveChunk("u1", 0, 1, strings.NewReader("second")))

	outPath, err := a.AssembleChunks("u1", 1, "v.bin")
	require.NoError(t, err)

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestMissingChunkIsFatalAndCleansUp(t *testing.T) {
	a, dir, _ := newTestAssembler(t)

	require.NoError(t, a.SaveChunk("u1", 0, 3, strings.NewReader("aaa")))
	require.NoError(t, a.SaveChunk("u1", 2, 3, strings.NewReader("ccc")))

	_, err := a.AssembleChunks("u1", 3, "broken.bin")
	require.ErrorIs(t, err, ErrMissingChunk)

	assert.Empty(t, chunkFiles(t, dir), "no leftover chunk files")

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "assembled-"), "no partial output file")
	}
}

func TestSaveChunkRejectsOutOfRangeIndex(t *testing.T) {
	a, _, _ := newTestAssembler(t)

	assert.Error(t, a.SaveChunk("u1", -1, 3, strings.NewReader("x")))
	assert.Error(t, a.SaveChunk("u1", 3, 3, strings.NewReader("x")))
}

func TestSaveChunkUpdatesProgress(t *testing.T) {
	a, _, registry := newTestAssembler(t)

	require.NoError(t, a.SaveChunk("u1", 1, 4, strings.NewReader("data")))

	record, ok := registry.Get("u1")
	require.True(t, ok)
	assert.Equal(t, status.StatusReceiving, record["status"])
	assert.Equal(t, 25, record["progress"], "chunk reception covers the first half of the range")
}

func TestCleanupChunksIsIdempotent(t *testing.T) {
	a, dir, _ := newTestAssembler(t)

	require.NoError(t, a.SaveChunk("u1", 0, 2, strings.NewReader("x")))
	require.NoError(t, a.SaveChunk("u2", 0, 2, strings.NewReader("y")))

	a.CleanupChunks("u1")
	a.CleanupChunks("u1")

	names := chunkFiles(t, dir)
	require.Len(t, names, 1, "other uploads' chunks are untouched")
	assert.Contains(t, names[0], "u2")

	_, err := os.Stat(filepath.Join(dir, names[0]))
	assert.NoError(t, err)
}

func TestValidateChunksPassesWhenAllPresent(t *testing.T) {
	a, _, _ := newTestAssembler(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.SaveChunk("u1", i, 3, strings.NewReader("x")))
	}
	assert.NoError(t, a.ValidateChunks("u1", 3))
}
