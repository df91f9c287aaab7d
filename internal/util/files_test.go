package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coah80/hoist/internal/config"
)

func TestCleanupUploadFilesRemovesOnlyMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	orig := config.TempDirs
	config.TempDirs = map[string]string{"chunks": dir}
	t.Cleanup(func() { config.TempDirs = orig })

	keep := filepath.Join(dir, "chunk-other-00000")
	gone := []string{
		filepath.Join(dir, "chunk-u123-00000"),
		filepath.Join(dir, "chunk-u123-00001"),
		filepath.Join(dir, "assembled-u123-video.mp4"),
	}
	for _, p := range append([]string{keep}, gone...) {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}

	CleanupUploadFiles("u123")

	for _, p := range gone {
		assert.NoFileExists(t, p)
	}
	assert.FileExists(t, keep)
}
