package assembler

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/coah80/hoist/internal/status"
	"github.com/coah80/hoist/internal/util"
)

var ErrMissingChunk = errors.New("missing chunk")

// Assembler persists independently-POSTed chunks to a temp directory
// and concatenates them in index order once all are present. Chunks are
// the legacy path's client-delimited slices; unlike parts they are
// never verified by the storage backend.
type Assembler struct {
	dir      string
	registry *status.Registry
}

func New(dir string, registry *status.Registry) *Assembler {
	return &Assembler{dir: dir, registry: registry}
}

func (a *Assembler) chunkPath(uploadID string, index int) string {
	return filepath.Join(a.dir, fmt.Sprintf("chunk-%s-%05d", uploadID, index))
}

// SaveChunk streams one chunk straight to disk. A duplicate index
// overwrites the earlier file; last write wins. Chunk reception covers
// the first half of the progress range, processing the second.
func (a *Assembler) SaveChunk(uploadID string, index, totalChunks int, body io.Reader) error {
	if index < 0 || index >= totalChunks {
		return fmt.Errorf("chunk index %d out of range [0, %d)", index, totalChunks)
	}

	path := a.chunkPath(uploadID, index)
	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	if _, err := io.Copy(dst, body); err != nil {
		dst.Close()
		os.Remove(path)
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close chunk %d: %w", index, err)
	}

	progress := (index + 1) * 50 / totalChunks
	a.registry.Update(uploadID, status.Record{
		"status":   status.StatusReceiving,
		"progress": progress,
		"stage":    fmt.Sprintf("received chunk %d of %d", index+1, totalChunks),
	})
	return nil
}

// AssembleChunks concatenates chunks 0..totalChunks-1 into one file,
// deleting each source chunk right after it is appended so peak disk
// usage stays near one file's worth. Any mid-assembly failure removes
// the partial output and every remaining chunk before returning.
func (a *Assembler) AssembleChunks(uploadID string, totalChunks int, originalName string) (string, error) {
	if err := a.ValidateChunks(uploadID, totalChunks); err != nil {
		a.CleanupChunks(uploadID)
		return "", err
	}

	outPath := filepath.Join(a.dir, "assembled-"+uploadID+"-"+util.SanitizeFilename(originalName))
	out, err := os.Create(outPath)
	if err != nil {
		a.CleanupChunks(uploadID)
		return "", fmt.Errorf("create output file: %w", err)
	}

	fail := func(cause error) (string, error) {
		out.Close()
		os.Remove(outPath)
		a.CleanupChunks(uploadID)
		return "", cause
	}

	for i := 0; i < totalChunks; i++ {
		path := a.chunkPath(uploadID, i)
		chunk, err := os.Open(path)
		if err != nil {
			return fail(fmt.Errorf("open chunk %d: %w", i, err))
		}
		_, err = io.Copy(out, chunk)
		chunk.Close()
		if err != nil {
			return fail(fmt.Errorf("append chunk %d: %w", i, err))
		}
		os.Remove(path)
	}

	if err := out.Close(); err != nil {
		os.Remove(outPath)
		a.CleanupChunks(uploadID)
		return "", fmt.Errorf("close output file: %w", err)
	}

	a.registry.Update(uploadID, status.Record{
		"status":   status.StatusProcessing,
		"progress": 50,
		"stage":    "chunks assembled",
	})

	log.Printf("[Chunk] [%s] Assembled %d chunks", util.ShortID(uploadID), totalChunks)
	return outPath, nil
}

// ValidateChunks is the pre-flight existence check: every index in
// [0, totalChunks) must have a chunk file on disk. A missing chunk is
// fatal, not retried; the client must redo the whole sequence.
func (a *Assembler) ValidateChunks(uploadID string, totalChunks int) error {
	for i := 0; i < totalChunks; i++ {
		if _, err := os.Stat(a.chunkPath(uploadID, i)); err != nil {
			return fmt.Errorf("%w: chunk %d of %d", ErrMissingChunk, i, totalChunks)
		}
	}
	return nil
}

// CleanupChunks removes every chunk file for an upload. Safe to call
// repeatedly and from failure paths.
func (a *Assembler) CleanupChunks(uploadID string) {
	prefix := "chunk-" + uploadID + "-"
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			os.Remove(filepath.Join(a.dir, e.Name()))
		}
	}
}
