package thumbs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/coah80/hoist/internal/config"
)

// Extractor pulls a single frame out of a video source. sourceRef may
// be a local path or a URL ffmpeg can read directly.
type Extractor interface {
	ExtractFrame(ctx context.Context, sourceRef string, seekSeconds float64) (string, error)
}

type FFmpegExtractor struct {
	OutDir string
}

func NewFFmpegExtractor() *FFmpegExtractor {
	return &FFmpegExtractor{OutDir: config.TempDirs["thumbs"]}
}

func (e *FFmpegExtractor) ExtractFrame(ctx context.Context, sourceRef string, seekSeconds float64) (string, error) {
	outPath := filepath.Join(e.OutDir, "thumb-"+uuid.New().String()+".jpg")

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-ss", fmt.Sprintf("%g", seekSeconds),
		"-i", sourceRef,
		"-frames:v", "1",
		"-q:v", "2",
		"-vf", "scale=640:-2",
		"-y",
		outPath,
	)
	stderr, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(stderr)
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		return "", fmt.Errorf("ffmpeg frame extraction failed: %s", tail)
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outPath)
		return "", fmt.Errorf("ffmpeg produced no frame output")
	}
	return outPath, nil
}
