package jobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/coah80/hoist/internal/config"
	"github.com/coah80/hoist/internal/metadata"
	"github.com/coah80/hoist/internal/status"
	"github.com/coah80/hoist/internal/storage"
	"github.com/coah80/hoist/internal/thumbs"
	"github.com/coah80/hoist/internal/util"
)

const TypeThumbnail = "thumbnail"

type ThumbnailPayload struct {
	SourceRef    string
	ObjectName   string
	ObjectURL    string
	OriginalName string
	Size         int64
	RecordID     string
}

// ThumbnailHandler derives a poster frame from the uploaded video,
// stores it next to the object, and marks the upload complete. The
// metadata update afterwards is opportunistic; its failure never fails
// the job.
func ThumbnailHandler(extractor thumbs.Extractor, store storage.Client, registry *status.Registry, meta metadata.Store) Handler {
	return func(ctx context.Context, job *Job) error {
		payload, ok := job.Payload.(ThumbnailPayload)
		if !ok {
			return fmt.Errorf("thumbnail job %s has payload of type %T", job.ID, job.Payload)
		}

		framePath, err := extractor.ExtractFrame(ctx, payload.SourceRef, config.ThumbnailSeek)
		if err != nil {
			return fmt.Errorf("extract frame: %w", err)
		}
		defer os.Remove(framePath)

		frame, err := os.ReadFile(framePath)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		thumbName := thumbObjectName(payload.ObjectName)
		if _, err := store.Put(ctx, thumbName, "image/jpeg", frame); err != nil {
			return fmt.Errorf("store thumbnail: %w", err)
		}
		thumbURL := store.ObjectURL(thumbName)

		registry.Complete(job.UploadID, status.Record{
			"stage":        "ready",
			"objectUrl":    payload.ObjectURL,
			"thumbnailUrl": thumbURL,
			"fileName":     payload.ObjectName,
			"originalName": payload.OriginalName,
			"size":         payload.Size,
		})

		// Legacy-path sources are assembled temp files; reclaim them
		// once the derivative exists.
		if strings.HasPrefix(payload.SourceRef, config.TempDir) {
			os.Remove(payload.SourceRef)
		}

		if payload.RecordID != "" {
			err := meta.UpdateRecord(ctx, payload.RecordID, map[string]interface{}{
				"object_url":    payload.ObjectURL,
				"thumbnail_url": thumbURL,
				"size":          payload.Size,
				"status":        "ready",
			})
			if err != nil {
				log.Printf("[Jobs] [%s] Metadata update failed (ignored): %v", util.ShortID(job.ID), err)
			}
		}
		return nil
	}
}

func thumbObjectName(objectName string) string {
	base := objectName
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base + "-thumb.jpg"
}
