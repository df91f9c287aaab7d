package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coah80/hoist/internal/assembler"
	"github.com/coah80/hoist/internal/config"
	"github.com/coah80/hoist/internal/jobs"
	"github.com/coah80/hoist/internal/status"
	"github.com/coah80/hoist/internal/uploader"
)

// API bundles the components the HTTP layer talks to. Everything is
// injected from the composition root; there is no package-level state.
type API struct {
	Uploader  *uploader.Uploader
	Assembler *assembler.Assembler
	Registry  *status.Registry
	Queue     *jobs.Queue
	Hub       *Hub
}

func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.handleHealth)
	r.Get("/api/status/{uploadId}", a.handleStatus)
	r.Get("/api/progress/{uploadId}", a.handleProgress)

	r.Post("/api/upload/init", a.handleUploadInit)
	r.Post("/api/upload/part/{uploadId}/{partNumber}", a.handleUploadPart)
	r.Post("/api/upload/complete/{uploadId}", a.handleUploadComplete)
	r.Post("/api/upload/cancel/{uploadId}", a.handleUploadCancel)

	r.Post("/api/chunked/init", a.handleChunkedInit)
	r.Post("/api/chunked/chunk/{uploadId}/{chunkIndex}", a.handleChunk)
	r.Post("/api/chunked/complete/{uploadId}", a.handleChunkedComplete)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, 200, map[string]interface{}{
		"status":  "ok",
		"version": config.Version,
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	record, ok := a.Registry.Get(uploadID)
	if !ok {
		respondError(w, 404, "Upload not found or expired")
		return
	}
	respondJSON(w, 200, record)
}

// handleProgress streams the upload's status records over SSE. The
// current snapshot is replayed first so late subscribers catch up.
func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", 500)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := a.Hub.Subscribe(uploadID)
	defer a.Hub.Unsubscribe(uploadID, ch)

	if record, ok := a.Registry.Get(uploadID); ok {
		if data, err := json.Marshal(record); err == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case data := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
