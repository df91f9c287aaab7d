package routes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coah80/hoist/internal/config"
	"github.com/coah80/hoist/internal/jobs"
	"github.com/coah80/hoist/internal/status"
	"github.com/coah80/hoist/internal/util"
)

// The legacy chunked path: clients slice the file themselves, POST each
// slice, and the server reassembles and forwards the result into object
// storage. Chunk bookkeeping (name, expected count) lives in the status
// registry record, so the whole flow shares one source of truth.

func (a *API) handleChunkedInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileName    string      `json:"fileName"`
		FileSize    json.Number `json:"fileSize"`
		TotalChunks int         `json:"totalChunks"`
		RecordID    string      `json:"recordId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, 400, "Invalid request body")
		return
	}

	if v := util.ValidateUploadName(body.FileName); !v.Valid {
		respondError(w, 400, v.Error)
		return
	}
	fileSize, err := body.FileSize.Int64()
	if err != nil || fileSize <= 0 {
		respondError(w, 400, "fileSize must be a positive number")
		return
	}
	if fileSize > config.FileSizeLimit {
		respondError(w, 400, fmt.Sprintf("File too large. Maximum size is %dGB", config.FileSizeLimit/(1024*1024*1024)))
		return
	}
	if body.TotalChunks < 1 || body.TotalChunks > config.MaxChunks {
		respondError(w, 400, fmt.Sprintf("totalChunks must be between 1 and %d", config.MaxChunks))
		return
	}

	if ds, err := util.GetDiskSpace(config.TempDir); err == nil && ds.Low() {
		respondError(w, 507, "Server is low on disk space, try again later")
		return
	}

	uploadID := uuid.New().String()
	a.Registry.Init(uploadID, status.Record{
		"status":      status.StatusReceiving,
		"stage":       "waiting for chunks",
		"fileName":    body.FileName,
		"totalChunks": body.TotalChunks,
		"recordId":    body.RecordID,
	})

	log.Printf("[Chunk] [%s] Initialized (%.1fMB, %d chunks)", util.ShortID(uploadID),
		float64(fileSize)/(1024*1024), body.TotalChunks)
	respondJSON(w, 200, map[string]string{"uploadId": uploadID})
}

func (a *API) handleChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	index, err := strconv.Atoi(chi.URLParam(r, "chunkIndex"))
	if err != nil {
		respondError(w, 400, "Invalid chunk index")
		return
	}

	record, found := a.Registry.Get(uploadID)
	if !found {
		respondError(w, 404, "Upload not found or expired")
		return
	}
	totalChunks, _ := record["totalChunks"].(int)
	if totalChunks < 1 {
		respondError(w, 404, "Upload not found or expired")
		return
	}
	if index < 0 || index >= totalChunks {
		respondError(w, 400, "Invalid chunk index")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.ChunkSizeLimit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, 400, "Failed to parse chunk")
		return
	}
	chunkFile, _, err := r.FormFile("chunk")
	if err != nil {
		respondError(w, 400, "No chunk data")
		return
	}
	defer chunkFile.Close()

	if err := a.Assembler.SaveChunk(uploadID, index, totalChunks, chunkFile); err != nil {
		respondError(w, 500, "Failed to save chunk. Disk may be full.")
		return
	}

	respondJSON(w, 200, map[string]interface{}{
		"index": index,
		"total": totalChunks,
	})
}

func (a *API) handleChunkedComplete(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")

	record, found := a.Registry.Get(uploadID)
	if !found {
		respondError(w, 404, "Upload not found or expired")
		return
	}
	fileName, _ := record["fileName"].(string)
	totalChunks, _ := record["totalChunks"].(int)
	recordID, _ := record["recordId"].(string)
	if fileName == "" || totalChunks < 1 {
		respondError(w, 404, "Upload not found or expired")
		return
	}

	if err := a.Assembler.ValidateChunks(uploadID, totalChunks); err != nil {
		a.Assembler.CleanupChunks(uploadID)
		a.Registry.Fail(uploadID, "Missing chunks, upload must be restarted")
		respondError(w, 400, err.Error())
		return
	}

	go a.forwardAssembled(uploadID, fileName, totalChunks, recordID)

	respondJSON(w, 200, map[string]interface{}{
		"success":   true,
		"statusUrl": "/api/progress/" + uploadID,
	})
}

// forwardAssembled runs the second half of the legacy pipeline off the
// request path: reassemble, stream the result into object storage as
// parts, finalize, and queue thumbnail derivation.
func (a *API) forwardAssembled(uploadID, fileName string, totalChunks int, recordID string) {
	ctx := context.Background()

	assembledPath, err := a.Assembler.AssembleChunks(uploadID, totalChunks, fileName)
	if err != nil {
		a.Registry.Fail(uploadID, "Failed to assemble chunks")
		return
	}

	info, err := os.Stat(assembledPath)
	if err != nil {
		a.Registry.Fail(uploadID, "Assembled file vanished")
		return
	}

	if _, err := a.Uploader.Initialize(ctx, uploadID, fileName, util.ContentTypeForName(fileName), ""); err != nil {
		os.Remove(assembledPath)
		util.CleanupUploadFiles(uploadID)
		log.Printf("[Chunk] [%s] Forwarding init failed: %v", util.ShortID(uploadID), err)
		return
	}

	f, err := os.Open(assembledPath)
	if err != nil {
		a.Uploader.Cancel(uploadID)
		os.Remove(assembledPath)
		util.CleanupUploadFiles(uploadID)
		a.Registry.Fail(uploadID, "Failed to read assembled file")
		return
	}

	totalParts := int((info.Size() + config.PartSize - 1) / config.PartSize)
	if totalParts < 1 {
		totalParts = 1
	}
	for part := 1; part <= totalParts; part++ {
		_, err := a.Uploader.StreamPart(ctx, uploadID, part, io.LimitReader(f, config.PartSize))
		if err != nil {
			f.Close()
			a.Uploader.Cancel(uploadID)
			os.Remove(assembledPath)
			util.CleanupUploadFiles(uploadID)
			log.Printf("[Chunk] [%s] Forwarding part %d failed: %v", util.ShortID(uploadID), part, err)
			return
		}
		// Chunk reception used the first half of the bar; forwarded
		// parts fill 50 through 95.
		a.Registry.Update(uploadID, status.Record{
			"progress": 50 + part*45/totalParts,
		})
	}
	f.Close()

	result, err := a.Uploader.Finalize(ctx, uploadID, totalParts, fileName)
	if err != nil {
		os.Remove(assembledPath)
		util.CleanupUploadFiles(uploadID)
		log.Printf("[Chunk] [%s] Forwarding finalize failed: %v", util.ShortID(uploadID), err)
		return
	}

	a.Queue.Enqueue(jobs.TypeThumbnail, uploadID, jobs.ThumbnailPayload{
		SourceRef:    assembledPath,
		ObjectName:   result.StoredFileName,
		ObjectURL:    result.ObjectURL,
		OriginalName: fileName,
		Size:         result.Size,
		RecordID:     recordID,
	})
}
