package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/coah80/hoist/internal/config"
	"github.com/coah80/hoist/internal/jobs"
	"github.com/coah80/hoist/internal/status"
	"github.com/coah80/hoist/internal/uploader"
	"github.com/coah80/hoist/internal/util"
)

func (a *API) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileName    string `json:"fileName"`
		ContentType string `json:"contentType"`
		BucketID    string `json:"bucketId"`
		RecordID    string `json:"recordId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, 400, "Invalid request body")
		return
	}

	if ds, err := util.GetDiskSpace(config.TempDir); err == nil && ds.Low() {
		respondError(w, 507, "Server is low on disk space, try again later")
		return
	}

	uploadID := uuid.New().String()
	a.Registry.Init(uploadID, status.Record{
		"fileName": body.FileName,
		"recordId": body.RecordID,
	})

	result, err := a.Uploader.Initialize(r.Context(), uploadID, body.FileName, body.ContentType, body.BucketID)
	if err != nil {
		respondUploadError(w, err)
		return
	}

	respondJSON(w, 200, map[string]interface{}{
		"uploadId":       uploadID,
		"remoteFileId":   result.RemoteFileID,
		"storedFileName": result.StoredFileName,
	})
}

func (a *API) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	partNumber, err := strconv.Atoi(chi.URLParam(r, "partNumber"))
	if err != nil {
		respondError(w, 400, "Invalid part number")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.PartSize+1024*1024)
	result, err := a.Uploader.StreamPart(r.Context(), uploadID, partNumber, r.Body)
	if err != nil {
		respondUploadError(w, err)
		return
	}
	respondJSON(w, 200, result)
}

func (a *API) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")

	var body struct {
		TotalParts   int    `json:"totalParts"`
		OriginalName string `json:"originalName"`
		RecordID     string `json:"recordId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, 400, "Invalid request body")
		return
	}

	result, err := a.Uploader.Finalize(r.Context(), uploadID, body.TotalParts, body.OriginalName)
	if err != nil {
		respondUploadError(w, err)
		return
	}

	a.Queue.Enqueue(jobs.TypeThumbnail, uploadID, jobs.ThumbnailPayload{
		SourceRef:    result.ObjectURL,
		ObjectName:   result.StoredFileName,
		ObjectURL:    result.ObjectURL,
		OriginalName: body.OriginalName,
		Size:         result.Size,
		RecordID:     body.RecordID,
	})

	respondJSON(w, 200, map[string]interface{}{
		"objectUrl":      result.ObjectURL,
		"storedFileName": result.StoredFileName,
		"size":           result.Size,
	})
}

func (a *API) handleUploadCancel(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	if a.Uploader.Cancel(uploadID) {
		util.CleanupUploadFiles(uploadID)
		respondJSON(w, 200, map[string]interface{}{"success": true, "message": "Upload cancelled"})
	} else {
		respondJSON(w, 200, map[string]interface{}{"success": false, "message": "Upload not found or already completed"})
	}
}

func respondUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, uploader.ErrInvalidArgument):
		respondError(w, 400, err.Error())
	case errors.Is(err, uploader.ErrUnknownUpload):
		respondError(w, 404, "Upload not found or expired")
	case errors.Is(err, uploader.ErrMissingPart):
		respondError(w, 412, err.Error())
	case errors.Is(err, uploader.ErrStorageUnavailable):
		respondError(w, 503, "Storage is unavailable, try again later")
	case errors.Is(err, uploader.ErrPartUploadFailed), errors.Is(err, uploader.ErrFinalizeRejected):
		respondError(w, 502, err.Error())
	default:
		respondError(w, 500, "Upload failed")
	}
}
