package uploader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coah80/hoist/internal/config"
	"github.com/coah80/hoist/internal/retry"
	"github.com/coah80/hoist/internal/status"
	"github.com/coah80/hoist/internal/storage"
	"github.com/coah80/hoist/internal/util"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrPartUploadFailed   = errors.New("part upload failed")
	ErrMissingPart        = errors.New("missing part")
	ErrFinalizeRejected   = errors.New("finalize rejected")
	ErrUnknownUpload      = errors.New("unknown upload")
)

// Session is one in-flight multipart upload. Part digests are indexed
// by part number minus one; a slot stays empty until that part
// succeeds, whatever order parts arrive in.
type Session struct {
	UploadID     string
	RemoteFileID string
	FileName     string
	BucketID     string
	CreatedAt    time.Time

	mu         sync.Mutex
	partHashes []string
	partSizes  []int64
	targets    map[int]*storage.UploadTarget
}

func (s *Session) setPart(partNumber int, digest string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.partHashes) < partNumber {
		s.partHashes = append(s.partHashes, "")
		s.partSizes = append(s.partSizes, 0)
	}
	s.partHashes[partNumber-1] = digest
	s.partSizes[partNumber-1] = size
}

// orderedHashes returns the digest list for finalize, or the 1-based
// number of the first empty slot.
func (s *Session) orderedHashes(totalParts int) ([]string, int64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes := make([]string, 0, totalParts)
	var size int64
	for i := 0; i < totalParts; i++ {
		if i >= len(s.partHashes) || s.partHashes[i] == "" {
			return nil, 0, i + 1
		}
		hashes = append(hashes, s.partHashes[i])
		size += s.partSizes[i]
	}
	return hashes, size, 0
}

func (s *Session) cachedTarget(partNumber int) *storage.UploadTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets[partNumber]
}

func (s *Session) setTarget(partNumber int, t *storage.UploadTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[partNumber] = t
}

func (s *Session) dropTarget(partNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.targets, partNumber)
}

type InitResult struct {
	RemoteFileID   string `json:"remoteFileId"`
	StoredFileName string `json:"storedFileName"`
}

type PartResult struct {
	PartNumber int    `json:"partNumber"`
	Digest     string `json:"digest"`
	Size       int64  `json:"size"`
}

type FinalizeResult struct {
	ObjectURL      string `json:"objectUrl"`
	StoredFileName string `json:"storedFileName"`
	Size           int64  `json:"size"`
}

// Uploader moves objects of unbounded size into remote large-object
// storage, one part's bytes in memory per concurrent part stream.
type Uploader struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store    storage.Client
	gate     *storage.Gate
	registry *status.Registry

	maxAttempts int
	retryDelay  time.Duration
}

func New(store storage.Client, registry *status.Registry) *Uploader {
	return &Uploader{
		sessions:    make(map[string]*Session),
		store:       store,
		gate:        storage.NewGate(config.ControlInterval),
		registry:    registry,
		maxAttempts: config.UploadMaxAttempts,
		retryDelay:  config.UploadRetryDelay,
	}
}

// storedName derives a collision-resistant object name from the
// original: stem + timestamp + random suffix + original extension. The
// stem is truncated so the whole name stays within the file name limit.
func storedName(fileName string) string {
	safe := util.SanitizeFilename(fileName)
	ext := filepath.Ext(safe)
	stem := strings.TrimSuffix(safe, ext)
	suffix := fmt.Sprintf("-%d-%s%s", time.Now().UnixMilli(), uuid.New().String()[:8], ext)
	if max := config.MaxFileNameLength - len(suffix); len(stem) > max {
		stem = stem[:max]
	}
	return stem + suffix
}

func (u *Uploader) Initialize(ctx context.Context, uploadID, fileName, contentType, bucketID string) (*InitResult, error) {
	if uploadID == "" {
		return nil, fmt.Errorf("%w: upload id is required", ErrInvalidArgument)
	}
	if v := util.ValidateUploadName(fileName); !v.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, v.Error)
	}
	if v := util.ValidateContentType(contentType); !v.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, v.Error)
	}

	name := storedName(fileName)

	var remoteID string
	err := retry.Do(ctx, u.maxAttempts, retry.Linear(u.retryDelay), func() error {
		if err := u.gate.Wait(ctx); err != nil {
			return err
		}
		id, err := u.store.OpenSession(ctx, bucketID, name, contentType)
		if err != nil {
			log.Printf("[Upload] [%s] Open session failed: %v", util.ShortID(uploadID), err)
			return err
		}
		remoteID = id
		return nil
	})
	if err != nil {
		u.registry.Fail(uploadID, "Could not start upload, storage is unavailable")
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	sess := &Session{
		UploadID:     uploadID,
		RemoteFileID: remoteID,
		FileName:     name,
		BucketID:     bucketID,
		CreatedAt:    time.Now(),
		targets:      make(map[int]*storage.UploadTarget),
	}
	u.mu.Lock()
	u.sessions[uploadID] = sess
	u.mu.Unlock()

	u.registry.Update(uploadID, status.Record{
		"status":   status.StatusUploading,
		"progress": 5,
		"stage":    "upload session opened",
		"fileName": name,
	})

	log.Printf("[Upload] [%s] Session opened: %s", util.ShortID(uploadID), name)
	return &InitResult{RemoteFileID: remoteID, StoredFileName: name}, nil
}

func (u *Uploader) session(uploadID string) (*Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	sess, ok := u.sessions[uploadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUpload, uploadID)
	}
	return sess, nil
}

// StreamPart reads one part from body, digesting it in the same pass
// as the byte count, and uploads it with bounded retry. A repeat of the
// same part number overwrites the previously recorded digest.
func (u *Uploader) StreamPart(ctx context.Context, uploadID string, partNumber int, body io.Reader) (*PartResult, error) {
	if partNumber < 1 || partNumber > config.MaxParts {
		return nil, fmt.Errorf("%w: part number %d out of range [1, %d]", ErrInvalidArgument, partNumber, config.MaxParts)
	}
	sess, err := u.session(uploadID)
	if err != nil {
		return nil, err
	}

	h := sha1.New()
	buf, err := io.ReadAll(io.TeeReader(io.LimitReader(body, config.PartSize+1), h))
	if err != nil {
		return nil, fmt.Errorf("read part %d: %w", partNumber, err)
	}
	if int64(len(buf)) > config.PartSize {
		return nil, fmt.Errorf("%w: part %d exceeds %d bytes", ErrInvalidArgument, partNumber, config.PartSize)
	}
	digest := hex.EncodeToString(h.Sum(nil))
	size := int64(len(buf))

	err = retry.Do(ctx, u.maxAttempts, retry.Linear(u.retryDelay), func() error {
		target, err := u.partTarget(ctx, sess, partNumber)
		if err != nil {
			return err
		}
		if err := u.store.UploadPart(ctx, target, partNumber, digest, buf); err != nil {
			// Part upload URLs can expire mid-upload; fetch a
			// fresh one on the next attempt.
			sess.dropTarget(partNumber)
			log.Printf("[Upload] [%s] Part %d attempt failed: %v", util.ShortID(uploadID), partNumber, err)
			return err
		}
		return nil
	})

	// Release the part buffer before anything else: big sequential
	// uploads are memory-bound on buffer retention.
	buf = nil

	if err != nil {
		u.registry.Fail(uploadID, fmt.Sprintf("Part %d failed after %d attempts", partNumber, u.maxAttempts))
		return nil, fmt.Errorf("%w: part %d: %v", ErrPartUploadFailed, partNumber, err)
	}

	sess.setPart(partNumber, digest, size)

	progress := config.ProgressBase + partNumber*config.ProgressPerPart
	if progress > 95 {
		progress = 95
	}
	u.registry.Update(uploadID, status.Record{
		"status":   status.StatusUploading,
		"progress": progress,
		"stage":    fmt.Sprintf("uploaded part %d", partNumber),
	})

	return &PartResult{PartNumber: partNumber, Digest: digest, Size: size}, nil
}

func (u *Uploader) partTarget(ctx context.Context, sess *Session, partNumber int) (*storage.UploadTarget, error) {
	if t := sess.cachedTarget(partNumber); t != nil {
		return t, nil
	}
	if err := u.gate.Wait(ctx); err != nil {
		return nil, err
	}
	t, err := u.store.PartTarget(ctx, sess.RemoteFileID)
	if err != nil {
		return nil, err
	}
	sess.setTarget(partNumber, t)
	return t, nil
}

// Finalize closes the remote session with the ordered digest list. The
// backend validates parts by position, so the list must be contiguous
// from part 1 through totalParts. Rejection here despite correct
// digests means a backend-side inconsistency, so finalize is never
// retried; the session is cancelled best-effort instead.
func (u *Uploader) Finalize(ctx context.Context, uploadID string, totalParts int, originalName string) (*FinalizeResult, error) {
	if totalParts < 1 || totalParts > config.MaxParts {
		return nil, fmt.Errorf("%w: totalParts %d out of range [1, %d]", ErrInvalidArgument, totalParts, config.MaxParts)
	}
	sess, err := u.session(uploadID)
	if err != nil {
		return nil, err
	}

	hashes, size, missing := sess.orderedHashes(totalParts)
	if missing != 0 {
		return nil, fmt.Errorf("%w: part %d of %d was never uploaded", ErrMissingPart, missing, totalParts)
	}

	u.registry.Update(uploadID, status.Record{
		"status":   status.StatusFinalizing,
		"progress": 97,
		"stage":    "finalizing upload",
	})

	if err := u.gate.Wait(ctx); err != nil {
		return nil, err
	}
	obj, err := u.store.Finalize(ctx, sess.RemoteFileID, hashes)
	if err != nil {
		log.Printf("[Upload] [%s] Finalize rejected: %v", util.ShortID(uploadID), err)
		u.evict(uploadID)
		u.cancelRemote(sess)
		u.registry.Fail(uploadID, "Upload could not be finalized")
		return nil, fmt.Errorf("%w: %v", ErrFinalizeRejected, err)
	}

	if obj.Size > 0 {
		size = obj.Size
	}
	objectURL := u.store.ObjectURL(sess.FileName)
	u.evict(uploadID)

	u.registry.Update(uploadID, status.Record{
		"status":       status.StatusProcessing,
		"progress":     98,
		"stage":        "upload stored, queueing post-processing",
		"objectUrl":    objectURL,
		"originalName": originalName,
		"size":         size,
	})

	log.Printf("[Upload] [%s] Finalized %s (%d parts, %d bytes)", util.ShortID(uploadID), sess.FileName, totalParts, size)
	return &FinalizeResult{ObjectURL: objectURL, StoredFileName: sess.FileName, Size: size}, nil
}

// Cancel evicts the session immediately so a concurrent finalize fails
// fast, then aborts the remote session. Abort failures are logged only;
// cancellation is best-effort cleanup and backends expire abandoned
// sessions on their own.
func (u *Uploader) Cancel(uploadID string) bool {
	sess := u.evict(uploadID)
	if sess == nil {
		return false
	}
	u.cancelRemote(sess)
	u.registry.Update(uploadID, status.Record{
		"status": status.StatusCancelled,
		"stage":  "upload cancelled",
	})
	log.Printf("[Upload] [%s] Cancelled", util.ShortID(uploadID))
	return true
}

func (u *Uploader) evict(uploadID string) *Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	sess := u.sessions[uploadID]
	delete(u.sessions, uploadID)
	return sess
}

func (u *Uploader) cancelRemote(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := u.gate.Wait(ctx); err != nil {
		return
	}
	if err := u.store.CancelSession(ctx, sess.RemoteFileID); err != nil {
		log.Printf("[Upload] [%s] Remote cancel failed: %v", util.ShortID(sess.UploadID), err)
	}
}

// StartSessionSweep evicts sessions past the max age without remote
// cancellation; backends independently expire abandoned sessions.
func (u *Uploader) StartSessionSweep() {
	go func() {
		ticker := time.NewTicker(config.SessionSweep)
		for range ticker.C {
			for _, id := range u.sweepOnce(time.Now()) {
				log.Printf("[Upload] [%s] Session expired, evicted", util.ShortID(id))
			}
		}
	}()
}

func (u *Uploader) sweepOnce(now time.Time) []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var evicted []string
	for id, sess := range u.sessions {
		if now.Sub(sess.CreatedAt) > config.SessionMaxAge {
			delete(u.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
