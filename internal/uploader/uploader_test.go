package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coah80/hoist/internal/config"
	"github.com/coah80/hoist/internal/status"
	"github.com/coah80/hoist/internal/storage"
	"github.com/coah80/hoist/internal/util"
)

func TestMain(m *testing.M) {
	config.PartSize = 8 * 1024 * 1024
	config.MaxParts = 10000
	os.Exit(m.Run())
}

type fakeSession struct {
	fileName  string
	parts     map[int]string
	finalized bool
	cancelled bool
}

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	next     int

	openFailures   int
	uploadFailures int
	finalizeErr    error

	openCalls   int
	uploadCalls int
	targetCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*fakeSession)}
}

func (f *fakeStore) OpenSession(ctx context.Context, bucketID, fileName, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	if f.openFailures > 0 {
		f.openFailures--
		return "", errors.New("backend busy")
	}
	f.next++
	id := fmt.Sprintf("remote-%d", f.next)
	f.sessions[id] = &fakeSession{fileName: fileName, parts: make(map[int]string)}
	return id, nil
}

func (f *fakeStore) PartTarget(ctx context.Context, sessionID string) (*storage.UploadTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targetCalls++
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, errors.New("no such session")
	}
	return &storage.UploadTarget{SessionID: sessionID}, nil
}

func (f *fakeStore) UploadPart(ctx context.Context, target *storage.UploadTarget, partNumber int, sha1Hex string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if f.uploadFailures > 0 {
		f.uploadFailures--
		return errors.New("connection reset")
	}
	sess, ok := f.sessions[target.SessionID]
	if !ok {
		return errors.New("no such session")
	}
	sess.parts[partNumber] = sha1Hex
	return nil
}

func (f *fakeStore) Finalize(ctx context.Context, sessionID string, sha1Hexes []string) (*storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return nil, f.finalizeErr
	}
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, errors.New("no such session")
	}
	for i, digest := range sha1Hexes {
		if sess.parts[i+1] != digest {
			return nil, fmt.Errorf("digest mismatch at position %d", i)
		}
	}
	sess.finalized = true
	return &storage.Object{Name: sess.fileName}, nil
}

func (f *fakeStore) CancelSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[sessionID]; ok {
		sess.cancelled = true
	}
	return nil
}

func (f *fakeStore) Put(ctx context.Context, name, contentType string, body []byte) (*storage.Object, error) {
	return &storage.Object{Name: name, Size: int64(len(body))}, nil
}

func (f *fakeStore) ObjectURL(name string) string {
	return "https://cdn.example/" + name
}

func newTestUploader(store *fakeStore) (*Uploader, *status.Registry) {
	registry := status.NewRegistry(nil)
	u := New(store, registry)
	u.retryDelay = time.Millisecond
	u.gate = storage.NewGate(0)
	return u, registry
}

func TestInitializeHappyPath(t *testing.T) {
	store := newFakeStore()
	u, registry := newTestUploader(store)

	result, err := u.Initialize(context.Background(), "u1", "My Video.mp4", "video/mp4", "bkt")
	require.NoError(t, err)
	assert.Equal(t, "remote-1", result.RemoteFileID)
	assert.True(t, strings.HasSuffix(result.StoredFileName, ".mp4"))
	assert.True(t, strings.HasPrefix(result.StoredFileName, "My Video-"),
		"stored name keeps the original stem")
	assert.NotEqual(t, "My Video.mp4", result.StoredFileName)

	record, ok := registry.Get("u1")
	require.True(t, ok)
	assert.Equal(t, status.StatusUploading, record["status"])
}

func TestStoredNameRespectsLengthLimit(t *testing.T) {
	// A name right at the validation limit must not overflow once the
	// timestamp and random suffix are appended.
	name := strings.Repeat("a", config.MaxFileNameLength-4) + ".mp4"
	require.True(t, util.ValidateUploadName(name).Valid)

	stored := storedName(name)
	assert.LessOrEqual(t, len(stored), config.MaxFileNameLength)
	assert.True(t, strings.HasSuffix(stored, ".mp4"))
}

func TestInitializeRejectsBadInput(t *testing.T) {
	store := newFakeStore()
	u, _ := newTestUploader(store)
	ctx := context.Background()

	_, err := u.Initialize(ctx, "u1", "../escape.mp4", "video/mp4", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = u.Initialize(ctx, "u1", "evil/path.mp4", "video/mp4", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = u.Initialize(ctx, "u1", "page.html", "video/mp4", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = u.Initialize(ctx, "u1", "ok.mp4", "text/html", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Equal(t, 0, store.openCalls, "validation failures never reach storage")
}

func TestInitializeRetriesSessionOpen(t *testing.T) {
	store := newFakeStore()
	store.openFailures = 2
	u, _ := newTestUploader(store)

	_, err := u.Initialize(context.Background(), "u1", "v.mp4", "video/mp4", "")
	require.NoError(t, err)
	assert.Equal(t, 3, store.openCalls)
}

func TestInitializeSurfacesStorageUnavailable(t *testing.T) {
	store := newFakeStore()
	store.openFailures = 99
	u, registry := newTestUploader(store)

	_, err := u.Initialize(context.Background(), "u1", "v.mp4", "video/mp4", "")
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Equal(t, 3, store.openCalls, "session open is bounded to three attempts")

	record, _ := registry.Get("u1")
	assert.Equal(t, status.StatusError, record["status"])
}

func TestStreamPartRecordsDigestAndSize(t *testing.T) {
	store := newFakeStore()
	u, _ := newTestUploader(store)
	ctx := context.Background()

	_, err := u.Initialize(ctx, "u1", "v.mp4", "video/mp4", "")
	require.NoError(t, err)

	result, err := u.StreamPart(ctx, "u1", 1, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, result.PartNumber)
	assert.Equal(t, int64(5), result.Size)
	// sha1("hello")
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", result.Digest)
}

func TestStreamPartBounds(t *testing.T) {
	store := newFakeStore()
	u, _ := newTestUploader(store)
	ctx := context.Background()

	_, err := u.StreamPart(ctx, "u1", 0, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = u.StreamPart(ctx, "u1", config.MaxParts+1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = u.StreamPart(ctx, "nope", 1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUnknownUpload)
}

func TestStreamPartRetriesThenFails(t *testing.T) {
	store := newFakeStore()
	u, registry := newTestUploader(store)
	ctx := context.Background()

	_, err := u.Initialize(ctx, "u1", "v.mp4", "video/mp4", "")
	require.NoError(t, err)

	store.uploadFailures = 99
	_, err = u.StreamPart(ctx, "u1", 1, strings.NewReader("data"))
	require.ErrorIs(t, err, ErrPartUploadFailed)
	assert.Equal(t, 3, store.uploadCalls, "part upload is bounded to three attempts")

	record, _ := registry.Get("u1")
	assert.Equal(t, status.StatusError, record["status"])

	// The slot is not populated, so finalize must refuse.
	_, err = u.Finalize(ctx, "u1", 1, "v.mp4")
	assert.ErrorIs(t, err, ErrMissingPart)
}

func TestStreamPartIdempotentOverwrite(t *testing.T) {
	store := newFakeStore()
	u, _ := newTestUploader(store)
	ctx := context.Background()

	_, err := u.Initialize(ctx, "u1", "v.mp4", "video/mp4", "")
	require.NoError(t, err)

	first, err := u.StreamPart(ctx, "u1", 1, strings.NewReader("old bytes"))
	require.NoError(t, err)
	second, err := u.StreamPart(ctx, "u1", 1, strings.NewReader("new bytes"))
	require.NoError(t, err)
	require.NotEqual(t, first.Digest, second.Digest)

	sess, err := u.session("u1")
	require.NoError(t, err)
	hashes, _, missing := sess.orderedHashes(1)
	require.Zero(t, missing)
	assert.Equal(t, second.Digest, hashes[0], "finalize uses the later digest")
}

func TestFinalizeRequiresEveryPart(t *testing.T) {
	store := newFakeStore()
	u, _ := newTestUploader(store)
	ctx := context.Background()

	_, err := u.Initialize(ctx, "u1", "v.mp4", "video/mp4", "")
	require.NoError(t, err)

	// Parts arrive out of order; 2 then 3, with 1 missing.
	_, err = u.StreamPart(ctx, "u1", 2, strings.NewReader("bb"))
	require.NoError(t, err)
	_, err = u.StreamPart(ctx, "u1", 3, strings.NewReader("cc"))
	require.NoError(t, err)

	_, err = u.Finalize(ctx, "u1", 3, "v.mp4")
	require.ErrorIs(t, err, ErrMissingPart)

	// Backfill part 1; any arrival order must finalize cleanly.
	_, err = u.StreamPart(ctx, "u1", 1, strings.NewReader("aa"))
	require.NoError(t, err)

	result, err := u.Finalize(ctx, "u1", 3, "v.mp4")
	require.NoError(t, err)
	assert.NotEmpty(t, result.ObjectURL)
}

func TestFinalizeConcreteScenario(t *testing.T) {
	store := newFakeStore()
	u, registry := newTestUploader(store)
	ctx := context.Background()

	_, err := u.Initialize(ctx, "u1", "v.mp4", "video/mp4", "")
	require.NoError(t, err)

	p1, err := u.StreamPart(ctx, "u1", 1, strings.NewReader("12345"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), p1.Size)
	p2, err := u.StreamPart(ctx, "u1", 2, strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), p2.Size)

	result, err := u.Finalize(ctx, "u1", 2, "v.mp4")
	require.NoError(t, err)
	assert.Contains(t, result.ObjectURL, "https://cdn.example/")
	assert.Equal(t, int64(8), result.Size)

	// The upload handler marks the record complete once post-processing
	// is queued or skipped.
	registry.Complete("u1", status.Record{"objectUrl": result.ObjectURL})
	record, _ := registry.Get("u1")
	assert.Equal(t, status.StatusComplete, record["status"])
	assert.Equal(t, 100, record["progress"])

	// Session is evicted after finalize.
	_, err = u.Finalize(ctx, "u1", 2, "v.mp4")
	assert.ErrorIs(t, err, ErrUnknownUpload)
}

func TestFinalizeRejectionCancelsSession(t *testing.T) {
	store := newFakeStore()
	u, registry := newTestUploader(store)
	ctx := context.Background()

	_, err := u.Initialize(ctx, "u1", "v.mp4", "video/mp4", "")
	require.NoError(t, err)
	_, err = u.StreamPart(ctx, "u1", 1, strings.NewReader("data"))
	require.NoError(t, err)

	store.finalizeErr = errors.New("backend inconsistency")
	_, err = u.Finalize(ctx, "u1", 1, "v.mp4")
	require.ErrorIs(t, err, ErrFinalizeRejected)

	store.mu.Lock()
	cancelled := store.sessions["remote-1"].cancelled
	store.mu.Unlock()
	assert.True(t, cancelled, "rejection triggers best-effort cancel")

	record, _ := registry.Get("u1")
	assert.Equal(t, status.StatusError, record["status"])
}

func TestCancelEvictsAndAborts(t *testing.T) {
	store := newFakeStore()
	u, registry := newTestUploader(store)
	ctx := context.Background()

	_, err := u.Initialize(ctx, "u1", "v.mp4", "video/mp4", "")
	require.NoError(t, err)

	assert.True(t, u.Cancel("u1"))
	assert.False(t, u.Cancel("u1"), "second cancel finds nothing")

	store.mu.Lock()
	cancelled := store.sessions["remote-1"].cancelled
	store.mu.Unlock()
	assert.True(t, cancelled)

	record, _ := registry.Get("u1")
	assert.Equal(t, status.StatusCancelled, record["status"])

	_, err = u.StreamPart(ctx, "u1", 1, strings.NewReader("late"))
	assert.ErrorIs(t, err, ErrUnknownUpload)
}

func TestPartTargetIsCachedPerPart(t *testing.T) {
	store := newFakeStore()
	u, _ := newTestUploader(store)
	ctx := context.Background()

	_, err := u.Initialize(ctx, "u1", "v.mp4", "video/mp4", "")
	require.NoError(t, err)

	_, err = u.StreamPart(ctx, "u1", 1, strings.NewReader("a"))
	require.NoError(t, err)
	_, err = u.StreamPart(ctx, "u1", 1, strings.NewReader("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, store.targetCalls, "the part's target is fetched once and reused")
}

func TestSessionSweepEvictsOldSessions(t *testing.T) {
	store := newFakeStore()
	u, _ := newTestUploader(store)
	ctx := context.Background()

	_, err := u.Initialize(ctx, "old", "a.mp4", "video/mp4", "")
	require.NoError(t, err)
	_, err = u.Initialize(ctx, "new", "b.mp4", "video/mp4", "")
	require.NoError(t, err)

	u.mu.Lock()
	u.sessions["old"].CreatedAt = time.Now().Add(-(config.SessionMaxAge + time.Hour))
	u.mu.Unlock()

	evicted := u.sweepOnce(time.Now())
	assert.Equal(t, []string{"old"}, evicted)

	_, err = u.session("new")
	assert.NoError(t, err)
	_, err = u.session("old")
	assert.ErrorIs(t, err, ErrUnknownUpload)
}
