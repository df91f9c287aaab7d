package storage

import "context"

// Object describes a stored object after a finalize or simple upload.
type Object struct {
	Name string
	Size int64
}

// UploadTarget is an endpoint/credential pair scoped to part uploads
// for one session. Backends that hand out per-part upload URLs fill
// URL/Token; others only need the session reference.
type UploadTarget struct {
	SessionID string
	URL       string
	Token     string
}

// Client is the large-object storage backend. A session groups a
// sequence of part uploads into one eventual object; it is opened by
// OpenSession and closed by Finalize or CancelSession. Part digests are
// hex-encoded SHA1, which is what the reference backend verifies
// against at finalize time.
type Client interface {
	OpenSession(ctx context.Context, bucketID, fileName, contentType string) (string, error)
	PartTarget(ctx context.Context, sessionID string) (*UploadTarget, error)
	UploadPart(ctx context.Context, target *UploadTarget, partNumber int, sha1Hex string, body []byte) error
	Finalize(ctx context.Context, sessionID string, sha1Hexes []string) (*Object, error)
	CancelSession(ctx context.Context, sessionID string) error

	// Put uploads a small object in one shot (thumbnails).
	Put(ctx context.Context, name, contentType string, body []byte) (*Object, error)

	// ObjectURL derives the public URL for a stored object name.
	ObjectURL(name string) string
}
