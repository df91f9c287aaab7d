package metadata

import (
	"context"
	"log"
)

// Store updates the catalog record for an upload after completion.
// Callers treat every update as opportunistic: a failure is logged by
// the caller and never fails the upload.
type Store interface {
	UpdateRecord(ctx context.Context, recordID string, fields map[string]interface{}) error
}

// LogStore is the default when no catalog service is configured; it
// just records what would have been written.
type LogStore struct{}

func (LogStore) UpdateRecord(ctx context.Context, recordID string, fields map[string]interface{}) error {
	log.Printf("[Metadata] Record %s: %v", recordID, fields)
	return nil
}
