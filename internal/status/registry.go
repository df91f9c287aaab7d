package status

import (
	"log"
	"sync"
	"time"

	"github.com/coah80/hoist/internal/config"
	"github.com/coah80/hoist/internal/util"
)

const (
	StatusPreparing  = "preparing"
	StatusReceiving  = "receiving"
	StatusProcessing = "processing"
	StatusUploading  = "uploading"
	StatusFinalizing = "finalizing"
	StatusComplete   = "complete"
	StatusError      = "error"
	StatusCancelled  = "cancelled"
)

// Record is the mergeable status snapshot pushed to subscribers.
type Record map[string]interface{}

func (r Record) clone() Record {
	cp := make(Record, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}

// Publisher fans a record out to whoever is watching an upload.
// Delivery is best-effort; a failed publish never fails the upload.
type Publisher interface {
	Publish(uploadID string, record Record)
}

type entry struct {
	record  Record
	touched time.Time
}

// Registry is the single source of truth for per-upload progress.
// The orchestrator, assembler, job queue, and HTTP layer all write
// through it; every mutation is a shallow merge over the previous
// snapshot, never a replace.
type Registry struct {
	mu      sync.Mutex
	records map[string]*entry

	pub            Publisher
	retention      time.Duration
	republishDelay time.Duration
}

func NewRegistry(pub Publisher) *Registry {
	return &Registry{
		records:        make(map[string]*entry),
		pub:            pub,
		retention:      config.StatusRetention,
		republishDelay: config.RepublishDelay,
	}
}

func (r *Registry) Init(uploadID string, initial Record) {
	rec := Record{
		"status":   StatusPreparing,
		"progress": 0,
		"stage":    "initializing",
	}
	for k, v := range initial {
		rec[k] = v
	}
	r.merge(uploadID, rec)
}

func (r *Registry) Update(uploadID string, partial Record) {
	r.merge(uploadID, partial)
}

// Complete forces the terminal happy-path fields and, because the
// realtime transport is at-most-once, publishes a second time after a
// short delay so a subscriber that missed the first push still sees it.
func (r *Registry) Complete(uploadID string, data Record) {
	rec := data.clone()
	rec["status"] = StatusComplete
	rec["progress"] = 100
	rec["completedAt"] = time.Now().UnixMilli()
	r.merge(uploadID, rec)

	time.AfterFunc(r.republishDelay, func() {
		snapshot, ok := r.Get(uploadID)
		if !ok {
			return
		}
		r.publish(uploadID, snapshot)
	})
}

func (r *Registry) Fail(uploadID string, message string) {
	r.merge(uploadID, Record{
		"status": StatusError,
		"error":  message,
	})
}

func (r *Registry) Get(uploadID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[uploadID]
	if !ok {
		return nil, false
	}
	return e.record.clone(), true
}

func (r *Registry) merge(uploadID string, partial Record) {
	now := time.Now()

	r.mu.Lock()
	e, ok := r.records[uploadID]
	if !ok {
		e = &entry{record: make(Record)}
		r.records[uploadID] = e
	}
	for k, v := range partial {
		// Progress only moves forward. Writers on different halves of
		// a pipeline can publish lower values; subscribers must never
		// see the bar move backwards.
		if k == "progress" {
			if cur, ok := e.record["progress"].(int); ok {
				if next, ok := v.(int); ok && next < cur {
					continue
				}
			}
		}
		e.record[k] = v
	}
	e.record["timestamp"] = now.UnixMilli()
	e.touched = now
	snapshot := e.record.clone()
	r.mu.Unlock()

	r.publish(uploadID, snapshot)
}

func (r *Registry) publish(uploadID string, snapshot Record) {
	if r.pub == nil {
		return
	}
	defer func() {
		if v := recover(); v != nil {
			log.Printf("[Status] [%s] publish panicked: %v", util.ShortID(uploadID), v)
		}
	}()
	r.pub.Publish(uploadID, snapshot)
}

func (r *Registry) StartRetentionSweep() {
	go func() {
		ticker := time.NewTicker(config.StatusSweep)
		for range ticker.C {
			if n := r.sweepOnce(time.Now()); n > 0 {
				log.Printf("[Status] Swept %d stale records", n)
			}
		}
	}()
}

func (r *Registry) sweepOnce(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.records {
		if now.Sub(e.touched) > r.retention {
			delete(r.records, id)
			removed++
		}
	}
	return removed
}
