package storage

import (
	"context"
	"sync"
	"time"
)

// Gate serializes control-plane calls with a minimum interval between
// them. Storage backends throttle these per account, not per upload, so
// one gate is shared by every in-flight upload in the process.
type Gate struct {
	mu       sync.Mutex
	next     time.Time
	interval time.Duration
}

func NewGate(interval time.Duration) *Gate {
	return &Gate{interval: interval}
}

// Wait blocks until this caller's reserved slot arrives. Slots are
// handed out under the lock so concurrent callers space out by the
// configured interval; the sleep itself happens outside the lock.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	slot := g.next
	if slot.Before(now) {
		slot = now
	}
	g.next = slot.Add(g.interval)
	g.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
