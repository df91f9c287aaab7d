package routes

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/coah80/hoist/internal/status"
)

// Hub fans status records out to SSE subscribers per upload ID. It is
// the process's publish sink: at-most-once, best-effort. A subscriber
// that can't keep up drops events rather than blocking the writer.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan []byte]struct{})}
}

func (h *Hub) Subscribe(uploadID string) chan []byte {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	set, ok := h.subs[uploadID]
	if !ok {
		set = make(map[chan []byte]struct{})
		h.subs[uploadID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(uploadID string, ch chan []byte) {
	h.mu.Lock()
	if set, ok := h.subs[uploadID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, uploadID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Publish(uploadID string, record status.Record) {
	data, err := json.Marshal(record)
	if err != nil {
		log.Printf("[SSE] [%s] Failed to encode record: %v", uploadID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[uploadID] {
		select {
		case ch <- data:
		default:
		}
	}
}
