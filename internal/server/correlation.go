package server

import (
	"encoding/json"
	"sync"
)

// CorrelationTable maps a request id to a one-shot completion slot. Install
// and Remove never block; TryComplete never blocks the caller either (the
// slot is a buffered channel and is removed from the table in the same
// critical section that fills it, so each slot is completed at most once).
type CorrelationTable struct {
	mu      sync.Mutex
	pending map[string]chan json.RawMessage
}

func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{pending: make(map[string]chan json.RawMessage)}
}

// Install registers a fresh slot for id and returns the channel the awaiting
// caller should receive on.
func (t *CorrelationTable) Install(id string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()
	return ch
}

// TryComplete resolves the slot for id with value. It reports false when the
// slot is absent (never installed, already completed, or removed) — a late
// reply lands here and is discarded by the caller.
func (t *CorrelationTable) TryComplete(id string, value json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	ch <- value
	return true
}

// Remove drops the slot for id. Idempotent; safe to call after TryComplete.
func (t *CorrelationTable) Remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Len reports the number of pending slots.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
