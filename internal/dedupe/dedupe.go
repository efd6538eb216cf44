// Package dedupe guarantees at-most-once processing of a transaction id per
// listener. Chain feeds are at-least-once with occasional replays after
// reconnects, so every candidate event passes through CheckAndMark before it
// can touch an order.
package dedupe

import (
	"context"
	"sync"
)

// Store tracks transaction ids that have already been handled.
type Store interface {
	// CheckAndMark returns true exactly once per tx id: the first caller
	// proceeds, every later caller is a duplicate.
	CheckAndMark(ctx context.Context, txID string) (bool, error)
}

// MemoryStore is a set scoped to the lifetime of one listener. Losing it on
// restart means replayed historical events are reprocessed; the conditional
// paid transition keeps that safe for terminal orders.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryStore creates an empty dedupe set.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

// CheckAndMark implements Store.
func (s *MemoryStore) CheckAndMark(ctx context.Context, txID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[txID]; ok {
		return false, nil
	}
	s.seen[txID] = struct{}{}
	return true, nil
}

// Len returns the number of tracked tx ids.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

var _ Store = (*MemoryStore)(nil)
