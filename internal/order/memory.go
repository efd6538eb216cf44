package order

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ecerlabs/chainpay/internal/chain"
)

// MemoryStore is an in-process Store used by tests and single-node runs
// where the checkout system shares the process.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

// Put inserts or replaces an order.
func (s *MemoryStore) Put(o Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := o
	s.orders[o.ID] = &cp
}

// Get returns a copy of the order, or false if it does not exist.
func (s *MemoryStore) Get(id string) (Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// ListOpen implements Store.
func (s *MemoryStore) ListOpen(ctx context.Context, c chain.Chain, a chain.Asset) ([]Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Order
	for _, o := range s.orders {
		if o.Status != StatusWaitingPayment {
			continue
		}
		if o.Chain != c || o.Asset != a {
			continue
		}
		out = append(out, *o)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// ConditionalUpdate implements Store. The check and the write happen under
// one lock, giving the same guarantee a conditional UPDATE gives in SQL.
func (s *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expected Status, upd Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, fmt.Errorf("order not found: %s", id)
	}
	if o.Status != expected {
		return false, nil
	}

	o.Status = upd.Status
	o.Signature = upd.Signature
	o.SenderWallet = upd.SenderWallet
	o.UserNotified = upd.UserNotified
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
