package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/swapflow/pkg/order"
)

// MemoryStore keeps orders in process memory. Used for local runs without
// persistence and in tests.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]order.Order
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]order.Order), now: time.Now}
}

func (s *MemoryStore) SaveOrder(_ context.Context, o order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		s.orders[o.ID] = o
	}
	return nil
}

func (s *MemoryStore) UpdateOrderStatus(_ context.Context, id string, status order.Status, f order.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	o.Apply(status, f, s.now())
	s.orders[id] = o
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return o, nil
}

func (s *MemoryStore) GetOrderHistory(_ context.Context, wallet string, limit int) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Order, 0)
	for _, o := range s.orders {
		if o.WalletAddress == wallet {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Gateway = (*MemoryStore)(nil)
