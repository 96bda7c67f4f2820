package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/storage"
)

// Key schema:
//
//	ord:<orderID>                          → Order (JSON)
//	wal:<hex(wallet)>:<createdAt>:<orderID> → orderID, history index
//
// The wallet is hex encoded so a ':' inside it cannot widen a prefix scan.
const (
	prefixOrder  = "ord"
	prefixWallet = "wal"
)

// PebbleStore is an embedded Gateway for single-node deployments.
type PebbleStore struct {
	mu     sync.RWMutex // serialises read-modify-write updates
	db     *pebble.DB
	now    func() time.Time
	ownsDB bool
	closed bool
}

// OpenPebbleStore opens an order database at path; empty path is in-memory.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	s := NewPebbleStore(db)
	s.ownsDB = true
	return s, nil
}

func NewPebbleStore(db *pebble.DB) *PebbleStore {
	return &PebbleStore{db: db, now: time.Now}
}

func orderKey(id string) []byte { return storage.Key(prefixOrder, id) }

func walletSegment(wallet string) string { return hex.EncodeToString([]byte(wallet)) }

func walletKey(o order.Order) []byte {
	return storage.Key(prefixWallet, walletSegment(o.WalletAddress), storage.TimeSegment(o.CreatedAt), o.ID)
}

func (s *PebbleStore) SaveOrder(_ context.Context, o order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	exists, err := storage.Has(s.db, orderKey(o.ID))
	if err != nil || exists {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := storage.SetJSON(b, orderKey(o.ID), o); err != nil {
		return err
	}
	if err := b.Set(walletKey(o), []byte(o.ID), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: save order: %w", order.ErrPersistence, err)
	}
	return nil
}

func (s *PebbleStore) UpdateOrderStatus(_ context.Context, id string, status order.Status, f order.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	o, err := s.get(id)
	if err != nil {
		return err
	}
	o.Apply(status, f, s.now())
	b := s.db.NewBatch()
	defer b.Close()
	if err := storage.SetJSON(b, orderKey(id), o); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: update order: %w", order.ErrPersistence, err)
	}
	return nil
}

func (s *PebbleStore) get(id string) (order.Order, error) {
	var o order.Order
	found, err := storage.GetJSON(s.db, orderKey(id), &o)
	if err != nil {
		return order.Order{}, err
	}
	if !found {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return o, nil
}

func (s *PebbleStore) GetOrder(_ context.Context, id string) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return order.Order{}, storage.ErrClosed
	}
	return s.get(id)
}

func (s *PebbleStore) GetOrderHistory(_ context.Context, wallet string, limit int) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	limit = normalizeLimit(limit)
	iter, err := storage.PrefixIter(s.db, storage.Prefix(prefixWallet, walletSegment(wallet)))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]order.Order, 0)
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		o, err := s.get(string(iter.Value()))
		if err != nil || o.WalletAddress != wallet {
			continue // index entry without a matching record
		}
		out = append(out, o)
	}
	return out, iter.Error()
}

// Close waits for in-flight calls; later calls fail with storage.ErrClosed.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

var _ Gateway = (*PebbleStore)(nil)
