// Package storage holds the Pebble plumbing shared by the job queue and the
// order store: opening a database, JSON values and prefix scans.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("storage: closed")

// Open opens a Pebble database at path. An empty path opens an in-memory
// database, used by tests and throwaway runs.
func Open(path string) (*pebble.DB, error) {
	opts := &pebble.Options{
		MemTableSize:                32 << 20, // 32MB memtable
		MaxConcurrentCompactions:    func() int { return 2 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		MaxOpenFiles:                500,
		BytesPerSync:                512 << 10, // 512KB
		DisableAutomaticCompactions: false,
	}
	if path == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %q: %w", path, err)
	}
	return db, nil
}

// GetJSON loads key into v. found is false when the key does not exist.
func GetJSON(db *pebble.DB, key []byte, v any) (found bool, err error) {
	data, closer, err := db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	return true, nil
}

// SetJSON stages v under key in b.
func SetJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	return b.Set(key, data, nil)
}

// Has reports whether key exists.
func Has(db *pebble.DB, key []byte) (bool, error) {
	_, closer, err := db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// PrefixIter opens an iterator bounded to keys starting with prefix.
func PrefixIter(db *pebble.DB, prefix []byte) (*pebble.Iterator, error) {
	return db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: KeyUpperBound(prefix),
	})
}

// CountPrefix counts keys under prefix.
func CountPrefix(db *pebble.DB, prefix []byte) (int64, error) {
	iter, err := PrefixIter(db, prefix)
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	var n int64
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}
