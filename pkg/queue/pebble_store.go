package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/swapflow/pkg/storage"
)

// Key schema:
//
//	job:<id>             → Job (JSON)
//	wait:<avail>:<id>    → waiting index ordered by availability
//	act:<id>             → active marker, lease kept on the job
//	done:<finished>:<id> → completed index, oldest first
//	fail:<finished>:<id> → failed index, oldest first
const (
	prefixJob    = "job"
	prefixWait   = "wait"
	prefixActive = "act"
	prefixDone   = "done"
	prefixFail   = "fail"
)

// PebbleStore is a single-process Store on an embedded Pebble database.
type PebbleStore struct {
	mu     sync.RWMutex
	db     *pebble.DB
	keep   Retention
	ownsDB bool
	closed bool
}

// OpenPebbleStore opens (or creates) a queue database at path. An empty path
// keeps everything in memory.
func OpenPebbleStore(path string, keep Retention) (*PebbleStore, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	s := NewPebbleStore(db, keep)
	s.ownsDB = true
	return s, nil
}

// NewPebbleStore uses an already open database; Close leaves it open.
func NewPebbleStore(db *pebble.DB, keep Retention) *PebbleStore {
	return &PebbleStore{db: db, keep: keep}
}

func jobKey(id string) []byte { return storage.Key(prefixJob, id) }

func waitKey(at time.Time, id string) []byte {
	return storage.Key(prefixWait, storage.TimeSegment(at), id)
}

func activeKey(id string) []byte { return storage.Key(prefixActive, id) }

func (s *PebbleStore) load(id string) (Job, error) {
	var job Job
	found, err := storage.GetJSON(s.db, jobKey(id), &job)
	if err != nil {
		return Job{}, err
	}
	if !found {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, nil
}

func (s *PebbleStore) Add(_ context.Context, job Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrClosed
	}

	exists, err := storage.Has(s.db, jobKey(job.ID))
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	job.State = StateWaiting
	b := s.db.NewBatch()
	defer b.Close()
	if err := storage.SetJSON(b, jobKey(job.ID), job); err != nil {
		return false, err
	}
	if err := b.Set(waitKey(job.AvailableAt, job.ID), nil, nil); err != nil {
		return false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to add job: %w", err)
	}
	return true, nil
}

func (s *PebbleStore) Claim(_ context.Context, now, leaseUntil time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Job{}, storage.ErrClosed
	}

	iter, err := storage.PrefixIter(s.db, storage.Prefix(prefixWait))
	if err != nil {
		return Job{}, err
	}
	if !iter.First() {
		iter.Close()
		return Job{}, ErrEmpty
	}
	key := append([]byte(nil), iter.Key()...)
	iter.Close()

	// wait:<avail>:<id>
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return Job{}, fmt.Errorf("malformed wait key %q", key)
	}
	if parts[1] > storage.TimeSegment(now) {
		return Job{}, ErrEmpty
	}
	job, err := s.load(parts[2])
	if err != nil {
		return Job{}, err
	}
	job.State = StateActive
	job.Attempt++
	job.LeaseUntil = leaseUntil

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return Job{}, err
	}
	if err := b.Set(activeKey(job.ID), nil, nil); err != nil {
		return Job{}, err
	}
	if err := storage.SetJSON(b, jobKey(job.ID), job); err != nil {
		return Job{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return Job{}, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

func (s *PebbleStore) SaveCheckpoint(_ context.Context, job Job, leaseUntil time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	stored, err := s.load(job.ID)
	if err != nil {
		return err
	}
	if stored.State != StateActive || stored.Attempt != job.Attempt {
		return fmt.Errorf("%w: %s attempt %d", ErrLeaseLost, job.ID, job.Attempt)
	}
	stored.Checkpoint = job.Checkpoint
	stored.LeaseUntil = leaseUntil
	b := s.db.NewBatch()
	defer b.Close()
	if err := storage.SetJSON(b, jobKey(job.ID), stored); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Retry(_ context.Context, id string, availableAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	job, err := s.load(id)
	if err != nil {
		return err
	}
	job.State = StateWaiting
	job.AvailableAt = availableAt
	job.LeaseUntil = time.Time{}
	job.LastError = errMsg

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(activeKey(id), nil); err != nil {
		return err
	}
	if err := b.Set(waitKey(availableAt, id), nil, nil); err != nil {
		return err
	}
	if err := storage.SetJSON(b, jobKey(id), job); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Complete(_ context.Context, id string, now time.Time) error {
	return s.finish(id, now, StateCompleted, prefixDone, "", s.keep.KeepCompleted)
}

func (s *PebbleStore) Fail(_ context.Context, id string, now time.Time, errMsg string) error {
	return s.finish(id, now, StateFailed, prefixFail, errMsg, s.keep.KeepFailed)
}

func (s *PebbleStore) finish(id string, now time.Time, state State, prefix, errMsg string, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	job, err := s.load(id)
	if err != nil {
		return err
	}
	job.State = state
	job.FinishedAt = now
	job.LeaseUntil = time.Time{}
	if errMsg != "" {
		job.LastError = errMsg
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(activeKey(id), nil); err != nil {
		return err
	}
	if err := b.Set(storage.Key(prefix, storage.TimeSegment(now), id), nil, nil); err != nil {
		return err
	}
	if err := storage.SetJSON(b, jobKey(id), job); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return s.prune(prefix, keep)
}

// prune drops the oldest finished jobs under prefix beyond keep.
func (s *PebbleStore) prune(prefix string, keep int) error {
	if keep <= 0 {
		return nil
	}
	p := storage.Prefix(prefix)
	n, err := storage.CountPrefix(s.db, p)
	if err != nil || n <= int64(keep) {
		return err
	}
	excess := n - int64(keep)

	iter, err := storage.PrefixIter(s.db, p)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	for iter.First(); iter.Valid() && excess > 0; iter.Next() {
		key := iter.Key()
		if err := b.Delete(key, nil); err != nil {
			iter.Close()
			return err
		}
		if err := b.Delete(jobKey(storage.LastSegment(key)), nil); err != nil {
			iter.Close()
			return err
		}
		excess--
	}
	if err := iter.Close(); err != nil {
		return err
	}
	return b.Commit(pebble.NoSync)
}

func (s *PebbleStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Job{}, storage.ErrClosed
	}
	return s.load(id)
}

func (s *PebbleStore) Counts(_ context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Counts{}, storage.ErrClosed
	}
	var (
		c   Counts
		err error
	)
	if c.Waiting, err = storage.CountPrefix(s.db, storage.Prefix(prefixWait)); err != nil {
		return Counts{}, err
	}
	if c.Active, err = storage.CountPrefix(s.db, storage.Prefix(prefixActive)); err != nil {
		return Counts{}, err
	}
	if c.Completed, err = storage.CountPrefix(s.db, storage.Prefix(prefixDone)); err != nil {
		return Counts{}, err
	}
	if c.Failed, err = storage.CountPrefix(s.db, storage.Prefix(prefixFail)); err != nil {
		return Counts{}, err
	}
	return c, nil
}

func (s *PebbleStore) Recover(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}

	iter, err := storage.PrefixIter(s.db, storage.Prefix(prefixActive))
	if err != nil {
		return 0, err
	}
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, storage.LastSegment(iter.Key()))
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	recovered := 0
	for _, id := range ids {
		job, err := s.load(id)
		if err != nil {
			return 0, err
		}
		if job.LeaseUntil.After(now) {
			continue
		}
		recovered++
		job.State = StateWaiting
		job.AvailableAt = now
		job.LeaseUntil = time.Time{}
		if err := b.Delete(activeKey(id), nil); err != nil {
			return 0, err
		}
		if err := b.Set(waitKey(now, id), nil, nil); err != nil {
			return 0, err
		}
		if err := storage.SetJSON(b, jobKey(id), job); err != nil {
			return 0, err
		}
	}
	if recovered == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, err
	}
	return recovered, nil
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

var _ Store = (*PebbleStore)(nil)
