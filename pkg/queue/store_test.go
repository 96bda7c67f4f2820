package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/storage"
)

type storeFactory func(t *testing.T, keep Retention) Store

func pebbleFactory(t *testing.T, keep Retention) Store {
	s, err := OpenPebbleStore("", keep)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func redisFactory(t *testing.T, keep Retention) Store {
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test", keep)
	t.Cleanup(func() { s.Close() })
	return s
}

var factories = map[string]storeFactory{
	"pebble": pebbleFactory,
	"redis":  redisFactory,
}

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

const testLease = 30 * time.Second

func testJob(id string, at time.Time) Job {
	return Job{
		ID:          id,
		Order:       order.Order{ID: id, TokenIn: "SOL", TokenOut: "USDC", AmountIn: 1, Status: order.StatusPending},
		MaxAttempts: 3,
		EnqueuedAt:  at,
		AvailableAt: at,
	}
}

func forEachStore(t *testing.T, keep Retention, fn func(t *testing.T, s Store)) {
	for name, f := range factories {
		t.Run(name, func(t *testing.T) { fn(t, f(t, keep)) })
	}
}

func TestStoreAddIsIdempotent(t *testing.T) {
	forEachStore(t, Retention{}, func(t *testing.T, s Store) {
		ctx := context.Background()
		added, err := s.Add(ctx, testJob("a", t0))
		require.NoError(t, err)
		assert.True(t, added)

		dup := testJob("a", t0)
		dup.Order.AmountIn = 999
		added, err = s.Add(ctx, dup)
		require.NoError(t, err)
		assert.False(t, added)

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1.0, got.Order.AmountIn, "first submission wins")

		c, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, Counts{Waiting: 1}, c)
	})
}

func TestStoreClaimOrderAndAvailability(t *testing.T) {
	forEachStore(t, Retention{}, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Claim(ctx, t0, t0.Add(testLease))
		assert.ErrorIs(t, err, ErrEmpty)

		_, _ = s.Add(ctx, testJob("second", t0.Add(time.Second)))
		_, _ = s.Add(ctx, testJob("first", t0))
		_, _ = s.Add(ctx, testJob("later", t0.Add(time.Hour)))

		j, err := s.Claim(ctx, t0.Add(2*time.Second), t0.Add(2*time.Second).Add(testLease))
		require.NoError(t, err)
		assert.Equal(t, "first", j.ID)
		assert.Equal(t, StateActive, j.State)
		assert.Equal(t, 1, j.Attempt)

		j, err = s.Claim(ctx, t0.Add(2*time.Second), t0.Add(2*time.Second).Add(testLease))
		require.NoError(t, err)
		assert.Equal(t, "second", j.ID)

		_, err = s.Claim(ctx, t0.Add(2*time.Second), t0.Add(2*time.Second).Add(testLease))
		assert.ErrorIs(t, err, ErrEmpty, "job not yet available")

		c, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, Counts{Waiting: 1, Active: 2}, c)
	})
}

func TestStoreRetryCompleteFail(t *testing.T) {
	forEachStore(t, Retention{}, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _ = s.Add(ctx, testJob("a", t0))
		_, _ = s.Add(ctx, testJob("b", t0))

		a, err := s.Claim(ctx, t0, t0.Add(testLease))
		require.NoError(t, err)
		a.Checkpoint = Checkpoint{Stage: order.StatusRouting, MinAmountOut: 0.9}
		require.NoError(t, s.SaveCheckpoint(ctx, a, t0.Add(testLease)))
		require.NoError(t, s.Retry(ctx, a.ID, t0.Add(2*time.Second), "venue down"))

		b, err := s.Claim(ctx, t0, t0.Add(testLease))
		require.NoError(t, err)
		assert.Equal(t, "b", b.ID)
		require.NoError(t, s.Fail(ctx, b.ID, t0, "Slippage exceeded"))

		_, err = s.Claim(ctx, t0.Add(time.Second), t0.Add(time.Second).Add(testLease))
		assert.ErrorIs(t, err, ErrEmpty, "backoff not elapsed")

		a, err = s.Claim(ctx, t0.Add(2*time.Second), t0.Add(2*time.Second).Add(testLease))
		require.NoError(t, err)
		assert.Equal(t, 2, a.Attempt)
		assert.Equal(t, "venue down", a.LastError)
		assert.Equal(t, order.StatusRouting, a.Checkpoint.Stage, "checkpoint survives retry")
		assert.Equal(t, 0.9, a.Checkpoint.MinAmountOut)
		require.NoError(t, s.Complete(ctx, a.ID, t0.Add(3*time.Second)))

		c, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, Counts{Completed: 1, Failed: 1}, c)

		got, err := s.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, StateFailed, got.State)
		assert.Equal(t, "Slippage exceeded", got.LastError)

		_, err = s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreRetentionPrunesOldest(t *testing.T) {
	forEachStore(t, Retention{KeepCompleted: 2, KeepFailed: 1}, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 4; i++ {
			id := fmt.Sprintf("c%d", i)
			_, _ = s.Add(ctx, testJob(id, t0))
			_, err := s.Claim(ctx, t0, t0.Add(testLease))
			require.NoError(t, err)
			require.NoError(t, s.Complete(ctx, id, t0.Add(time.Duration(i)*time.Second)))
		}
		for i := 0; i < 2; i++ {
			id := fmt.Sprintf("f%d", i)
			_, _ = s.Add(ctx, testJob(id, t0))
			_, err := s.Claim(ctx, t0, t0.Add(testLease))
			require.NoError(t, err)
			require.NoError(t, s.Fail(ctx, id, t0.Add(time.Duration(i)*time.Second), "boom"))
		}

		c, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, Counts{Completed: 2, Failed: 1}, c)

		_, err = s.Get(ctx, "c0")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, "c3")
		assert.NoError(t, err)
		_, err = s.Get(ctx, "f0")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreRecoverRequeuesExpiredLeases(t *testing.T) {
	forEachStore(t, Retention{}, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _ = s.Add(ctx, testJob("a", t0))
		_, err := s.Claim(ctx, t0, t0.Add(testLease))
		require.NoError(t, err)

		n, err := s.Recover(ctx, t0.Add(testLease/2))
		require.NoError(t, err)
		assert.Equal(t, 0, n, "lease still held")
		_, err = s.Claim(ctx, t0.Add(testLease/2), t0.Add(testLease/2).Add(testLease))
		assert.ErrorIs(t, err, ErrEmpty)

		n, err = s.Recover(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		j, err := s.Claim(ctx, t0.Add(time.Minute), t0.Add(time.Minute).Add(testLease))
		require.NoError(t, err)
		assert.Equal(t, "a", j.ID)
		assert.Equal(t, 2, j.Attempt)
	})
}

func TestStoreCheckpointRenewsLease(t *testing.T) {
	forEachStore(t, Retention{}, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _ = s.Add(ctx, testJob("a", t0))
		_, _ = s.Add(ctx, testJob("b", t0))
		a, err := s.Claim(ctx, t0, t0.Add(testLease))
		require.NoError(t, err)
		_, err = s.Claim(ctx, t0, t0.Add(testLease))
		require.NoError(t, err)

		a.Checkpoint = Checkpoint{Stage: order.StatusBuilding}
		require.NoError(t, s.SaveCheckpoint(ctx, a, t0.Add(90*time.Second)))

		n, err := s.Recover(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n, "only the unrenewed job is requeued")

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, StateActive, got.State)
		assert.Equal(t, order.StatusBuilding, got.Checkpoint.Stage)
		assert.True(t, got.LeaseUntil.Equal(t0.Add(90*time.Second)))
	})
}

func TestStoreStaleOwnerLosesLease(t *testing.T) {
	forEachStore(t, Retention{}, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _ = s.Add(ctx, testJob("a", t0))
		stale, err := s.Claim(ctx, t0, t0.Add(testLease))
		require.NoError(t, err)

		n, err := s.Recover(ctx, t0.Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		stale.Checkpoint = Checkpoint{Stage: order.StatusRouting}
		err = s.SaveCheckpoint(ctx, stale, t0.Add(2*time.Minute))
		assert.ErrorIs(t, err, ErrLeaseLost, "job is waiting again")

		fresh, err := s.Claim(ctx, t0.Add(time.Minute), t0.Add(time.Minute).Add(testLease))
		require.NoError(t, err)
		assert.Equal(t, 2, fresh.Attempt)

		err = s.SaveCheckpoint(ctx, stale, t0.Add(2*time.Minute))
		assert.ErrorIs(t, err, ErrLeaseLost, "job belongs to a newer attempt")
		assert.NoError(t, s.SaveCheckpoint(ctx, fresh, t0.Add(2*time.Minute)))
	})
}

// Two nodes sharing one queue must not steal each other's live claims.
func TestRedisNodesRespectLiveLeases(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	node := func() *RedisStore {
		s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "shared", Retention{})
		t.Cleanup(func() { s.Close() })
		return s
	}
	nodeA, nodeB := node(), node()

	_, err := nodeA.Add(ctx, testJob("a", t0))
	require.NoError(t, err)
	held, err := nodeA.Claim(ctx, t0, t0.Add(testLease))
	require.NoError(t, err)

	// nodeB restarts while nodeA is mid-execution
	n, err := nodeB.Recover(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = nodeB.Claim(ctx, t0.Add(time.Second), t0.Add(time.Second).Add(testLease))
	assert.ErrorIs(t, err, ErrEmpty)

	// nodeA keeps the job alive past its first lease
	require.NoError(t, nodeA.SaveCheckpoint(ctx, held, t0.Add(2*testLease)))
	n, err = nodeB.Recover(ctx, t0.Add(testLease+time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// nodeA goes silent; its lease lapses and nodeB takes over
	n, err = nodeB.Recover(ctx, t0.Add(3*testLease))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	taken, err := nodeB.Claim(ctx, t0.Add(3*testLease), t0.Add(4*testLease))
	require.NoError(t, err)
	assert.Equal(t, "a", taken.ID)
	assert.Equal(t, 2, taken.Attempt)

	err = nodeA.SaveCheckpoint(ctx, held, t0.Add(5*testLease))
	assert.ErrorIs(t, err, ErrLeaseLost)

	c, err := nodeA.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Active: 1}, c)
}

func TestStoreConcurrentClaimsAreExclusive(t *testing.T) {
	forEachStore(t, Retention{}, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 30
		for i := 0; i < n; i++ {
			_, err := s.Add(ctx, testJob(fmt.Sprintf("j%02d", i), t0))
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 5; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					j, err := s.Claim(ctx, t0, t0.Add(testLease))
					if err != nil {
						return
					}
					mu.Lock()
					seen[j.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, n)
		for id, c := range seen {
			assert.Equal(t, 1, c, id)
		}
	})
}

func TestPebbleStoreRejectsUseAfterClose(t *testing.T) {
	s, err := OpenPebbleStore("", Retention{})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = s.Add(ctx, testJob("a", t0))
	require.NoError(t, err)
	job, err := s.Claim(ctx, t0, t0.Add(testLease))
	require.NoError(t, err)

	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.SaveCheckpoint(ctx, job, t0.Add(time.Minute)), storage.ErrClosed)
	assert.ErrorIs(t, s.Complete(ctx, job.ID, t0), storage.ErrClosed)
	assert.ErrorIs(t, s.Retry(ctx, job.ID, t0, "late"), storage.ErrClosed)
	_, err = s.Claim(ctx, t0, t0.Add(testLease))
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.Counts(ctx)
	assert.ErrorIs(t, err, storage.ErrClosed)
}
