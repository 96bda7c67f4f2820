package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/swapflow/pkg/order"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// After fires quickly in wall time so polling loops make progress.
func (c *manualClock) After(time.Duration) <-chan time.Time { return time.After(5 * time.Millisecond) }

type brokenStore struct{ Store }

func (brokenStore) Add(context.Context, Job) (bool, error) {
	return false, errors.New("connection refused")
}

func newService(t *testing.T, clock *manualClock) *Service {
	return NewService(pebbleFactory(t, Retention{}), Options{
		Policy:       RetryPolicy{MaxAttempts: 3, Base: 2 * time.Second, Max: time.Minute},
		PollInterval: 10 * time.Millisecond,
		Clock:        clock,
	})
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: 2 * time.Second, Max: 5 * time.Second}
	assert.Equal(t, 2*time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 5*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(64))
}

func TestEnqueueThenNext(t *testing.T) {
	clock := &manualClock{now: t0}
	s := newService(t, clock)
	ctx := context.Background()

	o := order.Order{ID: "o-1", TokenIn: "SOL", TokenOut: "USDC", AmountIn: 5}
	require.NoError(t, s.Enqueue(ctx, o))
	require.NoError(t, s.Enqueue(ctx, o), "duplicate is accepted without a second job")

	job, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "o-1", job.ID)
	assert.Equal(t, 3, job.MaxAttempts)

	c, err := s.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Active: 1}, c)
	assert.Equal(t, int64(1), c.Map()["active"])

	require.NoError(t, s.Ack(ctx, job))
	c, _ = s.Metrics(ctx)
	assert.Equal(t, Counts{Completed: 1}, c)
}

func TestEnqueueUnavailable(t *testing.T) {
	s := NewService(brokenStore{}, Options{})
	err := s.Enqueue(context.Background(), order.Order{ID: "x"})
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}

func TestNextBlocksUntilCancelled(t *testing.T) {
	s := newService(t, &manualClock{now: t0})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNextWakesOnEnqueue(t *testing.T) {
	s := newService(t, &manualClock{now: t0})
	got := make(chan Job, 1)
	go func() {
		j, err := s.Next(context.Background())
		if err == nil {
			got <- j
		}
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Enqueue(context.Background(), order.Order{ID: "late"}))

	select {
	case j := <-got:
		assert.Equal(t, "late", j.ID)
	case <-time.After(time.Second):
		t.Fatal("Next did not pick up enqueued job")
	}
}

func TestNackRetriesWithBackoffThenFails(t *testing.T) {
	clock := &manualClock{now: t0}
	s := newService(t, clock)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, order.Order{ID: "r"}))

	transient := errors.New("rpc timeout")
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := s.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, attempt, job.Attempt)

		final, err := s.Nack(ctx, job, transient)
		require.NoError(t, err)
		if attempt < 3 {
			assert.False(t, final)
			assert.True(t, s.WillRetry(Job{Attempt: attempt, MaxAttempts: 3}, transient))
			// 2s after the first failure, 4s after the second
			clock.Advance(s.Policy().Backoff(attempt))
		} else {
			assert.True(t, final, "attempts exhausted")
		}
	}

	c, _ := s.Metrics(ctx)
	assert.Equal(t, Counts{Failed: 1}, c)
	job, err := s.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "rpc timeout", job.LastError)
}

func TestNackPermanentFailsImmediately(t *testing.T) {
	s := newService(t, &manualClock{now: t0})
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, order.Order{ID: "p"}))
	job, err := s.Next(ctx)
	require.NoError(t, err)

	cause := &order.SlippageError{Expected: 10000, Actual: 0.99}
	assert.False(t, s.WillRetry(job, cause))
	final, err := s.Nack(ctx, job, cause)
	require.NoError(t, err)
	assert.True(t, final)
}

func TestRecoverRequeuesStalled(t *testing.T) {
	clock := &manualClock{now: t0}
	s := newService(t, clock)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, order.Order{ID: "stalled"}))
	_, err := s.Next(ctx)
	require.NoError(t, err)

	n, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "claim is still leased")

	clock.Advance(DefaultLease + time.Second)
	n, err = s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	c, _ := s.Metrics(ctx)
	assert.Equal(t, Counts{Waiting: 1}, c)
}

func TestCheckpointKeepsJobLeased(t *testing.T) {
	clock := &manualClock{now: t0}
	s := newService(t, clock)
	ctx := context.Background()
	require.NoError(t, s.Enqueue(ctx, order.Order{ID: "busy"}))
	job, err := s.Next(ctx)
	require.NoError(t, err)

	clock.Advance(DefaultLease - time.Second)
	job.Checkpoint.Stage = order.StatusRouting
	require.NoError(t, s.Checkpoint(ctx, job))

	clock.Advance(2 * time.Second)
	n, err := s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(DefaultLease)
	n, err = s.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, s.Checkpoint(ctx, job), ErrLeaseLost)
}

func TestWatchStalledRequeuesExpiredClaims(t *testing.T) {
	clock := &manualClock{now: t0}
	s := newService(t, clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Enqueue(ctx, order.Order{ID: "abandoned"}))
	_, err := s.Next(ctx)
	require.NoError(t, err)
	clock.Advance(DefaultLease + time.Second)

	go s.WatchStalled(ctx, time.Second)

	assert.Eventually(t, func() bool {
		c, err := s.Metrics(ctx)
		return err == nil && c == Counts{Waiting: 1}
	}, time.Second, 10*time.Millisecond)
}
