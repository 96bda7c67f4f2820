package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/util"
)

// RetryPolicy is exponential backoff: Base, 2·Base, 4·Base ... capped at Max.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 2000 * time.Millisecond, Max: 60 * time.Second}
}

// Backoff returns the delay before the next attempt after `attempt`
// attempts have failed.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return p.Max
	}
	d := p.Base * time.Duration(1<<(attempt-1))
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// DefaultLease is how long a claim stays valid without a checkpoint.
const DefaultLease = 30 * time.Second

type Options struct {
	Policy       RetryPolicy
	PollInterval time.Duration
	// Lease bounds how long a worker may hold a job between checkpoints
	// before another node may requeue it.
	Lease  time.Duration
	Clock  util.Clock
	Logger *zap.SugaredLogger
}

// Service wraps a Store with admission, dispatch and retry policy.
type Service struct {
	store  Store
	policy RetryPolicy
	poll   time.Duration
	lease  time.Duration
	clock  util.Clock
	logger *zap.SugaredLogger
	wake   chan struct{}
}

func NewService(store Store, opts Options) *Service {
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	return &Service{
		store:  store,
		policy: opts.Policy,
		poll:   opts.PollInterval,
		lease:  opts.Lease,
		clock:  opts.Clock,
		logger: util.OrNop(opts.Logger),
		wake:   make(chan struct{}, 1),
	}
}

func (s *Service) Policy() RetryPolicy { return s.policy }

// Enqueue durably admits o. Submitting the same order identifier twice keeps
// the first job. A store failure is returned wrapped in ErrQueueUnavailable.
func (s *Service) Enqueue(ctx context.Context, o order.Order) error {
	now := s.clock.Now()
	job := Job{
		ID:          o.ID,
		Order:       o,
		MaxAttempts: s.policy.MaxAttempts,
		State:       StateWaiting,
		EnqueuedAt:  now,
		AvailableAt: now,
	}
	added, err := s.store.Add(ctx, job)
	if err != nil {
		s.logger.Errorw("enqueue_failed", "order_id", o.ID, "err", err)
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if !added {
		s.logger.Warnw("duplicate_order_ignored", "order_id", o.ID)
		return nil
	}
	s.logger.Infow("order_queued", "order_id", o.ID, "token_in", o.TokenIn, "token_out", o.TokenOut, "amount_in", o.AmountIn)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a job is claimed or ctx ends.
func (s *Service) Next(ctx context.Context) (Job, error) {
	for {
		now := s.clock.Now()
		job, err := s.store.Claim(ctx, now, now.Add(s.lease))
		if err == nil {
			return job, nil
		}
		if ctx.Err() != nil {
			return Job{}, ctx.Err()
		}
		if !errors.Is(err, ErrEmpty) {
			s.logger.Warnw("claim_failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-s.wake:
		case <-s.clock.After(s.poll):
		}
	}
}

// Checkpoint persists pipeline progress for job and renews its lease. An
// ErrLeaseLost result means the job no longer belongs to the caller.
func (s *Service) Checkpoint(ctx context.Context, job Job) error {
	return s.store.SaveCheckpoint(ctx, job, s.clock.Now().Add(s.lease))
}

// WillRetry reports whether a failure of job with cause would be retried.
func (s *Service) WillRetry(job Job, cause error) bool {
	return !order.IsPermanent(cause) && job.Attempt < job.MaxAttempts
}

// Ack marks job completed.
func (s *Service) Ack(ctx context.Context, job Job) error {
	return s.store.Complete(ctx, job.ID, s.clock.Now())
}

// Nack records a failed attempt. The job is rescheduled with backoff unless
// the cause is permanent or attempts are exhausted, in which case it is
// marked permanently failed; final reports which happened.
func (s *Service) Nack(ctx context.Context, job Job, cause error) (final bool, err error) {
	msg := cause.Error()
	if !s.WillRetry(job, cause) {
		s.logger.Warnw("job_failed", "order_id", job.ID, "attempt", job.Attempt, "err", msg)
		return true, s.store.Fail(ctx, job.ID, s.clock.Now(), msg)
	}
	delay := s.policy.Backoff(job.Attempt)
	s.logger.Infow("job_retry_scheduled", "order_id", job.ID, "attempt", job.Attempt,
		"max_attempts", job.MaxAttempts, "delay_ms", delay.Milliseconds(), "err", msg)
	return false, s.store.Retry(ctx, job.ID, s.clock.Now().Add(delay), msg)
}

// Metrics returns aggregate job counts.
func (s *Service) Metrics(ctx context.Context) (Counts, error) {
	return s.store.Counts(ctx)
}

// Recover requeues active jobs whose lease expired, such as those held by a
// process that stopped mid-pipeline.
func (s *Service) Recover(ctx context.Context) (int, error) {
	n, err := s.store.Recover(ctx, s.clock.Now())
	if n > 0 {
		s.logger.Infow("stalled_jobs_requeued", "count", n)
	}
	return n, err
}

// WatchStalled runs Recover every interval until ctx is done.
func (s *Service) WatchStalled(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = s.lease / 2
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(every):
		}
		if _, err := s.Recover(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warnw("stalled_check_failed", "err", err)
		}
	}
}

func (s *Service) Get(ctx context.Context, id string) (Job, error) { return s.store.Get(ctx, id) }

func (s *Service) Close() error { return s.store.Close() }
