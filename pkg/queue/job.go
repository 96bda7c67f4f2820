// Package queue is the durable boundary between order submission and the
// worker pool: idempotent admission, claim/ack, retry with exponential
// backoff and bounded retention of finished jobs.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/uhyunpark/swapflow/pkg/order"
)

var (
	ErrEmpty            = errors.New("queue: no job ready")
	ErrNotFound         = errors.New("queue: job not found")
	ErrQueueUnavailable = errors.New("queue: backing store unavailable")
	// ErrLeaseLost means the job was requeued and possibly claimed again
	// after the caller's lease expired.
	ErrLeaseLost = errors.New("queue: job lease lost")
)

type State string

const (
	StateWaiting   State = "waiting" // includes retries whose backoff has not elapsed
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Checkpoint records pipeline progress so a retried job resumes after the
// last completed step instead of repeating its side effects.
type Checkpoint struct {
	// Stage is the furthest status announced for the order.
	Stage        order.Status           `json:"stage,omitempty"`
	Quote        *order.Quote           `json:"quote,omitempty"`
	MinAmountOut float64                `json:"minAmountOut,omitempty"`
	Result       *order.ExecutionResult `json:"result,omitempty"`
	// StartedAt is when the first attempt began; total elapsed time is
	// measured from here across retries.
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// Job is a queued unit of work keyed by the order identifier.
type Job struct {
	ID          string      `json:"id"`
	Order       order.Order `json:"order"`
	Attempt     int         `json:"attempt"` // attempts started, incremented on claim
	MaxAttempts int         `json:"maxAttempts"`
	State       State       `json:"state"`
	Checkpoint  Checkpoint  `json:"checkpoint"`
	LastError   string      `json:"lastError,omitempty"`
	EnqueuedAt  time.Time   `json:"enqueuedAt"`
	AvailableAt time.Time   `json:"availableAt"`
	// LeaseUntil is when an active job counts as stalled unless renewed.
	LeaseUntil time.Time `json:"leaseUntil,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// Counts are aggregate job counts by state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Map returns counts keyed by state name.
func (c Counts) Map() map[string]int64 {
	return map[string]int64{
		string(StateWaiting):   c.Waiting,
		string(StateActive):    c.Active,
		string(StateCompleted): c.Completed,
		string(StateFailed):    c.Failed,
	}
}

// Retention bounds how many finished jobs are kept for inspection.
type Retention struct {
	KeepCompleted int
	KeepFailed    int
}

// Store is a durable job backend. Implementations must make each call
// atomic with respect to concurrent claimers.
type Store interface {
	// Add inserts job unless a job with the same ID exists; added reports which.
	Add(ctx context.Context, job Job) (added bool, err error)
	// Claim moves the oldest waiting job available at now to active, leased
	// until leaseUntil, and increments its attempt counter. Returns ErrEmpty
	// when nothing is ready.
	Claim(ctx context.Context, now, leaseUntil time.Time) (Job, error)
	// SaveCheckpoint stores job.Checkpoint and renews the lease. It returns
	// ErrLeaseLost unless job is still active under the same attempt.
	SaveCheckpoint(ctx context.Context, job Job, leaseUntil time.Time) error
	Complete(ctx context.Context, id string, now time.Time) error
	Retry(ctx context.Context, id string, availableAt time.Time, errMsg string) error
	Fail(ctx context.Context, id string, now time.Time, errMsg string) error
	Get(ctx context.Context, id string) (Job, error)
	Counts(ctx context.Context) (Counts, error)
	// Recover returns active jobs whose lease expired before now to waiting.
	// Jobs still leased by a live worker are left alone.
	Recover(ctx context.Context, now time.Time) (int, error)
	Close() error
}
