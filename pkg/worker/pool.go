// Package worker drives queued orders through the swap pipeline:
// pending → routing → building → submitted → confirmed, or failed.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/swapflow/pkg/metrics"
	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/queue"
	"github.com/uhyunpark/swapflow/pkg/routing"
	"github.com/uhyunpark/swapflow/pkg/store"
	"github.com/uhyunpark/swapflow/pkg/util"
)

// Queue is the part of queue.Service the pool consumes.
type Queue interface {
	Next(ctx context.Context) (queue.Job, error)
	Checkpoint(ctx context.Context, job queue.Job) error
	WillRetry(job queue.Job, cause error) bool
	Ack(ctx context.Context, job queue.Job) error
	Nack(ctx context.Context, job queue.Job, cause error) (final bool, err error)
}

// Router quotes and executes swaps.
type Router interface {
	BestQuote(ctx context.Context, tokenIn, tokenOut string, amountIn float64) (routing.Decision, error)
	Execute(ctx context.Context, venue, tokenIn, tokenOut string, amountIn, minAmountOut float64) (order.ExecutionResult, error)
}

// Publisher delivers status events to live subscribers.
type Publisher interface {
	Publish(orderID string, p order.Payload) bool
}

type Config struct {
	Concurrency int
	AckDelay    time.Duration // simulated receipt latency
	BuildDelay  time.Duration // simulated transaction build latency
}

func DefaultConfig() Config {
	return Config{Concurrency: 10, AckDelay: 500 * time.Millisecond, BuildDelay: 800 * time.Millisecond}
}

// Pool runs Concurrency workers, each owning one order at a time.
type Pool struct {
	cfg    Config
	queue  Queue
	router Router
	pub    Publisher
	store  store.Gateway
	clock  util.Clock
	logger *zap.SugaredLogger
}

func NewPool(cfg Config, q Queue, r Router, pub Publisher, gw store.Gateway, clock util.Clock, logger *zap.SugaredLogger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Pool{cfg: cfg, queue: q, router: r, pub: pub, store: gw, clock: clock, logger: util.OrNop(logger)}
}

// Run blocks until ctx is cancelled and every in-flight pipeline finished.
// Cancellation stops claiming new jobs; a claimed job always runs to a
// terminal status or a scheduled retry.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Infow("worker_pool_started", "concurrency", p.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	p.logger.Infow("worker_pool_stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		job, err := p.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warnw("dequeue_failed", "worker", id, "err", err)
			if util.Sleep(ctx, p.clock, time.Second) != nil {
				return
			}
			continue
		}
		p.process(context.WithoutCancel(ctx), job)
	}
}

// process runs one attempt of job and settles it with the queue.
func (p *Pool) process(ctx context.Context, job queue.Job) {
	start := p.clock.Now()
	if job.Checkpoint.StartedAt.IsZero() {
		job.Checkpoint.StartedAt = start
	}
	p.logger.Infow("job_started", "order_id", job.ID, "attempt", job.Attempt,
		"resume_from", job.Checkpoint.Stage, "amount_in", job.Order.AmountIn,
		"token_in", job.Order.TokenIn, "token_out", job.Order.TokenOut)

	r := &run{pool: p, job: &job, order: job.Order}
	if job.Checkpoint.Stage != "" {
		r.order.Status = job.Checkpoint.Stage
	}

	err := r.execute(ctx)
	if errors.Is(err, queue.ErrLeaseLost) {
		// Another worker owns the job now; it settles it.
		p.logger.Warnw("job_lease_lost", "order_id", job.ID, "attempt", job.Attempt, "stage", job.Checkpoint.Stage)
		return
	}
	if err == nil {
		if err := p.queue.Ack(ctx, job); err != nil {
			p.logger.Errorw("job_ack_failed", "order_id", job.ID, "err", err)
		}
		p.observe(order.StatusConfirmed, start)
		return
	}

	if p.queue.WillRetry(job, err) {
		// Not final: keep the current status, record the error for inspection.
		metrics.JobRetries.Inc()
		p.persist(ctx, job.ID, r.order.Status, order.Fields{ErrorMessage: err.Error()})
	} else {
		r.fail(ctx, err)
		p.observe(order.StatusFailed, start)
	}
	if _, nackErr := p.queue.Nack(ctx, job, err); nackErr != nil {
		p.logger.Errorw("job_nack_failed", "order_id", job.ID, "err", nackErr)
	}
}

func (p *Pool) observe(status order.Status, start time.Time) {
	metrics.OrdersFinished.WithLabelValues(status.String()).Inc()
	metrics.PipelineDuration.WithLabelValues(status.String()).Observe(p.clock.Now().Sub(start).Seconds())
}

// persist writes through the gateway. Failures are logged and counted but
// never stop the pipeline.
func (p *Pool) persist(ctx context.Context, id string, status order.Status, f order.Fields) {
	if p.store == nil {
		return
	}
	if err := p.store.UpdateOrderStatus(ctx, id, status, f); err != nil {
		metrics.PersistenceFailures.WithLabelValues(status.String()).Inc()
		p.logger.Warnw("persistence_failed", "order_id", id, "status", status, "err", err)
	}
}

// run is the state of one pipeline attempt.
type run struct {
	pool  *Pool
	job   *queue.Job
	order order.Order
}

func (r *run) cp() *queue.Checkpoint { return &r.job.Checkpoint }

func (r *run) reached(s order.Status) bool {
	return r.cp().Stage != "" && r.cp().Stage.Rank() >= s.Rank()
}

// advance moves the order one status forward, announces it, persists it and
// records the checkpoint.
func (r *run) advance(ctx context.Context, p order.Payload, f order.Fields) error {
	next := p.Status()
	if err := r.order.Transition(next, r.pool.clock.Now()); err != nil {
		return order.Permanent(err)
	}
	r.pool.pub.Publish(r.job.ID, p)
	r.pool.persist(ctx, r.job.ID, next, f)
	r.cp().Stage = next
	if err := r.save(ctx); err != nil {
		return err
	}
	r.pool.logger.Infow("order_status_changed", "order_id", r.job.ID, "status", next)
	return nil
}

// save checkpoints progress and renews the lease. Only a lost lease is
// returned; other failures are logged and the attempt carries on.
func (r *run) save(ctx context.Context) error {
	err := r.pool.queue.Checkpoint(ctx, *r.job)
	if errors.Is(err, queue.ErrLeaseLost) {
		return err
	}
	if err != nil {
		r.pool.logger.Warnw("checkpoint_failed", "order_id", r.job.ID, "stage", r.cp().Stage, "err", err)
	}
	return nil
}

func (r *run) execute(ctx context.Context) error {
	p := r.pool
	o := r.job.Order
	cp := r.cp()

	// pending: the subscriber already received the acknowledgment on connect.
	if !r.reached(order.StatusPending) {
		if err := util.Sleep(ctx, p.clock, p.cfg.AckDelay); err != nil {
			return err
		}
		cp.Stage = order.StatusPending
		if err := r.save(ctx); err != nil {
			return err
		}
	}

	// routing
	if cp.Quote == nil {
		if !r.reached(order.StatusRouting) {
			if err := r.advance(ctx, order.RoutingPayload{Message: "Comparing venue prices"}, order.Fields{}); err != nil {
				return err
			}
		}
		d, err := p.router.BestQuote(ctx, o.TokenIn, o.TokenOut, o.AmountIn)
		if err != nil {
			return err
		}
		best := d.Best
		cp.Quote = &best
		p.persist(ctx, r.job.ID, order.StatusRouting, order.Fields{SelectedVenue: best.Venue})
		if err := r.save(ctx); err != nil {
			return err
		}
	}
	q := *cp.Quote

	// building
	if !r.reached(order.StatusBuilding) {
		cp.MinAmountOut = order.MinAmountOut(q.EstimatedOutput, o.Slippage)
		if err := r.advance(ctx, order.BuildingPayload{
			SelectedVenue:   q.Venue,
			EstimatedOutput: q.EstimatedOutput,
			EstimatedPrice:  q.EffectivePrice,
			MinAmountOut:    cp.MinAmountOut,
		}, order.Fields{SelectedVenue: q.Venue}); err != nil {
			return err
		}
		p.logger.Infow("slippage_floor_computed", "order_id", r.job.ID, "min_amount_out", cp.MinAmountOut)
		if err := util.Sleep(ctx, p.clock, p.cfg.BuildDelay); err != nil {
			return err
		}
	}

	// submitted
	if cp.Result == nil {
		if !r.reached(order.StatusSubmitted) {
			if err := r.advance(ctx, order.SubmittedPayload{
				SelectedVenue: q.Venue,
				Message:       "Transaction submitted to venue",
			}, order.Fields{}); err != nil {
				return err
			}
		}
		res, err := p.router.Execute(ctx, q.Venue, o.TokenIn, o.TokenOut, o.AmountIn, cp.MinAmountOut)
		if err != nil {
			return err
		}
		cp.Result = &res
		if err := r.save(ctx); err != nil {
			return err
		}
	}
	res := *cp.Result

	// confirmed
	if !r.reached(order.StatusConfirmed) {
		elapsed := p.clock.Now().Sub(cp.StartedAt)
		if err := r.advance(ctx, order.ConfirmedPayload{
			SelectedVenue:      q.Venue,
			ExecutionReference: res.Reference,
			ExecutedPrice:      res.ExecutedPrice,
			ActualOutput:       res.ActualOutput,
			ExecutionTime:      order.FormatDuration(elapsed),
		}, order.Fields{
			SelectedVenue:      q.Venue,
			ExecutionPrice:     res.ExecutedPrice,
			ExecutionReference: res.Reference,
			ActualOutput:       res.ActualOutput,
			ExecutionTime:      elapsed,
		}); err != nil {
			return err
		}
		p.logger.Infow("order_confirmed", "order_id", r.job.ID, "venue", q.Venue,
			"executed_price", res.ExecutedPrice, "actual_output", res.ActualOutput,
			"execution_ms", elapsed.Milliseconds())
	}
	return nil
}

// fail announces and persists the terminal failure.
func (r *run) fail(ctx context.Context, cause error) {
	msg := cause.Error()
	if r.order.Status.IsTerminal() {
		return
	}
	r.order.Status = order.StatusFailed
	r.pool.pub.Publish(r.job.ID, order.FailedPayload{Error: msg})
	r.pool.persist(ctx, r.job.ID, order.StatusFailed, order.Fields{ErrorMessage: msg})
	r.cp().Stage = order.StatusFailed

	reason := "error"
	switch {
	case errors.Is(cause, order.ErrSlippageExceeded):
		reason = "slippage"
	case errors.Is(cause, order.ErrRouting):
		reason = "routing"
	}
	r.pool.logger.Warnw("order_failed", "order_id", r.job.ID, "attempt", r.job.Attempt, "reason", reason, "err", msg)
}
