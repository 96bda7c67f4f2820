// Package routing compares venue quotes and picks the execution venue.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/swapflow/pkg/metrics"
	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/util"
	"github.com/uhyunpark/swapflow/pkg/venue"
)

// Decision is the outcome of one routing request.
type Decision struct {
	Best   order.Quote
	Quotes []order.Quote // every quote received, in venue priority order
}

// Savings is the effective-price gap between the best and the runner-up quote.
func (d Decision) Savings() float64 {
	if len(d.Quotes) < 2 {
		return 0
	}
	runnerUp := math.Inf(1)
	for _, q := range d.Quotes {
		if q.Venue != d.Best.Venue && q.EffectivePrice < runnerUp {
			runnerUp = q.EffectivePrice
		}
	}
	return runnerUp - d.Best.EffectivePrice
}

// Options controls fan-out failure semantics.
type Options struct {
	// PartialTolerance proceeds with whichever venues answered, requiring at
	// least one. When false any venue failure aborts routing.
	PartialTolerance bool
}

// Engine fans quote requests out to every registered venue.
type Engine struct {
	adapters []venue.Adapter
	priority map[string]int
	opts     Options
	logger   *zap.SugaredLogger
}

// NewEngine registers adapters; registration order is the tie-break priority.
func NewEngine(adapters []venue.Adapter, opts Options, logger *zap.SugaredLogger) (*Engine, error) {
	if len(adapters) == 0 {
		return nil, errors.New("routing: no venues registered")
	}
	priority := make(map[string]int, len(adapters))
	for i, a := range adapters {
		if _, dup := priority[a.Name()]; dup {
			return nil, fmt.Errorf("routing: duplicate venue %q", a.Name())
		}
		priority[a.Name()] = i
	}
	return &Engine{adapters: adapters, priority: priority, opts: opts, logger: util.OrNop(logger)}, nil
}

// Venues lists registered venue names in priority order.
func (e *Engine) Venues() []string {
	names := make([]string, len(e.adapters))
	for i, a := range e.adapters {
		names[i] = a.Name()
	}
	return names
}

// SelectBest returns the quote with the strictly lower effective price. Equal
// effective prices resolve to the venue registered first, then to the
// lexicographically smaller venue name.
func (e *Engine) SelectBest(a, b order.Quote) order.Quote {
	if a.EffectivePrice != b.EffectivePrice {
		if a.EffectivePrice < b.EffectivePrice {
			return a
		}
		return b
	}
	pa, okA := e.priority[a.Venue]
	pb, okB := e.priority[b.Venue]
	switch {
	case okA && okB && pa != pb:
		if pa < pb {
			return a
		}
		return b
	case okA && !okB:
		return a
	case okB && !okA:
		return b
	}
	if b.Venue < a.Venue {
		return b
	}
	return a
}

// BestQuote queries every venue concurrently and waits for all of them.
func (e *Engine) BestQuote(ctx context.Context, tokenIn, tokenOut string, amountIn float64) (Decision, error) {
	quotes := make([]order.Quote, len(e.adapters))
	errs := make([]error, len(e.adapters))

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range e.adapters {
		g.Go(func() error {
			start := time.Now()
			q, err := a.Quote(gctx, tokenIn, tokenOut, amountIn)
			metrics.ObserveQuote(a.Name(), time.Since(start), err)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", a.Name(), err)
				if !e.opts.PartialTolerance {
					return errs[i]
				}
				return nil
			}
			quotes[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warnw("routing_failed", "token_in", tokenIn, "token_out", tokenOut, "err", err)
		return Decision{}, fmt.Errorf("%w: %v", order.ErrRouting, err)
	}

	var d Decision
	var failed []error
	for i := range e.adapters {
		if errs[i] != nil {
			failed = append(failed, errs[i])
			continue
		}
		d.Quotes = append(d.Quotes, quotes[i])
	}
	if len(d.Quotes) == 0 {
		return Decision{}, fmt.Errorf("%w: no venue returned a quote: %v", order.ErrRouting, errors.Join(failed...))
	}

	d.Best = d.Quotes[0]
	for _, q := range d.Quotes[1:] {
		d.Best = e.SelectBest(d.Best, q)
	}

	e.logDecision(tokenIn, tokenOut, amountIn, d, failed)
	metrics.VenueSelections.WithLabelValues(d.Best.Venue).Inc()
	return d, nil
}

func (e *Engine) logDecision(tokenIn, tokenOut string, amountIn float64, d Decision, failed []error) {
	comparison := make([]map[string]any, 0, len(d.Quotes))
	for _, q := range d.Quotes {
		comparison = append(comparison, map[string]any{
			"venue":           q.Venue,
			"price":           q.Price,
			"fee":             q.Fee,
			"effective_price": q.EffectivePrice,
			"liquidity":       q.Liquidity,
		})
	}
	fields := []any{
		"token_in", tokenIn,
		"token_out", tokenOut,
		"amount_in", amountIn,
		"quotes", comparison,
		"selected", d.Best.Venue,
		"savings_per_token", d.Savings(),
	}
	if len(failed) > 0 {
		fields = append(fields, "skipped_venues", errors.Join(failed...).Error())
	}
	e.logger.Infow("venue_selected", fields...)
}

// Execute runs the swap on the named venue.
func (e *Engine) Execute(ctx context.Context, venueName, tokenIn, tokenOut string, amountIn, minAmountOut float64) (order.ExecutionResult, error) {
	i, ok := e.priority[venueName]
	if !ok {
		return order.ExecutionResult{}, fmt.Errorf("%w: unknown venue %q", order.ErrRouting, venueName)
	}
	a := e.adapters[i]
	e.logger.Infow("swap_executing", "venue", venueName, "token_in", tokenIn, "token_out", tokenOut,
		"amount_in", amountIn, "min_amount_out", minAmountOut)
	res, err := a.ExecuteSwap(ctx, tokenIn, tokenOut, amountIn, minAmountOut)
	if err != nil {
		return order.ExecutionResult{}, err
	}
	e.logger.Infow("swap_executed", "venue", venueName, "actual_output", res.ActualOutput,
		"executed_price", res.ExecutedPrice, "reference", res.Reference)
	return res, nil
}
