// Package venue provides execution venues: a quoting and swap-execution
// capability per exchange, with a simulated reference implementation.
package venue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/util"
)

// Adapter quotes and executes swaps on one venue.
type Adapter interface {
	Name() string
	Quote(ctx context.Context, tokenIn, tokenOut string, amountIn float64) (order.Quote, error)
	ExecuteSwap(ctx context.Context, tokenIn, tokenOut string, amountIn, minAmountOut float64) (order.ExecutionResult, error)
}

// Profile parameterises the simulated price model of a venue.
type Profile struct {
	Name string
	Fee  float64 // fixed fee fraction
	// Quoted price is BasePrice * U(PriceLow, PriceHigh)
	PriceLow  float64
	PriceHigh float64
	// Liquidity is LiquidityBase + U(0,1) * LiquiditySpread
	LiquidityBase   float64
	LiquiditySpread float64
}

var (
	Raydium = Profile{
		Name:            "raydium",
		Fee:             0.003,
		PriceLow:        0.98,
		PriceHigh:       1.02,
		LiquidityBase:   1_000_000,
		LiquiditySpread: 500_000,
	}
	Meteora = Profile{
		Name:            "meteora",
		Fee:             0.002,
		PriceLow:        0.97,
		PriceHigh:       1.03,
		LiquidityBase:   800_000,
		LiquiditySpread: 600_000,
	}
)

// DefaultProfiles returns the reference venues in routing priority order.
func DefaultProfiles() []Profile { return []Profile{Raydium, Meteora} }

// SimConfig holds the market and latency model shared by simulated venues.
type SimConfig struct {
	BasePrice       float64
	QuoteLatencyMin time.Duration
	QuoteLatencyMax time.Duration
	ExecLatencyMin  time.Duration
	ExecLatencyMax  time.Duration
	// Executed price is BasePrice * U(ExecPriceLow, ExecPriceHigh)
	ExecPriceLow  float64
	ExecPriceHigh float64
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		BasePrice:       100,
		QuoteLatencyMin: 150 * time.Millisecond,
		QuoteLatencyMax: 250 * time.Millisecond,
		ExecLatencyMin:  2 * time.Second,
		ExecLatencyMax:  3 * time.Second,
		ExecPriceLow:    0.995,
		ExecPriceHigh:   1.005,
	}
}

// Simulated is a venue whose prices are drawn from a seeded generator.
// Execution references always come from crypto/rand regardless of the seed.
type Simulated struct {
	profile Profile
	cfg     SimConfig
	clock   util.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulated builds a simulated venue. rng must not be shared with other
// goroutines outside this adapter.
func NewSimulated(p Profile, cfg SimConfig, rng *rand.Rand, clock util.Clock) *Simulated {
	if clock == nil {
		clock = util.RealClock{}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return &Simulated{profile: p, cfg: cfg, clock: clock, rng: rng}
}

// NewSimulatedSet builds one simulated venue per profile, each with its own
// generator derived from seed so runs with the same seed are reproducible.
func NewSimulatedSet(profiles []Profile, cfg SimConfig, seed uint64, clock util.Clock) []Adapter {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	out := make([]Adapter, 0, len(profiles))
	for i, p := range profiles {
		rng := rand.New(rand.NewPCG(seed, uint64(i+1)))
		out = append(out, NewSimulated(p, cfg, rng, clock))
	}
	return out
}

func (s *Simulated) Name() string { return s.profile.Name }

func (s *Simulated) uniform(lo, hi float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + s.rng.Float64()*(hi-lo)
}

func (s *Simulated) latency(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.uniform(0, float64(hi-lo)))
}

func (s *Simulated) Quote(ctx context.Context, tokenIn, tokenOut string, amountIn float64) (order.Quote, error) {
	if err := util.Sleep(ctx, s.clock, s.latency(s.cfg.QuoteLatencyMin, s.cfg.QuoteLatencyMax)); err != nil {
		return order.Quote{}, fmt.Errorf("%s quote: %w", s.profile.Name, err)
	}
	price := s.cfg.BasePrice * s.uniform(s.profile.PriceLow, s.profile.PriceHigh)
	liquidity := s.profile.LiquidityBase + s.uniform(0, 1)*s.profile.LiquiditySpread
	return order.NewQuote(s.profile.Name, price, s.profile.Fee, liquidity, amountIn), nil
}

func (s *Simulated) ExecuteSwap(ctx context.Context, tokenIn, tokenOut string, amountIn, minAmountOut float64) (order.ExecutionResult, error) {
	if err := util.Sleep(ctx, s.clock, s.latency(s.cfg.ExecLatencyMin, s.cfg.ExecLatencyMax)); err != nil {
		return order.ExecutionResult{}, fmt.Errorf("%s execute: %w", s.profile.Name, err)
	}

	executed := s.cfg.BasePrice * s.uniform(s.cfg.ExecPriceLow, s.cfg.ExecPriceHigh)
	actual := amountIn / executed
	if actual < minAmountOut {
		return order.ExecutionResult{}, &order.SlippageError{Expected: minAmountOut, Actual: actual}
	}

	ref, err := NewReference()
	if err != nil {
		return order.ExecutionResult{}, fmt.Errorf("%s execute: %w", s.profile.Name, err)
	}
	return order.ExecutionResult{Reference: ref, ExecutedPrice: executed, ActualOutput: actual}, nil
}

var _ Adapter = (*Simulated)(nil)
