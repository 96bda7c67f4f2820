package venue

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/swapflow/pkg/order"
)

// recordingClock fires immediately and remembers requested durations.
type recordingClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *recordingClock) Now() time.Time { return time.Now() }

func instantConfig() SimConfig {
	cfg := DefaultSimConfig()
	cfg.QuoteLatencyMin, cfg.QuoteLatencyMax = 0, 0
	cfg.ExecLatencyMin, cfg.ExecLatencyMax = 0, 0
	return cfg
}

func TestQuoteWithinProfileBand(t *testing.T) {
	cfg := instantConfig()
	for _, p := range DefaultProfiles() {
		v := NewSimulated(p, cfg, rand.New(rand.NewPCG(7, 7)), nil)
		for i := 0; i < 200; i++ {
			q, err := v.Quote(context.Background(), "SOL", "USDC", 100)
			if err != nil {
				t.Fatalf("%s: %v", p.Name, err)
			}
			if q.Price < cfg.BasePrice*p.PriceLow || q.Price > cfg.BasePrice*p.PriceHigh {
				t.Fatalf("%s price %v outside band", p.Name, q.Price)
			}
			if q.Fee != p.Fee {
				t.Fatalf("%s fee = %v, want %v", p.Name, q.Fee, p.Fee)
			}
			if q.Liquidity < p.LiquidityBase || q.Liquidity > p.LiquidityBase+p.LiquiditySpread {
				t.Fatalf("%s liquidity %v outside range", p.Name, q.Liquidity)
			}
			if diff := q.EffectivePrice - q.Price*(1+q.Fee); diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("effective price %v != price*(1+fee)", q.EffectivePrice)
			}
			if !(q.EffectivePrice > q.Price && q.Price > 0 && q.EstimatedOutput > 0) {
				t.Fatalf("quote invariants violated: %+v", q)
			}
		}
	}
}

func TestSameSeedSameQuotes(t *testing.T) {
	cfg := instantConfig()
	a := NewSimulatedSet(DefaultProfiles(), cfg, 99, nil)
	b := NewSimulatedSet(DefaultProfiles(), cfg, 99, nil)
	for i := range a {
		qa, _ := a[i].Quote(context.Background(), "SOL", "USDC", 10)
		qb, _ := b[i].Quote(context.Background(), "SOL", "USDC", 10)
		if qa != qb {
			t.Errorf("venue %s not reproducible: %+v vs %+v", a[i].Name(), qa, qb)
		}
	}
}

func TestLatencyDrawnFromConfiguredRange(t *testing.T) {
	clock := &recordingClock{}
	cfg := DefaultSimConfig()
	v := NewSimulated(Raydium, cfg, rand.New(rand.NewPCG(1, 2)), clock)

	if _, err := v.Quote(context.Background(), "SOL", "USDC", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := v.ExecuteSwap(context.Background(), "SOL", "USDC", 1, 0); err != nil {
		t.Fatal(err)
	}
	if len(clock.waits) != 2 {
		t.Fatalf("expected 2 waits, got %d", len(clock.waits))
	}
	if w := clock.waits[0]; w < cfg.QuoteLatencyMin || w > cfg.QuoteLatencyMax {
		t.Errorf("quote latency %v outside [%v,%v]", w, cfg.QuoteLatencyMin, cfg.QuoteLatencyMax)
	}
	if w := clock.waits[1]; w < cfg.ExecLatencyMin || w > cfg.ExecLatencyMax {
		t.Errorf("exec latency %v outside [%v,%v]", w, cfg.ExecLatencyMin, cfg.ExecLatencyMax)
	}
}

func TestExecuteSwapSlippageBoundary(t *testing.T) {
	cfg := instantConfig()
	// Pin the executed price to the base price so actual output is exactly 1.
	cfg.ExecPriceLow, cfg.ExecPriceHigh = 1, 1
	v := NewSimulated(Meteora, cfg, rand.New(rand.NewPCG(3, 3)), nil)

	res, err := v.ExecuteSwap(context.Background(), "SOL", "USDC", 100, 1)
	if err != nil {
		t.Fatalf("actual == min must succeed: %v", err)
	}
	if res.ActualOutput != 1 || res.ExecutedPrice != 100 {
		t.Errorf("unexpected result %+v", res)
	}

	_, err = v.ExecuteSwap(context.Background(), "SOL", "USDC", 100, 1.0000001)
	if !errors.Is(err, order.ErrSlippageExceeded) {
		t.Fatalf("actual < min must fail with slippage, got %v", err)
	}
	var se *order.SlippageError
	if !errors.As(err, &se) || se.Actual != 1 {
		t.Errorf("slippage error should carry actual output: %v", err)
	}
}

func TestExecuteSwapUnrealisticMinimum(t *testing.T) {
	v := NewSimulated(Raydium, instantConfig(), nil, nil)
	_, err := v.ExecuteSwap(context.Background(), "SOL", "USDC", 100, 10000)
	if err == nil || !strings.Contains(err.Error(), "Slippage exceeded") {
		t.Fatalf("expected slippage failure, got %v", err)
	}
}

func TestExecuteSwapSuccess(t *testing.T) {
	v := NewSimulated(Raydium, instantConfig(), nil, nil)
	res, err := v.ExecuteSwap(context.Background(), "SOL", "USDC", 100, 0.95)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Reference) != ReferenceLength {
		t.Errorf("reference length = %d", len(res.Reference))
	}
	if res.ExecutedPrice <= 0 || res.ActualOutput <= 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecuteSwapCancelled(t *testing.T) {
	cfg := DefaultSimConfig()
	v := NewSimulated(Raydium, cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := v.ExecuteSwap(ctx, "SOL", "USDC", 1, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestReferenceFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		ref, err := NewReference()
		if err != nil {
			t.Fatal(err)
		}
		if len(ref) != 88 {
			t.Fatalf("len = %d, want 88", len(ref))
		}
		for _, r := range ref {
			if !strings.ContainsRune(ReferenceAlphabet, r) {
				t.Fatalf("character %q outside alphabet in %s", r, ref)
			}
		}
		if strings.ContainsAny(ref, "0OIl") {
			t.Fatalf("ambiguous character in %s", ref)
		}
		if seen[ref] {
			t.Fatalf("duplicate reference %s", ref)
		}
		seen[ref] = true
	}
	if len(ReferenceAlphabet) != 58 {
		t.Fatalf("alphabet has %d characters", len(ReferenceAlphabet))
	}
}
