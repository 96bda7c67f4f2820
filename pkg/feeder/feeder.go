package feeder

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/swapflow/pkg/order"
	"github.com/uhyunpark/swapflow/pkg/util"
)

// Submitter accepts orders the same way the HTTP ingress does.
type Submitter interface {
	Submit(ctx context.Context, req order.Request) (order.Order, error)
}

type Config struct {
	Interval time.Duration // one order per tick
	Wallets  int
	Pairs    []string // "IN/OUT"
	Seed     uint64   // 0 seeds from time
}

func DefaultConfig() Config {
	return Config{Interval: 2 * time.Second, Wallets: 20, Pairs: []string{"SOL/USDC", "USDC/SOL"}}
}

// Start submits a generated order every Interval until ctx is cancelled or
// the returned cancel func is called.
func Start(ctx context.Context, sub Submitter, cfg Config, logger *zap.SugaredLogger) (context.CancelFunc, error) {
	logger = util.OrNop(logger)
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	gen, err := NewGenerator(cfg.Wallets, cfg.Pairs, rand.New(rand.NewPCG(seed, 0)))
	if err != nil {
		return nil, err
	}

	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		startTime := time.Now()
		submitted, failed := 0, 0
		logger.Infow("order_feeder_started", "interval", cfg.Interval, "wallets", cfg.Wallets, "pairs", cfg.Pairs)

		for {
			select {
			case <-feedCtx.Done():
				logger.Infow("order_feeder_stopped", "submitted", submitted, "failed", failed,
					"elapsed", time.Since(startTime).Round(time.Second))
				return

			case <-ticker.C:
				o, err := sub.Submit(feedCtx, gen.Next())
				if err != nil {
					failed++
					logger.Warnw("order_feeder_submit_failed", "err", err)
					continue
				}
				submitted++
				logger.Debugw("order_feeder_submitted", "order_id", o.ID)
			}
		}
	}()

	return cancel, nil
}
