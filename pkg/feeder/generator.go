// Package feeder generates synthetic swap orders for load testing a running
// node.
package feeder

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/uhyunpark/swapflow/pkg/order"
)

// Generator creates random valid order requests.
type Generator struct {
	wallets []string
	pairs   [][2]string
	rng     *rand.Rand
}

// NewGenerator builds a generator over numWallets simulated wallets and
// pairs written as "IN/OUT". Malformed pairs are skipped.
func NewGenerator(numWallets int, pairs []string, rng *rand.Rand) (*Generator, error) {
	if numWallets <= 0 {
		numWallets = 1
	}
	wallets := make([]string, numWallets)
	for i := range wallets {
		wallets[i] = fmt.Sprintf("wallet_%d", i+1)
	}

	var parsed [][2]string
	for _, p := range pairs {
		in, out, ok := strings.Cut(p, "/")
		if !ok || in == "" || out == "" || in == out {
			continue
		}
		parsed = append(parsed, [2]string{in, out})
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("no valid pairs in %v", pairs)
	}
	return &Generator{wallets: wallets, pairs: parsed, rng: rng}, nil
}

// Next returns a random request.
func (g *Generator) Next() order.Request {
	pair := g.pairs[g.rng.IntN(len(g.pairs))]

	// Slippage: 70% 1%, 20% 0.5%, 10% 5%
	slippage := 0.01
	switch r := g.rng.IntN(100); {
	case r >= 90:
		slippage = 0.05
	case r >= 70:
		slippage = 0.005
	}

	// 0.1 to 100 units
	amount := 0.1 + g.rng.Float64()*99.9

	return order.Request{
		TokenIn:       pair[0],
		TokenOut:      pair[1],
		AmountIn:      amount,
		Slippage:      &slippage,
		WalletAddress: g.wallets[g.rng.IntN(len(g.wallets))],
		OrderType:     order.TypeMarket,
	}
}
