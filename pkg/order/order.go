// Package order holds the swap order domain: lifecycle states, the ingress
// request, venue quotes, execution results and the status events streamed to
// subscribers.
package order

import (
	"fmt"
	"time"
)

// Status is the processing state of an order.
//
//	pending → routing → building → submitted → confirmed
//	   └─────────┴──────────┴──────────┴──────→ failed
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// HappyPath lists the non-failure states in pipeline order.
var HappyPath = []Status{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed}

func (s Status) String() string { return string(s) }

// Rank is the position of s on the happy path; failed and unknown states return -1.
func (s Status) Rank() int {
	for i, st := range HappyPath {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Status) Valid() bool { return s == StatusFailed || s.Rank() >= 0 }

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool { return s == StatusConfirmed || s == StatusFailed }

// CanTransition reports whether s may move to next. Moves go one step forward
// along the happy path, or to failed from any non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() || !s.Valid() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.Rank() == s.Rank()+1
}

// Type is the submitter's order style. Only market semantics are executed;
// limit and sniper are carried through for record keeping.
type Type string

const (
	TypeMarket Type = "market"
	TypeLimit  Type = "limit"
	TypeSniper Type = "sniper"
)

// Order is a single swap request tracked to a terminal state.
type Order struct {
	ID            string    `json:"orderId"`
	WalletAddress string    `json:"walletAddress"`
	TokenIn       string    `json:"tokenIn"`
	TokenOut      string    `json:"tokenOut"`
	AmountIn      float64   `json:"amountIn"`
	Slippage      float64   `json:"slippage"` // fraction in [0,1]
	Type          Type      `json:"orderType"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	// Populated as the order advances
	SelectedVenue      string  `json:"selectedVenue,omitempty"`
	ExecutionPrice     float64 `json:"executionPrice,omitempty"`
	ExecutionReference string  `json:"executionReference,omitempty"`
	ActualOutput       float64 `json:"actualOutput,omitempty"`
	ExecutionTimeMs    int64   `json:"executionTimeMs,omitempty"`
	ErrorMessage       string  `json:"errorMessage,omitempty"`
}

// Transition moves the order to next, enforcing the state machine.
func (o *Order) Transition(next Status, now time.Time) error {
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = now
	return nil
}

// Fields is a partial update applied alongside a status change. Zero values
// mean "leave unchanged".
type Fields struct {
	SelectedVenue      string
	ExecutionPrice     float64
	ExecutionReference string
	ActualOutput       float64
	ExecutionTime      time.Duration
	ErrorMessage       string
}

// Apply overwrites status and merges the non-zero fields. Stores use it for
// upserts; it does not check transitions.
func (o *Order) Apply(status Status, f Fields, now time.Time) {
	o.Status = status
	if f.SelectedVenue != "" {
		o.SelectedVenue = f.SelectedVenue
	}
	if f.ExecutionPrice != 0 {
		o.ExecutionPrice = f.ExecutionPrice
	}
	if f.ExecutionReference != "" {
		o.ExecutionReference = f.ExecutionReference
	}
	if f.ActualOutput != 0 {
		o.ActualOutput = f.ActualOutput
	}
	if f.ExecutionTime != 0 {
		o.ExecutionTimeMs = f.ExecutionTime.Milliseconds()
	}
	if f.ErrorMessage != "" {
		o.ErrorMessage = f.ErrorMessage
	}
	o.UpdatedAt = now
}

// Quote is one venue's offer for a swap. Effective price is the quoted price
// inflated by the venue fee and is the basis for venue selection.
type Quote struct {
	Venue           string  `json:"venue"`
	Price           float64 `json:"price"`
	Fee             float64 `json:"fee"`
	EffectivePrice  float64 `json:"effectivePrice"`
	Liquidity       float64 `json:"liquidity"`
	EstimatedOutput float64 `json:"estimatedOutput"`
}

// NewQuote derives effective price and estimated output from the raw offer.
func NewQuote(venue string, price, fee, liquidity, amountIn float64) Quote {
	effective := price * (1 + fee)
	return Quote{
		Venue:           venue,
		Price:           price,
		Fee:             fee,
		EffectivePrice:  effective,
		Liquidity:       liquidity,
		EstimatedOutput: amountIn / effective,
	}
}

// MinAmountOut is the slippage-protected floor for the actual output.
func MinAmountOut(estimatedOutput, slippage float64) float64 {
	return estimatedOutput * (1 - slippage)
}

// ExecutionResult is returned by a successful venue execution.
type ExecutionResult struct {
	Reference     string  `json:"executionReference"`
	ExecutedPrice float64 `json:"executedPrice"`
	ActualOutput  float64 `json:"actualOutput"`
}
