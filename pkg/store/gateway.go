// Package store persists the order record that backs history and lookup.
// The pipeline treats it as best effort: a failed write is logged and the
// order keeps progressing.
package store

import (
	"context"

	"github.com/uhyunpark/swapflow/pkg/order"
)

// DefaultHistoryLimit applies when a caller passes a non-positive limit.
const DefaultHistoryLimit = 50

// Gateway is the durable order record.
type Gateway interface {
	// SaveOrder inserts o. Saving an existing order ID is a no-op.
	SaveOrder(ctx context.Context, o order.Order) error
	// UpdateOrderStatus sets status and merges the non-zero fields.
	// Unknown IDs return order.ErrNotFound.
	UpdateOrderStatus(ctx context.Context, id string, status order.Status, f order.Fields) error
	GetOrder(ctx context.Context, id string) (order.Order, error)
	// GetOrderHistory returns up to limit orders for wallet, newest first.
	GetOrderHistory(ctx context.Context, wallet string, limit int) ([]order.Order, error)
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return limit
}
