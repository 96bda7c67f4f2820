package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uhyunpark/swapflow/pkg/order"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id            VARCHAR(36) PRIMARY KEY,
	wallet_address      VARCHAR(64) NOT NULL,
	token_in            VARCHAR(64) NOT NULL,
	token_out           VARCHAR(64) NOT NULL,
	amount_in           NUMERIC NOT NULL,
	slippage            NUMERIC NOT NULL,
	order_type          VARCHAR(20) NOT NULL,
	status              VARCHAR(20) NOT NULL,
	selected_venue      VARCHAR(32),
	execution_price     NUMERIC,
	execution_reference VARCHAR(88),
	actual_output       NUMERIC,
	execution_time_ms   BIGINT,
	error_message       TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_orders_wallet ON orders(wallet_address);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at DESC);
`

const selectColumns = `order_id, wallet_address, token_in, token_out, amount_in, slippage,
	order_type, status, selected_venue, execution_price, execution_reference,
	actual_output, execution_time_ms, error_message, created_at, updated_at`

// PostgresStore is the Gateway used when several nodes share order history.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies the connection and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) SaveOrder(ctx context.Context, o order.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (order_id, wallet_address, token_in, token_out, amount_in, slippage, order_type, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (order_id) DO NOTHING`,
		o.ID, o.WalletAddress, o.TokenIn, o.TokenOut, o.AmountIn, o.Slippage,
		string(o.Type), string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: save order %s: %w", order.ErrPersistence, o.ID, err)
	}
	return nil
}

// buildUpdate renders the UPDATE for a status change, setting only the
// non-zero fields.
func buildUpdate(id string, status order.Status, f order.Fields, now time.Time) (string, []any) {
	sets := []string{"status = $2", "updated_at = $3"}
	args := []any{id, string(status), now}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.SelectedVenue != "" {
		add("selected_venue", f.SelectedVenue)
	}
	if f.ExecutionPrice != 0 {
		add("execution_price", f.ExecutionPrice)
	}
	if f.ExecutionReference != "" {
		add("execution_reference", f.ExecutionReference)
	}
	if f.ActualOutput != 0 {
		add("actual_output", f.ActualOutput)
	}
	if f.ExecutionTime != 0 {
		add("execution_time_ms", f.ExecutionTime.Milliseconds())
	}
	if f.ErrorMessage != "" {
		add("error_message", f.ErrorMessage)
	}
	return "UPDATE orders SET " + strings.Join(sets, ", ") + " WHERE order_id = $1", args
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, id string, status order.Status, f order.Fields) error {
	query, args := buildUpdate(id, status, f, time.Now().UTC())
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update order %s: %w", order.ErrPersistence, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return nil
}

func scanOrder(row pgx.Row) (order.Order, error) {
	var (
		o                  order.Order
		orderType, status  string
		venue, ref, errMsg *string
		price, actual      *float64
		execMs             *int64
	)
	err := row.Scan(&o.ID, &o.WalletAddress, &o.TokenIn, &o.TokenOut, &o.AmountIn, &o.Slippage,
		&orderType, &status, &venue, &price, &ref, &actual, &execMs, &errMsg,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return order.Order{}, err
	}
	o.Type = order.Type(orderType)
	o.Status = order.Status(status)
	if venue != nil {
		o.SelectedVenue = *venue
	}
	if price != nil {
		o.ExecutionPrice = *price
	}
	if ref != nil {
		o.ExecutionReference = *ref
	}
	if actual != nil {
		o.ActualOutput = *actual
	}
	if execMs != nil {
		o.ExecutionTimeMs = *execMs
	}
	if errMsg != nil {
		o.ErrorMessage = *errMsg
	}
	return o, nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (order.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, "SELECT "+selectColumns+" FROM orders WHERE order_id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) GetOrderHistory(ctx context.Context, wallet string, limit int) ([]order.Order, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+selectColumns+" FROM orders WHERE wallet_address = $1 ORDER BY created_at DESC LIMIT $2",
		wallet, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out := make([]order.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Gateway = (*PostgresStore)(nil)
