package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-gateway/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Expected tables: sessions (user_id PK), orders (user_id, client_order_key
// PK), positions (user_id, symbol PK), risk_limits (user_id PK).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess model.UserSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (user_id, brokerage_account_id, issued_at, expires_at, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET brokerage_account_id = EXCLUDED.brokerage_account_id,
		     issued_at = EXCLUDED.issued_at,
		     expires_at = EXCLUDED.expires_at,
		     status = EXCLUDED.status`,
		sess.UserID, sess.BrokerageAccountID, sess.IssuedAt, sess.ExpiresAt, sess.Status,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.UserID, err)
	}
	return nil
}

func (s *PostgresStore) SaveOrder(ctx context.Context, o model.OrderRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (user_id, client_order_key, symbol, side, quantity, price, order_type,
		                     brokerage_order_id, status, filled_quantity, avg_fill_price, reason,
		                     unconfirmed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15)
		 ON CONFLICT (user_id, client_order_key) DO UPDATE
		 SET brokerage_order_id = EXCLUDED.brokerage_order_id,
		     status = EXCLUDED.status,
		     filled_quantity = EXCLUDED.filled_quantity,
		     avg_fill_price = EXCLUDED.avg_fill_price,
		     reason = EXCLUDED.reason,
		     unconfirmed = EXCLUDED.unconfirmed,
		     updated_at = EXCLUDED.updated_at`,
		o.UserID, o.ClientOrderKey, o.Symbol, o.Side,
		o.Quantity.String(), o.Price.String(), o.OrderType,
		o.BrokerageOrderID, o.Status,
		o.FilledQuantity.String(), o.AvgFillPrice.String(), o.Reason,
		o.Unconfirmed, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save order %s/%s: %w", o.UserID, o.ClientOrderKey, err)
	}
	return nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, userID string) ([]model.OrderRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, client_order_key, symbol, side,
		        quantity::TEXT, price::TEXT, order_type,
		        brokerage_order_id, status,
		        filled_quantity::TEXT, avg_fill_price::TEXT, reason,
		        unconfirmed, created_at, updated_at
		 FROM orders WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) SavePosition(ctx context.Context, p model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, symbol, net_quantity, avg_entry_price, realized_pnl, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (user_id, symbol) DO UPDATE
		 SET net_quantity = EXCLUDED.net_quantity,
		     avg_entry_price = EXCLUDED.avg_entry_price,
		     realized_pnl = EXCLUDED.realized_pnl,
		     updated_at = EXCLUDED.updated_at
		 WHERE positions.updated_at <= EXCLUDED.updated_at`,
		p.UserID, p.Symbol,
		p.NetQuantity.String(), p.AvgEntryPrice.String(), p.RealizedPnL.String(),
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", p.UserID, p.Symbol, err)
	}
	return nil
}

func (s *PostgresStore) LoadPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, symbol, net_quantity::TEXT, avg_entry_price::TEXT, realized_pnl::TEXT, updated_at
		 FROM positions ORDER BY user_id, symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var netS, avgS, realizedS string
		if err := rows.Scan(&p.UserID, &p.Symbol, &netS, &avgS, &realizedS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.NetQuantity, _ = decimal.NewFromString(netS)
		p.AvgEntryPrice, _ = decimal.NewFromString(avgS)
		p.RealizedPnL, _ = decimal.NewFromString(realizedS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SaveRiskLimits(ctx context.Context, l model.RiskLimits) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_limits (user_id, max_position_value, max_daily_loss, max_order_value, max_orders_per_minute)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET max_position_value = EXCLUDED.max_position_value,
		     max_daily_loss = EXCLUDED.max_daily_loss,
		     max_order_value = EXCLUDED.max_order_value,
		     max_orders_per_minute = EXCLUDED.max_orders_per_minute`,
		l.UserID,
		l.MaxPositionValue.String(), l.MaxDailyLoss.String(), l.MaxOrderValue.String(),
		l.MaxOrdersPerMinute,
	)
	if err != nil {
		return fmt.Errorf("save risk limits %s: %w", l.UserID, err)
	}
	return nil
}

func (s *PostgresStore) LoadRiskLimits(ctx context.Context) ([]model.RiskLimits, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, max_position_value::TEXT, max_daily_loss::TEXT, max_order_value::TEXT, max_orders_per_minute
		 FROM risk_limits ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var limits []model.RiskLimits
	for rows.Next() {
		var l model.RiskLimits
		var posS, lossS, orderS string
		if err := rows.Scan(&l.UserID, &posS, &lossS, &orderS, &l.MaxOrdersPerMinute); err != nil {
			return nil, err
		}
		l.MaxPositionValue, _ = decimal.NewFromString(posS)
		l.MaxDailyLoss, _ = decimal.NewFromString(lossS)
		l.MaxOrderValue, _ = decimal.NewFromString(orderS)
		limits = append(limits, l)
	}
	return limits, rows.Err()
}

// scanOrders reads pgx rows into OrderRecord slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.OrderRecord, error) {
	var orders []model.OrderRecord
	for rows.Next() {
		var o model.OrderRecord
		var qtyS, priceS, filledS, avgS string

		if err := rows.Scan(&o.UserID, &o.ClientOrderKey, &o.Symbol, &o.Side,
			&qtyS, &priceS, &o.OrderType,
			&o.BrokerageOrderID, &o.Status,
			&filledS, &avgS, &o.Reason,
			&o.Unconfirmed, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}

		o.Quantity, _ = decimal.NewFromString(qtyS)
		o.Price, _ = decimal.NewFromString(priceS)
		o.FilledQuantity, _ = decimal.NewFromString(filledS)
		o.AvgFillPrice, _ = decimal.NewFromString(avgS)

		orders = append(orders, o)
	}
	return orders, rows.Err()
}
