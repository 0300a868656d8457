// Package model defines the core domain types shared across the gateway.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus is the lifecycle state of a brokerage session.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionRevoked SessionStatus = "revoked"
)

// UserSession is one authenticated brokerage session for one user.
// Expiry is absolute: a session is unusable from ExpiresAt on, however
// recently it was used.
type UserSession struct {
	UserID             string        `json:"user_id" db:"user_id"`
	BrokerageAccountID string        `json:"brokerage_account_id" db:"brokerage_account_id"`
	AccessToken        string        `json:"-" db:"access_token"`
	IssuedAt           time.Time     `json:"issued_at" db:"issued_at"`
	ExpiresAt          time.Time     `json:"expires_at" db:"expires_at"`
	Status             SessionStatus `json:"status" db:"status"`
}

// ExpiredAt reports whether the session is past its expiry at now.
func (s UserSession) ExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Tick is one price/quote update for a symbol. Ticks are never mutated;
// a later tick supersedes an earlier one.
type Tick struct {
	Symbol            string          `json:"symbol"`
	LastPrice         decimal.Decimal `json:"last_price"`
	Volume            int64           `json:"volume"`
	Bid               decimal.Decimal `json:"bid"`
	Ask               decimal.Decimal `json:"ask"`
	ExchangeTimestamp time.Time       `json:"exchange_timestamp"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// Quote is the latest tick for a symbol annotated with its freshness.
// A stale quote is still the last real price seen, never a substitute.
type Quote struct {
	Tick
	Stale bool          `json:"stale"`
	Age   time.Duration `json:"age_ns"`
}

// RiskLimits are the per-user ceilings enforced before submission.
// A RiskLimits value is replaced wholesale, never edited field by field.
type RiskLimits struct {
	UserID             string          `json:"user_id" db:"user_id"`
	MaxPositionValue   decimal.Decimal `json:"max_position_value" db:"max_position_value"`
	MaxDailyLoss       decimal.Decimal `json:"max_daily_loss" db:"max_daily_loss"`
	MaxOrderValue      decimal.Decimal `json:"max_order_value" db:"max_order_value"`
	MaxOrdersPerMinute int             `json:"max_orders_per_minute" db:"max_orders_per_minute"`
}

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for BUY and -1 for SELL.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType is the brokerage order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// OrderIntent is a proposed order. ClientOrderKey is chosen by the caller
// and identifies the order for deduplication within one user.
type OrderIntent struct {
	ClientOrderKey string          `json:"client_order_key"`
	UserID         string          `json:"user_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	OrderType      OrderType       `json:"order_type"`
}

// OrderStatus is the lifecycle state of a submitted order.
type OrderStatus string

const (
	OrderSubmitted       OrderStatus = "submitted"
	OrderAccepted        OrderStatus = "accepted"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderRejected        OrderStatus = "rejected"
	OrderCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	default:
		return false
	}
}

// rank orders the non-terminal states so transitions only move forward.
func (s OrderStatus) rank() int {
	switch s {
	case OrderSubmitted:
		return 0
	case OrderAccepted:
		return 1
	case OrderPartiallyFilled:
		return 2
	default:
		return 3
	}
}

// CanMoveTo reports whether a transition from s to next moves forward.
func (s OrderStatus) CanMoveTo(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	if next.Terminal() {
		return true
	}
	return next.rank() > s.rank()
}

// OrderRecord is the gateway's view of an order that passed the risk gate.
type OrderRecord struct {
	ClientOrderKey   string          `json:"client_order_key" db:"client_order_key"`
	UserID           string          `json:"user_id" db:"user_id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Side             Side            `json:"side" db:"side"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	Price            decimal.Decimal `json:"price" db:"price"`
	OrderType        OrderType       `json:"order_type" db:"order_type"`
	BrokerageOrderID string          `json:"brokerage_order_id" db:"brokerage_order_id"`
	Status           OrderStatus     `json:"status" db:"status"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity" db:"filled_quantity"`
	AvgFillPrice     decimal.Decimal `json:"avg_fill_price" db:"avg_fill_price"`
	Reason           string          `json:"reason,omitempty" db:"reason"`
	// Unconfirmed is set while the outcome of a timed-out submission is
	// being reconciled with the brokerage.
	Unconfirmed bool      `json:"unconfirmed" db:"unconfirmed"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Fill is one brokerage-confirmed execution, the delta applied to a Position.
type Fill struct {
	FillID           string          `json:"fill_id"`
	UserID           string          `json:"user_id"`
	ClientOrderKey   string          `json:"client_order_key"`
	BrokerageOrderID string          `json:"brokerage_order_id"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Quantity         decimal.Decimal `json:"quantity"`
	Price            decimal.Decimal `json:"price"`
	ExecutedAt       time.Time       `json:"executed_at"`
}

// Position is a user's net holding in one symbol under average-cost
// accounting.
type Position struct {
	UserID        string          `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	NetQuantity   decimal.Decimal `json:"net_quantity" db:"net_quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price" db:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// PnLSnapshot is derived on every read from positions and latest quotes.
// Symbols without any quote are listed in Unpriced and excluded from the
// unrealized figure and exposure.
type PnLSnapshot struct {
	UserID           string          `json:"user_id"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	DailyRealizedPnL decimal.Decimal `json:"daily_realized_pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	TotalExposure    decimal.Decimal `json:"total_exposure"` // Σ |net| × last price
	Stale            bool            `json:"stale"`
	Unpriced         []string        `json:"unpriced,omitempty"`
}

// Portfolio aggregates all positions for a user with the derived P&L.
type Portfolio struct {
	UserID    string      `json:"user_id"`
	Positions []Position  `json:"positions"`
	PnL       PnLSnapshot `json:"pnl"`
}
