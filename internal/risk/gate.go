// Package risk decides whether an order intent may be sent to the
// brokerage. Validate is pure: it reads only its input and never blocks.
//
// Rules are evaluated in a fixed order and the first failure wins:
//
//	invalid_order          intent is malformed
//	no_risk_limits         the user has no limits configured
//	no_market_data         no quote exists for the symbol
//	stale_market_data      the quote is stale
//	max_order_value        quantity × price > MaxOrderValue
//	max_position_value     |net + signed qty| × last > MaxPositionValue
//	max_daily_loss         -(daily P&L) + notional × adverse move > MaxDailyLoss
//	max_orders_per_minute  orders in the trailing minute ≥ MaxOrdersPerMinute
//
// Position and daily-loss rules apply only to orders that increase
// absolute exposure, so a reducing order is never blocked by them and a
// smaller order passes whenever a larger one in the same direction does.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-gateway/internal/model"
)

// Rule names a risk check.
type Rule string

const (
	RuleInvalidOrder       Rule = "invalid_order"
	RuleNoLimits           Rule = "no_risk_limits"
	RuleNoMarketData       Rule = "no_market_data"
	RuleStaleMarketData    Rule = "stale_market_data"
	RuleMaxOrderValue      Rule = "max_order_value"
	RuleMaxPositionValue   Rule = "max_position_value"
	RuleMaxDailyLoss       Rule = "max_daily_loss"
	RuleMaxOrdersPerMinute Rule = "max_orders_per_minute"
)

// Rejection is returned when an order fails a rule.
type Rejection struct {
	Rule   Rule
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk: %s: %s", r.Rule, r.Detail)
}

func reject(rule Rule, format string, args ...any) *Rejection {
	return &Rejection{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// DefaultAdverseMove is the fraction of notional assumed lost when sizing
// the daily-loss check.
var DefaultAdverseMove = decimal.NewFromFloat(0.10)

// Gate evaluates intents against per-user limits.
type Gate struct {
	AdverseMove decimal.Decimal
}

// NewGate creates a gate. A non-positive adverseMove uses DefaultAdverseMove.
func NewGate(adverseMove decimal.Decimal) *Gate {
	if !adverseMove.IsPositive() {
		adverseMove = DefaultAdverseMove
	}
	return &Gate{AdverseMove: adverseMove}
}

// Input is everything Validate looks at.
type Input struct {
	Intent       model.OrderIntent
	Position     model.Position // zero value when flat
	Limits       *model.RiskLimits
	Quote        *model.Quote
	DailyPnL     decimal.Decimal // realized today + unrealized
	RecentOrders int             // submissions in the trailing 60s
	Now          time.Time
}

// Decision is the gate's verdict. Price is the per-unit price the checks
// used, which for MARKET orders is the quote's last price.
type Decision struct {
	Allowed   bool
	Rejection *Rejection
	Price     decimal.Decimal
	Notional  decimal.Decimal
}

// Err returns the rejection as an error, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return d.Rejection
}

func deny(r *Rejection) Decision {
	return Decision{Rejection: r}
}

// Validate runs every rule against in.
func (g *Gate) Validate(in Input) Decision {
	it := in.Intent

	if r := checkIntent(it); r != nil {
		return deny(r)
	}
	if in.Limits == nil {
		return deny(reject(RuleNoLimits, "no risk limits configured for %s", it.UserID))
	}
	if in.Quote == nil {
		return deny(reject(RuleNoMarketData, "no quote for %s", it.Symbol))
	}
	if in.Quote.Stale {
		return deny(reject(RuleStaleMarketData, "quote for %s is %s old", it.Symbol, in.Quote.Age))
	}

	last := in.Quote.LastPrice
	price := it.Price
	if it.OrderType == model.OrderTypeMarket {
		price = last
	}
	notional := it.Quantity.Mul(price)

	// 1. Order value.
	if notional.GreaterThan(in.Limits.MaxOrderValue) {
		return deny(reject(RuleMaxOrderValue, "order value %s exceeds %s",
			notional.StringFixed(2), in.Limits.MaxOrderValue.StringFixed(2)))
	}

	net := in.Position.NetQuantity
	after := net.Add(it.Quantity.Mul(it.Side.Sign()))
	increasing := after.Abs().GreaterThan(net.Abs())

	if increasing {
		// 2. Position value.
		posValue := after.Abs().Mul(last)
		if posValue.GreaterThan(in.Limits.MaxPositionValue) {
			return deny(reject(RuleMaxPositionValue, "position value %s exceeds %s",
				posValue.StringFixed(2), in.Limits.MaxPositionValue.StringFixed(2)))
		}

		// 3. Daily loss.
		worst := in.DailyPnL.Neg().Add(notional.Mul(g.AdverseMove))
		if worst.GreaterThan(in.Limits.MaxDailyLoss) {
			return deny(reject(RuleMaxDailyLoss, "potential daily loss %s exceeds %s",
				worst.StringFixed(2), in.Limits.MaxDailyLoss.StringFixed(2)))
		}
	}

	// 4. Order rate.
	if in.RecentOrders >= in.Limits.MaxOrdersPerMinute {
		return deny(reject(RuleMaxOrdersPerMinute, "%d orders in the last minute, limit %d",
			in.RecentOrders, in.Limits.MaxOrdersPerMinute))
	}

	return Decision{Allowed: true, Price: price, Notional: notional}
}

func checkIntent(it model.OrderIntent) *Rejection {
	switch {
	case it.UserID == "":
		return reject(RuleInvalidOrder, "user_id is required")
	case it.ClientOrderKey == "":
		return reject(RuleInvalidOrder, "client_order_key is required")
	case it.Symbol == "":
		return reject(RuleInvalidOrder, "symbol is required")
	case !it.Side.Valid():
		return reject(RuleInvalidOrder, "side must be BUY or SELL")
	case !it.OrderType.Valid():
		return reject(RuleInvalidOrder, "order_type must be MARKET or LIMIT")
	case !it.Quantity.IsPositive():
		return reject(RuleInvalidOrder, "quantity must be positive")
	case it.OrderType == model.OrderTypeLimit && !it.Price.IsPositive():
		return reject(RuleInvalidOrder, "limit price must be positive")
	}
	return nil
}
