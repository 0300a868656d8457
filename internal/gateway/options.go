package gateway

import (
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/trade-gateway/internal/config"
	"github.com/atmx/trade-gateway/internal/marketdata"
	"github.com/atmx/trade-gateway/internal/order"
	"github.com/atmx/trade-gateway/internal/position"
	"github.com/atmx/trade-gateway/internal/session"
	"github.com/atmx/trade-gateway/internal/store"
)

// FromConfig maps the loaded configuration onto component settings.
func FromConfig(c *config.Config) (Config, error) {
	boundary, err := c.Session.Boundary()
	if err != nil {
		return Config{}, err
	}
	md := c.MarketData
	return Config{
		Session: session.Config{
			Boundary:      boundary,
			AuthTimeout:   c.Session.AuthTimeout,
			SweepInterval: c.Session.SweepInterval,
		},
		MarketData: marketdata.Config{
			HistoryCapacity:  md.HistoryCapacity,
			SubscriberQueue:  md.SubscriberQueue,
			StaleAfter:       md.StaleAfter,
			UnavailableAfter: md.UnavailableAfter,
			ReorderTolerance: md.ReorderTolerance,
			DialTimeout:      md.DialTimeout,
			InitialBackoff:   md.InitialBackoff,
			MaxBackoff:       md.MaxBackoff,
		},
		Order: order.Config{
			SubmitTimeout:       c.Order.SubmitTimeout,
			BrokerRate:          rate.Limit(c.Order.BrokerRate),
			BrokerBurst:         c.Order.BrokerBurst,
			ReconcileMaxElapsed: c.Order.ReconcileMaxElapsed,
		},
		Position: position.Config{
			LockStripes: c.Position.LockStripes,
			Boundary:    boundary,
		},
		Persistence: store.WriteBehindConfig{
			Workers:      c.Persistence.Workers,
			MaxPending:   c.Persistence.MaxPending,
			WriteTimeout: c.Persistence.WriteTimeout,
			MaxAttempts:  uint(c.Persistence.MaxAttempts),
		},
		AdverseMove: decimal.NewFromFloat(c.Risk.AdverseMove),
	}, nil
}
