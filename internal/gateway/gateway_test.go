package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trade-gateway/internal/broker"
	"github.com/atmx/trade-gateway/internal/broker/paper"
	"github.com/atmx/trade-gateway/internal/marketdata"
	"github.com/atmx/trade-gateway/internal/model"
	"github.com/atmx/trade-gateway/internal/risk"
	"github.com/atmx/trade-gateway/internal/session"
	"github.com/atmx/trade-gateway/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const sym = "NSE:INFY"

func testConfig() Config {
	return Config{
		MarketData: marketdata.Config{
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     20 * time.Millisecond,
		},
	}
}

func newGateway(t *testing.T, up *paper.Broker, st store.Store) *Gateway {
	t.Helper()
	g := New(Deps{Auth: up, Orders: up, Market: up, Store: st}, testConfig())
	require.NoError(t, g.Start(context.Background()))
	return g
}

func stop(t *testing.T, g *Gateway) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.Stop(ctx))
}

func login(t *testing.T, g *Gateway, up *paper.Broker, userID string) model.UserSession {
	t.Helper()
	ctx := context.Background()
	_, err := g.BeginDailyAuth(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingToken, g.Session(userID).State)

	tok, ok := up.PendingRequestToken(userID)
	require.True(t, ok)
	sess, err := g.CompleteDailyAuth(ctx, userID, tok)
	require.NoError(t, err)
	return sess
}

func limits(userID string, maxOrder float64) model.RiskLimits {
	return model.RiskLimits{
		UserID:             userID,
		MaxPositionValue:   d(1000000),
		MaxDailyLoss:       d(50000),
		MaxOrderValue:      d(maxOrder),
		MaxOrdersPerMinute: 10,
	}
}

func publish(up *paper.Broker, price float64) {
	up.Publish(broker.RawTick{Symbol: sym, LastPrice: d(price), Bid: d(price), Ask: d(price), ExchangeTimestamp: time.Now()})
}

// waitPrice publishes price until the hub reports it.
func waitPrice(t *testing.T, g *Gateway, up *paper.Broker, price float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		publish(up, price)
		q, err := g.Latest(sym)
		return err == nil && q.LastPrice.Equal(d(price))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_TradeLifecycle(t *testing.T) {
	up := paper.New("", 0)
	st := store.NewMemoryStore()
	g := newGateway(t, up, st)

	require.NoError(t, g.SetRiskLimits(limits("u1", 500000)))
	sess := login(t, g, up, "u1")
	assert.Equal(t, session.StateActive, g.Session("u1").State)
	require.Eventually(t, func() bool { return g.router.Streaming("u1") }, time.Second, 5*time.Millisecond)

	sub, err := g.Subscribe("screen-1", []string{"nse:infy"})
	require.NoError(t, err)
	defer g.Unsubscribe(sub)
	waitPrice(t, g, up, 1500)

	res, err := g.SubmitOrder(context.Background(), model.OrderIntent{
		ClientOrderKey: "k1",
		UserID:         "u1",
		Symbol:         sym,
		Side:           model.SideBuy,
		Quantity:       d(10),
		Price:          d(1500),
		OrderType:      model.OrderTypeLimit,
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	require.Eventually(t, func() bool {
		rec, err := g.Order("u1", "k1")
		return err == nil && rec.Status == model.OrderFilled
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, g.Positions("u1"), 1)
	assert.True(t, g.Positions("u1")[0].NetQuantity.Equal(d(10)))

	waitPrice(t, g, up, 1510)
	pf := g.Portfolio("u1")
	assert.True(t, pf.PnL.UnrealizedPnL.Equal(d(100)), "got %s", pf.PnL.UnrealizedPnL)
	assert.True(t, pf.PnL.TotalExposure.Equal(d(15100)))

	h := g.Health()
	assert.True(t, h.UpstreamConnected)
	assert.Equal(t, 1, h.ActiveSessions)
	assert.Equal(t, "ok", h.Status)

	stop(t, g)

	// Everything reached the store and the token did not.
	saved, err := st.Session("u1")
	require.NoError(t, err)
	assert.Equal(t, sess.ExpiresAt.UTC(), saved.ExpiresAt.UTC())
	assert.Empty(t, saved.AccessToken)
	orders, err := st.ListOrders(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderFilled, orders[0].Status)

	// A new gateway over the same store picks up limits and positions.
	g2 := newGateway(t, paper.New("", 0), st)
	defer stop(t, g2)
	require.NotNil(t, g2.RiskLimits("u1"))
	assert.True(t, g2.RiskLimits("u1").MaxOrderValue.Equal(d(500000)))
	require.Len(t, g2.Positions("u1"), 1)
	assert.True(t, g2.Positions("u1")[0].NetQuantity.Equal(d(10)))

	history, err := g2.OrderHistory(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestGateway_RiskRejection(t *testing.T) {
	up := paper.New("", 0)
	g := newGateway(t, up, store.NewMemoryStore())
	defer stop(t, g)

	require.NoError(t, g.SetRiskLimits(limits("u1", 50000)))
	login(t, g, up, "u1")
	sub, err := g.Subscribe("screen-1", []string{sym})
	require.NoError(t, err)
	defer g.Unsubscribe(sub)
	waitPrice(t, g, up, 600)

	_, err = g.SubmitOrder(context.Background(), model.OrderIntent{
		ClientOrderKey: "k1",
		UserID:         "u1",
		Symbol:         sym,
		Side:           model.SideBuy,
		Quantity:       d(100),
		Price:          d(600),
		OrderType:      model.OrderTypeLimit,
	})
	var rej *risk.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, risk.RuleMaxOrderValue, rej.Rule)
	assert.Empty(t, g.Orders("u1"))
	assert.Equal(t, 0, up.PlacedCount())
}

func TestGateway_InvalidateStopsTrading(t *testing.T) {
	up := paper.New("", 0)
	g := newGateway(t, up, store.NewMemoryStore())
	defer stop(t, g)

	require.NoError(t, g.SetRiskLimits(limits("u1", 500000)))
	login(t, g, up, "u1")
	require.Eventually(t, func() bool { return g.router.Streaming("u1") }, time.Second, 5*time.Millisecond)

	assert.True(t, g.Invalidate("u1"))
	assert.Equal(t, session.StateRevoked, g.Session("u1").State)
	assert.False(t, g.router.Streaming("u1"))

	_, err := g.SubmitOrder(context.Background(), model.OrderIntent{
		ClientOrderKey: "k1", UserID: "u1", Symbol: sym, Side: model.SideBuy,
		Quantity: d(1), Price: d(1500), OrderType: model.OrderTypeLimit,
	})
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
	assert.Equal(t, 0, up.PlacedCount())
}

func TestGateway_StaleActiveNotificationAfterRevoke(t *testing.T) {
	up := paper.New("", 0)
	g := newGateway(t, up, store.NewMemoryStore())
	defer stop(t, g)

	sess := login(t, g, up, "u1")
	require.Eventually(t, func() bool { return g.router.Streaming("u1") }, time.Second, 5*time.Millisecond)
	require.True(t, g.Invalidate("u1"))

	// The completion's notification lands after the revocation's.
	g.onSession(sess)
	assert.False(t, g.router.Streaming("u1"))
	assert.Equal(t, 0, g.Health().ActiveSessions)
}

func TestGateway_ReloginKeepsStream(t *testing.T) {
	up := paper.New("", 0)
	g := newGateway(t, up, store.NewMemoryStore())
	defer stop(t, g)

	first := login(t, g, up, "u1")
	second := login(t, g, up, "u1")
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.True(t, g.router.Streaming("u1"), "revoking the old session must not stop the new stream")
	assert.Equal(t, 1, g.Health().ActiveSessions)
}

func TestGateway_OutageServesStaleQuote(t *testing.T) {
	up := paper.New("", 0)
	g := newGateway(t, up, store.NewMemoryStore())
	defer stop(t, g)

	sub, err := g.Subscribe("screen-1", []string{sym})
	require.NoError(t, err)
	defer g.Unsubscribe(sub)
	waitPrice(t, g, up, 1500)

	up.FailDials(1000, nil)
	up.DropConnections()

	require.Eventually(t, func() bool { return !g.Health().UpstreamConnected }, time.Second, 5*time.Millisecond)
	q, err := g.Latest(sym)
	require.NoError(t, err)
	assert.True(t, q.Stale)
	assert.True(t, q.LastPrice.Equal(d(1500)))
	assert.Equal(t, "degraded", g.Health().Status)
}

func TestGateway_StartStopOnce(t *testing.T) {
	up := paper.New("", 0)
	g := New(Deps{Auth: up, Orders: up, Market: up, Store: store.NewMemoryStore()}, testConfig())

	assert.ErrorIs(t, g.Stop(context.Background()), ErrNotStarted)
	require.NoError(t, g.Start(context.Background()))
	assert.ErrorIs(t, g.Start(context.Background()), ErrStarted)
	stop(t, g)
	assert.ErrorIs(t, g.Start(context.Background()), ErrStarted)
}
