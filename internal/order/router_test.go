package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trade-gateway/internal/broker"
	"github.com/atmx/trade-gateway/internal/broker/paper"
	"github.com/atmx/trade-gateway/internal/model"
	"github.com/atmx/trade-gateway/internal/position"
	"github.com/atmx/trade-gateway/internal/risk"
	"github.com/atmx/trade-gateway/internal/session"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type quotes struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (q *quotes) Latest(symbol string) (model.Quote, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.prices[symbol]
	if !ok {
		return model.Quote{}, errors.New("no data")
	}
	return model.Quote{Tick: model.Tick{Symbol: symbol, LastPrice: p}}, nil
}

type recorder struct {
	mu    sync.Mutex
	saved []model.OrderRecord

	// hold pauses the first save of holdStatus until release is closed.
	holdStatus model.OrderStatus
	entered    chan struct{}
	release    chan struct{}
}

func (r *recorder) holdNext(status model.OrderStatus) (entered <-chan struct{}, release chan<- struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holdStatus = status
	r.entered = make(chan struct{})
	r.release = make(chan struct{})
	return r.entered, r.release
}

func (r *recorder) SaveOrder(o model.OrderRecord) {
	r.mu.Lock()
	var entered, release chan struct{}
	if r.release != nil && o.Status == r.holdStatus {
		entered, release = r.entered, r.release
		r.release = nil
	}
	r.mu.Unlock()
	if release != nil {
		close(entered)
		<-release
	}

	r.mu.Lock()
	r.saved = append(r.saved, o)
	r.mu.Unlock()
}

type env struct {
	up       *paper.Broker
	sessions *session.Store
	tracker  *position.Tracker
	limits   *risk.LimitsBook
	quotes   *quotes
	saved    *recorder
	router   *Router
}

func newEnv(t *testing.T, api broker.OrderAPI, mutate func(*Config)) *env {
	t.Helper()
	e := &env{
		up:      paper.New("", 0),
		tracker: position.NewTracker(position.Config{}, nil),
		limits:  risk.NewLimitsBook(),
		quotes:  &quotes{prices: map[string]decimal.Decimal{"NSE:INFY": d(1500)}},
		saved:   &recorder{},
	}
	e.sessions = session.New(e.up, session.Config{}, nil)
	if api == nil {
		api = e.up
	}
	cfg := Config{
		SubmitTimeout:    time.Second,
		ReconcileInitial: 5 * time.Millisecond,
		ReconcileMax:     20 * time.Millisecond,
		StreamInitial:    5 * time.Millisecond,
		StreamMax:        20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e.router = NewRouter(Deps{
		API:       api,
		Sessions:  e.sessions,
		Quotes:    e.quotes,
		Positions: e.tracker,
		Limits:    e.limits,
		Persist:   e.saved,
	}, cfg)
	t.Cleanup(e.router.Close)

	require.NoError(t, e.limits.Set(model.RiskLimits{
		UserID:             "u1",
		MaxPositionValue:   d(1000000),
		MaxDailyLoss:       d(50000),
		MaxOrderValue:      d(500000),
		MaxOrdersPerMinute: 10,
	}))
	return e
}

func (e *env) login(t *testing.T, userID string) model.UserSession {
	t.Helper()
	ctx := context.Background()
	_, err := e.sessions.BeginDailyAuth(ctx, userID)
	require.NoError(t, err)
	tok, ok := e.up.PendingRequestToken(userID)
	require.True(t, ok)
	sess, err := e.sessions.CompleteDailyAuth(ctx, userID, tok)
	require.NoError(t, err)
	return sess
}

func intent(key string, qty float64) model.OrderIntent {
	return model.OrderIntent{
		ClientOrderKey: key,
		UserID:         "u1",
		Symbol:         "NSE:INFY",
		Side:           model.SideBuy,
		Quantity:       d(qty),
		Price:          d(1500),
		OrderType:      model.OrderTypeLimit,
	}
}

func TestSubmit_ConcurrentIdenticalCollapse(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.login(t, "u1")

	const callers = 20
	var wg sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.router.Submit(context.Background(), intent("k1", 10))
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "k1", results[i].Record.ClientOrderKey)
		if !results[i].Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh, "exactly one caller creates the order")
	assert.Equal(t, 1, e.up.PlacedCount())
	assert.Len(t, e.router.Orders("u1"), 1)
}

func TestSubmit_RepeatReturnsExistingRecord(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.login(t, "u1")
	e.up.SetFillMode(paper.RejectAll)

	first, err := e.router.Submit(context.Background(), intent("k1", 10))
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, first.Record.Status)

	// Any status, including terminal, is returned as is.
	again, err := e.router.Submit(context.Background(), intent("k1", 999))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Record, again.Record)
	assert.Equal(t, 1, e.up.PlacedCount())
}

func TestSubmit_NoSession(t *testing.T) {
	e := newEnv(t, nil, nil)

	_, err := e.router.Submit(context.Background(), intent("k1", 10))
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
	assert.Equal(t, 0, e.up.PlacedCount())
	assert.Empty(t, e.router.Orders("u1"))

	_, err = e.router.Order("u1", "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmit_RiskRejectionCreatesNoRecord(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.login(t, "u1")
	require.NoError(t, e.limits.Set(model.RiskLimits{
		UserID:             "u1",
		MaxPositionValue:   d(1000000),
		MaxDailyLoss:       d(50000),
		MaxOrderValue:      d(50000),
		MaxOrdersPerMinute: 10,
	}))
	e.quotes.prices["X"] = d(600)

	it := intent("k1", 100)
	it.Symbol = "X"
	it.Price = d(600)
	_, err := e.router.Submit(context.Background(), it)

	var rej *risk.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, risk.RuleMaxOrderValue, rej.Rule)
	assert.Equal(t, 0, e.up.PlacedCount())
	assert.Empty(t, e.router.Orders("u1"))
}

func TestSubmit_OrderRateLimit(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.login(t, "u1")
	require.NoError(t, e.limits.Set(model.RiskLimits{
		UserID:             "u1",
		MaxPositionValue:   d(1000000),
		MaxDailyLoss:       d(50000),
		MaxOrderValue:      d(500000),
		MaxOrdersPerMinute: 2,
	}))

	for _, k := range []string{"k1", "k2"} {
		_, err := e.router.Submit(context.Background(), intent(k, 1))
		require.NoError(t, err)
	}
	_, err := e.router.Submit(context.Background(), intent("k3", 1))
	var rej *risk.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, risk.RuleMaxOrdersPerMinute, rej.Rule)
}

func TestSubmit_BrokerageRejection(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.login(t, "u1")
	e.up.SetFillMode(paper.RejectAll)

	res, err := e.router.Submit(context.Background(), intent("k1", 10))
	require.NoError(t, err)
	assert.Equal(t, model.OrderRejected, res.Record.Status)
	assert.NotEmpty(t, res.Record.Reason)
}

func TestEvents_StreamFillsUpdateRecordAndPosition(t *testing.T) {
	e := newEnv(t, nil, nil)
	sess := e.login(t, "u1")
	e.router.AttachSession(sess)
	assert.True(t, e.router.Streaming("u1"))

	_, err := e.router.Submit(context.Background(), intent("k1", 10))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := e.router.Order("u1", "k1")
		return err == nil && rec.Status == model.OrderFilled
	}, 2*time.Second, 5*time.Millisecond)

	rec, _ := e.router.Order("u1", "k1")
	assert.True(t, rec.FilledQuantity.Equal(d(10)))
	assert.True(t, rec.AvgFillPrice.Equal(d(1500)))
	assert.NotEmpty(t, rec.BrokerageOrderID)
	assert.True(t, e.tracker.Position("u1", "NSE:INFY").NetQuantity.Equal(d(10)))

	e.router.DetachSession("u1")
	assert.False(t, e.router.Streaming("u1"))
}

func TestEvents_DuplicateFillIsNoop(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.login(t, "u1")
	e.up.SetFillMode(paper.AcceptOnly)

	res, err := e.router.Submit(context.Background(), intent("k1", 10))
	require.NoError(t, err)

	fill := broker.OrderEvent{
		Kind:             broker.EventFill,
		UserID:           "u1",
		ClientOrderKey:   "k1",
		BrokerageOrderID: res.Record.BrokerageOrderID,
		FillID:           "f1",
		Quantity:         d(4),
		Price:            d(1490),
	}
	e.router.OnBrokerageEvent(fill)
	e.router.OnBrokerageEvent(fill)

	rec, err := e.router.Order("u1", "k1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderPartiallyFilled, rec.Status)
	assert.True(t, rec.FilledQuantity.Equal(d(4)))
	assert.True(t, e.tracker.Position("u1", "NSE:INFY").NetQuantity.Equal(d(4)))
}

func TestEvents_NoBackwardTransition(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.login(t, "u1")
	e.up.SetFillMode(paper.AcceptOnly)

	res, err := e.router.Submit(context.Background(), intent("k1", 10))
	require.NoError(t, err)
	id := res.Record.BrokerageOrderID

	e.router.OnBrokerageEvent(broker.OrderEvent{Kind: broker.EventFill, BrokerageOrderID: id, FillID: "f1", Quantity: d(10), Price: d(1500)})
	e.router.OnBrokerageEvent(broker.OrderEvent{Kind: broker.EventAccepted, BrokerageOrderID: id})
	e.router.OnBrokerageEvent(broker.OrderEvent{Kind: broker.EventRejected, BrokerageOrderID: id, Reason: "late"})

	rec, _ := e.router.Order("u1", "k1")
	assert.Equal(t, model.OrderFilled, rec.Status)
	assert.Empty(t, rec.Reason)
}

func TestCancel_ThenLateFillUpdatesPositionOnly(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.login(t, "u1")
	e.up.SetFillMode(paper.AcceptOnly)

	_, err := e.router.Submit(context.Background(), intent("k1", 10))
	require.NoError(t, err)

	rec, err := e.router.Cancel(context.Background(), "u1", "k1")
	require.NoError(t, err)
	assert.Equal(t, model.OrderCancelled, rec.Status)

	_, err = e.router.Cancel(context.Background(), "u1", "k1")
	assert.ErrorIs(t, err, ErrTerminal)

	e.router.OnBrokerageEvent(broker.OrderEvent{
		Kind:             broker.EventFill,
		BrokerageOrderID: rec.BrokerageOrderID,
		FillID:           "late-1",
		Quantity:         d(5),
		Price:            d(1500),
	})

	after, _ := e.router.Order("u1", "k1")
	assert.Equal(t, model.OrderCancelled, after.Status)
	assert.True(t, after.FilledQuantity.IsZero(), "terminal record must not change")
	assert.True(t, e.tracker.Position("u1", "NSE:INFY").NetQuantity.Equal(d(5)), "fill still reaches the position")

	_, err = e.router.Cancel(context.Background(), "u1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

// stubAPI lets a test script the brokerage's answers.
type stubAPI struct {
	place  func(ctx context.Context, intent model.OrderIntent) (string, error)
	status func(ctx context.Context, key string) (broker.OrderState, error)
}

func (s *stubAPI) PlaceOrder(ctx context.Context, _ model.UserSession, intent model.OrderIntent) (string, error) {
	return s.place(ctx, intent)
}

func (s *stubAPI) CancelOrder(context.Context, model.UserSession, string) error { return nil }

func (s *stubAPI) OrderStatus(ctx context.Context, _ model.UserSession, key string) (broker.OrderState, error) {
	return s.status(ctx, key)
}

func (s *stubAPI) OrderEvents(context.Context, model.UserSession) (<-chan broker.OrderEvent, error) {
	return nil, errors.New("no stream")
}

func TestEvents_OrphanReplayedOnceIDKnown(t *testing.T) {
	api := &stubAPI{}
	e := newEnv(t, api, nil)
	e.login(t, "u1")

	// The fill overtakes the acknowledgement and carries only the
	// brokerage id.
	api.place = func(_ context.Context, _ model.OrderIntent) (string, error) {
		e.router.OnBrokerageEvent(broker.OrderEvent{
			Kind:             broker.EventFill,
			BrokerageOrderID: "B1",
			FillID:           "f1",
			Quantity:         d(10),
			Price:            d(1500),
		})
		return "B1", nil
	}

	res, err := e.router.Submit(context.Background(), intent("k1", 10))
	require.NoError(t, err)
	assert.Equal(t, "B1", res.Record.BrokerageOrderID)
	assert.Equal(t, model.OrderFilled, res.Record.Status)
	assert.True(t, e.tracker.Position("u1", "NSE:INFY").NetQuantity.Equal(d(10)))
}

func TestSubmit_TimeoutReconcilesToAccepted(t *testing.T) {
	e := newEnv(t, nil, func(c *Config) { c.SubmitTimeout = 20 * time.Millisecond })
	e.login(t, "u1")
	e.up.SetFillMode(paper.AcceptOnly)
	// The venue takes the order but the acknowledgement never arrives.
	e.up.SetPlaceHook(func(ctx context.Context, _ model.OrderIntent) error {
		<-ctx.Done()
		return ctx.Err()
	})

	res, err := e.router.Submit(context.Background(), intent("k1", 10))
	require.NoError(t, err)
	assert.True(t, res.Record.Unconfirmed)
	assert.Equal(t, model.OrderSubmitted, res.Record.Status)

	require.Eventually(t, func() bool {
		rec, _ := e.router.Order("u1", "k1")
		return rec.Status == model.OrderAccepted && !rec.Unconfirmed && rec.BrokerageOrderID != ""
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.up.PlacedCount())
}

func TestSubmit_TimeoutUnknownToBrokerageRejects(t *testing.T) {
	api := &stubAPI{
		place: func(context.Context, model.OrderIntent) (string, error) {
			return "", context.DeadlineExceeded
		},
		status: func(context.Context, string) (broker.OrderState, error) {
			return broker.OrderState{}, broker.ErrOrderNotFound
		},
	}
	e := newEnv(t, api, nil)
	e.login(t, "u1")

	res, err := e.router.Submit(context.Background(), intent("k1", 10))
	require.NoError(t, err)
	assert.True(t, res.Record.Unconfirmed)

	require.Eventually(t, func() bool {
		rec, _ := e.router.Order("u1", "k1")
		return rec.Status == model.OrderRejected
	}, 2*time.Second, 5*time.Millisecond)
	rec, _ := e.router.Order("u1", "k1")
	assert.Equal(t, "unknown to brokerage", rec.Reason)
	assert.False(t, rec.Unconfirmed)
}

func TestRecordsPersisted(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.login(t, "u1")
	e.up.SetFillMode(paper.AcceptOnly)

	_, err := e.router.Submit(context.Background(), intent("k1", 10))
	require.NoError(t, err)

	e.saved.mu.Lock()
	defer e.saved.mu.Unlock()
	require.NotEmpty(t, e.saved.saved)
	assert.Equal(t, model.OrderSubmitted, e.saved.saved[0].Status)
	last := e.saved.saved[len(e.saved.saved)-1]
	assert.NotEmpty(t, last.BrokerageOrderID)
}

func TestRecordsPersistedInChangeOrder(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.login(t, "u1")
	e.up.SetFillMode(paper.AcceptOnly)

	res, err := e.router.Submit(context.Background(), intent("k1", 10))
	require.NoError(t, err)
	id := res.Record.BrokerageOrderID
	entered, release := e.saved.holdNext(model.OrderAccepted)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.router.OnBrokerageEvent(broker.OrderEvent{Kind: broker.EventAccepted, BrokerageOrderID: id})
	}()
	<-entered
	go func() {
		defer wg.Done()
		e.router.OnBrokerageEvent(broker.OrderEvent{Kind: broker.EventFill, BrokerageOrderID: id, FillID: "f1", Quantity: d(10), Price: d(1500)})
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	e.saved.mu.Lock()
	defer e.saved.mu.Unlock()
	last := e.saved.saved[len(e.saved.saved)-1]
	assert.Equal(t, model.OrderFilled, last.Status, "the newest record must be saved last")
}
