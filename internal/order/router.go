// Package order routes risk-checked orders to the brokerage and folds the
// brokerage's asynchronous events back into order records.
//
// Submission is idempotent per (user, client order key): concurrent
// identical submits collapse into one brokerage call and later repeats
// return the existing record. Records only move forward through their
// lifecycle and never change once terminal.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/atmx/trade-gateway/internal/broker"
	"github.com/atmx/trade-gateway/internal/instrument"
	"github.com/atmx/trade-gateway/internal/metrics"
	"github.com/atmx/trade-gateway/internal/model"
	"github.com/atmx/trade-gateway/internal/position"
	"github.com/atmx/trade-gateway/internal/risk"
)

var (
	// ErrNotFound is returned for an unknown (user, client order key).
	ErrNotFound = errors.New("order: not found")

	// ErrTerminal is returned when cancelling an order that is already
	// filled, rejected, or cancelled.
	ErrTerminal = errors.New("order: order is terminal")

	// ErrNotConfirmed is returned when cancelling an order the brokerage
	// has not acknowledged yet.
	ErrNotConfirmed = errors.New("order: brokerage order id not known yet")
)

// Sessions resolves a user's active brokerage session.
type Sessions interface {
	GetActiveSession(userID string) (model.UserSession, error)
}

// Quotes supplies latest prices for risk checks and P&L.
type Quotes interface {
	Latest(symbol string) (model.Quote, error)
}

// Positions is the position ledger the router reads and feeds.
type Positions interface {
	ApplyFill(f model.Fill) (model.Position, error)
	Position(userID, symbol string) model.Position
	DailyPnL(userID string, prices position.PriceSource) decimal.Decimal
}

// Limits looks up a user's risk limits.
type Limits interface {
	Get(userID string) *model.RiskLimits
}

// Persister receives updated order records. Calls are made with the router
// lock held, in the order the records changed, and must not block.
type Persister interface {
	SaveOrder(o model.OrderRecord)
}

// Config tunes the router.
type Config struct {
	SubmitTimeout       time.Duration
	RateWindow          time.Duration // trailing window for the per-user order count
	BrokerRate          rate.Limit    // PlaceOrder calls per second across all users
	BrokerBurst         int
	ReconcileInitial    time.Duration
	ReconcileMax        time.Duration
	ReconcileMaxElapsed time.Duration
	StreamInitial       time.Duration
	StreamMax           time.Duration
	MaxOrphans          int
	Now                 func() time.Time
}

func (c *Config) setDefaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 10 * time.Second
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.BrokerRate <= 0 {
		c.BrokerRate = 10
	}
	if c.BrokerBurst <= 0 {
		c.BrokerBurst = 10
	}
	if c.ReconcileInitial <= 0 {
		c.ReconcileInitial = 500 * time.Millisecond
	}
	if c.ReconcileMax <= 0 {
		c.ReconcileMax = 30 * time.Second
	}
	if c.ReconcileMaxElapsed <= 0 {
		c.ReconcileMaxElapsed = 10 * time.Minute
	}
	if c.StreamInitial <= 0 {
		c.StreamInitial = 500 * time.Millisecond
	}
	if c.StreamMax <= 0 {
		c.StreamMax = 30 * time.Second
	}
	if c.MaxOrphans <= 0 {
		c.MaxOrphans = 10000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the router's collaborators.
type Deps struct {
	API       broker.OrderAPI
	Sessions  Sessions
	Quotes    Quotes
	Positions Positions
	Limits    Limits
	Gate      *risk.Gate
	Persist   Persister // may be nil
}

// Result is the outcome of Submit. Duplicate is set when the record already
// existed or another identical submit was in flight.
type Result struct {
	Record    model.OrderRecord `json:"record"`
	Duplicate bool              `json:"duplicate"`
}

type entry struct {
	record model.OrderRecord
	fills  map[string]struct{}
}

type userBook struct {
	mu     sync.Mutex
	recent []time.Time // submissions inside the rate window, oldest first
}

type stream struct {
	token  string
	cancel context.CancelFunc
}

// Router is the single order path to the brokerage.
type Router struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	sf      singleflight.Group
	limiter *rate.Limiter

	mu        sync.Mutex
	orders    map[string]*entry // userID/clientKey
	byUser    map[string][]string
	byBroker  map[string]string // brokerage order id -> userID/clientKey
	orphans   map[string][]broker.OrderEvent
	orphanN   int
	users     map[string]*userBook
	streams   map[string]*stream
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRouter creates a router. Background work (reconciliation and event
// streams) stops on Close.
func NewRouter(deps Deps, cfg Config) *Router {
	cfg.setDefaults()
	if deps.Gate == nil {
		deps.Gate = risk.NewGate(decimal.Zero)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		deps:     deps,
		cfg:      cfg,
		logger:   slog.With("component", "order"),
		limiter:  rate.NewLimiter(cfg.BrokerRate, cfg.BrokerBurst),
		orders:   make(map[string]*entry),
		byUser:   make(map[string][]string),
		byBroker: make(map[string]string),
		orphans:  make(map[string][]broker.OrderEvent),
		users:    make(map[string]*userBook),
		streams:  make(map[string]*stream),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func key(userID, clientKey string) string { return userID + "/" + clientKey }

type submitted struct {
	res    Result
	leader *int
}

// Submit runs the risk gate and, if it passes, sends the order upstream.
// A risk rejection is returned as a *risk.Rejection error and creates no
// record. A submission whose outcome is unknown returns the record with
// Unconfirmed set while reconciliation continues in the background.
func (r *Router) Submit(ctx context.Context, intent model.OrderIntent) (Result, error) {
	if sym, err := instrument.Canonical(intent.Symbol); err == nil {
		intent.Symbol = sym
	}
	k := key(intent.UserID, intent.ClientOrderKey)
	if rec, ok := r.lookup(k); ok {
		metrics.OrdersSubmitted.WithLabelValues("duplicate").Inc()
		return Result{Record: rec, Duplicate: true}, nil
	}

	me := new(int)
	v, err, _ := r.sf.Do(k, func() (any, error) {
		res, err := r.submit(ctx, k, intent)
		return submitted{res: res, leader: me}, err
	})
	s := v.(submitted)
	if s.leader != me {
		s.res.Duplicate = true
	}
	return s.res, err
}

func (r *Router) submit(ctx context.Context, k string, intent model.OrderIntent) (Result, error) {
	start := time.Now()
	if rec, ok := r.lookup(k); ok {
		return Result{Record: rec, Duplicate: true}, nil
	}

	sess, err := r.deps.Sessions.GetActiveSession(intent.UserID)
	if err != nil {
		metrics.OrdersSubmitted.WithLabelValues("unauthenticated").Inc()
		return Result{}, err
	}

	rec, err := r.admit(k, intent)
	if err != nil {
		return Result{}, err
	}
	if rec.ClientOrderKey == "" {
		// Created concurrently under the user lock.
		existing, _ := r.lookup(k)
		return Result{Record: existing, Duplicate: true}, nil
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SubmitTimeout)
	defer cancel()

	if err := r.limiter.Wait(callCtx); err != nil {
		rec = r.finish(k, model.OrderRejected, "brokerage throttle: "+err.Error())
		metrics.OrdersSubmitted.WithLabelValues("throttled").Inc()
		return Result{Record: rec}, nil
	}

	id, err := r.deps.API.PlaceOrder(callCtx, sess, intent)
	metrics.SubmitLatency.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		rec = r.confirm(k, id)
		metrics.OrdersSubmitted.WithLabelValues("placed").Inc()
		r.logger.Info("order placed",
			"user", intent.UserID,
			"key", intent.ClientOrderKey,
			"symbol", intent.Symbol,
			"side", intent.Side,
			"qty", intent.Quantity.String(),
			"brokerage_id", id,
		)
	case errors.Is(err, broker.ErrRejected):
		rec = r.finish(k, model.OrderRejected, err.Error())
		metrics.OrdersSubmitted.WithLabelValues("rejected").Inc()
		r.logger.Info("order rejected by brokerage", "user", intent.UserID, "key", intent.ClientOrderKey, "reason", err)
	default:
		rec = r.markUnconfirmed(k)
		metrics.OrdersSubmitted.WithLabelValues("unconfirmed").Inc()
		r.logger.Warn("order outcome unknown, reconciling", "user", intent.UserID, "key", intent.ClientOrderKey, "err", err)
		r.reconcile(sess, k, intent.ClientOrderKey)
	}
	return Result{Record: rec}, nil
}

// admit runs the risk gate and creates the record under the user's lock.
// A zero record with nil error means the key was created concurrently.
func (r *Router) admit(k string, intent model.OrderIntent) (model.OrderRecord, error) {
	ub := r.user(intent.UserID)
	ub.mu.Lock()
	defer ub.mu.Unlock()

	if _, ok := r.lookup(k); ok {
		return model.OrderRecord{}, nil
	}

	now := r.cfg.Now()
	cutoff := now.Add(-r.cfg.RateWindow)
	i := 0
	for i < len(ub.recent) && !ub.recent[i].After(cutoff) {
		i++
	}
	ub.recent = ub.recent[i:]

	in := risk.Input{
		Intent:       intent,
		Position:     r.deps.Positions.Position(intent.UserID, intent.Symbol),
		Limits:       r.deps.Limits.Get(intent.UserID),
		DailyPnL:     r.deps.Positions.DailyPnL(intent.UserID, r.deps.Quotes),
		RecentOrders: len(ub.recent),
		Now:          now,
	}
	if q, err := r.deps.Quotes.Latest(intent.Symbol); err == nil {
		in.Quote = &q
	}
	dec := r.deps.Gate.Validate(in)
	if !dec.Allowed {
		metrics.RiskRejections.WithLabelValues(string(dec.Rejection.Rule)).Inc()
		metrics.OrdersSubmitted.WithLabelValues("risk_rejected").Inc()
		r.logger.Info("order rejected by risk",
			"user", intent.UserID,
			"key", intent.ClientOrderKey,
			"rule", dec.Rejection.Rule,
			"detail", dec.Rejection.Detail,
		)
		return model.OrderRecord{}, dec.Err()
	}

	ub.recent = append(ub.recent, now)
	rec := model.OrderRecord{
		ClientOrderKey: intent.ClientOrderKey,
		UserID:         intent.UserID,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Quantity:       intent.Quantity,
		Price:          intent.Price,
		OrderType:      intent.OrderType,
		Status:         model.OrderSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.mu.Lock()
	r.orders[k] = &entry{record: rec, fills: make(map[string]struct{})}
	r.byUser[intent.UserID] = append(r.byUser[intent.UserID], k)
	r.save(rec)
	r.mu.Unlock()
	return rec, nil
}

func (r *Router) user(userID string) *userBook {
	r.mu.Lock()
	defer r.mu.Unlock()
	ub, ok := r.users[userID]
	if !ok {
		ub = &userBook{}
		r.users[userID] = ub
	}
	return ub
}

func (r *Router) lookup(k string) (model.OrderRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.orders[k]
	if !ok {
		return model.OrderRecord{}, false
	}
	return e.record, true
}

// save queues rec. Callers hold r.mu.
func (r *Router) save(rec model.OrderRecord) {
	if r.deps.Persist != nil {
		r.deps.Persist.SaveOrder(rec)
	}
}

// confirm records the brokerage order id and replays events that arrived
// before it was known.
func (r *Router) confirm(k, brokerageID string) model.OrderRecord {
	r.mu.Lock()
	e := r.orders[k]
	changed := false
	if e.record.BrokerageOrderID == "" && brokerageID != "" {
		e.record.BrokerageOrderID = brokerageID
		e.record.UpdatedAt = r.cfg.Now()
		changed = true
	}
	if e.record.Unconfirmed {
		e.record.Unconfirmed = false
		changed = true
	}
	if brokerageID != "" {
		r.byBroker[brokerageID] = k
	}
	parked := r.orphans[brokerageID]
	delete(r.orphans, brokerageID)
	r.orphanN -= len(parked)
	rec := e.record
	if changed {
		r.save(rec)
	}
	r.mu.Unlock()

	for _, ev := range parked {
		r.OnBrokerageEvent(ev)
	}
	if len(parked) > 0 {
		rec, _ = r.lookup(k)
	}
	return rec
}

// finish moves a non-terminal record to a terminal status.
func (r *Router) finish(k string, status model.OrderStatus, reason string) model.OrderRecord {
	r.mu.Lock()
	e := r.orders[k]
	changed := false
	if e.record.Status.CanMoveTo(status) {
		e.record.Status = status
		e.record.Reason = reason
		e.record.Unconfirmed = false
		e.record.UpdatedAt = r.cfg.Now()
		changed = true
	}
	rec := e.record
	if changed {
		r.save(rec)
	}
	r.mu.Unlock()
	return rec
}

func (r *Router) markUnconfirmed(k string) model.OrderRecord {
	r.mu.Lock()
	e := r.orders[k]
	changed := false
	// An event may already have confirmed the order while PlaceOrder was
	// still waiting.
	if e.record.Status == model.OrderSubmitted && e.record.BrokerageOrderID == "" {
		e.record.Unconfirmed = true
		e.record.UpdatedAt = r.cfg.Now()
		changed = true
	}
	rec := e.record
	if changed {
		r.save(rec)
	}
	r.mu.Unlock()
	return rec
}

// Order returns one record.
func (r *Router) Order(userID, clientKey string) (model.OrderRecord, error) {
	rec, ok := r.lookup(key(userID, clientKey))
	if !ok {
		return model.OrderRecord{}, ErrNotFound
	}
	return rec, nil
}

// Orders returns the user's records in submission order.
func (r *Router) Orders(userID string) []model.OrderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.byUser[userID]
	out := make([]model.OrderRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.orders[k].record)
	}
	return out
}

// Cancel asks the brokerage to cancel an open order. On success the record
// is marked cancelled without waiting for the brokerage's event.
func (r *Router) Cancel(ctx context.Context, userID, clientKey string) (model.OrderRecord, error) {
	k := key(userID, clientKey)
	rec, ok := r.lookup(k)
	if !ok {
		return model.OrderRecord{}, ErrNotFound
	}
	if rec.Status.Terminal() {
		return rec, ErrTerminal
	}
	if rec.BrokerageOrderID == "" {
		return rec, ErrNotConfirmed
	}
	sess, err := r.deps.Sessions.GetActiveSession(userID)
	if err != nil {
		return rec, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	defer cancel()
	if err := r.deps.API.CancelOrder(callCtx, sess, rec.BrokerageOrderID); err != nil {
		return rec, fmt.Errorf("order: cancel %s: %w", clientKey, err)
	}

	r.OnBrokerageEvent(broker.OrderEvent{
		Kind:             broker.EventCancelled,
		UserID:           userID,
		ClientOrderKey:   clientKey,
		BrokerageOrderID: rec.BrokerageOrderID,
		Time:             r.cfg.Now(),
	})
	r.logger.Info("order cancelled", "user", userID, "key", clientKey)
	rec, _ = r.lookup(k)
	return rec, nil
}

// background runs fn on a tracked goroutine unless the router is closed.
func (r *Router) background(fn func()) bool {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// Close stops reconciliation and event streams and waits for them.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.cancel()
		r.mu.Unlock()
		r.wg.Wait()
	})
}
