// Package gateway wires sessions, market data, risk, order routing,
// positions and persistence into one explicitly constructed object.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/trade-gateway/internal/broker"
	"github.com/atmx/trade-gateway/internal/marketdata"
	"github.com/atmx/trade-gateway/internal/metrics"
	"github.com/atmx/trade-gateway/internal/model"
	"github.com/atmx/trade-gateway/internal/order"
	"github.com/atmx/trade-gateway/internal/position"
	"github.com/atmx/trade-gateway/internal/risk"
	"github.com/atmx/trade-gateway/internal/session"
	"github.com/atmx/trade-gateway/internal/store"
)

var (
	ErrStarted    = errors.New("gateway: already started")
	ErrNotStarted = errors.New("gateway: not started")
)

// Deps are the external collaborators.
type Deps struct {
	Auth   broker.Authenticator
	Orders broker.OrderAPI
	Market broker.MarketDataSource
	Store  store.Store
	Mirror marketdata.TickMirror // may be nil
}

// Config tunes every component.
type Config struct {
	Session     session.Config
	MarketData  marketdata.Config
	Order       order.Config
	Position    position.Config
	Persistence store.WriteBehindConfig
	AdverseMove decimal.Decimal
}

// Gateway is the façade the API layer talks to.
type Gateway struct {
	st        store.Store
	writer    *store.WriteBehind
	sessions  *session.Store
	hub       *marketdata.Hub
	positions *position.Tracker
	limits    *risk.LimitsBook
	router    *order.Router
	logger    *slog.Logger

	streamMu sync.Mutex // serializes stream attach and detach

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool
}

// New builds a gateway. Nothing runs until Start.
func New(deps Deps, cfg Config) *Gateway {
	g := &Gateway{
		st:     deps.Store,
		limits: risk.NewLimitsBook(),
		logger: slog.With("component", "gateway"),
	}
	g.writer = store.NewWriteBehind(deps.Store, cfg.Persistence, g.alert)
	g.sessions = session.New(deps.Auth, cfg.Session, g.writer)

	if cfg.Position.Boundary.Location == nil {
		cfg.Position.Boundary = cfg.Session.Boundary
	}
	g.positions = position.NewTracker(cfg.Position, g.writer)

	g.hub = marketdata.NewHub(deps.Market, cfg.MarketData, deps.Mirror)

	g.router = order.NewRouter(order.Deps{
		API:       deps.Orders,
		Sessions:  g.sessions,
		Quotes:    g.hub,
		Positions: g.positions,
		Limits:    g.limits,
		Gate:      risk.NewGate(cfg.AdverseMove),
		Persist:   g.writer,
	}, cfg.Order)

	g.sessions.Subscribe(g.onSession)
	return g
}

func (g *Gateway) alert(kind string, err error) {
	g.logger.Error("durability degraded", "kind", kind, "err", err)
}

// onSession keeps one order event stream per active session. Notifications
// for one user can arrive out of order, so the stream follows the current
// session rather than the one in the notification.
func (g *Gateway) onSession(s model.UserSession) {
	g.streamMu.Lock()
	if cur, ok := g.sessions.Current(s.UserID); ok && cur.Status == model.SessionActive {
		g.router.AttachSession(cur)
	} else {
		g.router.DetachSession(s.UserID)
	}
	g.streamMu.Unlock()
	metrics.ActiveSessions.Set(float64(len(g.sessions.Active())))
}

// Start restores persisted limits and positions and starts the market data
// connection, the session sweeper and the persistence workers.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.group != nil || g.stopped {
		return ErrStarted
	}

	limits, err := g.st.LoadRiskLimits(ctx)
	if err != nil {
		return fmt.Errorf("gateway: load risk limits: %w", err)
	}
	for _, l := range limits {
		if err := g.limits.Set(l); err != nil {
			g.logger.Warn("skipping stored risk limits", "user", l.UserID, "err", err)
		}
	}
	n, err := g.positions.Restore(ctx, g.st)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	grp, runCtx := errgroup.WithContext(runCtx)
	grp.Go(func() error { return g.hub.Run(runCtx) })
	grp.Go(func() error { return g.sessions.Run(runCtx) })
	grp.Go(func() error { return g.writer.Run(runCtx) })
	g.cancel, g.group = cancel, grp

	g.logger.Info("gateway started", "risk_limits", len(limits), "positions", n)
	return nil
}

// Stop halts background work and flushes pending writes. ctx bounds the
// flush.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.group == nil || g.stopped {
		g.mu.Unlock()
		return ErrNotStarted
	}
	g.stopped = true
	cancel, grp := g.cancel, g.group
	g.mu.Unlock()

	cancel()
	g.router.Close()
	if err := grp.Wait(); err != nil {
		g.logger.Error("background task failed", "err", err)
	}
	if err := g.writer.Flush(ctx); err != nil {
		return fmt.Errorf("gateway: flush: %w", err)
	}
	g.logger.Info("gateway stopped", "pending_writes", g.writer.Pending())
	return nil
}

// --- Sessions ---

// SessionView is a user's place in the session lifecycle.
type SessionView struct {
	UserID  string             `json:"user_id"`
	State   session.State      `json:"state"`
	Session *model.UserSession `json:"session,omitempty"`
}

func (g *Gateway) Session(userID string) SessionView {
	v := SessionView{UserID: userID, State: g.sessions.Status(userID)}
	if s, ok := g.sessions.Current(userID); ok {
		v.Session = &s
	}
	return v
}

func (g *Gateway) BeginDailyAuth(ctx context.Context, userID string) (string, error) {
	return g.sessions.BeginDailyAuth(ctx, userID)
}

func (g *Gateway) CompleteDailyAuth(ctx context.Context, userID, requestToken string) (model.UserSession, error) {
	return g.sessions.CompleteDailyAuth(ctx, userID, requestToken)
}

func (g *Gateway) Invalidate(userID string) bool {
	return g.sessions.Invalidate(userID)
}

// --- Market data ---

func (g *Gateway) Subscribe(callerID string, symbols []string) (*marketdata.Subscription, error) {
	return g.hub.Subscribe(callerID, symbols)
}

func (g *Gateway) Unsubscribe(sub *marketdata.Subscription) {
	g.hub.Unsubscribe(sub)
}

func (g *Gateway) SubscribedSymbols(sub *marketdata.Subscription) []string {
	return g.hub.SubscribedSymbols(sub)
}

func (g *Gateway) UnsubscribeCaller(callerID string) bool {
	return g.hub.UnsubscribeCaller(callerID)
}

func (g *Gateway) Latest(symbol string) (model.Quote, error) {
	return g.hub.Latest(symbol)
}

func (g *Gateway) History(symbol string, n int) ([]model.Tick, error) {
	return g.hub.History(symbol, n)
}

// --- Orders ---

func (g *Gateway) SubmitOrder(ctx context.Context, intent model.OrderIntent) (order.Result, error) {
	return g.router.Submit(ctx, intent)
}

func (g *Gateway) CancelOrder(ctx context.Context, userID, clientKey string) (model.OrderRecord, error) {
	return g.router.Cancel(ctx, userID, clientKey)
}

func (g *Gateway) Order(userID, clientKey string) (model.OrderRecord, error) {
	return g.router.Order(userID, clientKey)
}

func (g *Gateway) Orders(userID string) []model.OrderRecord {
	return g.router.Orders(userID)
}

// OrderHistory reads the user's persisted orders, including those from
// earlier runs. Recent changes may not have been written yet.
func (g *Gateway) OrderHistory(ctx context.Context, userID string) ([]model.OrderRecord, error) {
	return g.st.ListOrders(ctx, userID)
}

// OnBrokerageEvent accepts an order event pushed by the brokerage outside
// the per-session streams, such as a postback.
func (g *Gateway) OnBrokerageEvent(ev broker.OrderEvent) {
	g.router.OnBrokerageEvent(ev)
}

// --- Positions and risk ---

func (g *Gateway) Positions(userID string) []model.Position {
	return g.positions.Positions(userID)
}

func (g *Gateway) Portfolio(userID string) model.Portfolio {
	return g.positions.Snapshot(userID, g.hub)
}

// SetRiskLimits validates and installs limits, replacing any previous set.
func (g *Gateway) SetRiskLimits(l model.RiskLimits) error {
	if err := g.limits.Set(l); err != nil {
		return err
	}
	g.writer.SaveRiskLimits(l)
	g.logger.Info("risk limits set", "user", l.UserID)
	return nil
}

// RiskLimits returns nil when the user has none.
func (g *Gateway) RiskLimits(userID string) *model.RiskLimits {
	return g.limits.Get(userID)
}

// --- Health ---

// Health summarizes the gateway's dependencies.
type Health struct {
	Status             string   `json:"status"`
	UpstreamConnected  bool     `json:"upstream_connected"`
	DurabilityDegraded bool     `json:"durability_degraded"`
	PendingWrites      int      `json:"pending_writes"`
	ActiveSessions     int      `json:"active_sessions"`
	Symbols            []string `json:"symbols"`
}

func (g *Gateway) Health() Health {
	h := Health{
		Status:             "ok",
		UpstreamConnected:  g.hub.Connected(),
		DurabilityDegraded: g.writer.Degraded(),
		PendingWrites:      g.writer.Pending(),
		ActiveSessions:     len(g.sessions.Active()),
		Symbols:            g.hub.Symbols(),
	}
	if !h.UpstreamConnected || h.DurabilityDegraded {
		h.Status = "degraded"
	}
	return h
}
