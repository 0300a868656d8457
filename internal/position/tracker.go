// Package position is the authoritative in-memory ledger of per-user
// positions and P&L. Fills are applied synchronously under a per-user
// lock; durable copies are written afterwards and never roll a fill back.
//
// Accounting uses the average-cost convention: fills that grow a position
// re-weight the average entry price, fills that shrink it realize
// (price - avg) × closed quantity in the position's direction, and a fill
// that crosses zero opens the remainder at the fill price.
package position

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-gateway/internal/metrics"
	"github.com/atmx/trade-gateway/internal/model"
	"github.com/atmx/trade-gateway/internal/session"
)

// ErrInvalidFill is returned by ApplyFill for a malformed fill.
var ErrInvalidFill = errors.New("position: invalid fill")

// Persister receives updated positions. Calls are made with the user's lock
// held and must not block.
type Persister interface {
	SavePosition(p model.Position)
}

// Loader reads persisted positions at startup.
type Loader interface {
	LoadPositions(ctx context.Context) ([]model.Position, error)
}

// PriceSource supplies latest quotes for valuation.
type PriceSource interface {
	Latest(symbol string) (model.Quote, error)
}

// Config tunes the tracker.
type Config struct {
	LockStripes int
	Boundary    session.Boundary // daily realized P&L resets here
	Now         func() time.Time
}

type book struct {
	positions     map[string]*model.Position
	seen          map[string]struct{} // applied fill ids
	dailyRealized decimal.Decimal
	day           time.Time
}

// Tracker holds every user's positions.
type Tracker struct {
	cfg     Config
	persist Persister
	logger  *slog.Logger

	stripes []sync.Mutex

	mu    sync.RWMutex
	books map[string]*book
}

// NewTracker creates a tracker. persist may be nil.
func NewTracker(cfg Config, persist Persister) *Tracker {
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = 64
	}
	if cfg.Boundary.Location == nil {
		cfg.Boundary = session.DefaultBoundary()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		cfg:     cfg,
		persist: persist,
		logger:  slog.With("component", "position"),
		stripes: make([]sync.Mutex, cfg.LockStripes),
		books:   make(map[string]*book),
	}
}

// lock serializes all work for one user. The same user always maps to the
// same stripe.
func (t *Tracker) lock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &t.stripes[h.Sum32()%uint32(len(t.stripes))]
}

func (t *Tracker) book(userID string, create bool) *book {
	t.mu.RLock()
	b, ok := t.books[userID]
	t.mu.RUnlock()
	if ok || !create {
		return b
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.books[userID]; !ok {
		b = &book{
			positions: make(map[string]*model.Position),
			seen:      make(map[string]struct{}),
		}
		t.books[userID] = b
	}
	return b
}

// rollDay clears the daily realized figure and the applied fill ids when
// now is in a new trading day. Brokerage fill ids are unique per day.
func (t *Tracker) rollDay(b *book, now time.Time) {
	day := t.cfg.Boundary.Start(now)
	if !b.day.Equal(day) {
		b.day = day
		b.dailyRealized = decimal.Zero
		clear(b.seen)
	}
}

func validateFill(f model.Fill) error {
	switch {
	case f.FillID == "":
		return fmt.Errorf("%w: fill_id is required", ErrInvalidFill)
	case f.UserID == "" || f.Symbol == "":
		return fmt.Errorf("%w: user_id and symbol are required", ErrInvalidFill)
	case !f.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidFill, f.Side)
	case !f.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidFill)
	case f.Price.IsNegative():
		return fmt.Errorf("%w: price must not be negative", ErrInvalidFill)
	}
	return nil
}

// ApplyFill updates the user's position before returning. A fill whose id
// was already applied changes nothing and returns the current position.
func (t *Tracker) ApplyFill(f model.Fill) (model.Position, error) {
	if err := validateFill(f); err != nil {
		return model.Position{}, err
	}

	mu := t.lock(f.UserID)
	mu.Lock()
	b := t.book(f.UserID, true)
	p, ok := b.positions[f.Symbol]
	if !ok {
		p = &model.Position{UserID: f.UserID, Symbol: f.Symbol}
		b.positions[f.Symbol] = p
	}
	now := t.cfg.Now()
	t.rollDay(b, now)
	if _, dup := b.seen[f.FillID]; dup {
		out := *p
		mu.Unlock()
		return out, nil
	}
	b.seen[f.FillID] = struct{}{}

	realized := apply(p, f.Side, f.Quantity, f.Price)
	b.dailyRealized = b.dailyRealized.Add(realized)
	p.UpdatedAt = now
	out := *p
	// Queued under the lock so saves for one user reach the writer in
	// the order the fills were applied.
	if t.persist != nil {
		t.persist.SavePosition(out)
	}
	mu.Unlock()

	metrics.FillsApplied.Inc()
	t.logger.Info("fill applied",
		"user", f.UserID,
		"symbol", f.Symbol,
		"fill_id", f.FillID,
		"side", f.Side,
		"qty", f.Quantity.String(),
		"price", f.Price.String(),
		"net", out.NetQuantity.String(),
		"realized", out.RealizedPnL.String(),
	)
	return out, nil
}

// apply mutates p with one fill and returns the P&L it realized.
func apply(p *model.Position, side model.Side, qty, price decimal.Decimal) decimal.Decimal {
	delta := qty.Mul(side.Sign())
	net := p.NetQuantity

	if net.IsZero() || net.Sign() == delta.Sign() {
		after := net.Add(delta)
		cost := net.Abs().Mul(p.AvgEntryPrice).Add(qty.Mul(price))
		p.AvgEntryPrice = cost.Div(after.Abs())
		p.NetQuantity = after
		return decimal.Zero
	}

	closed := decimal.Min(qty, net.Abs())
	direction := decimal.NewFromInt(int64(net.Sign()))
	realized := price.Sub(p.AvgEntryPrice).Mul(closed).Mul(direction)
	p.RealizedPnL = p.RealizedPnL.Add(realized)

	after := net.Add(delta)
	switch {
	case after.IsZero():
		p.AvgEntryPrice = decimal.Zero
	case after.Sign() != net.Sign():
		p.AvgEntryPrice = price
	}
	p.NetQuantity = after
	return realized
}

// Position returns the user's position in symbol; a zero position when
// none exists.
func (t *Tracker) Position(userID, symbol string) model.Position {
	mu := t.lock(userID)
	mu.Lock()
	defer mu.Unlock()
	if b := t.book(userID, false); b != nil {
		if p, ok := b.positions[symbol]; ok {
			return *p
		}
	}
	return model.Position{UserID: userID, Symbol: symbol}
}

// Positions returns all of the user's positions sorted by symbol.
func (t *Tracker) Positions(userID string) []model.Position {
	mu := t.lock(userID)
	mu.Lock()
	defer mu.Unlock()
	return t.positionsLocked(userID)
}

func (t *Tracker) positionsLocked(userID string) []model.Position {
	b := t.book(userID, false)
	if b == nil {
		return []model.Position{}
	}
	out := make([]model.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Snapshot returns the user's positions with P&L valued at the latest
// quotes. Symbols without a quote are listed as unpriced.
func (t *Tracker) Snapshot(userID string, prices PriceSource) model.Portfolio {
	mu := t.lock(userID)
	mu.Lock()
	positions := t.positionsLocked(userID)
	daily := decimal.Zero
	if b := t.book(userID, false); b != nil {
		t.rollDay(b, t.cfg.Now())
		daily = b.dailyRealized
	}
	mu.Unlock()

	pnl := model.PnLSnapshot{
		UserID:           userID,
		DailyRealizedPnL: daily,
	}
	for _, p := range positions {
		pnl.RealizedPnL = pnl.RealizedPnL.Add(p.RealizedPnL)
		if p.NetQuantity.IsZero() {
			continue
		}
		q, err := prices.Latest(p.Symbol)
		if err != nil {
			pnl.Unpriced = append(pnl.Unpriced, p.Symbol)
			continue
		}
		if q.Stale {
			pnl.Stale = true
		}
		last := q.LastPrice
		pnl.UnrealizedPnL = pnl.UnrealizedPnL.Add(last.Sub(p.AvgEntryPrice).Mul(p.NetQuantity))
		pnl.TotalExposure = pnl.TotalExposure.Add(p.NetQuantity.Abs().Mul(last))
	}
	return model.Portfolio{UserID: userID, Positions: positions, PnL: pnl}
}

// DailyPnL returns today's realized P&L plus current unrealized P&L.
func (t *Tracker) DailyPnL(userID string, prices PriceSource) decimal.Decimal {
	s := t.Snapshot(userID, prices).PnL
	return s.DailyRealizedPnL.Add(s.UnrealizedPnL)
}

// Restore loads persisted positions. It must run before any fill is applied.
func (t *Tracker) Restore(ctx context.Context, loader Loader) (int, error) {
	positions, err := loader.LoadPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("position: restore: %w", err)
	}
	for _, p := range positions {
		mu := t.lock(p.UserID)
		mu.Lock()
		b := t.book(p.UserID, true)
		cp := p
		b.positions[p.Symbol] = &cp
		mu.Unlock()
	}
	t.logger.Info("positions restored", "count", len(positions))
	return len(positions), nil
}
