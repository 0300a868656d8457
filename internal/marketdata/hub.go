// Package marketdata multiplexes one upstream market data connection
// across many subscribers. It keeps the latest tick and a bounded history
// per symbol, fans ticks out through bounded per-subscriber queues, and
// reconnects with exponential backoff while serving the last known prices
// as stale.
package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/trade-gateway/internal/broker"
	"github.com/atmx/trade-gateway/internal/instrument"
	"github.com/atmx/trade-gateway/internal/metrics"
	"github.com/atmx/trade-gateway/internal/model"
)

var (
	// ErrNoData is returned by Latest when no tick was ever seen for the symbol.
	ErrNoData = errors.New("marketdata: no data for symbol")

	// ErrUnavailable is returned by Latest when upstream has been down
	// longer than the configured unavailability threshold.
	ErrUnavailable = errors.New("marketdata: upstream unavailable")
)

// TickMirror receives every accepted tick, for sharing latest prices with
// other processes.
type TickMirror interface {
	MirrorTick(ctx context.Context, tick model.Tick) error
}

// Config tunes the hub.
type Config struct {
	HistoryCapacity  int
	SubscriberQueue  int
	StaleAfter       time.Duration
	UnavailableAfter time.Duration // 0 serves stale data indefinitely
	ReorderTolerance time.Duration
	DialTimeout      time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Now              func() time.Time
}

func (c *Config) setDefaults() {
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = 1000
	}
	if c.SubscriberQueue <= 0 {
		c.SubscriberQueue = 256
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Second
	}
	if c.ReorderTolerance < 0 {
		c.ReorderTolerance = 0
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Subscription is one caller's interest in a set of symbols. Ticks arrive
// on C in arrival order; when the queue is full the oldest queued tick is
// dropped.
type Subscription struct {
	ID       string
	CallerID string

	ch      chan model.Tick
	mu      sync.Mutex
	closed  bool
	symbols map[string]bool // guarded by Hub.mu
	dropped atomic.Uint64
}

// C returns the tick channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan model.Tick { return s.ch }

// Dropped returns how many ticks were evicted from this subscription's queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) push(t model.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- t:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
		metrics.SubscriberDrops.Inc()
	default:
	}
	select {
	case s.ch <- t:
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub is the market data multiplexer.
type Hub struct {
	src    broker.MarketDataSource
	cfg    Config
	mirror TickMirror
	logger *slog.Logger

	mu        sync.RWMutex
	latest    map[string]model.Tick
	history   map[string]*Ring[model.Tick]
	subs      map[string]*Subscription // callerID -> subscription
	bySymbol  map[string]map[*Subscription]struct{}
	refs      map[string]int
	connected bool
	downSince time.Time
	changes   chan struct{}
}

// NewHub creates a hub reading from src. mirror may be nil.
func NewHub(src broker.MarketDataSource, cfg Config, mirror TickMirror) *Hub {
	cfg.setDefaults()
	return &Hub{
		src:       src,
		cfg:       cfg,
		mirror:    mirror,
		logger:    slog.With("component", "marketdata"),
		latest:    make(map[string]model.Tick),
		history:   make(map[string]*Ring[model.Tick]),
		subs:      make(map[string]*Subscription),
		bySymbol:  make(map[string]map[*Subscription]struct{}),
		refs:      make(map[string]int),
		downSince: cfg.Now(),
		changes:   make(chan struct{}, 1),
	}
}

// Subscribe registers callerID's interest in symbols. Calling it again for
// the same caller extends the existing subscription and returns the same
// handle.
func (h *Hub) Subscribe(callerID string, symbols []string) (*Subscription, error) {
	norm, err := instrument.Normalize(symbols)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	sub, ok := h.subs[callerID]
	if !ok {
		sub = &Subscription{
			ID:       uuid.NewString(),
			CallerID: callerID,
			ch:       make(chan model.Tick, h.cfg.SubscriberQueue),
			symbols:  make(map[string]bool),
		}
		h.subs[callerID] = sub
		metrics.MarketSubscriptions.Inc()
	}
	added := false
	for _, s := range norm {
		if sub.symbols[s] {
			continue
		}
		sub.symbols[s] = true
		if h.bySymbol[s] == nil {
			h.bySymbol[s] = make(map[*Subscription]struct{})
		}
		h.bySymbol[s][sub] = struct{}{}
		h.refs[s]++
		if h.refs[s] == 1 {
			added = true
		}
	}
	h.mu.Unlock()

	if added {
		h.signal()
	}
	return sub, nil
}

// Unsubscribe cancels sub and closes its channel. Symbols nobody else
// wants are released upstream.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if h.subs[sub.CallerID] != sub {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub.CallerID)
	removed := false
	for s := range sub.symbols {
		delete(h.bySymbol[s], sub)
		if len(h.bySymbol[s]) == 0 {
			delete(h.bySymbol, s)
		}
		h.refs[s]--
		if h.refs[s] <= 0 {
			delete(h.refs, s)
			removed = true
		}
	}
	sub.close()
	metrics.MarketSubscriptions.Dec()
	h.mu.Unlock()

	if removed {
		h.signal()
	}
}

// UnsubscribeCaller cancels callerID's subscription, if any.
func (h *Hub) UnsubscribeCaller(callerID string) bool {
	h.mu.RLock()
	sub, ok := h.subs[callerID]
	h.mu.RUnlock()
	if ok {
		h.Unsubscribe(sub)
	}
	return ok
}

// Latest returns the most recent tick for symbol with its freshness.
func (h *Hub) Latest(symbol string) (model.Quote, error) {
	sym, err := instrument.Canonical(symbol)
	if err != nil {
		return model.Quote{}, err
	}
	now := h.cfg.Now()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.connected && h.cfg.UnavailableAfter > 0 && now.Sub(h.downSince) >= h.cfg.UnavailableAfter {
		return model.Quote{}, ErrUnavailable
	}
	tick, ok := h.latest[sym]
	if !ok {
		return model.Quote{}, ErrNoData
	}
	age := now.Sub(tick.ReceivedAt)
	if age < 0 {
		age = 0
	}
	return model.Quote{
		Tick:  tick,
		Stale: !h.connected || age >= h.cfg.StaleAfter,
		Age:   age,
	}, nil
}

// History returns up to n of the most recent ticks for symbol, oldest
// first. The slice is a fresh copy.
func (h *Hub) History(symbol string, n int) ([]model.Tick, error) {
	sym, err := instrument.Canonical(symbol)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	ring, ok := h.history[sym]
	if !ok {
		return []model.Tick{}, nil
	}
	return ring.Last(n), nil
}

// Connected reports whether the upstream connection is up.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

// Symbols returns the sorted union of subscribed symbols.
func (h *Hub) Symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.unionLocked()
}

// SubscribedSymbols returns every symbol on sub, sorted.
func (h *Hub) SubscribedSymbols(sub *Subscription) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(sub.symbols))
	for s := range sub.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) unionLocked() []string {
	out := make([]string, 0, len(h.refs))
	for s := range h.refs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) signal() {
	select {
	case h.changes <- struct{}{}:
	default:
	}
}

// Run maintains the upstream connection until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.cfg.InitialBackoff
	bo.MaxInterval = h.cfg.MaxBackoff

	for {
		connected, err := h.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		h.logger.Warn("upstream disconnected, retrying", "err", err, "in", wait)
		metrics.UpstreamReconnects.Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// connect runs one connection lifetime. It reports whether the connection
// was established.
func (h *Hub) connect(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, h.cfg.DialTimeout)
	conn, err := h.src.DialMarketData(dialCtx)
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.Close()

	active := make(map[string]bool)
	if err := h.sync(ctx, conn, active); err != nil {
		return false, err
	}
	h.setConnected(true)
	defer h.setConnected(false)
	h.logger.Info("upstream connected", "symbols", len(active))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			raw, err := conn.Recv(gctx)
			if err != nil {
				return err
			}
			h.ingest(gctx, raw)
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-h.changes:
				if err := h.sync(gctx, conn, active); err != nil {
					return err
				}
			}
		}
	})
	return true, g.Wait()
}

// sync brings the connection's subscriptions in line with the current
// union. active is the set already subscribed on conn.
func (h *Hub) sync(ctx context.Context, conn broker.FeedConn, active map[string]bool) error {
	h.mu.RLock()
	want := h.unionLocked()
	h.mu.RUnlock()

	wantSet := make(map[string]bool, len(want))
	var add, drop []string
	for _, s := range want {
		wantSet[s] = true
		if !active[s] {
			add = append(add, s)
		}
	}
	for s := range active {
		if !wantSet[s] {
			drop = append(drop, s)
		}
	}
	sort.Strings(drop)

	if len(add) > 0 {
		if err := conn.Subscribe(ctx, add); err != nil {
			return err
		}
		for _, s := range add {
			active[s] = true
		}
	}
	if len(drop) > 0 {
		if err := conn.Unsubscribe(ctx, drop); err != nil {
			return err
		}
		for _, s := range drop {
			delete(active, s)
		}
	}
	return nil
}

func (h *Hub) setConnected(up bool) {
	h.mu.Lock()
	h.connected = up
	if !up {
		h.downSince = h.cfg.Now()
	}
	h.mu.Unlock()
	if up {
		metrics.UpstreamConnected.Set(1)
	} else {
		metrics.UpstreamConnected.Set(0)
	}
}

// ingest records one upstream tick and fans it out.
func (h *Hub) ingest(ctx context.Context, raw broker.RawTick) {
	symbol, err := instrument.Canonical(raw.Symbol)
	if err != nil {
		h.logger.Debug("dropping tick with unparseable symbol", "symbol", raw.Symbol, "err", err)
		return
	}
	now := h.cfg.Now()
	tick := model.Tick{
		Symbol:            symbol,
		LastPrice:         raw.LastPrice,
		Volume:            raw.Volume,
		Bid:               raw.Bid,
		Ask:               raw.Ask,
		ExchangeTimestamp: raw.ExchangeTimestamp,
		ReceivedAt:        now,
	}

	h.mu.Lock()
	if h.refs[tick.Symbol] == 0 {
		h.mu.Unlock()
		return
	}
	ring, ok := h.history[tick.Symbol]
	if !ok {
		ring = NewRing[model.Tick](h.cfg.HistoryCapacity)
		h.history[tick.Symbol] = ring
	}
	prev, seen := h.latest[tick.Symbol]
	if seen && tick.ReceivedAt.Before(prev.ReceivedAt) {
		tick.ReceivedAt = prev.ReceivedAt
	}
	if seen && tick.ExchangeTimestamp.Before(prev.ExchangeTimestamp) {
		if prev.ExchangeTimestamp.Sub(tick.ExchangeTimestamp) > h.cfg.ReorderTolerance {
			h.mu.Unlock()
			metrics.TicksDiscarded.Inc()
			return
		}
		// Late but within tolerance: history only, the latest slot stays.
		ring.Push(tick)
		h.mu.Unlock()
		metrics.TicksReceived.Inc()
		return
	}
	h.latest[tick.Symbol] = tick
	ring.Push(tick)
	for sub := range h.bySymbol[tick.Symbol] {
		sub.push(tick)
	}
	h.mu.Unlock()
	metrics.TicksReceived.Inc()

	if h.mirror != nil {
		if err := h.mirror.MirrorTick(ctx, tick); err != nil {
			h.logger.Debug("tick mirror failed", "symbol", tick.Symbol, "err", err)
		}
	}
}
