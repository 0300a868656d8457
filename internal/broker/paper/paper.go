// Package paper implements an in-process simulated brokerage. It backs the
// "paper" broker mode and doubles as the upstream fake in tests: ticks are
// injected with Publish, outages with DropConnections and FailDials.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-gateway/internal/broker"
	"github.com/atmx/trade-gateway/internal/model"
)

// FillMode controls how the simulator answers PlaceOrder.
type FillMode int

const (
	// FillImmediately acknowledges and fully fills every order.
	FillImmediately FillMode = iota
	// AcceptOnly acknowledges orders and leaves them working.
	AcceptOnly
	// RejectAll rejects every order synchronously.
	RejectAll
)

const eventBuffer = 1024

type paperOrder struct {
	userID string
	intent model.OrderIntent
	id     string
	state  broker.OrderState
	filled decimal.Decimal
}

// Broker is the simulated brokerage. The zero value is not usable; call New.
type Broker struct {
	loginURL string
	tokenTTL time.Duration

	mu        sync.Mutex
	pending   map[string]string // userID -> request token
	tokens    map[string]string // access token -> userID
	fillMode  FillMode
	placeHook func(ctx context.Context, intent model.OrderIntent) error
	orders    map[string]*paperOrder // userID/clientKey -> order
	byID      map[string]*paperOrder
	streams   map[string][]chan broker.OrderEvent
	backlog   map[string][]broker.OrderEvent
	lastPrice map[string]decimal.Decimal
	placed    int

	conns    map[*feedConn]struct{}
	dials    int
	dialErrs int
	dialErr  error
}

// New creates a simulated brokerage. loginURL is the base of the URLs
// handed out by InitiateLogin; tokenTTL of zero leaves token expiry to the
// gateway's trading-day boundary.
func New(loginURL string, tokenTTL time.Duration) *Broker {
	if loginURL == "" {
		loginURL = "https://paper.invalid/connect/login"
	}
	return &Broker{
		loginURL:  loginURL,
		tokenTTL:  tokenTTL,
		pending:   make(map[string]string),
		tokens:    make(map[string]string),
		orders:    make(map[string]*paperOrder),
		byID:      make(map[string]*paperOrder),
		streams:   make(map[string][]chan broker.OrderEvent),
		backlog:   make(map[string][]broker.OrderEvent),
		lastPrice: make(map[string]decimal.Decimal),
		conns:     make(map[*feedConn]struct{}),
	}
}

var _ broker.Adapter = (*Broker)(nil)

// --- Authentication ---

func (b *Broker) InitiateLogin(_ context.Context, userID string) (string, error) {
	reqToken := uuid.NewString()

	b.mu.Lock()
	b.pending[userID] = reqToken
	b.mu.Unlock()

	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("request_token", reqToken)
	return b.loginURL + "?" + q.Encode(), nil
}

// PendingRequestToken returns the request token a human would receive
// after completing the login page for userID.
func (b *Broker) PendingRequestToken(userID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tok, ok := b.pending[userID]
	return tok, ok
}

func (b *Broker) ExchangeToken(_ context.Context, userID, requestToken string) (broker.Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	want, ok := b.pending[userID]
	if !ok || want != requestToken {
		return broker.Token{}, broker.ErrInvalidToken
	}
	delete(b.pending, userID)

	access := uuid.NewString()
	b.tokens[access] = userID

	tok := broker.Token{
		AccessToken: access,
		AccountID:   "PAPER-" + userID,
	}
	if b.tokenTTL > 0 {
		tok.ExpiresAt = time.Now().Add(b.tokenTTL)
	}
	return tok, nil
}

func (b *Broker) authorize(session model.UserSession) error {
	if b.tokens[session.AccessToken] != session.UserID {
		return fmt.Errorf("paper: unknown access token for %s", session.UserID)
	}
	return nil
}

// --- Orders ---

// SetFillMode changes how subsequent orders are answered.
func (b *Broker) SetFillMode(m FillMode) {
	b.mu.Lock()
	b.fillMode = m
	b.mu.Unlock()
}

// SetPlaceHook installs a function run after the venue has recorded an
// order, outside the broker lock. A non-nil error is returned to the
// caller even though the venue holds the order, which is how a lost
// acknowledgement looks from the gateway.
func (b *Broker) SetPlaceHook(fn func(ctx context.Context, intent model.OrderIntent) error) {
	b.mu.Lock()
	b.placeHook = fn
	b.mu.Unlock()
}

// PlacedCount returns how many PlaceOrder calls reached the simulated venue.
func (b *Broker) PlacedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placed
}

func (b *Broker) PlaceOrder(ctx context.Context, session model.UserSession, intent model.OrderIntent) (string, error) {
	id, hook, err := b.place(session, intent)
	if err != nil {
		return "", err
	}
	if hook != nil {
		if err := hook(ctx, intent); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (b *Broker) place(session model.UserSession, intent model.OrderIntent) (string, func(context.Context, model.OrderIntent) error, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.placed++
	if err := b.authorize(session); err != nil {
		return "", nil, err
	}
	key := orderKey(session.UserID, intent.ClientOrderKey)
	if o, ok := b.orders[key]; ok {
		return o.id, b.placeHook, nil
	}

	o := &paperOrder{
		userID: session.UserID,
		intent: intent,
		id:     uuid.NewString(),
	}
	o.state.BrokerageOrderID = o.id
	b.orders[key] = o
	b.byID[o.id] = o

	now := time.Now().UTC()
	if b.fillMode == RejectAll {
		o.state.Status = model.OrderRejected
		o.state.Reason = "simulated rejection"
		return "", nil, fmt.Errorf("%w: %s", broker.ErrRejected, o.state.Reason)
	}

	o.state.Status = model.OrderAccepted
	b.emitLocked(o.userID, broker.OrderEvent{
		Kind:             broker.EventAccepted,
		UserID:           o.userID,
		ClientOrderKey:   intent.ClientOrderKey,
		BrokerageOrderID: o.id,
		Time:             now,
	})

	if b.fillMode == FillImmediately {
		price := intent.Price
		if intent.OrderType == model.OrderTypeMarket {
			if last, ok := b.lastPrice[intent.Symbol]; ok {
				price = last
			}
		}
		b.fillLocked(o, intent.Quantity, price, now)
	}
	return o.id, b.placeHook, nil
}

// Fill executes qty of an open order at price, as if the venue matched it.
func (b *Broker) Fill(userID, clientOrderKey string, qty, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderKey(userID, clientOrderKey)]
	if !ok {
		return broker.ErrOrderNotFound
	}
	if o.state.Status.Terminal() {
		return fmt.Errorf("paper: order %s is %s", o.id, o.state.Status)
	}
	b.fillLocked(o, qty, price, time.Now().UTC())
	return nil
}

func (b *Broker) fillLocked(o *paperOrder, qty, price decimal.Decimal, at time.Time) {
	o.filled = o.filled.Add(qty)
	if o.filled.GreaterThanOrEqual(o.intent.Quantity) {
		o.state.Status = model.OrderFilled
	} else {
		o.state.Status = model.OrderPartiallyFilled
	}
	ev := broker.OrderEvent{
		Kind:             broker.EventFill,
		UserID:           o.userID,
		ClientOrderKey:   o.intent.ClientOrderKey,
		BrokerageOrderID: o.id,
		FillID:           uuid.NewString(),
		Quantity:         qty,
		Price:            price,
		Time:             at,
	}
	o.state.Fills = append(o.state.Fills, ev)
	b.emitLocked(o.userID, ev)
}

func (b *Broker) CancelOrder(_ context.Context, session model.UserSession, brokerageOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.authorize(session); err != nil {
		return err
	}
	o, ok := b.byID[brokerageOrderID]
	if !ok || o.userID != session.UserID {
		return broker.ErrOrderNotFound
	}
	if o.state.Status.Terminal() {
		return fmt.Errorf("paper: order %s is %s", o.id, o.state.Status)
	}
	o.state.Status = model.OrderCancelled
	b.emitLocked(o.userID, broker.OrderEvent{
		Kind:             broker.EventCancelled,
		UserID:           o.userID,
		ClientOrderKey:   o.intent.ClientOrderKey,
		BrokerageOrderID: o.id,
		Time:             time.Now().UTC(),
	})
	return nil
}

func (b *Broker) OrderStatus(_ context.Context, session model.UserSession, clientOrderKey string) (broker.OrderState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.authorize(session); err != nil {
		return broker.OrderState{}, err
	}
	o, ok := b.orders[orderKey(session.UserID, clientOrderKey)]
	if !ok {
		return broker.OrderState{}, broker.ErrOrderNotFound
	}
	st := o.state
	st.Fills = append([]broker.OrderEvent(nil), o.state.Fills...)
	return st, nil
}

// OrderEvents streams events for the session's user until ctx ends. Events
// produced while no stream was open are replayed first.
func (b *Broker) OrderEvents(ctx context.Context, session model.UserSession) (<-chan broker.OrderEvent, error) {
	b.mu.Lock()
	if err := b.authorize(session); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	ch := make(chan broker.OrderEvent, eventBuffer)
	for _, ev := range b.backlog[session.UserID] {
		ch <- ev
	}
	delete(b.backlog, session.UserID)
	b.streams[session.UserID] = append(b.streams[session.UserID], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.streams[session.UserID]
		for i, c := range list {
			if c == ch {
				b.streams[session.UserID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// Emit delivers an arbitrary event to userID's streams, for tests that
// need duplicated or reordered callbacks.
func (b *Broker) Emit(userID string, ev broker.OrderEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitLocked(userID, ev)
}

func (b *Broker) emitLocked(userID string, ev broker.OrderEvent) {
	streams := b.streams[userID]
	if len(streams) == 0 {
		if len(b.backlog[userID]) < eventBuffer {
			b.backlog[userID] = append(b.backlog[userID], ev)
		}
		return
	}
	for _, ch := range streams {
		select {
		case ch <- ev:
		default:
			slog.Warn("paper: event stream full, dropping", "user", userID, "kind", ev.Kind)
		}
	}
}

func orderKey(userID, clientKey string) string {
	return userID + "/" + clientKey
}
