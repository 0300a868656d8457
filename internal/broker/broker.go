// Package broker defines the contract the gateway consumes from the
// upstream brokerage. The brokerage wire protocol stays behind these
// interfaces; implementations live in sub-packages.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-gateway/internal/model"
)

var (
	// ErrRejected is returned by PlaceOrder when the brokerage refused the
	// order outright. It is a definitive outcome.
	ErrRejected = errors.New("broker: order rejected")

	// ErrOrderNotFound is returned by OrderStatus when the brokerage has no
	// order under the given client key.
	ErrOrderNotFound = errors.New("broker: order not found")

	// ErrInvalidToken is returned by ExchangeToken for an unknown or reused
	// request token.
	ErrInvalidToken = errors.New("broker: invalid request token")

	// ErrStreamClosed is returned by stream reads after the upstream side
	// closed the stream.
	ErrStreamClosed = errors.New("broker: stream closed")
)

// Token is the result of a successful login exchange.
type Token struct {
	AccessToken string
	AccountID   string
	ExpiresAt   time.Time // zero when the brokerage does not say
}

// RawTick is one market data message as received from upstream.
type RawTick struct {
	Symbol            string
	LastPrice         decimal.Decimal
	Volume            int64
	Bid               decimal.Decimal
	Ask               decimal.Decimal
	ExchangeTimestamp time.Time
}

// EventKind classifies an order event.
type EventKind string

const (
	EventAccepted  EventKind = "accepted"
	EventFill      EventKind = "fill"
	EventRejected  EventKind = "rejected"
	EventCancelled EventKind = "cancelled"
)

// OrderEvent is an asynchronous callback about one order. Events may
// arrive duplicated and out of order relative to submission.
type OrderEvent struct {
	Kind             EventKind
	UserID           string
	ClientOrderKey   string
	BrokerageOrderID string
	FillID           string          // set for fills
	Quantity         decimal.Decimal // fill quantity
	Price            decimal.Decimal // fill price
	Reason           string          // set for rejections
	Time             time.Time
}

// OrderState is the brokerage's answer to a status poll.
type OrderState struct {
	BrokerageOrderID string
	Status           model.OrderStatus
	Reason           string
	Fills            []OrderEvent
}

// Authenticator performs the two-step daily login handshake.
type Authenticator interface {
	InitiateLogin(ctx context.Context, userID string) (string, error)
	ExchangeToken(ctx context.Context, userID, requestToken string) (Token, error)
}

// FeedConn is one live market data connection. Subscription changes are
// applied on the same connection. Recv blocks until a tick, an error, or
// ctx cancellation.
type FeedConn interface {
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
	Recv(ctx context.Context) (RawTick, error)
	Close() error
}

// MarketDataSource opens market data connections.
type MarketDataSource interface {
	DialMarketData(ctx context.Context) (FeedConn, error)
}

// OrderAPI submits and tracks orders on behalf of a session.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, session model.UserSession, intent model.OrderIntent) (string, error)
	CancelOrder(ctx context.Context, session model.UserSession, brokerageOrderID string) error
	OrderStatus(ctx context.Context, session model.UserSession, clientOrderKey string) (OrderState, error)
	OrderEvents(ctx context.Context, session model.UserSession) (<-chan OrderEvent, error)
}

// Adapter is the full brokerage surface.
type Adapter interface {
	Authenticator
	MarketDataSource
	OrderAPI
}
