// Package wsfeed is a market data source speaking JSON over a websocket.
//
// Control frames sent upstream:
//
//	{"action":"subscribe","symbols":["NSE:INFY"]}
//	{"action":"unsubscribe","symbols":["NSE:INFY"]}
//
// Tick frames received:
//
//	{"symbol":"NSE:INFY","last_price":"1500.5","volume":100,"bid":"1500","ask":"1501","exchange_timestamp":"2026-01-02T09:15:00Z"}
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-gateway/internal/broker"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	recvBuffer = 1024
)

// ControlMessage is a subscription change sent upstream.
type ControlMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// TickMessage is one market data frame from upstream.
type TickMessage struct {
	Symbol            string          `json:"symbol"`
	LastPrice         decimal.Decimal `json:"last_price"`
	Volume            int64           `json:"volume"`
	Bid               decimal.Decimal `json:"bid"`
	Ask               decimal.Decimal `json:"ask"`
	ExchangeTimestamp time.Time       `json:"exchange_timestamp"`
}

// Source dials a websocket market data endpoint.
type Source struct {
	url              string
	handshakeTimeout time.Duration
}

// New creates a Source for wsURL (ws:// or wss://).
func New(wsURL string, handshakeTimeout time.Duration) (*Source, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsfeed: unsupported scheme %q", u.Scheme)
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Source{url: u.String(), handshakeTimeout: handshakeTimeout}, nil
}

var _ broker.MarketDataSource = (*Source)(nil)

func (s *Source) DialMarketData(ctx context.Context) (broker.FeedConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: dial: %w", err)
	}

	c := &conn{
		ws:    ws,
		ticks: make(chan broker.RawTick, recvBuffer),
		done:  make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()
	return c, nil
}

type conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	ticks   chan broker.RawTick
	done    chan struct{}

	errMu   sync.Mutex
	readErr error
	once    sync.Once
}

func (c *conn) readPump() {
	defer c.shutdown(nil)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg TickMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Symbol == "" {
			slog.Warn("wsfeed: skipping malformed frame", "err", err)
			continue
		}
		select {
		case c.ticks <- broker.RawTick{
			Symbol:            msg.Symbol,
			LastPrice:         msg.LastPrice,
			Volume:            msg.Volume,
			Bid:               msg.Bid,
			Ask:               msg.Ask,
			ExchangeTimestamp: msg.ExchangeTimestamp,
		}:
		case <-c.done:
			return
		}
	}
}

func (c *conn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

func (c *conn) send(ctx context.Context, action string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	select {
	case <-c.done:
		return broker.ErrStreamClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(ControlMessage{Action: action, Symbols: symbols}); err != nil {
		return fmt.Errorf("wsfeed: %s: %w", action, err)
	}
	return nil
}

func (c *conn) Subscribe(ctx context.Context, symbols []string) error {
	return c.send(ctx, "subscribe", symbols)
}

func (c *conn) Unsubscribe(ctx context.Context, symbols []string) error {
	return c.send(ctx, "unsubscribe", symbols)
}

func (c *conn) Recv(ctx context.Context) (broker.RawTick, error) {
	select {
	case tick := <-c.ticks:
		return tick, nil
	case <-c.done:
		c.errMu.Lock()
		err := c.readErr
		c.errMu.Unlock()
		if err == nil {
			err = broker.ErrStreamClosed
		} else {
			err = fmt.Errorf("%w: %v", broker.ErrStreamClosed, err)
		}
		return broker.RawTick{}, err
	case <-ctx.Done():
		return broker.RawTick{}, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return c.ws.Close()
}

func (c *conn) shutdown(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.readErr = err
		c.errMu.Unlock()
		close(c.done)
	})
}
