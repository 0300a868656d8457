package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atmx/trade-gateway/internal/broker/wsfeed"
	"github.com/atmx/trade-gateway/internal/instrument"
	"github.com/atmx/trade-gateway/internal/marketdata"
	"github.com/atmx/trade-gateway/internal/metrics"
	"github.com/atmx/trade-gateway/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// StreamMessage is a JSON frame sent to tick stream clients.
type StreamMessage struct {
	Type    string      `json:"type"` // tick, subscribed, error
	Tick    *model.Tick `json:"tick,omitempty"`
	Symbols []string    `json:"symbols,omitempty"`
	Error   string      `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Stream handles GET /api/v1/stream?symbols=NSE:INFY,NSE:TCS. Clients may
// add symbols later by sending {"action":"subscribe","symbols":[...]}.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	symbols, err := instrument.Normalize(strings.Split(r.URL.Query().Get("symbols"), ","))
	if err != nil {
		h.fail(w, err)
		return
	}
	callerID := "ws-" + uuid.NewString()
	sub, err := h.gw.Subscribe(callerID, symbols)
	if err != nil {
		h.fail(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.gw.Unsubscribe(sub)
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}
	metrics.WebSocketClients.Inc()
	h.logger.Info("ws client connected", "caller", callerID, "symbols", symbols)

	c := &streamClient{
		h:    h,
		conn: conn,
		sub:  sub,
		out:  make(chan StreamMessage, 16),
		done: make(chan struct{}),
	}
	c.out <- StreamMessage{Type: "subscribed", Symbols: symbols}
	go c.readPump()
	go c.writePump()
}

type streamClient struct {
	h    *Handler
	conn *websocket.Conn
	sub  *marketdata.Subscription
	out  chan StreamMessage
	done chan struct{}
}

func (c *streamClient) reply(m StreamMessage) {
	select {
	case c.out <- m:
	default:
	}
}

// readPump handles control frames and detects disconnects.
func (c *streamClient) readPump() {
	defer close(c.done)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsfeed.ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(StreamMessage{Type: "error", Error: "invalid control message"})
			continue
		}
		if msg.Action != "subscribe" {
			c.reply(StreamMessage{Type: "error", Error: "unsupported action " + msg.Action})
			continue
		}
		if _, err := c.h.gw.Subscribe(c.sub.CallerID, msg.Symbols); err != nil {
			c.reply(StreamMessage{Type: "error", Error: err.Error()})
			continue
		}
		c.reply(StreamMessage{Type: "subscribed", Symbols: c.h.gw.SubscribedSymbols(c.sub)})
	}
}

// writePump is the only writer on the connection.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.h.gw.Unsubscribe(c.sub)
		c.conn.Close()
		metrics.WebSocketClients.Dec()
		c.h.logger.Info("ws client disconnected", "caller", c.sub.CallerID, "dropped", c.sub.Dropped())
	}()

	write := func(m StreamMessage) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteJSON(m)
	}
	for {
		select {
		case t, ok := <-c.sub.C():
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "unsubscribed"),
					time.Now().Add(writeWait))
				return
			}
			if err := write(StreamMessage{Type: "tick", Tick: &t}); err != nil {
				return
			}
		case m := <-c.out:
			if err := write(m); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
