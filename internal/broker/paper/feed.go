package paper

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/atmx/trade-gateway/internal/broker"
)

const feedBuffer = 4096

// ErrDialRefused is returned by DialMarketData while dials are being failed.
var ErrDialRefused = errors.New("paper: market data dial refused")

// feedConn is one simulated market data connection.
type feedConn struct {
	b *Broker

	mu         sync.Mutex
	subscribed map[string]bool
	ticks      chan broker.RawTick
	done       chan struct{}
	closeOnce  sync.Once
}

func (b *Broker) DialMarketData(ctx context.Context) (broker.FeedConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErrs > 0 {
		b.dialErrs--
		return nil, b.dialErr
	}
	c := &feedConn{
		b:          b,
		subscribed: make(map[string]bool),
		ticks:      make(chan broker.RawTick, feedBuffer),
		done:       make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	return c, nil
}

// Publish records tick as the last traded price and delivers it to every
// open connection subscribed to its symbol.
func (b *Broker) Publish(tick broker.RawTick) {
	b.mu.Lock()
	b.lastPrice[tick.Symbol] = tick.LastPrice
	conns := make([]*feedConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.deliver(tick)
	}
}

// DropConnections closes every open market data connection. Pending and
// future Recv calls on them return broker.ErrStreamClosed.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[*feedConn]struct{})
	b.mu.Unlock()

	for c := range conns {
		c.shutdown()
	}
}

// FailDials makes the next n DialMarketData calls fail with err, or with
// ErrDialRefused when err is nil.
func (b *Broker) FailDials(n int, err error) {
	if err == nil {
		err = ErrDialRefused
	}
	b.mu.Lock()
	b.dialErrs = n
	b.dialErr = err
	b.mu.Unlock()
}

// Dials returns the number of DialMarketData calls so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Subscribed returns the sorted union of symbols subscribed on open
// connections.
func (b *Broker) Subscribed() []string {
	b.mu.Lock()
	conns := make([]*feedConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	set := make(map[string]bool)
	for _, c := range conns {
		c.mu.Lock()
		for s := range c.subscribed {
			set[s] = true
		}
		c.mu.Unlock()
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *feedConn) deliver(tick broker.RawTick) {
	c.mu.Lock()
	want := c.subscribed[tick.Symbol]
	c.mu.Unlock()
	if !want {
		return
	}
	select {
	case <-c.done:
	case c.ticks <- tick:
	default:
		// A real venue drops the slow consumer's frames too.
	}
}

func (c *feedConn) Subscribe(_ context.Context, symbols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed() {
		return broker.ErrStreamClosed
	}
	for _, s := range symbols {
		c.subscribed[s] = true
	}
	return nil
}

func (c *feedConn) Unsubscribe(_ context.Context, symbols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed() {
		return broker.ErrStreamClosed
	}
	for _, s := range symbols {
		delete(c.subscribed, s)
	}
	return nil
}

func (c *feedConn) Recv(ctx context.Context) (broker.RawTick, error) {
	select {
	case tick := <-c.ticks:
		return tick, nil
	case <-c.done:
		return broker.RawTick{}, broker.ErrStreamClosed
	case <-ctx.Done():
		return broker.RawTick{}, ctx.Err()
	}
}

func (c *feedConn) Close() error {
	c.b.mu.Lock()
	delete(c.b.conns, c)
	c.b.mu.Unlock()
	c.shutdown()
	return nil
}

func (c *feedConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *feedConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
