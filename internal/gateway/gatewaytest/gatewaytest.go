// Package gatewaytest provides in-memory gateways and channels for tests.
//
// A Gateway records every channel opened on it, and every Channel records
// every value sent on it. Inbound traffic is scripted with Deliver and
// DeliverEOS. Channels opened for the treesync service acknowledge a
// completed batch automatically, like a healthy remote would.
package gatewaytest

import (
	"context"
	"sync"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/gateway"
	"github.com/Iron-Ham/distrun/internal/spec"
)

// Channel is an in-memory gateway.Channel.
type Channel struct {
	id uint32

	mu         sync.Mutex
	sent       []any
	callback   gateway.Callback
	pending    []gateway.Item
	closed     bool
	ended      bool
	remoteErr  error
	sendErr    error
	onSend     func(v any) []any
	closeCalls int
	ready      chan struct{}
}

var _ gateway.Channel = (*Channel)(nil)

// NewChannel returns an open channel with the given id.
func NewChannel(id uint32) *Channel {
	return &Channel{id: id, ready: make(chan struct{}, 1)}
}

func (c *Channel) ID() uint32 { return c.id }

// Send records v. Replies produced by the OnSend hook are delivered
// before Send returns.
func (c *Channel) Send(v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.NewTransportError("send", errors.ErrChannelClosed)
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return errors.NewTransportError("send", err)
	}
	c.sent = append(c.sent, v)
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		for _, reply := range hook(v) {
			c.Deliver(reply)
		}
	}
	return nil
}

func (c *Channel) Receive(ctx context.Context) (any, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			item := c.pending[0]
			if item.EndOfStream {
				err := c.remoteErr
				c.mu.Unlock()
				if err == nil {
					err = errors.ErrChannelClosed
				}
				return nil, err
			}
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return item.Value, nil
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Channel) SetCallback(cb gateway.Callback) {
	c.mu.Lock()
	c.callback = cb
	backlog := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, item := range backlog {
		cb(item)
	}
}

// Close marks the channel closed and delivers end-of-stream.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closeCalls++
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.deliver(gateway.Item{EndOfStream: true})
	return nil
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) LastRemoteError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteErr
}

// Deliver simulates an inbound value from the remote side.
func (c *Channel) Deliver(v any) {
	c.deliver(gateway.Item{Value: v})
}

// DeliverEOS simulates the remote closing the channel, with err as the
// remote error if non-nil.
func (c *Channel) DeliverEOS(err error) {
	c.mu.Lock()
	c.closed = true
	if err != nil {
		c.remoteErr = err
	}
	c.mu.Unlock()
	c.deliver(gateway.Item{EndOfStream: true})
}

func (c *Channel) deliver(item gateway.Item) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	if item.EndOfStream {
		c.ended = true
	}
	cb := c.callback
	if cb == nil {
		c.pending = append(c.pending, item)
		c.mu.Unlock()
		select {
		case c.ready <- struct{}{}:
		default:
		}
		return
	}
	c.mu.Unlock()
	cb(item)
}

// Sent returns a copy of everything sent on the channel.
func (c *Channel) Sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.sent...)
}

// FailSends makes every later Send fail with err.
func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// OnSend installs a hook whose return values are delivered as replies.
func (c *Channel) OnSend(fn func(v any) []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

// CloseCalls reports how many times Close was called.
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Gateway is an in-memory gateway.Gateway.
type Gateway struct {
	id   string
	spec spec.TargetSpec

	mu        sync.Mutex
	channels  map[string][]*Channel
	nextID    uint32
	openErr   error
	hangExit  bool
	syncErr   string
	exitCalls int
	killCalls int
	onOpen    func(service string, ch *Channel)

	done     chan struct{}
	doneOnce sync.Once
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway returns a live gateway.
func NewGateway(id string, ts spec.TargetSpec) *Gateway {
	return &Gateway{
		id:       id,
		spec:     ts,
		channels: make(map[string][]*Channel),
		done:     make(chan struct{}),
	}
}

func (g *Gateway) ID() string            { return g.id }
func (g *Gateway) Spec() spec.TargetSpec { return g.spec }
func (g *Gateway) Done() <-chan struct{} { return g.done }

// Open creates and records a new channel for service.
func (g *Gateway) Open(ctx context.Context, service string) (gateway.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	if g.openErr != nil {
		err := g.openErr
		g.mu.Unlock()
		return nil, err
	}
	g.nextID++
	ch := NewChannel(g.nextID)
	g.channels[service] = append(g.channels[service], ch)
	hook := g.onOpen
	syncErr := g.syncErr
	g.mu.Unlock()

	if service == gateway.ServiceTreeSync {
		ch.OnSend(func(v any) []any {
			m, ok := codec.ToMap(v)
			if !ok || m["op"] != "done" {
				return nil
			}
			if syncErr != "" {
				return []any{map[string]any{"error": syncErr}}
			}
			return []any{map[string]any{"ok": true}}
		})
	}
	if hook != nil {
		hook(service, ch)
	}
	return ch, nil
}

// Exit records the call and, unless HangOnExit was set, closes the gateway.
func (g *Gateway) Exit() error {
	g.mu.Lock()
	g.exitCalls++
	hang := g.hangExit
	g.mu.Unlock()
	if !hang {
		g.markDone()
	}
	return nil
}

// Kill records the call and closes the gateway.
func (g *Gateway) Kill() error {
	g.mu.Lock()
	g.killCalls++
	g.mu.Unlock()
	g.markDone()
	return nil
}

func (g *Gateway) markDone() {
	g.doneOnce.Do(func() { close(g.done) })
}

// Channels returns the channels opened for service, in order.
func (g *Gateway) Channels(service string) []*Channel {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Channel(nil), g.channels[service]...)
}

// Channel returns the most recent channel opened for service, or nil.
func (g *Gateway) Channel(service string) *Channel {
	chs := g.Channels(service)
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

// Opens reports how many channels were opened for service.
func (g *Gateway) Opens(service string) int {
	return len(g.Channels(service))
}

// FailOpen makes every later Open fail with err.
func (g *Gateway) FailOpen(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openErr = err
}

// HangOnExit makes Exit leave the gateway open, so only Kill closes it.
func (g *Gateway) HangOnExit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hangExit = true
}

// FailSync makes tree sync batches on this gateway end with msg.
func (g *Gateway) FailSync(msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.syncErr = msg
}

// OnOpen installs a hook called for every newly opened channel.
func (g *Gateway) OnOpen(fn func(service string, ch *Channel)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onOpen = fn
}

// ExitCalls reports how many times Exit was called.
func (g *Gateway) ExitCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.exitCalls
}

// KillCalls reports how many times Kill was called.
func (g *Gateway) KillCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killCalls
}

// IsDone reports whether the gateway has been closed.
func (g *Gateway) IsDone() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Factory is a gateway.Factory producing in-memory gateways.
type Factory struct {
	// Configure, if set, is called on every new gateway before it is returned.
	Configure func(gw *Gateway)
	// Fail, if set, decides per gateway id whether Open fails.
	Fail func(id string, ts spec.TargetSpec) error

	mu       sync.Mutex
	gateways []*Gateway
}

var _ gateway.Factory = (*Factory)(nil)

// Open creates a gateway for ts.
func (f *Factory) Open(ctx context.Context, id string, ts spec.TargetSpec) (gateway.Gateway, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Fail != nil {
		if err := f.Fail(id, ts); err != nil {
			return nil, err
		}
	}
	gw := NewGateway(id, ts)
	if f.Configure != nil {
		f.Configure(gw)
	}
	f.mu.Lock()
	f.gateways = append(f.gateways, gw)
	f.mu.Unlock()
	return gw, nil
}

// Gateways returns every gateway opened so far.
func (f *Factory) Gateways() []*Gateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Gateway(nil), f.gateways...)
}

// Gateway returns the gateway with the given id, or nil.
func (f *Factory) Gateway(id string) *Gateway {
	for _, gw := range f.Gateways() {
		if gw.ID() == id {
			return gw
		}
	}
	return nil
}
