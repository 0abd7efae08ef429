package gateway

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/logging"
	"github.com/Iron-Ham/distrun/internal/spec"
)

// Frame operations.
const (
	opHello = "hello"
	opOpen  = "open"
	opData  = "data"
	opClose = "close"
	opError = "error"
	opExit  = "exit"
)

// frame is the unit on the wire. Channel 0 is the connection itself.
type frame struct {
	Channel uint32 `json:"c"`
	Op      string `json:"op"`
	Service string `json:"svc,omitempty"`
	Body    any    `json:"body,omitempty"`
	Err     string `json:"err,omitempty"`
}

// Conn is a Gateway that multiplexes channels over a Transport.
type Conn struct {
	id     string
	spec   spec.TargetSpec
	tr     Transport
	codec  codec.Codec
	logger *logging.Logger
	kill   func() error

	mu       sync.Mutex
	channels map[uint32]*channel
	nextID   uint32

	killed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

var _ Gateway = (*Conn)(nil)

// NewConn starts a connection over tr: it sends the hello frame and starts
// the reader goroutine. The connection owns tr from then on.
func NewConn(id string, ts spec.TargetSpec, tr Transport, opts ...ConnOption) (*Conn, error) {
	cfg := &connConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.codec == nil {
		cfg.codec = codec.MsgPack()
	}
	if cfg.logger == nil {
		cfg.logger = logging.NopLogger()
	}

	c := &Conn{
		id:       id,
		spec:     ts,
		tr:       tr,
		codec:    cfg.codec,
		logger:   cfg.logger.WithWorker(id),
		kill:     cfg.kill,
		channels: make(map[uint32]*channel),
		done:     make(chan struct{}),
	}

	hello := map[string]any{
		"id":        id,
		"chdir":     ts.Chdir,
		"env":       ts.Env,
		"shared_fs": ts.SharedFS,
	}
	for k, v := range cfg.hello {
		hello[k] = v
	}
	if err := c.write(frame{Op: opHello, Body: hello}); err != nil {
		_ = tr.Close()
		return nil, errors.NewTransportError("hello", err).WithGatewayID(id)
	}

	go c.readLoop()
	return c, nil
}

// ID returns the gateway id.
func (c *Conn) ID() string { return c.id }

// Spec returns the target spec the gateway was opened for.
func (c *Conn) Spec() spec.TargetSpec { return c.spec }

// Done is closed once the reader goroutine has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil after a clean
// close. It is only meaningful once Done is closed.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Open starts a remote service and returns its channel.
func (c *Conn) Open(ctx context.Context, service string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-c.done:
		return nil, errors.NewTransportError("open", errors.ErrGatewayClosed).WithGatewayID(c.id)
	default:
	}

	c.mu.Lock()
	c.nextID++
	ch := newChannel(c.nextID, c)
	c.channels[ch.id] = ch
	c.mu.Unlock()

	if err := c.write(frame{Channel: ch.id, Op: opOpen, Service: service}); err != nil {
		c.removeChannel(ch.id)
		return nil, errors.NewTransportError("open", err).WithGatewayID(c.id)
	}
	c.logger.Debug("channel opened", "channel", ch.id, "service", service)
	return ch, nil
}

// Exit asks the remote host to terminate. The connection ends when the
// remote side closes its end of the stream.
func (c *Conn) Exit() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	if err := c.write(frame{Op: opExit}); err != nil {
		return errors.NewTransportError("exit", err).WithGatewayID(c.id)
	}
	return nil
}

// Kill stops the remote process and closes the transport.
func (c *Conn) Kill() error {
	c.killed.Store(true)
	var errs []error
	if c.kill != nil {
		if err := c.kill(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.tr.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.NewTransportError("kill", errors.Join(errs...)).WithGatewayID(c.id)
	}
	return nil
}

func (c *Conn) write(f frame) error {
	b, err := c.codec.Marshal(f)
	if err != nil {
		return err
	}
	return c.tr.WriteFrame(b)
}

func (c *Conn) lookup(id uint32) *channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[id]
}

func (c *Conn) removeChannel(id uint32) *channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.channels[id]
	delete(c.channels, id)
	return ch
}

func (c *Conn) readLoop() {
	var loopErr error
	defer func() { c.shutdown(loopErr) }()

	for {
		b, err := c.tr.ReadFrame()
		if err != nil {
			if err != io.EOF {
				loopErr = err
			}
			return
		}
		var f frame
		if err := c.codec.Unmarshal(b, &f); err != nil {
			loopErr = errors.Wrap(errors.ErrMalformedEvent, err.Error())
			return
		}

		switch f.Op {
		case opData:
			if ch := c.lookup(f.Channel); ch != nil {
				ch.deliver(Item{Value: f.Body})
			} else {
				c.logger.Debug("data for unknown channel dropped", "channel", f.Channel)
			}
		case opClose:
			if ch := c.removeChannel(f.Channel); ch != nil {
				ch.remoteClosed(nil)
			}
		case opError:
			if ch := c.removeChannel(f.Channel); ch != nil {
				ch.remoteClosed(errors.New(f.Err))
			}
		case opExit:
			return
		default:
			c.logger.Warn("unexpected frame", "op", f.Op, "channel", f.Channel)
		}
	}
}

// shutdown ends every open channel with end-of-stream and closes the
// transport. It runs once, on the reader goroutine.
func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err != nil && c.killed.Load() {
			err = errors.ErrGatewayClosed
		}
		c.err = err

		c.mu.Lock()
		open := make([]*channel, 0, len(c.channels))
		for id, ch := range c.channels {
			open = append(open, ch)
			delete(c.channels, id)
		}
		c.mu.Unlock()

		var chErr error
		if err != nil {
			chErr = errors.NewTransportError("receive", err).WithGatewayID(c.id)
			c.logger.Warn("gateway lost", "error", err)
		} else {
			c.logger.Debug("gateway closed")
		}
		for _, ch := range open {
			ch.remoteClosed(chErr)
		}

		_ = c.tr.Close()
		close(c.done)
	})
}
