package gateway

import (
	"context"
	"sync"

	"github.com/Iron-Ham/distrun/internal/errors"
)

// channel is the Conn-backed Channel implementation.
type channel struct {
	id   uint32
	conn *Conn

	// deliverMu serializes callback invocations so that replaying buffered
	// items in SetCallback cannot interleave with live delivery.
	deliverMu sync.Mutex

	mu        sync.Mutex
	callback  Callback
	pending   []Item
	closed    bool
	ended     bool
	remoteErr error
	ready     chan struct{}
}

func newChannel(id uint32, conn *Conn) *channel {
	return &channel{
		id:    id,
		conn:  conn,
		ready: make(chan struct{}, 1),
	}
}

func (ch *channel) ID() uint32 { return ch.id }

func (ch *channel) Send(v any) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return errors.NewTransportError("send", errors.ErrChannelClosed).WithGatewayID(ch.conn.id)
	}
	if err := ch.conn.write(frame{Channel: ch.id, Op: opData, Body: v}); err != nil {
		return errors.NewTransportError("send", err).WithGatewayID(ch.conn.id)
	}
	return nil
}

func (ch *channel) Receive(ctx context.Context) (any, error) {
	for {
		ch.mu.Lock()
		if ch.callback != nil {
			ch.mu.Unlock()
			return nil, errors.New("receive on a channel with a callback")
		}
		if len(ch.pending) > 0 {
			item := ch.pending[0]
			if item.EndOfStream {
				// Leave the marker in place so every later Receive sees it too.
				err := ch.endErr()
				ch.mu.Unlock()
				return nil, err
			}
			ch.pending = ch.pending[1:]
			ch.mu.Unlock()
			return item.Value, nil
		}
		ch.mu.Unlock()

		select {
		case <-ch.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// endErr must be called with mu held.
func (ch *channel) endErr() error {
	if ch.remoteErr != nil {
		return ch.remoteErr
	}
	return errors.ErrChannelClosed
}

func (ch *channel) SetCallback(cb Callback) {
	ch.deliverMu.Lock()
	defer ch.deliverMu.Unlock()

	ch.mu.Lock()
	ch.callback = cb
	backlog := ch.pending
	ch.pending = nil
	ch.mu.Unlock()

	for _, item := range backlog {
		cb(item)
	}
}

// Close ends the channel locally. The end-of-stream item is delivered on a
// separate goroutine, so Close may be called from inside a callback.
func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()

	ch.conn.removeChannel(ch.id)
	var err error
	select {
	case <-ch.conn.done:
	default:
		if werr := ch.conn.write(frame{Channel: ch.id, Op: opClose}); werr != nil {
			err = errors.NewTransportError("close", werr).WithGatewayID(ch.conn.id)
		}
	}
	go ch.deliver(Item{EndOfStream: true})
	return err
}

func (ch *channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *channel) LastRemoteError() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.remoteErr
}

func (ch *channel) remoteClosed(err error) {
	ch.mu.Lock()
	ch.closed = true
	if err != nil && ch.remoteErr == nil {
		ch.remoteErr = err
	}
	ch.mu.Unlock()
	ch.deliver(Item{EndOfStream: true})
}

// deliver hands item to the callback, or buffers it until a callback is set
// or Receive picks it up. Nothing is delivered after end-of-stream.
func (ch *channel) deliver(item Item) {
	ch.deliverMu.Lock()
	defer ch.deliverMu.Unlock()

	ch.mu.Lock()
	if ch.ended {
		ch.mu.Unlock()
		return
	}
	if item.EndOfStream {
		ch.ended = true
	}
	cb := ch.callback
	if cb == nil {
		ch.pending = append(ch.pending, item)
		ch.mu.Unlock()
		select {
		case ch.ready <- struct{}{}:
		default:
		}
		return
	}
	ch.mu.Unlock()
	cb(item)
}
