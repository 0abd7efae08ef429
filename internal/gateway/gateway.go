package gateway

import (
	"context"

	"github.com/Iron-Ham/distrun/internal/spec"
)

// Service names understood by the remote worker host.
const (
	ServiceWorker   = "worker"
	ServiceTreeSync = "treesync"
)

// Item is one inbound message on a Channel. The final item of every channel
// has EndOfStream set and no Value.
type Item struct {
	Value       any
	EndOfStream bool
}

// Callback receives the inbound items of a channel. It runs on the gateway's
// reader goroutine and must not block for long.
type Callback func(Item)

// Channel is a bidirectional message stream to one remote service.
type Channel interface {
	ID() uint32

	// Send queues v for the remote side. It fails once the channel is closed.
	Send(v any) error

	// Receive returns the next inbound value. It cannot be combined with a
	// callback. At end of stream it returns the remote error, or
	// ErrChannelClosed.
	Receive(ctx context.Context) (any, error)

	// SetCallback routes inbound items to cb. Items that arrived before the
	// callback was set are replayed to it first, in order.
	SetCallback(cb Callback)

	Close() error
	IsClosed() bool

	// LastRemoteError reports the error the remote side closed the channel
	// with, if any.
	LastRemoteError() error
}

// Gateway is a live connection to one worker.
type Gateway interface {
	ID() string
	Spec() spec.TargetSpec

	// Open starts the named remote service and returns its channel.
	Open(ctx context.Context, service string) (Channel, error)

	// Exit asks the remote side to terminate. It does not wait.
	Exit() error

	// Kill tears the connection down immediately.
	Kill() error

	// Done is closed once the connection is gone.
	Done() <-chan struct{}
}

// Factory opens gateways for target specs.
type Factory interface {
	Open(ctx context.Context, id string, ts spec.TargetSpec) (Gateway, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, id string, ts spec.TargetSpec) (Gateway, error)

// Open calls f.
func (f FactoryFunc) Open(ctx context.Context, id string, ts spec.TargetSpec) (Gateway, error) {
	return f(ctx, id, ts)
}
