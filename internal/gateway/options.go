package gateway

import (
	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/logging"
)

// connConfig holds optional configuration for a Conn.
type connConfig struct {
	codec  codec.Codec
	logger *logging.Logger
	kill   func() error
	hello  map[string]any
}

// ConnOption configures a Conn.
type ConnOption func(*connConfig)

// WithCodec sets the frame codec. Defaults to msgpack.
func WithCodec(c codec.Codec) ConnOption {
	return func(cfg *connConfig) { cfg.codec = c }
}

// WithLogger sets the logger used for connection diagnostics.
func WithLogger(l *logging.Logger) ConnOption {
	return func(cfg *connConfig) { cfg.logger = l }
}

// WithKill sets the hook that forcibly stops the remote process. It runs
// before the transport is closed.
func WithKill(fn func() error) ConnOption {
	return func(cfg *connConfig) { cfg.kill = fn }
}

// WithHello adds entries to the hello frame sent when the connection starts.
func WithHello(kv map[string]any) ConnOption {
	return func(cfg *connConfig) { cfg.hello = kv }
}
