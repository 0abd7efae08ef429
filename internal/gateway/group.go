package gateway

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Iron-Ham/distrun/internal/logging"
)

// Group tracks the gateways of one run.
type Group struct {
	mu       sync.Mutex
	gateways []Gateway
	clock    clockwork.Clock
	logger   *logging.Logger
}

// GroupOption configures a Group.
type GroupOption func(*Group)

// WithClock sets the clock used for the termination timeout.
func WithClock(c clockwork.Clock) GroupOption {
	return func(g *Group) { g.clock = c }
}

// WithGroupLogger sets the group's logger.
func WithGroupLogger(l *logging.Logger) GroupOption {
	return func(g *Group) { g.logger = l }
}

// NewGroup creates an empty Group.
func NewGroup(opts ...GroupOption) *Group {
	g := &Group{
		clock:  clockwork.NewRealClock(),
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Add registers gw with the group.
func (g *Group) Add(gw Gateway) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gateways = append(g.gateways, gw)
}

// Gateways returns a snapshot of the registered gateways in insertion order.
func (g *Group) Gateways() []Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Gateway(nil), g.gateways...)
}

// Len returns the number of registered gateways.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gateways)
}

// Terminate asks every gateway to exit and waits up to timeout for all of
// them to close. Gateways still open when the timeout expires are killed.
// The group is empty afterwards, so a second call is a no-op. It returns
// the ids of the killed gateways.
func (g *Group) Terminate(timeout time.Duration) []string {
	g.mu.Lock()
	gws := g.gateways
	g.gateways = nil
	g.mu.Unlock()

	if len(gws) == 0 {
		return nil
	}

	for _, gw := range gws {
		if err := gw.Exit(); err != nil {
			g.logger.Debug("exit request failed", "worker_id", gw.ID(), "error", err)
		}
	}

	deadline := g.clock.After(timeout)
	expired := false
	var killed []string
	for _, gw := range gws {
		if !expired {
			select {
			case <-gw.Done():
				continue
			case <-deadline:
				expired = true
			}
		}
		select {
		case <-gw.Done():
			continue
		default:
		}
		g.logger.Warn("gateway did not exit in time, killing", "worker_id", gw.ID(), "timeout", timeout)
		if err := gw.Kill(); err != nil {
			g.logger.Warn("kill failed", "worker_id", gw.ID(), "error", err)
		}
		killed = append(killed, gw.ID())
	}
	return killed
}
