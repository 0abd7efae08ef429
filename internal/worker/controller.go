package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/event"
	"github.com/Iron-Ham/distrun/internal/gateway"
	"github.com/Iron-Ham/distrun/internal/logging"
	"github.com/Iron-Ham/distrun/internal/rebase"
	"github.com/Iron-Ham/distrun/internal/spec"
	"github.com/Iron-Ham/distrun/internal/warning"
)

// Controller drives one worker.
type Controller struct {
	id       string
	gw       gateway.Gateway
	session  SessionConfig
	sink     event.Sink
	warnings *warning.Registry
	logger   *logging.Logger

	mu           sync.Mutex
	ch           gateway.Channel
	ctx          context.Context
	running      bool
	down         bool
	shutdownSent bool
	output       map[string]any

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithWarningRegistry sets the registry used to rebuild warnings.
func WithWarningRegistry(r *warning.Registry) Option {
	return func(c *Controller) { c.warnings = r }
}

// New creates a Controller for the worker behind gw. A nil sink leaves the
// controller without event decoding.
func New(gw gateway.Gateway, session SessionConfig, sink event.Sink, opts ...Option) *Controller {
	c := &Controller{
		id:       gw.ID(),
		gw:       gw,
		session:  session,
		sink:     sink,
		warnings: warning.NewRegistry(),
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithWorker(c.id)
	return c
}

// ID returns the worker id.
func (c *Controller) ID() string { return c.id }

// Gateway returns the worker's gateway.
func (c *Controller) Gateway() gateway.Gateway { return c.gw }

// Spec returns the worker's target spec.
func (c *Controller) Spec() spec.TargetSpec { return c.gw.Spec() }

// Input returns the bootstrap identity sent to the worker.
func (c *Controller) Input() WorkerInput {
	return WorkerInput{
		WorkerID:    c.id,
		WorkerCount: c.session.WorkerCount,
		TestRunUID:  c.session.RunID,
		MainArgs:    c.session.MainArgs,
	}
}

// Setup opens the worker channel and sends the bootstrap payload. Canceling
// ctx later counts as an interrupt: event decoding stops quietly.
func (c *Controller) Setup(ctx context.Context) error {
	ts := c.gw.Spec()

	args := c.session.Args
	if args == nil {
		args = []string{}
	}
	if !ts.InProcess() {
		rebased, err := rebase.Rebase(c.session.Roots, args)
		if err != nil {
			return err
		}
		args = rebased
	}

	options := c.session.Options
	if options == nil {
		options = map[string]any{}
	}
	bootstrap := map[string]any{
		"workerinput": c.Input().ToMap(),
		"args":        args,
		"options":     options,
	}
	if ts.InProcess() {
		searchPath := c.session.SearchPath
		if searchPath == nil {
			searchPath = []string{}
		}
		bootstrap["searchpath"] = searchPath
	}

	ch, err := c.gw.Open(ctx, gateway.ServiceWorker)
	if err != nil {
		return err
	}
	if err := ch.Send(bootstrap); err != nil {
		_ = ch.Close()
		return err
	}

	c.mu.Lock()
	c.ch = ch
	c.ctx = ctx
	c.running = true
	c.mu.Unlock()

	if c.sink != nil {
		ch.SetCallback(c.process)
	}
	c.logger.Info("worker bootstrapped", "spec", ts.String(), "in_process", ts.InProcess())
	return nil
}

// RunSome asks the worker to run exactly these item indices, in order.
func (c *Controller) RunSome(indices []int) error {
	return c.send(CommandRunTests, map[string]any{"indices": indices})
}

// RunAll asks the worker to run every collected item.
func (c *Controller) RunAll() error {
	return c.send(CommandRunAll, map[string]any{})
}

// Steal asks the worker to give back indices it has not started yet.
func (c *Controller) Steal(indices []int) error {
	return c.send(CommandSteal, map[string]any{"indices": indices})
}

// Shutdown requests a graceful stop. The worker counts as shutting down from
// this point on, whether or not the request reaches it; a failed send is
// logged and otherwise ignored.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	c.shutdownSent = true
	down := c.down
	ch := c.ch
	c.mu.Unlock()

	if down {
		c.logger.Debug("shutdown of a worker that is already down")
		return nil
	}
	if ch == nil {
		return nil
	}
	if err := ch.Send([]any{string(CommandShutdown), map[string]any{}}); err != nil {
		c.logger.Debug("shutdown request not delivered", "error", err)
	}
	return nil
}

func (c *Controller) send(cmd Command, kwargs map[string]any) error {
	c.mu.Lock()
	down := c.down
	ch := c.ch
	c.mu.Unlock()

	if down {
		c.logger.Warn("command for a worker that is down ignored", "command", string(cmd))
		return nil
	}
	if ch == nil {
		return fmt.Errorf("worker %s: %s before setup", c.id, cmd)
	}
	if err := ch.Send([]any{string(cmd), kwargs}); err != nil {
		var te *errors.TransportError
		if !errors.As(err, &te) {
			err = errors.NewTransportError("send", err).WithGatewayID(c.id)
		}
		c.markDown(err)
		return err
	}
	return nil
}

// State returns the controller's lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.down:
		return StateDown
	case c.shutdownSent:
		return StateShuttingDown
	case c.running:
		return StateRunning
	default:
		return StateBootstrapping
	}
}

// IsDown reports whether the worker has terminated.
func (c *Controller) IsDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

// ShuttingDown reports whether a shutdown was requested or the worker is down.
func (c *Controller) ShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down || c.shutdownSent
}

// Output returns the payload of the worker's finished event, if any.
func (c *Controller) Output() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// Close closes the worker channel. Only the first call has an effect.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		ch := c.ch
		c.mu.Unlock()
		if ch != nil {
			c.closeErr = ch.Close()
		}
	})
	return c.closeErr
}

// markDown sets down and emits errordown, unless the worker was down already.
func (c *Controller) markDown(err error) {
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return
	}
	c.down = true
	c.mu.Unlock()

	c.logger.Warn("worker down", "error", err)
	c.emit(event.NewErrorDownEvent(c.id, err))
}

func (c *Controller) emit(e event.Event) {
	if c.sink != nil {
		c.sink.Emit(e)
	}
}
