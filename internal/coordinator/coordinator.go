package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/distrun/internal/config"
	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/event"
	"github.com/Iron-Ham/distrun/internal/gateway"
	"github.com/Iron-Ham/distrun/internal/logging"
	"github.com/Iron-Ham/distrun/internal/spec"
	"github.com/Iron-Ham/distrun/internal/treesync"
	"github.com/Iron-Ham/distrun/internal/warning"
	"github.com/Iron-Ham/distrun/internal/worker"
)

// DefaultTeardownTimeout bounds TeardownWorkers when no timeout is configured.
const DefaultTeardownTimeout = 10 * time.Second

// Config is what a Coordinator needs to know about the run.
type Config struct {
	// Specs are the raw target specs, before repeat expansion.
	Specs []string

	// RootDir is the core source root. Relative extra roots resolve against it.
	RootDir     string
	RsyncDirs   []string
	RsyncIgnore []string
	// SyncFile is the path of the optional sync manifest.
	SyncFile string

	RunID      string
	MainArgs   []string
	Args       []string
	Options    map[string]any
	SearchPath []string

	TeardownTimeout time.Duration
}

// FromConfig builds a Config from loaded settings. cwd anchors relative paths.
func FromConfig(cfg *config.Config, cwd string) Config {
	rootDir := cfg.Dist.ResolveRootDir(cwd)
	return Config{
		Specs:           cfg.Dist.Tx,
		RootDir:         rootDir,
		RsyncDirs:       cfg.Dist.RsyncDirs,
		RsyncIgnore:     cfg.Dist.RsyncIgnore,
		SyncFile:        cfg.Dist.ResolveSyncFile(rootDir),
		RunID:           cfg.Dist.RunID,
		SearchPath:      cfg.Dist.SearchPath,
		TeardownTimeout: cfg.Dist.TeardownTimeout(),
	}
}

// Coordinator owns the worker pool of one run.
type Coordinator struct {
	cfg      Config
	specs    []spec.TargetSpec
	factory  gateway.Factory
	fs       afero.Fs
	syncer   *treesync.Syncer
	group    *gateway.Group
	clock    clockwork.Clock
	warnings *warning.Registry
	logger   *logging.Logger

	mu          sync.Mutex
	roots       []string
	ignore      []string
	controllers []*worker.Controller
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithFs sets the filesystem roots are discovered and transferred from.
func WithFs(fs afero.Fs) Option {
	return func(c *Coordinator) { c.fs = fs }
}

// WithClock sets the clock used to time teardown.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithSyncer replaces the tree syncer.
func WithSyncer(s *treesync.Syncer) Option {
	return func(c *Coordinator) { c.syncer = s }
}

// WithWarningRegistry sets the registry controllers rebuild warnings with.
func WithWarningRegistry(r *warning.Registry) Option {
	return func(c *Coordinator) { c.warnings = r }
}

// New expands cfg.Specs and returns a Coordinator. Invalid or missing specs
// are reported here, before any gateway exists.
func New(cfg Config, factory gateway.Factory, opts ...Option) (*Coordinator, error) {
	specs, err := spec.Expand(cfg.Specs)
	if err != nil {
		return nil, err
	}
	if err := checkUniqueIDs(specs); err != nil {
		return nil, err
	}

	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.RootDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "determine working directory")
		}
		cfg.RootDir = wd
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}

	c := &Coordinator{
		cfg:      cfg,
		specs:    specs,
		factory:  factory,
		fs:       afero.NewOsFs(),
		clock:    clockwork.NewRealClock(),
		warnings: warning.NewRegistry(),
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithRun(cfg.RunID)
	if c.syncer == nil {
		c.syncer = treesync.NewSyncer(treesync.WithFs(c.fs), treesync.WithLogger(c.logger))
	}
	c.group = gateway.NewGroup(gateway.WithClock(c.clock), gateway.WithGroupLogger(c.logger))
	return c, nil
}

// Specs returns the expanded target specs.
func (c *Coordinator) Specs() []spec.TargetSpec {
	return append([]spec.TargetSpec(nil), c.specs...)
}

// RunID returns the id shared by every worker of the run.
func (c *Coordinator) RunID() string { return c.cfg.RunID }

// WorkerIDs returns the id each spec's worker gets: the spec's own id if it
// sets one, gw<index> otherwise.
func (c *Coordinator) WorkerIDs() []string {
	ids := make([]string, len(c.specs))
	for i, ts := range c.specs {
		ids[i] = workerID(i, ts)
	}
	return ids
}

// Controllers returns the controllers of the live pool, in spec order.
func (c *Coordinator) Controllers() []*worker.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*worker.Controller(nil), c.controllers...)
}

// SetupWorkers brings up one worker per spec and returns their controllers
// in spec order. Events of every worker, including sync progress, go to sink.
// If any worker fails to come up the whole pool is killed and no event
// emitted after the failure reaches sink.
func (c *Coordinator) SetupWorkers(ctx context.Context, sink event.Sink) ([]*worker.Controller, error) {
	gate := &setupSink{sink: sink}
	sink = gate

	roots, err := c.DiscoverSourceRoots()
	if err != nil {
		return nil, err
	}

	session := worker.SessionConfig{
		RunID:       c.cfg.RunID,
		WorkerCount: len(c.specs),
		MainArgs:    c.cfg.MainArgs,
		Args:        c.cfg.Args,
		Options:     c.cfg.Options,
		Roots:       roots,
		SearchPath:  c.cfg.SearchPath,
	}
	ignore := c.IgnorePatterns()

	ids := c.WorkerIDs()
	gateways := make([]gateway.Gateway, len(c.specs))
	controllers := make([]*worker.Controller, len(c.specs))

	p := pool.New().WithContext(ctx).WithCancelOnError()
	for i, ts := range c.specs {
		i, ts := i, ts
		p.Go(func(poolCtx context.Context) error {
			gw, err := c.factory.Open(poolCtx, ids[i], ts)
			if err != nil {
				return errors.Wrapf(err, "open %s (%s)", ids[i], ts)
			}
			gateways[i] = gw

			for _, root := range roots {
				if err := c.syncer.Sync(poolCtx, gw, root, c.syncOptions(gw.ID(), ignore, sink)); err != nil {
					return err
				}
			}

			ctrl := worker.New(gw, session, sink,
				worker.WithLogger(c.logger),
				worker.WithWarningRegistry(c.warnings))
			// The pool context ends with Wait; the controller watches the caller's.
			if err := ctrl.Setup(ctx); err != nil {
				return errors.Wrapf(err, "bootstrap %s", gw.ID())
			}
			controllers[i] = ctrl
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		gate.off.Store(true)
		for _, ctrl := range controllers {
			if ctrl != nil {
				_ = ctrl.Close()
			}
		}
		for _, gw := range gateways {
			if gw == nil {
				continue
			}
			if kerr := gw.Kill(); kerr != nil {
				c.logger.Warn("kill after failed setup", "worker_id", gw.ID(), "error", kerr)
			}
		}
		c.logger.Error("worker setup failed", "error", err)
		return nil, err
	}

	for _, gw := range gateways {
		c.group.Add(gw)
	}
	c.mu.Lock()
	c.controllers = append(c.controllers, controllers...)
	c.mu.Unlock()

	c.logger.Info("workers ready", "count", len(controllers))
	return controllers, nil
}

func (c *Coordinator) syncOptions(workerID string, ignore []string, sink event.Sink) treesync.Options {
	return treesync.Options{
		Ignore: ignore,
		OnStart: func(root string) {
			if sink != nil {
				sink.Emit(event.NewSyncStartEvent(workerID, root))
			}
		},
		OnFinish: func(root string, files int, err error) {
			if sink != nil {
				sink.Emit(event.NewSyncFinishEvent(workerID, root, files, err))
			}
		},
		OnFileSent: func(rel string, size int64) {
			c.logger.Debug("file sent", "worker_id", workerID, "path", rel, "size", size)
		},
	}
}

// TeardownWorkers asks every gateway to exit and kills those still open
// after timeout (the configured timeout when zero), then closes the worker
// channels. It returns the ids of killed gateways. Calling it again is a
// no-op.
func (c *Coordinator) TeardownWorkers(timeout time.Duration) []string {
	if timeout <= 0 {
		timeout = c.cfg.TeardownTimeout
	}
	c.mu.Lock()
	controllers := c.controllers
	c.controllers = nil
	c.mu.Unlock()

	killed := c.group.Terminate(timeout)
	for _, ctrl := range controllers {
		if err := ctrl.Close(); err != nil {
			c.logger.Debug("closing worker channel", "worker_id", ctrl.ID(), "error", err)
		}
	}
	if len(killed) > 0 {
		c.logger.Warn("gateways killed during teardown", "workers", killed)
	} else {
		c.logger.Info("workers torn down")
	}
	return killed
}

// setupSink forwards events until the pool it belongs to fails to start.
type setupSink struct {
	sink event.Sink
	off  atomic.Bool
}

func (s *setupSink) Emit(e event.Event) {
	if s.sink != nil && !s.off.Load() {
		s.sink.Emit(e)
	}
}

func workerID(index int, ts spec.TargetSpec) string {
	if ts.ID != "" {
		return ts.ID
	}
	return fmt.Sprintf("gw%d", index)
}

func checkUniqueIDs(specs []spec.TargetSpec) error {
	seen := make(map[string]bool, len(specs))
	for i, ts := range specs {
		id := workerID(i, ts)
		if seen[id] {
			return errors.NewConfigurationError(
				fmt.Sprintf("duplicate worker id %q", id), errors.ErrInvalidSpec).WithSpec(ts.Raw)
		}
		seen[id] = true
	}
	return nil
}
