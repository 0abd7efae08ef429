package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/distrun/internal/coordinator"
	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/event"
	"github.com/Iron-Ham/distrun/internal/logging"
	"github.com/Iron-Ham/distrun/internal/treesync"
	"github.com/Iron-Ham/distrun/internal/tui"
)

// errRunFailed is returned when any test failed or any worker was lost.
var errRunFailed = errors.New("run failed")

var runCmd = &cobra.Command{
	Use:   "run [flags] [-- test args...]",
	Short: "Run the test suite on the worker pool",
	Long: `Start one worker per target spec, ship the source roots to workers that
do not share the local filesystem, and ask every worker to run the whole
suite. Progress is shown until every worker has finished or been lost,
then the pool is torn down.

Arguments after -- are handed to every worker. Paths among them are
rewritten relative to the shipped roots for remote workers.

The exit status is non-zero when a test failed or a worker went down.`,
	RunE: runRun,
}

var runOptions map[string]string

func init() {
	runCmd.Flags().String("ui", "", "progress display: auto, tui or plain")
	runCmd.Flags().String("run-id", "", "run identifier shared by all workers (default: random uuid)")
	runCmd.Flags().Int("teardown-timeout", 0, "seconds to wait for workers to exit before killing them")
	runCmd.Flags().StringToStringVarP(&runOptions, "option", "o", nil, "option handed to every worker as key=value, may be repeated")
	_ = viper.BindPFlag("ui.mode", runCmd.Flags().Lookup("ui"))
	_ = viper.BindPFlag("dist.run_id", runCmd.Flags().Lookup("run-id"))
	_ = viper.BindPFlag("dist.teardown_timeout_seconds", runCmd.Flags().Lookup("teardown-timeout"))
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	coord, cfg, logger, err := loadPool(func(c *coordinator.Config) {
		c.Args = args
		c.MainArgs = os.Args[1:]
		c.Options = workerOptions(runOptions)
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui := displayOptions(cmd, cfg.UI.Mode)
	summary, stale, err := runWorkers(ctx, coord, logger, ui)
	if err != nil {
		if ctx.Err() != nil {
			return errors.ErrInterrupted
		}
		return err
	}

	out := cmd.OutOrStdout()
	if len(stale) > 0 {
		fmt.Fprintf(out, "%d shipped files changed during the run; remote workers used the earlier copies:\n", len(stale))
		for _, c := range stale {
			fmt.Fprintf(out, "  %s\n", filepath.Join(c.Root, filepath.FromSlash(c.Path)))
		}
	}
	fmt.Fprintln(out, summary.String())
	logger.Info("run complete",
		"passed", summary.Passed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"workers_down", summary.WorkersDown,
	)
	if !summary.OK() {
		return errRunFailed
	}
	return nil
}

// runWorkers brings the pool up, asks every worker to run everything and
// displays events until every worker is done. The pool is always torn
// down before it returns. Local changes to shipped roots made while the
// workers ran are returned alongside the summary.
func runWorkers(ctx context.Context, coord *coordinator.Coordinator, logger *logging.Logger, ui tui.Options) (tui.Summary, []treesync.Change, error) {
	queue := event.NewQueue()
	defer drain(queue)

	bus := event.NewBus()
	logEvents(bus, logger)

	controllers, err := coord.SetupWorkers(ctx, event.Tee(queue, bus))
	if err != nil {
		return tui.Summary{}, nil, err
	}
	defer coord.TeardownWorkers(0)

	var watcher *treesync.Watcher
	if roots, _ := coord.DiscoverSourceRoots(); len(roots) > 0 {
		watcher, err = treesync.NewWatcher(roots, coord.IgnorePatterns(), logger)
		if err != nil {
			logger.Warn("not watching shipped roots", "error", err)
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	for _, c := range controllers {
		if err := c.RunAll(); err != nil {
			// The worker is down and has reported it.
			logger.Warn("failed to start tests", "worker_id", c.ID(), "error", err)
			continue
		}
		_ = c.Shutdown()
	}

	ui.RunID = coord.RunID()
	ui.Worker = coord.WorkerIDs()
	summary, err := tui.Run(ctx, queue.Events(), ui)
	var stale []treesync.Change
	if watcher != nil {
		stale = watcher.Changed()
	}
	return summary, stale, err
}

// drain closes q and discards whatever nobody consumed.
func drain(q *event.Queue) {
	q.Close()
	go func() {
		for range q.Events() {
		}
	}()
}

// logEvents writes every pool event to the run log.
func logEvents(bus *event.Bus, logger *logging.Logger) {
	bus.SubscribeAll(func(e event.Event) {
		switch ev := e.(type) {
		case event.WorkerEvent:
			l := logger.WithWorker(ev.WorkerID)
			switch {
			case ev.Kind == event.KindErrorDown:
				l.Warn("worker down", "error", ev.Err)
			case ev.Kind == event.KindInternalError:
				l.Error("worker internal error", "error", ev.Err)
			case ev.Note != nil:
				l.Warn("warning rebuilt with fallback class", "class", ev.Note.Class, "error", ev.Note.Err)
			default:
				l.Debug("worker event", "kind", string(ev.Kind))
			}
		case event.SyncEvent:
			l := logger.WithWorker(ev.WorkerID)
			if ev.Err != nil {
				l.Warn("root sync failed", "root", ev.Root, "error", ev.Err)
				return
			}
			l.Debug("root sync", "kind", string(ev.Kind), "root", ev.Root, "files", ev.Files)
		}
	})
}

// displayOptions picks where progress goes. Output that is not a file is
// always written as plain lines.
func displayOptions(cmd *cobra.Command, mode string) tui.Options {
	out := cmd.OutOrStdout()
	if f, ok := out.(*os.File); ok {
		return tui.Options{Mode: mode, Out: f}
	}
	return tui.Options{Mode: tui.ModePlain, Plain: out}
}

func workerOptions(raw map[string]string) map[string]any {
	opts := make(map[string]any, len(raw))
	for k, v := range raw {
		opts[k] = v
	}
	return opts
}
