package tui

import (
	"context"
	"fmt"
	"io"

	"github.com/Iron-Ham/distrun/internal/event"
)

// PlainPrinter writes one line per notable event. It is used when output
// is not a terminal.
type PlainPrinter struct {
	w        io.Writer
	progress *Progress
}

// NewPlainPrinter returns a printer writing to w.
func NewPlainPrinter(w io.Writer, progress *Progress) *PlainPrinter {
	return &PlainPrinter{w: w, progress: progress}
}

// Progress returns the accumulated progress.
func (p *PlainPrinter) Progress() *Progress { return p.progress }

// Run consumes events until every worker is done, the stream closes or ctx
// is canceled.
func (p *PlainPrinter) Run(ctx context.Context, events <-chan event.Event) error {
	if p.progress.Done() {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.Handle(ev)
			if p.progress.Done() {
				return nil
			}
		}
	}
}

// Handle applies ev and prints it if it is worth a line.
func (p *PlainPrinter) Handle(ev event.Event) {
	p.progress.Apply(ev)
	if line := describe(ev); line != "" {
		fmt.Fprintln(p.w, line)
	}
}

func describe(e event.Event) string {
	switch ev := e.(type) {
	case event.SyncEvent:
		switch {
		case ev.Kind == event.KindSyncStart:
			return fmt.Sprintf("[%s] syncing %s", ev.WorkerID, ev.Root)
		case ev.Err != nil:
			return fmt.Sprintf("[%s] sync of %s failed: %v", ev.WorkerID, ev.Root, ev.Err)
		default:
			return fmt.Sprintf("[%s] synced %s (%d files)", ev.WorkerID, ev.Root, ev.Files)
		}

	case event.WorkerEvent:
		switch ev.Kind {
		case event.KindReady:
			return fmt.Sprintf("[%s] ready", ev.WorkerID)
		case event.KindTestReport, event.KindCollectReport:
			if ev.Report != nil && ev.Report.Failed() {
				return fmt.Sprintf("[%s] FAILED %s", ev.WorkerID, ev.Report.NodeID)
			}
		case event.KindWarningCaptured, event.KindWarningRecorded:
			if ev.Warning != nil {
				return fmt.Sprintf("[%s] warning: %s", ev.WorkerID, ev.Warning.Message)
			}
		case event.KindInternalError:
			return fmt.Sprintf("[%s] internal error: %v", ev.WorkerID, ev.Err)
		case event.KindWorkerFinished:
			return fmt.Sprintf("[%s] finished", ev.WorkerID)
		case event.KindErrorDown:
			return fmt.Sprintf("[%s] worker down: %v", ev.WorkerID, ev.Err)
		}
	}
	return ""
}
