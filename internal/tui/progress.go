package tui

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/event"
	"github.com/Iron-Ham/distrun/internal/report"
	"github.com/Iron-Ham/distrun/internal/tui/styles"
)

// WorkerRow is the displayed state of one worker.
type WorkerRow struct {
	ID       string
	State    string
	Passed   int
	Failed   int
	Skipped  int
	Warnings int
	Current  string // node id of the test in progress
	SyncRoot string // root being transferred, while syncing
	Err      error
}

// Terminal reports whether the worker will send nothing more.
func (r WorkerRow) Terminal() bool {
	return r.State == styles.StateFinished || r.State == styles.StateDown
}

// Summary totals a run.
type Summary struct {
	Workers     int
	Passed      int
	Failed      int
	Skipped     int
	Warnings    int
	WorkersDown int
}

// OK reports whether nothing failed and no worker was lost.
func (s Summary) OK() bool {
	return s.Failed == 0 && s.WorkersDown == 0
}

func (s Summary) String() string {
	parts := []string{
		fmt.Sprintf("%d passed", s.Passed),
		fmt.Sprintf("%d failed", s.Failed),
		fmt.Sprintf("%d skipped", s.Skipped),
	}
	if s.Warnings > 0 {
		parts = append(parts, fmt.Sprintf("%d warnings", s.Warnings))
	}
	out := strings.Join(parts, ", ") + fmt.Sprintf(" on %d workers", s.Workers)
	if s.WorkersDown > 0 {
		out += fmt.Sprintf(" (%d lost)", s.WorkersDown)
	}
	return out
}

// Progress accumulates events into per-worker rows. It is not safe for
// concurrent use; feed it from the single consumer of the event queue.
type Progress struct {
	rows []*WorkerRow
	byID map[string]*WorkerRow
}

// NewProgress returns a Progress with one row per worker id, in order.
func NewProgress(ids []string) *Progress {
	p := &Progress{byID: make(map[string]*WorkerRow, len(ids))}
	for _, id := range ids {
		p.row(id)
	}
	return p
}

func (p *Progress) row(id string) *WorkerRow {
	if r, ok := p.byID[id]; ok {
		return r
	}
	r := &WorkerRow{ID: id, State: styles.StateStarting}
	p.rows = append(p.rows, r)
	p.byID[id] = r
	return r
}

// Apply folds e into the rows. Events of unknown types are ignored.
func (p *Progress) Apply(e event.Event) {
	switch ev := e.(type) {
	case event.SyncEvent:
		p.applySync(ev)
	case event.WorkerEvent:
		p.applyWorker(ev)
	}
}

func (p *Progress) applySync(ev event.SyncEvent) {
	r := p.row(ev.WorkerID)
	if r.Terminal() {
		return
	}
	switch ev.Kind {
	case event.KindSyncStart:
		r.State = styles.StateSyncing
		r.SyncRoot = ev.Root
	case event.KindSyncFinish:
		r.State = styles.StateStarting
		r.SyncRoot = ""
		if ev.Err != nil {
			r.Err = ev.Err
		}
	}
}

func (p *Progress) applyWorker(ev event.WorkerEvent) {
	r := p.row(ev.WorkerID)
	switch ev.Kind {
	case event.KindReady:
		r.State = styles.StateRunning
	case event.KindLogStart:
		if nodeID, ok := codec.ToString(ev.Data["nodeid"]); ok {
			r.Current = nodeID
		}
	case event.KindTestReport:
		countReport(r, ev.Report)
	case event.KindCollectReport:
		if ev.Report != nil && ev.Report.Failed() {
			r.Failed++
		}
	case event.KindWarningCaptured, event.KindWarningRecorded, event.KindLogWarning:
		r.Warnings++
	case event.KindInternalError:
		r.Err = ev.Err
	case event.KindWorkerFinished:
		r.State = styles.StateFinished
		r.Current = ""
	case event.KindErrorDown:
		r.State = styles.StateDown
		r.Current = ""
		r.Err = ev.Err
	}
}

// countReport counts passes on the call phase only, and failures and skips
// on any phase.
func countReport(r *WorkerRow, rep *report.Report) {
	if rep == nil {
		return
	}
	switch {
	case rep.Failed():
		r.Failed++
	case rep.Skipped():
		r.Skipped++
	case rep.Passed() && rep.When == "call":
		r.Passed++
	}
}

// Rows returns a snapshot of the rows in worker order.
func (p *Progress) Rows() []WorkerRow {
	out := make([]WorkerRow, len(p.rows))
	for i, r := range p.rows {
		out[i] = *r
	}
	return out
}

// Done reports whether every worker has finished or gone down.
func (p *Progress) Done() bool {
	for _, r := range p.rows {
		if !r.Terminal() {
			return false
		}
	}
	return true
}

// Summary totals the rows.
func (p *Progress) Summary() Summary {
	s := Summary{Workers: len(p.rows)}
	for _, r := range p.rows {
		s.Passed += r.Passed
		s.Failed += r.Failed
		s.Skipped += r.Skipped
		s.Warnings += r.Warnings
		if r.State == styles.StateDown {
			s.WorkersDown++
		}
	}
	return s
}
