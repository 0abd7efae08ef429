package tui

import (
	"context"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/Iron-Ham/distrun/internal/errors"
	"github.com/Iron-Ham/distrun/internal/event"
)

// Display modes.
const (
	ModeAuto  = "auto"
	ModeTUI   = "tui"
	ModePlain = "plain"
)

// UseTUI reports whether mode selects the interactive view for out.
func UseTUI(mode string, out *os.File) bool {
	switch mode {
	case ModeTUI:
		return true
	case ModePlain:
		return false
	default:
		return out != nil && term.IsTerminal(int(out.Fd()))
	}
}

// Options configures Run.
type Options struct {
	Mode   string
	RunID  string
	Out    *os.File
	Plain  io.Writer // overrides Out for plain output
	Worker []string  // worker ids, in display order
}

// Run displays events until every worker is done. It returns the final
// summary, and errors.ErrInterrupted if the user quit the interactive view
// early.
func Run(ctx context.Context, events <-chan event.Event, opts Options) (Summary, error) {
	progress := NewProgress(opts.Worker)

	if !UseTUI(opts.Mode, opts.Out) {
		var w io.Writer = io.Discard
		switch {
		case opts.Plain != nil:
			w = opts.Plain
		case opts.Out != nil:
			w = opts.Out
		}
		err := NewPlainPrinter(w, progress).Run(ctx, events)
		return progress.Summary(), err
	}

	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	model := NewModel(opts.RunID, progress, events)
	program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(out))
	final, err := program.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return progress.Summary(), ctx.Err()
		}
		return progress.Summary(), errors.Wrap(err, "progress view")
	}
	if m, ok := final.(Model); ok && m.Interrupted() {
		return progress.Summary(), errors.ErrInterrupted
	}
	return progress.Summary(), nil
}
