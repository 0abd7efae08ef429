package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/distrun/internal/event"
	"github.com/Iron-Ham/distrun/internal/tui/styles"
)

// eventMsg carries one event from the queue into the program.
type eventMsg struct{ ev event.Event }

// streamClosedMsg reports that the event queue was closed.
type streamClosedMsg struct{}

// waitForEvent reads the next event as a tea.Cmd.
func waitForEvent(events <-chan event.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

// Model is the bubbletea model of the progress view.
type Model struct {
	runID    string
	progress *Progress
	events   <-chan event.Event
	spinner  spinner.Model
	width    int

	interrupted bool
	done        bool
}

// NewModel returns a Model that consumes events until every worker in
// progress is done.
func NewModel(runID string, progress *Progress, events <-chan event.Event) Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(styles.Primary),
	)
	return Model{
		runID:    runID,
		progress: progress,
		events:   events,
		spinner:  s,
		width:    80,
	}
}

// Interrupted reports whether the user quit before the run completed.
func (m Model) Interrupted() bool { return m.interrupted }

// Progress returns the accumulated progress.
func (m Model) Progress() *Progress { return m.progress }

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.interrupted = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case eventMsg:
		m.progress.Apply(msg.ev)
		if m.progress.Done() {
			m.done = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	rows := m.progress.Rows()
	b.WriteString(styles.Header.Render(fmt.Sprintf("distrun  run %s  %d workers", m.runID, len(rows))))
	b.WriteString("\n")

	for _, r := range rows {
		b.WriteString(m.renderRow(r))
		b.WriteString("\n")
	}

	help := "q: quit"
	if m.done {
		help = m.progress.Summary().String()
	}
	b.WriteString(styles.HelpBar.Render(help))
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderRow(r WorkerRow) string {
	icon := styles.StateIcon(r.State)
	if icon == "" {
		icon = m.spinner.View()
	}
	state := styles.StateLabel.Foreground(styles.StateColor(r.State)).Render(r.State)

	counts := fmt.Sprintf("%s %s %s",
		styles.Secondary.Render(fmt.Sprintf("%d passed", r.Passed)),
		styles.Error.Render(fmt.Sprintf("%d failed", r.Failed)),
		styles.Warning.Render(fmt.Sprintf("%d skipped", r.Skipped)),
	)

	line := lipgloss.JoinHorizontal(lipgloss.Top,
		icon, " ", styles.WorkerID.Render(r.ID), state, counts)

	detail := r.Current
	switch {
	case r.SyncRoot != "":
		detail = "sync " + r.SyncRoot
	case r.Err != nil && r.Terminal():
		detail = styles.Error.Render(r.Err.Error())
	}
	if detail != "" {
		line += "  " + styles.Muted.Render(detail)
	}
	return truncate(line, m.width)
}

// truncate cuts s to width visible columns, keeping escape sequences intact.
func truncate(s string, width int) string {
	if width <= 3 || lipgloss.Width(s) <= width {
		return s
	}
	return ansi.Truncate(s, width, "...")
}
