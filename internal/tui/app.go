package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mpataki/neuron/internal/models"
	"github.com/mpataki/neuron/internal/storage"
)

// Source is the read side of the execution journal.
type Source interface {
	ListRecent(ctx context.Context, limit int) ([]*models.JournalEntry, error)
	GetByItem(ctx context.Context, itemID string) ([]*models.JournalEntry, error)
	Totals(ctx context.Context) (storage.Totals, error)
}

type View int

const (
	ViewList View = iota
	ViewDetail
	ViewOutput
)

const listLimit = 50

type App struct {
	source Source

	view        View
	entries     []*models.JournalEntry
	totals      storage.Totals
	selectedIdx int
	attempts    []*models.JournalEntry
	attemptIdx  int
	output      viewport.Model

	width  int
	height int
	err    error
}

func NewApp(source Source) *App {
	return &App{
		source: source,
		view:   ViewList,
		output: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadEntries, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.output.Width = msg.Width
		a.output.Height = max(msg.Height-4, 1)
		return a, nil

	case entriesLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.entries = msg.entries
			a.totals = msg.totals
			if a.selectedIdx >= len(a.entries) {
				a.selectedIdx = max(len(a.entries)-1, 0)
			}
		}
		return a, nil

	case tickMsg:
		// The worker appends while we watch, so the list refreshes on
		// every tick.
		if a.view == ViewList {
			return a, tea.Batch(a.loadEntries, a.tickCmd())
		}
		return a, a.tickCmd()

	case attemptsLoadedMsg:
		a.attempts = msg.attempts
		a.err = msg.err
		if a.err == nil {
			a.attemptIdx = 0
			a.view = ViewDetail
		}
		return a, nil
	}

	if a.view == ViewOutput {
		var cmd tea.Cmd
		a.output, cmd = a.output.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewList:
		return a.handleListKey(msg)
	case ViewDetail:
		return a.handleDetailKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.entries)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.entries) > 0 && a.selectedIdx < len(a.entries) {
			return a, a.loadAttempts(a.entries[a.selectedIdx].ItemID)
		}

	case "r":
		return a, a.loadEntries
	}

	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewList
		a.attempts = nil
		a.attemptIdx = 0
		return a, a.loadEntries

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.attemptIdx > 0 {
			a.attemptIdx--
		}

	case "down", "j":
		if a.attemptIdx < len(a.attempts)-1 {
			a.attemptIdx++
		}

	case "enter", "o":
		if len(a.attempts) > 0 && a.attemptIdx < len(a.attempts) {
			a.output.SetContent(outputText(a.attempts[a.attemptIdx]))
			a.output.GotoTop()
			a.view = ViewOutput
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewDetail
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.output, cmd = a.output.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewList:
		return a.viewList()
	case ViewDetail:
		return a.viewDetail()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusTimeout = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewList() string {
	s := titleStyle.Render("Neuron") + "  " + a.formatTotals() + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.entries) == 0 {
		s += "No executions yet. Start the worker with 'neuron start'.\n"
	} else {
		s += "Recent Executions\n"
		s += "─────────────────\n"

		for i, e := range a.entries {
			line := a.formatEntryLine(e)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if e.SubmitStatus == models.SubmitStatusSubmitted {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [r] refresh  [q] quit")

	return s
}

func (a *App) formatTotals() string {
	t := a.totals
	if t.Executions == 0 {
		return dimStyle.Render("no executions")
	}
	rate := float64(t.Succeeded) / float64(t.Executions) * 100
	s := fmt.Sprintf("%d runs  %.0f%% ok", t.Executions, rate)
	if t.TimedOut > 0 {
		s += fmt.Sprintf("  %d timed out", t.TimedOut)
	}
	if t.Unreported > 0 {
		s += "  " + statusPending.Render(fmt.Sprintf("%d unreported", t.Unreported))
	}
	return dimStyle.Render(s)
}

func (a *App) formatEntryLine(e *models.JournalEntry) string {
	return fmt.Sprintf("%-24s %s  %6s  %-6s  %s",
		truncate(e.ItemID, 24),
		formatOutcome(e),
		formatDuration(time.Duration(e.DurationMs)*time.Millisecond),
		formatAge(e.CompletedAt),
		formatSubmit(e.SubmitStatus),
	)
}

func formatOutcome(e *models.JournalEntry) string {
	switch {
	case e.Success:
		return statusOK.Render("✓ ok     ")
	case e.TimedOut:
		return statusTimeout.Render("⏱ timeout")
	default:
		return statusFailed.Render("✗ failed ")
	}
}

func formatSubmit(status models.SubmitStatus) string {
	switch status {
	case models.SubmitStatusSubmitted:
		return statusOK.Render("submitted")
	case models.SubmitStatusDuplicate:
		return dimStyle.Render("duplicate")
	case models.SubmitStatusFailed:
		return statusFailed.Render("unreported")
	case models.SubmitStatusPending:
		return statusPending.Render("pending")
	default:
		return string(status)
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func (a *App) viewDetail() string {
	if len(a.attempts) == 0 {
		return "No item selected"
	}

	first := a.attempts[0]
	s := titleStyle.Render("Item "+first.ItemID) + "\n\n"
	if first.Level != "" {
		s += labelStyle.Render("Level: ") + first.Level + "\n"
	}
	if first.WorkDir != "" {
		s += labelStyle.Render("Work dir: ") + dimStyle.Render(first.WorkDir) + "\n"
	}
	s += "\n"

	s += "Attempts\n"
	s += "────────\n"

	for i, e := range a.attempts {
		exitCode := dimStyle.Render(fmt.Sprintf("exit:%d", e.ExitCode))
		if e.ExitCode != 0 {
			exitCode = statusFailed.Render(fmt.Sprintf("exit:%d", e.ExitCode))
		}

		line := fmt.Sprintf("%d. %s  %s  %6s  %s  %s",
			i+1,
			formatOutcome(e),
			exitCode,
			formatDuration(time.Duration(e.DurationMs)*time.Millisecond),
			e.CompletedAt.Local().Format("2006-01-02 15:04:05"),
			formatSubmit(e.SubmitStatus),
		)
		if i == a.attemptIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		s += line + "\n"

		if e.Error != "" && i == a.attemptIdx {
			s += "     " + statusFailed.Render(truncate(firstLine(e.Error), 70)) + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] output  [esc] back")

	return s
}

func (a *App) viewOutput() string {
	s := titleStyle.Render("Output") + "\n\n"
	s += a.output.View() + "\n"
	s += helpStyle.Render(fmt.Sprintf("%3.f%%  [↑/↓] scroll  [esc] back", a.output.ScrollPercent()*100))
	return s
}

func outputText(e *models.JournalEntry) string {
	var b strings.Builder
	if e.Output == "" {
		b.WriteString("(no output)\n")
	} else {
		b.WriteString(e.Output)
		b.WriteString("\n")
	}
	if e.Error != "" {
		b.WriteString("\n")
		b.WriteString(statusFailed.Render("error: "))
		b.WriteString(e.Error)
		b.WriteString("\n")
	}
	return b.String()
}

// Messages

type entriesLoadedMsg struct {
	entries []*models.JournalEntry
	totals  storage.Totals
	err     error
}

type attemptsLoadedMsg struct {
	attempts []*models.JournalEntry
	err      error
}

// Commands

func (a *App) loadEntries() tea.Msg {
	ctx := context.Background()
	entries, err := a.source.ListRecent(ctx, listLimit)
	if err != nil {
		return entriesLoadedMsg{err: err}
	}
	totals, err := a.source.Totals(ctx)
	return entriesLoadedMsg{entries: entries, totals: totals, err: err}
}

func (a *App) loadAttempts(itemID string) tea.Cmd {
	return func() tea.Msg {
		attempts, err := a.source.GetByItem(context.Background(), itemID)
		return attemptsLoadedMsg{attempts: attempts, err: err}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
