// Package tui renders a live per-host table while a fleet sync is running.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/liliang-cn/camsync/pkg/fleet"
	"github.com/liliang-cn/camsync/pkg/syncer"
)

var (
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	waitingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#777777"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FAFAFA"))
	syncedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
)

const (
	colHost   = 18
	colStatus = 16
	colTime   = 8
	colResult = 44
)

// HostStartedMsg marks a host as in flight.
type HostStartedMsg struct {
	Host string
}

// HostDoneMsg carries a finished host's outcome.
type HostDoneMsg struct {
	Outcome syncer.Outcome
}

// DoneMsg signals the run is over.
type DoneMsg struct {
	Summary string
}

type phase int

const (
	phaseWaiting phase = iota
	phaseRunning
	phaseDone
)

type hostState struct {
	phase   phase
	started time.Time
	outcome syncer.Outcome
}

// SyncModel is the bubbletea model for the sync command.
type SyncModel struct {
	hosts       []string
	states      map[string]*hostState
	finished    int
	spinner     spinner.Model
	progress    progress.Model
	summary     string
	quitting    bool
	interrupted bool
	now         func() time.Time
}

// NewSyncModel creates a model with every host waiting.
func NewSyncModel(hosts []string) *SyncModel {
	sorted := append([]string(nil), hosts...)
	sort.Strings(sorted)

	states := make(map[string]*hostState, len(sorted))
	for _, h := range sorted {
		states[h] = &hostState{}
	}

	s := spinner.New()
	s.Spinner = spinner.Dot

	return &SyncModel{
		hosts:    sorted,
		states:   states,
		spinner:  s,
		progress: progress.New(progress.WithGradient("#7D56F4", "#04B575"), progress.WithWidth(40)),
		now:      time.Now,
	}
}

// Hooks returns fleet hooks that feed p with progress messages.
func Hooks(p *tea.Program) fleet.Hooks {
	return fleet.Hooks{
		Started:  func(host string) { p.Send(HostStartedMsg{Host: host}) },
		Finished: func(out syncer.Outcome) { p.Send(HostDoneMsg{Outcome: out}) },
	}
}

// Interrupted reports whether the user quit before the run finished.
func (m *SyncModel) Interrupted() bool {
	return m.interrupted
}

func (m *SyncModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *SyncModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			m.interrupted = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		if w := msg.Width - 20; w > 10 && w < 60 {
			m.progress.Width = w
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case HostStartedMsg:
		if state, ok := m.states[msg.Host]; ok && state.phase == phaseWaiting {
			state.phase = phaseRunning
			state.started = m.now()
		}

	case HostDoneMsg:
		state, ok := m.states[msg.Outcome.Host]
		if !ok || state.phase == phaseDone {
			return m, nil
		}
		if state.started.IsZero() {
			state.started = msg.Outcome.StartTime
		}
		state.phase = phaseDone
		state.outcome = msg.Outcome
		m.finished++

	case DoneMsg:
		m.summary = msg.Summary
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *SyncModel) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("Syncing %d camera(s)", len(m.hosts))))
	b.WriteString("\n\n")

	top := "┌" + rule("┬") + "┐"
	sep := "├" + rule("┼") + "┤"
	bottom := "└" + rule("┴") + "┘"

	b.WriteString(borderStyle.Render(top) + "\n")
	m.writeRow(&b, "Host", "Status", "Time", "Result")
	b.WriteString(borderStyle.Render(sep) + "\n")
	for _, h := range m.hosts {
		status, elapsed, result := m.cells(m.states[h])
		m.writeRow(&b, h, status, elapsed, result)
	}
	b.WriteString(borderStyle.Render(bottom) + "\n\n")

	ratio := 0.0
	if len(m.hosts) > 0 {
		ratio = float64(m.finished) / float64(len(m.hosts))
	}
	b.WriteString(m.progress.ViewAs(ratio))
	b.WriteString(fmt.Sprintf("  %d/%d\n", m.finished, len(m.hosts)))

	switch {
	case m.summary != "":
		b.WriteString("\n" + m.summary + "\n")
	case m.interrupted:
		b.WriteString("\n" + errorStyle.Render("interrupted, waiting for running hosts to stop") + "\n")
	case !m.quitting:
		b.WriteString("\n" + waitingStyle.Render("Press q to stop") + "\n")
	}

	return b.String()
}

func (m *SyncModel) cells(state *hostState) (status, elapsed, result string) {
	switch state.phase {
	case phaseWaiting:
		return waitingStyle.Render("waiting"), "", ""
	case phaseRunning:
		return runningStyle.Render(m.spinner.View() + " syncing"), formatDuration(m.now().Sub(state.started)), ""
	}

	out := state.outcome
	elapsed = formatDuration(out.Duration())
	switch {
	case out.Succeeded():
		status = syncedStyle.Render("✓ synced")
	case out.Status == syncer.StatusNoFiles:
		status = idleStyle.Render("- idle")
	default:
		status = errorStyle.Render("✗ " + out.Status.String())
	}
	return status, elapsed, out.Message
}

func (m *SyncModel) writeRow(b *strings.Builder, host, status, elapsed, result string) {
	bar := borderStyle.Render("│")
	b.WriteString(bar)
	b.WriteString(" " + padRight(truncate(host, colHost), colHost) + " ")
	b.WriteString(bar)
	b.WriteString(" " + padRight(status, colStatus) + " ")
	b.WriteString(bar)
	b.WriteString(" " + padRight(elapsed, colTime) + " ")
	b.WriteString(bar)
	b.WriteString(" " + padRight(truncate(result, colResult), colResult) + " ")
	b.WriteString(bar)
	b.WriteString("\n")
}

func rule(junction string) string {
	cols := []int{colHost, colStatus, colTime, colResult}
	parts := make([]string, len(cols))
	for i, w := range cols {
		parts[i] = strings.Repeat("─", w+2)
	}
	return strings.Join(parts, junction)
}

func truncate(s string, max int) string {
	return runewidth.Truncate(s, max, "...")
}

// padRight pads by visible width so styled cells line up.
func padRight(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
