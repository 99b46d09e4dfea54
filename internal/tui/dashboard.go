package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sasa-tomic/openclaw-lxd/internal/agent"
	"github.com/sasa-tomic/openclaw-lxd/internal/pipeline"
	"github.com/sasa-tomic/openclaw-lxd/internal/tasks"
)

// Snapshot is everything the dashboard renders in one frame.
type Snapshot struct {
	Pipeline pipeline.State      `json:"pipeline"`
	Counts   map[tasks.Queue]int `json:"counts"`
	Agents   []*agent.Run        `json:"agents"`
	TakenAt  time.Time           `json:"taken_at"`
}

// Loader reads a fresh snapshot.
type Loader func(ctx context.Context) (Snapshot, error)

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type tickMsg time.Time

type model struct {
	load     Loader
	interval time.Duration
	snap     Snapshot
	err      error
	loaded   bool
	quitting bool
}

func newModel(load Loader, interval time.Duration) model {
	return model{load: load, interval: interval}
}

func (m model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		defer cancel()
		snap, err := m.load(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	case snapshotMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

func statusStyle(s pipeline.Status) lipgloss.Style {
	switch s {
	case pipeline.StatusFailed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	case pipeline.StatusDone:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	case pipeline.StatusIdle:
		return dimStyle
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	}
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("devtasks") + "\n\n")

	if !m.loaded {
		b.WriteString(dimStyle.Render("loading...") + "\n")
		return b.String()
	}
	if m.err != nil {
		b.WriteString(errStyle.Render("error: "+m.err.Error()) + "\n\n")
	}

	b.WriteString(boxStyle.Render(renderPipeline(m.snap.Pipeline)) + "\n")
	b.WriteString(boxStyle.Render(renderQueues(m.snap.Counts)) + "\n")
	b.WriteString(boxStyle.Render(renderAgents(m.snap.Agents, m.snap.TakenAt)) + "\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("updated %s  r refresh  q quit", m.snap.TakenAt.Format("15:04:05"))) + "\n")
	return b.String()
}

func renderPipeline(st pipeline.State) string {
	var b strings.Builder
	b.WriteString("Pipeline  " + statusStyle(st.Status).Render(string(st.Status)) + "\n")
	if st.CurrentTaskID != "" {
		fmt.Fprintf(&b, "Task      %s  %s\n", st.CurrentTaskID, st.CurrentTaskTitle)
		fmt.Fprintf(&b, "Project   %s\n", st.Project)
	}
	if st.Status == pipeline.StatusVerifying {
		fmt.Fprintf(&b, "Verify    %d/%d\n", st.VerifyAttempts, st.MaxVerifyAttempts)
	}
	fmt.Fprintf(&b, "Completed %d", len(st.CompletedTasks))
	if st.ErrorMessage != "" {
		b.WriteString("\n" + errStyle.Render("Error     "+st.ErrorMessage))
	}
	return b.String()
}

func renderQueues(counts map[tasks.Queue]int) string {
	parts := make([]string, 0, len(tasks.Queues))
	for _, q := range tasks.Queues {
		parts = append(parts, fmt.Sprintf("%s %d", q, counts[q]))
	}
	return "Queues    " + strings.Join(parts, "  ")
}

func renderAgents(runs []*agent.Run, now time.Time) string {
	if len(runs) == 0 {
		return "Agents    " + dimStyle.Render("none")
	}
	var b strings.Builder
	b.WriteString("Agents")
	for _, r := range runs {
		fmt.Fprintf(&b, "\n  %-10s %-9s %-12s %s", r.TaskID, r.Status, r.SessionKey, since(now, r.SpawnedAt))
	}
	return b.String()
}

func since(now, t time.Time) string {
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%.1fh", d.Hours())
	}
}

// Run shows the dashboard until the user quits, refreshing every interval.
func Run(load Loader, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	_, err := tea.NewProgram(newModel(load, interval), tea.WithAltScreen()).Run()
	return err
}
