// Package tui implements a read-only operator console: a polling
// bubbletea view over the swarm's agents, task pool, and event log,
// for use embedded in swarmd or as the standalone swarmctl tui command.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-claw/internal/store"
)

// Snapshot is one poll's worth of console state.
type Snapshot struct {
	Agents        []store.Agent
	TasksByStatus map[store.TaskStatus]int
	Unassigned    int
	RecentEvents  []store.EventLogEntry
	Err           error
}

// SnapshotProvider refreshes the console's view of the swarm.
type SnapshotProvider func(ctx context.Context) Snapshot

// NewSnapshotProvider builds a SnapshotProvider backed directly by a
// Store, polling ListAgents/ListTasks/ListEvents on each tick. It reads
// the store's persisted state rather than subscribing to the event bus
// so the console works identically whether it runs inside swarmd's own
// process or as a separate swarmctl invocation pointed at the same
// database file.
func NewSnapshotProvider(st *store.Store) SnapshotProvider {
	return func(ctx context.Context) Snapshot {
		agents, err := st.ListAgents(ctx)
		if err != nil {
			return Snapshot{Err: err}
		}
		tasks, err := st.ListTasks(ctx, store.ListTasksFilter{Limit: 1000})
		if err != nil {
			return Snapshot{Err: err}
		}
		events, err := st.ListEvents(ctx, "", 15)
		if err != nil {
			return Snapshot{Err: err}
		}
		byStatus := make(map[store.TaskStatus]int)
		unassigned := 0
		for _, t := range tasks {
			byStatus[t.Status]++
			if t.Status == store.TaskUnassigned {
				unassigned++
			}
		}
		return Snapshot{Agents: agents, TasksByStatus: byStatus, Unassigned: unassigned, RecentEvents: events}
	}
}

type model struct {
	provider SnapshotProvider
	ctx      context.Context
	snap     Snapshot
	interval time.Duration
}

type tickMsg time.Time

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd(m.interval)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider(m.ctx)
		return m, tickCmd(m.interval)
	}
	return m, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	idleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	offStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func agentStyle(status store.AgentStatus) lipgloss.Style {
	switch status {
	case store.AgentBusy:
		return okStyle
	case store.AgentOffline:
		return offStyle
	default:
		return idleStyle
	}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("swarm console") + dimStyle.Render("   q to quit") + "\n\n")

	if m.snap.Err != nil {
		b.WriteString(errStyle.Render("poll failed: "+m.snap.Err.Error()) + "\n")
		return b.String()
	}

	b.WriteString(headerStyle.Render(fmt.Sprintf("agents (%d)", len(m.snap.Agents))) + "\n")
	if len(m.snap.Agents) == 0 {
		b.WriteString(dimStyle.Render("  none joined") + "\n")
	}
	for _, a := range m.snap.Agents {
		lead := ""
		if a.IsLead {
			lead = dimStyle.Render(" [lead]")
		}
		b.WriteString(agentStyle(a.Status).Render(fmt.Sprintf("  %-20s %-8s", a.Name, a.Status)) + lead + "\n")
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("task pool") + "\n")
	b.WriteString(fmt.Sprintf("  %-12s %d\n", "unassigned", m.snap.Unassigned))
	for _, status := range []store.TaskStatus{
		store.TaskBacklog, store.TaskOffered, store.TaskPending, store.TaskInProgress,
		store.TaskPaused, store.TaskReviewing, store.TaskCompleted, store.TaskFailed, store.TaskCancelled,
	} {
		if n := m.snap.TasksByStatus[status]; n > 0 {
			b.WriteString(fmt.Sprintf("  %-12s %d\n", status, n))
		}
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("recent events") + "\n")
	if len(m.snap.RecentEvents) == 0 {
		b.WriteString(dimStyle.Render("  none yet") + "\n")
	}
	for _, e := range m.snap.RecentEvents {
		line := fmt.Sprintf("  %s  %-20s", e.CreatedAt.Format("15:04:05"), e.EventType)
		if e.TaskID != "" {
			line += " task=" + e.TaskID
		}
		b.WriteString(dimStyle.Render(line) + "\n")
	}

	return b.String()
}

// RenderOnce renders a single snapshot as plain text, for headless
// (non-TTY) invocations that shouldn't launch the alt-screen program.
func RenderOnce(snap Snapshot) string {
	return model{snap: snap}.View()
}

// Run drives the console until the user quits or ctx is cancelled.
func Run(ctx context.Context, provider SnapshotProvider, interval time.Duration) error {
	defer bestEffortResetTTY()
	if interval <= 0 {
		interval = 2 * time.Second
	}

	m := model{provider: provider, ctx: ctx, snap: provider(ctx), interval: interval}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
