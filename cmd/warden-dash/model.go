package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"warden/pkg/auditlog"
	"warden/pkg/protocol"
	"warden/pkg/supervisor"
)

// tickMsg is sent by Bubble Tea on every tick interval to trigger a refresh.
type tickMsg time.Time

// snapshotMsg carries a fetched status snapshot. Offline carries what could
// be read from the state database directly; nil snapshot means even that
// failed (no database yet).
type snapshotMsg struct {
	snap    *supervisor.StatusSnapshot
	offline bool
}

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// auditMsg carries recently queried audit entries, newest first.
type auditMsg []auditlog.Entry

// fetchCmd returns a tea.Cmd that fetches the current snapshot, preferring
// the live supervisor and falling back to the state database.
func fetchCmd() tea.Cmd {
	return func() tea.Msg {
		sockPath, dbPath, _ := statePaths()
		if snap := fetchSnapshot(context.Background(), sockPath); snap != nil {
			return snapshotMsg{snap: snap}
		}
		snap, err := fetchOffline(context.Background(), dbPath)
		if err != nil {
			return snapshotMsg{offline: true}
		}
		return snapshotMsg{snap: snap, offline: true}
	}
}

// fetchAuditCmd returns a tea.Cmd that reads the newest audit entries
// straight from the day partitions.
func fetchAuditCmd() tea.Cmd {
	return func() tea.Msg {
		_, _, auditDir := statePaths()
		entries, err := auditlog.Query(auditDir, auditlog.QueryOpts{Limit: 30})
		if err != nil {
			return auditMsg(nil)
		}
		return auditMsg(entries)
	}
}

// ViewType represents the dashboard's tabs.
type ViewType int

const (
	// WorkersView shows the worker table and record counts.
	WorkersView ViewType = iota
	// ApprovalsView shows pending approval requests.
	ApprovalsView
	// AlertsView shows unacked escalations.
	AlertsView
	// AuditView shows recent audit log entries.
	AuditView
)

// viewNames orders the tab labels to match ViewType values.
var viewNames = []string{"workers", "approvals", "alerts", "audit"}

// Model is the Bubble Tea model for the warden dashboard.
type Model struct {
	activeView ViewType
	online     bool
	snap       *supervisor.StatusSnapshot
	audit      []auditlog.Entry

	workersTable workersTable

	width  int
	height int
}

func newModel() Model {
	return Model{
		activeView:   WorkersView,
		workersTable: newWorkersTable(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(), fetchAuditCmd(), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		m.online = !msg.offline
		if msg.snap != nil {
			m.snap = msg.snap
			m.workersTable.setWorkers(msg.snap.Workers)
		}

	case auditMsg:
		m.audit = []auditlog.Entry(msg)

	case tickMsg:
		return m, tea.Batch(fetchCmd(), fetchAuditCmd(), tickCmd())
	}

	return m, nil
}

// handleKeyPress processes keyboard input.
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "1":
		m.activeView = WorkersView
	case "2":
		m.activeView = ApprovalsView
	case "3":
		m.activeView = AlertsView
	case "4":
		m.activeView = AuditView
	case "tab":
		m.activeView = (m.activeView + 1) % ViewType(len(viewNames))
	case "shift+tab":
		m.activeView = (m.activeView + ViewType(len(viewNames)) - 1) % ViewType(len(viewNames))
	default:
		if m.activeView == WorkersView {
			var cmd tea.Cmd
			m.workersTable, cmd = m.workersTable.update(msg)
			return m, cmd
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	header := m.renderHeader()

	var body string
	switch m.activeView {
	case ApprovalsView:
		body = m.renderApprovals()
	case AlertsView:
		body = m.renderAlerts()
	case AuditView:
		body = m.renderAudit()
	default:
		body = m.renderWorkers()
	}

	help := lipgloss.NewStyle().Foreground(DefaultTheme().Muted).
		Render("1-4 or tab switch view · q quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, body, "", help)
}

// renderHeader renders the daemon status line and the tab bar.
func (m Model) renderHeader() string {
	theme := DefaultTheme()

	var daemonStatus string
	if m.online {
		daemonStatus = lipgloss.NewStyle().Foreground(theme.Success).Render("supervisor: online")
	} else {
		daemonStatus = lipgloss.NewStyle().Foreground(theme.Error).Render("supervisor: offline")
	}

	tabs := make([]string, len(viewNames))
	for i, name := range viewNames {
		style := lipgloss.NewStyle().Foreground(theme.Muted).Padding(0, 1)
		if ViewType(i) == m.activeView {
			style = style.Foreground(theme.Primary).Bold(true)
		}
		tabs[i] = style.Render(fmt.Sprintf("[%d] %s", i+1, name))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		daemonStatus+"  "+m.renderCounts(),
		strings.Join(tabs, " "),
	)
}

// renderCounts summarizes record states in pipeline order.
func (m Model) renderCounts() string {
	if m.snap == nil || len(m.snap.Records) == 0 {
		return ""
	}
	states := make([]string, 0, len(m.snap.Records))
	for state := range m.snap.Records {
		states = append(states, string(state))
	}
	sort.Strings(states)

	parts := make([]string, 0, len(states))
	for _, state := range states {
		parts = append(parts, fmt.Sprintf("%s:%d", state, m.snap.Records[protocol.RecordState(state)]))
	}
	return lipgloss.NewStyle().Foreground(DefaultTheme().Muted).Render(strings.Join(parts, " "))
}

func (m Model) renderWorkers() string {
	var body string
	switch {
	case m.snap != nil && len(m.snap.Workers) > 0:
		body = m.workersTable.view()
	case m.online:
		body = emptyMessage("no workers declared")
	default:
		body = emptyMessage("worker state unavailable while the supervisor is offline")
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, m.renderSessions())
}

// renderSessions lists in-flight retry loops under the workers table.
func (m Model) renderSessions() string {
	theme := DefaultTheme()
	if m.snap == nil || len(m.snap.Sessions) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(lipgloss.NewStyle().Bold(true).Foreground(theme.Primary).Render("Active loops"))
	sb.WriteString("\n")
	for _, s := range m.snap.Sessions {
		line := fmt.Sprintf("  %s  iteration %d/%d", s.EventID, s.Iteration, s.MaxIterations)
		if s.StuckCount > 1 {
			line += lipgloss.NewStyle().Foreground(theme.Warning).
				Render(fmt.Sprintf("  %d identical failures", s.StuckCount))
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderAudit shows the newest audit entries.
func (m Model) renderAudit() string {
	theme := DefaultTheme()
	if len(m.audit) == 0 {
		return emptyMessage("no audit entries")
	}
	var sb strings.Builder
	for _, e := range m.audit {
		ts := lipgloss.NewStyle().Foreground(theme.Muted).
			Render(e.Timestamp.Local().Format("15:04:05"))
		line := fmt.Sprintf("%s  %-12s %s", ts, e.Actor, e.Result)
		if e.EventID != "" {
			line += "  " + e.EventID
		}
		if e.FromState != "" || e.ToState != "" {
			line += fmt.Sprintf("  %s->%s", e.FromState, e.ToState)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m Model) renderApprovals() string {
	theme := DefaultTheme()
	if m.snap == nil || len(m.snap.Approvals) == 0 {
		return emptyMessage("no pending approvals")
	}

	var sb strings.Builder
	now := time.Now()
	for _, a := range m.snap.Approvals {
		line := fmt.Sprintf("%s  risk=%s  deadline in %s",
			a.EventID, a.RiskLevel, a.DeadlineAt.Sub(now).Round(time.Minute))
		style := lipgloss.NewStyle()
		if a.OverdueFlagged || a.DeadlineAt.Before(now) {
			style = style.Foreground(theme.Error)
			line += "  OVERDUE"
		} else if a.DeadlineAt.Sub(now) < 4*time.Hour {
			style = style.Foreground(theme.Warning)
		}
		sb.WriteString(style.Render(line))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m Model) renderAlerts() string {
	theme := DefaultTheme()
	if m.snap == nil || len(m.snap.Alerts) == 0 {
		return emptyMessage("no pending alerts")
	}

	var sb strings.Builder
	for _, a := range m.snap.Alerts {
		id := lipgloss.NewStyle().Foreground(theme.Muted).Render(fmt.Sprintf("[%d]", a.ID))
		kind := lipgloss.NewStyle().Foreground(theme.Warning).Render(a.Kind)
		sb.WriteString(fmt.Sprintf("%s %s %s\n", id, kind, a.Message))
	}
	return sb.String()
}

func emptyMessage(msg string) string {
	return lipgloss.NewStyle().Foreground(DefaultTheme().Muted).Padding(1, 0).Render(msg)
}
