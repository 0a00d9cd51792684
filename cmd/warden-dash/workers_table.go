package main

import (
	"sort"
	"strconv"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"warden/pkg/supervisor"
)

// workersTable wraps a bubbles table showing one row per worker.
type workersTable struct {
	table table.Model
}

func newWorkersTable() workersTable {
	theme := DefaultTheme()

	columns := []table.Column{
		{Title: "Worker", Width: 20},
		{Title: "Status", Width: 10},
		{Title: "PID", Width: 8},
		{Title: "Last Seen", Width: 22},
		{Title: "Restarts/h", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		Bold(true).
		Foreground(theme.Primary).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#ffffff")).
		Background(theme.Primary).
		Bold(true)
	t.SetStyles(styles)

	return workersTable{table: t}
}

// setWorkers replaces the table rows, sorted by worker name for a stable
// layout across refreshes.
func (w *workersTable) setWorkers(workers []supervisor.WorkerSnapshot) {
	sorted := make([]supervisor.WorkerSnapshot, len(workers))
	copy(sorted, workers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	rows := make([]table.Row, 0, len(sorted))
	for _, ws := range sorted {
		pid := "-"
		if ws.PID > 0 {
			pid = strconv.Itoa(ws.PID)
		}
		lastSeen := ws.LastSeen
		if lastSeen == "" {
			lastSeen = "-"
		}
		rows = append(rows, table.Row{
			ws.Name,
			string(ws.Status),
			pid,
			lastSeen,
			strconv.Itoa(ws.RestartsHour),
		})
	}
	w.table.SetRows(rows)
}

func (w workersTable) update(msg tea.Msg) (workersTable, tea.Cmd) {
	var cmd tea.Cmd
	w.table, cmd = w.table.Update(msg)
	return w, cmd
}

func (w workersTable) view() string {
	return w.table.View()
}
