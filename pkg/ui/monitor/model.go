package monitor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"orion/pkg/agent"
	"orion/pkg/registry"
)

type snapshotMsg struct {
	snapshot Snapshot
	err      error
	at       time.Time
}

type refreshTickMsg struct{}

type actionMsg struct {
	text string
	err  error
}

type model struct {
	ctx      context.Context
	source   Source
	interval time.Duration

	theme    theme
	spinner  spinner.Model
	table    table.Model
	detail   viewport.Model
	snapshot Snapshot
	width    int
	height   int
	loading  bool
	lastErr  string
	notice   string
	updated  time.Time
}

var columns = []table.Column{
	{Title: "ID", Width: 20},
	{Title: "KIND", Width: 10},
	{Title: "STATE", Width: 9},
	{Title: "TRANSPORT", Width: 10},
	{Title: "RECV", Width: 7},
	{Title: "HANDLED", Width: 8},
	{Title: "FAILED", Width: 7},
	{Title: "UPTIME", Width: 9},
}

func newModel(ctx context.Context, source Source, interval time.Duration) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("44"))

	tbl := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	tbl.SetStyles(tableStyles())

	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &model{
		ctx:      ctx,
		source:   source,
		interval: interval,
		theme:    defaultTheme(),
		spinner:  spin,
		table:    tbl,
		detail:   viewport.New(80, 6),
		width:    100,
		height:   30,
		loading:  true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.source))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resize()
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, fetchCmd(m.ctx, m.source)
		case "s":
			if id := m.selectedID(); id != "" {
				m.notice = "starting " + id
				return m, actionCmd(m.ctx, "started "+id, func(ctx context.Context) error { return m.source.StartAgent(ctx, id) })
			}
			return m, nil
		case "x":
			if id := m.selectedID(); id != "" {
				m.notice = "stopping " + id
				return m, actionCmd(m.ctx, "stopped "+id, func(ctx context.Context) error { return m.source.StopAgent(ctx, id) })
			}
			return m, nil
		}

		var cmd tea.Cmd
		m.table, cmd = m.table.Update(typed)
		m.refreshDetail()
		return m, cmd
	case snapshotMsg:
		m.loading = false
		if typed.err != nil {
			m.lastErr = typed.err.Error()
		} else {
			m.lastErr = ""
			m.snapshot = typed.snapshot
			m.updated = typed.at
			m.table.SetRows(agentRows(typed.snapshot.Agents))
			m.refreshDetail()
		}
		return m, refreshTickCmd(m.interval)
	case refreshTickMsg:
		m.loading = true
		return m, fetchCmd(m.ctx, m.source)
	case actionMsg:
		if typed.err != nil {
			m.notice = ""
			m.lastErr = typed.err.Error()
		} else {
			m.notice = typed.text
			m.lastErr = ""
		}
		return m, fetchCmd(m.ctx, m.source)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	return m, nil
}

func (m *model) View() string {
	stats := m.snapshot.Stats
	header := m.theme.header.Width(m.width - 2).Render("Orion agent monitor")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"agents:%d · running:%d · errors:%d · modules:%d · bus(pub/del/drop):%d/%d/%d · pollers:%d · uptime:%s",
		stats.Agents,
		stats.ByState[agent.StateRunning],
		stats.ByState[agent.StateError],
		stats.Modules,
		stats.Bus.Published,
		stats.Bus.Delivered,
		stats.Bus.Dropped,
		stats.PollPeers,
		formatUptime(stats.UptimeSeconds),
	))
	line := m.theme.divider.Render(strings.Repeat("─", max(8, m.width-2)))

	status := m.theme.status.Render(m.statusText())
	if m.loading {
		status = m.theme.statusBusy.Render(m.spinner.View() + " refreshing")
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("error: " + m.lastErr)
	}

	detail := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.panelTitle.Render("AGENT"),
		m.theme.panel.Width(m.width-2).Render(m.detail.View()),
	)
	hint := m.theme.hint.Render("↑/↓ select · s start · x stop · r refresh · q quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, m.table.View(), detail, status, hint)
}

func (m *model) statusText() string {
	text := "updated " + m.updated.Format("15:04:05")
	if m.updated.IsZero() {
		text = "waiting for gateway"
	}
	if m.notice != "" {
		text += " · " + m.notice
	}
	return text
}

func (m *model) resize() {
	tableHeight := m.height - 16
	if tableHeight < 4 {
		tableHeight = 4
	}
	m.table.SetHeight(tableHeight)
	m.table.SetWidth(m.width - 2)
	m.detail.Width = max(40, m.width-6)
	m.detail.Height = 6
}

func (m *model) selectedID() string {
	row := m.table.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

func (m *model) selectedAgent() (registry.AgentInfo, bool) {
	id := m.selectedID()
	idx := slices.IndexFunc(m.snapshot.Agents, func(info registry.AgentInfo) bool { return info.ID == id })
	if idx < 0 {
		return registry.AgentInfo{}, false
	}
	return m.snapshot.Agents[idx], true
}

func (m *model) refreshDetail() {
	info, ok := m.selectedAgent()
	if !ok {
		m.detail.SetContent(m.theme.hint.Render("no agent selected"))
		return
	}

	lines := []string{
		fmt.Sprintf("%s  %s  kind:%s  module:%s", info.ID, m.theme.state(info.State), info.Kind, displayOrNA(info.Module)),
		fmt.Sprintf("transports: %s", displayOrNA(strings.Join(info.Transports, ","))),
		fmt.Sprintf("sent:%d  dropped:%d  heartbeats:%d", info.Counters.Sent, info.Counters.Dropped, info.Counters.Heartbeats),
	}
	if info.LastError != "" {
		lines = append(lines, m.theme.statusErr.Render("last error: "+info.LastError))
	}
	m.detail.SetContent(strings.Join(lines, "\n"))
}

func agentRows(agents []registry.AgentInfo) []table.Row {
	rows := make([]table.Row, 0, len(agents))
	for _, info := range agents {
		rows = append(rows, table.Row{
			info.ID,
			info.Kind,
			string(info.State),
			strings.Join(info.Transports, ","),
			fmt.Sprint(info.Counters.Received),
			fmt.Sprint(info.Counters.Handled),
			fmt.Sprint(info.Counters.Failed),
			formatUptime(info.UptimeSeconds),
		})
	}
	return rows
}

func formatUptime(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return time.Duration(seconds * float64(time.Second)).Round(time.Second).String()
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func fetchCmd(ctx context.Context, source Source) tea.Cmd {
	return func() tea.Msg {
		snapshot, err := source.Snapshot(ctx)
		return snapshotMsg{snapshot: snapshot, err: err, at: time.Now()}
	}
}

func refreshTickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func actionCmd(ctx context.Context, text string, action func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{text: text, err: action(ctx)}
	}
}
