// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/pakstat/pkg/pakbus"
	"github.com/Thermoquad/pakstat/pkg/source"
)

// Focus states
const (
	focusTableList = iota
	focusSetInput
)

// Error log entry
type errorLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for warnings
}

// tableItem is one subscribed table in the list
type tableItem struct {
	name    string
	records uint64
	last    uint32
	failed  string
}

// Implement list.Item interface
func (t tableItem) Title() string { return t.name }
func (t tableItem) Description() string {
	switch {
	case t.failed != "":
		return "failed: " + t.failed
	case t.records == 0:
		return "waiting for records"
	default:
		return fmt.Sprintf("#%d, %d collected", t.last, t.records)
	}
}
func (t tableItem) FilterValue() string { return t.name }

// valueReading is one decoded value, already formatted
type valueReading struct {
	name  string
	value string
	units string
}

// tableSnapshot is the newest record seen for a table
type tableSnapshot struct {
	number uint32
	time   time.Time
	values []valueReading
}

// monitorModel is the Bubble Tea model for the monitor TUI
type monitorModel struct {
	connInfo string
	node     uint16

	// Source state
	connected   bool
	program     string
	connectedAt time.Time
	link        pakbus.Statistics
	records     uint64
	failures    uint64

	// Tables
	tables    []tableItem
	tableList list.Model
	latest    map[string]*tableSnapshot
	values    table.Model

	// Control
	setInput     textinput.Model
	focusedField int
	spinner      spinner.Model

	errorLog      []errorLogEntry
	maxLogEntries int
	width         int
	height        int
	quitting      bool

	// Wired by the monitor command; they run outside the UI goroutine
	fetchLink func() tea.Msg
	setValue  func(table, column, value string) tea.Cmd
}

// Messages
type tickMsg time.Time

type linkMsg struct {
	stats     pakbus.Statistics
	connected bool
}

type connectedMsg struct {
	program string
}

type disconnectedMsg struct {
	err error
}

type tableAddedMsg struct {
	name string
}

type tableRemovedMsg struct {
	name string
}

type recordsMsg struct {
	table  string
	count  int
	newest tableSnapshot
}

type failureMsg struct {
	table   string
	request string
	failure source.Failure
}

type setValueMsg struct {
	target  string
	value   string
	outcome source.Outcome
	err     error
}

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	ms := uint64(d.Milliseconds())
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	parts := []string{}
	plural := func(n uint64, unit string) {
		if n == 1 {
			parts = append(parts, "1 "+unit)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", n, unit))
		}
	}
	if days > 0 {
		plural(days, "day")
	}
	if hours > 0 {
		plural(hours, "hour")
	}
	if minutes > 0 {
		plural(minutes, "minute")
	}
	if seconds > 0 || len(parts) == 0 {
		plural(seconds, "second")
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func initialMonitorModel(connInfo string, node uint16) monitorModel {
	// Initialize text input for set value
	ti := textinput.New()
	ti.Placeholder = "Column=Value"
	ti.CharLimit = 64
	ti.Width = 30

	// Initialize table list with empty items
	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	tableList := list.New([]list.Item{}, delegate, 30, 10)
	tableList.Title = "Tables"
	tableList.SetShowStatusBar(false)
	tableList.SetShowHelp(false)
	tableList.SetFilteringEnabled(false)

	values := table.New(
		table.WithColumns([]table.Column{
			{Title: "Value", Width: 24},
			{Title: "Reading", Width: 18},
			{Title: "Units", Width: 10},
		}),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = lipgloss.NewStyle()
	values.SetStyles(styles)

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	return monitorModel{
		connInfo:      connInfo,
		node:          node,
		tableList:     tableList,
		latest:        make(map[string]*tableSnapshot),
		values:        values,
		setInput:      ti,
		focusedField:  focusTableList,
		spinner:       sp,
		errorLog:      make([]errorLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.tableList.SetSize(30, max(m.height-20, 6))

	case tickMsg:
		cmds = append(cmds, tickCmd())
		if m.fetchLink != nil {
			cmds = append(cmds, m.fetchLink)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case linkMsg:
		m.link = msg.stats

	case connectedMsg:
		m.connected = true
		m.program = msg.program
		m.connectedAt = time.Now()
		m.addLogEntry(fmt.Sprintf("Connected, running %s", msg.program), false)

	case disconnectedMsg:
		m.connected = false
		m.addLogEntry(fmt.Sprintf("Disconnected: %v", msg.err), true)

	case tableAddedMsg:
		cmds = append(cmds, m.addTable(msg.name))

	case tableRemovedMsg:
		cmds = append(cmds, m.removeTable(msg.name))
		m.addLogEntry(fmt.Sprintf("Table %s removed", msg.name), true)

	case recordsMsg:
		m.records += uint64(msg.count)
		snap := msg.newest
		m.latest[msg.table] = &snap
		for i := range m.tables {
			if m.tables[i].name == msg.table {
				m.tables[i].records += uint64(msg.count)
				m.tables[i].last = snap.number
				m.tables[i].failed = ""
			}
		}
		cmds = append(cmds, m.syncList())
		m.refreshValues()

	case failureMsg:
		m.failures++
		for i := range m.tables {
			if m.tables[i].name == msg.table {
				m.tables[i].failed = msg.failure.String()
			}
		}
		cmds = append(cmds, m.syncList())
		m.addLogEntry(fmt.Sprintf("%s: %s", msg.request, msg.failure), true)

	case setValueMsg:
		switch {
		case msg.err != nil:
			m.addLogEntry(fmt.Sprintf("Set %s: %v", msg.target, msg.err), true)
		case msg.outcome != source.OutcomeSuccess:
			m.addLogEntry(fmt.Sprintf("Set %s: %s", msg.target, msg.outcome), true)
		default:
			m.addLogEntry(fmt.Sprintf("Set %s = %s", msg.target, msg.value), false)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "q":
		if m.focusedField != focusSetInput {
			m.quitting = true
			return m, tea.Quit
		}

	case "tab", "shift+tab":
		m.cycleFocus()
		return m, nil

	case "enter":
		if m.focusedField == focusSetInput {
			return m, m.submitSetValue()
		}

	case "up", "k", "down", "j":
		if m.focusedField == focusTableList {
			var cmd tea.Cmd
			m.tableList, cmd = m.tableList.Update(msg)
			m.refreshValues()
			return m, cmd
		}
	}

	// Pass through to focused component
	if m.focusedField == focusSetInput {
		var cmd tea.Cmd
		m.setInput, cmd = m.setInput.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *monitorModel) cycleFocus() {
	if m.focusedField == focusTableList && m.selectedTable() != "" {
		m.focusedField = focusSetInput
		m.setInput.Focus()
		return
	}
	m.focusedField = focusTableList
	m.setInput.Blur()
}

// submitSetValue sends "Column=Value" to the selected table
func (m *monitorModel) submitSetValue() tea.Cmd {
	tableName := m.selectedTable()
	column, value, ok := strings.Cut(m.setInput.Value(), "=")
	column, value = strings.TrimSpace(column), strings.TrimSpace(value)
	if tableName == "" || !ok || column == "" {
		m.addLogEntry("Enter a value as Column=Value", true)
		return nil
	}
	if !m.connected {
		m.addLogEntry("Cannot set value: not connected", true)
		return nil
	}
	m.setInput.Reset()
	if m.setValue == nil {
		return nil
	}
	return m.setValue(tableName, column, value)
}

func (m *monitorModel) addTable(name string) tea.Cmd {
	for _, t := range m.tables {
		if t.name == name {
			return nil
		}
	}
	m.tables = append(m.tables, tableItem{name: name})
	return m.syncList()
}

func (m *monitorModel) removeTable(name string) tea.Cmd {
	for i, t := range m.tables {
		if t.name == name {
			m.tables = append(m.tables[:i], m.tables[i+1:]...)
			break
		}
	}
	delete(m.latest, name)
	cmd := m.syncList()
	m.refreshValues()
	return cmd
}

func (m *monitorModel) syncList() tea.Cmd {
	items := make([]list.Item, len(m.tables))
	for i, t := range m.tables {
		items[i] = t
	}
	return m.tableList.SetItems(items)
}

func (m monitorModel) selectedTable() string {
	if item, ok := m.tableList.SelectedItem().(tableItem); ok {
		return item.name
	}
	return ""
}

// refreshValues shows the newest record of the selected table
func (m *monitorModel) refreshValues() {
	snap := m.latest[m.selectedTable()]
	if snap == nil {
		m.values.SetRows(nil)
		return
	}
	rows := make([]table.Row, len(snap.values))
	for i, v := range snap.values {
		rows[i] = table.Row{v.name, v.value, v.units}
	}
	m.values.SetRows(rows)
	m.values.SetHeight(min(len(rows)+1, max(m.height-20, 6)))
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	entry := errorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.errorLog = append(m.errorLog, entry)

	// Keep only last N entries
	if len(m.errorLog) > m.maxLogEntries {
		m.errorLog = m.errorLog[len(m.errorLog)-m.maxLogEntries:]
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("PAKSTAT - MONITOR"))
	s.WriteString(" ")
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | Node %d | q=quit Tab=switch", m.connInfo, m.node)))
	s.WriteString("\n\n")

	// Connection status
	if !m.connected {
		s.WriteString(m.spinner.View())
		s.WriteString(warningStyle.Render(" Connecting..."))
	} else {
		s.WriteString(statsValueStyle.Render("✓ Connected"))
		s.WriteString(headerStyle.Render(fmt.Sprintf(" %s for %s", m.program, formatUptime(time.Since(m.connectedAt)))))
	}
	s.WriteString("\n\n")

	// Statistics
	statsContent := fmt.Sprintf("%s %s   %s %s   %s %s   %s %s",
		statsLabelStyle.Render("Records:"), statsValueStyle.Render(fmt.Sprintf("%d", m.records)),
		statsLabelStyle.Render("Sent:"), statsValueStyle.Render(fmt.Sprintf("%d", m.link.PacketsSent)),
		statsLabelStyle.Render("Received:"), statsValueStyle.Render(fmt.Sprintf("%d", m.link.PacketsReceived)),
		statsLabelStyle.Render("Failures:"), func() string {
			if m.failures > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", m.failures))
			}
			return statsValueStyle.Render("0")
		}(),
	)
	if m.link.FrameErrors > 0 || m.link.Unrouted > 0 {
		statsContent += fmt.Sprintf("\n%s %s   %s %s",
			statsLabelStyle.Render("Frame Errors:"), errorStyle.Render(fmt.Sprintf("%d", m.link.FrameErrors)),
			statsLabelStyle.Render("Unrouted:"), warningStyle.Render(fmt.Sprintf("%d", m.link.Unrouted)),
		)
	}
	s.WriteString(boxStyle.Render(statsContent))
	s.WriteString("\n\n")

	// Layout: left panel (tables) | right panel (values and set value)
	leftWidth := 30
	rightWidth := max(m.width-leftWidth-6, 40)

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusTableList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	tablePanel := listStyle.Render(m.tableList.View())

	var right strings.Builder
	if name := m.selectedTable(); name == "" {
		right.WriteString(headerStyle.Render("No table selected"))
	} else if snap := m.latest[name]; snap == nil {
		right.WriteString(headerStyle.Render(fmt.Sprintf("%s: waiting for records", name)))
	} else {
		right.WriteString(statsLabelStyle.Render(fmt.Sprintf("%s #%d", name, snap.number)))
		right.WriteString(headerStyle.Render(" " + snap.time.Format("2006-01-02 15:04:05")))
		right.WriteString("\n")
		right.WriteString(m.values.View())
	}
	right.WriteString("\n\n")
	right.WriteString(statsLabelStyle.Render("Set: "))
	right.WriteString(m.setInput.View())
	rightStyle := boxStyle.Width(rightWidth)
	if m.focusedField == focusSetInput {
		rightStyle = focusedBoxStyle.Width(rightWidth)
	}

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, tablePanel, " ", rightStyle.Render(right.String())))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := 5
	logContent := strings.Builder{}
	startIdx := max(len(m.errorLog)-logHeight, 0)

	if len(m.errorLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.errorLog); i++ {
			entry := m.errorLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(max(m.width-4, 40)).Render(logContent.String()))

	return s.String()
}
