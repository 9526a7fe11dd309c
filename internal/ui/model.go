// ABOUTME: Bubbletea model for the live registry TUI
// ABOUTME: Holds the latest snapshot, a cursor and the render logic
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	listHeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("220"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205"))

	helpStyle = lipgloss.NewStyle().Faint(true)
)

// SnapshotMsg delivers a new registry snapshot to the model.
type SnapshotMsg discovery.Snapshot

type tickMsg time.Time

// Model represents the TUI state
type Model struct {
	serviceType string
	startTime   time.Time

	records []discovery.ServiceRecord
	seq     uint64
	taken   time.Time

	cursor    int
	showAttrs bool
	quitting  bool

	width  int
	height int
}

// NewModel creates a model for serviceType.
func NewModel(serviceType string) Model {
	return Model{
		serviceType: serviceType,
		startTime:   time.Now(),
	}
}

// Init starts the uptime ticker
func (m Model) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		return m, tickEvery()
	case SnapshotMsg:
		m.applySnapshot(discovery.Snapshot(msg))
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.records)-1 {
			m.cursor++
		}
	case "a":
		m.showAttrs = !m.showAttrs
	}
	return m, nil
}

// applySnapshot replaces the displayed records, keeping the cursor on the
// same identity when it still exists.
func (m *Model) applySnapshot(snap discovery.Snapshot) {
	var selected string
	if m.cursor < len(m.records) {
		selected = m.records[m.cursor].Identity()
	}

	m.records = snap.Records()
	m.seq = snap.Seq
	m.taken = snap.Taken

	m.cursor = 0
	for i, rec := range m.records {
		if rec.Identity() == selected {
			m.cursor = i
			break
		}
	}
}

// View renders the TUI
func (m Model) View() string {
	if m.quitting {
		return "Stopping browse...\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("mdns-watch"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Browsing: "))
	b.WriteString(valueStyle.Render(m.serviceType))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Uptime: "))
	b.WriteString(valueStyle.Render(time.Since(m.startTime).Round(time.Second).String()))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Snapshot: "))
	if m.seq == 0 {
		b.WriteString(valueStyle.Render("waiting"))
	} else {
		b.WriteString(valueStyle.Render(fmt.Sprintf("#%d at %s", m.seq, m.taken.Format("15:04:05"))))
	}
	b.WriteString("\n\n")

	b.WriteString(listHeaderStyle.Render(fmt.Sprintf("Instances (%d)", len(m.records))))
	b.WriteString("\n\n")

	if len(m.records) == 0 {
		b.WriteString(valueStyle.Render("  No services discovered"))
		b.WriteString("\n")
	}
	for i, rec := range m.records {
		line := fmt.Sprintf("  %s  %s", truncate(rec.Identity(), 48), rec.Endpoint())
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> " + strings.TrimPrefix(line, "  ")))
		} else {
			b.WriteString(line)
		}
		b.WriteString("\n")

		if m.showAttrs && i == m.cursor {
			b.WriteString(m.renderAttributes(rec))
		}
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓:Select  a:Attributes  q:Quit"))

	return b.String()
}

func (m Model) renderAttributes(rec discovery.ServiceRecord) string {
	var b strings.Builder
	if rec.Host() != "" {
		b.WriteString(valueStyle.Render("      host " + rec.Host()))
		b.WriteString("\n")
	}
	pairs := rec.Attributes().Pairs()
	if len(pairs) == 0 {
		b.WriteString(valueStyle.Render("      (no attributes)"))
		b.WriteString("\n")
	}
	for _, p := range pairs {
		b.WriteString(valueStyle.Render(fmt.Sprintf("      %s=%s", p.Key, p.Value)))
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
