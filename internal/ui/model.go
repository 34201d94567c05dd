// ABOUTME: Bubbletea model for the bridge status screen
// ABOUTME: Polls bridge statistics on a tick and maps keys to bridge controls
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cometdom/Squeeze2Diretta/internal/bridge"
	"github.com/cometdom/Squeeze2Diretta/pkg/sink"
)

// RefreshInterval is how often the screen polls the bridge
const RefreshInterval = 250 * time.Millisecond

// Controls is the part of the bridge the screen drives
type Controls interface {
	Stats() bridge.Stats
	TogglePause()
}

// Info is static context shown in the header
type Info struct {
	Target  string
	Player  string
	Version string
}

// Model represents the TUI state
type Model struct {
	info     Info
	controls Controls
	stats    bridge.Stats
	started  time.Time

	showDebug bool
	quitting  bool

	width  int
	height int
}

type tickMsg time.Time

// NewModel creates a new TUI model. controls may be nil in tests.
func NewModel(info Info, controls Controls) Model {
	return Model{
		info:     info,
		controls: controls,
		started:  time.Now(),
	}
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.refresh()
		return m, tick()
	case StatsMsg:
		m.stats = bridge.Stats(msg)
	}
	return m, nil
}

// StatsMsg pushes a statistics snapshot into the model
type StatsMsg bridge.Stats

func (m *Model) refresh() {
	if m.controls != nil {
		m.stats = m.controls.Stats()
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "p", " ", "space":
		if m.controls != nil {
			m.controls.TogglePause()
		}
	case "d":
		m.showDebug = !m.showDebug
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	labelStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	footerStyle = lipgloss.NewStyle().Faint(true)
)

func (m Model) View() string {
	if m.quitting {
		return "Stopping bridge...\n"
	}

	var b strings.Builder
	title := "squeeze2diretta"
	if m.info.Version != "" {
		title += " " + m.info.Version
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-10s", label)))
		b.WriteString(value)
		b.WriteString("\n")
	}

	row("Player:", valueStyle.Render(orDash(m.info.Player)))
	row("Target:", valueStyle.Render(orDash(m.info.Target)))
	row("Link:", sinkStyle(m.stats.SinkState).Render(m.stats.SinkState.String()))
	row("State:", valueStyle.Render(m.stateText()))
	row("Format:", valueStyle.Render(m.formatText()))
	row("Uptime:", valueStyle.Render(time.Since(m.started).Round(time.Second).String()))
	b.WriteString("\n")

	row("Read:", valueStyle.Render(humanBytes(m.stats.BytesRead)))
	row("Sent:", valueStyle.Render(humanBytes(m.stats.BytesDelivered)))
	dropped := humanBytes(m.stats.BytesDropped)
	if m.stats.BytesDropped > 0 {
		row("Dropped:", warnStyle.Render(dropped))
	} else {
		row("Dropped:", valueStyle.Render(dropped))
	}
	row("Queue:", valueStyle.Render(humanBytes(int64(m.stats.QueueBytes))))

	if m.showDebug {
		b.WriteString("\n")
		row("Changes:", valueStyle.Render(fmt.Sprintf("%d", m.stats.Transitions)))
		row("Silence:", valueStyle.Render(fmt.Sprintf("%d frames", m.stats.SilenceFrames)))
		row("Failures:", valueStyle.Render(fmt.Sprintf("%d sends, %d reopens", m.stats.SendFailures, m.stats.Reopens)))
		row("Resync:", valueStyle.Render(fmt.Sprintf("%d headers, %s skipped", m.stats.MalformedHeaders, humanBytes(m.stats.BytesDiscarded))))
	}

	b.WriteString("\n")
	b.WriteString(footerStyle.Render("p:Pause/Resume  d:Debug  q:Quit"))
	return b.String()
}

func (m Model) stateText() string {
	if !m.stats.Running {
		return "stopped"
	}
	if m.stats.Paused {
		return "paused"
	}
	return m.stats.State.String()
}

func (m Model) formatText() string {
	if m.stats.Format.SampleRate == 0 {
		return "-"
	}
	return m.stats.Format.String()
}

func sinkStyle(s sink.ConnState) lipgloss.Style {
	switch s {
	case sink.Connected:
		return goodStyle
	case sink.Error:
		return warnStyle
	default:
		return valueStyle
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
