package reporter

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/ppiankov/cronforge/internal/scheduler"
	"github.com/ppiankov/cronforge/internal/task"
)

var spinnerChars = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// TUI styles
var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14")) // cyan
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // gray
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	pauseStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

const refreshInterval = 2 * time.Second

// Snapshot is everything the status view shows at one refresh.
type Snapshot struct {
	Job    string
	Manual bool
	Next   []scheduler.Fire
	Runs   []*task.RunResult // newest first
	Err    error
}

type tickMsg time.Time

// StatusModel is the Bubbletea model for the live status view.
type StatusModel struct {
	load func() Snapshot
	now  func() time.Time

	snap         Snapshot
	loadedAt     time.Time
	scrollOffset int
	paused       bool
	frame        int
	width        int
	height       int
}

// NewStatusModel creates a status view that calls load on every refresh.
func NewStatusModel(load func() Snapshot) StatusModel {
	m := StatusModel{load: load, now: time.Now}
	m.refresh()
	return m
}

// Init implements tea.Model.
func (m StatusModel) Init() tea.Cmd {
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *StatusModel) refresh() {
	m.snap = m.load()
	m.loadedAt = m.now()
}

// Update implements tea.Model.
func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit

		case "p", " ":
			m.paused = !m.paused

		case "r":
			m.refresh()

		case "j", "down":
			m.scrollDown(1)

		case "k", "up":
			m.scrollUp(1)

		case "g", "home":
			m.scrollOffset = 0

		case "G", "end":
			m.scrollOffset = m.maxScroll()
		}

	case tickMsg:
		if !m.paused && time.Time(msg).Sub(m.loadedAt) >= refreshInterval {
			m.refresh()
		}
		m.frame++
		return m, tickCmd()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	}

	return m, nil
}

func (m *StatusModel) scrollDown(n int) {
	m.scrollOffset += n
	if max := m.maxScroll(); m.scrollOffset > max {
		m.scrollOffset = max
	}
}

func (m *StatusModel) scrollUp(n int) {
	m.scrollOffset -= n
	if m.scrollOffset < 0 {
		m.scrollOffset = 0
	}
}

// reserved lines: header, next fire, blank, runs title, help
const reservedLines = 5

func (m StatusModel) visibleRuns() int {
	avail := m.height - reservedLines
	if avail < 3 {
		return 3
	}
	return avail
}

func (m StatusModel) maxScroll() int {
	total := len(m.snap.Runs)
	vis := m.visibleRuns()
	if total <= vis {
		return 0
	}
	return total - vis
}

// View implements tea.Model.
func (m StatusModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	header := fmt.Sprintf("cronforge — %s", m.snap.Job)
	if m.paused {
		header += "  " + pauseStyle.Render("⏸ PAUSED")
	}
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")
	b.WriteString(m.nextLine())
	b.WriteString("\n\n")

	if m.snap.Err != nil {
		b.WriteString(failedStyle.Render("  " + m.snap.Err.Error()))
		b.WriteString("\n")
	}

	lines := m.runLines()
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %d recent runs", len(lines))))
	b.WriteString("\n")

	vis := m.visibleRuns()
	start := min(m.scrollOffset, len(lines))
	end := min(start+vis, len(lines))
	for i := start; i < end; i++ {
		b.WriteString(lines[i])
		b.WriteString("\n")
	}

	used := reservedLines - 1 + (end - start)
	if m.snap.Err != nil {
		used++
	}
	for i := used; i < m.height-1; i++ {
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("  ↑↓/jk: scroll  r: refresh  p: pause  q: quit"))

	return b.String()
}

func (m StatusModel) nextLine() string {
	now := m.now()
	var parts []string
	if len(m.snap.Next) > 0 {
		f := m.snap.Next[0]
		parts = append(parts, runStyle.Render(fmt.Sprintf("next %s (%s)",
			f.At.Format(time.RFC3339), humanize.RelTime(f.At, now, "ago", "from now"))))
	} else {
		parts = append(parts, dimStyle.Render("no schedules"))
	}
	if m.snap.Manual {
		parts = append(parts, dimStyle.Render("manual dispatch enabled"))
	}
	return "  " + strings.Join(parts, "  ")
}

func (m StatusModel) runLines() []string {
	spinner := spinnerChars[m.frame%len(spinnerChars)]
	now := m.now()
	lines := make([]string, 0, len(m.snap.Runs))
	for _, run := range m.snap.Runs {
		id := shortRunID(run.RunID)
		trig := truncate(run.Trigger.String(), 24)
		switch run.State {
		case task.RunRunning:
			step := "starting"
			if last := run.LastAttempted(); last != nil {
				step = string(last.Kind)
			}
			elapsed := now.Sub(run.StartedAt).Truncate(time.Second)
			lines = append(lines, runStyle.Render(fmt.Sprintf("  %s %-9s %-10s %-24s %-20s %s", spinner, "running", id, trig, step, elapsed)))
		case task.RunFailed:
			errMsg := run.Error
			if len(errMsg) > 40 {
				errMsg = errMsg[:40] + "..."
			}
			lines = append(lines, failedStyle.Render(fmt.Sprintf("  ✗ %-9s %-10s %-24s %-20s %s", "failed", id, trig, humanize.RelTime(run.StartedAt, now, "ago", "from now"), errMsg)))
		case task.RunSucceeded:
			lines = append(lines, doneStyle.Render(fmt.Sprintf("  ✓ %-9s %-10s %-24s %-20s %s", "ok", id, trig, humanize.RelTime(run.StartedAt, now, "ago", "from now"), run.Duration.Truncate(time.Second))))
		default:
			lines = append(lines, dimStyle.Render(fmt.Sprintf("  ─ %-9s %-10s %-24s", "pending", id, trig)))
		}
	}
	return lines
}
