package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type Result struct {
	Index    int
	JobType  string
	Duration time.Duration
	Err      error
}

type tickMsg time.Time
type resultMsg Result
type completeMsg struct{}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")).Background(lipgloss.Color("235")).Padding(0, 1).MarginBottom(1)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("111"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(1, 2).MarginBottom(1)
)

var sparkBars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

type model struct {
	cfg      Config
	spinner  spinner.Model
	progress progress.Model

	sent, ok, failed int
	byType           map[string]int
	latencies        []time.Duration
	total            time.Duration
	errors           []string

	start time.Time
	now   time.Time
	done  bool
	width int
}

func newModel(cfg Config) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		cfg:      cfg,
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient()),
		byType:   make(map[string]int),
		start:    time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = msg.Width - 4
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		m.now = time.Time(msg)
		if !m.done {
			return m, tick()
		}
	case resultMsg:
		m = m.record(Result(msg))
	case completeMsg:
		m.done = true
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) record(r Result) model {
	m.sent++
	m.latencies = append(m.latencies, r.Duration)
	m.total += r.Duration

	if r.Err != nil {
		m.failed++
		m.errors = append([]string{fmt.Sprintf("[%s #%d] %v", r.JobType, r.Index, r.Err)}, m.errors...)
		if len(m.errors) > 5 {
			m.errors = m.errors[:5]
		}
		return m
	}
	m.ok++
	m.byType[r.JobType]++
	return m
}

func (m model) fraction() float64 {
	if m.cfg.Messages == 0 {
		return 0
	}
	return float64(m.sent) / float64(m.cfg.Messages)
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Queue Load Generator") + "\n")

	status := m.spinner.View()
	if m.done {
		status = "✓"
	}
	fmt.Fprintf(&b, "%s Progress: %d/%d messages (%.1f%%)\n", status, m.sent, m.cfg.Messages, m.fraction()*100)
	b.WriteString(m.progress.ViewAs(m.fraction()) + "\n\n")

	elapsed := m.now.Sub(m.start)
	if elapsed <= 0 {
		elapsed = time.Since(m.start)
	}
	var throughput float64
	if s := elapsed.Seconds(); s > 0 {
		throughput = float64(m.ok) / s
	}
	var avg time.Duration
	if len(m.latencies) > 0 {
		avg = m.total / time.Duration(len(m.latencies))
	}

	stats := fmt.Sprintf("%s %s\n%s %s\n%s %s\n%s %s\n%s %s\n%s %s msg/s\n%s %s\n%s %s",
		labelStyle.Render("Queue:"), valueStyle.Render(m.cfg.QueueURL),
		labelStyle.Render("Pattern:"), valueStyle.Render(fmt.Sprintf("%s (%s)", m.cfg.Pattern, m.cfg.Pattern.Phase(m.fraction()))),
		labelStyle.Render("Successful:"), successStyle.Render(fmt.Sprint(m.ok)),
		labelStyle.Render("Failed:"), errorStyle.Render(fmt.Sprint(m.failed)),
		labelStyle.Render("Emails / notifications:"), valueStyle.Render(fmt.Sprintf("%d / %d", m.byType["email"], m.byType["notification"])),
		labelStyle.Render("Throughput:"), valueStyle.Render(fmt.Sprintf("%.2f", throughput)),
		labelStyle.Render("Avg latency:"), valueStyle.Render(avg.Round(time.Millisecond).String()),
		labelStyle.Render("Recent latency:"), valueStyle.Render(sparkline(m.latencies, 30)),
	)
	b.WriteString(boxStyle.Width(84).Render(stats) + "\n")

	if len(m.errors) > 0 {
		b.WriteString(boxStyle.Width(84).Render(errorStyle.Render("Recent errors:")+"\n"+strings.Join(m.errors, "\n")) + "\n")
	}

	if m.done {
		b.WriteString(successStyle.Render("Test complete! Press 'q' to quit"))
	} else {
		b.WriteString(labelStyle.Render("Press 'q' to quit"))
	}
	return b.String()
}

// sparkline renders the last n latencies scaled between their min and max.
func sparkline(latencies []time.Duration, n int) string {
	if len(latencies) == 0 {
		return "no data yet"
	}
	if len(latencies) > n {
		latencies = latencies[len(latencies)-n:]
	}

	lo, hi := latencies[0], latencies[0]
	for _, l := range latencies {
		lo = min(lo, l)
		hi = max(hi, l)
	}

	var sb strings.Builder
	for _, l := range latencies {
		idx := len(sparkBars) / 2
		if hi > lo {
			idx = int(float64(l-lo) / float64(hi-lo) * float64(len(sparkBars)-1))
		}
		sb.WriteRune(sparkBars[idx])
	}
	return sb.String()
}
