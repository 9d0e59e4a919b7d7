package tui

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/studiowebux/loadramp/internal/report"
	"github.com/studiowebux/loadramp/internal/stresstest"
)

const (
	refreshInterval = 250 * time.Millisecond
	maxWidth        = 96
	barWidth        = 40
	histWidth       = 30
	backendRows     = 5
	statusTTL       = 3 * time.Second
)

// Source is the live view of a run. *stresstest.Executor implements it.
type Source interface {
	Snapshot() *stresstest.Snapshot
	Progress() stresstest.Progress
}

// Config wires the dashboard to a run
type Config struct {
	Title     string
	TargetURL string
	Source    Source
	Stop      func()          // Called once when the user asks to stop
	Done      <-chan struct{} // Closed when the run has finished draining
	Tiers     []report.Tier
}

type tickMsg time.Time

type runFinishedMsg struct{}

// Model is the dashboard state
type Model struct {
	cfg Config

	width    int
	height   int
	snap     *stresstest.Snapshot
	progress stresstest.Progress

	stopping bool
	finished bool

	status   string
	statusAt time.Time

	backends viewport.Model
	copy     func(string) error
	now      func() time.Time
}

// New returns a dashboard model polling cfg.Source
func New(cfg Config) Model {
	m := Model{
		cfg:      cfg,
		width:    maxWidth,
		backends: viewport.New(maxWidth, backendRows),
		copy:     clipboard.WriteAll,
		now:      time.Now,
	}
	m.poll()
	return m
}

// Run shows the dashboard on the alternate screen until the run finishes or the user leaves
func Run(cfg Config) error {
	_, err := tea.NewProgram(New(cfg), tea.WithAltScreen()).Run()
	return err
}

// Init starts polling and waits for the run to finish
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), waitDone(m.cfg.Done))
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitDone(done <-chan struct{}) tea.Cmd {
	if done == nil {
		return nil
	}
	return func() tea.Msg {
		<-done
		return runFinishedMsg{}
	}
}

// Update handles ticks, key presses and the end of the run
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.backends.Width = m.contentWidth()
		return m, nil

	case tickMsg:
		m.poll()
		if m.status != "" && m.now().Sub(m.statusAt) > statusTTL {
			m.status = ""
		}
		return m, tick()

	case runFinishedMsg:
		m.poll()
		m.finished = true
		return m, tea.Quit

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Stop):
			if m.stopping || m.finished {
				return m, tea.Quit
			}
			m.stopping = true
			if m.cfg.Stop != nil {
				m.cfg.Stop()
			}
			m.setStatus("stopping: ramping down and draining in-flight requests")
			return m, nil

		case key.Matches(msg, keys.Copy):
			if err := m.copy(m.summaryText()); err != nil {
				m.setStatus("copy failed: " + err.Error())
			} else {
				m.setStatus("summary copied to clipboard")
			}
			return m, nil

		case key.Matches(msg, keys.Up):
			m.backends.LineUp(1)
			return m, nil

		case key.Matches(msg, keys.Down):
			m.backends.LineDown(1)
			return m, nil
		}
	}
	return m, nil
}

func (m *Model) poll() {
	if m.cfg.Source == nil {
		return
	}
	m.snap = m.cfg.Source.Snapshot()
	m.progress = m.cfg.Source.Progress()
	m.backends.SetContent(m.renderBackends())
}

func (m *Model) setStatus(s string) {
	m.status = s
	m.statusAt = m.now()
}

func (m Model) contentWidth() int {
	w := m.width - 8
	if w > maxWidth {
		w = maxWidth
	}
	if w < 20 {
		w = 20
	}
	return w
}

// summaryText renders the current snapshot as the plain text report
func (m Model) summaryText() string {
	if m.snap == nil {
		return ""
	}
	r, err := report.Summarize(m.snap, report.Options{
		Name:      m.cfg.Title,
		TargetURL: m.cfg.TargetURL,
		Status:    stresstest.StatusRunning,
		Tiers:     m.cfg.Tiers,
	})
	if err != nil {
		return err.Error()
	}
	var buf bytes.Buffer
	if err := report.WriteText(&buf, r, false); err != nil {
		return err.Error()
	}
	return buf.String()
}

// View renders the dashboard
func (m Model) View() string {
	var b strings.Builder

	title := "loadramp - running"
	switch {
	case m.finished:
		title = "loadramp - finished"
	case m.stopping:
		title = "loadramp - stopping"
	}
	b.WriteString(styleTitle.Render(title))
	if m.cfg.Title != "" {
		b.WriteString("  " + m.cfg.Title)
	}
	b.WriteString("\n")
	if m.cfg.TargetURL != "" {
		b.WriteString(styleSubtle.Render(m.cfg.TargetURL) + "\n")
	}
	b.WriteString("\n")

	b.WriteString(m.renderRamp())
	b.WriteString("\n")
	b.WriteString(m.renderStats())
	b.WriteString("\n")
	b.WriteString(m.renderHistogram())

	if len(backendNames(m.snap)) > 0 {
		b.WriteString("\n" + styleSection.Render("Backends") + "\n")
		b.WriteString(m.backends.View() + "\n")
	}

	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(styleWarning.Render(m.status) + "\n")
	}
	footer := "q: stop  c: copy summary  ↑/↓: scroll backends"
	if m.stopping {
		footer = "q: leave dashboard (run keeps draining)  c: copy summary"
	}
	b.WriteString(styleSubtle.Render(footer))

	frame := styleFrame.Width(m.contentWidth() + 4).Render(b.String())
	if m.height == 0 {
		return frame
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, frame)
}

func (m Model) renderRamp() string {
	p := m.progress
	var b strings.Builder
	b.WriteString(styleSection.Render("Ramp") + "\n")

	stage := "warming up"
	if p.Stage >= 0 && p.Stages > 0 {
		stage = fmt.Sprintf("stage %d/%d", p.Stage+1, p.Stages)
	}
	if p.Finished {
		stage = "ramp complete"
	}
	fmt.Fprintf(&b, "%s  target %d  active %d  spawned %d\n", stage, p.Target, p.Active, p.Spawned)

	ratio := 0.0
	if p.Duration > 0 {
		ratio = float64(p.Elapsed) / float64(p.Duration)
	}
	b.WriteString(bar(ratio, barWidth) + "\n")
	fmt.Fprintf(&b, "Elapsed: %s / %s\n", formatDuration(p.Elapsed), formatDuration(p.Duration))
	return b.String()
}

func (m Model) renderStats() string {
	var b strings.Builder
	b.WriteString(styleSection.Render("Requests") + "\n")

	s := m.snap
	if s == nil || s.TotalRequests == 0 {
		b.WriteString(styleSubtle.Render("no completed requests yet") + "\n")
		return b.String()
	}

	rate := float64(s.SuccessCount) / float64(s.TotalRequests)
	rps := 0.0
	if m.progress.Elapsed > 0 {
		rps = float64(s.TotalRequests) / m.progress.Elapsed.Seconds()
	}

	left := []string{
		fmt.Sprintf("Total:    %d", s.TotalRequests),
		fmt.Sprintf("Success:  %d", s.SuccessCount),
		fmt.Sprintf("Failures: %d", s.FailureCount),
		fmt.Sprintf("Retries:  %d", s.TotalRetries),
		fmt.Sprintf("RPS:      %.1f", rps),
	}
	right := []string{
		fmt.Sprintf("P50: %s", formatLatency(s.Latency.P50)),
		fmt.Sprintf("P95: %s", formatLatency(s.Latency.P95)),
		fmt.Sprintf("P99: %s", formatLatency(s.Latency.P99)),
		fmt.Sprintf("Max: %s", formatLatency(s.Latency.Max)),
		fmt.Sprintf("Peak workers: %d", s.PeakWorkers),
	}
	for i := range left {
		fmt.Fprintf(&b, "%-24s%s\n", left[i], right[i])
	}
	b.WriteString("Success rate: " + rateStyle(rate).Render(fmt.Sprintf("%.2f%%", rate*100)) + "\n")
	return b.String()
}

func (m Model) renderHistogram() string {
	var b strings.Builder
	b.WriteString(styleSection.Render("Latency") + "\n")
	if m.snap == nil || m.snap.TotalRequests == 0 {
		b.WriteString(styleSubtle.Render("-") + "\n")
		return b.String()
	}

	var peak int64
	labelWidth := 0
	for _, bc := range m.snap.Buckets {
		if bc.Count > peak {
			peak = bc.Count
		}
		if len(bc.Label) > labelWidth {
			labelWidth = len(bc.Label)
		}
	}
	for _, bc := range m.snap.Buckets {
		ratio := 0.0
		if peak > 0 {
			ratio = float64(bc.Count) / float64(peak)
		}
		pct := float64(bc.Count) / float64(m.snap.TotalRequests) * 100
		fmt.Fprintf(&b, "%-*s %s %d (%.1f%%)\n", labelWidth, bc.Label, bar(ratio, histWidth), bc.Count, pct)
	}
	return b.String()
}

func (m Model) renderBackends() string {
	names := backendNames(m.snap)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		count := m.snap.Backends[name]
		pct := float64(count) / float64(m.snap.TotalRequests) * 100
		lines = append(lines, fmt.Sprintf("%-32s %8d  %5.1f%%", name, count, pct))
	}
	return strings.Join(lines, "\n")
}

func backendNames(s *stresstest.Snapshot) []string {
	if s == nil || s.TotalRequests == 0 {
		return nil
	}
	return s.SortedBackends()
}

func bar(ratio float64, width int) string {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(ratio * float64(width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

func formatLatency(d time.Duration) string {
	if d >= time.Second {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%dms", d.Milliseconds())
}
