package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/studiowebux/loadramp/internal/stresstest"
)

type staticSource struct {
	agg      *stresstest.Aggregator
	progress stresstest.Progress
	polls    int
}

func (s *staticSource) Snapshot() *stresstest.Snapshot {
	s.polls++
	return s.agg.Snapshot()
}

func (s *staticSource) Progress() stresstest.Progress { return s.progress }

func newStaticSource(success, failure int) *staticSource {
	agg := stresstest.NewAggregator(stresstest.DefaultBuckets(), 3, 0)
	for i := 0; i < success; i++ {
		agg.Record(stresstest.Outcome{Success: true, Backend: "node-1", Attempts: 1, Latency: 80 * time.Millisecond, WorkerID: int64(i)})
	}
	for i := 0; i < failure; i++ {
		agg.Record(stresstest.Outcome{Backend: "node-2", Retries: 1, Attempts: 2, Latency: 1500 * time.Millisecond, WorkerID: int64(i)})
	}
	return &staticSource{
		agg: agg,
		progress: stresstest.Progress{
			Elapsed:  10 * time.Second,
			Duration: 40 * time.Second,
			Stage:    0,
			Stages:   2,
			Target:   12,
			Active:   11,
			Spawned:  12,
		},
	}
}

func keyPress(s string) tea.KeyMsg {
	switch s {
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return model, cmd
}

func TestDashboard_PollsOnTick(t *testing.T) {
	src := newStaticSource(3, 1)
	m := New(Config{Title: "smoke", Source: src})

	if src.polls != 1 {
		t.Errorf("New should poll once, got %d", src.polls)
	}

	m, cmd := update(t, m, tickMsg(time.Now()))
	if src.polls != 2 {
		t.Errorf("tick should poll, got %d polls", src.polls)
	}
	if cmd == nil {
		t.Error("tick should schedule the next tick")
	}
	if m.snap.TotalRequests != 4 {
		t.Errorf("TotalRequests = %d, want 4", m.snap.TotalRequests)
	}
}

func TestDashboard_ViewShowsRunState(t *testing.T) {
	src := newStaticSource(9, 1)
	m := New(Config{Title: "checkout", TargetURL: "http://localhost:8080/", Source: src})

	view := m.View()
	for _, want := range []string{
		"loadramp - running",
		"checkout",
		"stage 1/2",
		"target 12",
		"active 11",
		"Total:    10",
		"Failures: 1",
		"90.00%",
		"node-1",
		"Elapsed: 10.0s / 40.0s",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q\n%s", want, view)
		}
	}
}

func TestDashboard_ViewWithoutRequests(t *testing.T) {
	src := newStaticSource(0, 0)
	src.progress.Stage = -1
	m := New(Config{Source: src})

	view := m.View()
	if !strings.Contains(view, "no completed requests yet") {
		t.Errorf("expected empty state, got\n%s", view)
	}
	if !strings.Contains(view, "warming up") {
		t.Errorf("expected warming up before the first stage, got\n%s", view)
	}
	if strings.Contains(view, "Backends") {
		t.Error("backend section should be hidden without requests")
	}
}

func TestDashboard_StopThenQuit(t *testing.T) {
	stops := 0
	m := New(Config{Source: newStaticSource(1, 0), Stop: func() { stops++ }})

	m, cmd := update(t, m, keyPress("q"))
	if stops != 1 {
		t.Errorf("first q should stop the run once, got %d", stops)
	}
	if !m.stopping {
		t.Error("model should be stopping")
	}
	if cmd != nil {
		t.Error("first q should not quit")
	}
	if !strings.Contains(m.View(), "loadramp - stopping") {
		t.Error("title should show stopping")
	}

	m, cmd = update(t, m, keyPress("esc"))
	if stops != 1 {
		t.Errorf("Stop should be called once, got %d", stops)
	}
	if cmd == nil {
		t.Fatal("second stop key should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestDashboard_RunFinishedQuits(t *testing.T) {
	done := make(chan struct{})
	m := New(Config{Source: newStaticSource(1, 0), Done: done})

	close(done)
	msg := waitDone(done)()
	if _, ok := msg.(runFinishedMsg); !ok {
		t.Fatalf("waitDone returned %T", msg)
	}

	m, cmd := update(t, m, msg)
	if !m.finished {
		t.Error("model should be finished")
	}
	if cmd == nil {
		t.Fatal("expected quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}

	if waitDone(nil) != nil {
		t.Error("nil done channel should not produce a command")
	}
}

func TestDashboard_CopySummary(t *testing.T) {
	var copied string
	m := New(Config{Title: "copy-test", Source: newStaticSource(5, 0)})
	m.copy = func(s string) error {
		copied = s
		return nil
	}

	m, _ = update(t, m, keyPress("c"))
	if !strings.Contains(copied, "copy-test") {
		t.Errorf("copied summary should name the run, got %q", copied)
	}
	if m.status != "summary copied to clipboard" {
		t.Errorf("status = %q", m.status)
	}

	m.copy = func(string) error { return errors.New("no clipboard") }
	m, _ = update(t, m, keyPress("c"))
	if !strings.Contains(m.status, "no clipboard") {
		t.Errorf("status = %q", m.status)
	}
}

func TestDashboard_StatusExpires(t *testing.T) {
	now := time.Now()
	m := New(Config{Source: newStaticSource(1, 0)})
	m.now = func() time.Time { return now }
	m.setStatus("hello")

	m, _ = update(t, m, tickMsg(now))
	if m.status != "hello" {
		t.Error("status should survive a tick within its TTL")
	}

	m.now = func() time.Time { return now.Add(statusTTL + time.Second) }
	m, _ = update(t, m, tickMsg(now))
	if m.status != "" {
		t.Errorf("status should expire, got %q", m.status)
	}
}

func TestDashboard_WindowResize(t *testing.T) {
	m := New(Config{Source: newStaticSource(1, 0)})
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 60, Height: 30})

	if m.contentWidth() != 52 {
		t.Errorf("contentWidth = %d, want 52", m.contentWidth())
	}
	if m.backends.Width != 52 {
		t.Errorf("backend viewport width = %d, want 52", m.backends.Width)
	}

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 10, Height: 5})
	if m.contentWidth() != 20 {
		t.Errorf("contentWidth should clamp to 20, got %d", m.contentWidth())
	}
}

func TestBar(t *testing.T) {
	tests := []struct {
		ratio  float64
		filled int
	}{
		{-1, 0},
		{0, 0},
		{0.5, 5},
		{1, 10},
		{3, 10},
	}
	for _, tt := range tests {
		got := bar(tt.ratio, 10)
		if n := strings.Count(got, "█"); n != tt.filled {
			t.Errorf("bar(%v) filled %d, want %d", tt.ratio, n, tt.filled)
		}
		if n := strings.Count(got, "░"); n != 10-tt.filled {
			t.Errorf("bar(%v) empty %d, want %d", tt.ratio, n, 10-tt.filled)
		}
	}
}

func TestFormatLatency(t *testing.T) {
	if got := formatLatency(250 * time.Millisecond); got != "250ms" {
		t.Errorf("got %q", got)
	}
	if got := formatLatency(1500 * time.Millisecond); got != "1.50s" {
		t.Errorf("got %q", got)
	}
	if got := formatDuration(90 * time.Second); got != "1m 30s" {
		t.Errorf("got %q", got)
	}
}
