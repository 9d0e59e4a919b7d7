package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

const (
	// FilePermissions for written artifacts
	FilePermissions = 0644
	// DirPermissions for the artifact directory
	DirPermissions = 0755

	insufficientText = "insufficient data"
	barWidth         = 30
)

var (
	colorGreen  = lipgloss.AdaptiveColor{Light: "#006400", Dark: "#00ff00"}
	colorRed    = lipgloss.AdaptiveColor{Light: "#8b0000", Dark: "#ff0000"}
	colorYellow = lipgloss.AdaptiveColor{Light: "#b8860b", Dark: "#ffff00"}
	colorGray   = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#888888"}
	colorCyan   = lipgloss.AdaptiveColor{Light: "#008b8b", Dark: "#00ffff"}
)

// textStyles renders plain text unless styled output was asked for
type textStyles struct {
	title, subtle, good, warn, bad lipgloss.Style
}

func newTextStyles(styled bool) textStyles {
	if !styled {
		plain := lipgloss.NewStyle()
		return textStyles{plain, plain, plain, plain, plain}
	}
	return textStyles{
		title:  lipgloss.NewStyle().Bold(true).Foreground(colorCyan),
		subtle: lipgloss.NewStyle().Foreground(colorGray),
		good:   lipgloss.NewStyle().Foreground(colorGreen),
		warn:   lipgloss.NewStyle().Foreground(colorYellow),
		bad:    lipgloss.NewStyle().Foreground(colorRed),
	}
}

func (s textStyles) verdict(v string) lipgloss.Style {
	switch v {
	case "excellent", "good":
		return s.good
	case "acceptable":
		return s.warn
	default:
		return s.bad
	}
}

// IsTerminal reports whether w is a terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// WriteText writes the human-readable summary
func WriteText(w io.Writer, r *Report, styled bool) error {
	st := newTextStyles(styled)
	var b strings.Builder

	title := "Load Test Summary"
	if r.Name != "" {
		title += ": " + r.Name
	}
	b.WriteString(st.title.Render(title) + "\n")
	if r.TargetURL != "" {
		b.WriteString(st.subtle.Render("Target:   ") + r.TargetURL + "\n")
	}
	if r.Status != "" {
		b.WriteString(st.subtle.Render("Status:   ") + r.Status + "\n")
	}
	b.WriteString(st.subtle.Render("Duration: ") + formatMs(float64(r.ElapsedMs)) + "\n\n")

	b.WriteString(st.title.Render("Requests") + "\n")
	fmt.Fprintf(&b, "Total:        %d\n", r.TotalRequests)
	fmt.Fprintf(&b, "Success:      %d\n", r.SuccessCount)
	fmt.Fprintf(&b, "Failure:      %d\n", r.FailureCount)
	fmt.Fprintf(&b, "Retries:      %d (%d attempts)\n", r.TotalRetries, r.TotalAttempts)
	fmt.Fprintf(&b, "Peak Workers: %d\n", r.PeakWorkers)
	if r.SuccessRate != nil {
		fmt.Fprintf(&b, "Success Rate: %.2f%%\n", *r.SuccessRate*100)
	} else {
		fmt.Fprintf(&b, "Success Rate: %s\n", insufficientText)
	}
	if r.Throughput != nil {
		fmt.Fprintf(&b, "Throughput:   %.2f req/s\n", *r.Throughput)
	}
	b.WriteString("\n")

	b.WriteString(st.title.Render("Latency") + "\n")
	if l := r.Latency; l != nil {
		fmt.Fprintf(&b, "Min:  %s\n", formatMs(l.MinMs))
		fmt.Fprintf(&b, "Avg:  %s\n", formatMs(l.MeanMs))
		fmt.Fprintf(&b, "P50:  %s\n", formatMs(l.P50Ms))
		fmt.Fprintf(&b, "P90:  %s\n", formatMs(l.P90Ms))
		fmt.Fprintf(&b, "P95:  %s\n", formatMs(l.P95Ms))
		fmt.Fprintf(&b, "P99:  %s\n", formatMs(l.P99Ms))
		fmt.Fprintf(&b, "Max:  %s\n", formatMs(l.MaxMs))
	} else {
		b.WriteString(insufficientText + "\n")
	}
	b.WriteString("\n")

	writeShares(&b, st, "Latency Distribution", r.Buckets)
	writeShares(&b, st, "Backends", r.Backends)
	writeShares(&b, st, "Retry Distribution", r.Retries)

	b.WriteString(st.title.Render("Verdict") + "\n")
	b.WriteString(st.verdict(r.Verdict).Render(strings.ToUpper(r.Verdict)) + "\n")
	if r.Thresholds.Configured {
		if r.Thresholds.Passed {
			b.WriteString(st.good.Render("Thresholds passed") + "\n")
		} else {
			b.WriteString(st.bad.Render("Thresholds failed") + "\n")
			for _, v := range r.Thresholds.Violations {
				b.WriteString("  - " + v + "\n")
			}
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeShares(b *strings.Builder, st textStyles, title string, shares []Share) {
	b.WriteString(st.title.Render(title) + "\n")
	if len(shares) == 0 {
		b.WriteString(st.subtle.Render("none") + "\n\n")
		return
	}
	width := 0
	for _, s := range shares {
		if len(s.Label) > width {
			width = len(s.Label)
		}
	}
	for _, s := range shares {
		if s.Percent == nil {
			fmt.Fprintf(b, "%-*s %8d  %s\n", width, s.Label, s.Count, insufficientText)
			continue
		}
		filled := int(*s.Percent / 100 * barWidth)
		bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
		fmt.Fprintf(b, "%-*s %8d %6.2f%% %s\n", width, s.Label, s.Count, *s.Percent, st.subtle.Render(bar))
	}
	b.WriteString("\n")
}

// formatMs formats a millisecond figure for display
func formatMs(v float64) string {
	switch {
	case v >= 60000:
		return fmt.Sprintf("%dm %ds", int(v/60000), int(v/1000)%60)
	case v >= 1000:
		return fmt.Sprintf("%.2fs", v/1000)
	default:
		return fmt.Sprintf("%.0fms", v)
	}
}

// MarshalJSON renders v as indented JSON
func MarshalJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return append(data, '\n'), nil
}

// MarshalYAML renders v as YAML
func MarshalYAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteJSON writes v as JSON, syntax-highlighted when w is a terminal
func WriteJSON(w io.Writer, v any) error {
	data, err := MarshalJSON(v)
	if err != nil {
		return err
	}
	return writeHighlighted(w, data, "json")
}

// WriteYAML writes v as YAML, syntax-highlighted when w is a terminal
func WriteYAML(w io.Writer, v any) error {
	data, err := MarshalYAML(v)
	if err != nil {
		return err
	}
	return writeHighlighted(w, data, "yaml")
}

func writeHighlighted(w io.Writer, data []byte, lexer string) error {
	if IsTerminal(w) {
		if err := quick.Highlight(w, string(data), lexer, "terminal256", "monokai"); err == nil {
			return nil
		}
	}
	_, err := w.Write(data)
	return err
}

// Artifact file names written by WriteArtifacts
const (
	SummaryJSONFile = "summary.json"
	SummaryYAMLFile = "summary.yaml"
	SummaryTextFile = "summary.txt"
	SeriesJSONFile  = "series.json"
)

// WriteArtifacts writes the report and chart series into dir
func WriteArtifacts(dir string, r *Report, series *Series) error {
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	jsonData, err := MarshalJSON(r)
	if err != nil {
		return err
	}
	yamlData, err := MarshalYAML(r)
	if err != nil {
		return err
	}
	var text bytes.Buffer
	if err := WriteText(&text, r, false); err != nil {
		return err
	}

	files := map[string][]byte{
		SummaryJSONFile: jsonData,
		SummaryYAMLFile: yamlData,
		SummaryTextFile: text.Bytes(),
	}
	if series != nil {
		seriesData, err := MarshalJSON(series)
		if err != nil {
			return err
		}
		files[SeriesJSONFile] = seriesData
	}

	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, FilePermissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}
