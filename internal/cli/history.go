package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/sahilm/fuzzy"

	"github.com/studiowebux/loadramp/internal/filter"
	"github.com/studiowebux/loadramp/internal/report"
	"github.com/studiowebux/loadramp/internal/stresstest"
)

// RunDump is the JSON document printed by "runs show" and fed to --filter/--query
type RunDump struct {
	Run      *stresstest.Run            `json:"run"`
	Report   json.RawMessage            `json:"report,omitempty"`
	Backends []stresstest.BackendCount  `json:"backends"`
	Timeline []stresstest.TimelinePoint `json:"timeline"`
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

// ListOptions narrows "runs list"
type ListOptions struct {
	Name  string // Exact run name
	Match string // Fuzzy pattern over run names, best match first
	Limit int
}

// ListRuns prints the most recent runs as a table
func ListRuns(w io.Writer, manager *stresstest.Manager, opts ListOptions) error {
	limit := opts.Limit
	if opts.Match != "" {
		// Fuzzy matching needs every candidate; the limit applies afterwards
		limit = 0
	}
	runs, err := manager.ListRuns(opts.Name, limit)
	if err != nil {
		return err
	}
	if opts.Match != "" {
		runs = matchRuns(runs, opts.Match)
		if opts.Limit > 0 && len(runs) > opts.Limit {
			runs = runs[:opts.Limit]
		}
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "STATUS", "STARTED", "REQUESTS", "FAILURES", "P95").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, r := range runs {
		t.Row(
			strconv.FormatInt(r.ID, 10),
			r.Name,
			r.Status,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			strconv.FormatInt(r.TotalRequests, 10),
			strconv.FormatInt(r.FailureCount, 10),
			fmt.Sprintf("%dms", r.P95DurationMs),
		)
	}

	_, err = fmt.Fprintln(w, t.Render())
	return err
}

type runNames []*stresstest.Run

func (r runNames) String(i int) string { return r[i].Name }
func (r runNames) Len() int            { return len(r) }

// matchRuns keeps the runs whose name fuzzy-matches pattern, best score first
func matchRuns(runs []*stresstest.Run, pattern string) []*stresstest.Run {
	matches := fuzzy.FindFrom(pattern, runNames(runs))
	out := make([]*stresstest.Run, 0, len(matches))
	for _, m := range matches {
		out = append(out, runs[m.Index])
	}
	return out
}

// LoadRunDump gathers everything stored for a run
func LoadRunDump(manager *stresstest.Manager, id int64) (*RunDump, error) {
	run, err := getRun(manager, id)
	if err != nil {
		return nil, err
	}
	dump := &RunDump{Run: run}

	if stored, err := manager.GetReport(id); err == nil {
		dump.Report = stored.JSON
	}
	if dump.Backends, err = manager.GetBackends(id); err != nil {
		return nil, err
	}
	if dump.Timeline, err = manager.GetSamples(id); err != nil {
		return nil, err
	}
	if dump.Timeline == nil {
		dump.Timeline = []stresstest.TimelinePoint{}
	}
	if dump.Backends == nil {
		dump.Backends = []stresstest.BackendCount{}
	}
	return dump, nil
}

// ShowRun prints a run as JSON, optionally narrowed by a JMESPath filter and query.
// Both expressions are validated before the run is loaded. Without them the output is
// highlighted on a terminal.
func ShowRun(ctx context.Context, w io.Writer, manager *stresstest.Manager, id int64, filterExpr, query string) error {
	sel, err := filter.Compile(filterExpr, query)
	if err != nil {
		return err
	}

	dump, err := LoadRunDump(manager, id)
	if err != nil {
		return err
	}

	if sel.Empty() {
		return report.WriteJSON(w, dump)
	}

	out, err := sel.Apply(ctx, dump)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", out)
	return err
}

// DeleteRun removes a run and everything recorded for it
func DeleteRun(w io.Writer, manager *stresstest.Manager, id int64) error {
	if _, err := getRun(manager, id); err != nil {
		return err
	}
	if err := manager.DeleteRun(id); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "deleted run %d\n", id)
	return err
}

func getRun(manager *stresstest.Manager, id int64) (*stresstest.Run, error) {
	run, err := manager.GetRun(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d not found", id)
	}
	return run, err
}
