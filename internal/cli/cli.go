// Package cli wires plans, the executor, telemetry, the dashboard and run history
// together for the loadramp command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/studiowebux/loadramp/internal/config"
	"github.com/studiowebux/loadramp/internal/report"
	"github.com/studiowebux/loadramp/internal/stresstest"
	"github.com/studiowebux/loadramp/internal/telemetry"
	"github.com/studiowebux/loadramp/internal/tui"
)

// Exit codes returned through ExitError
const (
	ExitThresholdsFailed = 1
	ExitInsufficientData = 2
	ExitInterrupted      = 130
)

// ExitError carries a non-zero process exit code that is not a usage error
type ExitError struct {
	Code   int
	Reason string
	Err    error // Optional cause
}

func (e *ExitError) Error() string {
	return e.Reason
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// RunOptions contains options for running a load test
type RunOptions struct {
	PlanPath    string   // Plan file; optional when URL is set
	URL         string   // Overrides the plan endpoint, or builds a default plan
	Name        string   // Overrides the plan name
	Stages      []string // "30s:100" overrides for the plan stages
	Format      string   // text, json or yaml
	OutDir      string   // Artifact directory; empty disables artifacts
	MetricsAddr string   // Telemetry listen address; empty disables the server
	DBPath      string   // Run history database; empty disables persistence
	TUI         bool

	Logger *zap.Logger
	Stdout io.Writer

	// Client replaces the pooled HTTP client, for tests
	Client stresstest.Doer
	// OnMetricsListen receives the bound telemetry address
	OnMetricsListen func(net.Addr)
}

// Result is what a finished run produced
type Result struct {
	Run    *stresstest.Run
	Report *report.Report
	Series *report.Series
}

// BuildPlan resolves the plan from the options: the plan file if any, otherwise a
// default plan for URL, with flag overrides applied on top
func BuildPlan(opts RunOptions) (*config.Plan, error) {
	var plan *config.Plan
	if opts.PlanPath != "" {
		path, err := resolvePlanPath(opts.PlanPath)
		if err != nil {
			return nil, err
		}
		plan, err = config.LoadPlan(path)
		if err != nil {
			return nil, err
		}
	} else {
		if opts.URL == "" {
			return nil, fmt.Errorf("a plan file or --url is required")
		}
		plan = config.DefaultPlan(opts.URL)
	}

	if opts.URL != "" {
		plan.Endpoint.URL = opts.URL
	}
	if opts.Name != "" {
		plan.Name = opts.Name
	}
	if len(opts.Stages) > 0 {
		stages, err := config.ParseStages(opts.Stages)
		if err != nil {
			return nil, err
		}
		plan.Load.Stages = stages
	}
	if opts.Format != "" {
		plan.Output.Format = opts.Format
	}
	if opts.OutDir != "" {
		plan.Output.Dir = opts.OutDir
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Run executes the plan and writes the report. A run whose thresholds fail returns
// the Result together with an *ExitError.
func Run(ctx context.Context, opts RunOptions) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	plan, err := BuildPlan(opts)
	if err != nil {
		return nil, err
	}

	var manager *stresstest.Manager
	if opts.DBPath != "" {
		manager, err = stresstest.NewManager(opts.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open run history: %w", err)
		}
		defer manager.Close()
	}

	exec, err := stresstest.NewExecutor(&stresstest.ExecutionConfig{
		Config: &plan.Config,
		Client: opts.Client,
		Logger: logger,
	}, manager)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metricsDone := make(chan error, 1)
	if opts.MetricsAddr != "" {
		srv, err := telemetry.NewServer(exec, logger)
		if err != nil {
			return nil, err
		}
		go func() {
			metricsDone <- srv.ListenAndServe(ctx, opts.MetricsAddr, opts.OnMetricsListen)
		}()
	} else {
		metricsDone <- nil
	}

	// First interrupt ramps down gracefully, the second one aborts
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		logger.Warn("interrupt received, ramping down (interrupt again to abort)")
		exec.Stop()
		select {
		case <-sigChan:
			logger.Error("aborted")
			os.Exit(ExitInterrupted)
		case <-ctx.Done():
		}
	}()

	exec.Start(ctx)

	done := make(chan struct{})
	var run *stresstest.Run
	var waitErr error
	go func() {
		defer close(done)
		run, waitErr = exec.Wait()
	}()

	if opts.TUI {
		if err := tui.Run(tui.Config{
			Title:     plan.Name,
			TargetURL: plan.Endpoint.URL,
			Source:    exec,
			Stop:      exec.Stop,
			Done:      done,
			Tiers:     plan.GetTiers(),
		}); err != nil {
			logger.Warn("dashboard exited", zap.Error(err))
		}
	}
	<-done
	cancel()
	if err := <-metricsDone; err != nil {
		logger.Warn("telemetry server", zap.Error(err))
	}
	if waitErr != nil {
		return nil, waitErr
	}

	result, err := buildResult(exec, plan, run)
	if err != nil {
		return nil, summaryError(err)
	}

	if manager != nil {
		if err := saveReport(manager, result.Report); err != nil {
			logger.Warn("failed to save report", zap.Error(err))
		}
	}

	if plan.Output.Dir != "" {
		dir := filepath.Join(plan.Output.Dir, run.UUID)
		if err := report.WriteArtifacts(dir, result.Report, result.Series); err != nil {
			return result, err
		}
		logger.Info("artifacts written", zap.String("dir", dir))
	}

	if err := writeReport(stdout, result.Report, plan.Output.Format); err != nil {
		return result, err
	}

	return result, exitFor(result)
}

func buildResult(exec *stresstest.Executor, plan *config.Plan, run *stresstest.Run) (*Result, error) {
	snap := exec.FinalSnapshot()
	rep, err := report.Summarize(snap, report.Options{
		RunID:      run.ID,
		RunUUID:    run.UUID,
		Name:       run.Name,
		TargetURL:  run.TargetURL,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		Tiers:      plan.GetTiers(),
		Thresholds: plan.Thresholds,
	})
	if err != nil {
		return nil, err
	}
	series, err := report.BuildSeries(snap, exec.Timeline())
	if err != nil {
		return nil, err
	}
	return &Result{Run: run, Report: rep, Series: series}, nil
}

func saveReport(manager *stresstest.Manager, r *report.Report) error {
	data, err := report.MarshalJSON(r)
	if err != nil {
		return err
	}
	return manager.SaveReport(&stresstest.StoredReport{
		RunID:     r.RunID,
		Verdict:   r.Verdict,
		DataState: string(r.DataState),
		JSON:      data,
		CreatedAt: time.Now(),
	})
}

func writeReport(w io.Writer, r *report.Report, format string) error {
	switch format {
	case config.FormatJSON:
		return report.WriteJSON(w, r)
	case config.FormatYAML:
		return report.WriteYAML(w, r)
	default:
		return report.WriteText(w, r, report.IsTerminal(w))
	}
}

// summaryError turns a report that could not be built from inconsistent counters into
// a failed exit. Other errors pass through.
func summaryError(err error) error {
	if errors.Is(err, report.ErrInconsistent) {
		return &ExitError{Code: ExitThresholdsFailed, Reason: fmt.Sprintf("run failed: %v", err), Err: err}
	}
	return err
}

// exitFor maps threshold results to the process exit code
func exitFor(result *Result) error {
	th := result.Report.Thresholds
	switch {
	case th.Configured && th.Insufficient:
		return &ExitError{Code: ExitInsufficientData, Reason: "no requests completed, thresholds cannot be evaluated"}
	case th.Configured && !th.Passed:
		return &ExitError{Code: ExitThresholdsFailed, Reason: "thresholds failed"}
	}
	return nil
}

// IsExitError reports whether err carries an exit code and returns it
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}

// resolvePlanPath finds the plan file, trying common extensions and the plans
// directory when the exact path doesn't exist
func resolvePlanPath(basePath string) (string, error) {
	extensions := []string{"", ".yaml", ".yml", ".json", ".jsonc"}

	candidates := []string{basePath}
	if !filepath.IsAbs(basePath) && config.PlansDir != "" {
		candidates = append(candidates, filepath.Join(config.PlansDir, basePath))
	}

	for _, base := range candidates {
		for _, ext := range extensions {
			candidate := base + ext
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("plan not found: %s (tried .yaml, .yml, .json, .jsonc extensions)", basePath)
}
