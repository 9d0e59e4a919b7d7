package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/studiowebux/loadramp/internal/cli"
	"github.com/studiowebux/loadramp/internal/config"
	"github.com/studiowebux/loadramp/internal/logging"
	"github.com/studiowebux/loadramp/internal/stresstest"
)

var (
	version = "0.1.0"
)

var (
	flagLogLevel  string
	flagLogFormat string
	flagDB        string
	flagNoHistory bool

	flagURL         string
	flagName        string
	flagStages      []string
	flagFormat      string
	flagOut         string
	flagMetricsAddr string
	flagTUI         bool

	flagForce bool

	flagRunsName  string
	flagRunsMatch string
	flagRunsLimit int
	flagFilter    string
	flagQuery     string
)

var logger = zap.NewNop()

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if code, ok := cli.IsExitError(err); ok {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

var rootCmd = &cobra.Command{
	Use:   "loadramp",
	Short: "Ramp virtual users against an HTTP endpoint and report how it held up",
	Long: `loadramp drives a staged population of virtual workers against one HTTP endpoint.
Each worker loops request, retry with exponential backoff, think time. Outcomes are
aggregated into counters, a latency histogram and per-backend counts, and summarized
into a report with a verdict and optional pass/fail thresholds.

Examples:
  loadramp plan init smoke.yaml --url http://localhost:8080/health
  loadramp run smoke.yaml                    # Run a plan file
  loadramp run --url http://localhost:8080 --stage 30s:50 --stage 1m:50 --stage 10s:0
  loadramp run smoke --tui --metrics-addr :9100
  loadramp runs list
  loadramp runs show 3 --query report.verdict`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(flagLogLevel, flagLogFormat)
		if err != nil {
			return err
		}
		logger = l
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [plan]",
	Short: "Execute a load test plan",
	Long: `Execute a load test plan. The plan argument may omit its extension and is also
looked up in the plans directory. Without a plan, --url runs the default ramp.

Exit codes: 1 when thresholds fail, 2 when thresholds are configured but no request completed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := cli.RunOptions{
			URL:         flagURL,
			Name:        flagName,
			Stages:      flagStages,
			Format:      flagFormat,
			OutDir:      flagOut,
			MetricsAddr: flagMetricsAddr,
			TUI:         flagTUI,
			Logger:      logger,
			Stdout:      cmd.OutOrStdout(),
		}
		if len(args) > 0 {
			opts.PlanPath = args[0]
		}
		if !flagNoHistory {
			opts.DBPath = databasePath()
		}
		_, err := cli.Run(cmd.Context(), opts)
		return err
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Create and check plan files",
}

var planInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default plan file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "loadramp.yaml"
		if len(args) > 0 {
			path = args[0]
		}
		url := flagURL
		if url == "" {
			url = "http://localhost:8080/"
		}
		plan := config.DefaultPlan(url)
		if flagName != "" {
			plan.Name = flagName
		}
		if err := config.WritePlan(path, plan, flagForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "plan written to %s\n", path)
		return nil
	},
}

var planValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Check a plan file without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plan, err := cli.BuildPlan(cli.RunOptions{PlanPath: args[0]})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d stages, %s, peak %d workers\n",
			plan.Name, len(plan.Load.Stages), plan.Load.TotalDuration(), plan.Load.PeakTarget())
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *stresstest.Manager) error {
			return cli.ListRuns(cmd.OutOrStdout(), m, cli.ListOptions{
				Name:  flagRunsName,
				Match: flagRunsMatch,
				Limit: flagRunsLimit,
			})
		})
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a recorded run as JSON",
	Long: `Print a recorded run with its report, backend counts and timeline as JSON.
--filter narrows with JMESPath, --query selects with JMESPath or pipes to $(shell command).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withManager(func(m *stresstest.Manager) error {
			return cli.ShowRun(cmd.Context(), cmd.OutOrStdout(), m, id, flagFilter, flagQuery)
		})
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return withManager(func(m *stresstest.Manager) error {
			return cli.DeleteRun(cmd.OutOrStdout(), m, id)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", logging.FormatConsole, "Log format (console/json)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Run history database (default ~/.loadramp/loadramp.db)")

	runCmd.Flags().StringVarP(&flagURL, "url", "u", "", "Target URL, overrides the plan endpoint")
	runCmd.Flags().StringVarP(&flagName, "name", "n", "", "Run name, overrides the plan name")
	runCmd.Flags().StringArrayVarP(&flagStages, "stage", "s", nil, "Ramp stage duration:target, can be repeated (replaces plan stages)")
	runCmd.Flags().StringVarP(&flagFormat, "format", "f", "", "Report format (text/json/yaml)")
	runCmd.Flags().StringVarP(&flagOut, "out", "o", "", "Directory for report artifacts")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve /metrics, /snapshot and /ws on this address while running")
	runCmd.Flags().BoolVar(&flagTUI, "tui", false, "Show the live dashboard")
	runCmd.Flags().BoolVar(&flagNoHistory, "no-history", false, "Do not record the run")

	planInitCmd.Flags().StringVarP(&flagURL, "url", "u", "", "Target URL")
	planInitCmd.Flags().StringVarP(&flagName, "name", "n", "", "Plan name")
	planInitCmd.Flags().BoolVar(&flagForce, "force", false, "Overwrite an existing file")

	runsListCmd.Flags().StringVarP(&flagRunsName, "name", "n", "", "Only runs with this name")
	runsListCmd.Flags().StringVarP(&flagRunsMatch, "match", "m", "", "Fuzzy match on run names")
	runsListCmd.Flags().IntVarP(&flagRunsLimit, "limit", "l", 20, "Maximum number of runs")
	runsShowCmd.Flags().StringVar(&flagFilter, "filter", "", "JMESPath filter expression")
	runsShowCmd.Flags().StringVarP(&flagQuery, "query", "q", "", "JMESPath query or $(shell command)")

	planCmd.AddCommand(planInitCmd, planValidateCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd)
	rootCmd.AddCommand(runCmd, planCmd, runsCmd)
}

func databasePath() string {
	if flagDB != "" {
		return flagDB
	}
	return config.DatabasePath
}

func withManager(fn func(*stresstest.Manager) error) error {
	m, err := stresstest.NewManager(databasePath())
	if err != nil {
		return fmt.Errorf("failed to open run history: %w", err)
	}
	defer m.Close()
	return fn(m)
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id %q", s)
	}
	return id, nil
}
