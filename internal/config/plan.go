package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/studiowebux/loadramp/internal/report"
	"github.com/studiowebux/loadramp/internal/stresstest"
)

// ErrInvalidPlan wraps every plan validation failure
var ErrInvalidPlan = errors.New("invalid plan")

// OutputConfig controls where and how results are written
type OutputConfig struct {
	Dir    string `yaml:"dir,omitempty" json:"dir,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"` // text, json or yaml
}

// Plan is a load test definition as stored on disk
type Plan struct {
	stresstest.Config `yaml:",inline"`

	Thresholds report.Thresholds `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	Tiers      []report.Tier     `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	Output     OutputConfig      `yaml:"output,omitempty" json:"output,omitempty"`
}

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// DefaultPlan returns a plan with a short ramp-up, hold and ramp-down against url
func DefaultPlan(url string) *Plan {
	maxFailure := 0.05
	return &Plan{
		Config: stresstest.Config{
			Name: "default",
			Endpoint: stresstest.EndpointConfig{
				URL:            url,
				Method:         "GET",
				ExpectedStatus: stresstest.DefaultExpectedStatus,
				Timeout:        stresstest.DefaultRequestTimeout,
				MaxRetries:     stresstest.DefaultMaxRetries,
				BackoffBase:    stresstest.DefaultBackoffBase,
				BackoffCap:     stresstest.DefaultBackoffCap,
				ThinkMin:       stresstest.DefaultThinkTimeMin,
				ThinkMax:       stresstest.DefaultThinkTimeMax,
				BackendHeaders: append([]string(nil), stresstest.DefaultBackendHeaders...),
			},
			Load: stresstest.LoadConfig{
				MaxWorkers:     stresstest.DefaultMaxWorkers,
				TickInterval:   stresstest.DefaultTickInterval,
				GracefulStop:   stresstest.DefaultGracefulStop,
				SampleInterval: stresstest.DefaultSampleInterval,
				Stages: []stresstest.Stage{
					{Duration: 30 * time.Second, Target: 50},
					{Duration: time.Minute, Target: 50},
					{Duration: 30 * time.Second, Target: 0},
				},
			},
		},
		Thresholds: report.Thresholds{
			MaxP95:         2 * time.Second,
			MaxFailureRate: &maxFailure,
		},
		Tiers:  append([]report.Tier(nil), report.DefaultTiers...),
		Output: OutputConfig{Format: FormatText},
	}
}

// Validate checks the plan and wraps the first violation in ErrInvalidPlan
func (p *Plan) Validate() error {
	if err := p.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := p.Thresholds.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := report.ValidateTiers(p.Tiers); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	switch p.Output.Format {
	case "", FormatText, FormatJSON, FormatYAML:
	default:
		return fmt.Errorf("%w: unknown output format %q", ErrInvalidPlan, p.Output.Format)
	}
	return nil
}

// GetTiers returns the verdict tiers, defaulting to report.DefaultTiers
func (p *Plan) GetTiers() []report.Tier {
	if len(p.Tiers) == 0 {
		return report.DefaultTiers
	}
	return p.Tiers
}

// LoadPlan reads and validates a plan file.
// .json and .jsonc files may carry comments and trailing commas; anything else is YAML.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	plan, err := ParsePlan(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan decodes and validates plan data; ext selects JSONC (".json", ".jsonc") or YAML
func ParsePlan(data []byte, ext string) (*Plan, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		// JSON is valid YAML once comments and trailing commas are gone,
		// which lets durations be written as "30s" in both formats
		data = jsonc.ToJSON(data)
	}

	plan := &Plan{}
	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// WritePlan writes the plan as YAML to path, refusing to overwrite unless force is set
func WritePlan(path string, plan *Plan, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	data, err := yaml.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, FilePermissions); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}

// ParseStage parses a "duration:target" stage such as "30s:100"
func ParseStage(s string) (stresstest.Stage, error) {
	durationPart, targetPart, ok := strings.Cut(s, ":")
	if !ok {
		return stresstest.Stage{}, fmt.Errorf("stage %q must look like 30s:100", s)
	}
	d, err := time.ParseDuration(strings.TrimSpace(durationPart))
	if err != nil {
		return stresstest.Stage{}, fmt.Errorf("stage %q: invalid duration: %w", s, err)
	}
	target, err := strconv.Atoi(strings.TrimSpace(targetPart))
	if err != nil {
		return stresstest.Stage{}, fmt.Errorf("stage %q: invalid target: %w", s, err)
	}
	return stresstest.Stage{Duration: d, Target: target}, nil
}

// ParseStages parses every stage flag value in order
func ParseStages(values []string) ([]stresstest.Stage, error) {
	stages := make([]stresstest.Stage, 0, len(values))
	for _, v := range values {
		stage, err := ParseStage(v)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	return stages, nil
}
