package report

import (
	"fmt"
	"time"
)

// TierNeedsWork is the verdict when no configured tier matches
const TierNeedsWork = "needs-work"

// TierInsufficientData is the verdict of a report without any recorded request
const TierInsufficientData = "insufficient-data"

// Tier is one verdict level. A report qualifies when its success rate is at least
// MinSuccessRate and its p95 is below MaxP95; a zero MaxP95 places no latency bound.
type Tier struct {
	Name           string        `yaml:"name" json:"name"`
	MinSuccessRate float64       `yaml:"minSuccessRate" json:"minSuccessRate"`
	MaxP95         time.Duration `yaml:"maxP95" json:"maxP95"`
}

// DefaultTiers are checked best first
var DefaultTiers = []Tier{
	{Name: "excellent", MinSuccessRate: 0.95, MaxP95: 1000 * time.Millisecond},
	{Name: "good", MinSuccessRate: 0.90, MaxP95: 2000 * time.Millisecond},
	{Name: "acceptable", MinSuccessRate: 0.80, MaxP95: 5000 * time.Millisecond},
}

// Classify returns the name of the first tier the figures satisfy, or TierNeedsWork
func Classify(tiers []Tier, successRate float64, p95 time.Duration) string {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	for _, t := range tiers {
		if successRate < t.MinSuccessRate {
			continue
		}
		if t.MaxP95 > 0 && p95 >= t.MaxP95 {
			continue
		}
		return t.Name
	}
	return TierNeedsWork
}

// ValidateTiers checks that tiers are named and rates are fractions
func ValidateTiers(tiers []Tier) error {
	seen := make(map[string]bool, len(tiers))
	for i, t := range tiers {
		if t.Name == "" {
			return fmt.Errorf("tier %d: name is required", i+1)
		}
		if seen[t.Name] {
			return fmt.Errorf("tier %d: duplicate name %q", i+1, t.Name)
		}
		seen[t.Name] = true
		if t.MinSuccessRate < 0 || t.MinSuccessRate > 1 {
			return fmt.Errorf("tier %q: minSuccessRate must be between 0 and 1", t.Name)
		}
		if t.MaxP95 < 0 {
			return fmt.Errorf("tier %q: maxP95 cannot be negative", t.Name)
		}
	}
	return nil
}

// Thresholds are pass/fail limits checked against the final report.
// Zero durations and a nil failure rate are not checked.
type Thresholds struct {
	MaxP95         time.Duration `yaml:"maxP95,omitempty" json:"maxP95,omitempty"`
	MaxP99         time.Duration `yaml:"maxP99,omitempty" json:"maxP99,omitempty"`
	MaxFailureRate *float64      `yaml:"maxFailureRate,omitempty" json:"maxFailureRate,omitempty"`
}

// IsZero reports whether no threshold is configured
func (t Thresholds) IsZero() bool {
	return t.MaxP95 == 0 && t.MaxP99 == 0 && t.MaxFailureRate == nil
}

// Validate checks threshold ranges
func (t Thresholds) Validate() error {
	if t.MaxP95 < 0 || t.MaxP99 < 0 {
		return fmt.Errorf("threshold latencies cannot be negative")
	}
	if t.MaxFailureRate != nil && (*t.MaxFailureRate < 0 || *t.MaxFailureRate > 1) {
		return fmt.Errorf("maxFailureRate must be between 0 and 1")
	}
	return nil
}

// ThresholdResult is the outcome of Evaluate
type ThresholdResult struct {
	Configured   bool     `json:"configured" yaml:"configured"`
	Passed       bool     `json:"passed" yaml:"passed"`
	Insufficient bool     `json:"insufficient,omitempty" yaml:"insufficient,omitempty"`
	Violations   []string `json:"violations,omitempty" yaml:"violations,omitempty"`
}

// Evaluate checks the report against the thresholds. A report without data fails
// every configured threshold and is flagged Insufficient.
func Evaluate(r *Report, t Thresholds) ThresholdResult {
	if t.IsZero() {
		return ThresholdResult{Passed: true}
	}
	res := ThresholdResult{Configured: true}
	if r == nil || r.DataState != DataOK {
		res.Insufficient = true
		res.Violations = []string{"no requests completed, thresholds cannot be met"}
		return res
	}

	p95 := r.Latency.P95Ms
	p99 := r.Latency.P99Ms
	if t.MaxP95 > 0 && p95 > ms(t.MaxP95) {
		res.Violations = append(res.Violations, fmt.Sprintf("p95 %.0fms exceeds %s", p95, t.MaxP95))
	}
	if t.MaxP99 > 0 && p99 > ms(t.MaxP99) {
		res.Violations = append(res.Violations, fmt.Sprintf("p99 %.0fms exceeds %s", p99, t.MaxP99))
	}
	if t.MaxFailureRate != nil {
		failureRate := 1 - *r.SuccessRate
		if failureRate > *t.MaxFailureRate {
			res.Violations = append(res.Violations,
				fmt.Sprintf("failure rate %.2f%% exceeds %.2f%%", failureRate*100, *t.MaxFailureRate*100))
		}
	}
	res.Passed = len(res.Violations) == 0
	return res
}
