// Package report turns a final aggregator snapshot into a verdict, text summary and chart data.
package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/studiowebux/loadramp/internal/stresstest"
)

var (
	// ErrNilSnapshot is returned when there is no snapshot to summarize
	ErrNilSnapshot = errors.New("no snapshot to summarize")
	// ErrInconsistent is returned when the snapshot counters disagree with each other
	ErrInconsistent = errors.New("snapshot counters are inconsistent")
)

// DataState tells whether rate and latency figures are meaningful
type DataState string

const (
	DataOK           DataState = "ok"
	DataInsufficient DataState = "insufficient_data"
)

// Options carries run metadata and verdict configuration into Summarize
type Options struct {
	RunID      int64
	RunUUID    string
	Name       string
	TargetURL  string
	Status     string
	StartedAt  time.Time
	Tiers      []Tier
	Thresholds Thresholds
}

// LatencySummary holds latency figures in milliseconds
type LatencySummary struct {
	MinMs  float64 `json:"minMs" yaml:"minMs"`
	MeanMs float64 `json:"meanMs" yaml:"meanMs"`
	P50Ms  float64 `json:"p50Ms" yaml:"p50Ms"`
	P90Ms  float64 `json:"p90Ms" yaml:"p90Ms"`
	P95Ms  float64 `json:"p95Ms" yaml:"p95Ms"`
	P99Ms  float64 `json:"p99Ms" yaml:"p99Ms"`
	MaxMs  float64 `json:"maxMs" yaml:"maxMs"`
}

// Share is a labelled count with its fraction of all requests.
// Percent is nil when there were no requests.
type Share struct {
	Label   string   `json:"label" yaml:"label"`
	Count   int64    `json:"count" yaml:"count"`
	Percent *float64 `json:"percent" yaml:"percent"`
}

// Report is the derived, read-only result of a run
type Report struct {
	RunID       int64     `json:"runId,omitempty" yaml:"runId,omitempty"`
	RunUUID     string    `json:"runUuid,omitempty" yaml:"runUuid,omitempty"`
	Name        string    `json:"name" yaml:"name"`
	TargetURL   string    `json:"targetUrl" yaml:"targetUrl"`
	Status      string    `json:"status,omitempty" yaml:"status,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	GeneratedAt time.Time `json:"generatedAt" yaml:"generatedAt"`
	ElapsedMs   int64     `json:"elapsedMs" yaml:"elapsedMs"`

	DataState     DataState `json:"dataState" yaml:"dataState"`
	TotalRequests int64     `json:"totalRequests" yaml:"totalRequests"`
	SuccessCount  int64     `json:"successCount" yaml:"successCount"`
	FailureCount  int64     `json:"failureCount" yaml:"failureCount"`
	TotalRetries  int64     `json:"totalRetries" yaml:"totalRetries"`
	TotalAttempts int64     `json:"totalAttempts" yaml:"totalAttempts"`
	PeakWorkers   int64     `json:"peakWorkers" yaml:"peakWorkers"`

	// Nil when DataState is insufficient_data
	SuccessRate *float64        `json:"successRate" yaml:"successRate"`
	Throughput  *float64        `json:"throughputRps" yaml:"throughputRps"`
	Latency     *LatencySummary `json:"latency" yaml:"latency"`

	Backends []Share `json:"backends" yaml:"backends"`
	Buckets  []Share `json:"buckets" yaml:"buckets"`
	Retries  []Share `json:"retries" yaml:"retries"`

	Verdict    string          `json:"verdict" yaml:"verdict"`
	Thresholds ThresholdResult `json:"thresholds" yaml:"thresholds"`
}

// Summarize builds a Report from a snapshot taken after load generation ended.
// A snapshot with zero requests is not an error; the report is marked insufficient_data.
func Summarize(snap *stresstest.Snapshot, opts Options) (*Report, error) {
	if snap == nil {
		return nil, ErrNilSnapshot
	}
	if err := snap.Check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistent, err)
	}

	r := &Report{
		RunID:         opts.RunID,
		RunUUID:       opts.RunUUID,
		Name:          opts.Name,
		TargetURL:     opts.TargetURL,
		Status:        opts.Status,
		StartedAt:     opts.StartedAt,
		GeneratedAt:   time.Now(),
		ElapsedMs:     snap.Elapsed.Milliseconds(),
		TotalRequests: snap.TotalRequests,
		SuccessCount:  snap.SuccessCount,
		FailureCount:  snap.FailureCount,
		TotalRetries:  snap.TotalRetries,
		TotalAttempts: snap.TotalAttempts,
		PeakWorkers:   snap.PeakWorkers,
	}

	total := snap.TotalRequests
	for _, name := range snap.SortedBackends() {
		r.Backends = append(r.Backends, share(name, snap.Backends[name], total))
	}
	for _, b := range snap.Buckets {
		r.Buckets = append(r.Buckets, share(b.Label, b.Count, total))
	}
	for i, c := range snap.RetryCounts {
		r.Retries = append(r.Retries, share(fmt.Sprintf("%d", i), c, total))
	}

	if total == 0 {
		r.DataState = DataInsufficient
		r.Verdict = TierInsufficientData
		r.Thresholds = Evaluate(r, opts.Thresholds)
		return r, nil
	}

	r.DataState = DataOK
	rate := float64(snap.SuccessCount) / float64(total)
	r.SuccessRate = &rate
	if snap.Elapsed > 0 {
		rps := float64(total) / snap.Elapsed.Seconds()
		r.Throughput = &rps
	}
	r.Latency = &LatencySummary{
		MinMs:  ms(snap.Latency.Min),
		MeanMs: ms(snap.Latency.Mean),
		P50Ms:  ms(snap.Latency.P50),
		P90Ms:  ms(snap.Latency.P90),
		P95Ms:  ms(snap.Latency.P95),
		P99Ms:  ms(snap.Latency.P99),
		MaxMs:  ms(snap.Latency.Max),
	}
	r.Verdict = Classify(opts.Tiers, rate, snap.Latency.P95)
	r.Thresholds = Evaluate(r, opts.Thresholds)
	return r, nil
}

// Sufficient reports whether the report has data to judge
func (r *Report) Sufficient() bool {
	return r.DataState == DataOK
}

func share(label string, count, total int64) Share {
	s := Share{Label: label, Count: count}
	if total > 0 {
		p := float64(count) / float64(total) * 100
		s.Percent = &p
	}
	return s
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
