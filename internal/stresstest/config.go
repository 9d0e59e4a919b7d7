package stresstest

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// MaxWorkersLimit is the hard ceiling on concurrent virtual workers
	MaxWorkersLimit = 100000
	// MaxRetriesLimit bounds the per-request retry budget
	MaxRetriesLimit = 20

	DefaultRequestTimeout  = 10 * time.Second
	DefaultTickInterval    = 100 * time.Millisecond
	DefaultGracefulStop    = 30 * time.Second
	DefaultSampleInterval  = 1 * time.Second
	DefaultExpectedStatus  = 200
	DefaultMaxWorkers      = 1000
	DefaultBackoffBase     = 1 * time.Second
	DefaultBackoffCap      = 10 * time.Second
	DefaultMaxRetries      = 3
	DefaultThinkTimeMin    = 1 * time.Second
	DefaultThinkTimeMax    = 3 * time.Second
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// OAuth2Config enables the client-credentials flow for the target endpoint
type OAuth2Config struct {
	TokenURL     string   `yaml:"tokenUrl" json:"tokenUrl"`
	ClientID     string   `yaml:"clientId" json:"clientId"`
	ClientSecret string   `yaml:"clientSecret" json:"-"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// TLSConfig holds client TLS settings for the target endpoint
type TLSConfig struct {
	CertFile           string `yaml:"certFile,omitempty" json:"certFile,omitempty"`
	KeyFile            string `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`
	CAFile             string `yaml:"caFile,omitempty" json:"caFile,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify,omitempty" json:"insecureSkipVerify,omitempty"`
}

// EndpointConfig describes the single endpoint under test.
// It is read-only once a run starts.
type EndpointConfig struct {
	URL            string            `yaml:"url" json:"url"`
	Method         string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body           string            `yaml:"body,omitempty" json:"body,omitempty"`
	ExpectedStatus int               `yaml:"expectedStatus,omitempty" json:"expectedStatus,omitempty"`
	Timeout        time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries     int               `yaml:"maxRetries" json:"maxRetries"`
	BackoffBase    time.Duration     `yaml:"backoffBase,omitempty" json:"backoffBase,omitempty"`
	BackoffCap     time.Duration     `yaml:"backoffCap,omitempty" json:"backoffCap,omitempty"`
	ThinkMin       time.Duration     `yaml:"thinkMin" json:"thinkMin"`
	ThinkMax       time.Duration     `yaml:"thinkMax" json:"thinkMax"`
	BackendHeaders []string          `yaml:"backendHeaders,omitempty" json:"backendHeaders,omitempty"`
	RateLimit      float64           `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"` // attempts/sec across all workers, 0 = unlimited
	TLS            *TLSConfig        `yaml:"tls,omitempty" json:"tls,omitempty"`
	OAuth2         *OAuth2Config     `yaml:"oauth2,omitempty" json:"oauth2,omitempty"`
}

// Stage is one segment of the concurrency ramp.
// The target is reached linearly over Duration, starting from the previous stage's target.
type Stage struct {
	Duration time.Duration `yaml:"duration" json:"duration"`
	Target   int           `yaml:"target" json:"target"`
}

// LoadConfig controls the concurrency ramp
type LoadConfig struct {
	StartTarget    int           `yaml:"startTarget,omitempty" json:"startTarget,omitempty"`
	MaxWorkers     int           `yaml:"maxWorkers,omitempty" json:"maxWorkers,omitempty"`
	TickInterval   time.Duration `yaml:"tickInterval,omitempty" json:"tickInterval,omitempty"`
	GracefulStop   time.Duration `yaml:"gracefulStop,omitempty" json:"gracefulStop,omitempty"`
	SampleInterval time.Duration `yaml:"sampleInterval,omitempty" json:"sampleInterval,omitempty"`
	Stages         []Stage       `yaml:"stages" json:"stages"`
}

// Config represents a complete stress test configuration
type Config struct {
	Name     string          `yaml:"name" json:"name"`
	Endpoint EndpointConfig  `yaml:"endpoint" json:"endpoint"`
	Load     LoadConfig      `yaml:"load" json:"load"`
	Buckets  []time.Duration `yaml:"buckets,omitempty" json:"buckets,omitempty"`
	Shards   int             `yaml:"shards,omitempty" json:"shards,omitempty"`
}

// Run represents a stress test run record
type Run struct {
	ID            int64      `json:"id" yaml:"id"`
	UUID          string     `json:"uuid" yaml:"uuid"`
	Name          string     `json:"name" yaml:"name"`
	TargetURL     string     `json:"targetUrl" yaml:"targetUrl"`
	StartedAt     time.Time  `json:"startedAt" yaml:"startedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
	Status        string     `json:"status" yaml:"status"`
	TotalRequests int64      `json:"totalRequests" yaml:"totalRequests"`
	SuccessCount  int64      `json:"successCount" yaml:"successCount"`
	FailureCount  int64      `json:"failureCount" yaml:"failureCount"`
	TotalRetries  int64      `json:"totalRetries" yaml:"totalRetries"`
	PeakWorkers   int64      `json:"peakWorkers" yaml:"peakWorkers"`
	AvgDurationMs float64    `json:"avgDurationMs" yaml:"avgDurationMs"`
	MinDurationMs int64      `json:"minDurationMs" yaml:"minDurationMs"`
	MaxDurationMs int64      `json:"maxDurationMs" yaml:"maxDurationMs"`
	P50DurationMs int64      `json:"p50DurationMs" yaml:"p50DurationMs"`
	P95DurationMs int64      `json:"p95DurationMs" yaml:"p95DurationMs"`
	P99DurationMs int64      `json:"p99DurationMs" yaml:"p99DurationMs"`
}

// TimelinePoint is one periodic sample of the aggregator taken while a run is in progress
type TimelinePoint struct {
	RunID         int64     `json:"-" yaml:"-"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
	ElapsedMs     int64     `json:"elapsedMs" yaml:"elapsedMs"`
	Target        int       `json:"target" yaml:"target"`
	ActiveWorkers int64     `json:"activeWorkers" yaml:"activeWorkers"`
	TotalRequests int64     `json:"totalRequests" yaml:"totalRequests"`
	SuccessCount  int64     `json:"successCount" yaml:"successCount"`
	FailureCount  int64     `json:"failureCount" yaml:"failureCount"`
	RPS           float64   `json:"rps" yaml:"rps"`
	P95Ms         int64     `json:"p95Ms" yaml:"p95Ms"`
}

// Validate validates the endpoint configuration
func (e *EndpointConfig) Validate() error {
	if e.URL == "" {
		return fmt.Errorf("endpoint url is required")
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint url must use http or https, got %q", u.Scheme)
	}
	if e.ExpectedStatus != 0 && (e.ExpectedStatus < 100 || e.ExpectedStatus > 599) {
		return fmt.Errorf("expected status %d is not a valid HTTP status", e.ExpectedStatus)
	}
	if e.Timeout < 0 {
		return fmt.Errorf("request timeout cannot be negative")
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if e.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("max retries cannot exceed %d", MaxRetriesLimit)
	}
	if e.BackoffBase < 0 || e.BackoffCap < 0 {
		return fmt.Errorf("backoff durations cannot be negative")
	}
	if e.BackoffCap > 0 && e.BackoffBase > e.BackoffCap {
		return fmt.Errorf("backoff base (%s) cannot exceed backoff cap (%s)", e.BackoffBase, e.BackoffCap)
	}
	if e.ThinkMin < 0 || e.ThinkMax < 0 {
		return fmt.Errorf("think time cannot be negative")
	}
	if e.ThinkMax < e.ThinkMin {
		return fmt.Errorf("think time max (%s) is below min (%s)", e.ThinkMax, e.ThinkMin)
	}
	if e.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if e.TLS != nil && (e.TLS.CertFile == "") != (e.TLS.KeyFile == "") {
		return fmt.Errorf("tls certFile and keyFile must be set together")
	}
	if e.OAuth2 != nil && (e.OAuth2.TokenURL == "" || e.OAuth2.ClientID == "") {
		return fmt.Errorf("oauth2 requires tokenUrl and clientId")
	}
	return nil
}

// Validate validates the ramp configuration
func (l *LoadConfig) Validate() error {
	if len(l.Stages) == 0 {
		return fmt.Errorf("at least one stage is required")
	}
	maxWorkers := l.GetMaxWorkers()
	if maxWorkers > MaxWorkersLimit {
		return fmt.Errorf("max workers cannot exceed %d", MaxWorkersLimit)
	}
	if l.StartTarget < 0 || l.StartTarget > maxWorkers {
		return fmt.Errorf("start target must be between 0 and %d", maxWorkers)
	}
	for i, s := range l.Stages {
		if s.Duration < 0 {
			return fmt.Errorf("stage %d: duration cannot be negative", i+1)
		}
		if s.Target < 0 {
			return fmt.Errorf("stage %d: target cannot be negative", i+1)
		}
		if s.Target > maxWorkers {
			return fmt.Errorf("stage %d: target %d exceeds max workers %d", i+1, s.Target, maxWorkers)
		}
	}
	if l.TickInterval < 0 || l.GracefulStop < 0 || l.SampleInterval < 0 {
		return fmt.Errorf("load intervals cannot be negative")
	}
	return nil
}

// Validate validates the stress test configuration
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config name is required")
	}
	if err := c.Endpoint.Validate(); err != nil {
		return err
	}
	if err := c.Load.Validate(); err != nil {
		return err
	}
	if _, err := NewBuckets(c.Buckets...); err != nil {
		return err
	}
	if c.Shards < 0 {
		return fmt.Errorf("shards cannot be negative")
	}
	return nil
}

// GetMethod returns the HTTP method, defaulting to GET
func (e *EndpointConfig) GetMethod() string {
	if e.Method == "" {
		return "GET"
	}
	return strings.ToUpper(e.Method)
}

// GetExpectedStatus returns the status that counts as success
func (e *EndpointConfig) GetExpectedStatus() int {
	if e.ExpectedStatus == 0 {
		return DefaultExpectedStatus
	}
	return e.ExpectedStatus
}

// GetRequestTimeout returns the request timeout as time.Duration
func (e *EndpointConfig) GetRequestTimeout() time.Duration {
	if e.Timeout == 0 {
		return DefaultRequestTimeout
	}
	return e.Timeout
}

// GetBackendHeaders returns the backend lookup order
func (e *EndpointConfig) GetBackendHeaders() []string {
	if len(e.BackendHeaders) == 0 {
		return DefaultBackendHeaders
	}
	return e.BackendHeaders
}

// GetBackoff returns the backoff policy for retries
func (e *EndpointConfig) GetBackoff() Backoff {
	return Backoff{Base: e.BackoffBase, Cap: e.BackoffCap}
}

// GetMaxWorkers returns the worker ceiling
func (l *LoadConfig) GetMaxWorkers() int {
	if l.MaxWorkers == 0 {
		return DefaultMaxWorkers
	}
	return l.MaxWorkers
}

// GetTickInterval returns how often the ramp re-evaluates its target
func (l *LoadConfig) GetTickInterval() time.Duration {
	if l.TickInterval == 0 {
		return DefaultTickInterval
	}
	return l.TickInterval
}

// GetGracefulStop returns how long retired workers may take to finish in-flight requests
func (l *LoadConfig) GetGracefulStop() time.Duration {
	if l.GracefulStop == 0 {
		return DefaultGracefulStop
	}
	return l.GracefulStop
}

// GetSampleInterval returns the timeline sampling period
func (l *LoadConfig) GetSampleInterval() time.Duration {
	if l.SampleInterval == 0 {
		return DefaultSampleInterval
	}
	return l.SampleInterval
}

// TotalDuration returns the sum of all stage durations
func (l *LoadConfig) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range l.Stages {
		total += s.Duration
	}
	return total
}

// PeakTarget returns the highest concurrency any stage asks for
func (l *LoadConfig) PeakTarget() int {
	peak := l.StartTarget
	for _, s := range l.Stages {
		if s.Target > peak {
			peak = s.Target
		}
	}
	return peak
}

// GetBuckets returns the latency partition for the configuration
func (c *Config) GetBuckets() Buckets {
	if len(c.Buckets) == 0 {
		return DefaultBuckets()
	}
	b, err := NewBuckets(c.Buckets...)
	if err != nil {
		return DefaultBuckets()
	}
	return b
}

// IsRunning returns true if the run is currently in progress
func (r *Run) IsRunning() bool {
	return r.Status == StatusRunning
}

// IsCompleted returns true if the run has finished
func (r *Run) IsCompleted() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled || r.Status == StatusFailed
}

// Elapsed returns the run's wall time, measured to now while it is still running
func (r *Run) Elapsed() time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
