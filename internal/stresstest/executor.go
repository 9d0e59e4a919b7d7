package stresstest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// HTTP client configuration timeouts
	TCPDialTimeout        = 5 * time.Second
	TCPKeepAliveInterval  = 30 * time.Second
	TLSHandshakeTimeout   = 5 * time.Second
	IdleConnTimeout       = 90 * time.Second
	ExpectContinueTimeout = 1 * time.Second

	// sampleFlushSize is how many timeline points are buffered before a database write
	sampleFlushSize = 10
	// subscriberBuffer is the channel depth of each timeline subscriber
	subscriberBuffer = 16
)

// ExecutionConfig holds everything needed to execute a load test
type ExecutionConfig struct {
	Config *Config
	Client Doer // Optional, replaces the pooled HTTP client
	Logger *zap.Logger
	Sleep  SleepFunc // Optional, replaces the backoff timer
}

// Executor runs one load test: the ramp driver, its workers and the timeline sampler
type Executor struct {
	config     *ExecutionConfig
	manager    *Manager
	run        *Run
	logger     *zap.Logger
	aggregator *Aggregator
	driver     *Driver
	requester  *AttemptExecutor

	group      errgroup.Group
	driverDone chan struct{}
	startedAt  time.Time
	startOnce  sync.Once

	mu          sync.Mutex
	cancelFunc  context.CancelFunc
	stopped     bool // Stop was called, possibly before Start
	timeline    []TimelinePoint
	pending     []TimelinePoint
	subscribers map[chan TimelinePoint]struct{}
	sampled     bool // set once the sampler has exited
	final       *Snapshot
}

// NewExecutor creates a new load test executor. The manager may be nil, in which case
// nothing is persisted.
func NewExecutor(config *ExecutionConfig, manager *Manager) (*Executor, error) {
	if config == nil || config.Config == nil {
		return nil, fmt.Errorf("execution config is required")
	}
	if err := config.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := config.Config

	client := config.Client
	if client == nil {
		httpClient, err := buildStressTestHTTPClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build HTTP client: %w", err)
		}
		client = httpClient
	}

	aggregator := NewAggregator(cfg.GetBuckets(), cfg.Endpoint.MaxRetries, cfg.Shards)

	var limiter *rate.Limiter
	if cfg.Endpoint.RateLimit > 0 {
		burst := int(math.Ceil(cfg.Endpoint.RateLimit))
		limiter = rate.NewLimiter(rate.Limit(cfg.Endpoint.RateLimit), burst)
	}

	requester, err := NewAttemptExecutor(AttemptExecutorConfig{
		Endpoint: &cfg.Endpoint,
		Client:   client,
		Recorder: aggregator,
		Limiter:  limiter,
		Logger:   logger,
		Sleep:    config.Sleep,
	})
	if err != nil {
		return nil, err
	}

	run := &Run{
		UUID:      uuid.NewString(),
		Name:      cfg.Name,
		TargetURL: cfg.Endpoint.URL,
		StartedAt: time.Now(),
		Status:    StatusRunning,
	}
	if manager != nil {
		if err := manager.CreateRun(run); err != nil {
			return nil, fmt.Errorf("failed to create run record: %w", err)
		}
	}

	e := &Executor{
		config:      config,
		manager:     manager,
		run:         run,
		logger:      logger.With(zap.String("run", run.UUID)),
		aggregator:  aggregator,
		requester:   requester,
		driverDone:  make(chan struct{}),
		subscribers: make(map[chan TimelinePoint]struct{}),
	}

	think := ThinkTime{Min: cfg.Endpoint.ThinkMin, Max: cfg.Endpoint.ThinkMax}
	e.driver = NewDriver(DriverConfig{
		Load:   &cfg.Load,
		Logger: e.logger,
		Spawn: func(id int64) *Worker {
			return NewWorker(id, requester, aggregator, think)
		},
	})

	return e, nil
}

// Start begins the load test. Cancelling ctx, or calling Stop, ends the ramp early;
// in-flight requests still get the graceful stop period.
func (e *Executor) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.cancelFunc = cancel
		e.startedAt = time.Now()
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			cancel()
		}

		e.logger.Info("load test started",
			zap.String("name", e.run.Name),
			zap.String("url", e.run.TargetURL),
			zap.Int("stages", len(e.config.Config.Load.Stages)),
			zap.Duration("duration", e.config.Config.Load.TotalDuration()))

		e.group.Go(func() error {
			defer close(e.driverDone)
			return e.driver.Run(runCtx)
		})
		e.group.Go(func() error {
			e.sample()
			return nil
		})
	})
}

// Stop cancels the ramp. Wait still has to be called to collect the result.
// It is safe to call from another goroutine at any time, including before Start.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	cancel := e.cancelFunc
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every worker has exited, then finalizes and returns the run record.
// An interrupted run is not an error; its status is "cancelled".
func (e *Executor) Wait() (*Run, error) {
	e.mu.Lock()
	cancel := e.cancelFunc
	e.mu.Unlock()
	if cancel == nil {
		return nil, fmt.Errorf("executor was not started")
	}
	driverErr := e.group.Wait()
	cancel()

	status := StatusCompleted
	if driverErr != nil {
		status = StatusCancelled
	}

	snap := e.aggregator.Snapshot()
	e.mu.Lock()
	e.final = snap
	e.mu.Unlock()

	if err := snap.Check(); err != nil {
		e.logger.Error("final snapshot inconsistent", zap.Error(err))
		status = StatusFailed
	}

	if err := e.finalize(status, snap); err != nil {
		return e.run, err
	}

	e.logger.Info("load test finished",
		zap.String("status", status),
		zap.Int64("requests", snap.TotalRequests),
		zap.Int64("failures", snap.FailureCount),
		zap.Duration("p95", snap.Latency.P95))
	return e.run, nil
}

// Snapshot returns a live snapshot of the aggregator
func (e *Executor) Snapshot() *Snapshot {
	return e.aggregator.Snapshot()
}

// FinalSnapshot returns the snapshot taken after every worker exited, nil before Wait returns
func (e *Executor) FinalSnapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.final
}

// Timeline returns a copy of the samples taken so far
func (e *Executor) Timeline() []TimelinePoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]TimelinePoint, len(e.timeline))
	copy(out, e.timeline)
	return out
}

// Progress reports where the ramp is
type Progress struct {
	Elapsed  time.Duration `json:"elapsed"`
	Duration time.Duration `json:"duration"`
	Stage    int           `json:"stage"`
	Stages   int           `json:"stages"`
	Target   int           `json:"target"`
	Active   int64         `json:"active"`
	Spawned  int64         `json:"spawned"`
	Finished bool          `json:"finished"`
}

// Progress returns the current ramp position
func (e *Executor) Progress() Progress {
	p := Progress{
		Duration: e.config.Config.Load.TotalDuration(),
		Stage:    e.driver.Stage(),
		Stages:   len(e.config.Config.Load.Stages),
		Target:   e.driver.Target(),
		Active:   e.aggregator.ActiveWorkers(),
		Spawned:  e.driver.Spawned(),
	}
	e.mu.Lock()
	startedAt := e.startedAt
	e.mu.Unlock()
	if !startedAt.IsZero() {
		p.Elapsed = time.Since(startedAt)
	}
	select {
	case <-e.driverDone:
		p.Finished = true
	default:
	}
	return p
}

// Subscribe returns a channel receiving every new timeline point and a function
// that ends the subscription. Slow subscribers miss points rather than block sampling.
func (e *Executor) Subscribe() (<-chan TimelinePoint, func()) {
	ch := make(chan TimelinePoint, subscriberBuffer)
	e.mu.Lock()
	if e.sampled {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.subscribers[ch] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			if _, ok := e.subscribers[ch]; ok {
				delete(e.subscribers, ch)
				close(ch)
			}
			e.mu.Unlock()
		})
	}
}

// GetRun returns the current run record
func (e *Executor) GetRun() *Run {
	return e.run
}

// Aggregator exposes the live metrics aggregator
func (e *Executor) Aggregator() *Aggregator {
	return e.aggregator
}

// Config returns the load test configuration
func (e *Executor) Config() *Config {
	return e.config.Config
}

// sample takes a timeline point every sample interval until the driver is done,
// then one last point, and closes all subscriber channels.
func (e *Executor) sample() {
	interval := e.config.Config.Load.GetSampleInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastTotal int64
	lastAt := e.startedAt
	take := func() {
		snap := e.aggregator.Snapshot()
		now := snap.TakenAt
		point := TimelinePoint{
			RunID:         e.run.ID,
			Timestamp:     now,
			ElapsedMs:     now.Sub(e.startedAt).Milliseconds(),
			Target:        e.driver.Target(),
			ActiveWorkers: snap.ActiveWorkers,
			TotalRequests: snap.TotalRequests,
			SuccessCount:  snap.SuccessCount,
			FailureCount:  snap.FailureCount,
			P95Ms:         snap.Latency.P95.Milliseconds(),
		}
		if secs := now.Sub(lastAt).Seconds(); secs > 0 {
			point.RPS = float64(snap.TotalRequests-lastTotal) / secs
		}
		lastTotal, lastAt = snap.TotalRequests, now
		e.publish(point)
	}

	for {
		select {
		case <-e.driverDone:
			take()
			e.flushSamples()
			e.closeSubscribers()
			return
		case <-ticker.C:
			take()
		}
	}
}

func (e *Executor) publish(point TimelinePoint) {
	e.mu.Lock()
	e.timeline = append(e.timeline, point)
	e.pending = append(e.pending, point)
	flush := len(e.pending) >= sampleFlushSize
	for ch := range e.subscribers {
		select {
		case ch <- point:
		default:
		}
	}
	e.mu.Unlock()

	if flush {
		e.flushSamples()
	}
}

// flushSamples writes buffered timeline points to the database
func (e *Executor) flushSamples() {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	if e.manager == nil || len(batch) == 0 {
		return
	}
	if err := e.manager.SaveSamplesBatch(batch); err != nil {
		// Log error but don't stop execution
		e.logger.Warn("failed to save samples", zap.Int("count", len(batch)), zap.Error(err))
	}
}

func (e *Executor) closeSubscribers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sampled = true
	for ch := range e.subscribers {
		delete(e.subscribers, ch)
		close(ch)
	}
}

// finalize completes the run record with final statistics
func (e *Executor) finalize(status string, snap *Snapshot) error {
	now := time.Now()
	e.run.CompletedAt = &now
	e.run.Status = status
	e.run.TotalRequests = snap.TotalRequests
	e.run.SuccessCount = snap.SuccessCount
	e.run.FailureCount = snap.FailureCount
	e.run.TotalRetries = snap.TotalRetries
	e.run.PeakWorkers = snap.PeakWorkers
	e.run.AvgDurationMs = float64(snap.Latency.Mean) / float64(time.Millisecond)
	e.run.MinDurationMs = snap.Latency.Min.Milliseconds()
	e.run.MaxDurationMs = snap.Latency.Max.Milliseconds()
	e.run.P50DurationMs = snap.Latency.P50.Milliseconds()
	e.run.P95DurationMs = snap.Latency.P95.Milliseconds()
	e.run.P99DurationMs = snap.Latency.P99.Milliseconds()

	if e.manager == nil {
		return nil
	}
	if err := e.manager.UpdateRun(e.run); err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	if err := e.manager.SaveBackends(e.run.ID, snap.Backends); err != nil {
		return fmt.Errorf("failed to save backend counts: %w", err)
	}
	return nil
}

// buildStressTestHTTPClient creates an HTTP client sized for the peak worker count,
// wrapped in an OAuth2 token source when configured
func buildStressTestHTTPClient(config *Config) (*http.Client, error) {
	conns := config.Load.PeakTarget()
	if conns < 1 {
		conns = 1
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        conns,
		MaxIdleConnsPerHost: conns,
		MaxConnsPerHost:     conns * 2,
		IdleConnTimeout:     IdleConnTimeout,
		ForceAttemptHTTP2:   true,

		DialContext: (&net.Dialer{
			Timeout:   TCPDialTimeout,
			KeepAlive: TCPKeepAliveInterval,
		}).DialContext,

		TLSHandshakeTimeout:   TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.Endpoint.GetRequestTimeout(),
		ExpectContinueTimeout: ExpectContinueTimeout,
	}

	if tlsConfig := config.Endpoint.TLS; tlsConfig != nil {
		tlsCfg := &tls.Config{
			InsecureSkipVerify: tlsConfig.InsecureSkipVerify,
		}

		// Client certificate for mTLS
		if tlsConfig.CertFile != "" && tlsConfig.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}

		if tlsConfig.CAFile != "" {
			caCert, err := os.ReadFile(tlsConfig.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA certificate: %w", err)
			}
			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to parse CA certificate")
			}
			tlsCfg.RootCAs = caCertPool
		}

		transport.TLSClientConfig = tlsCfg
	}

	base := &http.Client{Transport: transport}

	if oc := config.Endpoint.OAuth2; oc != nil {
		cc := &clientcredentials.Config{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			TokenURL:     oc.TokenURL,
			Scopes:       oc.Scopes,
		}
		// Token fetches reuse the pooled transport
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		return cc.Client(ctx), nil
	}

	return base, nil
}
