package stresstest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Outcome is the result of one logical request after all of its attempts
type Outcome struct {
	Success    bool          `json:"success"`
	Backend    string        `json:"backend"`
	Retries    int           `json:"retries"`
	Attempts   int           `json:"attempts"`
	StatusCode int           `json:"statusCode"` // Last attempt; 0 for transport failures
	Latency    time.Duration `json:"latency"`    // First attempt start to resolution, backoff included
	WorkerID   int64         `json:"workerId"`
	Iteration  int64         `json:"iteration"`
}

// Recorder receives every completed Outcome
type Recorder interface {
	Record(outcome Outcome)
}

// Doer performs one HTTP round trip; *http.Client satisfies it
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// attempt is one physical network call
type attempt struct {
	index     int
	startedAt time.Time
	elapsed   time.Duration
	status    int         // 0 when no response was received
	header    http.Header // backend-identifying headers only
	err       error
}

// AttemptExecutorConfig wires an AttemptExecutor
type AttemptExecutorConfig struct {
	Endpoint *EndpointConfig
	Client   Doer
	Recorder Recorder
	Limiter  *rate.Limiter // Optional, gates every physical attempt
	Logger   *zap.Logger
	Sleep    SleepFunc // Defaults to a context-aware timer
}

// AttemptExecutor drives one logical request through its retry budget
type AttemptExecutor struct {
	endpoint       *EndpointConfig
	client         Doer
	recorder       Recorder
	limiter        *rate.Limiter
	logger         *zap.Logger
	sleep          SleepFunc
	backoff        Backoff
	backendHeaders []string
	expectedStatus int
	timeout        time.Duration
	method         string
}

// NewAttemptExecutor creates an executor for the configured endpoint
func NewAttemptExecutor(cfg AttemptExecutorConfig) (*AttemptExecutor, error) {
	if cfg.Endpoint == nil {
		return nil, fmt.Errorf("endpoint config is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("recorder is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &AttemptExecutor{
		endpoint:       cfg.Endpoint,
		client:         cfg.Client,
		recorder:       cfg.Recorder,
		limiter:        cfg.Limiter,
		logger:         logger,
		sleep:          sleep,
		backoff:        cfg.Endpoint.GetBackoff(),
		backendHeaders: cfg.Endpoint.GetBackendHeaders(),
		expectedStatus: cfg.Endpoint.GetExpectedStatus(),
		timeout:        cfg.Endpoint.GetRequestTimeout(),
		method:         cfg.Endpoint.GetMethod(),
	}, nil
}

// Execute performs one logical request and records exactly one Outcome.
// A failed Outcome is a normal result, not an error. The only error is ctx being done
// before the request resolved, in which case nothing is recorded.
func (a *AttemptExecutor) Execute(ctx context.Context, workerID, iteration int64) (Outcome, error) {
	outcome := Outcome{WorkerID: workerID, Iteration: iteration}
	maxRetries := a.endpoint.MaxRetries
	// Latency starts at the first physical attempt, after any rate limiter wait
	var start time.Time

	for retryIndex := 0; ; retryIndex++ {
		if retryIndex > 0 {
			if err := a.sleep(ctx, a.backoff.Delay(retryIndex)); err != nil {
				return outcome, err
			}
		}

		att, err := a.do(ctx, retryIndex)
		if err != nil {
			return outcome, err
		}
		if retryIndex == 0 {
			start = att.startedAt
		}
		outcome.Attempts = retryIndex + 1
		outcome.StatusCode = att.status

		if att.err == nil && att.status == a.expectedStatus {
			outcome.Success = true
			outcome.Retries = retryIndex
			outcome.Backend = BackendOf(att.header, a.backendHeaders)
			if outcome.Backend == BackendError {
				// The error sentinel is reserved for failed outcomes
				outcome.Backend = BackendUnknown
			}
			break
		}

		a.logger.Debug("attempt failed",
			zap.Int64("worker", workerID),
			zap.Int64("iteration", iteration),
			zap.Int("attempt", att.index),
			zap.Int("status", att.status),
			zap.Duration("elapsed", att.elapsed),
			zap.Error(att.err))

		if retryIndex >= maxRetries {
			outcome.Retries = maxRetries
			outcome.Backend = BackendError
			break
		}
	}

	outcome.Latency = time.Since(start)
	a.recorder.Record(outcome)
	return outcome, nil
}

// do performs a single physical attempt.
// It returns an error only when ctx is done; transport failures are reported in attempt.err.
func (a *AttemptExecutor) do(ctx context.Context, index int) (*attempt, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	att := &attempt{index: index, startedAt: time.Now()}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var body io.Reader
	if a.endpoint.Body != "" {
		body = strings.NewReader(a.endpoint.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, a.method, a.endpoint.URL, body)
	if err != nil {
		att.err = fmt.Errorf("failed to create request: %w", err)
		att.elapsed = time.Since(att.startedAt)
		return att, nil
	}
	for key, value := range a.endpoint.Headers {
		if strings.EqualFold(key, "Host") {
			req.Host = value
			continue
		}
		req.Header.Set(key, value)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		att.elapsed = time.Since(att.startedAt)
		// Parent cancellation is an abort, not a failed attempt
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		att.err = err
		return att, nil
	}

	// Drain so the connection goes back to the pool
	_, copyErr := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	att.elapsed = time.Since(att.startedAt)
	att.status = resp.StatusCode
	att.header = backendHeaders(resp.Header, a.backendHeaders)
	if copyErr != nil && ctx.Err() == nil {
		att.err = fmt.Errorf("failed to read response body: %w", copyErr)
	}
	return att, nil
}

// backendHeaders keeps only the headers used for backend identification
func backendHeaders(h http.Header, keys []string) http.Header {
	kept := make(http.Header, len(keys))
	for _, key := range keys {
		if v := h.Get(key); v != "" {
			kept.Set(key, v)
		}
	}
	return kept
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
