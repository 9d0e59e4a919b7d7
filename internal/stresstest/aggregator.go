package stresstest

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codahale/hdrhistogram"
)

const (
	// Latency histograms track microseconds from 1us to 10 minutes with 0.1% precision.
	// Larger values are clamped to the maximum.
	histogramMin     = 1
	histogramMax     = int64(10 * time.Minute / time.Microsecond)
	histogramSigFigs = 3

	// MaxBackends caps distinct backend identifiers; the rest are counted under BackendOther
	MaxBackends = 256
	// BackendOther collects backends beyond MaxBackends
	BackendOther = "other"

	minShards = 8
)

// ErrInconsistentSnapshot is returned by Snapshot.Check when counters disagree
var ErrInconsistentSnapshot = errors.New("inconsistent snapshot")

// shard holds the counters for a subset of workers
type shard struct {
	mu          sync.Mutex
	total       int64
	success     int64
	failure     int64
	retries     int64
	attempts    int64
	latencySum  time.Duration
	latencyMin  time.Duration
	latencyMax  time.Duration
	backends    map[string]int64
	buckets     []int64
	retryCounts []int64
	hist        *hdrhistogram.Histogram

	_ [64]byte // pad so neighbouring shard locks sit on separate cache lines
}

// Aggregator accumulates outcomes from all workers.
// Memory is fixed by the shard count and does not grow with the number of outcomes.
type Aggregator struct {
	shards     []*shard
	mask       uint64
	buckets    Buckets
	maxRetries int
	startedAt  time.Time

	active atomic.Int64
	peak   atomic.Int64
}

// NewAggregator creates an aggregator. shardCount is rounded up to a power of two;
// 0 picks a default from GOMAXPROCS.
func NewAggregator(buckets Buckets, maxRetries, shardCount int) *Aggregator {
	if shardCount <= 0 {
		shardCount = runtime.GOMAXPROCS(0) * 4
	}
	if shardCount < minShards {
		shardCount = minShards
	}
	n := 1
	for n < shardCount {
		n <<= 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	a := &Aggregator{
		shards:     make([]*shard, n),
		mask:       uint64(n - 1),
		buckets:    buckets,
		maxRetries: maxRetries,
		startedAt:  time.Now(),
	}
	for i := range a.shards {
		a.shards[i] = newShard(buckets.Len(), maxRetries)
	}
	return a
}

func newShard(bucketCount, maxRetries int) *shard {
	return &shard{
		backends:    make(map[string]int64),
		buckets:     make([]int64, bucketCount),
		retryCounts: make([]int64, maxRetries+1),
		hist:        hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
	}
}

// Record folds one outcome into the shard owned by its worker
func (a *Aggregator) Record(o Outcome) {
	s := a.shards[uint64(o.WorkerID)&a.mask]
	bucket := a.buckets.Of(o.Latency)
	retries := o.Retries
	if retries < 0 {
		retries = 0
	}
	if retries > a.maxRetries {
		retries = a.maxRetries
	}
	latency := o.Latency
	if latency < 0 {
		latency = 0
	}
	micros := int64(latency / time.Microsecond)
	if micros > histogramMax {
		micros = histogramMax
	}

	s.mu.Lock()
	s.total++
	if o.Success {
		s.success++
	} else {
		s.failure++
	}
	s.retries += int64(o.Retries)
	s.attempts += int64(o.Attempts)
	s.latencySum += latency
	if s.total == 1 || latency < s.latencyMin {
		s.latencyMin = latency
	}
	if latency > s.latencyMax {
		s.latencyMax = latency
	}
	backend := o.Backend
	if _, ok := s.backends[backend]; !ok && len(s.backends) >= MaxBackends {
		backend = BackendOther
	}
	s.backends[backend]++
	s.buckets[bucket]++
	s.retryCounts[retries]++
	_ = s.hist.RecordValue(micros)
	s.mu.Unlock()
}

// RecordActiveDelta moves the live worker gauge by delta
func (a *Aggregator) RecordActiveDelta(delta int64) {
	current := a.active.Add(delta)
	for {
		peak := a.peak.Load()
		if current <= peak || a.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}

// ActiveWorkers returns the current value of the live worker gauge
func (a *Aggregator) ActiveWorkers() int64 {
	return a.active.Load()
}

// Buckets returns the latency partition used for histogram counts
func (a *Aggregator) Buckets() Buckets {
	return a.buckets
}

// MaxRetries returns the size of the retry distribution minus one
func (a *Aggregator) MaxRetries() int {
	return a.maxRetries
}

// shardCopy is the part of a shard copied under its lock
type shardCopy struct {
	total, success, failure, retries, attempts int64
	latencySum, latencyMin, latencyMax         time.Duration
	backends                                   map[string]int64
	buckets, retryCounts                       []int64
	hist                                       *hdrhistogram.Snapshot
}

// Snapshot returns an immutable, consistent view of every counter.
// All shard locks are held together only while counters are copied; histogram
// merging happens after they are released.
func (a *Aggregator) Snapshot() *Snapshot {
	copies := make([]shardCopy, len(a.shards))

	for _, s := range a.shards {
		s.mu.Lock()
	}
	takenAt := time.Now()
	active := a.active.Load()
	peak := a.peak.Load()
	for i, s := range a.shards {
		c := shardCopy{
			total:       s.total,
			success:     s.success,
			failure:     s.failure,
			retries:     s.retries,
			attempts:    s.attempts,
			latencySum:  s.latencySum,
			latencyMin:  s.latencyMin,
			latencyMax:  s.latencyMax,
			backends:    make(map[string]int64, len(s.backends)),
			buckets:     append([]int64(nil), s.buckets...),
			retryCounts: append([]int64(nil), s.retryCounts...),
		}
		for k, v := range s.backends {
			c.backends[k] = v
		}
		if s.total > 0 {
			c.hist = s.hist.Export()
		}
		copies[i] = c
	}
	for i := len(a.shards) - 1; i >= 0; i-- {
		a.shards[i].mu.Unlock()
	}

	snap := &Snapshot{
		TakenAt:       takenAt,
		Elapsed:       takenAt.Sub(a.startedAt),
		ActiveWorkers: active,
		PeakWorkers:   peak,
		Backends:      make(map[string]int64),
		Buckets:       make([]BucketCount, a.buckets.Len()),
		RetryCounts:   make([]int64, a.maxRetries+1),
		hist:          hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
	}
	for i := range snap.Buckets {
		lower, upper := a.buckets.Range(i)
		snap.Buckets[i] = BucketCount{
			Label:   a.buckets.Label(i),
			LowerMs: lower.Milliseconds(),
			UpperMs: upper.Milliseconds(),
		}
	}

	var latencySum time.Duration
	first := true
	for _, c := range copies {
		if c.total == 0 {
			continue
		}
		snap.TotalRequests += c.total
		snap.SuccessCount += c.success
		snap.FailureCount += c.failure
		snap.TotalRetries += c.retries
		snap.TotalAttempts += c.attempts
		latencySum += c.latencySum
		if first || c.latencyMin < snap.Latency.Min {
			snap.Latency.Min = c.latencyMin
		}
		if c.latencyMax > snap.Latency.Max {
			snap.Latency.Max = c.latencyMax
		}
		first = false
		for k, v := range c.backends {
			snap.Backends[k] += v
		}
		for i, v := range c.buckets {
			snap.Buckets[i].Count += v
		}
		for i, v := range c.retryCounts {
			snap.RetryCounts[i] += v
		}
		snap.hist.Merge(hdrhistogram.Import(c.hist))
	}

	snap.Latency.Count = snap.TotalRequests
	if snap.TotalRequests > 0 {
		snap.Latency.Mean = latencySum / time.Duration(snap.TotalRequests)
		snap.Latency.P50 = snap.Percentile(50)
		snap.Latency.P90 = snap.Percentile(90)
		snap.Latency.P95 = snap.Percentile(95)
		snap.Latency.P99 = snap.Percentile(99)
	}
	return snap
}

// LatencyStats summarizes the latency distribution of a snapshot
type LatencyStats struct {
	Count int64         `json:"count" yaml:"count"`
	Min   time.Duration `json:"min" yaml:"min"`
	Max   time.Duration `json:"max" yaml:"max"`
	Mean  time.Duration `json:"mean" yaml:"mean"`
	P50   time.Duration `json:"p50" yaml:"p50"`
	P90   time.Duration `json:"p90" yaml:"p90"`
	P95   time.Duration `json:"p95" yaml:"p95"`
	P99   time.Duration `json:"p99" yaml:"p99"`
}

// BucketCount is one latency histogram bin; UpperMs is 0 for the open top bin
type BucketCount struct {
	Label   string `json:"label" yaml:"label"`
	LowerMs int64  `json:"lowerMs" yaml:"lowerMs"`
	UpperMs int64  `json:"upperMs" yaml:"upperMs"`
	Count   int64  `json:"count" yaml:"count"`
}

// Snapshot is a point-in-time copy of the aggregator. It is never mutated after creation.
type Snapshot struct {
	TakenAt       time.Time        `json:"takenAt" yaml:"takenAt"`
	Elapsed       time.Duration    `json:"elapsed" yaml:"elapsed"`
	TotalRequests int64            `json:"totalRequests" yaml:"totalRequests"`
	SuccessCount  int64            `json:"successCount" yaml:"successCount"`
	FailureCount  int64            `json:"failureCount" yaml:"failureCount"`
	TotalRetries  int64            `json:"totalRetries" yaml:"totalRetries"`
	TotalAttempts int64            `json:"totalAttempts" yaml:"totalAttempts"`
	ActiveWorkers int64            `json:"activeWorkers" yaml:"activeWorkers"`
	PeakWorkers   int64            `json:"peakWorkers" yaml:"peakWorkers"`
	Backends      map[string]int64 `json:"backends" yaml:"backends"`
	Buckets       []BucketCount    `json:"buckets" yaml:"buckets"`
	RetryCounts   []int64          `json:"retryCounts" yaml:"retryCounts"` // Index is the number of retries
	Latency       LatencyStats     `json:"latency" yaml:"latency"`

	hist *hdrhistogram.Histogram
}

// Percentile returns the latency at percentile p (0-100) from the merged histogram,
// clamped to the observed minimum and maximum
func (s *Snapshot) Percentile(p float64) time.Duration {
	if s.hist == nil || s.hist.TotalCount() == 0 {
		return 0
	}
	// ValueAtQuantile reports the top of the matching histogram bucket
	v := time.Duration(s.hist.ValueAtQuantile(p)) * time.Microsecond
	if v > s.Latency.Max {
		v = s.Latency.Max
	}
	if v < s.Latency.Min {
		v = s.Latency.Min
	}
	return v
}

// BucketTotal returns the sum of all histogram bin counts
func (s *Snapshot) BucketTotal() int64 {
	var total int64
	for _, b := range s.Buckets {
		total += b.Count
	}
	return total
}

// SortedBackends returns backend names ordered by descending count, then name
func (s *Snapshot) SortedBackends() []string {
	names := make([]string, 0, len(s.Backends))
	for name := range s.Backends {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := s.Backends[names[i]], s.Backends[names[j]]
		if ci != cj {
			return ci > cj
		}
		return names[i] < names[j]
	})
	return names
}

// Check verifies the counter invariants of the snapshot
func (s *Snapshot) Check() error {
	if s.SuccessCount+s.FailureCount != s.TotalRequests {
		return fmt.Errorf("%w: success %d + failure %d != total %d",
			ErrInconsistentSnapshot, s.SuccessCount, s.FailureCount, s.TotalRequests)
	}
	if bt := s.BucketTotal(); bt != s.TotalRequests {
		return fmt.Errorf("%w: bucket sum %d != total %d", ErrInconsistentSnapshot, bt, s.TotalRequests)
	}
	var backends int64
	for _, v := range s.Backends {
		backends += v
	}
	if backends != s.TotalRequests {
		return fmt.Errorf("%w: backend sum %d != total %d", ErrInconsistentSnapshot, backends, s.TotalRequests)
	}
	return nil
}
