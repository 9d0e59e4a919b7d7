package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/studiowebux/loadramp/internal/stresstest"
)

const namespace = "loadramp"

// Collector exports the live aggregator snapshot as Prometheus metrics.
// Every scrape takes one snapshot so all series are mutually consistent.
type Collector struct {
	source Source

	requests  *prometheus.Desc
	outcomes  *prometheus.Desc
	retries   *prometheus.Desc
	attempts  *prometheus.Desc
	active    *prometheus.Desc
	peak      *prometheus.Desc
	target    *prometheus.Desc
	stage     *prometheus.Desc
	latency   *prometheus.Desc
	backends  *prometheus.Desc
	quantiles *prometheus.Desc
}

// NewCollector returns a collector reading from source
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		requests: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "requests_total"),
			"Logical requests completed", nil, nil),
		outcomes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "outcomes_total"),
			"Logical requests by final outcome", []string{"outcome"}, nil),
		retries: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "retries_total"),
			"Retries performed across all requests", nil, nil),
		attempts: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "attempts_total"),
			"HTTP attempts performed across all requests", nil, nil),
		active: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "active_workers"),
			"Virtual workers currently running", nil, nil),
		peak: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "peak_workers"),
			"Highest number of concurrent virtual workers", nil, nil),
		target: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "target_workers"),
			"Worker count the ramp currently asks for", nil, nil),
		stage: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "stage"),
			"Index of the current ramp stage, -1 before the first", nil, nil),
		latency: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "request_duration_seconds"),
			"Latency of logical requests, retries and backoff included", nil, nil),
		backends: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "backend_requests_total"),
			"Logical requests by responding backend", []string{"backend"}, nil),
		quantiles: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "latency_quantile_seconds"),
			"Latency percentiles from the merged HDR histogram", []string{"quantile"}, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.outcomes
	ch <- c.retries
	ch <- c.attempts
	ch <- c.active
	ch <- c.peak
	ch <- c.target
	ch <- c.stage
	ch <- c.latency
	ch <- c.backends
	ch <- c.quantiles
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Snapshot()
	progress := c.source.Progress()

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(snap.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.outcomes, prometheus.CounterValue, float64(snap.SuccessCount), "success")
	ch <- prometheus.MustNewConstMetric(c.outcomes, prometheus.CounterValue, float64(snap.FailureCount), "failure")
	ch <- prometheus.MustNewConstMetric(c.retries, prometheus.CounterValue, float64(snap.TotalRetries))
	ch <- prometheus.MustNewConstMetric(c.attempts, prometheus.CounterValue, float64(snap.TotalAttempts))
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(snap.ActiveWorkers))
	ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, float64(snap.PeakWorkers))
	ch <- prometheus.MustNewConstMetric(c.target, prometheus.GaugeValue, float64(progress.Target))
	ch <- prometheus.MustNewConstMetric(c.stage, prometheus.GaugeValue, float64(progress.Stage))

	count, buckets := cumulativeBuckets(snap.Buckets)
	sum := snap.Latency.Mean.Seconds() * float64(snap.Latency.Count)
	ch <- prometheus.MustNewConstHistogram(c.latency, count, sum, buckets)

	for backend, n := range snap.Backends {
		ch <- prometheus.MustNewConstMetric(c.backends, prometheus.CounterValue, float64(n), backend)
	}

	if snap.TotalRequests > 0 {
		for _, q := range []struct {
			label string
			value float64
		}{
			{"0.5", snap.Latency.P50.Seconds()},
			{"0.9", snap.Latency.P90.Seconds()},
			{"0.95", snap.Latency.P95.Seconds()},
			{"0.99", snap.Latency.P99.Seconds()},
		} {
			ch <- prometheus.MustNewConstMetric(c.quantiles, prometheus.GaugeValue, q.value, q.label)
		}
	}
}

// cumulativeBuckets converts the [lower, upper) bins into Prometheus "le" buckets.
// The open top bin only contributes to the total count (+Inf).
func cumulativeBuckets(bins []stresstest.BucketCount) (uint64, map[float64]uint64) {
	buckets := make(map[float64]uint64, len(bins))
	var running uint64
	for _, b := range bins {
		running += uint64(b.Count)
		if b.UpperMs > 0 {
			buckets[float64(b.UpperMs)/1000] = running
		}
	}
	return running, buckets
}
