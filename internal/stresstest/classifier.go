package stresstest

import (
	"fmt"
	"net/http"
	"sort"
	"time"
)

const (
	// BackendError identifies outcomes where no attempt succeeded
	BackendError = "error"
	// BackendUnknown identifies successful responses without any backend header
	BackendUnknown = "unknown"
)

// DefaultBackendHeaders is the lookup order used to identify which backend served a response
var DefaultBackendHeaders = []string{"X-Backend-Server", "X-Served-By", "Server"}

// DefaultBucketBounds are the upper bounds of the latency histogram bins
var DefaultBucketBounds = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
}

// Buckets partitions [0, inf) into contiguous latency bins.
// Bin i covers [bounds[i-1], bounds[i]); the last bin is open-ended.
type Buckets struct {
	bounds []time.Duration
	labels []string
}

// NewBuckets creates a partition from strictly increasing positive upper bounds.
// With no bounds the partition has a single open bin.
func NewBuckets(bounds ...time.Duration) (Buckets, error) {
	for i, b := range bounds {
		if b <= 0 {
			return Buckets{}, fmt.Errorf("bucket bound %d must be positive, got %s", i, b)
		}
		if i > 0 && b <= bounds[i-1] {
			return Buckets{}, fmt.Errorf("bucket bounds must be strictly increasing (%s after %s)", b, bounds[i-1])
		}
	}

	owned := make([]time.Duration, len(bounds))
	copy(owned, bounds)

	labels := make([]string, len(owned)+1)
	lower := time.Duration(0)
	for i, upper := range owned {
		labels[i] = fmt.Sprintf("%d-%dms", lower.Milliseconds(), upper.Milliseconds())
		lower = upper
	}
	labels[len(owned)] = fmt.Sprintf("%dms+", lower.Milliseconds())

	return Buckets{bounds: owned, labels: labels}, nil
}

// DefaultBuckets returns the 100/200/500/1000/2000/5000ms partition
func DefaultBuckets() Buckets {
	b, _ := NewBuckets(DefaultBucketBounds...)
	return b
}

// Len returns the number of bins, including the open top bin
func (b Buckets) Len() int {
	return len(b.bounds) + 1
}

// Of returns the index of the bin containing latency
func (b Buckets) Of(latency time.Duration) int {
	if latency < 0 {
		latency = 0
	}
	return sort.Search(len(b.bounds), func(i int) bool {
		return latency < b.bounds[i]
	})
}

// Label returns the display label of bin i
func (b Buckets) Label(i int) string {
	if i < 0 || i >= len(b.labels) {
		return ""
	}
	return b.labels[i]
}

// Range returns the [lower, upper) range of bin i; upper is 0 for the open top bin
func (b Buckets) Range(i int) (lower, upper time.Duration) {
	if i > 0 && i <= len(b.bounds) {
		lower = b.bounds[i-1]
	}
	if i < len(b.bounds) {
		upper = b.bounds[i]
	}
	return lower, upper
}

// Bounds returns a copy of the configured upper bounds
func (b Buckets) Bounds() []time.Duration {
	out := make([]time.Duration, len(b.bounds))
	copy(out, b.bounds)
	return out
}

// BackendOf returns the first non-empty header among keys, or BackendUnknown
func BackendOf(header http.Header, keys []string) string {
	for _, key := range keys {
		if v := header.Get(key); v != "" {
			return v
		}
	}
	return BackendUnknown
}
