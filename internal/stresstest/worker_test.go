package stresstest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingGauge records every delta it receives
type countingGauge struct {
	value atomic.Int64
	incs  atomic.Int64
	decs  atomic.Int64
}

func (g *countingGauge) RecordActiveDelta(delta int64) {
	g.value.Add(delta)
	if delta > 0 {
		g.incs.Add(1)
	} else {
		g.decs.Add(1)
	}
}

// fakeRequester returns success after an optional delay and remembers iteration ids
type fakeRequester struct {
	delay    time.Duration
	started  chan struct{}
	mu       sync.Mutex
	seen     []int64
	recorder Recorder
}

func (f *fakeRequester) Execute(ctx context.Context, workerID, iteration int64) (Outcome, error) {
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.delay > 0 {
		// In-flight work ignores retirement, like a real HTTP call
		time.Sleep(f.delay)
	}
	if ctx.Err() != nil {
		return Outcome{}, ctx.Err()
	}
	o := Outcome{Success: true, Backend: "node", WorkerID: workerID, Iteration: iteration, Attempts: 1}
	f.mu.Lock()
	f.seen = append(f.seen, iteration)
	f.mu.Unlock()
	if f.recorder != nil {
		f.recorder.Record(o)
	}
	return o, nil
}

func (f *fakeRequester) iterations() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.seen...)
}

func TestThinkTime_Next(t *testing.T) {
	think := ThinkTime{Min: 10 * time.Millisecond, Max: 20 * time.Millisecond}
	for i := 0; i < 1000; i++ {
		d := think.Next()
		assert.GreaterOrEqual(t, d, think.Min)
		assert.LessOrEqual(t, d, think.Max)
	}

	assert.Equal(t, 5*time.Millisecond, ThinkTime{Min: 5 * time.Millisecond, Max: 5 * time.Millisecond}.Next())
	assert.Equal(t, time.Duration(0), ThinkTime{}.Next())
}

func TestWorker_IterationsIncrementMonotonically(t *testing.T) {
	gauge := &countingGauge{}
	req := &fakeRequester{}
	w := NewWorker(3, req, gauge, ThinkTime{})

	go w.Run(context.Background())

	require.Eventually(t, func() bool { return w.Iterations() >= 20 }, 2*time.Second, time.Millisecond)
	w.Retire()
	<-w.Done()

	seen := req.iterations()
	require.NotEmpty(t, seen)
	for i, it := range seen {
		assert.Equal(t, int64(i), it)
	}
	assert.Equal(t, int64(len(seen)), w.Iterations())
}

func TestWorker_GaugeDecrementedExactlyOnce(t *testing.T) {
	gauge := &countingGauge{}
	w := NewWorker(1, &fakeRequester{}, gauge, ThinkTime{Min: time.Millisecond, Max: 2 * time.Millisecond})

	go w.Run(context.Background())
	require.Eventually(t, func() bool { return gauge.value.Load() == 1 }, time.Second, time.Millisecond)

	w.Retire()
	w.Retire()
	<-w.Done()

	assert.Equal(t, int64(1), gauge.incs.Load())
	assert.Equal(t, int64(1), gauge.decs.Load())
	assert.Equal(t, int64(0), gauge.value.Load())
}

func TestWorker_InFlightRequestCompletesAfterRetire(t *testing.T) {
	gauge := &countingGauge{}
	rec := &outcomeRecorder{}
	req := &fakeRequester{delay: 100 * time.Millisecond, started: make(chan struct{}, 1), recorder: rec}
	w := NewWorker(1, req, gauge, ThinkTime{})

	go w.Run(context.Background())

	<-req.started
	w.Retire()
	<-w.Done()

	// The request that was running when the worker retired is still recorded
	assert.Len(t, rec.all(), 1)
	assert.Equal(t, int64(1), w.Iterations())
	assert.Equal(t, int64(0), gauge.value.Load())
}

func TestWorker_RetireInterruptsThinkTime(t *testing.T) {
	gauge := &countingGauge{}
	w := NewWorker(1, &fakeRequester{}, gauge, ThinkTime{Min: time.Hour, Max: time.Hour})

	go w.Run(context.Background())
	require.Eventually(t, func() bool { return gauge.value.Load() == 1 }, time.Second, time.Millisecond)

	w.Retire()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop during think time")
	}
	assert.Equal(t, int64(0), w.Iterations())
}

func TestWorker_ContextCancelStops(t *testing.T) {
	gauge := &countingGauge{}
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(1, &fakeRequester{}, gauge, ThinkTime{Min: time.Millisecond, Max: time.Millisecond})

	go w.Run(ctx)
	require.Eventually(t, func() bool { return w.Iterations() > 0 }, time.Second, time.Millisecond)

	cancel()
	<-w.Done()
	assert.Equal(t, int64(1), gauge.decs.Load())
}

func TestWorker_ManyWorkersShareAggregator(t *testing.T) {
	agg := NewAggregator(DefaultBuckets(), 0, 0)
	req := &fakeRequester{recorder: agg}

	workers := make([]*Worker, 200)
	for i := range workers {
		workers[i] = NewWorker(int64(i), req, agg, ThinkTime{Min: time.Millisecond, Max: 3 * time.Millisecond})
		go workers[i].Run(context.Background())
	}

	require.Eventually(t, func() bool { return agg.ActiveWorkers() == 200 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	for _, w := range workers {
		w.Retire()
	}
	var iterations int64
	for _, w := range workers {
		<-w.Done()
		iterations += w.Iterations()
	}

	snap := agg.Snapshot()
	require.NoError(t, snap.Check())
	assert.Equal(t, int64(0), snap.ActiveWorkers)
	assert.Equal(t, int64(200), snap.PeakWorkers)
	assert.Equal(t, iterations, snap.TotalRequests)
}
