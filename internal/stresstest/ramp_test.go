package stresstest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRamp_TargetAt(t *testing.T) {
	r := Ramp{
		Start: 0,
		Stages: []Stage{
			{Duration: 10 * time.Second, Target: 100},
			{Duration: 10 * time.Second, Target: 100},
			{Duration: 5 * time.Second, Target: 0},
		},
	}

	tests := []struct {
		elapsed time.Duration
		target  int
		stage   int
		done    bool
	}{
		{0, 0, 0, false},
		{5 * time.Second, 50, 0, false},
		{10 * time.Second, 100, 1, false},
		{15 * time.Second, 100, 1, false},
		{20 * time.Second, 100, 2, false},
		{22500 * time.Millisecond, 50, 2, false},
		{25 * time.Second, 0, 2, true},
		{time.Hour, 0, 2, true},
	}

	for _, tt := range tests {
		target, stage, done := r.TargetAt(tt.elapsed)
		assert.Equal(t, tt.target, target, "elapsed %s", tt.elapsed)
		assert.Equal(t, tt.stage, stage, "elapsed %s", tt.elapsed)
		assert.Equal(t, tt.done, done, "elapsed %s", tt.elapsed)
	}
}

func TestRamp_StartTargetAndZeroDurationStage(t *testing.T) {
	r := Ramp{
		Start: 10,
		Stages: []Stage{
			{Duration: 0, Target: 40},
			{Duration: 4 * time.Second, Target: 20},
		},
	}

	target, stage, done := r.TargetAt(0)
	assert.Equal(t, 40, target)
	assert.Equal(t, 1, stage)
	assert.False(t, done)

	target, _, _ = r.TargetAt(2 * time.Second)
	assert.Equal(t, 30, target)
}

func TestRamp_NoStages(t *testing.T) {
	target, _, done := Ramp{Start: 5}.TargetAt(time.Second)
	assert.Equal(t, 5, target)
	assert.True(t, done)
}

// driverFixture builds workers backed by a fakeRequester and tracks them
type driverFixture struct {
	agg     *Aggregator
	req     *fakeRequester
	mu      sync.Mutex
	workers []*Worker
}

func (f *driverFixture) spawn(id int64) *Worker {
	w := NewWorker(id, f.req, f.agg, ThinkTime{Min: time.Millisecond, Max: 2 * time.Millisecond})
	f.mu.Lock()
	f.workers = append(f.workers, w)
	f.mu.Unlock()
	return w
}

func newDriverFixture() *driverFixture {
	agg := NewAggregator(DefaultBuckets(), 0, 0)
	return &driverFixture{agg: agg, req: &fakeRequester{recorder: agg}}
}

func TestDriver_FollowsRamp(t *testing.T) {
	f := newDriverFixture()
	var stages []int
	d := NewDriver(DriverConfig{
		Load: &LoadConfig{
			TickInterval: 5 * time.Millisecond,
			GracefulStop: time.Second,
			Stages: []Stage{
				{Duration: 100 * time.Millisecond, Target: 20},
				{Duration: 100 * time.Millisecond, Target: 20},
				{Duration: 50 * time.Millisecond, Target: 5},
			},
		},
		Spawn:   f.spawn,
		OnStage: func(stage, target int) { stages = append(stages, stage) },
	})

	require.NoError(t, d.Run(context.Background()))

	assert.Equal(t, []int{0, 1, 2}, stages)
	assert.Equal(t, 0, d.Live())
	assert.Equal(t, int64(0), f.agg.ActiveWorkers())
	assert.Equal(t, int64(20), f.agg.Snapshot().PeakWorkers)
	assert.Equal(t, int64(20), d.Spawned())

	for _, w := range f.workers {
		select {
		case <-w.Done():
		default:
			t.Fatalf("worker %d still running after Run returned", w.ID())
		}
	}
	require.NoError(t, f.agg.Snapshot().Check())
}

func TestDriver_RetiresNewestFirst(t *testing.T) {
	f := newDriverFixture()
	d := NewDriver(DriverConfig{
		Load:  &LoadConfig{Stages: []Stage{{Duration: time.Second, Target: 10}}},
		Spawn: f.spawn,
	})

	ctx := context.Background()
	d.scale(ctx, 10)
	require.Equal(t, 10, d.Live())

	d.scale(ctx, 6)
	assert.Equal(t, 6, d.Live())

	for _, w := range f.workers[6:] {
		<-w.Done()
	}
	for _, w := range f.workers[:6] {
		select {
		case <-w.Done():
			t.Fatalf("older worker %d was retired", w.ID())
		default:
		}
	}

	// New workers get fresh ids
	d.scale(ctx, 8)
	assert.Equal(t, int64(10), f.workers[10].ID())
	assert.Equal(t, int64(11), f.workers[11].ID())

	d.scale(ctx, 0)
	d.wg.Wait()
	assert.Equal(t, int64(0), f.agg.ActiveWorkers())
}

func TestDriver_ClampsToMaxWorkers(t *testing.T) {
	f := newDriverFixture()
	d := NewDriver(DriverConfig{
		Load:  &LoadConfig{MaxWorkers: 5, Stages: []Stage{{Duration: time.Second, Target: 5}}},
		Spawn: f.spawn,
	})

	d.scale(context.Background(), 50)
	assert.Equal(t, 5, d.Live())
	assert.Equal(t, 5, d.Target())

	d.scale(context.Background(), 0)
	d.wg.Wait()
}

func TestDriver_CancelStopsEarly(t *testing.T) {
	f := newDriverFixture()
	d := NewDriver(DriverConfig{
		Load: &LoadConfig{
			TickInterval: 5 * time.Millisecond,
			GracefulStop: time.Second,
			Stages:       []Stage{{Duration: time.Hour, Target: 10}},
		},
		Spawn: f.spawn,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(0), f.agg.ActiveWorkers())
}

func TestDriver_HardStopAfterGracePeriod(t *testing.T) {
	agg := NewAggregator(DefaultBuckets(), 0, 0)
	blocking := RequesterFunc(func(ctx context.Context, workerID, iteration int64) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})

	d := NewDriver(DriverConfig{
		Load: &LoadConfig{
			TickInterval: 5 * time.Millisecond,
			GracefulStop: 50 * time.Millisecond,
			Stages:       []Stage{{Duration: 20 * time.Millisecond, Target: 3}},
		},
		Spawn: func(id int64) *Worker {
			return NewWorker(id, blocking, agg, ThinkTime{})
		},
	})

	start := time.Now()
	require.NoError(t, d.Run(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(0), agg.ActiveWorkers())
	assert.Equal(t, int64(0), agg.Snapshot().TotalRequests)
}
