package stresstest

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Ramp maps elapsed time to a target concurrency
type Ramp struct {
	Start  int
	Stages []Stage
}

// TargetAt returns the target at elapsed, the index of the active stage and whether
// every stage has finished. Targets move linearly within a stage.
func (r Ramp) TargetAt(elapsed time.Duration) (target int, stage int, done bool) {
	prev := r.Start
	for i, s := range r.Stages {
		if elapsed < s.Duration {
			frac := float64(elapsed) / float64(s.Duration)
			return prev + int(math.Round(float64(s.Target-prev)*frac)), i, false
		}
		elapsed -= s.Duration
		prev = s.Target
	}
	return prev, len(r.Stages) - 1, true
}

// WorkerFactory builds the worker for a newly spawned id
type WorkerFactory func(id int64) *Worker

// DriverConfig wires a Driver
type DriverConfig struct {
	Load    *LoadConfig
	Spawn   WorkerFactory
	Logger  *zap.Logger
	OnStage func(stage int, target int) // Optional, called when the active stage changes
}

// Driver spawns and retires workers so the live count follows the ramp
type Driver struct {
	ramp         Ramp
	tick         time.Duration
	maxWorkers   int
	gracefulStop time.Duration
	spawn        WorkerFactory
	onStage      func(stage int, target int)
	logger       *zap.Logger

	mu      sync.Mutex
	workers []*Worker // live, newest last
	nextID  int64
	wg      sync.WaitGroup

	target  atomic.Int64
	stage   atomic.Int64
	spawned atomic.Int64
}

// NewDriver creates a ramp driver
func NewDriver(cfg DriverConfig) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		ramp:         Ramp{Start: cfg.Load.StartTarget, Stages: cfg.Load.Stages},
		tick:         cfg.Load.GetTickInterval(),
		maxWorkers:   cfg.Load.GetMaxWorkers(),
		gracefulStop: cfg.Load.GetGracefulStop(),
		spawn:        cfg.Spawn,
		onStage:      cfg.OnStage,
		logger:       logger,
	}
	d.stage.Store(-1)
	return d
}

// Run follows the ramp until every stage has elapsed or ctx is done, then retires all
// workers and waits for in-flight requests. Workers that outlive the graceful stop
// period are cancelled. Returns ctx.Err() when the ramp was interrupted.
func (d *Driver) Run(ctx context.Context) error {
	workerCtx, hardStop := context.WithCancel(context.WithoutCancel(ctx))
	defer hardStop()

	start := time.Now()
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		target, stage, done := d.ramp.TargetAt(time.Since(start))
		d.observeStage(stage, target)
		d.scale(workerCtx, target)
		if done {
			break
		}

		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			d.logger.Info("ramp interrupted, retiring workers", zap.Int64("active", d.target.Load()))
			break loop
		case <-ticker.C:
		}
	}

	d.scale(workerCtx, 0)

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(d.gracefulStop)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		d.logger.Warn("graceful stop elapsed, cancelling in-flight requests",
			zap.Duration("graceful_stop", d.gracefulStop))
		hardStop()
		<-drained
	}

	return runErr
}

// scale spawns or retires workers until the live count equals target
func (d *Driver) scale(ctx context.Context, target int) {
	if target > d.maxWorkers {
		target = d.maxWorkers
	}
	if target < 0 {
		target = 0
	}
	d.target.Store(int64(target))

	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.workers) < target {
		w := d.spawn(d.nextID)
		d.nextID++
		d.workers = append(d.workers, w)
		d.spawned.Add(1)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			w.Run(ctx)
		}()
	}
	for len(d.workers) > target {
		last := len(d.workers) - 1
		d.workers[last].Retire()
		d.workers[last] = nil
		d.workers = d.workers[:last]
	}
}

func (d *Driver) observeStage(stage, target int) {
	if int64(stage) == d.stage.Load() {
		return
	}
	d.stage.Store(int64(stage))
	d.logger.Info("ramp stage", zap.Int("stage", stage+1), zap.Int("target", target))
	if d.onStage != nil {
		d.onStage(stage, target)
	}
}

// Target returns the concurrency the driver is currently aiming for
func (d *Driver) Target() int {
	return int(d.target.Load())
}

// Stage returns the zero-based index of the active stage, -1 before the first tick
func (d *Driver) Stage() int {
	return int(d.stage.Load())
}

// Spawned returns how many workers have been started in total
func (d *Driver) Spawned() int64 {
	return d.spawned.Load()
}

// Live returns the number of workers not yet retired
func (d *Driver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}
