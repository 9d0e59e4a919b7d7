package stresstest

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"
)

// Requester executes one logical request for a worker iteration
type Requester interface {
	Execute(ctx context.Context, workerID, iteration int64) (Outcome, error)
}

// ActiveGauge tracks the number of live workers
type ActiveGauge interface {
	RecordActiveDelta(delta int64)
}

// ThinkTime is the uniform range a worker pauses between requests
type ThinkTime struct {
	Min time.Duration
	Max time.Duration
}

// Next draws a pause from [Min, Max]
func (t ThinkTime) Next() time.Duration {
	if t.Max <= t.Min {
		return t.Min
	}
	return t.Min + rand.N(t.Max-t.Min+1)
}

// Worker is one simulated client: think, request, think, repeat until retired
type Worker struct {
	id        int64
	requester Requester
	gauge     ActiveGauge
	think     ThinkTime

	iteration  atomic.Int64
	retire     chan struct{}
	retireOnce sync.Once
	done       chan struct{}
}

// NewWorker creates a worker; it does nothing until Run is called
func NewWorker(id int64, requester Requester, gauge ActiveGauge, think ThinkTime) *Worker {
	return &Worker{
		id:        id,
		requester: requester,
		gauge:     gauge,
		think:     think,
		retire:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the worker id
func (w *Worker) ID() int64 {
	return w.id
}

// Iterations returns how many logical requests the worker has completed
func (w *Worker) Iterations() int64 {
	return w.iteration.Load()
}

// Retire asks the worker to stop at its next iteration boundary.
// A request already in flight still completes and is recorded. Safe to call more than once.
func (w *Worker) Retire() {
	w.retireOnce.Do(func() {
		close(w.retire)
	})
}

// Done is closed once Run has returned and the gauge has been decremented
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run executes the worker loop until retirement or until ctx is done.
// The active gauge is incremented on entry and decremented exactly once on return.
func (w *Worker) Run(ctx context.Context) {
	w.gauge.RecordActiveDelta(1)
	defer func() {
		w.gauge.RecordActiveDelta(-1)
		close(w.done)
	}()

	for {
		if w.retired() || ctx.Err() != nil {
			return
		}
		if !w.pause(ctx) {
			return
		}
		if w.retired() {
			return
		}

		if _, err := w.requester.Execute(ctx, w.id, w.iteration.Load()); err != nil {
			return
		}
		w.iteration.Add(1)

		if !w.pause(ctx) {
			return
		}
	}
}

func (w *Worker) retired() bool {
	select {
	case <-w.retire:
		return true
	default:
		return false
	}
}

// pause sleeps for a think time; it returns false if the worker was retired or ctx ended
func (w *Worker) pause(ctx context.Context) bool {
	d := w.think.Next()
	if d <= 0 {
		return !w.retired() && ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-w.retire:
		return false
	case <-ctx.Done():
		return false
	}
}

// RequesterFunc adapts a function to the Requester interface
type RequesterFunc func(ctx context.Context, workerID, iteration int64) (Outcome, error)

// Execute calls f
func (f RequesterFunc) Execute(ctx context.Context, workerID, iteration int64) (Outcome, error) {
	return f(ctx, workerID, iteration)
}
