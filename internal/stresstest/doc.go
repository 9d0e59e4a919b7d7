/*
Package stresstest provides ramped load generation against a single HTTP endpoint.

# Overview

A load test is described by a Config: the endpoint, its retry budget and backoff,
a think time range, and a list of ramp stages. The Executor grows and shrinks a pool
of virtual workers to follow the ramp while every logical request is folded into a
sharded, memory-bounded Aggregator.

# Architecture

  - Backoff (backoff.go): capped exponential delay between retries
  - Buckets and BackendOf (classifier.go): latency bins and backend identification
  - AttemptExecutor (attempt.go): one logical request through its retry budget
  - Aggregator (aggregator.go): sharded counters and HDR histograms, consistent snapshots
  - Worker (worker.go): the think, request, think loop of one virtual user
  - Ramp and Driver (ramp.go): concurrency schedule and worker lifecycle
  - Executor (executor.go): wires the above, samples a timeline, finalizes the run
  - Manager (manager.go): SQLite persistence of runs, samples, backends and reports

# Request Outcomes

Each logical request produces exactly one Outcome. Attempts are retried while the
status differs from the expected one or the transport fails, up to MaxRetries. A
success carries the backend named by the first matching response header, or
"unknown". An exhausted request carries the "error" backend. Latency runs from the
first attempt to resolution and includes backoff pauses.

Requests interrupted by context cancellation are not recorded at all.

# Aggregation

Outcomes are routed to a shard by worker id, so a worker always hits the same lock.
Each shard keeps counters, a fixed bin array and an HDR histogram; memory does not
grow with the number of requests. Snapshot locks every shard in order, copies, then
merges outside the locks. In any snapshot:

	SuccessCount + FailureCount == TotalRequests
	sum(Buckets) == TotalRequests
	sum(Backends) == TotalRequests

Distinct backend names are capped at MaxBackends; later names count as "other".

# Ramp

Targets move linearly within each stage from the previous stage's target. The driver
re-evaluates every TickInterval, spawning new workers or retiring the newest ones.
Retired workers finish their in-flight request. When the ramp ends or the context is
cancelled, all workers are retired and given GracefulStop to drain before their
requests are cancelled.

# Example Usage

	manager, err := NewManager("loadramp.db")
	if err != nil {
		return err
	}
	defer manager.Close()

	executor, err := NewExecutor(&ExecutionConfig{Config: cfg, Logger: logger}, manager)
	if err != nil {
		return err
	}

	executor.Start(ctx)
	run, err := executor.Wait()
	if err != nil {
		return err
	}

	snap := executor.FinalSnapshot()
	fmt.Printf("%d requests, p95 %s\n", run.TotalRequests, snap.Latency.P95)

# Thread Safety

Aggregator, Worker, Driver and Executor methods are safe for concurrent use.
Snapshots are immutable once returned.
*/
package stresstest
