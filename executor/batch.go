package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/quorumai/mesh/core"
	"github.com/quorumai/mesh/graph"
)

// OpType distinguishes the optimized spawn path from ordinary operations.
type OpType string

const (
	OpGeneric    OpType = "generic"
	OpAgentSpawn OpType = "agent_spawn"
)

// RetryPolicy controls per-operation retry. Non-retryable errors bypass
// retry entirely regardless of attempts remaining.
type RetryPolicy struct {
	MaxAttempts int           // default 3
	BaseDelay   time.Duration // default 100ms; delay(attempt) = BaseDelay * 2^(attempt-1)
}

// DefaultRetryPolicy matches the batch executor's spec default: 3 attempts,
// exponential backoff with a 100ms base.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Operation is one unit of work submitted to ExecuteBatch. Fn does the
// actual work; its error is classified via Retryable (when set) to decide
// whether ExecuteBatch retries it.
type Operation struct {
	ID        string
	Type      OpType
	DependsOn []string
	Fn        func(ctx context.Context) (interface{}, error)
	Retry     RetryPolicy
	// Retryable reports whether err should be retried. Nil defaults to
	// "always retryable" except for context cancellation/deadline errors.
	Retryable func(err error) bool
}

// Result is the per-operation outcome recorded into a BatchResult. A
// failed operation never aborts the batch by itself — only a graph cycle,
// resource exhaustion, or whole-batch timeout does that (see ExecuteBatch).
type Result struct {
	OpID     string
	Success  bool
	Value    interface{}
	Err      error
	Attempts int
	Duration time.Duration
	TimedOut bool
}

// BatchResult aggregates every operation's Result plus the metrics spec.md
// requires the executor to publish per batch.
type BatchResult struct {
	Results        []Result
	Total          int
	Successful     int
	Failed         int
	AvgSpawnTime   time.Duration
	AvgBatchTime   time.Duration
	TotalDuration  time.Duration
	ThroughputOps  float64 // ops per second over TotalDuration
	SuccessRate    float64
}

// Options configures a BatchExecutor.
type Options struct {
	MaxWorkers     int           // worker-pool size for the agent_spawn path, default 8
	MaxConcurrency int           // total in-flight ops across the whole batch, default 64
	SpawnDeadline  time.Duration // per-spawn deadline, default 100ms
	Logger         core.Logger
	Bus            *core.Bus
}

func (o *Options) withDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	cp := *o
	if cp.MaxWorkers <= 0 {
		cp.MaxWorkers = 8
	}
	if cp.MaxConcurrency <= 0 {
		cp.MaxConcurrency = 64
	}
	if cp.SpawnDeadline <= 0 {
		cp.SpawnDeadline = 100 * time.Millisecond
	}
	if cp.Logger == nil {
		cp.Logger = core.NewProductionLogger(
			core.LoggingConfig{Level: "error", Format: "json", Output: "stdout"},
			core.DevelopmentConfig{},
			"executor",
		)
	}
	return &cp
}

// BatchExecutor builds a dependency graph from a batch of operations,
// executes it stage by stage, and routes agent_spawn operations through a
// bounded worker pool with a hard per-spawn deadline.
type BatchExecutor struct {
	opts     *Options
	pool     *SlotPool
	spawnCh  chan func()
	spawnWG  sync.WaitGroup
	closeOne sync.Once
	done     chan struct{}
}

// New creates a BatchExecutor. The resource pool backing MaxConcurrency is
// owned by this executor; call Close when done to stop its worker pool.
func New(opts *Options) *BatchExecutor {
	o := opts.withDefaults()
	e := &BatchExecutor{
		opts:    o,
		pool:    NewSlotPool(o.MaxConcurrency),
		spawnCh: make(chan func(), o.MaxConcurrency),
		done:    make(chan struct{}),
	}
	for i := 0; i < o.MaxWorkers; i++ {
		e.spawnWG.Add(1)
		go e.spawnWorker()
	}
	return e
}

func (e *BatchExecutor) spawnWorker() {
	defer e.spawnWG.Done()
	for {
		select {
		case fn, ok := <-e.spawnCh:
			if !ok {
				return
			}
			fn()
		case <-e.done:
			return
		}
	}
}

// Close stops the spawn worker pool. ExecuteBatch must not be called
// concurrently with or after Close.
func (e *BatchExecutor) Close() {
	e.closeOne.Do(func() {
		close(e.done)
		close(e.spawnCh)
	})
	e.spawnWG.Wait()
}

// ExecuteBatch builds a dependency graph over ops, stages it, and runs each
// stage concurrently. A graph cycle, resource exhaustion, or an expired ctx
// aborts the whole batch and is returned as the batch-level error;
// individual operation failures are captured into per-op Results instead.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, ops []Operation) (*BatchResult, error) {
	start := time.Now()

	g := graph.New()
	byID := make(map[string]Operation, len(ops))
	for _, op := range ops {
		g.AddNode(op.ID, op)
		byID[op.ID] = op
	}
	for _, op := range ops {
		for _, dep := range op.DependsOn {
			g.AddDependency(op.ID, dep)
		}
	}

	stages, err := g.ExecutionOrder()
	if err != nil {
		e.opts.Logger.Error("batch aborted: dependency graph", map[string]interface{}{"error": err.Error()})
		return nil, fmt.Errorf("batch executor: %w", err)
	}

	e.opts.Logger.Debug("executing batch", map[string]interface{}{"ops": len(ops), "stages": len(stages)})

	results := make([]Result, 0, len(ops))
	var spawnDurations []time.Duration

	for i, stage := range stages {
		select {
		case <-ctx.Done():
			e.opts.Logger.Error("batch aborted: deadline exceeded", map[string]interface{}{"stage": i})
			return nil, fmt.Errorf("batch executor: batch deadline exceeded: %w", ctx.Err())
		default:
		}

		stageResults, stageSpawns, err := e.runStage(ctx, stage, byID)
		if err != nil {
			e.opts.Logger.Error("batch aborted: stage failure", map[string]interface{}{"stage": i, "error": err.Error()})
			return nil, err
		}
		results = append(results, stageResults...)
		spawnDurations = append(spawnDurations, stageSpawns...)
	}

	total := len(results)
	successful := 0
	for _, r := range results {
		if r.Success {
			successful++
		}
	}
	failed := total - successful
	elapsed := time.Since(start)

	br := &BatchResult{
		Results:       results,
		Total:         total,
		Successful:    successful,
		Failed:        failed,
		AvgSpawnTime:  average(spawnDurations),
		AvgBatchTime:  elapsed,
		TotalDuration: elapsed,
	}
	if elapsed > 0 {
		br.ThroughputOps = float64(total) / elapsed.Seconds()
	}
	if total > 0 {
		br.SuccessRate = float64(successful) / float64(total)
	}

	if p95 := percentile95(spawnDurations); p95 > e.opts.SpawnDeadline {
		e.publish(core.EventSpawnP95Exceeded, map[string]interface{}{
			"p95_ms":    p95.Milliseconds(),
			"target_ms": e.opts.SpawnDeadline.Milliseconds(),
		})
	}
	e.publish(core.EventBatchCompleted, map[string]interface{}{
		"total":        br.Total,
		"successful":   br.Successful,
		"failed":       br.Failed,
		"success_rate": br.SuccessRate,
		"duration_ms":  elapsed.Milliseconds(),
	})

	return br, nil
}

func (e *BatchExecutor) runStage(ctx context.Context, ids []string, byID map[string]Operation) ([]Result, []time.Duration, error) {
	results := make([]Result, len(ids))
	spawnDurations := make([]time.Duration, 0, len(ids))
	var spawnMu sync.Mutex

	if err := e.pool.AllocateBatch(len(ids)); err != nil {
		return nil, nil, fmt.Errorf("batch executor: %w", err)
	}
	defer e.pool.Release(len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		op, ok := byID[id]
		if !ok {
			results[i] = Result{OpID: id, Success: false, Err: fmt.Errorf("unknown operation %q", id)}
			continue
		}
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			var res Result
			if op.Type == OpAgentSpawn {
				res = e.runSpawn(ctx, op)
				spawnMu.Lock()
				spawnDurations = append(spawnDurations, res.Duration)
				spawnMu.Unlock()
			} else {
				res = e.runWithRetry(ctx, op)
			}
			results[idx] = res
		}()
	}
	wg.Wait()

	return results, spawnDurations, nil
}

// runSpawn dispatches op onto the spawn worker pool and enforces the
// per-spawn deadline: on a deadline miss it records a timing event and
// returns immediately with a timeout result rather than blocking the
// stage on a straggler.
func (e *BatchExecutor) runSpawn(ctx context.Context, op Operation) Result {
	start := time.Now()
	spawnCtx, cancel := context.WithTimeout(ctx, e.opts.SpawnDeadline)
	defer cancel()

	doneCh := make(chan Result, 1)
	go func() {
		select {
		case e.spawnCh <- func() {
			res := e.runWithRetry(spawnCtx, op)
			doneCh <- res
		}:
		case <-spawnCtx.Done():
		}
	}()

	timeoutResult := func() Result {
		e.publish(core.EventSpawnDeadlineMissed, map[string]interface{}{
			"op_id":       op.ID,
			"deadline_ms": e.opts.SpawnDeadline.Milliseconds(),
		})
		return Result{
			OpID:     op.ID,
			Success:  false,
			Err:      fmt.Errorf("spawn %q missed %s deadline: %w", op.ID, e.opts.SpawnDeadline, core.ErrOperationTimeout),
			TimedOut: true,
			Duration: time.Since(start),
		}
	}

	select {
	case res := <-doneCh:
		// The deadline and the result can land in the same instant; treat
		// any result that only surfaced because the context expired as a
		// deadline miss rather than racing the two detections against
		// each other.
		if errors.Is(res.Err, context.DeadlineExceeded) || errors.Is(res.Err, context.Canceled) {
			return timeoutResult()
		}
		res.Duration = time.Since(start)
		return res
	case <-spawnCtx.Done():
		return timeoutResult()
	}
}

func (e *BatchExecutor) runWithRetry(ctx context.Context, op Operation) Result {
	start := time.Now()
	policy := op.Retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	var value interface{}
	attempts := 0

	for attempts < policy.MaxAttempts {
		attempts++
		v, err := op.Fn(ctx)
		if err == nil {
			e.publish(core.EventOperationCompleted, map[string]interface{}{"op_id": op.ID, "attempts": attempts})
			return Result{OpID: op.ID, Success: true, Value: v, Attempts: attempts, Duration: time.Since(start)}
		}
		lastErr = err
		value = v

		if !isRetryable(op, err) || attempts >= policy.MaxAttempts {
			break
		}

		select {
		case <-time.After(policy.delay(attempts)):
		case <-ctx.Done():
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}

	e.publish(core.EventOperationFailed, map[string]interface{}{"op_id": op.ID, "attempts": attempts, "error": lastErr.Error()})
	return Result{OpID: op.ID, Success: false, Value: value, Err: lastErr, Attempts: attempts, Duration: time.Since(start)}
}

func isRetryable(op Operation, err error) bool {
	if op.Retryable != nil {
		return op.Retryable(err)
	}
	return err != context.Canceled && err != context.DeadlineExceeded
}

func (e *BatchExecutor) publish(eventType string, payload interface{}) {
	if e.opts.Bus == nil {
		return
	}
	e.opts.Bus.PublishEvent(eventType, payload)
}

func average(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

func percentile95(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(ds))
	copy(sorted, ds)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted))*0.95 + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
