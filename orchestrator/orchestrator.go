// Package orchestrator implements the Orchestrator (C9): the runtime's
// external entry point. It wires together model selection (router),
// task planning into operations, batch execution (executor), optional
// consensus submission, response caching (cache), and metrics fan-out,
// the same Route -> Execute -> Synthesize shape pkg/orchestration's
// StandardOrchestrator.ProcessRequest follows, generalized from a
// single fixed routing.Router dependency into this runtime's C1-C8
// component set.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/quorumai/mesh/cache"
	"github.com/quorumai/mesh/consensus"
	"github.com/quorumai/mesh/core"
	"github.com/quorumai/mesh/executor"
	"github.com/quorumai/mesh/reputation"
	"github.com/quorumai/mesh/resilience"
	"github.com/quorumai/mesh/router"
)

// Planner turns one inbound Request plus the routed model decision into
// the set of operations the batch executor should run. Supplied by the
// caller, since task decomposition is domain-specific to whatever the
// models are actually being asked to do.
type Planner func(req Request, decision router.Decision) []executor.Operation

// Request is one external call into the orchestrator.
type Request struct {
	ID              string
	Task            string
	UserTier        string
	Priority        string
	LatencyBudgetMs int
	RequireConsensus bool
	ProposerID       string
}

// Response is what the orchestrator hands back to the caller.
type Response struct {
	RequestID     string
	Model         string
	Result        *executor.BatchResult
	FromCache     bool
	ConsensusView *consensus.Proposal
	ExecutionTime time.Duration
}

// Options bundles the components an Orchestrator wires together. Every
// field is optional except Router, Executor, and Planner; Cache,
// Consensus, and Reputation are skipped when nil (caching/consensus are
// opt-in per spec.md §4.9's "when the result must be agreed" language).
type Options struct {
	Router     *router.Router
	Executor   *executor.BatchExecutor
	Planner    Planner
	Cache      *cache.Cache
	Consensus  *consensus.Core
	Reputation *reputation.Registry
	Breaker    *resilience.CircuitBreaker
	Models     []*router.Model
	Logger     core.Logger
	Bus        *core.Bus
	CacheTTL   time.Duration
}

// Orchestrator is the runtime's external entry point (C9).
type Orchestrator struct {
	opts Options
}

// New constructs an Orchestrator from a fully-assembled Options.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	return &Orchestrator{opts: opts}
}

// Process runs one request through Route -> Execute -> (optional)
// Consensus -> Cache.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if o.opts.Cache != nil {
		if raw, ok, err := o.opts.Cache.Get(ctx, req.ID); err == nil && ok {
			resp, decodeErr := decodeResponse(raw)
			if decodeErr == nil {
				resp.FromCache = true
				return resp, nil
			}
		}
	}

	if o.opts.Breaker != nil && o.opts.Breaker.GetState() == "open" {
		return nil, fmt.Errorf("circuit breaker open: request rejected")
	}

	decision, err := o.opts.Router.SelectOptimalModel(ctx, router.Request{
		Task: req.Task, UserTier: req.UserTier, Priority: req.Priority, LatencyBudgetMs: req.LatencyBudgetMs,
	}, o.opts.Models)
	if err != nil {
		o.recordOutcome(false)
		return nil, fmt.Errorf("model selection failed: %w", err)
	}

	ops := o.opts.Planner(req, decision)

	var result *executor.BatchResult
	runErr := o.runWithBreaker(func() error {
		var execErr error
		result, execErr = o.opts.Executor.ExecuteBatch(ctx, ops)
		return execErr
	})
	if runErr != nil {
		return nil, fmt.Errorf("batch execution failed: %w", runErr)
	}

	resp := &Response{
		RequestID:     req.ID,
		Model:         decision.Model,
		Result:        result,
		ExecutionTime: time.Since(start),
	}

	if req.RequireConsensus && o.opts.Consensus != nil {
		o.opts.Consensus.Propose(req.ID, 0, 0, result)
		if o.opts.Reputation == nil || o.opts.Reputation.IsAgentTrusted(req.ProposerID) {
			o.opts.Consensus.HandlePrepare(req.ID, req.ProposerID)
			o.opts.Consensus.HandleCommit(req.ID, req.ProposerID)
		}
		resp.ConsensusView = o.opts.Consensus.Get(req.ID)
	}

	if o.opts.Cache != nil && result.Failed == 0 {
		if blob, err := encodeResponse(resp); err == nil {
			ttl := o.opts.CacheTTL
			_ = o.opts.Cache.Set(ctx, req.ID, blob, ttl)
		}
	}

	if o.opts.Bus != nil {
		o.opts.Bus.PublishEvent(core.EventPerformanceMetrics, map[string]interface{}{
			"request_id":     req.ID,
			"model":          decision.Model,
			"execution_time": resp.ExecutionTime.Milliseconds(),
			"success":        result.Failed == 0,
		})
	}

	return resp, nil
}

func (o *Orchestrator) runWithBreaker(fn func() error) error {
	if o.opts.Breaker == nil {
		return fn()
	}
	return o.opts.Breaker.Execute(context.Background(), fn)
}

func (o *Orchestrator) recordOutcome(success bool) {
	if o.opts.Breaker == nil {
		return
	}
	if success {
		o.opts.Breaker.RecordSuccess()
	} else {
		o.opts.Breaker.RecordFailure()
	}
}
