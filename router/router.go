package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/quorumai/mesh/cache"
	"github.com/quorumai/mesh/core"
)

// Router implements spec.md §4.6's six-stage selection pipeline: cache
// lookup, complexity analysis, candidate filtering, weighted scoring,
// load-balanced selection, and cache/performance update.
type Router struct {
	mu sync.Mutex

	decisions *cache.Cache // keyed on the deterministic cache key below
	weights   Weights
	perf      *perfWindow

	target time.Duration
	logger core.Logger
	bus    *core.Bus

	rng *rand.Rand
}

// New constructs a Router. bus and logger may be nil.
func New(cfg core.RouterConfig, logger core.Logger, bus *core.Bus) *Router {
	cacheCfg := core.CacheConfig{
		EvictionPolicy: "lru",
		DefaultTTL:     cfg.CacheTTL,
		MemoryBudget:   int64(cfg.CacheLimit) * 256, // ~256B per cached decision
	}
	target := cfg.Target
	if target <= 0 {
		target = 75 * time.Millisecond
	}
	return &Router{
		decisions: cache.New(cacheCfg, nil, nil),
		weights:   DefaultWeights(),
		perf:      newPerfWindow(cfg.FailureWindow),
		target:    target,
		logger:    logger,
		bus:       bus,
		rng:       rand.New(rand.NewSource(1)),
	}
}

// Close releases the decision cache's background cleanup goroutine.
func (r *Router) Close() { r.decisions.Close() }

// cacheKey builds the deterministic key from spec.md §4.6: a base64 digest
// of the first 50 characters of the task, the user tier, priority, and
// latency budget, truncated to 32 characters.
func cacheKey(req Request) string {
	task := req.Task
	if len(task) > 50 {
		task = task[:50]
	}
	raw := fmt.Sprintf("%s|%s|%s|%d", task, req.UserTier, req.Priority, req.LatencyBudgetMs)
	enc := base64.RawURLEncoding.EncodeToString([]byte(raw))
	if len(enc) > 32 {
		enc = enc[:32]
	}
	return enc
}

// cachedDecision is the subset of Decision worth persisting; RoutingTimeMs
// and CacheHit are recomputed fresh on every lookup.
type cachedDecision struct {
	Model      string  `json:"model"`
	Complexity float64 `json:"complexity"`
}

// SelectOptimalModel runs the full pipeline for one routing request.
func (r *Router) SelectOptimalModel(ctx context.Context, req Request, models []*Model) (Decision, error) {
	start := time.Now()

	key := cacheKey(req)
	if raw, ok, _ := r.decisions.Get(ctx, key); ok {
		var cd cachedDecision
		if err := json.Unmarshal(raw, &cd); err == nil {
			d := Decision{
				Model:         cd.Model,
				Confidence:    0.95,
				Reason:        "cache hit",
				CacheHit:      true,
				Complexity:    cd.Complexity,
				RoutingTimeMs: elapsedMs(start),
			}
			r.touchLoad(models, cd.Model)
			r.observeLatency(d.RoutingTimeMs)
			return d, nil
		}
	}

	complexity := analyzeComplexity(req.Task)

	r.mu.Lock()
	weights := r.weights
	r.mu.Unlock()

	candidates := filterCandidates(req, complexity, models)
	if len(candidates) == 0 {
		d, err := r.emergencyFallback(req, models)
		if err != nil {
			return Decision{}, err
		}
		d.RoutingTimeMs = elapsedMs(start)
		d.Complexity = complexity
		r.cacheAndRecord(ctx, key, d, start)
		return d, nil
	}

	scored := scoreCandidates(candidates, req, complexity, weights)
	chosen := r.selectWithLoadBalance(scored)
	chosen.model.load++

	d := Decision{
		Model:      chosen.model.Name,
		Confidence: chosen.score,
		Reason:     "weighted selection",
		Complexity: complexity,
	}
	d.RoutingTimeMs = elapsedMs(start)
	r.cacheAndRecord(ctx, key, d, start)
	return d, nil
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func (r *Router) cacheAndRecord(ctx context.Context, key string, d Decision, start time.Time) {
	blob, err := json.Marshal(cachedDecision{Model: d.Model, Complexity: d.Complexity})
	if err == nil {
		_ = r.decisions.Set(ctx, key, blob, 0)
	}
	r.observeLatency(d.RoutingTimeMs)
	if r.bus != nil {
		r.bus.PublishEvent(core.EventRoutingDecision, map[string]interface{}{
			"model":      d.Model,
			"confidence": d.Confidence,
			"reason":     d.Reason,
		})
	}
	if d.RoutingTimeMs > float64(r.target)/float64(time.Millisecond) {
		if r.bus != nil {
			r.bus.PublishEvent(core.EventRoutingSlow, map[string]interface{}{
				"elapsed_ms": d.RoutingTimeMs,
				"target_ms":  float64(r.target) / float64(time.Millisecond),
			})
		}
		if r.logger != nil {
			r.logger.Warn("routing exceeded p95 target", map[string]interface{}{
				"elapsed_ms": d.RoutingTimeMs,
			})
		}
	}
}

func (r *Router) observeLatency(ms float64) {
	r.mu.Lock()
	r.perf.record(ms, true)
	r.tuneWeights()
	r.mu.Unlock()
}

// tuneWeights applies spec.md §4.6's adaptive tuning rules. Must be called
// with r.mu held.
func (r *Router) tuneWeights() {
	if r.perf.failures > 5 {
		r.weights.Reliability = clamp(r.weights.Reliability+0.1, 0, 0.5)
		r.weights.Cost = clamp(r.weights.Cost-0.05, 0.1, 1)
	}
	if r.perf.avgLatency > 2000 {
		r.weights.Latency = clamp(r.weights.Latency+0.1, 0, 0.6)
	}
}

func (r *Router) touchLoad(models []*Model, name string) {
	for _, m := range models {
		if m.Name == name {
			m.load++
			return
		}
	}
}

// RecordOutcome feeds a completed call's latency/cost/success back into the
// model's EMA stats (EMA alpha=0.1) and the router's own failure window,
// per spec.md §4.6's performance-recording requirement.
func (r *Router) RecordOutcome(m *Model, latencyMs float64, success bool) {
	if m == nil {
		return
	}
	m.LatencyMs = emaUpdate(m.LatencyMs, latencyMs, 0.1)
	successSample := 0.0
	if success {
		successSample = 1.0
	}
	if m.Samples == 0 {
		m.SuccessRate = 1.0
	}
	m.SuccessRate = emaUpdate(m.SuccessRate, successSample, 0.1)
	m.Samples++

	r.mu.Lock()
	r.perf.record(latencyMs, success)
	r.tuneWeights()
	r.mu.Unlock()
}

// --- candidate filtering ---

func filterCandidates(req Request, complexity float64, models []*Model) []*Model {
	tier := complexityTier(complexity)
	userRank := rank(req.UserTier)

	var out []*Model
	for _, m := range models {
		if !m.Available {
			continue
		}
		if rank(m.Tier) > userRank {
			continue
		}
		if tier == "high" && !hasCapability(m, "reasoning") && !hasCapability(m, "code") {
			continue
		}
		if req.LatencyBudgetMs > 0 && m.LatencyMs > 0 && m.LatencyMs > float64(req.LatencyBudgetMs) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func hasCapability(m *Model, cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// --- weighted scoring ---

type scored struct {
	model *Model
	score float64
}

// scoreCandidates applies the five weighted factors from spec.md §4.6:
// lower latency, lower cost, and higher reliability score better; user-tier
// match rewards a model whose minimum tier equals the requester's tier
// exactly (no wasted headroom); complexity rewards models carrying a
// capability the task's complexity tier calls for.
func scoreCandidates(models []*Model, req Request, complexity float64, w Weights) []scored {
	out := make([]scored, 0, len(models))
	for _, m := range models {
		latencyScore := 1.0
		if m.LatencyMs > 0 {
			latencyScore = 1.0 / (1.0 + m.LatencyMs/1000)
		}
		costScore := 1.0
		if m.CostPerToken > 0 {
			costScore = 1.0 / (1.0 + m.CostPerToken*1000)
		}
		reliabilityScore := m.SuccessRate
		if m.Samples == 0 {
			reliabilityScore = 1.0
		}
		tierScore := 0.5
		if rank(m.Tier) == rank(req.UserTier) {
			tierScore = 1.0
		}
		complexityScore := 0.5
		tier := complexityTier(complexity)
		if tier == "high" && (hasCapability(m, "reasoning") || hasCapability(m, "code")) {
			complexityScore = 1.0
		} else if tier == "low" {
			complexityScore = 0.8
		}

		total := w.Latency*latencyScore + w.Cost*costScore + w.Reliability*reliabilityScore +
			w.UserTier*tierScore + w.Complexity*complexityScore
		out = append(out, scored{model: m, score: total})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// selectWithLoadBalance applies spec.md §4.6's tie-break: the least-used of
// the top 3 scorers gets a +20% bonus, then selection is a weighted random
// draw over the (bonus-adjusted) top 3.
func (r *Router) selectWithLoadBalance(ranked []scored) scored {
	top := ranked
	if len(top) > 3 {
		top = top[:3]
	}

	least := top[0]
	for _, s := range top[1:] {
		if s.model.load < least.model.load {
			least = s
		}
	}

	adjusted := make([]scored, len(top))
	total := 0.0
	for i, s := range top {
		sc := s.score
		if s.model.Name == least.model.Name {
			sc *= 1.2
		}
		adjusted[i] = scored{model: s.model, score: sc}
		total += sc
	}

	r.mu.Lock()
	pick := r.rng.Float64() * total
	r.mu.Unlock()

	acc := 0.0
	for _, s := range adjusted {
		acc += s.score
		if pick <= acc {
			return s
		}
	}
	return adjusted[len(adjusted)-1]
}

// --- fallback cascade ---

// Fallback implements spec.md §4.6's four-stage cascade for a model that
// becomes unavailable mid-request: (a) same-tier models with >=70%
// capability overlap, (b) a lower-tier model offering code or reasoning,
// (c) a hardcoded emergency list for the requester's tier, (d) any
// available model at all. Returns core.ErrNoModelsAvailable if every stage
// is exhausted.
func (r *Router) Fallback(req Request, failedModel string, models []*Model) (Decision, error) {
	var failed *Model
	for _, m := range models {
		if m.Name == failedModel {
			failed = m
			break
		}
	}

	if failed != nil {
		for _, m := range models {
			if m.Name == failedModel || !m.Available || rank(m.Tier) != rank(failed.Tier) {
				continue
			}
			if capabilityOverlap(failed, m) >= 0.7 {
				return fallbackDecision(m.Name, "same-tier overlap fallback"), nil
			}
		}
		for _, m := range models {
			if !m.Available || rank(m.Tier) >= rank(failed.Tier) {
				continue
			}
			if hasCapability(m, "code") || hasCapability(m, "reasoning") {
				return fallbackDecision(m.Name, "lower-tier capability fallback"), nil
			}
		}
	}

	return r.emergencyFallback(req, models)
}

// emergencyFallback runs the last two cascade stages directly, used both by
// Fallback and by SelectOptimalModel when no candidate survives filtering.
func (r *Router) emergencyFallback(req Request, models []*Model) (Decision, error) {
	for _, name := range emergencyList(req.UserTier) {
		for _, m := range models {
			if m.Name == name && m.Available {
				return fallbackDecision(m.Name, "emergency list fallback"), nil
			}
		}
	}
	for _, m := range models {
		if m.Available {
			return fallbackDecision(m.Name, "any available fallback"), nil
		}
	}
	if r.bus != nil {
		r.bus.PublishEvent(core.EventFallbackTriggered, map[string]interface{}{"outcome": "exhausted"})
	}
	return Decision{}, fmt.Errorf("all fallback stages exhausted: %w", core.ErrNoModelsAvailable)
}

func fallbackDecision(model, reason string) Decision {
	return Decision{Model: model, Confidence: 0.5, Reason: reason}
}

// emergencyList is the hardcoded per-tier rescue list spec.md §4.6 calls
// for when scoring and capability-overlap fallback both fail.
func emergencyList(tier string) []string {
	switch tier {
	case "enterprise":
		return []string{"gpt-4", "claude-3-opus", "gpt-3.5-turbo"}
	case "pro":
		return []string{"gpt-3.5-turbo", "claude-3-haiku"}
	default:
		return []string{"claude-3-haiku"}
	}
}

func capabilityOverlap(a, b *Model) float64 {
	if len(a.Capabilities) == 0 {
		return 0
	}
	shared := 0
	for _, c := range a.Capabilities {
		if hasCapability(b, c) {
			shared++
		}
	}
	return float64(shared) / float64(len(a.Capabilities))
}
