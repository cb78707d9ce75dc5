// Package router implements the Model Router (C6): selecting the best
// available model for a request out of a weighted, adaptive scoring
// pipeline, with a cached fast path and a fallback cascade for when the
// preferred choice isn't available. Grounded on pkg/routing/interfaces.go's
// RoutingDecision/RoutingContext shapes and pkg/routing/cache.go's
// SimpleCache/LRUCache (reused directly by this package's decision cache).
package router

import (
	"time"
)

// Model describes one candidate the router can select, along with the
// rolling performance stats RecordOutcome updates.
type Model struct {
	Name         string
	Tier         string   // minimum user tier required to route to this model
	Available    bool
	Capabilities []string // e.g. "code", "reasoning", "long-context"
	LatencyMs    float64  // EMA of observed latency
	CostPerToken float64
	SuccessRate  float64 // EMA of success, seeded at 1.0
	Samples      int64
	load         int64 // in-flight/recent selection count, for tie-break bias
}

// Request is the context a caller routes on behalf of.
type Request struct {
	Task            string
	UserTier        string
	Priority        string // "low", "normal", "high"
	LatencyBudgetMs int
}

// Decision is what SelectOptimalModel returns.
type Decision struct {
	Model         string
	Confidence    float64
	Reason        string
	RoutingTimeMs float64
	CacheHit      bool
	Complexity    float64
}

// Weights are the five scoring factors from spec.md §4.6, adaptively
// tuned by recent performance.
type Weights struct {
	Latency     float64
	Cost        float64
	Reliability float64
	UserTier    float64
	Complexity  float64
}

// DefaultWeights matches spec.md §4.6's baseline distribution.
func DefaultWeights() Weights {
	return Weights{Latency: 0.35, Cost: 0.15, Reliability: 0.25, UserTier: 0.15, Complexity: 0.10}
}

var tierRank = map[string]int{"free": 0, "pro": 1, "enterprise": 2}

func rank(tier string) int {
	if r, ok := tierRank[tier]; ok {
		return r
	}
	return 0
}

func emaUpdate(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// perfWindow holds a small history the adaptive weight tuner reads from.
type perfWindow struct {
	failures    int
	avgLatency  float64
	windowSize  int
	sampleCount int
}

func newPerfWindow(size int) *perfWindow {
	if size <= 0 {
		size = 20
	}
	return &perfWindow{windowSize: size}
}

func (w *perfWindow) record(latencyMs float64, success bool) {
	w.avgLatency = emaUpdate(w.avgLatency, latencyMs, 0.1)
	if !success {
		w.failures++
	} else if w.failures > 0 {
		w.failures--
	}
	w.sampleCount++
}

// msToDuration converts milliseconds to a time.Duration. Nothing in the
// package calls it; event payloads carry bare float milliseconds.
func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
