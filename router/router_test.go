package router

import (
	"context"
	"testing"
	"time"

	"github.com/quorumai/mesh/core"
)

func testRouterConfig() core.RouterConfig {
	return core.RouterConfig{
		CacheLimit:    100,
		CacheTTL:      time.Minute,
		Target:        75 * time.Millisecond,
		FailureWindow: 20,
	}
}

func sampleModels() []*Model {
	return []*Model{
		{Name: "fast-cheap", Tier: "free", Available: true, Capabilities: []string{"chat"}, LatencyMs: 100, CostPerToken: 0.0001, SuccessRate: 0.99, Samples: 10},
		{Name: "balanced", Tier: "pro", Available: true, Capabilities: []string{"chat", "code"}, LatencyMs: 400, CostPerToken: 0.001, SuccessRate: 0.95, Samples: 10},
		{Name: "heavy-reasoner", Tier: "enterprise", Available: true, Capabilities: []string{"chat", "code", "reasoning"}, LatencyMs: 1200, CostPerToken: 0.01, SuccessRate: 0.9, Samples: 10},
	}
}

func TestAnalyzeComplexity_ScalesWithKeywordsAndStructure(t *testing.T) {
	simple := analyzeComplexity("say hi")
	complex := analyzeComplexity("analyze and optimize this algorithm's architecture: func(a, b) { return a[b] }")
	if complex <= simple {
		t.Errorf("complex score %v should exceed simple score %v", complex, simple)
	}
}

func TestAnalyzeComplexity_DomainBonusApplies(t *testing.T) {
	withDomain := analyzeComplexity("write some code for me")
	without := analyzeComplexity("write some prose for me")
	if withDomain <= without {
		t.Errorf("domain bonus should raise score: with=%v without=%v", withDomain, without)
	}
}

func TestCacheKey_DeterministicAndBounded(t *testing.T) {
	req := Request{Task: "do a thing", UserTier: "pro", Priority: "normal", LatencyBudgetMs: 500}
	k1 := cacheKey(req)
	k2 := cacheKey(req)
	if k1 != k2 {
		t.Fatalf("cacheKey not deterministic: %q vs %q", k1, k2)
	}
	if len(k1) > 32 {
		t.Errorf("cacheKey length %d exceeds 32", len(k1))
	}
}

func TestSelectOptimalModel_FiltersByTier(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)
	defer r.Close()

	req := Request{Task: "simple chat", UserTier: "free"}
	d, err := r.SelectOptimalModel(context.Background(), req, sampleModels())
	if err != nil {
		t.Fatalf("SelectOptimalModel() error = %v", err)
	}
	if d.Model != "fast-cheap" {
		t.Errorf("SelectOptimalModel() = %q, want fast-cheap (only free-tier-eligible model)", d.Model)
	}
}

func TestSelectOptimalModel_CacheHitOnSecondCall(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)
	defer r.Close()

	req := Request{Task: "simple chat", UserTier: "free"}
	models := sampleModels()

	first, err := r.SelectOptimalModel(context.Background(), req, models)
	if err != nil {
		t.Fatalf("first SelectOptimalModel() error = %v", err)
	}
	if first.CacheHit {
		t.Fatal("first call should not be a cache hit")
	}

	second, err := r.SelectOptimalModel(context.Background(), req, models)
	if err != nil {
		t.Fatalf("second SelectOptimalModel() error = %v", err)
	}
	if !second.CacheHit {
		t.Error("second identical call should be a cache hit")
	}
	if second.Confidence != 0.95 {
		t.Errorf("cache hit confidence = %v, want 0.95", second.Confidence)
	}
	if second.Model != first.Model {
		t.Errorf("cache hit model = %q, want %q", second.Model, first.Model)
	}
}

func TestSelectOptimalModel_NoCandidatesFallsBack(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)
	defer r.Close()

	models := []*Model{
		{Name: "claude-3-haiku", Tier: "enterprise", Available: true, Capabilities: []string{"chat"}},
	}
	// Force filtering to reject everything: the only model requires the
	// enterprise tier and the requester is on the free tier.
	req := Request{Task: "analyze optimize implement algorithm architecture debug", UserTier: "free"}
	d, err := r.SelectOptimalModel(context.Background(), req, models)
	if err != nil {
		t.Fatalf("SelectOptimalModel() error = %v", err)
	}
	if d.Model == "" {
		t.Error("expected a fallback decision with a non-empty model")
	}
	if d.Reason != "emergency list fallback" {
		t.Errorf("Reason = %q, want emergency list fallback", d.Reason)
	}
}

func TestSelectOptimalModel_AllUnavailableReturnsNoModelsAvailable(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)
	defer r.Close()

	models := []*Model{
		{Name: "down", Tier: "free", Available: false},
	}
	req := Request{Task: "hi", UserTier: "free"}
	_, err := r.SelectOptimalModel(context.Background(), req, models)
	if err == nil {
		t.Fatal("expected an error when every model is unavailable")
	}
}

func TestFallback_SameTierOverlapPreferred(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)
	defer r.Close()

	models := []*Model{
		{Name: "primary", Tier: "pro", Available: false, Capabilities: []string{"chat", "code"}},
		{Name: "sibling", Tier: "pro", Available: true, Capabilities: []string{"chat", "code"}},
		{Name: "other-tier", Tier: "free", Available: true, Capabilities: []string{"chat"}},
	}
	req := Request{Task: "hi", UserTier: "pro"}

	d, err := r.Fallback(req, "primary", models)
	if err != nil {
		t.Fatalf("Fallback() error = %v", err)
	}
	if d.Model != "sibling" {
		t.Errorf("Fallback() = %q, want sibling (same-tier, full overlap)", d.Model)
	}
}

func TestFallback_DropsToEmergencyListWhenNoOverlap(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)
	defer r.Close()

	models := []*Model{
		{Name: "primary", Tier: "pro", Available: false, Capabilities: []string{"chat"}},
		{Name: "claude-3-haiku", Tier: "free", Available: true},
	}
	req := Request{Task: "hi", UserTier: "pro"}

	d, err := r.Fallback(req, "primary", models)
	if err != nil {
		t.Fatalf("Fallback() error = %v", err)
	}
	if d.Model != "claude-3-haiku" {
		t.Errorf("Fallback() = %q, want claude-3-haiku from emergency list", d.Model)
	}
}

func TestRecordOutcome_UpdatesEMA(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)
	defer r.Close()

	m := &Model{Name: "x", SuccessRate: 1.0, LatencyMs: 100}
	r.RecordOutcome(m, 500, true)
	if m.LatencyMs <= 100 {
		t.Errorf("LatencyMs EMA should move toward the new sample, got %v", m.LatencyMs)
	}
	if m.Samples != 1 {
		t.Errorf("Samples = %d, want 1", m.Samples)
	}
}

func TestTuneWeights_ReliabilityRisesAfterRepeatedFailures(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)
	defer r.Close()

	baseline := r.weights.Reliability
	m := &Model{Name: "flaky"}
	for i := 0; i < 7; i++ {
		r.RecordOutcome(m, 100, false)
	}
	if r.weights.Reliability <= baseline {
		t.Errorf("expected reliability weight to rise after repeated failures, got %v (baseline %v)", r.weights.Reliability, baseline)
	}
}
