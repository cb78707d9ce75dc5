package reputation

import (
	"fmt"
	"testing"
	"time"

	"github.com/quorumai/mesh/core"
)

func testRegistry() *Registry {
	return New(core.ReputationConfig{
		QuarantineThreshold: 0.3,
		SuspiciousThreshold: 0.6,
		TimeWindow:          5 * time.Minute,
		MaxMessagesPerWindow: 100,
	}, nil, nil)
}

func TestRegisterAgent_StartsAtFullScore(t *testing.T) {
	r := testRegistry()
	rec := r.RegisterAgent("agent-1")
	if rec.Score != 1.0 {
		t.Errorf("initial score = %v, want 1.0", rec.Score)
	}
	if rec.TrustLevel != Verified {
		t.Errorf("initial trust level = %v, want verified", rec.TrustLevel)
	}
}

func TestAnalyzeBehavior_DoubleVotingMatchesWorkedScenario(t *testing.T) {
	r := testRegistry()
	r.RegisterAgent("agent-7")

	now := time.Now()
	votes := []Vote{
		{AgentID: "agent-7", ProposalID: "p1", Decision: "commit", Weight: 1, Timestamp: now},
		{AgentID: "agent-7", ProposalID: "p1", Decision: "abort", Weight: 1, Timestamp: now.Add(time.Second)},
	}

	found := r.AnalyzeBehavior("agent-7", nil, votes)
	if len(found) != 1 || found[0].Type != DoubleVoting {
		t.Fatalf("AnalyzeBehavior() = %+v, want exactly one double-voting behavior", found)
	}
	if found[0].Confidence != 0.95 {
		t.Errorf("confidence = %v, want 0.95", found[0].Confidence)
	}
	if found[0].Severity != SeverityHigh {
		t.Errorf("severity = %v, want high", found[0].Severity)
	}

	rec := r.Get("agent-7")
	want := 1.0 - 0.3*0.95*1.5
	if diff := rec.Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score after one double-voting detection = %v, want %v", rec.Score, want)
	}
	if !r.IsAgentTrusted("agent-7") {
		t.Error("agent-7 should still be trusted after a single high-severity detection (score 0.5725 > 0.3)")
	}
}

func TestAnalyzeBehavior_SpamFloodingOver100Messages(t *testing.T) {
	r := testRegistry()
	r.RegisterAgent("spammer")

	now := time.Now()
	msgs := make([]Message, 0, 101)
	for i := 0; i < 101; i++ {
		msgs = append(msgs, Message{AgentID: "spammer", Type: "prepare", Sequence: int64(i), Timestamp: now.Add(time.Duration(i) * time.Second)})
	}

	found := r.AnalyzeBehavior("spammer", msgs, nil)
	hasSpam := false
	for _, b := range found {
		if b.Type == SpamFlooding {
			hasSpam = true
		}
	}
	if !hasSpam {
		t.Errorf("AnalyzeBehavior() = %+v, want a spam-flooding behavior", found)
	}
}

func TestAnalyzeBehavior_TimingManipulationOnRapidMessages(t *testing.T) {
	r := testRegistry()
	r.RegisterAgent("fast-agent")

	now := time.Now()
	msgs := []Message{
		{AgentID: "fast-agent", Type: "prepare", Sequence: 1, Timestamp: now},
		{AgentID: "fast-agent", Type: "prepare", Sequence: 2, Timestamp: now.Add(2 * time.Millisecond)},
	}

	found := r.AnalyzeBehavior("fast-agent", msgs, nil)
	if len(found) != 1 || found[0].Type != TimingManipulation {
		t.Fatalf("AnalyzeBehavior() = %+v, want exactly one timing-manipulation behavior", found)
	}
}

func TestAnalyzeBehavior_ViewChangeAbuseMissingLastCommitted(t *testing.T) {
	r := testRegistry()
	r.RegisterAgent("vc-agent")

	now := time.Now()
	msgs := []Message{
		{AgentID: "vc-agent", Type: "view-change", Sequence: 1, Timestamp: now, Fields: map[string]interface{}{}},
	}

	found := r.AnalyzeBehavior("vc-agent", msgs, nil)
	if len(found) != 1 || found[0].Type != ViewChangeAbuse {
		t.Fatalf("AnalyzeBehavior() = %+v, want exactly one view-change-abuse behavior", found)
	}
}

func TestAnalyzeBehavior_CollusionOverEightyPercent(t *testing.T) {
	r := testRegistry()
	r.RegisterAgent("colluder")

	now := time.Now()
	votes := make([]Vote, 0, 9)
	for i := 0; i < 8; i++ {
		votes = append(votes, Vote{AgentID: "colluder", ProposalID: fmt.Sprintf("p%d", i), Decision: "commit", Weight: 1, Timestamp: now.Add(time.Duration(i) * time.Second)})
	}
	votes = append(votes, Vote{AgentID: "colluder", ProposalID: "p-last", Decision: "abort", Weight: 1, Timestamp: now.Add(9 * time.Second)})

	found := r.AnalyzeBehavior("colluder", nil, votes)
	hasCollusion := false
	for _, b := range found {
		if b.Type == Collusion {
			hasCollusion = true
		}
	}
	if !hasCollusion {
		t.Errorf("AnalyzeBehavior() = %+v, want a collusion behavior (8/9 > 80%%)", found)
	}
}

func TestQuarantine_AppliedBelowThreshold(t *testing.T) {
	r := testRegistry()
	r.RegisterAgent("bad-actor")

	now := time.Now()
	// Three separate double-voting detections, each penalizing 0.4275,
	// to push the score below the 0.3 quarantine threshold.
	for i := 0; i < 3; i++ {
		votes := []Vote{
			{AgentID: "bad-actor", ProposalID: "dup", Decision: "commit", Weight: 1, Timestamp: now.Add(time.Duration(i) * time.Millisecond)},
			{AgentID: "bad-actor", ProposalID: "dup", Decision: "abort", Weight: 1, Timestamp: now.Add(time.Duration(i) * time.Millisecond)},
		}
		r.AnalyzeBehavior("bad-actor", nil, votes)
	}

	if r.IsAgentTrusted("bad-actor") {
		rec := r.Get("bad-actor")
		t.Errorf("expected bad-actor to be quarantined, score = %v", rec.Score)
	}
}

func TestRehabilitate_RestoresScoreAndClearsQuarantine(t *testing.T) {
	r := testRegistry()
	r.RegisterAgent("redeemed")

	now := time.Now()
	votes := []Vote{
		{AgentID: "redeemed", ProposalID: "dup", Decision: "commit", Weight: 1, Timestamp: now},
		{AgentID: "redeemed", ProposalID: "dup", Decision: "abort", Weight: 1, Timestamp: now},
	}
	for i := 0; i < 3; i++ {
		r.AnalyzeBehavior("redeemed", nil, votes)
	}
	if r.IsAgentTrusted("redeemed") {
		t.Fatal("expected redeemed to be quarantined before rehabilitation")
	}

	before := r.Get("redeemed").Score
	r.Rehabilitate("redeemed", "manual review cleared")
	after := r.Get("redeemed").Score

	if after <= before {
		t.Errorf("Rehabilitate() score %v should exceed pre-rehab score %v", after, before)
	}
	if !r.IsAgentTrusted("redeemed") {
		t.Error("expected Rehabilitate to clear quarantine")
	}
}

func TestDeriveTrustLevel_Bands(t *testing.T) {
	cases := []struct {
		score float64
		want  TrustLevel
	}{
		{1.0, Verified},
		{0.9, Verified},
		{0.75, High},
		{0.55, Medium},
		{0.35, Low},
		{0.1, Untrusted},
	}
	for _, c := range cases {
		if got := deriveTrustLevel(c.score); got != c.want {
			t.Errorf("deriveTrustLevel(%v) = %v, want %v", c.score, got, c.want)
		}
	}
}
