package consensus

import (
	"testing"

	"github.com/quorumai/mesh/core"
)

type alwaysTrusted struct{ untrusted map[string]bool }

func (a alwaysTrusted) IsAgentTrusted(agentID string) bool { return !a.untrusted[agentID] }

func testCore(totalAgents int, untrusted ...string) *Core {
	u := make(map[string]bool)
	for _, a := range untrusted {
		u[a] = true
	}
	return New(core.ConsensusConfig{FaultTolerance: 0.33}, alwaysTrusted{untrusted: u}, totalAgents, nil, nil)
}

func TestQuorum_MatchesTwoFPlusOne(t *testing.T) {
	// n=7 -> f = floor(6/3) = 2 -> quorum = 5.
	c := testCore(7)
	if got := c.Quorum(); got != 5 {
		t.Errorf("Quorum() = %d, want 5", got)
	}
}

func TestPropose_StartsInProposedState(t *testing.T) {
	c := testCore(4)
	p := c.Propose("p1", 0, 1, "payload")
	if p.State != StateProposed {
		t.Errorf("State = %v, want proposed", p.State)
	}
}

func TestHandlePrepare_AdvancesToPreparedAtQuorum(t *testing.T) {
	// n=4 -> f=1 -> quorum=3.
	c := testCore(4)
	c.Propose("p1", 0, 1, nil)

	c.HandlePrepare("p1", "a1")
	c.HandlePrepare("p1", "a2")
	if got := c.Get("p1").State; got != StatePreparing {
		t.Errorf("State after 2/3 prepares = %v, want preparing", got)
	}

	c.HandlePrepare("p1", "a3")
	if got := c.Get("p1").State; got != StatePrepared {
		t.Errorf("State after 3/3 prepares = %v, want prepared", got)
	}
}

func TestHandlePrepare_UntrustedSenderDropped(t *testing.T) {
	c := testCore(4, "bad-agent")
	c.Propose("p1", 0, 1, nil)

	c.HandlePrepare("p1", "bad-agent")
	c.HandlePrepare("p1", "bad-agent") // duplicate, still untrusted

	if got := c.Get("p1").PrepareCount(); got != 0 {
		t.Errorf("PrepareCount() = %d, want 0 (untrusted sender should never be admitted)", got)
	}
}

func TestHandleCommit_RequiresPreparedFirst(t *testing.T) {
	c := testCore(4)
	c.Propose("p1", 0, 1, nil)

	c.HandleCommit("p1", "a1") // too early, proposal only "proposed"
	if got := c.Get("p1").State; got != StateProposed {
		t.Errorf("premature commit should not change state, got %v", got)
	}

	c.HandlePrepare("p1", "a1")
	c.HandlePrepare("p1", "a2")
	c.HandlePrepare("p1", "a3")

	c.HandleCommit("p1", "a1")
	c.HandleCommit("p1", "a2")
	c.HandleCommit("p1", "a3")
	if got := c.Get("p1").State; got != StateCommitted {
		t.Errorf("State after quorum commits = %v, want committed", got)
	}
}

func TestInvalidate_RemovesVotesAndDowngradesState(t *testing.T) {
	c := testCore(4)
	c.Propose("p1", 0, 1, nil)
	c.HandlePrepare("p1", "a1")
	c.HandlePrepare("p1", "a2")
	c.HandlePrepare("p1", "a3")
	if got := c.Get("p1").State; got != StatePrepared {
		t.Fatalf("setup: expected prepared, got %v", got)
	}

	c.Invalidate("a3")

	p := c.Get("p1")
	if p.PrepareCount() != 2 {
		t.Errorf("PrepareCount() after invalidation = %d, want 2", p.PrepareCount())
	}
	if p.State != StatePreparing {
		t.Errorf("State after dropping below quorum = %v, want preparing", p.State)
	}
}

func TestHandleViewChange_TriggersAtQuorum(t *testing.T) {
	c := testCore(4) // quorum = 3
	if c.HandleViewChange(1, "a1") {
		t.Error("view change should not trigger with 1/3")
	}
	if c.HandleViewChange(1, "a2") {
		t.Error("view change should not trigger with 2/3")
	}
	if !c.HandleViewChange(1, "a3") {
		t.Error("view change should trigger at 3/3")
	}
}

func TestAbort_IsTerminalUnlessAlreadyCommitted(t *testing.T) {
	c := testCore(4)
	c.Propose("p1", 0, 1, nil)
	c.Abort("p1")
	if got := c.Get("p1").State; got != StateAborted {
		t.Errorf("State = %v, want aborted", got)
	}
}
