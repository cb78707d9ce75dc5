// Package consensus implements the Consensus Core (C8): a per-proposal
// state machine gated by trust admission, with 2f+1 quorum math over the
// agent count the caller supplies (New's totalAgents, or SetTotalAgents).
// Quarantined agents are refused at admission but are not subtracted from
// that count. It depends on reputation only through the
// narrow TrustChecker interface below, not the concrete package, so it
// never needs to import reputation directly — the orchestrator wires a
// *reputation.Registry in at construction time.
package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/quorumai/mesh/core"
)

// TrustChecker is the one reputation query the consensus core needs.
// *reputation.Registry satisfies this directly.
type TrustChecker interface {
	IsAgentTrusted(agentID string) bool
}

// State is one proposal's position in the commit state machine.
type State string

const (
	StateProposed   State = "proposed"
	StatePreparing  State = "preparing"
	StatePrepared   State = "prepared"
	StateCommitting State = "committing"
	StateCommitted  State = "committed"
	StateAborted    State = "aborted"
)

// Proposal is one in-flight (or resolved) consensus round.
type Proposal struct {
	ID        string
	View      int64
	Sequence  int64
	Payload   interface{}
	State     State
	CreatedAt time.Time

	prepareSenders map[string]bool
	commitSenders  map[string]bool
}

// PrepareCount reports how many distinct trusted agents have sent prepare.
func (p *Proposal) PrepareCount() int { return len(p.prepareSenders) }

// CommitCount reports how many distinct trusted agents have sent commit.
func (p *Proposal) CommitCount() int { return len(p.commitSenders) }

// Core runs the admission-gated state machine described by spec.md §4.8.
type Core struct {
	mu sync.Mutex

	proposals map[string]*Proposal
	viewChangeSenders map[int64]map[string]bool

	trust       TrustChecker
	totalAgents int
	faultTol    float64

	bus    *core.Bus
	logger core.Logger
}

// New constructs a Core. totalAgents is the current size of the agent set
// quorum math is computed over; the caller updates it as agents join/leave
// by calling SetTotalAgents.
func New(cfg core.ConsensusConfig, trust TrustChecker, totalAgents int, logger core.Logger, bus *core.Bus) *Core {
	ft := cfg.FaultTolerance
	if ft <= 0 {
		ft = 0.33
	}
	return &Core{
		proposals:         make(map[string]*Proposal),
		viewChangeSenders: make(map[int64]map[string]bool),
		trust:             trust,
		totalAgents:       totalAgents,
		faultTol:          ft,
		bus:               bus,
		logger:            logger,
	}
}

// SetTotalAgents updates the agent-set size quorum math is computed over.
func (c *Core) SetTotalAgents(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalAgents = n
}

// f is floor((n-1)/3): the max tolerated faulty agents.
func (c *Core) f() int {
	if c.totalAgents <= 0 {
		return 0
	}
	return (c.totalAgents - 1) / 3
}

// Quorum is 2f+1.
func (c *Core) Quorum() int {
	return 2*c.f() + 1
}

// admit reports whether senderID's message should be processed, applying
// spec.md §4.8's rule that only trusted agents' messages are admitted. A
// rejected message publishes core.EventSecurityAdmissionRejected.
func (c *Core) admit(senderID string) bool {
	if c.trust == nil {
		return true
	}
	if c.trust.IsAgentTrusted(senderID) {
		return true
	}
	if c.bus != nil {
		c.bus.PublishEvent(core.EventSecurityAdmissionRejected, map[string]interface{}{"agent_id": senderID})
	}
	return false
}

// Propose opens a new proposal in the "proposed" state.
func (c *Core) Propose(id string, view, sequence int64, payload interface{}) *Proposal {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &Proposal{
		ID: id, View: view, Sequence: sequence, Payload: payload,
		State: StateProposed, CreatedAt: time.Now(),
		prepareSenders: make(map[string]bool),
		commitSenders:  make(map[string]bool),
	}
	c.proposals[id] = p
	return p
}

// Get returns the current Proposal, or nil if unknown.
func (c *Core) Get(id string) *Proposal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proposals[id]
}

var errUnknownProposal = fmt.Errorf("%w: unknown proposal", core.ErrNotFound)

// HandlePrepare admits a prepare message from senderID and advances the
// proposal toward "prepared" once 2f+1 distinct trusted agents have sent
// one. A message from an untrusted sender is silently dropped (admission
// already emitted the rejection event).
func (c *Core) HandlePrepare(proposalID, senderID string) error {
	if !c.admit(senderID) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[proposalID]
	if !ok {
		return errUnknownProposal
	}
	if p.State == StateAborted || p.State == StateCommitted {
		return nil
	}
	if p.State == StateProposed {
		p.State = StatePreparing
	}
	p.prepareSenders[senderID] = true
	if len(p.prepareSenders) >= c.Quorum() {
		p.State = StatePrepared
	}
	return nil
}

// HandleCommit admits a commit message and advances toward "committed"
// once 2f+1 distinct trusted agents have sent one. Commit messages are
// only meaningful once a proposal has reached "prepared".
func (c *Core) HandleCommit(proposalID, senderID string) error {
	if !c.admit(senderID) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.proposals[proposalID]
	if !ok {
		return errUnknownProposal
	}
	if p.State == StateAborted || p.State == StateCommitted {
		return nil
	}
	if p.State != StatePrepared && p.State != StateCommitting {
		return nil
	}
	p.State = StateCommitting
	p.commitSenders[senderID] = true
	if len(p.commitSenders) >= c.Quorum() {
		p.State = StateCommitted
	}
	return nil
}

// Abort forces a proposal into the terminal "aborted" state, e.g. after a
// view change invalidates it.
func (c *Core) Abort(proposalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.proposals[proposalID]; ok && p.State != StateCommitted {
		p.State = StateAborted
	}
}

// Invalidate strips a now-quarantined agent's votes from every in-flight
// proposal, matching spec.md §4.8's failure model: "in-flight messages
// from that agent are invalidated". A proposal that drops below quorum as
// a result simply stays below quorum; it is not force-aborted, since the
// remaining trusted agents may still re-reach it.
func (c *Core) Invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.proposals {
		delete(p.prepareSenders, agentID)
		delete(p.commitSenders, agentID)
		if p.State == StatePrepared && len(p.prepareSenders) < c.Quorum() {
			p.State = StatePreparing
		}
	}
	for _, senders := range c.viewChangeSenders {
		delete(senders, agentID)
	}
}

// HandleViewChange admits a view-change message for the given view and
// reports whether 2f+1 distinct trusted agents have now sent one for it.
func (c *Core) HandleViewChange(view int64, senderID string) bool {
	if !c.admit(senderID) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	senders, ok := c.viewChangeSenders[view]
	if !ok {
		senders = make(map[string]bool)
		c.viewChangeSenders[view] = senders
	}
	senders[senderID] = true
	return len(senders) >= c.Quorum()
}
