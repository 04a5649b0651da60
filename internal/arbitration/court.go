// Package arbitration implements the agentcourt panel workflow: commit/
// reveal dispute filing, deterministic panel selection over eligible
// arbiters, bounded evidence collection, and majority verdicts. Stake and
// rating settlement stays in the reputation/escrow layer; the court only
// decides who was at fault.
package arbitration

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase of a dispute.
type Phase string

const (
	PhaseIntent         Phase = "intent"
	PhaseFiled          Phase = "filed"
	PhasePanelSelection Phase = "panel_selection"
	PhaseEvidence       Phase = "evidence"
	PhaseDeliberation   Phase = "deliberation"
	PhaseResolved       Phase = "resolved"
	PhaseFallback       Phase = "fallback"
	PhaseExpired        Phase = "expired"
)

// Verdict values an arbiter may cast.
const (
	VerdictDisputant  = "disputant"
	VerdictRespondent = "respondent"
	VerdictMutual     = "mutual"
)

// Evidence bounds.
const (
	MaxEvidenceItems   = 10
	MaxStatementLength = 2000
)

// Error is a typed court failure; Kind maps onto the wire dispute codes.
type Error struct {
	Kind   string // not_found, invalid_phase, commitment_mismatch, not_party, not_arbiter, deadline_passed, already_exists, insufficient_arbiters
	Detail string
}

func (e *Error) Error() string { return e.Detail }

func courtErr(kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// EvidenceBundle is one party's submission.
type EvidenceBundle struct {
	Statement   string
	Items       []string
	SubmittedAt time.Time
}

// CastVote is one arbiter's verdict.
type CastVote struct {
	Verdict   string
	Reasoning string
	CastAt    time.Time
}

// Dispute is one panel case.
type Dispute struct {
	ID         string
	ProposalID string
	Disputant  string
	Respondent string

	Commitment string // hex SHA-256 the disputant committed to
	Reason     string
	IntentSig  string

	DisputantNonce string
	ServerNonce    string

	Phase    Phase
	Deadline time.Time // deadline of the current phase

	Panel             []string
	ReplacementRounds int

	Evidence map[string]*EvidenceBundle // party -> bundle
	Votes    map[string]*CastVote       // arbiter -> vote

	Resolution string // disputant | respondent | mutual, once resolved

	CreatedAt  time.Time
	ResolvedAt time.Time
}

// Candidate is an arbiter candidate with the standing the court screens on.
type Candidate struct {
	AgentID      string
	Rating       int
	Transactions int
	ConnectedAt  time.Time
}

// Config bounds the court's behavior.
type Config struct {
	PanelSize           int
	MinArbiterRating    int
	MinArbiterTxns      int
	MinArbiterAge       time.Duration // connection age
	RevealWindow        time.Duration
	EvidenceWindow      time.Duration
	DeliberationWindow  time.Duration
	MaxReplacementRounds int
	ArbiterReward       int // rating points for voting with the majority
	ArbiterPenalty      int // rating points for missing the vote
}

// DefaultConfig mirrors the reference policy: 3-arbiter panels, short
// reveal window, fixed arbiter rewards.
func DefaultConfig() Config {
	return Config{
		PanelSize:            3,
		MinArbiterRating:     1100,
		MinArbiterTxns:       5,
		MinArbiterAge:        10 * time.Minute,
		RevealWindow:         2 * time.Minute,
		EvidenceWindow:       10 * time.Minute,
		DeliberationWindow:   10 * time.Minute,
		MaxReplacementRounds: 2,
		ArbiterReward:        2,
		ArbiterPenalty:       1,
	}
}

// Court holds all live disputes.
type Court struct {
	mu         sync.Mutex
	cfg        Config
	disputes   map[string]*Dispute
	byProposal map[string]string
	now        func() time.Time
	logger     *log.Logger
}

// NewCourt creates a court with the given config.
func NewCourt(cfg Config) *Court {
	if cfg.PanelSize == 0 {
		cfg = DefaultConfig()
	}
	return &Court{
		cfg:        cfg,
		disputes:   make(map[string]*Dispute),
		byProposal: make(map[string]string),
		now:        time.Now,
		logger:     log.New(log.Writer(), "[AGENTCOURT] ", log.LstdFlags),
	}
}

// FileIntent records a commitment to dispute. The nonce stays secret until
// reveal so the respondent cannot influence panel selection.
func (c *Court) FileIntent(proposalID, disputant, respondent, commitment, reason, sig string) (*Dispute, *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byProposal[proposalID]; ok {
		if d := c.disputes[existing]; d != nil && d.Phase != PhaseExpired {
			return nil, courtErr("already_exists", "dispute for %s already filed", proposalID)
		}
	}

	d := &Dispute{
		ID:         "disp_" + uuid.NewString()[:8],
		ProposalID: proposalID,
		Disputant:  disputant,
		Respondent: respondent,
		Commitment: commitment,
		Reason:     reason,
		IntentSig:  sig,
		Phase:      PhaseIntent,
		Deadline:   c.now().Add(c.cfg.RevealWindow),
		Evidence:   make(map[string]*EvidenceBundle),
		Votes:      make(map[string]*CastVote),
		CreatedAt:  c.now(),
	}
	c.disputes[d.ID] = d
	c.byProposal[proposalID] = d.ID
	c.logger.Printf("intent filed %s (proposal=%s, disputant=%s)", d.ID, proposalID, disputant)
	return copyDispute(d), nil
}

// Reveal discloses the committed nonce, seeds panel selection with a fresh
// server nonce, and moves the dispute into evidence collection. candidates
// is the live agent population; the court filters by standing.
func (c *Court) Reveal(proposalID, actor, nonce string, candidates []Candidate) (*Dispute, *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.byProposal[proposalID]
	if !ok {
		return nil, courtErr("not_found", "no dispute intent for %s", proposalID)
	}
	d := c.disputes[id]

	if actor != d.Disputant {
		return nil, courtErr("not_party", "only the disputant may reveal")
	}
	if d.Phase != PhaseIntent {
		return nil, courtErr("invalid_phase", "dispute %s is in phase %s", d.ID, d.Phase)
	}
	if c.now().After(d.Deadline) {
		d.Phase = PhaseExpired
		return nil, courtErr("deadline_passed", "reveal window for %s elapsed", d.ID)
	}

	sum := sha256.Sum256([]byte(nonce))
	if hex.EncodeToString(sum[:]) != d.Commitment {
		return nil, courtErr("commitment_mismatch", "nonce does not hash to commitment")
	}

	d.DisputantNonce = nonce
	d.ServerNonce = randomNonce()
	d.Phase = PhasePanelSelection

	panel, err := c.selectPanel(d, candidates, nil, c.cfg.PanelSize)
	if err != nil {
		d.Phase = PhaseFallback
		return copyDispute(d), err
	}
	d.Panel = panel
	d.Phase = PhaseEvidence
	d.Deadline = c.now().Add(c.cfg.EvidenceWindow)
	c.logger.Printf("panel seated for %s: %v", d.ID, panel)
	return copyDispute(d), nil
}

// selectPanel deterministically picks size arbiters from the eligible
// candidates, seeded by SHA-256(proposal_id || disputant_nonce || server_nonce).
// exclude removes arbiters already dismissed during replacement rounds.
func (c *Court) selectPanel(d *Dispute, candidates []Candidate, exclude map[string]bool, size int) ([]string, *Error) {
	now := c.now()
	var eligible []string
	for _, cand := range candidates {
		if cand.AgentID == d.Disputant || cand.AgentID == d.Respondent {
			continue
		}
		if exclude[cand.AgentID] {
			continue
		}
		if cand.Rating < c.cfg.MinArbiterRating || cand.Transactions < c.cfg.MinArbiterTxns {
			continue
		}
		if now.Sub(cand.ConnectedAt) < c.cfg.MinArbiterAge {
			continue
		}
		eligible = append(eligible, cand.AgentID)
	}
	if len(eligible) < size {
		return nil, courtErr("insufficient_arbiters", "%d eligible arbiters, need %d", len(eligible), size)
	}

	// Stable order first so the seeded draw is reproducible regardless of
	// map iteration order upstream.
	sort.Strings(eligible)

	seed := sha256.Sum256([]byte(d.ProposalID + d.DisputantNonce + d.ServerNonce))
	panel := make([]string, 0, size)
	remaining := append([]string(nil), eligible...)
	for round := 0; len(panel) < size; round++ {
		h := sha256.Sum256(append(seed[:], byte(round)))
		idx := int(binary.BigEndian.Uint64(h[:8]) % uint64(len(remaining)))
		panel = append(panel, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}
	return panel, nil
}

// ReplaceArbiter reseats a departed panel member from the current candidate
// pool. Replacement rounds are bounded; beyond the bound the dispute falls
// back to direct settlement.
func (c *Court) ReplaceArbiter(disputeID, gone string, candidates []Candidate) (*Dispute, *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.disputes[disputeID]
	if !ok {
		return nil, courtErr("not_found", "dispute %s not found", disputeID)
	}
	if d.Phase != PhaseEvidence && d.Phase != PhaseDeliberation {
		return nil, courtErr("invalid_phase", "dispute %s is in phase %s", d.ID, d.Phase)
	}
	if !contains(d.Panel, gone) {
		return nil, courtErr("not_arbiter", "%s is not on the panel", gone)
	}

	if d.ReplacementRounds >= c.cfg.MaxReplacementRounds {
		d.Phase = PhaseFallback
		return copyDispute(d), courtErr("insufficient_arbiters", "replacement rounds exhausted for %s", d.ID)
	}
	d.ReplacementRounds++

	exclude := map[string]bool{gone: true}
	for _, member := range d.Panel {
		exclude[member] = true
	}
	replacement, err := c.selectPanel(d, candidates, exclude, 1)
	if err != nil {
		d.Phase = PhaseFallback
		return copyDispute(d), err
	}

	for i, member := range d.Panel {
		if member == gone {
			d.Panel[i] = replacement[0]
		}
	}
	delete(d.Votes, gone)
	c.logger.Printf("panel of %s: %s replaced by %s", d.ID, gone, replacement[0])
	return copyDispute(d), nil
}

// SubmitEvidence records one party's bundle during the evidence phase.
func (c *Court) SubmitEvidence(disputeID, party, statement string, items []string) (*Dispute, *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.disputes[disputeID]
	if !ok {
		return nil, courtErr("not_found", "dispute %s not found", disputeID)
	}
	if party != d.Disputant && party != d.Respondent {
		return nil, courtErr("not_party", "%s is not a party to %s", party, d.ID)
	}
	if d.Phase != PhaseEvidence {
		return nil, courtErr("invalid_phase", "dispute %s is in phase %s", d.ID, d.Phase)
	}
	if c.now().After(d.Deadline) {
		return nil, courtErr("deadline_passed", "evidence window for %s elapsed", d.ID)
	}
	if len(items) > MaxEvidenceItems {
		return nil, courtErr("invalid_phase", "at most %d evidence items", MaxEvidenceItems)
	}
	if len(statement) > MaxStatementLength {
		return nil, courtErr("invalid_phase", "statement exceeds %d chars", MaxStatementLength)
	}

	d.Evidence[party] = &EvidenceBundle{
		Statement:   statement,
		Items:       append([]string(nil), items...),
		SubmittedAt: c.now(),
	}

	// Both bundles in hand: move straight to deliberation.
	if len(d.Evidence) == 2 {
		d.Phase = PhaseDeliberation
		d.Deadline = c.now().Add(c.cfg.DeliberationWindow)
	}
	return copyDispute(d), nil
}

// CastVerdict records one arbiter's vote. When all panel members have
// voted the dispute resolves immediately.
func (c *Court) CastVerdict(disputeID, arbiter, verdict, reasoning string) (*Dispute, *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.disputes[disputeID]
	if !ok {
		return nil, courtErr("not_found", "dispute %s not found", disputeID)
	}
	if !contains(d.Panel, arbiter) {
		return nil, courtErr("not_arbiter", "%s is not on the panel", arbiter)
	}
	if d.Phase != PhaseDeliberation {
		return nil, courtErr("invalid_phase", "dispute %s is in phase %s", d.ID, d.Phase)
	}
	if c.now().After(d.Deadline) {
		return nil, courtErr("deadline_passed", "deliberation window for %s elapsed", d.ID)
	}
	switch verdict {
	case VerdictDisputant, VerdictRespondent, VerdictMutual:
	default:
		return nil, courtErr("invalid_phase", "verdict must be disputant, respondent, or mutual")
	}
	if len(reasoning) > MaxStatementLength {
		return nil, courtErr("invalid_phase", "reasoning exceeds %d chars", MaxStatementLength)
	}

	d.Votes[arbiter] = &CastVote{Verdict: verdict, Reasoning: reasoning, CastAt: c.now()}
	if len(d.Votes) == len(d.Panel) {
		c.resolveLocked(d)
	}
	return copyDispute(d), nil
}

// resolveLocked tallies votes: a verdict carried by at least 2 arbiters
// wins, anything else is mutual fault.
func (c *Court) resolveLocked(d *Dispute) {
	tally := make(map[string]int)
	for _, v := range d.Votes {
		tally[v.Verdict]++
	}
	d.Resolution = VerdictMutual
	for verdict, n := range tally {
		if n >= 2 {
			d.Resolution = verdict
			break
		}
	}
	d.Phase = PhaseResolved
	d.ResolvedAt = c.now()
	c.logger.Printf("dispute %s resolved: %s (votes=%v)", d.ID, d.Resolution, tally)
}

// Transition is one phase change surfaced by Sweep for the router to act on.
type Transition struct {
	Dispute *Dispute
	From    Phase
}

// Sweep advances disputes past their deadlines: unrevealed intents expire,
// the evidence window closes into deliberation, and a deliberation window
// with votes outstanding resolves on whatever was cast (majority or
// mutual); with no votes at all the case falls back to direct settlement.
func (c *Court) Sweep() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []Transition
	for _, d := range c.disputes {
		if d.Deadline.IsZero() || now.Before(d.Deadline) {
			continue
		}
		from := d.Phase
		switch d.Phase {
		case PhaseIntent:
			d.Phase = PhaseExpired
		case PhaseEvidence:
			d.Phase = PhaseDeliberation
			d.Deadline = now.Add(c.cfg.DeliberationWindow)
		case PhaseDeliberation:
			if len(d.Votes) == 0 {
				d.Phase = PhaseFallback
			} else {
				c.resolveLocked(d)
			}
		default:
			continue
		}
		out = append(out, Transition{Dispute: copyDispute(d), From: from})
	}
	return out
}

// Get returns a dispute by id.
func (c *Court) Get(disputeID string) (*Dispute, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.disputes[disputeID]
	if !ok {
		return nil, false
	}
	return copyDispute(d), true
}

// GetByProposal returns the dispute attached to a proposal, if any.
func (c *Court) GetByProposal(proposalID string) (*Dispute, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byProposal[proposalID]
	if !ok {
		return nil, false
	}
	return copyDispute(c.disputes[id]), true
}

// Rewards returns the per-arbiter rating adjustments for a resolved
// dispute: +reward for voting with the outcome, -penalty for not voting.
func (c *Court) Rewards(d *Dispute) map[string]int {
	adjust := make(map[string]int)
	for _, arbiter := range d.Panel {
		vote, voted := d.Votes[arbiter]
		switch {
		case !voted:
			adjust[arbiter] = -c.cfg.ArbiterPenalty
		case vote.Verdict == d.Resolution:
			adjust[arbiter] = c.cfg.ArbiterReward
		default:
			adjust[arbiter] = 0
		}
	}
	return adjust
}

func randomNonce() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Panel = append([]string(nil), d.Panel...)
	cp.Evidence = make(map[string]*EvidenceBundle, len(d.Evidence))
	for k, v := range d.Evidence {
		ev := *v
		cp.Evidence[k] = &ev
	}
	cp.Votes = make(map[string]*CastVote, len(d.Votes))
	for k, v := range d.Votes {
		vv := *v
		cp.Votes[k] = &vv
	}
	return &cp
}
