// Package escrow tracks the portion of each agent's ELO rating bound to
// accepted proposals. The ledger is the gatekeeper for the stake floor
// invariant: an agent's total active escrow never exceeds rating - 100.
package escrow

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentchat/relay/internal/reputation"
)

// Status of an escrow record.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusSettled  Status = "settled"
)

// Reason a record left the active state.
type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonDisputed  Reason = "disputed"
	ReasonExpired   Reason = "expired"
)

// Record is the escrow held for one proposal.
type Record struct {
	ProposalID    string
	Proposer      string
	ProposerStake int
	Acceptor      string
	AcceptorStake int
	Status        Status
	Reason        Reason
	CreatedAt     time.Time
	ClosedAt      time.Time
}

// RatingFunc resolves an agent's current rating. The ledger calls it while
// holding its own lock so availability checks and escrow creation are one
// atomic step.
type RatingFunc func(agentID string) int

// ErrInsufficient is returned when a stake would push an agent below the
// rating floor.
type ErrInsufficient struct {
	AgentID   string
	Requested int
	Available int
}

func (e *ErrInsufficient) Error() string {
	return fmt.Sprintf("agent %s has %d ELO available, stake %d requested", e.AgentID, e.Available, e.Requested)
}

// Ledger holds all escrow records.
type Ledger struct {
	mu      sync.Mutex
	records map[string]*Record
	active  map[string]int // agentID -> total actively escrowed ELO
	rating  RatingFunc
	logger  *log.Logger
}

// NewLedger creates a ledger backed by the given rating resolver.
func NewLedger(rating RatingFunc) *Ledger {
	return &Ledger{
		records: make(map[string]*Record),
		active:  make(map[string]int),
		rating:  rating,
		logger:  log.New(log.Writer(), "[ESCROW] ", log.LstdFlags),
	}
}

// Available returns how much ELO the agent can still stake:
// rating - active escrow - floor.
func (l *Ledger) Available(agentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availableLocked(agentID)
}

func (l *Ledger) availableLocked(agentID string) int {
	avail := l.rating(agentID) - l.active[agentID] - reputation.RatingFloor
	if avail < 0 {
		avail = 0
	}
	return avail
}

// Escrowed returns the agent's total actively escrowed ELO.
func (l *Ledger) Escrowed(agentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[agentID]
}

// Open creates the escrow record for an accepted proposal. Both parties'
// availability is checked and the record created under one lock hold, so
// two concurrent accepts cannot overdraw either agent. Zero-stake parties
// are admitted unconditionally.
func (l *Ledger) Open(proposalID, proposer string, proposerStake int, acceptor string, acceptorStake int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[proposalID]; exists {
		return fmt.Errorf("escrow for %s already exists", proposalID)
	}
	if proposerStake > 0 {
		if avail := l.availableLocked(proposer); proposerStake > avail {
			return &ErrInsufficient{AgentID: proposer, Requested: proposerStake, Available: avail}
		}
	}
	if acceptorStake > 0 {
		if avail := l.availableLocked(acceptor); acceptorStake > avail {
			return &ErrInsufficient{AgentID: acceptor, Requested: acceptorStake, Available: avail}
		}
	}

	l.records[proposalID] = &Record{
		ProposalID:    proposalID,
		Proposer:      proposer,
		ProposerStake: proposerStake,
		Acceptor:      acceptor,
		AcceptorStake: acceptorStake,
		Status:        StatusActive,
		CreatedAt:     time.Now(),
	}
	l.active[proposer] += proposerStake
	l.active[acceptor] += acceptorStake

	l.logger.Printf("opened escrow %s (proposer=%s/%d acceptor=%s/%d)",
		proposalID, proposer, proposerStake, acceptor, acceptorStake)
	return nil
}

// Release returns both stakes without rating effects (completion and
// expiry paths).
func (l *Ledger) Release(proposalID string, reason Reason) (*Record, error) {
	return l.close(proposalID, StatusReleased, reason)
}

// Settle marks the record settled; the stake transfers themselves are
// rating mutations applied by the reputation store (dispute path).
func (l *Ledger) Settle(proposalID string, reason Reason) (*Record, error) {
	return l.close(proposalID, StatusSettled, reason)
}

func (l *Ledger) close(proposalID string, status Status, reason Reason) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[proposalID]
	if !ok {
		return nil, fmt.Errorf("no escrow for %s", proposalID)
	}
	if rec.Status != StatusActive {
		return nil, fmt.Errorf("escrow for %s is already %s", proposalID, rec.Status)
	}

	rec.Status = status
	rec.Reason = reason
	rec.ClosedAt = time.Now()
	l.decrActive(rec.Proposer, rec.ProposerStake)
	l.decrActive(rec.Acceptor, rec.AcceptorStake)

	l.logger.Printf("closed escrow %s (%s, reason=%s)", proposalID, status, reason)
	return rec, nil
}

func (l *Ledger) decrActive(agentID string, stake int) {
	l.active[agentID] -= stake
	if l.active[agentID] <= 0 {
		delete(l.active, agentID)
	}
}

// Get returns a copy of the record for a proposal, if any.
func (l *Ledger) Get(proposalID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[proposalID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// ActiveCount returns the number of active escrow records.
func (l *Ledger) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, rec := range l.records {
		if rec.Status == StatusActive {
			n++
		}
	}
	return n
}
