package server

import (
	"errors"
	"strings"

	"github.com/agentchat/relay/internal/arbitration"
	"github.com/agentchat/relay/internal/escrow"
	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/proposal"
	"github.com/agentchat/relay/internal/protocol"
)

// requireKeyed rejects proposal-family operations from ephemeral sessions.
func (s *Server) requireKeyed(sess *session) bool {
	if sess.pubPEM == "" {
		sess.sendError(protocol.ErrSignatureRequired, "a persistent (pubkey) identity is required")
		return false
	}
	return true
}

func transitionCode(te *proposal.TransitionError) protocol.ErrorCode {
	switch te.Kind {
	case "not_found":
		return protocol.ErrProposalNotFound
	case "expired":
		return protocol.ErrProposalExpired
	case "not_party":
		return protocol.ErrNotProposalParty
	default:
		return protocol.ErrInvalidProposal
	}
}

// sendToParties delivers a frame to both proposal parties, whichever are
// connected.
func (s *Server) sendToParties(p *proposal.Proposal, frame []byte) {
	s.mu.RLock()
	from := s.sessions[p.From]
	to := s.sessions[p.To]
	s.mu.RUnlock()
	if from != nil {
		from.trySend(frame)
	}
	if to != nil && to != from {
		to.trySend(frame)
	}
}

// ============================================================================
// CREATE
// ============================================================================

func (s *Server) handleProposal(sess *session, msg *protocol.ClientMessage) {
	if !s.requireKeyed(sess) {
		return
	}

	content := protocol.ProposalSigningContent(
		msg.To, msg.Task, msg.Amount, msg.Currency, msg.PaymentCode, msg.Expires, msg.EloStake)
	if !identity.Verify(sess.pubkey, content, msg.Sig) {
		sess.sendError(protocol.ErrInvalidProposal, "proposer signature verification failed")
		return
	}

	to := trimAt(msg.To)
	p := s.proposals.Create(
		sess.agentID, to, msg.Task,
		msg.Amount, msg.Currency, msg.PaymentCode, msg.Terms,
		msg.Expires, msg.EloStake, msg.Sig)

	sess.trySend(proposalResultFrame(p))

	s.mu.RLock()
	targetSess := s.sessions[to]
	s.mu.RUnlock()
	if targetSess != nil {
		targetSess.trySend(forwardedProposalFrame(p, msg.Sig))
	}
	s.bus.Emit(events.ProposalCreated, p.ID, map[string]interface{}{
		"from": wire(p.From), "to": wire(p.To),
	})
}

// ============================================================================
// ACCEPT / REJECT
// ============================================================================

func (s *Server) handleAccept(sess *session, msg *protocol.ClientMessage) {
	if !s.requireKeyed(sess) {
		return
	}

	p, ok := s.proposals.Get(msg.ProposalID)
	if !ok {
		sess.sendError(protocol.ErrProposalNotFound, "proposal "+msg.ProposalID+" not found")
		return
	}

	content := protocol.AcceptSigningContent(p.ID, p.PaymentCode, msg.EloStake)
	if !identity.Verify(sess.pubkey, content, msg.Sig) {
		sess.sendError(protocol.ErrInvalidProposal, "acceptance signature verification failed")
		return
	}

	accepted, terr := s.proposals.Accept(p.ID, sess.agentID, msg.EloStake, msg.Sig)
	if terr != nil {
		sess.sendError(transitionCode(terr), terr.Detail)
		return
	}

	// Escrow opens atomically with the accept: a failed stake check
	// rolls the transition back before anyone observes it.
	if accepted.ProposerStake > 0 || accepted.AcceptorStake > 0 {
		err := s.escrow.Open(p.ID, accepted.From, accepted.ProposerStake, accepted.To, accepted.AcceptorStake)
		if err != nil {
			s.proposals.RevertAccept(p.ID)
			var insufficient *escrow.ErrInsufficient
			if errors.As(err, &insufficient) {
				sess.sendError(protocol.ErrInsufficientRep, insufficient.Error())
			} else {
				sess.sendError(protocol.ErrInvalidStake, err.Error())
			}
			return
		}
	}

	s.sendToParties(accepted, proposalResultFrame(accepted))
}

func (s *Server) handleReject(sess *session, msg *protocol.ClientMessage) {
	if !s.requireKeyed(sess) {
		return
	}

	content := protocol.RejectSigningContent(msg.ProposalID, msg.Reason)
	if !identity.Verify(sess.pubkey, content, msg.Sig) {
		sess.sendError(protocol.ErrInvalidProposal, "rejection signature verification failed")
		return
	}

	rejected, terr := s.proposals.Reject(msg.ProposalID, sess.agentID, msg.Reason, msg.Sig)
	if terr != nil {
		sess.sendError(transitionCode(terr), terr.Detail)
		return
	}
	s.sendToParties(rejected, proposalResultFrame(rejected))
}

// ============================================================================
// COMPLETE / DISPUTE / SETTLEMENT
// ============================================================================

func (s *Server) handleComplete(sess *session, msg *protocol.ClientMessage) {
	if !s.requireKeyed(sess) {
		return
	}

	content := protocol.CompleteSigningContent(msg.ProposalID, msg.Proof)
	if !identity.Verify(sess.pubkey, content, msg.Sig) {
		sess.sendError(protocol.ErrInvalidProposal, "completion signature verification failed")
		return
	}

	completed, terr := s.proposals.Complete(msg.ProposalID, sess.agentID, msg.Proof, msg.Sig)
	if terr != nil {
		sess.sendError(transitionCode(terr), terr.Detail)
		return
	}

	gainFrom, gainTo, err := s.ratings.ApplyCompletion(completed.From, completed.To, completed.Amount)
	if err != nil {
		s.logger.Printf("completion settlement snapshot failed for %s: %v", completed.ID, err)
	}
	if _, exists := s.escrow.Get(completed.ID); exists {
		if _, err := s.escrow.Release(completed.ID, escrow.ReasonCompleted); err != nil {
			s.logger.Printf("escrow release failed for %s: %v", completed.ID, err)
		}
	}
	s.repMetrics.RecordSettlement("completed")

	frame := proposalFields(protocol.NewFrame(protocol.TypeProposalResult), completed).
		With("proof", completed.Proof).
		With("rating_changes", map[string]int{wire(completed.From): gainFrom, wire(completed.To): gainTo}).
		Encode()
	s.sendToParties(completed, frame)
	s.bus.Emit(events.ProposalSettled, completed.ID, map[string]interface{}{"outcome": "completed"})
}

func (s *Server) handleDispute(sess *session, msg *protocol.ClientMessage) {
	if !s.requireKeyed(sess) {
		return
	}

	content := protocol.DisputeSigningContent(msg.ProposalID, msg.Reason)
	if !identity.Verify(sess.pubkey, content, msg.Sig) {
		sess.sendError(protocol.ErrInvalidProposal, "dispute signature verification failed")
		return
	}

	// With agentcourt active and a committed intent on file, the panel
	// owns settlement; a direct DISPUTE would double-settle.
	if s.court != nil {
		if d, ok := s.court.GetByProposal(msg.ProposalID); ok && d.Phase != arbitration.PhaseExpired {
			sess.sendError(protocol.ErrDisputeAlreadyExists, "a panel dispute is already underway for "+msg.ProposalID)
			return
		}
	}

	disputed, terr := s.proposals.Dispute(msg.ProposalID, sess.agentID, msg.Reason, msg.Sig)
	if terr != nil {
		sess.sendError(transitionCode(terr), terr.Detail)
		return
	}

	s.settleDispute(disputed, sess.agentID)
}

// settleDispute applies §-style dispute settlement with the disputer's
// counterparty at fault.
func (s *Server) settleDispute(p *proposal.Proposal, disputer string) {
	atFault := p.From
	winner := p.To
	if disputer == p.From {
		atFault = p.To
		winner = p.From
	}
	atFaultStake := p.ProposerStake
	if atFault == p.To {
		atFaultStake = p.AcceptorStake
	}

	winnerGain, atFaultLoss, err := s.ratings.ApplyDispute(winner, atFault, p.Amount, atFaultStake)
	if err != nil {
		s.logger.Printf("dispute settlement snapshot failed for %s: %v", p.ID, err)
	}
	if _, exists := s.escrow.Get(p.ID); exists {
		if _, err := s.escrow.Settle(p.ID, escrow.ReasonDisputed); err != nil {
			s.logger.Printf("escrow settle failed for %s: %v", p.ID, err)
		}
	}
	s.repMetrics.RecordSettlement("disputed")

	frame := proposalFields(protocol.NewFrame(protocol.TypeProposalResult), p).
		With("reason", p.DisputeReason).
		With("disputed_by", wire(disputer)).
		With("rating_changes", map[string]int{wire(winner): winnerGain, wire(atFault): -atFaultLoss}).
		Encode()
	s.sendToParties(p, frame)
	s.bus.Emit(events.ProposalSettled, p.ID, map[string]interface{}{"outcome": "disputed"})
}

// settleMutualDispute burns both stakes; used when a panel verdict finds
// mutual fault.
func (s *Server) settleMutualDispute(p *proposal.Proposal) {
	lossFrom, lossTo, err := s.ratings.ApplyMutualDispute(p.From, p.To, p.Amount, p.ProposerStake, p.AcceptorStake)
	if err != nil {
		s.logger.Printf("mutual dispute snapshot failed for %s: %v", p.ID, err)
	}
	if _, exists := s.escrow.Get(p.ID); exists {
		if _, err := s.escrow.Settle(p.ID, escrow.ReasonDisputed); err != nil {
			s.logger.Printf("escrow settle failed for %s: %v", p.ID, err)
		}
	}
	s.repMetrics.RecordSettlement("mutual")

	frame := proposalFields(protocol.NewFrame(protocol.TypeProposalResult), p).
		With("rating_changes", map[string]int{wire(p.From): -lossFrom, wire(p.To): -lossTo}).
		Encode()
	s.sendToParties(p, frame)
	s.bus.Emit(events.ProposalSettled, p.ID, map[string]interface{}{"outcome": "mutual"})
}

// ============================================================================
// LIST
// ============================================================================

func (s *Server) handleListProposals(sess *session, msg *protocol.ClientMessage) {
	list := s.proposals.ListByAgent(sess.agentID, proposal.Query{
		Status: proposal.Status(msg.Status),
		Role:   msg.Role,
		Limit:  msg.Limit,
	})

	summaries := make([]map[string]interface{}, 0, len(list))
	for _, p := range list {
		summaries = append(summaries, map[string]interface{}{
			"proposal_id": p.ID,
			"from":        wire(p.From),
			"to":          wire(p.To),
			"task":        p.Task,
			"status":      string(p.Status),
			"created":     p.CreatedAt.UnixMilli(),
		})
	}
	sess.trySend(protocol.NewFrame(protocol.TypeProposalList).
		With("proposals", summaries).
		Encode())
}

// ============================================================================
// SKILLS
// ============================================================================

func (s *Server) handleRegisterSkills(sess *session, msg *protocol.ClientMessage) {
	if !s.requireKeyed(sess) {
		return
	}

	reg := s.skills.Register(sess.agentID, msg.Skills, msg.Sig)

	sess.trySend(protocol.NewFrame(protocol.TypeSkillsRegistered).
		With("count", len(reg.Skills)).
		Encode())

	// Announce into #discovery when it exists.
	caps := make([]string, 0, len(reg.Skills))
	for _, sk := range reg.Skills {
		caps = append(caps, sk.Capability)
	}
	s.mu.Lock()
	if c, ok := s.channels["#discovery"]; ok {
		announcement := protocol.SystemMessage("#discovery",
			wire(sess.agentID)+" registered skills: "+strings.Join(caps, ", "))
		c.replay.Push(announcement)
		s.broadcastLocked(c, announcement, "")
	}
	s.mu.Unlock()
}

func (s *Server) handleSearchSkills(sess *session, msg *protocol.ClientMessage) {
	results := s.skills.Search(*msg.Query)

	hits := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		hits = append(hits, map[string]interface{}{
			"agent":        wire(r.AgentID),
			"skills":       r.Skills,
			"rating":       r.Rating,
			"transactions": r.Transactions,
		})
	}
	sess.trySend(protocol.NewFrame(protocol.TypeSkillsResults).
		With("results", hits).
		Encode())
}
