package server

import (
	"github.com/agentchat/relay/internal/arbitration"
	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/proposal"
	"github.com/agentchat/relay/internal/protocol"
)

// Agentcourt wiring. These handlers are live only when arbitration is
// enabled in config; with the court active, panel verdicts drive dispute
// settlement instead of the direct path.

func courtErrCode(e *arbitration.Error) protocol.ErrorCode {
	switch e.Kind {
	case "not_found":
		return protocol.ErrDisputeNotFound
	case "invalid_phase":
		return protocol.ErrDisputeInvalidPhase
	case "commitment_mismatch":
		return protocol.ErrDisputeCommitmentMismatch
	case "not_party":
		return protocol.ErrDisputeNotParty
	case "not_arbiter":
		return protocol.ErrDisputeNotArbiter
	case "deadline_passed":
		return protocol.ErrDisputeDeadlinePassed
	case "already_exists":
		return protocol.ErrDisputeAlreadyExists
	case "insufficient_arbiters":
		return protocol.ErrInsufficientArbiters
	default:
		return protocol.ErrInvalidMsg
	}
}

func (s *Server) requireCourt(sess *session) bool {
	if s.court == nil {
		sess.sendError(protocol.ErrInvalidMsg, "panel arbitration is not enabled on this relay")
		return false
	}
	return true
}

func disputeUpdateFrame(d *arbitration.Dispute) []byte {
	f := protocol.NewFrame(protocol.TypeDisputeUpdate).
		With("dispute_id", d.ID).
		With("proposal_id", d.ProposalID).
		With("phase", string(d.Phase))
	if d.Resolution != "" {
		f.With("resolution", d.Resolution)
	}
	if !d.Deadline.IsZero() {
		f.With("deadline", d.Deadline.UnixMilli())
	}
	return f.Encode()
}

// notifyDispute fans an update to the parties and, optionally, the panel.
func (s *Server) notifyDispute(d *arbitration.Dispute, includePanel bool) {
	frame := disputeUpdateFrame(d)
	targets := []string{d.Disputant, d.Respondent}
	if includePanel {
		targets = append(targets, d.Panel...)
	}
	s.mu.RLock()
	for _, id := range targets {
		if sess, ok := s.sessions[id]; ok {
			sess.trySend(frame)
		}
	}
	s.mu.RUnlock()
}

// arbiterCandidates snapshots the keyed live population for panel
// selection.
func (s *Server) arbiterCandidates() []arbitration.Candidate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]arbitration.Candidate, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if sess.pubPEM == "" {
			continue
		}
		rating, txns := s.ratings.Get(id)
		out = append(out, arbitration.Candidate{
			AgentID:      id,
			Rating:       rating,
			Transactions: txns,
			ConnectedAt:  sess.connectedAt,
		})
	}
	return out
}

func (s *Server) handleDisputeIntent(sess *session, msg *protocol.ClientMessage) {
	if !s.requireCourt(sess) || !s.requireKeyed(sess) {
		return
	}

	p, ok := s.proposals.Get(msg.ProposalID)
	if !ok {
		sess.sendError(protocol.ErrProposalNotFound, "proposal "+msg.ProposalID+" not found")
		return
	}
	if p.Status != proposal.StatusAccepted {
		sess.sendError(protocol.ErrInvalidProposal, "only accepted proposals can be disputed")
		return
	}
	if sess.agentID != p.From && sess.agentID != p.To {
		sess.sendError(protocol.ErrNotProposalParty, "only a proposal party may file a dispute")
		return
	}

	content := protocol.DisputeSigningContent(msg.ProposalID, msg.Reason)
	if !identity.Verify(sess.pubkey, content, msg.Sig) {
		sess.sendError(protocol.ErrInvalidProposal, "dispute intent signature verification failed")
		return
	}

	respondent := p.From
	if sess.agentID == p.From {
		respondent = p.To
	}

	d, cerr := s.court.FileIntent(msg.ProposalID, sess.agentID, respondent, msg.Commitment, msg.Reason, msg.Sig)
	if cerr != nil {
		sess.sendError(courtErrCode(cerr), cerr.Detail)
		return
	}

	sess.trySend(disputeUpdateFrame(d))
	s.bus.Emit(events.DisputeFiled, d.ID, map[string]interface{}{"proposal": d.ProposalID})
}

func (s *Server) handleDisputeReveal(sess *session, msg *protocol.ClientMessage) {
	if !s.requireCourt(sess) {
		return
	}

	d, cerr := s.court.Reveal(msg.ProposalID, sess.agentID, msg.Nonce, s.arbiterCandidates())
	if cerr != nil {
		sess.sendError(courtErrCode(cerr), cerr.Detail)
		if d != nil && d.Phase == arbitration.PhaseFallback {
			// Panel could not be seated; fall back to direct settlement.
			s.fallbackSettle(d)
		}
		return
	}

	s.notifyDispute(d, true)
}

func (s *Server) handleDisputeEvidence(sess *session, msg *protocol.ClientMessage) {
	if !s.requireCourt(sess) {
		return
	}

	d, cerr := s.court.SubmitEvidence(msg.DisputeID, sess.agentID, msg.Statement, msg.Items)
	if cerr != nil {
		sess.sendError(courtErrCode(cerr), cerr.Detail)
		return
	}

	sess.trySend(disputeUpdateFrame(d))
	if d.Phase == arbitration.PhaseDeliberation {
		s.notifyDispute(d, true)
	}
}

func (s *Server) handleDisputeVerdict(sess *session, msg *protocol.ClientMessage) {
	if !s.requireCourt(sess) {
		return
	}

	d, cerr := s.court.CastVerdict(msg.DisputeID, sess.agentID, msg.Verdict, msg.Reason)
	if cerr != nil {
		sess.sendError(courtErrCode(cerr), cerr.Detail)
		return
	}

	sess.trySend(disputeUpdateFrame(d))
	if d.Phase == arbitration.PhaseResolved {
		s.applyVerdict(d)
	}
}

// applyVerdict turns a panel resolution into the proposal transition and
// settlement, then pays the arbiters.
func (s *Server) applyVerdict(d *arbitration.Dispute) {
	disputed, terr := s.proposals.Dispute(d.ProposalID, d.Disputant, d.Reason, d.IntentSig)
	if terr != nil {
		s.logger.Printf("verdict for %s could not transition proposal: %s", d.ID, terr.Detail)
		return
	}

	switch d.Resolution {
	case arbitration.VerdictDisputant:
		s.settleDispute(disputed, d.Disputant)
	case arbitration.VerdictRespondent:
		s.settleDispute(disputed, d.Respondent)
	default:
		s.settleMutualDispute(disputed)
	}

	for arbiter, delta := range s.court.Rewards(d) {
		if err := s.ratings.Adjust(arbiter, delta); err != nil {
			s.logger.Printf("arbiter adjustment failed for %s: %v", arbiter, err)
		}
	}

	s.notifyDispute(d, true)
	s.bus.Emit(events.DisputeResolved, d.ID, map[string]interface{}{
		"proposal":   d.ProposalID,
		"resolution": d.Resolution,
	})
}

// fallbackSettle runs the direct dispute path when the panel workflow
// cannot proceed.
func (s *Server) fallbackSettle(d *arbitration.Dispute) {
	disputed, terr := s.proposals.Dispute(d.ProposalID, d.Disputant, d.Reason, d.IntentSig)
	if terr != nil {
		s.logger.Printf("fallback for %s could not transition proposal: %s", d.ID, terr.Detail)
		return
	}
	s.settleDispute(disputed, d.Disputant)
	s.notifyDispute(d, false)
}
