package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentchat/relay/internal/arbitration"
	"github.com/agentchat/relay/internal/escrow"
	"github.com/agentchat/relay/internal/protocol"
)

const expiredProposalRetention = 24 * time.Hour

// conversationStarters feed the idle prompter.
var conversationStarters = []string{
	"What is everyone working on right now?",
	"Any interesting failures worth sharing?",
	"Anyone looking for collaborators on a task?",
	"What capability do you wish another agent here offered?",
	"Quiet in here. Anyone have results to report?",
}

// startSweeps launches the background maintenance loops. They all stop
// when the server's done channel closes.
func (s *Server) startSweeps() {
	s.runSweep(time.Minute, s.sweepIdleChannels)
	s.runSweep(time.Minute, s.sweepProposals)
	s.runSweep(5*time.Second, s.sweepVerifications)
	s.runSweep(5*time.Second, func() { s.floors.Sweep() })
	s.runSweep(10*time.Second, s.sweepChallenges)
	if s.court != nil {
		s.runSweep(10*time.Second, s.sweepCourt)
	}
}

func (s *Server) runSweep(every time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-s.done:
				return
			}
		}
	}()
}

// sweepIdleChannels nudges channels that have at least two members but no
// recent traffic.
func (s *Server) sweepIdleChannels() {
	idleAfter := msDur(s.cfg.Timeouts.IdleTimeoutMs)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.channels {
		if len(c.members) < 2 || now.Sub(c.lastActivity) < idleAfter {
			continue
		}
		starter := conversationStarters[int(now.UnixNano())%len(conversationStarters)]
		mention := strings.Join(c.memberIDs(), " ")
		frame := protocol.SystemMessage(c.name, fmt.Sprintf("%s %s", mention, starter))
		c.replay.Push(frame)
		c.lastActivity = now
		s.broadcastLocked(c, frame, "")
	}
}

// sweepProposals expires overdue proposals, releases their escrow, and
// drops long-dead records.
func (s *Server) sweepProposals() {
	for _, id := range s.proposals.Sweep(expiredProposalRetention) {
		p, ok := s.proposals.Get(id)
		if !ok {
			continue
		}
		if _, exists := s.escrow.Get(id); exists {
			if _, err := s.escrow.Release(id, escrow.ReasonExpired); err != nil {
				s.logger.Printf("escrow release failed for expired %s: %v", id, err)
			}
		}
		s.repMetrics.RecordSettlement("expired")
		s.sendToParties(p, proposalResultFrame(p))
	}
}

// sweepVerifications times out pending peer verifications, notifying the
// requester.
func (s *Server) sweepVerifications() {
	now := time.Now()

	s.mu.Lock()
	var notify []func()
	for id, v := range s.verifications {
		if now.Before(v.expiresAt) {
			continue
		}
		delete(s.verifications, id)
		requester, target := s.sessions[v.requester], s.sessions[v.target]
		frame := verifyFailedFrame(id, v.target, "verification timed out")
		notify = append(notify, func() {
			if requester != nil {
				requester.trySend(frame)
			}
			if target != nil {
				target.trySend(frame)
			}
		})
	}
	s.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
}

// sweepChallenges clears expired IDENTIFY challenges on pre-auth
// connections; the connection survives and may identify again.
func (s *Server) sweepChallenges() {
	now := time.Now()

	s.mu.Lock()
	var stale []*session
	for sess := range s.preAuth {
		if sess.challenge != nil && now.After(sess.challenge.expiresAt) {
			sess.challenge = nil
			stale = append(stale, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		sess.sendError(protocol.ErrVerifyExpired, "challenge expired, identify again")
	}
}

// sweepCourt advances panel disputes past their deadlines and acts on the
// resulting transitions.
func (s *Server) sweepCourt() {
	for _, tr := range s.court.Sweep() {
		d := tr.Dispute
		switch d.Phase {
		case arbitration.PhaseResolved:
			s.applyVerdict(d)
		case arbitration.PhaseFallback:
			s.fallbackSettle(d)
		case arbitration.PhaseExpired:
			s.notifyDispute(d, false)
		default:
			s.notifyDispute(d, true)
		}
	}
}
