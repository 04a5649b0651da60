package server

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/identity"
	"github.com/agentchat/relay/internal/protocol"
)

// ============================================================================
// IDENTIFY / CHALLENGE HANDSHAKE
// ============================================================================

func (s *Server) handleIdentify(sess *session, msg *protocol.ClientMessage) {
	isAdmin := false
	if key := s.cfg.Allowlist.AdminKey; key != "" && msg.AdminKey != "" {
		isAdmin = identity.TimingSafeEqual(key, msg.AdminKey)
	}

	// Ephemeral identify: no key, no challenge, random id.
	if msg.Pubkey == "" {
		if s.cfg.Allowlist.Enabled && s.cfg.Allowlist.Strict && !isAdmin {
			sess.sendError(protocol.ErrNotAllowed, "this relay requires a registered identity")
			return
		}
		s.completeIdentify(sess, &authChallenge{
			name:    msg.Name,
			agentID: s.randomAgentID(),
			isAdmin: isAdmin,
		})
		return
	}

	pub, err := identity.ParsePublicPEM(msg.Pubkey)
	if err != nil {
		sess.sendError(protocol.ErrInvalidMsg, "pubkey is not a valid Ed25519 PEM")
		return
	}
	agentID := identity.AgentID(msg.Pubkey)

	if s.ban.Contains(agentID) {
		sess.sendError(protocol.ErrNotAllowed, "identity is banned")
		return
	}
	if s.cfg.Allowlist.Enabled && !s.allow.Contains(agentID) && !isAdmin {
		sess.sendError(protocol.ErrNotAllowed, "identity is not on the allowlist")
		return
	}

	nonce := make([]byte, 16)
	rand.Read(nonce)
	ch := &authChallenge{
		id:        uuid.NewString(),
		nonce:     hex.EncodeToString(nonce),
		expiresAt: time.Now().Add(msDur(s.cfg.Timeouts.ChallengeTimeoutMs)),
		name:      msg.Name,
		pubkey:    pub,
		pubPEM:    msg.Pubkey,
		agentID:   agentID,
		isAdmin:   isAdmin,
	}
	s.mu.Lock()
	sess.challenge = ch
	s.mu.Unlock()
	sess.trySend(challengeFrame(ch.id, ch.nonce, ch.expiresAt.UnixMilli()))
}

func (s *Server) handleVerifyIdentity(sess *session, msg *protocol.ClientMessage) {
	s.mu.Lock()
	ch := sess.challenge
	s.mu.Unlock()
	if ch == nil {
		sess.sendError(protocol.ErrAuthRequired, "no pending challenge")
		return
	}
	if msg.ChallengeID != ch.id {
		sess.sendError(protocol.ErrVerifyFailed, "unknown challenge id")
		return
	}
	if time.Now().After(ch.expiresAt) {
		s.clearChallenge(sess)
		sess.sendError(protocol.ErrVerifyExpired, "challenge expired, identify again")
		return
	}

	content := protocol.AuthSigningContent(ch.nonce, ch.id, msg.Timestamp)
	if !identity.Verify(ch.pubkey, content, msg.Signature) {
		sess.sendError(protocol.ErrVerifyFailed, "challenge signature verification failed")
		return
	}

	s.clearChallenge(sess)
	s.completeIdentify(sess, ch)
}

func (s *Server) clearChallenge(sess *session) {
	s.mu.Lock()
	sess.challenge = nil
	s.mu.Unlock()
}

// completeIdentify registers the session under its agent id, displacing a
// prior connection holding the same identity. The old mapping is gone
// before WELCOME goes out on the new connection.
func (s *Server) completeIdentify(sess *session, ch *authChallenge) {
	s.mu.Lock()
	delete(s.preAuth, sess)
	var displaced *session
	if prior, ok := s.sessions[ch.agentID]; ok && prior != sess {
		displaced = prior
		prior.displaced = true
		delete(s.sessions, ch.agentID)
		s.removeFromChannelsLocked(prior)
	}

	sess.identified = true
	sess.agentID = ch.agentID
	sess.name = ch.name
	sess.pubkey = ch.pubkey
	sess.pubPEM = ch.pubPEM
	sess.isAdmin = ch.isAdmin
	s.sessions[ch.agentID] = sess
	s.metrics.AgentsWithIdentity.Set(float64(s.countKeyedLocked()))
	s.mu.Unlock()

	if displaced != nil {
		displaced.sendThenClose(protocol.NewFrame(protocol.TypeSessionDisplaced).
			With("reason", "another connection authenticated with this identity").
			Encode())
		s.bus.Emit(events.AgentDisplaced, wire(ch.agentID), nil)
	}

	sess.trySend(welcomeFrame(ch.agentID, s.cfg.Server.Name, s.motd))
	s.bus.Emit(events.AgentConnected, wire(ch.agentID), map[string]interface{}{
		"name":  ch.name,
		"keyed": ch.pubPEM != "",
	})
	s.logger.Printf("identified %s (name=%s, keyed=%v)", wire(ch.agentID), ch.name, ch.pubPEM != "")
}

const ephemeralAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomAgentID mints an 8-char lowercase alphanumeric id that does not
// collide with a live session.
func (s *Server) randomAgentID() string {
	for {
		b := make([]byte, identity.AgentIDLength)
		rand.Read(b)
		for i := range b {
			b[i] = ephemeralAlphabet[int(b[i])%len(ephemeralAlphabet)]
		}
		id := string(b)

		s.mu.RLock()
		_, taken := s.sessions[id]
		s.mu.RUnlock()
		if !taken {
			return id
		}
	}
}

// ============================================================================
// PEER-TO-PEER VERIFICATION
// ============================================================================

func verifyFailedFrame(requestID, target, reason string) []byte {
	return protocol.NewFrame(protocol.TypeVerifyFailed).
		With("request_id", requestID).
		With("target", wire(target)).
		With("reason", reason).
		Encode()
}

func (s *Server) handleVerifyRequest(sess *session, msg *protocol.ClientMessage) {
	target := trimAt(msg.Target)

	s.mu.Lock()
	targetSess, ok := s.sessions[target]
	if !ok {
		s.mu.Unlock()
		sess.sendError(protocol.ErrAgentNotFound, "no agent "+msg.Target)
		return
	}
	if targetSess.pubPEM == "" {
		s.mu.Unlock()
		sess.sendError(protocol.ErrNoPubkey, "target has no registered public key")
		return
	}

	v := &verification{
		requestID: uuid.NewString(),
		requester: sess.agentID,
		target:    target,
		targetPEM: targetSess.pubPEM,
		nonce:     msg.Nonce,
		expiresAt: time.Now().Add(msDur(s.cfg.Timeouts.VerificationTimeoutMs)),
	}
	s.verifications[v.requestID] = v
	s.mu.Unlock()

	targetSess.trySend(protocol.NewFrame(protocol.TypeVerifyRequest).
		With("request_id", v.requestID).
		With("from", wire(sess.agentID)).
		With("nonce", msg.Nonce).
		Encode())
	sess.trySend(protocol.NewFrame(protocol.TypeVerifyAck).
		With("request_id", v.requestID).
		With("target", wire(target)).
		Encode())
}

func (s *Server) handleVerifyResponse(sess *session, msg *protocol.ClientMessage) {
	s.mu.Lock()
	v, ok := s.verifications[msg.RequestID]
	if !ok {
		s.mu.Unlock()
		sess.sendError(protocol.ErrVerifyExpired, "unknown or expired verification request")
		return
	}
	if v.target != sess.agentID {
		s.mu.Unlock()
		sess.sendError(protocol.ErrVerifyFailed, "request is not addressed to you")
		return
	}
	delete(s.verifications, msg.RequestID)
	requester := s.sessions[v.requester]
	s.mu.Unlock()

	if time.Now().After(v.expiresAt) {
		outcome := verifyFailedFrame(v.requestID, v.target, "verification expired")
		sess.trySend(outcome)
		if requester != nil {
			requester.trySend(outcome)
		}
		return
	}

	fail := func(reason string) {
		outcome := verifyFailedFrame(v.requestID, v.target, reason)
		sess.trySend(outcome)
		if requester != nil {
			requester.trySend(outcome)
		}
	}

	if msg.Nonce != v.nonce {
		fail("nonce mismatch")
		return
	}
	pub, err := identity.ParsePublicPEM(v.targetPEM)
	if err != nil {
		fail("stored public key is invalid")
		return
	}
	if !identity.Verify(pub, v.nonce, msg.Sig) {
		fail("Signature verification failed")
		return
	}

	success := protocol.NewFrame(protocol.TypeVerifySuccess).
		With("request_id", v.requestID).
		With("target", wire(v.target)).
		With("pubkey", v.targetPEM).
		Encode()
	sess.trySend(success)
	if requester != nil {
		requester.trySend(success)
	}
}
