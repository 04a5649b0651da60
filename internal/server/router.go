package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentchat/relay/internal/events"
	"github.com/agentchat/relay/internal/moderation"
	"github.com/agentchat/relay/internal/protocol"
)

// dispatch validates one inbound frame and routes it to its handler.
// Handlers run to completion before the session's next frame is read.
func (s *Server) dispatch(sess *session, raw []byte) {
	start := time.Now()
	defer func() {
		s.metrics.DispatchSeconds.Observe(time.Since(start).Seconds())
	}()

	msg, werr := protocol.Validate(raw)
	if werr != nil {
		s.metrics.ErrorsOut.WithLabelValues(string(werr.Code)).Inc()
		sess.trySend(protocol.WireErrorFrame(werr))
		return
	}
	s.metrics.FramesIn.WithLabelValues(string(msg.Type)).Inc()

	if !sess.identified {
		switch msg.Type {
		case protocol.TypeIdentify:
			s.handleIdentify(sess, msg)
		case protocol.TypeVerifyIdentity:
			s.handleVerifyIdentity(sess, msg)
		default:
			sess.sendError(protocol.ErrAuthRequired, "identify first")
		}
		return
	}

	switch msg.Type {
	case protocol.TypeIdentify:
		sess.sendError(protocol.ErrInvalidMsg, "already identified")
	case protocol.TypeJoin:
		s.handleJoin(sess, msg)
	case protocol.TypeLeave:
		s.handleLeave(sess, msg)
	case protocol.TypeListAgents:
		s.handleListAgents(sess, msg)
	case protocol.TypeMsg:
		s.handleMsg(sess, msg)
	case protocol.TypeCreateChannel:
		s.handleCreateChannel(sess, msg)
	case protocol.TypeInvite:
		s.handleInvite(sess, msg)
	case protocol.TypeTyping:
		s.handleTyping(sess, msg)
	case protocol.TypeSetPresence:
		s.handleSetPresence(sess, msg)
	case protocol.TypeSetNick:
		s.handleSetNick(sess, msg)
	case protocol.TypeProposal:
		s.handleProposal(sess, msg)
	case protocol.TypeAccept:
		s.handleAccept(sess, msg)
	case protocol.TypeReject:
		s.handleReject(sess, msg)
	case protocol.TypeComplete:
		s.handleComplete(sess, msg)
	case protocol.TypeDispute:
		s.handleDispute(sess, msg)
	case protocol.TypeListProposals:
		s.handleListProposals(sess, msg)
	case protocol.TypeRegisterSkills:
		s.handleRegisterSkills(sess, msg)
	case protocol.TypeSearchSkills:
		s.handleSearchSkills(sess, msg)
	case protocol.TypeVerifyRequest:
		s.handleVerifyRequest(sess, msg)
	case protocol.TypeVerifyResponse:
		s.handleVerifyResponse(sess, msg)
	case protocol.TypeRespondingTo:
		s.handleRespondingTo(sess, msg)
	case protocol.TypeDisputeIntent:
		s.handleDisputeIntent(sess, msg)
	case protocol.TypeDisputeReveal:
		s.handleDisputeReveal(sess, msg)
	case protocol.TypeDisputeEvidence:
		s.handleDisputeEvidence(sess, msg)
	case protocol.TypeDisputeVerdict:
		s.handleDisputeVerdict(sess, msg)
	default:
		sess.sendError(protocol.ErrInvalidMsg, "unhandled message type")
	}
}

// ============================================================================
// CHANNEL OPERATIONS
// ============================================================================

func (s *Server) handleJoin(sess *session, msg *protocol.ClientMessage) {
	s.mu.Lock()
	c, ok := s.channels[msg.Channel]
	if !ok {
		s.mu.Unlock()
		sess.sendError(protocol.ErrChannelNotFound, "no such channel "+msg.Channel)
		return
	}
	if c.inviteOnly && !c.invited[sess.agentID] {
		s.mu.Unlock()
		sess.sendError(protocol.ErrNotInvited, "channel "+msg.Channel+" is invite-only")
		return
	}

	c.members[sess.agentID] = sess
	sess.channels[msg.Channel] = true
	c.lastActivity = time.Now()

	// JOINED to the joiner and AGENT_JOINED to peers reflect the same
	// membership snapshot, taken under the lock.
	snapshot := c.memberIDs()
	replay := c.replay.All()
	s.broadcastLocked(c, agentJoinedFrame(msg.Channel, sess.agentID), sess.agentID)
	s.mu.Unlock()

	sess.trySend(joinedFrame(msg.Channel, snapshot))
	for _, frame := range replay {
		sess.trySend(tagReplay(frame))
	}
}

// tagReplay re-marks a buffered frame as replayed history.
func tagReplay(frame []byte) []byte {
	// Frames are small JSON objects; splice the replay flag in before the
	// closing brace rather than re-decoding.
	if len(frame) < 2 || frame[len(frame)-1] != '}' {
		return frame
	}
	out := make([]byte, 0, len(frame)+14)
	out = append(out, frame[:len(frame)-1]...)
	out = append(out, []byte(`,"replay":true}`)...)
	return out
}

func (s *Server) handleLeave(sess *session, msg *protocol.ClientMessage) {
	s.mu.Lock()
	c, ok := s.channels[msg.Channel]
	if !ok || !sess.channels[msg.Channel] {
		s.mu.Unlock()
		sess.sendError(protocol.ErrChannelNotFound, "not a member of "+msg.Channel)
		return
	}
	delete(c.members, sess.agentID)
	delete(sess.channels, msg.Channel)
	s.broadcastLocked(c, agentLeftFrame(msg.Channel, sess.agentID), "")
	s.mu.Unlock()

	sess.trySend(protocol.NewFrame(protocol.TypeLeft).With("channel", msg.Channel).Encode())
}

func (s *Server) handleListAgents(sess *session, msg *protocol.ClientMessage) {
	s.mu.RLock()
	c, ok := s.channels[msg.Channel]
	if !ok {
		s.mu.RUnlock()
		sess.sendError(protocol.ErrChannelNotFound, "no such channel "+msg.Channel)
		return
	}
	agents := c.memberIDs()
	s.mu.RUnlock()

	sess.trySend(protocol.NewFrame(protocol.TypeAgentList).
		With("channel", msg.Channel).
		With("agents", agents).
		Encode())
}

func (s *Server) handleCreateChannel(sess *session, msg *protocol.ClientMessage) {
	s.mu.Lock()
	if _, exists := s.channels[msg.Channel]; exists {
		s.mu.Unlock()
		sess.sendError(protocol.ErrChannelExists, "channel "+msg.Channel+" already exists")
		return
	}
	c := newChannel(msg.Channel, msg.Invite, s.cfg.Limits.MessageBufferSize)
	if msg.Invite {
		c.invited[sess.agentID] = true
	}
	c.members[sess.agentID] = sess
	sess.channels[msg.Channel] = true
	s.channels[msg.Channel] = c
	s.metrics.ChannelsTotal.Set(float64(len(s.channels)))
	snapshot := c.memberIDs()
	s.mu.Unlock()

	sess.trySend(protocol.NewFrame(protocol.TypeChannelCreated).
		With("channel", msg.Channel).
		With("invite_only", msg.Invite).
		Encode())
	sess.trySend(joinedFrame(msg.Channel, snapshot))
	s.bus.Emit(events.ChannelCreated, msg.Channel, map[string]interface{}{"creator": wire(sess.agentID)})
}

func (s *Server) handleInvite(sess *session, msg *protocol.ClientMessage) {
	target := trimAt(msg.Agent)

	s.mu.Lock()
	c, ok := s.channels[msg.Channel]
	if !ok {
		s.mu.Unlock()
		sess.sendError(protocol.ErrChannelNotFound, "no such channel "+msg.Channel)
		return
	}
	if !sess.channels[msg.Channel] {
		s.mu.Unlock()
		sess.sendError(protocol.ErrNotInvited, "join "+msg.Channel+" before inviting")
		return
	}
	c.invited[target] = true
	targetSess := s.sessions[target]
	s.mu.Unlock()

	sess.trySend(protocol.NewFrame(protocol.TypeInvited).
		With("channel", msg.Channel).
		With("agent", wire(target)).
		Encode())
	if targetSess != nil {
		targetSess.trySend(protocol.NewFrame(protocol.TypeMsg).
			With("from", "@server").
			With("to", wire(target)).
			With("content", fmt.Sprintf("%s invited you to %s", wire(sess.agentID), msg.Channel)).
			Encode())
	}
}

// ============================================================================
// MESSAGE DELIVERY
// ============================================================================

func (s *Server) handleMsg(sess *session, msg *protocol.ClientMessage) {
	if sess.msgThrottled(time.Now()) {
		sess.sendError(protocol.ErrRateLimited, "one message per rate window")
		return
	}

	modChannel := ""
	if strings.HasPrefix(msg.To, "#") {
		modChannel = msg.To
	}
	verdict := s.pipeline.Check(&moderation.Event{
		AgentID: sess.agentID,
		Channel: modChannel,
		Content: msg.Content,
		IsAdmin: sess.isAdmin,
	})
	if verdict.Action.Suppresses() {
		sess.sendError(protocol.ErrNotAllowed, "moderation: "+verdict.Action.String())
		if verdict.Action == moderation.ActionKick {
			sess.close()
		}
		return
	}
	if verdict.Action == moderation.ActionWarn {
		sess.trySend(protocol.SystemMessage(wire(sess.agentID), "warning: "+verdict.Reason))
	}

	if strings.HasPrefix(msg.To, "#") {
		s.deliverChannelMsg(sess, msg)
		return
	}
	s.deliverDirectMsg(sess, msg)
}

func (s *Server) deliverChannelMsg(sess *session, msg *protocol.ClientMessage) {
	frame := protocol.NewFrame(protocol.TypeMsg).
		With("msg_id", uuid.NewString()[:8]).
		With("from", wire(sess.agentID)).
		With("to", msg.To).
		With("content", msg.Content)
	if msg.Sig != "" {
		// Freeform message signatures pass through untouched for
		// end-to-end verification by recipients.
		frame.With("sig", msg.Sig)
	}
	encoded := frame.Encode()

	s.mu.Lock()
	c, ok := s.channels[msg.To]
	if !ok {
		s.mu.Unlock()
		sess.sendError(protocol.ErrChannelNotFound, "no such channel "+msg.To)
		return
	}
	if _, member := c.members[sess.agentID]; !member {
		s.mu.Unlock()
		sess.sendError(protocol.ErrNotInvited, "not a member of "+msg.To)
		return
	}
	c.replay.Push(encoded)
	c.lastActivity = time.Now()
	s.broadcastLocked(c, encoded, "")
	s.mu.Unlock()
}

func (s *Server) deliverDirectMsg(sess *session, msg *protocol.ClientMessage) {
	target := trimAt(msg.To)

	s.mu.RLock()
	targetSess, ok := s.sessions[target]
	s.mu.RUnlock()
	if !ok {
		sess.sendError(protocol.ErrAgentNotFound, "no agent "+msg.To)
		return
	}

	frame := protocol.NewFrame(protocol.TypeMsg).
		With("msg_id", uuid.NewString()[:8]).
		With("from", wire(sess.agentID)).
		With("to", wire(target)).
		With("content", msg.Content)
	if msg.Sig != "" {
		frame.With("sig", msg.Sig)
	}
	encoded := frame.Encode()

	targetSess.trySend(encoded)
	if targetSess != sess {
		sess.trySend(encoded)
	}
}

func (s *Server) handleTyping(sess *session, msg *protocol.ClientMessage) {
	s.mu.RLock()
	c, ok := s.channels[msg.Channel]
	if !ok || c.members[sess.agentID] == nil {
		s.mu.RUnlock()
		return
	}
	frame := protocol.NewFrame(protocol.TypeTyping).
		With("channel", msg.Channel).
		With("agent", wire(sess.agentID)).
		Encode()
	for id, member := range c.members {
		if id != sess.agentID {
			member.trySend(frame)
		}
	}
	s.mu.RUnlock()
}

// ============================================================================
// PRESENCE / NICK / FLOOR
// ============================================================================

func (s *Server) handleSetPresence(sess *session, msg *protocol.ClientMessage) {
	s.mu.Lock()
	sess.presence = msg.Status
	sess.statusText = msg.StatusText
	frame := protocol.NewFrame(protocol.TypePresence).
		With("agent", wire(sess.agentID)).
		With("status", msg.Status).
		With("status_text", msg.StatusText).
		Encode()
	s.fanToAgentChannelsLocked(sess, frame)
	s.mu.Unlock()
}

func (s *Server) handleSetNick(sess *session, msg *protocol.ClientMessage) {
	s.mu.Lock()
	old := sess.nick
	sess.nick = msg.Nick
	frame := protocol.NewFrame(protocol.TypeNickChanged).
		With("agent", wire(sess.agentID)).
		With("nick", msg.Nick).
		With("previous", old).
		Encode()
	s.fanToAgentChannelsLocked(sess, frame)
	s.mu.Unlock()
	sess.trySend(frame)
}

// fanToAgentChannelsLocked sends a frame to the peers of every channel
// the agent is in (excluding the agent itself).
func (s *Server) fanToAgentChannelsLocked(sess *session, frame []byte) {
	seen := make(map[string]bool)
	for name := range sess.channels {
		c, ok := s.channels[name]
		if !ok {
			continue
		}
		for id, member := range c.members {
			if id == sess.agentID || seen[id] {
				continue
			}
			seen[id] = true
			member.trySend(frame)
		}
	}
}

func (s *Server) handleRespondingTo(sess *session, msg *protocol.ClientMessage) {
	s.mu.RLock()
	c, ok := s.channels[msg.Channel]
	member := ok && c.members[sess.agentID] != nil
	s.mu.RUnlock()
	if !member {
		sess.sendError(protocol.ErrChannelNotFound, "not a member of "+msg.Channel)
		return
	}

	ttl := s.floorTTL
	if msg.ExpiresAt > 0 {
		if until := time.Until(time.UnixMilli(msg.ExpiresAt)); until > 0 && until < ttl {
			ttl = until
		}
	}
	startedAt := msg.StartedAt
	if startedAt == 0 {
		startedAt = protocol.NowMillis()
	}

	outcome := s.floors.Claim(msg.Channel, msg.MsgID, sess.agentID, startedAt, ttl)
	if !outcome.Granted {
		sess.trySend(protocol.NewFrame(protocol.TypeFloorDenied).
			With("channel", msg.Channel).
			With("msg_id", msg.MsgID).
			With("holder", wire(outcome.Holder)).
			Encode())
		return
	}

	sess.trySend(protocol.NewFrame(protocol.TypeFloorGranted).
		With("channel", msg.Channel).
		With("msg_id", msg.MsgID).
		Encode())

	if outcome.Displaced != "" {
		s.mu.RLock()
		displaced := s.sessions[outcome.Displaced]
		s.mu.RUnlock()
		if displaced != nil {
			displaced.trySend(protocol.NewFrame(protocol.TypeYield).
				With("channel", msg.Channel).
				With("msg_id", msg.MsgID).
				With("to", wire(sess.agentID)).
				Encode())
		}
	}
}
