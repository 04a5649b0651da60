package server

import (
	"sort"
	"time"
)

// channel is the per-channel state: membership, invite set, replay ring.
// All fields are guarded by the server mutex.
type channel struct {
	name         string
	inviteOnly   bool
	invited      map[string]bool     // bare agent ids
	members      map[string]*session // bare agent id -> live session
	replay       *msgRing
	lastActivity time.Time
	createdAt    time.Time
}

func newChannel(name string, inviteOnly bool, bufferSize int) *channel {
	now := time.Now()
	return &channel{
		name:         name,
		inviteOnly:   inviteOnly,
		invited:      make(map[string]bool),
		members:      make(map[string]*session),
		replay:       newMsgRing(bufferSize),
		lastActivity: now,
		createdAt:    now,
	}
}

// memberIDs returns the wire-form (@-prefixed) member list, sorted for
// stable snapshots.
func (c *channel) memberIDs() []string {
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, "@"+id)
	}
	sort.Strings(ids)
	return ids
}

// broadcastLocked fans a frame out to every current member. Callers hold
// the server mutex; the send itself is non-blocking (drop on slow
// consumer) so fan-out never stalls the router.
func (s *Server) broadcastLocked(c *channel, frame []byte, except string) {
	for id, sess := range c.members {
		if id == except {
			continue
		}
		sess.trySend(frame)
	}
	s.metrics.Broadcasts.Inc()
}

// getChannelLocked returns a live channel by name.
func (s *Server) getChannelLocked(name string) (*channel, bool) {
	c, ok := s.channels[name]
	return c, ok
}

// removeFromChannelsLocked drops the agent from every channel it joined
// and broadcasts AGENT_LEFT to the remaining members of each.
func (s *Server) removeFromChannelsLocked(sess *session) {
	for name := range sess.channels {
		c, ok := s.channels[name]
		if !ok {
			continue
		}
		delete(c.members, sess.agentID)
		frame := agentLeftFrame(name, sess.agentID)
		s.broadcastLocked(c, frame, "")
	}
	sess.channels = make(map[string]bool)
}
