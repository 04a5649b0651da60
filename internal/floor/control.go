// Package floor implements the advisory turn-taking lock: one holder per
// (channel, message) key, earliest started_at winning, ties broken by
// lexicographically smaller agent id. The relay never suppresses messages
// sent without the floor; well-behaved agents honor YIELD.
package floor

import (
	"log"
	"sync"
	"time"
)

// Claim is the current floor holder for one (channel, msg id) key.
type Claim struct {
	Channel    string
	MsgID      string
	Holder     string
	StartedAt  int64 // client-reported ms timestamp, the contention key
	ReceivedAt time.Time
	ExpiresAt  time.Time
}

type key struct {
	channel string
	msgID   string
}

// Outcome of a claim attempt.
type Outcome struct {
	Granted bool
	// Displaced is the previous holder when a later claim won the floor;
	// empty otherwise. The router sends YIELD to this agent.
	Displaced string
	// Holder is the agent holding the floor after the attempt.
	Holder string
}

// Control is the floor claim table.
type Control struct {
	mu     sync.Mutex
	claims map[key]*Claim
	now    func() time.Time
	logger *log.Logger
}

// NewControl creates an empty floor table.
func NewControl() *Control {
	return &Control{
		claims: make(map[key]*Claim),
		now:    time.Now,
		logger: log.New(log.Writer(), "[FLOOR] ", log.LstdFlags),
	}
}

// Claim attempts to take the floor for (channel, msgID). The first claim
// wins; a later claim displaces the incumbent iff its startedAt strictly
// precedes the incumbent's, or equals it with a lexicographically smaller
// agent id.
func (c *Control) Claim(channel, msgID, agentID string, startedAt int64, ttl time.Duration) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{channel: channel, msgID: msgID}
	now := c.now()

	cur, ok := c.claims[k]
	if ok && now.After(cur.ExpiresAt) {
		delete(c.claims, k)
		ok = false
	}

	if !ok {
		c.claims[k] = &Claim{
			Channel:    channel,
			MsgID:      msgID,
			Holder:     agentID,
			StartedAt:  startedAt,
			ReceivedAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		return Outcome{Granted: true, Holder: agentID}
	}

	if cur.Holder == agentID {
		// Refresh of an existing hold.
		cur.StartedAt = startedAt
		cur.ExpiresAt = now.Add(ttl)
		return Outcome{Granted: true, Holder: agentID}
	}

	if startedAt < cur.StartedAt || (startedAt == cur.StartedAt && agentID < cur.Holder) {
		displaced := cur.Holder
		c.claims[k] = &Claim{
			Channel:    channel,
			MsgID:      msgID,
			Holder:     agentID,
			StartedAt:  startedAt,
			ReceivedAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		c.logger.Printf("floor %s/%s: %s displaced by %s", channel, msgID, displaced, agentID)
		return Outcome{Granted: true, Displaced: displaced, Holder: agentID}
	}

	return Outcome{Granted: false, Holder: cur.Holder}
}

// Holder returns the current holder for a key, if the claim is live.
func (c *Control) Holder(channel, msgID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.claims[key{channel: channel, msgID: msgID}]
	if !ok || c.now().After(cur.ExpiresAt) {
		return "", false
	}
	return cur.Holder, true
}

// ReleaseAgent drops every claim held by the agent (disconnect path).
func (c *Control) ReleaseAgent(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, cur := range c.claims {
		if cur.Holder == agentID {
			delete(c.claims, k)
			n++
		}
	}
	return n
}

// Sweep evicts expired claims.
func (c *Control) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, cur := range c.claims {
		if now.After(cur.ExpiresAt) {
			delete(c.claims, k)
			n++
		}
	}
	return n
}

// Len returns the number of live claims.
func (c *Control) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}
