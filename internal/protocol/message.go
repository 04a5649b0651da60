// Package protocol implements the AgentChat wire protocol: the closed
// message taxonomy, inbound frame validation, and outbound frame
// construction. The package is pure: it owns no connection or session
// state and every function is safe for concurrent use.
package protocol

import (
	"regexp"
	"time"
)

// Protocol limits. Frames that exceed these are rejected with INVALID_MSG,
// except over-long names and nicks, which are rejected with INVALID_NAME.
const (
	MaxFrameSize      = 256 * 1024
	MaxNameLen        = 32
	MaxNickLen        = 24
	MaxContentLen     = 4096
	MaxStatusLen      = 100
	MinNonceLen       = 16
	MaxNonceLen       = 128
	MaxReasonLen      = 2000
	DefaultSkillLimit = 50
)

// ============================================================================
// MESSAGE TAXONOMY
// ============================================================================

// MsgType identifies a frame within the closed AgentChat message set.
type MsgType string

// Client → server frame types.
const (
	TypeIdentify        MsgType = "IDENTIFY"
	TypeVerifyIdentity  MsgType = "VERIFY_IDENTITY"
	TypeJoin            MsgType = "JOIN"
	TypeLeave           MsgType = "LEAVE"
	TypeListAgents      MsgType = "LIST_AGENTS"
	TypeMsg             MsgType = "MSG"
	TypeCreateChannel   MsgType = "CREATE_CHANNEL"
	TypeInvite          MsgType = "INVITE"
	TypeProposal        MsgType = "PROPOSAL"
	TypeAccept          MsgType = "ACCEPT"
	TypeReject          MsgType = "REJECT"
	TypeComplete        MsgType = "COMPLETE"
	TypeDispute         MsgType = "DISPUTE"
	TypeListProposals   MsgType = "LIST_PROPOSALS"
	TypeRegisterSkills  MsgType = "REGISTER_SKILLS"
	TypeSearchSkills    MsgType = "SEARCH_SKILLS"
	TypeSetPresence     MsgType = "SET_PRESENCE"
	TypeSetNick         MsgType = "SET_NICK"
	TypeTyping          MsgType = "TYPING"
	TypeVerifyRequest   MsgType = "VERIFY_REQUEST"
	TypeVerifyResponse  MsgType = "VERIFY_RESPONSE"
	TypeRespondingTo    MsgType = "RESPONDING_TO"
	TypeDisputeIntent   MsgType = "DISPUTE_INTENT"
	TypeDisputeReveal   MsgType = "DISPUTE_REVEAL"
	TypeDisputeEvidence MsgType = "DISPUTE_EVIDENCE"
	TypeDisputeVerdict  MsgType = "DISPUTE_VERDICT"
)

// Server → client frame types.
const (
	TypeWelcome          MsgType = "WELCOME"
	TypeChallenge        MsgType = "CHALLENGE"
	TypeError            MsgType = "ERROR"
	TypeJoined           MsgType = "JOINED"
	TypeLeft             MsgType = "LEFT"
	TypeAgentJoined      MsgType = "AGENT_JOINED"
	TypeAgentLeft        MsgType = "AGENT_LEFT"
	TypeAgentList        MsgType = "AGENT_LIST"
	TypeChannelCreated   MsgType = "CHANNEL_CREATED"
	TypeInvited          MsgType = "INVITED"
	TypeProposalResult   MsgType = "PROPOSAL_RESULT"
	TypeProposalList     MsgType = "PROPOSAL_LIST"
	TypeSkillsRegistered MsgType = "SKILLS_REGISTERED"
	TypeSkillsResults    MsgType = "SKILLS_RESULTS"
	TypePresence         MsgType = "PRESENCE"
	TypeNickChanged      MsgType = "NICK_CHANGED"
	TypeVerifySuccess    MsgType = "VERIFY_SUCCESS"
	TypeVerifyFailed     MsgType = "VERIFY_FAILED"
	TypeVerifyAck        MsgType = "VERIFY_ACK"
	TypeFloorGranted     MsgType = "FLOOR_GRANTED"
	TypeFloorDenied      MsgType = "FLOOR_DENIED"
	TypeYield            MsgType = "YIELD"
	TypeSessionDisplaced MsgType = "SESSION_DISPLACED"
	TypeDisputeUpdate    MsgType = "DISPUTE_UPDATE"
)

// Presence states an agent may report.
const (
	PresenceOnline    = "online"
	PresenceAway      = "away"
	PresenceBusy      = "busy"
	PresenceOffline   = "offline"
	PresenceListening = "listening"
)

var validPresence = map[string]bool{
	PresenceOnline:    true,
	PresenceAway:      true,
	PresenceBusy:      true,
	PresenceOffline:   true,
	PresenceListening: true,
}

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
	nickRe    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,24}$`)
	channelRe = regexp.MustCompile(`^#[A-Za-z0-9_-]{1,31}$`)
)

// ValidName reports whether s is a legal display name.
func ValidName(s string) bool { return nameRe.MatchString(s) }

// ValidNick reports whether s is a legal nickname.
func ValidNick(s string) bool { return nickRe.MatchString(s) }

// ValidChannel reports whether s is a legal channel name (#name).
func ValidChannel(s string) bool { return channelRe.MatchString(s) }

// ValidPresence reports whether s is a recognized presence state.
func ValidPresence(s string) bool { return validPresence[s] }

// ============================================================================
// CLIENT MESSAGE
// ============================================================================

// Skill is one capability entry in a REGISTER_SKILLS frame.
type Skill struct {
	Capability  string  `json:"capability"`
	Description string  `json:"description,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	Currency    string  `json:"currency,omitempty"`
}

// SkillQuery is the search predicate of a SEARCH_SKILLS frame.
type SkillQuery struct {
	Capability string  `json:"capability,omitempty"`
	MaxRate    float64 `json:"max_rate,omitempty"`
	Currency   string  `json:"currency,omitempty"`
	Limit      int     `json:"limit,omitempty"`
}

// ClientMessage is the validated form of one inbound frame. The router
// switches on Type; only the fields the type's validation rule names are
// guaranteed to be populated.
type ClientMessage struct {
	Type MsgType `json:"type"`
	TS   int64   `json:"ts"`

	// IDENTIFY
	Name     string `json:"name,omitempty"`
	Pubkey   string `json:"pubkey,omitempty"`
	AdminKey string `json:"admin_key,omitempty"`

	// VERIFY_IDENTITY
	ChallengeID string `json:"challenge_id,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`

	// Channel operations
	Channel string `json:"channel,omitempty"`
	Agent   string `json:"agent,omitempty"`
	Invite  bool   `json:"invite_only,omitempty"`

	// MSG
	To      string `json:"to,omitempty"`
	Content string `json:"content,omitempty"`
	Sig     string `json:"sig,omitempty"`

	// PROPOSAL family
	Task        string  `json:"task,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	PaymentCode string  `json:"payment_code,omitempty"`
	Terms       string  `json:"terms,omitempty"`
	Expires     float64 `json:"expires,omitempty"`
	EloStake    int     `json:"elo_stake,omitempty"`
	ProposalID  string  `json:"proposal_id,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Proof       string  `json:"proof,omitempty"`
	Status      string  `json:"status,omitempty"`
	Role        string  `json:"role,omitempty"`
	Limit       int     `json:"limit,omitempty"`

	// Skills
	Skills []Skill     `json:"skills,omitempty"`
	Query  *SkillQuery `json:"query,omitempty"`

	// Presence / nick
	StatusText string `json:"status_text,omitempty"`
	Nick       string `json:"nick,omitempty"`

	// Verification
	Target    string `json:"target,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Floor control
	MsgID     string `json:"msg_id,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`

	// Agentcourt
	Commitment string   `json:"commitment,omitempty"`
	DisputeID  string   `json:"dispute_id,omitempty"`
	Statement  string   `json:"statement,omitempty"`
	Items      []string `json:"items,omitempty"`
	Verdict    string   `json:"verdict,omitempty"`
}

// NowMillis returns the wall clock in protocol timestamp units.
func NowMillis() int64 { return time.Now().UnixMilli() }
