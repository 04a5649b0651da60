package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentchat/relay/internal/identity"
)

// Validate decodes and validates one raw inbound frame. On success the
// returned ClientMessage carries every field the type's rule requires; on
// failure the WireError maps directly onto an ERROR frame.
func Validate(raw []byte) (*ClientMessage, *WireError) {
	if len(raw) > MaxFrameSize {
		return nil, NewWireError(ErrInvalidMsg, fmt.Sprintf("frame exceeds %d bytes", MaxFrameSize))
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, NewWireError(ErrInvalidMsg, "malformed JSON")
	}
	if msg.Type == "" {
		return nil, NewWireError(ErrInvalidMsg, "missing type")
	}

	if err := validateByType(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func validateByType(m *ClientMessage) *WireError {
	switch m.Type {
	case TypeIdentify:
		if !ValidName(m.Name) {
			return NewWireError(ErrInvalidName, "name must be 1-32 chars of [A-Za-z0-9_-]")
		}
		if m.Pubkey != "" {
			if _, err := identity.ParsePublicPEM(m.Pubkey); err != nil {
				return NewWireError(ErrInvalidMsg, "pubkey is not a valid Ed25519 PEM")
			}
		}

	case TypeVerifyIdentity:
		if m.ChallengeID == "" || m.Signature == "" || m.Timestamp == 0 {
			return NewWireError(ErrInvalidMsg, "VERIFY_IDENTITY requires challenge_id, signature, timestamp")
		}

	case TypeJoin, TypeLeave, TypeListAgents, TypeTyping:
		if !ValidChannel(m.Channel) {
			return NewWireError(ErrInvalidMsg, "channel must match #[A-Za-z0-9_-]{1,31}")
		}

	case TypeCreateChannel:
		if !ValidChannel(m.Channel) {
			return NewWireError(ErrInvalidName, "channel must match #[A-Za-z0-9_-]{1,31}")
		}

	case TypeInvite:
		if !ValidChannel(m.Channel) {
			return NewWireError(ErrInvalidMsg, "channel must match #[A-Za-z0-9_-]{1,31}")
		}
		if !strings.HasPrefix(m.Agent, "@") || len(m.Agent) < 2 {
			return NewWireError(ErrInvalidMsg, "agent must start with @")
		}

	case TypeMsg:
		if m.To == "" || m.Content == "" {
			return NewWireError(ErrInvalidMsg, "MSG requires to and content")
		}
		if !strings.HasPrefix(m.To, "#") && !strings.HasPrefix(m.To, "@") {
			return NewWireError(ErrInvalidMsg, "to must start with # or @")
		}
		if len(m.Content) > MaxContentLen {
			return NewWireError(ErrInvalidMsg, fmt.Sprintf("content exceeds %d chars", MaxContentLen))
		}

	case TypeProposal:
		if !strings.HasPrefix(m.To, "@") || len(m.To) < 2 {
			return NewWireError(ErrInvalidMsg, "to must start with @")
		}
		if strings.TrimSpace(m.Task) == "" {
			return NewWireError(ErrInvalidProposal, "task must be non-empty")
		}
		if m.Sig == "" {
			return NewWireError(ErrSignatureRequired, "proposals must be signed")
		}
		if m.EloStake < 0 {
			return NewWireError(ErrInvalidStake, "elo_stake must be a non-negative integer")
		}
		if m.Expires < 0 {
			return NewWireError(ErrInvalidMsg, "expires must be non-negative")
		}

	case TypeAccept:
		if m.ProposalID == "" || m.Sig == "" {
			return NewWireError(ErrInvalidMsg, "ACCEPT requires proposal_id and sig")
		}
		if m.EloStake < 0 {
			return NewWireError(ErrInvalidStake, "elo_stake must be a non-negative integer")
		}

	case TypeReject, TypeComplete:
		if m.ProposalID == "" || m.Sig == "" {
			return NewWireError(ErrInvalidMsg, string(m.Type)+" requires proposal_id and sig")
		}

	case TypeDispute:
		if m.ProposalID == "" || m.Sig == "" || m.Reason == "" {
			return NewWireError(ErrInvalidMsg, "DISPUTE requires proposal_id, sig, and reason")
		}

	case TypeListProposals:
		// status/role/limit all optional

	case TypeRegisterSkills:
		if len(m.Skills) == 0 || m.Sig == "" {
			return NewWireError(ErrInvalidMsg, "REGISTER_SKILLS requires skills and sig")
		}
		for _, s := range m.Skills {
			if strings.TrimSpace(s.Capability) == "" {
				return NewWireError(ErrInvalidMsg, "every skill needs a capability")
			}
		}

	case TypeSearchSkills:
		if m.Query == nil {
			return NewWireError(ErrInvalidMsg, "SEARCH_SKILLS requires query")
		}

	case TypeSetPresence:
		if !ValidPresence(m.Status) {
			return NewWireError(ErrInvalidMsg, "status must be one of online|away|busy|offline|listening")
		}
		if len(m.StatusText) > MaxStatusLen {
			return NewWireError(ErrInvalidMsg, fmt.Sprintf("status_text exceeds %d chars", MaxStatusLen))
		}

	case TypeSetNick:
		if !ValidNick(m.Nick) {
			return NewWireError(ErrInvalidName, "nick must be 1-24 chars of [A-Za-z0-9_-]")
		}

	case TypeVerifyRequest:
		if !strings.HasPrefix(m.Target, "@") || len(m.Target) < 2 {
			return NewWireError(ErrInvalidMsg, "target must start with @")
		}
		if len(m.Nonce) < MinNonceLen || len(m.Nonce) > MaxNonceLen {
			return NewWireError(ErrInvalidMsg, fmt.Sprintf("nonce must be %d-%d chars", MinNonceLen, MaxNonceLen))
		}

	case TypeVerifyResponse:
		if m.RequestID == "" || m.Nonce == "" || m.Sig == "" {
			return NewWireError(ErrInvalidMsg, "VERIFY_RESPONSE requires request_id, nonce, sig")
		}

	case TypeRespondingTo:
		if !ValidChannel(m.Channel) {
			return NewWireError(ErrInvalidMsg, "channel must match #[A-Za-z0-9_-]{1,31}")
		}
		if m.MsgID == "" {
			return NewWireError(ErrInvalidMsg, "RESPONDING_TO requires msg_id")
		}

	case TypeDisputeIntent:
		if m.ProposalID == "" || m.Commitment == "" || m.Reason == "" || m.Sig == "" {
			return NewWireError(ErrInvalidMsg, "DISPUTE_INTENT requires proposal_id, commitment, reason, sig")
		}

	case TypeDisputeReveal:
		if m.ProposalID == "" || m.Nonce == "" {
			return NewWireError(ErrInvalidMsg, "DISPUTE_REVEAL requires proposal_id and nonce")
		}

	case TypeDisputeEvidence:
		if m.DisputeID == "" {
			return NewWireError(ErrInvalidMsg, "DISPUTE_EVIDENCE requires dispute_id")
		}
		if len(m.Statement) > MaxReasonLen {
			return NewWireError(ErrInvalidMsg, fmt.Sprintf("statement exceeds %d chars", MaxReasonLen))
		}

	case TypeDisputeVerdict:
		if m.DisputeID == "" || m.Verdict == "" {
			return NewWireError(ErrInvalidMsg, "DISPUTE_VERDICT requires dispute_id and verdict")
		}

	default:
		return NewWireError(ErrInvalidMsg, "unknown message type "+string(m.Type))
	}
	return nil
}
