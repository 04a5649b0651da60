package server

import (
	"github.com/agentchat/relay/internal/proposal"
	"github.com/agentchat/relay/internal/protocol"
)

// Outbound frame builders shared by the handlers. Agent ids go on the wire
// @-prefixed; internal state keeps them bare.

func wire(agentID string) string { return "@" + agentID }

func welcomeFrame(agentID, serverName, motd string) []byte {
	f := protocol.NewFrame(protocol.TypeWelcome).
		With("agent_id", agentID).
		With("server", serverName)
	if motd != "" {
		f.With("motd", motd)
	}
	return f.Encode()
}

func challengeFrame(challengeID, nonce string, expiresAt int64) []byte {
	return protocol.NewFrame(protocol.TypeChallenge).
		With("challenge_id", challengeID).
		With("nonce", nonce).
		With("expires_at", expiresAt).
		Encode()
}

func joinedFrame(channelName string, agents []string) []byte {
	return protocol.NewFrame(protocol.TypeJoined).
		With("channel", channelName).
		With("agents", agents).
		Encode()
}

func agentJoinedFrame(channelName, agentID string) []byte {
	return protocol.NewFrame(protocol.TypeAgentJoined).
		With("channel", channelName).
		With("agent", wire(agentID)).
		Encode()
}

func agentLeftFrame(channelName, agentID string) []byte {
	return protocol.NewFrame(protocol.TypeAgentLeft).
		With("channel", channelName).
		With("agent", wire(agentID)).
		Encode()
}

func proposalFields(f protocol.Frame, p *proposal.Proposal) protocol.Frame {
	f.With("proposal_id", p.ID).
		With("from", wire(p.From)).
		With("to", wire(p.To)).
		With("task", p.Task).
		With("status", string(p.Status))
	if p.Amount != 0 {
		f.With("amount", p.Amount)
	}
	if p.Currency != "" {
		f.With("currency", p.Currency)
	}
	if p.PaymentCode != "" {
		f.With("payment_code", p.PaymentCode)
	}
	if p.Terms != "" {
		f.With("terms", p.Terms)
	}
	if !p.Expires.IsZero() {
		f.With("expires", p.Expires.UnixMilli())
	}
	if p.ProposerStake != 0 {
		f.With("elo_stake", p.ProposerStake)
	}
	if p.AcceptorStake != 0 {
		f.With("acceptor_stake", p.AcceptorStake)
	}
	return f
}

func proposalResultFrame(p *proposal.Proposal) []byte {
	return proposalFields(protocol.NewFrame(protocol.TypeProposalResult), p).Encode()
}

func forwardedProposalFrame(p *proposal.Proposal, sig string) []byte {
	return proposalFields(protocol.NewFrame(protocol.TypeProposal), p).
		With("sig", sig).
		Encode()
}
