package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Canonical signing strings. All are newline-free, pipe-joined, and
// serialize missing optional fields as empty strings. Proposer content has
// no leading tag; transition content is tagged with the operation name.

// AuthPrefix tags the challenge-response content signed during IDENTIFY.
const AuthPrefix = "AGENTCHAT_AUTH"

// ProposalSigningContent is the content a proposer signs when creating a
// proposal: to|task|amount|currency|payment_code|expires|elo_stake.
func ProposalSigningContent(to, task string, amount float64, currency, paymentCode string, expires float64, eloStake int) string {
	return strings.Join([]string{
		to,
		task,
		numField(amount),
		currency,
		paymentCode,
		numField(expires),
		intField(eloStake),
	}, "|")
}

// AcceptSigningContent is signed by the accepting party.
func AcceptSigningContent(proposalID, paymentCode string, eloStake int) string {
	return strings.Join([]string{"ACCEPT", proposalID, paymentCode, intField(eloStake)}, "|")
}

// RejectSigningContent is signed by the rejecting party.
func RejectSigningContent(proposalID, reason string) string {
	return strings.Join([]string{"REJECT", proposalID, reason}, "|")
}

// CompleteSigningContent is signed by whichever party completes.
func CompleteSigningContent(proposalID, proof string) string {
	return strings.Join([]string{"COMPLETE", proposalID, proof}, "|")
}

// DisputeSigningContent is signed by whichever party disputes.
func DisputeSigningContent(proposalID, reason string) string {
	return strings.Join([]string{"DISPUTE", proposalID, reason}, "|")
}

// AuthSigningContent is signed by a keyed client to answer a CHALLENGE.
func AuthSigningContent(nonce, challengeID string, clientTS int64) string {
	return fmt.Sprintf("%s|%s|%s|%d", AuthPrefix, nonce, challengeID, clientTS)
}

func numField(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func intField(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}
