package protocol

// ErrorCode is the machine-readable failure class carried by ERROR frames.
type ErrorCode string

const (
	ErrAuthRequired      ErrorCode = "AUTH_REQUIRED"
	ErrChannelNotFound   ErrorCode = "CHANNEL_NOT_FOUND"
	ErrNotInvited        ErrorCode = "NOT_INVITED"
	ErrInvalidMsg        ErrorCode = "INVALID_MSG"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrAgentNotFound     ErrorCode = "AGENT_NOT_FOUND"
	ErrChannelExists     ErrorCode = "CHANNEL_EXISTS"
	ErrInvalidName       ErrorCode = "INVALID_NAME"
	ErrProposalNotFound  ErrorCode = "PROPOSAL_NOT_FOUND"
	ErrProposalExpired   ErrorCode = "PROPOSAL_EXPIRED"
	ErrInvalidProposal   ErrorCode = "INVALID_PROPOSAL"
	ErrSignatureRequired ErrorCode = "SIGNATURE_REQUIRED"
	ErrNotProposalParty  ErrorCode = "NOT_PROPOSAL_PARTY"
	ErrInsufficientRep   ErrorCode = "INSUFFICIENT_REPUTATION"
	ErrInvalidStake      ErrorCode = "INVALID_STAKE"
	ErrVerifyFailed      ErrorCode = "VERIFICATION_FAILED"
	ErrVerifyExpired     ErrorCode = "VERIFICATION_EXPIRED"
	ErrNoPubkey          ErrorCode = "NO_PUBKEY"
	ErrNotAllowed        ErrorCode = "NOT_ALLOWED"

	ErrDisputeNotFound           ErrorCode = "DISPUTE_NOT_FOUND"
	ErrDisputeInvalidPhase       ErrorCode = "DISPUTE_INVALID_PHASE"
	ErrDisputeCommitmentMismatch ErrorCode = "DISPUTE_COMMITMENT_MISMATCH"
	ErrDisputeNotParty           ErrorCode = "DISPUTE_NOT_PARTY"
	ErrDisputeNotArbiter         ErrorCode = "DISPUTE_NOT_ARBITER"
	ErrDisputeDeadlinePassed     ErrorCode = "DISPUTE_DEADLINE_PASSED"
	ErrDisputeAlreadyExists      ErrorCode = "DISPUTE_ALREADY_EXISTS"
	ErrInsufficientArbiters      ErrorCode = "INSUFFICIENT_ARBITERS"
)

// WireError is a protocol-level failure that maps onto an ERROR frame.
// It satisfies the error interface so handlers can return it directly.
type WireError struct {
	Code   ErrorCode
	Reason string
}

func (e *WireError) Error() string {
	if e.Reason == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Reason
}

// NewWireError builds a WireError for the given code and reason.
func NewWireError(code ErrorCode, reason string) *WireError {
	return &WireError{Code: code, Reason: reason}
}
