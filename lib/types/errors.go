package types

import "errors"

// Validation errors. They are returned synchronously and never retried.
var (
	ErrInvalidNode           = errors.New("invalid node definition")
	ErrDuplicateAddress      = errors.New("address already registered")
	ErrNodeNotFound          = errors.New("node not found")
	ErrUnauthorizedProposer  = errors.New("proposer is not an active secondary node")
	ErrEmptyBatch            = errors.New("batch has no transactions")
	ErrBatchTooLarge         = errors.New("batch exceeds maximum size")
	ErrInvalidTransaction    = errors.New("invalid transaction")
	ErrBatchNotFound         = errors.New("batch not found")
	ErrUnauthorizedValidator = errors.New("validator not selected for batch")
	ErrDuplicateVote         = errors.New("validator already voted on batch")
	ErrVotingClosed          = errors.New("voting closed")
	ErrAmountTooLow          = errors.New("escrow amount below minimum")
	ErrInvalidEscrow         = errors.New("invalid escrow request")
	ErrDuplicateEscrow       = errors.New("purchase already escrowed")
	ErrEscrowNotFound        = errors.New("escrow not found")
	ErrNotLocked             = errors.New("escrow is not locked")
	ErrUnauthorized          = errors.New("caller not authorized")
	ErrDisputeWindowClosed   = errors.New("dispute window closed")
	ErrInvalidDispute        = errors.New("invalid dispute request")
	ErrDisputeNotFound       = errors.New("dispute not found")
	ErrAlreadyVoted          = errors.New("stakeholder already voted")
	ErrInvalidCandidate      = errors.New("invalid arbitrator candidate")
	ErrInvalidDecision       = errors.New("invalid resolution decision")
	ErrInvalidState          = errors.New("operation not allowed in current state")
	ErrInvalidTransition     = errors.New("illegal status transition")
)

// Coordination errors. The caller may retry once registry state changes.
var (
	ErrInsufficientValidators = errors.New("not enough active validators")
	ErrNoEligibleStakeholders = errors.New("no eligible stakeholders")
	ErrNoSuitableArbitrators  = errors.New("no suitable arbitrators")
)

// ErrResolutionFailed is returned when executing an arbitrator decision fails.
// The dispute is moved to its terminal Failed state.
var ErrResolutionFailed = errors.New("dispute resolution failed")
