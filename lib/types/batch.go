package types

import (
	"fmt"
	"time"
)

// TxType is the kind of supply-chain event a transaction records.
type TxType string

// Transaction types.
const (
	TxManufacture TxType = "manufacture"
	TxTransfer    TxType = "transfer"
	TxPurchase    TxType = "purchase"
	TxDeliver     TxType = "deliver"
)

// Transaction is a supply-chain event awaiting consensus. It is immutable once included in a batch.
type Transaction struct {
	TxID      string            `json:"txId"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	ProductID string            `json:"productId"`
	Type      TxType            `json:"type"`
	Value     string            `json:"value,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	ChainID   string            `json:"chainId"`
}

// Validate checks the transaction has an id and a known type.
func (t *Transaction) Validate() error {
	if t.TxID == "" {
		return fmt.Errorf("%w: missing txId", ErrInvalidTransaction)
	}

	switch t.Type {
	case TxManufacture, TxTransfer, TxPurchase, TxDeliver:
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q in %s", ErrInvalidTransaction, t.Type, t.TxID)
	}
}

// BatchStatus is the consensus state of a batch.
type BatchStatus string

// Batch states. Committed, Rejected and Flagged are terminal.
const (
	BatchProposed   BatchStatus = "proposed"
	BatchValidating BatchStatus = "validating"
	BatchCommitted  BatchStatus = "committed"
	BatchRejected   BatchStatus = "rejected"
	BatchFlagged    BatchStatus = "flagged"
)

var batchTransitions = map[BatchStatus][]BatchStatus{ //nolint:gochecknoglobals // state machine
	BatchProposed:   {BatchValidating},
	BatchValidating: {BatchCommitted, BatchRejected, BatchFlagged},
}

// Terminal reports whether no further transition is possible.
func (s BatchStatus) Terminal() bool {
	return s == BatchCommitted || s == BatchRejected || s == BatchFlagged
}

// Transition returns the next status or ErrInvalidTransition.
func (s BatchStatus) Transition(to BatchStatus) (BatchStatus, error) {
	for _, n := range batchTransitions[s] {
		if n == to {
			return to, nil
		}
	}

	return s, fmt.Errorf("%w: batch %s -> %s", ErrInvalidTransition, s, to)
}

// Batch is an immutable, hashed group of transactions submitted together for validation.
type Batch struct {
	BatchID            string        `json:"batchId"`
	ProposerID         string        `json:"proposerId"`
	ChainID            string        `json:"chainId"`
	Transactions       []Transaction `json:"transactions"`
	NFTReferences      []string      `json:"nftReferences,omitempty"`
	BatchHash          string        `json:"batchHash"`
	CreatedAt          time.Time     `json:"createdAt"`
	ValidationDeadline time.Time     `json:"validationDeadline"`
	SelectedValidators []string      `json:"selectedValidators,omitempty"`
	Status             BatchStatus   `json:"status"`
}

// IsSelected reports whether nodeID is part of the batch's validator set.
func (b *Batch) IsSelected(nodeID string) bool {
	for _, v := range b.SelectedValidators {
		if v == nodeID {
			return true
		}
	}

	return false
}

// ValidationVote is a validator's verdict on a batch. There is at most one per (batch, validator).
type ValidationVote struct {
	VoteID                  string    `json:"voteId"`
	BatchID                 string    `json:"batchId"`
	ValidatorID             string    `json:"validatorId"`
	Vote                    bool      `json:"vote"`
	Reasoning               string    `json:"reasoning,omitempty"`
	NFTValidationResult     bool      `json:"nftValidationResult"`
	ChainVerificationResult bool      `json:"chainVerificationResult"`
	Timestamp               time.Time `json:"timestamp"`
}

// VoteKey is the unique key of a vote: one per validator and batch.
func VoteKey(batchID, validatorID string) string {
	return batchID + "/" + validatorID
}

// Outcome is the final decision on a batch.
type Outcome string

// Outcomes.
const (
	OutcomeCommitted Outcome = "committed"
	OutcomeRejected  Outcome = "rejected"
)

// ConsensusResult is created once per batch at finalization. Only the settlement flags change afterwards.
type ConsensusResult struct {
	BatchID               string    `json:"batchId"`
	TotalValidators       int       `json:"totalValidators"`
	ApproveVotes          int       `json:"approveVotes"`
	RejectVotes           int       `json:"rejectVotes"`
	SupermajorityAchieved bool      `json:"supermajorityAchieved"`
	Result                Outcome   `json:"result"`
	RewardsDistributed    bool      `json:"rewardsDistributed"`
	PenaltiesApplied      bool      `json:"penaltiesApplied"`
	ReconciliationNeeded  bool      `json:"reconciliationNeeded"`
	FinalizedAt           time.Time `json:"finalizedAt"`
}

// Settled reports whether the financial side effects of the result were applied.
func (r *ConsensusResult) Settled() bool {
	if r.Result == OutcomeCommitted {
		return r.RewardsDistributed
	}

	return r.PenaltiesApplied
}

// Settlement statuses of a result.
const (
	SettlementPending = "pending"
	SettlementDone    = "settled"
)

// SettlementStatus is the status under which results are stored, so settlement can compare-and-swap on it.
func (r *ConsensusResult) SettlementStatus() string {
	if r.Settled() {
		return SettlementDone
	}

	return SettlementPending
}
