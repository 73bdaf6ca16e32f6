package types

import (
	"fmt"
	"math/big"
	"time"
)

// DisputeType classifies a dispute and determines the arbitrator expertise required.
type DisputeType string

// Dispute types.
const (
	CounterfeitClaim DisputeType = "counterfeit_claim"
	DeliveryFailure  DisputeType = "delivery_failure"
	QualityIssue     DisputeType = "quality_issue"
	PaymentDispute   DisputeType = "payment_dispute"
	DamageClaim      DisputeType = "damage_claim"
)

// RequiredExpertise maps each dispute type to the expertise an arbitrator candidate must declare.
var RequiredExpertise = map[DisputeType][]string{ //nolint:gochecknoglobals // lookup table
	CounterfeitClaim: {"product_quality", "nft_verification", "blockchain"},
	DeliveryFailure:  {"logistics", "transportation", "tracking"},
	QualityIssue:     {"product_quality", "inspection", "manufacturing"},
	PaymentDispute:   {"finance", "blockchain", "escrow"},
	DamageClaim:      {"logistics", "inspection", "insurance"},
}

// DisputeStatus is the arbitration state of a dispute.
type DisputeStatus string

// Dispute states. Resolved and Failed are terminal.
const (
	DisputeInitiated          DisputeStatus = "initiated"
	DisputeVotingArbitrator   DisputeStatus = "voting_arbitrator"
	DisputeArbitratorSelected DisputeStatus = "arbitrator_selected"
	DisputeUnderReview        DisputeStatus = "under_review"
	DisputeResolved           DisputeStatus = "resolved"
	DisputeFailed             DisputeStatus = "failed"
)

var disputeTransitions = map[DisputeStatus][]DisputeStatus{ //nolint:gochecknoglobals // state machine
	DisputeInitiated:          {DisputeVotingArbitrator, DisputeFailed},
	DisputeVotingArbitrator:   {DisputeArbitratorSelected, DisputeFailed},
	DisputeArbitratorSelected: {DisputeUnderReview, DisputeFailed},
	DisputeUnderReview:        {DisputeResolved, DisputeFailed},
}

// Terminal reports whether no further transition is possible.
func (s DisputeStatus) Terminal() bool {
	return s == DisputeResolved || s == DisputeFailed
}

// Transition returns the next status or ErrInvalidTransition.
func (s DisputeStatus) Transition(to DisputeStatus) (DisputeStatus, error) {
	for _, n := range disputeTransitions[s] {
		if n == to {
			return to, nil
		}
	}

	return s, fmt.Errorf("%w: dispute %s -> %s", ErrInvalidTransition, s, to)
}

// Evidence is a piece of supporting material. Data is kept in the content store and referenced by CID.
type Evidence struct {
	SubmittedBy string    `json:"submittedBy"`
	Description string    `json:"description"`
	CID         string    `json:"cid,omitempty"`
	Data        []byte    `json:"-"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Decision is an arbitrator's ruling.
type Decision string

// Decisions.
const (
	FavorBuyer  Decision = "favor_buyer"
	FavorSeller Decision = "favor_seller"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == FavorBuyer || d == FavorSeller
}

// Compensation is an optional transfer ordered by the arbitrator.
type Compensation struct {
	Recipient string   `json:"recipient"`
	Amount    *big.Int `json:"amount"`
}

// Resolution is the outcome recorded on a resolved dispute.
type Resolution struct {
	Decision     Decision      `json:"decision"`
	Compensation *Compensation `json:"compensation,omitempty"`
	Arbitrator   string        `json:"arbitrator"`
	Notes        string        `json:"notes,omitempty"`
}

// DisputeRecord tracks a dispute from initiation through arbitration.
type DisputeRecord struct {
	DisputeID            string             `json:"disputeId"`
	Type                 DisputeType        `json:"type"`
	ProductID            string             `json:"productId,omitempty"`
	PaymentID            string             `json:"paymentId,omitempty"`
	ChainID              string             `json:"chainId,omitempty"`
	InvolvedParties      []string           `json:"involvedParties"`
	StakeholderList      []string           `json:"stakeholderList"`
	StakeholderWeights   map[string]float64 `json:"stakeholderWeights"`
	ArbitratorCandidates []string           `json:"arbitratorCandidates"`
	SelectedArbitrator   string             `json:"selectedArbitrator,omitempty"`
	Status               DisputeStatus      `json:"status"`
	Evidence             []Evidence         `json:"evidence,omitempty"`
	ResolutionOutcome    *Resolution        `json:"resolutionOutcome,omitempty"`
	FailureReason        string             `json:"failureReason,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	Deadline             time.Time          `json:"deadline"`
	ResolvedAt           *time.Time         `json:"resolvedAt,omitempty"`
}

// IsStakeholder reports whether address may vote on the arbitrator.
func (d *DisputeRecord) IsStakeholder(address string) bool {
	_, ok := d.StakeholderWeights[address]

	return ok
}

// IsCandidate reports whether nodeID is an arbitrator candidate.
func (d *DisputeRecord) IsCandidate(nodeID string) bool {
	for _, c := range d.ArbitratorCandidates {
		if c == nodeID {
			return true
		}
	}

	return false
}

// TotalWeight is the sum of all eligible stakeholders' voting weights.
func (d *DisputeRecord) TotalWeight() float64 {
	var total float64
	for _, w := range d.StakeholderWeights {
		total += w
	}

	return total
}

// ArbitratorVote is a stakeholder's choice of arbitrator. There is at most one per (dispute, stakeholder).
type ArbitratorVote struct {
	VoteID        string    `json:"voteId"`
	DisputeID     string    `json:"disputeId"`
	StakeholderID string    `json:"stakeholderId"`
	CandidateID   string    `json:"candidateId"`
	VoteWeight    float64   `json:"voteWeight"`
	Reasoning     string    `json:"reasoning,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
