package types

import (
	"fmt"
	"math/big"
	"time"
)

// EscrowStatus is the lifecycle state of an escrow payment.
type EscrowStatus string

// Escrow states. Released and refunded are terminal.
const (
	EscrowLocked   EscrowStatus = "locked"
	EscrowReleased EscrowStatus = "released"
	EscrowDisputed EscrowStatus = "disputed"
	EscrowRefunded EscrowStatus = "refunded"
)

var escrowTransitions = map[EscrowStatus][]EscrowStatus{ //nolint:gochecknoglobals // state machine
	EscrowLocked:   {EscrowReleased, EscrowRefunded, EscrowDisputed},
	EscrowDisputed: {EscrowReleased, EscrowRefunded},
}

// Terminal reports whether no further transition is possible.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// Transition returns the next status or ErrInvalidTransition.
func (s EscrowStatus) Transition(to EscrowStatus) (EscrowStatus, error) {
	for _, n := range escrowTransitions[s] {
		if n == to {
			return to, nil
		}
	}

	return s, fmt.Errorf("%w: escrow %s -> %s", ErrInvalidTransition, s, to)
}

// ReleaseConditions gate when locked funds may leave the escrow.
type ReleaseConditions struct {
	DeliveryConfirmed   bool      `json:"deliveryConfirmed"`
	AutoReleaseDeadline time.Time `json:"autoReleaseDeadline"`
	DisputeDeadline     time.Time `json:"disputeDeadline"`
}

// Payout is a single transfer performed when an escrow settles.
type Payout struct {
	Recipient string   `json:"recipient"`
	Amount    *big.Int `json:"amount"`
	Kind      string   `json:"kind"` // manufacturer, transporter, platform or refund
}

// PaymentDistribution lists the payouts performed when an escrow was settled.
type PaymentDistribution struct {
	PaymentID string    `json:"paymentId"`
	Payouts   []Payout  `json:"payouts"`
	Weighted  bool      `json:"weighted"` // transporter shares were weighted by performance
	SettledAt time.Time `json:"settledAt"`
}

// Total returns the sum of all payouts.
func (d *PaymentDistribution) Total() *big.Int {
	sum := new(big.Int)
	for _, p := range d.Payouts {
		sum.Add(sum, p.Amount)
	}

	return sum
}

// EscrowPayment locks a buyer's funds against a purchase. Amounts are in the chain's smallest unit (wei).
type EscrowPayment struct {
	PaymentID          string               `json:"paymentId"`
	PurchaseRequestID  string               `json:"purchaseRequestId"`
	ChainID            string               `json:"chainId"`
	BuyerAddress       string               `json:"buyerAddress"`
	SellerAddress      string               `json:"sellerAddress"`
	TotalAmount        *big.Int             `json:"totalAmount"`
	ManufacturerAmount *big.Int             `json:"manufacturerAmount"`
	TransporterAmounts map[string]*big.Int  `json:"transporterAmounts"`
	PlatformFee        *big.Int             `json:"platformFee"`
	Status             EscrowStatus         `json:"status"`
	CreatedAt          time.Time            `json:"createdAt"`
	EstimatedDelivery  time.Time            `json:"estimatedDelivery"`
	ReleaseConditions  ReleaseConditions    `json:"releaseConditions"`
	DisputeReason      string               `json:"disputeReason,omitempty"`
	DisputeID          string               `json:"disputeId,omitempty"`
	Distribution       *PaymentDistribution `json:"distribution,omitempty"`
	SettledAt          *time.Time           `json:"settledAt,omitempty"`
}

// Transporters returns the transporter addresses of the escrow.
func (e *EscrowPayment) Transporters() []string {
	addrs := make([]string, 0, len(e.TransporterAmounts))
	for a := range e.TransporterAmounts {
		addrs = append(addrs, a)
	}

	return addrs
}

// Parties returns every address with a stake in the escrow.
func (e *EscrowPayment) Parties() []string {
	return append([]string{e.BuyerAddress, e.SellerAddress}, e.Transporters()...)
}

// SplitSum returns manufacturer + transporters + platform fee.
func (e *EscrowPayment) SplitSum() *big.Int {
	sum := new(big.Int)
	if e.ManufacturerAmount != nil {
		sum.Add(sum, e.ManufacturerAmount)
	}

	for _, a := range e.TransporterAmounts {
		sum.Add(sum, a)
	}

	if e.PlatformFee != nil {
		sum.Add(sum, e.PlatformFee)
	}

	return sum
}

// DeliveryConfirmation is the buyer's acknowledgement that goods arrived.
type DeliveryConfirmation struct {
	ConfirmedBy string    `json:"confirmedBy"`
	ConfirmedAt time.Time `json:"confirmedAt"`
	ProofCID    string    `json:"proofCid,omitempty"`
}

// TransporterMetrics are the delivery performance figures of a transporter.
type TransporterMetrics struct {
	Address              string  `json:"address"`
	OnTime               bool    `json:"onTime"`
	Early                bool    `json:"early"`
	Rating               float64 `json:"rating"`
	TrackingCompleteness float64 `json:"trackingCompleteness"`
	DamageFree           bool    `json:"damageFree"`
}
