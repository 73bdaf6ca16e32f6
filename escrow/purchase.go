package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/tarancss/scc/lib/msg"
	"github.com/tarancss/scc/lib/types"
)

// PurchaseRequest is the payload of a purchase.requested message: a buyer on another chain buys a product sold on
// this one. Amount is a decimal wei string.
type PurchaseRequest struct {
	PurchaseRequestID string    `json:"purchaseRequestId"`
	Buyer             string    `json:"buyer"`
	Seller            string    `json:"seller"`
	Amount            string    `json:"amount"`
	Transporters      []string  `json:"transporters,omitempty"`
	EstimatedDelivery time.Time `json:"estimatedDelivery"`
}

// HandlePurchase is the bus handler of purchase.requested messages: it locks the purchase in escrow on the target
// chain. Redelivered messages and invalid requests are acknowledged, only storage failures ask for redelivery.
func (m *Manager) HandlePurchase(ctx context.Context, mm msg.Message) error {
	if mm.Kind != msg.PurchaseRequested {
		return nil
	}

	var pr PurchaseRequest
	if err := mm.Decode(&pr); err != nil {
		m.log.Warn().Err(err).Str("msg", mm.ID).Msg("malformed purchase request")

		return nil
	}

	amount, ok := new(big.Int).SetString(pr.Amount, 10)
	if !ok {
		m.log.Warn().Str("msg", mm.ID).Str("amount", pr.Amount).Msg("bad purchase amount")

		return nil
	}

	e, err := m.CreateEscrow(ctx, CreateRequest{
		PurchaseRequestID: pr.PurchaseRequestID,
		ChainID:           mm.Target,
		Buyer:             pr.Buyer,
		Seller:            pr.Seller,
		TotalAmount:       amount,
		Transporters:      pr.Transporters,
		EstimatedDelivery: pr.EstimatedDelivery,
	})

	switch {
	case err == nil:
		m.log.Info().Str("msg", mm.ID).Str("source", mm.Source).Str("escrow", e.PaymentID).Msg("cross-chain purchase escrowed")

		return nil
	case errors.Is(err, types.ErrDuplicateEscrow):
		return nil
	case errors.Is(err, types.ErrInvalidEscrow), errors.Is(err, types.ErrAmountTooLow):
		m.log.Warn().Err(err).Str("msg", mm.ID).Msg("purchase request refused")

		return nil
	default:
		return fmt.Errorf("escrowing purchase %s: %w", pr.PurchaseRequestID, err)
	}
}
