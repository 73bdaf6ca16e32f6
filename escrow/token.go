package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tarancss/scc/lib/types"
)

// ErrNoCodec is returned by the token operations when no codec was configured.
var ErrNoCodec = errors.New("delivery tokens not enabled")

// DeliveryToken is the content of the QR code handed to the buyer. Scanning it at delivery confirms it.
type DeliveryToken struct {
	PaymentID string    `json:"paymentId"`
	Buyer     string    `json:"buyer"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// IssueDeliveryToken returns a signed delivery token for a locked escrow.
func (m *Manager) IssueDeliveryToken(ctx context.Context, paymentID string) (string, error) {
	if m.codec == nil {
		return "", ErrNoCodec
	}

	e, err := m.lockedEscrow(ctx, paymentID)
	if err != nil {
		return "", err
	}

	return m.codec.Encode(DeliveryToken{PaymentID: e.PaymentID, Buyer: e.BuyerAddress, IssuedAt: m.now().UTC()})
}

// ReleaseWithToken confirms delivery of paymentID with a token issued by IssueDeliveryToken and releases the
// escrow. proofCID optionally references a delivery proof in the content store.
func (m *Manager) ReleaseWithToken(ctx context.Context, paymentID, token, proofCID string,
	perf []types.TransporterMetrics) (*types.PaymentDistribution, error) {
	if m.codec == nil {
		return nil, ErrNoCodec
	}

	var dt DeliveryToken
	if err := m.codec.Decode(token, &dt); err != nil {
		return nil, fmt.Errorf("delivery token: %w", err)
	}

	if dt.PaymentID != paymentID {
		return nil, fmt.Errorf("%w: token is for escrow %s", types.ErrUnauthorized, dt.PaymentID)
	}

	conf := types.DeliveryConfirmation{ConfirmedBy: dt.Buyer, ConfirmedAt: m.now().UTC(), ProofCID: proofCID}

	return m.ReleaseOnDelivery(ctx, dt.PaymentID, conf, perf)
}
