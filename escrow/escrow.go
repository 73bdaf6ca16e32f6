// Package escrow locks buyer funds against a purchase and releases them to the manufacturer, the transporters and
// the platform once delivery is confirmed, the auto release deadline passes or a dispute is resolved.
//
// Amounts are integer wei. The split is computed in basis points at creation and always adds up to the total. At
// release, transporter performance bonuses are paid out of the manufacturer amount, so the total is conserved.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	btypes "github.com/tarancss/scc/lib/block/types"
	"github.com/tarancss/scc/lib/config"
	"github.com/tarancss/scc/lib/metrics"
	"github.com/tarancss/scc/lib/msg"
	"github.com/tarancss/scc/lib/outbox"
	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/lib/types"
	"github.com/tarancss/scc/lib/util"
)

// Payout kinds.
const (
	PayoutManufacturer = "manufacturer"
	PayoutTransporter  = "transporter"
	PayoutPlatform     = "platform"
	PayoutRefund       = "refund"
	PayoutCompensation = "compensation"
)

// Ledger pays out released funds.
type Ledger interface {
	Submit(ctx context.Context, net string, p btypes.Payload) (btypes.Receipt, error)
}

// Codec signs delivery tokens.
type Codec interface {
	Encode(v interface{}) (string, error)
	Decode(token string, v interface{}) error
}

// Manager owns the escrow payments.
type Manager struct {
	cfg     config.EscrowConfig
	minimum *big.Int
	st      *store.Store
	out     *outbox.Outbox
	ledger  Ledger
	bus     msg.Sender
	codec   Codec
	metrics *metrics.Metrics
	locks   util.Locks
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithOutbox runs payouts and notifications through o. Without it settlements are only recorded.
func WithOutbox(o *outbox.Outbox) Option {
	return func(m *Manager) { m.out = o }
}

// WithLedger submits payouts.
func WithLedger(l Ledger) Option {
	return func(m *Manager) { m.ledger = l }
}

// WithBus notifies settlements on the message bus.
func WithBus(b msg.Sender) Option {
	return func(m *Manager) { m.bus = b }
}

// WithCodec enables delivery tokens.
func WithCodec(c Codec) Option {
	return func(m *Manager) { m.codec = c }
}

// WithMetrics records transitions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New returns an escrow manager. Zero config values take the defaults.
func New(cfg config.EscrowConfig, st *store.Store, log zerolog.Logger, opts ...Option) (*Manager, error) {
	def := config.Default().Escrow
	if cfg.PlatformFeeBps <= 0 {
		cfg.PlatformFeeBps = def.PlatformFeeBps
	}

	if cfg.TransporterPoolBps <= 0 {
		cfg.TransporterPoolBps = def.TransporterPoolBps
	}

	if cfg.MinEscrowAmount == "" {
		cfg.MinEscrowAmount = def.MinEscrowAmount
	}

	if cfg.AutoRelease <= 0 {
		cfg.AutoRelease = def.AutoRelease
	}

	if cfg.DisputeWindow <= 0 {
		cfg.DisputeWindow = def.DisputeWindow
	}

	minimum, err := cfg.MinAmount()
	if err != nil {
		return nil, err
	}

	m := &Manager{cfg: cfg, minimum: minimum, st: st, log: log, now: time.Now}
	for _, o := range opts {
		o(m)
	}

	return m, nil
}

// SetNowFunc overrides the clock, for tests.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.now = now
}

// CreateRequest locks funds for a purchase.
type CreateRequest struct {
	PurchaseRequestID string    `json:"purchaseRequestId"`
	ChainID           string    `json:"chainId"`
	Buyer             string    `json:"buyer"`
	Seller            string    `json:"seller"`
	TotalAmount       *big.Int  `json:"totalAmount"`
	Transporters      []string  `json:"transporters,omitempty"`
	EstimatedDelivery time.Time `json:"estimatedDelivery"`
}

func (r *CreateRequest) validate() error {
	if r.PurchaseRequestID == "" {
		return fmt.Errorf("%w: missing purchase request id", types.ErrInvalidEscrow)
	}

	for _, a := range append([]string{r.Buyer, r.Seller}, r.Transporters...) {
		if !common.IsHexAddress(a) {
			return fmt.Errorf("%w: bad address %q", types.ErrInvalidEscrow, a)
		}
	}

	return nil
}

// Split divides total into the platform fee, the transporter pool evenly shared by the transporters and the
// manufacturer amount, which takes the rest. With no transporters the pool is zero.
func (m *Manager) Split(total *big.Int, transporters []string) (manufacturer, fee *big.Int, shares map[string]*big.Int) {
	fee = util.Bps(total, m.cfg.PlatformFeeBps)
	rest := new(big.Int).Sub(total, fee)

	pool := new(big.Int)
	if len(transporters) > 0 {
		pool = util.Bps(rest, m.cfg.TransporterPoolBps)
	}

	return rest.Sub(rest, pool), fee, util.Split(pool, transporters)
}

// CreateEscrow locks totalAmount for a purchase. Each purchase has at most one escrow.
func (m *Manager) CreateEscrow(ctx context.Context, req CreateRequest) (*types.EscrowPayment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.TotalAmount == nil || req.TotalAmount.Cmp(m.minimum) < 0 {
		return nil, fmt.Errorf("%w: %v < %s", types.ErrAmountTooLow, req.TotalAmount, m.minimum)
	}

	transporters := util.Unique(req.Transporters)
	manufacturer, fee, shares := m.Split(req.TotalAmount, transporters)

	now := m.now().UTC()
	e := &types.EscrowPayment{
		PaymentID:          uuid.NewString(),
		PurchaseRequestID:  req.PurchaseRequestID,
		ChainID:            req.ChainID,
		BuyerAddress:       req.Buyer,
		SellerAddress:      req.Seller,
		TotalAmount:        new(big.Int).Set(req.TotalAmount),
		ManufacturerAmount: manufacturer,
		TransporterAmounts: shares,
		PlatformFee:        fee,
		Status:             types.EscrowLocked,
		CreatedAt:          now,
		EstimatedDelivery:  req.EstimatedDelivery,
		ReleaseConditions: types.ReleaseConditions{
			AutoReleaseDeadline: now.Add(m.cfg.AutoRelease.D()),
			DisputeDeadline:     now.Add(m.cfg.DisputeWindow.D()),
		},
	}

	if e.SplitSum().Cmp(e.TotalAmount) != 0 {
		return nil, fmt.Errorf("%w: split %s of %s", types.ErrInvalidEscrow, e.SplitSum(), e.TotalAmount)
	}

	if err := m.st.InsertEscrow(ctx, e); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", types.ErrDuplicateEscrow, req.PurchaseRequestID)
		}

		return nil, err
	}

	m.metrics.Transition(types.KindEscrow, string(e.Status))
	m.log.Info().Str("escrow", e.PaymentID).Str("purchase", e.PurchaseRequestID).Str("buyer", e.BuyerAddress).
		Str("total", e.TotalAmount.String()).Int("transporters", len(shares)).Msg("escrow locked")

	return e, nil
}

// Multiplier is the performance factor of a transporter: x1.5 if early or x1.2 if on time, x1.3 for a rating of
// 4.5 or more, x1.1 for tracking completeness of 0.9 or more and x1.1 if the goods arrived undamaged. Factors
// compound.
func Multiplier(p types.TransporterMetrics) float64 {
	f := 1.0

	switch {
	case p.Early:
		f *= 1.5
	case p.OnTime:
		f *= 1.2
	}

	if p.Rating >= 4.5 {
		f *= 1.3
	}

	if p.TrackingCompleteness >= 0.9 {
		f *= 1.1
	}

	if p.DamageFree {
		f *= 1.1
	}

	return f
}

// weights returns the performance weights, in basis points, of the escrow's transporters. Transporters without
// metrics weigh 1.0.
func weights(e *types.EscrowPayment, perf []types.TransporterMetrics) map[string]int64 {
	w := make(map[string]int64, len(e.TransporterAmounts))
	for a := range e.TransporterAmounts {
		w[a] = util.BpsDenominator
	}

	for _, p := range perf {
		for a := range w {
			if strings.EqualFold(a, p.Address) {
				w[a] = int64(math.Round(Multiplier(p) * util.BpsDenominator))
			}
		}
	}

	return w
}

func (m *Manager) lockedEscrow(ctx context.Context, paymentID string) (*types.EscrowPayment, error) {
	e, err := m.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if e.Status != types.EscrowLocked {
		return nil, fmt.Errorf("%w: escrow %s is %s", types.ErrNotLocked, paymentID, e.Status)
	}

	return e, nil
}

// bonuses returns what each transporter earns on top of its base share: base x (multiplier - 1). The bonuses are
// taken from the manufacturer amount; when they exceed it, the manufacturer amount is shared out in proportion to
// the multiplier excess instead.
func bonuses(e *types.EscrowPayment, w map[string]int64, manufacturer *big.Int) (map[string]*big.Int, *big.Int) {
	out := make(map[string]*big.Int, len(w))
	excess := make(map[string]int64, len(w))
	total := new(big.Int)

	for a, base := range e.TransporterAmounts {
		excess[a] = w[a] - util.BpsDenominator
		out[a] = util.Bps(base, excess[a])
		total.Add(total, out[a])
	}

	if total.Cmp(manufacturer) <= 0 {
		return out, total
	}

	return util.SplitWeighted(manufacturer, excess), new(big.Int).Set(manufacturer)
}

// ReleaseOnDelivery releases a locked escrow once its buyer confirms delivery. Each transporter is paid its base
// share times its performance multiplier, the bonus coming out of the manufacturer amount.
func (m *Manager) ReleaseOnDelivery(ctx context.Context, paymentID string, conf types.DeliveryConfirmation,
	perf []types.TransporterMetrics) (*types.PaymentDistribution, error) {
	unlock := m.locks.Lock(paymentID)
	defer unlock()

	e, err := m.lockedEscrow(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(conf.ConfirmedBy, e.BuyerAddress) {
		return nil, fmt.Errorf("%w: delivery must be confirmed by the buyer", types.ErrUnauthorized)
	}

	e.ReleaseConditions.DeliveryConfirmed = true

	bonus, paid := bonuses(e, weights(e, perf), e.ManufacturerAmount)

	shares := make(map[string]*big.Int, len(e.TransporterAmounts))
	for a, base := range e.TransporterAmounts {
		shares[a] = new(big.Int).Add(base, bonus[a])
	}

	d := m.distribution(e, new(big.Int).Sub(e.ManufacturerAmount, paid), shares)
	d.Weighted = len(perf) > 0

	if err = m.settle(ctx, e, types.EscrowReleased, d); err != nil {
		return nil, err
	}

	return d, nil
}

// distribution lists the payouts of a release: manufacturer share to the seller, transporter shares and the fee.
func (m *Manager) distribution(e *types.EscrowPayment, manufacturer *big.Int, shares map[string]*big.Int) *types.PaymentDistribution {
	d := &types.PaymentDistribution{PaymentID: e.PaymentID}
	d.Payouts = append(d.Payouts, types.Payout{Recipient: e.SellerAddress, Amount: manufacturer, Kind: PayoutManufacturer})

	for _, a := range util.Sorted(e.Transporters()) {
		d.Payouts = append(d.Payouts, types.Payout{Recipient: a, Amount: shares[a], Kind: PayoutTransporter})
	}

	d.Payouts = append(d.Payouts, types.Payout{Recipient: m.cfg.PlatformAddress, Amount: e.PlatformFee, Kind: PayoutPlatform})

	return d
}

// settle moves the escrow to its terminal status with the given distribution. The caller holds the escrow lock.
func (m *Manager) settle(ctx context.Context, e *types.EscrowPayment, to types.EscrowStatus, d *types.PaymentDistribution) error {
	if d.Total().Cmp(e.TotalAmount) != 0 {
		return fmt.Errorf("%w: payouts %s of %s", types.ErrInvalidEscrow, d.Total(), e.TotalAmount)
	}

	old := e.Status

	next, err := old.Transition(to)
	if err != nil {
		return err
	}

	now := m.now().UTC()
	d.SettledAt = now
	e.Status = next
	e.Distribution = d
	e.SettledAt = &now

	if err = m.st.SwapEscrow(ctx, e, old); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: escrow %s changed concurrently", types.ErrInvalidState, e.PaymentID)
		}

		return err
	}

	m.metrics.Transition(types.KindEscrow, string(e.Status))
	m.log.Info().Str("escrow", e.PaymentID).Str("status", string(e.Status)).Str("total", e.TotalAmount.String()).
		Msg("escrow settled")

	m.payout(ctx, e, d)

	return nil
}

// payout submits the payouts and notifies the settlement, as best-effort annotations.
func (m *Manager) payout(ctx context.Context, e *types.EscrowPayment, d *types.PaymentDistribution) {
	if m.out == nil {
		return
	}

	if m.ledger != nil {
		for _, p := range d.Payouts {
			if p.Recipient == "" || p.Amount == nil || p.Amount.Sign() <= 0 {
				continue
			}

			payload := btypes.Payload{To: p.Recipient, Amount: p.Amount}

			_, err := m.out.Enqueue(ctx, outbox.Task{
				EntityKind:   types.KindEscrow,
				EntityID:     e.PaymentID,
				Net:          e.ChainID,
				Action:       "ledger.payout",
				AwaitReceipt: true,
				Call: func(ctx context.Context) (string, error) {
					rcpt, err := m.ledger.Submit(ctx, e.ChainID, payload)

					return rcpt.TxHash, err
				},
			})
			if err != nil {
				m.log.Warn().Err(err).Str("escrow", e.PaymentID).Str("to", p.Recipient).Msg("cannot queue payout")
			}
		}
	}

	if m.bus == nil {
		return
	}

	kind, recipient := msg.EscrowReleased, e.SellerAddress
	if e.Status == types.EscrowRefunded {
		kind, recipient = msg.EscrowRefunded, e.BuyerAddress
	}

	nm, err := msg.New(e.ChainID, e.ChainID, recipient, kind, d)
	if err == nil {
		_, err = m.out.Enqueue(ctx, outbox.Task{
			EntityKind: types.KindEscrow,
			EntityID:   e.PaymentID,
			Net:        e.ChainID,
			Action:     "bus.send",
			Call:       func(ctx context.Context) (string, error) { return m.bus.Send(ctx, nm) },
		})
	}

	if err != nil {
		m.log.Warn().Err(err).Str("escrow", e.PaymentID).Msg("cannot queue settlement notice")
	}
}

// Dispute freezes a locked escrow on behalf of its buyer or seller until the dispute is resolved.
func (m *Manager) Dispute(ctx context.Context, paymentID, by, reason string) (*types.EscrowPayment, error) {
	unlock := m.locks.Lock(paymentID)
	defer unlock()

	e, err := m.lockedEscrow(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if err = m.freeze(ctx, e, by, reason); err != nil {
		return nil, err
	}

	return e, nil
}

// freeze moves a locked escrow to disputed. The caller holds the escrow lock.
func (m *Manager) freeze(ctx context.Context, e *types.EscrowPayment, by, reason string) error {
	if !strings.EqualFold(by, e.BuyerAddress) && !strings.EqualFold(by, e.SellerAddress) {
		return fmt.Errorf("%w: %s is not buyer or seller", types.ErrUnauthorized, by)
	}

	if m.now().After(e.ReleaseConditions.DisputeDeadline) {
		return fmt.Errorf("%w: escrow %s", types.ErrDisputeWindowClosed, e.PaymentID)
	}

	next, err := e.Status.Transition(types.EscrowDisputed)
	if err != nil {
		return err
	}

	e.Status, e.DisputeReason = next, reason

	if err = m.st.SwapEscrow(ctx, e, types.EscrowLocked); err != nil {
		return err
	}

	m.metrics.Transition(types.KindEscrow, string(e.Status))
	m.log.Info().Str("escrow", e.PaymentID).Str("by", by).Str("reason", reason).Msg("escrow disputed")

	return nil
}

// LinkDispute records the dispute arbitrating an escrow. A locked escrow is frozen on behalf of by in the same
// write. It fails with ErrInvalidState when the escrow is settled or already arbitrated by another dispute.
func (m *Manager) LinkDispute(ctx context.Context, paymentID, disputeID, by, reason string) error {
	unlock := m.locks.Lock(paymentID)
	defer unlock()

	e, err := m.Get(ctx, paymentID)
	if err != nil {
		return err
	}

	switch {
	case e.DisputeID == disputeID:
		return nil
	case e.DisputeID != "":
		return fmt.Errorf("%w: escrow %s is arbitrated by %s", types.ErrInvalidState, paymentID, e.DisputeID)
	case e.Status.Terminal():
		return fmt.Errorf("%w: escrow %s is %s", types.ErrInvalidState, paymentID, e.Status)
	}

	e.DisputeID = disputeID

	if e.Status == types.EscrowLocked {
		return m.freeze(ctx, e, by, reason)
	}

	return m.st.SwapEscrow(ctx, e, types.EscrowDisputed)
}

// ResolveDispute settles a disputed escrow with the arbitrator's decision: refund returns the funds to the buyer,
// otherwise the default split is released. An optional compensation is carved out of the buyer's refund, or out of
// the manufacturer share on release, and cannot exceed it.
func (m *Manager) ResolveDispute(ctx context.Context, paymentID string, refund bool, comp *types.Compensation) (*types.PaymentDistribution, error) {
	unlock := m.locks.Lock(paymentID)
	defer unlock()

	e, err := m.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if e.Status != types.EscrowDisputed {
		return nil, fmt.Errorf("%w: escrow %s is %s", types.ErrInvalidState, paymentID, e.Status)
	}

	var (
		d  *types.PaymentDistribution
		to types.EscrowStatus
	)

	if refund {
		to = types.EscrowRefunded
		d = &types.PaymentDistribution{PaymentID: paymentID}
		rest := new(big.Int).Set(e.TotalAmount)

		if comp != nil {
			if err = bounded(comp, rest); err != nil {
				return nil, err
			}
		}

		// compensation to the buyer is part of the refund
		if comp != nil && !strings.EqualFold(comp.Recipient, e.BuyerAddress) {
			rest.Sub(rest, comp.Amount)
			d.Payouts = append(d.Payouts, types.Payout{Recipient: comp.Recipient, Amount: comp.Amount, Kind: PayoutCompensation})
		}

		d.Payouts = append([]types.Payout{{Recipient: e.BuyerAddress, Amount: rest, Kind: PayoutRefund}}, d.Payouts...)
	} else {
		to = types.EscrowReleased
		manufacturer := new(big.Int).Set(e.ManufacturerAmount)

		var extra *types.Payout

		if comp != nil {
			if err = bounded(comp, manufacturer); err != nil {
				return nil, err
			}

			manufacturer.Sub(manufacturer, comp.Amount)
			extra = &types.Payout{Recipient: comp.Recipient, Amount: comp.Amount, Kind: PayoutCompensation}
		}

		d = m.distribution(e, manufacturer, e.TransporterAmounts)
		if extra != nil {
			d.Payouts = append(d.Payouts, *extra)
		}
	}

	if err = m.settle(ctx, e, to, d); err != nil {
		return nil, err
	}

	return d, nil
}

func bounded(comp *types.Compensation, limit *big.Int) error {
	if comp.Amount == nil || comp.Amount.Sign() < 0 || comp.Amount.Cmp(limit) > 0 {
		return fmt.Errorf("%w: compensation %v exceeds %s", types.ErrInvalidDecision, comp.Amount, limit)
	}

	if !common.IsHexAddress(comp.Recipient) {
		return fmt.Errorf("%w: bad compensation recipient %q", types.ErrInvalidDecision, comp.Recipient)
	}

	return nil
}

// AutoRelease releases with the default split every locked escrow past its auto release deadline. It returns how
// many it released.
func (m *Manager) AutoRelease(ctx context.Context) (int, error) {
	locked, err := m.List(ctx, types.EscrowLocked)
	if err != nil {
		return 0, err
	}

	now := m.now()
	n := 0

	var errs []error

	for _, e := range locked {
		if !now.After(e.ReleaseConditions.AutoReleaseDeadline) {
			continue
		}

		ok, err := m.autoRelease(ctx, e.PaymentID)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if ok {
			n++
		}
	}

	return n, errors.Join(errs...)
}

func (m *Manager) autoRelease(ctx context.Context, paymentID string) (bool, error) {
	unlock := m.locks.Lock(paymentID)
	defer unlock()

	// it may have been released or disputed meanwhile
	e, err := m.Get(ctx, paymentID)
	if err != nil || e.Status != types.EscrowLocked || e.DisputeID != "" {
		return false, err
	}

	if err = m.settle(ctx, e, types.EscrowReleased, m.distribution(e, e.ManufacturerAmount, e.TransporterAmounts)); err != nil {
		return false, err
	}

	m.log.Info().Str("escrow", paymentID).Msg("escrow auto released")

	return true, nil
}

// Get returns an escrow.
func (m *Manager) Get(ctx context.Context, paymentID string) (*types.EscrowPayment, error) {
	e, err := m.st.Escrow(ctx, paymentID)

	return e, store.Wrap(err, types.ErrEscrowNotFound, paymentID)
}

// List returns the escrows in status, or all of them when status is empty.
func (m *Manager) List(ctx context.Context, status types.EscrowStatus) ([]*types.EscrowPayment, error) {
	return m.st.Escrows(ctx, store.Filter{Status: string(status)})
}

// ListByParty returns the escrows where address is buyer, seller or transporter.
func (m *Manager) ListByParty(ctx context.Context, address string) ([]*types.EscrowPayment, error) {
	return m.st.Escrows(ctx, store.Filter{Party: address})
}
