package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	btypes "github.com/tarancss/scc/lib/block/types"
	"github.com/tarancss/scc/lib/codec"
	"github.com/tarancss/scc/lib/config"
	"github.com/tarancss/scc/lib/msg"
	"github.com/tarancss/scc/lib/outbox"
	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/lib/store/memory"
	"github.com/tarancss/scc/lib/types"
)

var (
	t0       = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	buyer    = address(1)
	seller   = address(2)
	carrier1 = address(3)
	carrier2 = address(4)
	platform = address(9)
	oneEth   = ether(1)
)

func address(i int) string {
	return fmt.Sprintf("0x%040x", i)
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func wei(s string) *big.Int {
	v, _ := new(big.Int).SetString(s, 10)

	return v
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newManager(t *testing.T, opts ...Option) (*Manager, *clock) {
	t.Helper()

	cfg := config.Default().Escrow
	cfg.PlatformAddress = platform

	m, err := New(cfg, store.New(memory.New()), zerolog.Nop(), opts...)
	require.NoError(t, err)

	c := &clock{now: t0}
	m.SetNowFunc(c.Now)

	return m, c
}

func create(t *testing.T, m *Manager, purchase string, total *big.Int, transporters ...string) *types.EscrowPayment {
	t.Helper()

	e, err := m.CreateEscrow(context.Background(), CreateRequest{
		PurchaseRequestID: purchase,
		ChainID:           "sepolia",
		Buyer:             buyer,
		Seller:            seller,
		TotalAmount:       total,
		Transporters:      transporters,
		EstimatedDelivery: t0.Add(72 * time.Hour),
	})
	require.NoError(t, err)

	return e
}

func TestSplitInvariant(t *testing.T) {
	m, _ := newManager(t)

	totals := []*big.Int{
		wei("1000000000000000"),
		wei("1000000000000001"),
		wei("123456789012345678"),
		wei("1000000000000000007"),
		ether(3),
	}
	carriers := [][]string{nil, {carrier1}, {carrier1, carrier2}, {carrier1, carrier2, address(5)}}

	for _, total := range totals {
		for _, ts := range carriers {
			manufacturer, fee, shares := m.Split(total, ts)

			sum := new(big.Int).Add(manufacturer, fee)
			for _, s := range shares {
				sum.Add(sum, s)
			}

			require.Equal(t, 0, sum.Cmp(total), "total %s with %d transporters", total, len(ts))
			require.Len(t, shares, len(ts))
		}
	}

	manufacturer, fee, shares := m.Split(oneEth, []string{carrier1, carrier2})
	require.Equal(t, wei("25000000000000000"), fee)
	require.Equal(t, wei("828750000000000000"), manufacturer)
	require.Equal(t, wei("73125000000000000"), shares[carrier1])
	require.Equal(t, wei("73125000000000000"), shares[carrier2])

	manufacturer, _, shares = m.Split(oneEth, nil)
	require.Empty(t, shares)
	require.Equal(t, wei("975000000000000000"), manufacturer, "no transporters, no pool")
}

func TestCreateEscrow(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	e := create(t, m, "pr-1", oneEth, carrier1, carrier2)
	require.Equal(t, types.EscrowLocked, e.Status)
	require.Equal(t, 0, e.SplitSum().Cmp(e.TotalAmount))
	require.Equal(t, t0.Add(7*24*time.Hour), e.ReleaseConditions.AutoReleaseDeadline)
	require.Equal(t, t0.Add(30*24*time.Hour), e.ReleaseConditions.DisputeDeadline)

	got, err := m.Get(ctx, e.PaymentID)
	require.NoError(t, err)
	require.Equal(t, 0, got.ManufacturerAmount.Cmp(e.ManufacturerAmount))

	_, err = m.CreateEscrow(ctx, CreateRequest{PurchaseRequestID: "pr-1", Buyer: buyer, Seller: seller, TotalAmount: oneEth})
	require.ErrorIs(t, err, types.ErrDuplicateEscrow)

	_, err = m.CreateEscrow(ctx, CreateRequest{PurchaseRequestID: "pr-2", Buyer: buyer, Seller: seller,
		TotalAmount: wei("999999999999999")})
	require.ErrorIs(t, err, types.ErrAmountTooLow)

	_, err = m.CreateEscrow(ctx, CreateRequest{PurchaseRequestID: "pr-3", Buyer: "alice", Seller: seller, TotalAmount: oneEth})
	require.ErrorIs(t, err, types.ErrInvalidEscrow)

	_, err = m.Get(ctx, "missing")
	require.ErrorIs(t, err, types.ErrEscrowNotFound)

	mine, err := m.ListByParty(ctx, carrier2)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	none, err := m.ListByParty(ctx, address(77))
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestMultiplier(t *testing.T) {
	tests := []struct {
		name string
		p    types.TransporterMetrics
		want float64
	}{
		{"nothing", types.TransporterMetrics{}, 1},
		{"on time", types.TransporterMetrics{OnTime: true}, 1.2},
		{"early beats on time", types.TransporterMetrics{OnTime: true, Early: true}, 1.5},
		{"rating", types.TransporterMetrics{Rating: 4.5}, 1.3},
		{"low rating", types.TransporterMetrics{Rating: 4.4}, 1},
		{"everything", types.TransporterMetrics{Early: true, Rating: 5, TrackingCompleteness: 0.95, DamageFree: true}, 2.3595},
	}
	for _, tt := range tests {
		require.InDelta(t, tt.want, Multiplier(tt.p), 1e-9, tt.name)
	}
}

func TestReleaseOnDelivery(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	e := create(t, m, "pr-1", oneEth, carrier1, carrier2)

	_, err := m.ReleaseOnDelivery(ctx, e.PaymentID, types.DeliveryConfirmation{ConfirmedBy: seller}, nil)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	perf := []types.TransporterMetrics{
		{Address: carrier1, Early: true, Rating: 5, TrackingCompleteness: 0.95, DamageFree: true},
	}

	d, err := m.ReleaseOnDelivery(ctx, e.PaymentID, types.DeliveryConfirmation{ConfirmedBy: buyer, ConfirmedAt: t0}, perf)
	require.NoError(t, err)
	require.True(t, d.Weighted)
	require.Equal(t, 0, d.Total().Cmp(oneEth))

	byKind := map[string]*big.Int{}
	for _, p := range d.Payouts {
		if p.Kind == PayoutTransporter {
			byKind[p.Recipient] = p.Amount
		}
	}

	// base share 73125000000000000 each; carrier1 earns x2.3595, carrier2 keeps its base
	require.Equal(t, 0, wei("172538437500000000").Cmp(byKind[carrier1]))
	require.Equal(t, 0, wei("73125000000000000").Cmp(byKind[carrier2]))
	require.Equal(t, 0, wei("729336562500000000").Cmp(d.Payouts[0].Amount), "bonus comes out of the manufacturer share")

	got, err := m.Get(ctx, e.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.EscrowReleased, got.Status)
	require.True(t, got.ReleaseConditions.DeliveryConfirmed)
	require.NotNil(t, got.Distribution)

	_, err = m.ReleaseOnDelivery(ctx, e.PaymentID, types.DeliveryConfirmation{ConfirmedBy: buyer}, nil)
	require.ErrorIs(t, err, types.ErrNotLocked)
}

func TestReleaseSingleTransporter(t *testing.T) {
	ctx := context.Background()
	best := []types.TransporterMetrics{{Address: carrier1, Early: true, Rating: 5, TrackingCompleteness: 1, DamageFree: true}}

	tests := []struct {
		name         string
		poolBps      int64
		perf         []types.TransporterMetrics
		transporter  string
		manufacturer string
	}{
		{"no metrics", 1500, nil, "146250000000000000", "828750000000000000"},
		{"multiplied", 1500, best, "345076875000000000", "629923125000000000"},
		{"capped by the manufacturer share", 9000, best, "975000000000000000", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newManager(t)
			m.cfg.TransporterPoolBps = tt.poolBps
			e := create(t, m, "pr-1", oneEth, carrier1)

			d, err := m.ReleaseOnDelivery(ctx, e.PaymentID, types.DeliveryConfirmation{ConfirmedBy: buyer}, tt.perf)
			require.NoError(t, err)
			require.Equal(t, 0, d.Total().Cmp(oneEth))

			for _, p := range d.Payouts {
				switch p.Kind {
				case PayoutTransporter:
					require.Equal(t, 0, wei(tt.transporter).Cmp(p.Amount))
					require.True(t, tt.perf == nil || p.Amount.Cmp(e.TransporterAmounts[carrier1]) > 0, "final above base")
				case PayoutManufacturer:
					require.Equal(t, 0, wei(tt.manufacturer).Cmp(p.Amount))
				}
			}
		})
	}
}

func TestDisputeThenRefund(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()
	e := create(t, m, "pr-1", oneEth, carrier1, carrier2)

	_, err := m.ResolveDispute(ctx, e.PaymentID, true, nil)
	require.ErrorIs(t, err, types.ErrInvalidState, "not disputed yet")

	_, err = m.Dispute(ctx, e.PaymentID, address(50), "not mine")
	require.ErrorIs(t, err, types.ErrUnauthorized)

	disputed, err := m.Dispute(ctx, e.PaymentID, buyer, "never arrived")
	require.NoError(t, err)
	require.Equal(t, types.EscrowDisputed, disputed.Status)
	require.NoError(t, m.LinkDispute(ctx, e.PaymentID, "d-1", buyer, ""))
	require.NoError(t, m.LinkDispute(ctx, e.PaymentID, "d-1", buyer, ""), "linking twice is a no-op")
	require.ErrorIs(t, m.LinkDispute(ctx, e.PaymentID, "d-2", buyer, ""), types.ErrInvalidState)

	_, err = m.ReleaseOnDelivery(ctx, e.PaymentID, types.DeliveryConfirmation{ConfirmedBy: buyer}, nil)
	require.ErrorIs(t, err, types.ErrNotLocked)

	// disputed escrows are never auto released
	c.Advance(8 * 24 * time.Hour)
	n, err := m.AutoRelease(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = m.ResolveDispute(ctx, e.PaymentID, true, &types.Compensation{Recipient: buyer, Amount: ether(2)})
	require.ErrorIs(t, err, types.ErrInvalidDecision)

	d, err := m.ResolveDispute(ctx, e.PaymentID, true, &types.Compensation{Recipient: buyer, Amount: oneEth})
	require.NoError(t, err)
	require.Len(t, d.Payouts, 1)
	require.Equal(t, buyer, d.Payouts[0].Recipient)
	require.Equal(t, 0, d.Payouts[0].Amount.Cmp(oneEth))

	got, err := m.Get(ctx, e.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.EscrowRefunded, got.Status)
	require.Equal(t, "d-1", got.DisputeID)

	_, err = m.ResolveDispute(ctx, e.PaymentID, false, nil)
	require.ErrorIs(t, err, types.ErrInvalidState)
}

func TestResolveRelease(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	e := create(t, m, "pr-1", oneEth, carrier1)

	_, err := m.Dispute(ctx, e.PaymentID, seller, "buyer refuses to confirm")
	require.NoError(t, err)

	comp := &types.Compensation{Recipient: buyer, Amount: wei("10000000000000000")}
	d, err := m.ResolveDispute(ctx, e.PaymentID, false, comp)
	require.NoError(t, err)
	require.Equal(t, 0, d.Total().Cmp(oneEth))
	require.Equal(t, PayoutManufacturer, d.Payouts[0].Kind)
	require.Equal(t, 0, new(big.Int).Add(d.Payouts[0].Amount, comp.Amount).Cmp(e.ManufacturerAmount))

	got, err := m.Get(ctx, e.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.EscrowReleased, got.Status)
}

func TestLinkDisputeFreezes(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	e := create(t, m, "pr-1", oneEth, carrier1)

	require.ErrorIs(t, m.LinkDispute(ctx, e.PaymentID, "d-1", address(50), "not mine"), types.ErrUnauthorized)

	got, err := m.Get(ctx, e.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.EscrowLocked, got.Status)
	require.Empty(t, got.DisputeID)

	require.NoError(t, m.LinkDispute(ctx, e.PaymentID, "d-1", buyer, "damaged"))

	got, err = m.Get(ctx, e.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.EscrowDisputed, got.Status)
	require.Equal(t, "d-1", got.DisputeID)
	require.Equal(t, "damaged", got.DisputeReason)
}

func TestDisputeWindow(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()
	e := create(t, m, "pr-1", oneEth)

	c.Advance(31 * 24 * time.Hour)

	_, err := m.Dispute(ctx, e.PaymentID, buyer, "late")
	require.ErrorIs(t, err, types.ErrDisputeWindowClosed)
}

func TestAutoRelease(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()
	quiet := create(t, m, "pr-1", oneEth, carrier1)
	disputed := create(t, m, "pr-2", oneEth, carrier1)

	_, err := m.Dispute(ctx, disputed.PaymentID, buyer, "damaged")
	require.NoError(t, err)

	n, err := m.AutoRelease(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	c.Advance(7*24*time.Hour + time.Second)

	n, err = m.AutoRelease(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := m.Get(ctx, quiet.PaymentID)
	require.NoError(t, err)
	require.Equal(t, types.EscrowReleased, got.Status)
	require.False(t, got.Distribution.Weighted)
	require.False(t, got.ReleaseConditions.DeliveryConfirmed)

	released, err := m.List(ctx, types.EscrowReleased)
	require.NoError(t, err)
	require.Len(t, released, 1)
}

func TestDeliveryToken(t *testing.T) {
	cd, err := codec.New("qr-secret", time.Hour)
	require.NoError(t, err)

	m, _ := newManager(t, WithCodec(cd))
	ctx := context.Background()
	e := create(t, m, "pr-1", oneEth, carrier1)

	token, err := m.IssueDeliveryToken(ctx, e.PaymentID)
	require.NoError(t, err)

	_, err = m.ReleaseWithToken(ctx, e.PaymentID, token+"x", "", nil)
	require.ErrorIs(t, err, codec.ErrIntegrity)

	_, err = m.ReleaseWithToken(ctx, "other", token, "", nil)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	d, err := m.ReleaseWithToken(ctx, e.PaymentID, token, "b3-proof", nil)
	require.NoError(t, err)
	require.Equal(t, e.PaymentID, d.PaymentID)

	_, err = m.IssueDeliveryToken(ctx, e.PaymentID)
	require.ErrorIs(t, err, types.ErrNotLocked)

	plain, _ := newManager(t)
	_, err = plain.IssueDeliveryToken(ctx, e.PaymentID)
	require.ErrorIs(t, err, ErrNoCodec)
}

type fakeLedger struct {
	mu   sync.Mutex
	sent []btypes.Payload
}

func (f *fakeLedger) Submit(_ context.Context, _ string, p btypes.Payload) (btypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, p)

	return btypes.Receipt{TxHash: fmt.Sprintf("0x%d", len(f.sent))}, nil
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []msg.Message
}

func (f *fakeBus) Send(_ context.Context, m msg.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.msgs = append(f.msgs, m)

	return m.ID, nil
}

func TestPayouts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ob := outbox.New(store.New(memory.New()), 16, time.Second, zerolog.Nop(), nil)

	go func() { _ = ob.Run(ctx, 1) }()

	ledger, bus := &fakeLedger{}, &fakeBus{}
	m, _ := newManager(t, WithOutbox(ob), WithLedger(ledger), WithBus(bus))
	e := create(t, m, "pr-1", oneEth, carrier1, carrier2)

	_, err := m.ReleaseOnDelivery(ctx, e.PaymentID, types.DeliveryConfirmation{ConfirmedBy: buyer}, nil)
	require.NoError(t, err)

	ob.Wait()

	require.Len(t, ledger.sent, 4, "seller, two transporters and platform")

	paid := new(big.Int)
	for _, p := range ledger.sent {
		paid.Add(paid, p.Amount)
	}

	require.Equal(t, 0, paid.Cmp(oneEth))
	require.Len(t, bus.msgs, 1)
	require.Equal(t, msg.EscrowReleased, bus.msgs[0].Kind)
	require.Equal(t, seller, bus.msgs[0].Recipient)
}

func TestHandlePurchase(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	pr := PurchaseRequest{PurchaseRequestID: "xc-1", Buyer: buyer, Seller: seller, Amount: oneEth.String(),
		Transporters: []string{carrier1}}

	mm, err := msg.New("amoy", "sepolia", seller, msg.PurchaseRequested, pr)
	require.NoError(t, err)

	require.NoError(t, m.HandlePurchase(ctx, mm))
	require.NoError(t, m.HandlePurchase(ctx, mm), "redelivery is acknowledged")

	escrows, err := m.List(ctx, types.EscrowLocked)
	require.NoError(t, err)
	require.Len(t, escrows, 1)
	require.Equal(t, "sepolia", escrows[0].ChainID)

	pr.PurchaseRequestID, pr.Amount = "xc-2", "lots"
	bad, err := msg.New("amoy", "sepolia", seller, msg.PurchaseRequested, pr)
	require.NoError(t, err)
	require.NoError(t, m.HandlePurchase(ctx, bad))

	escrows, err = m.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, escrows, 1)
}
