package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	btypes "github.com/tarancss/scc/lib/block/types"
	"github.com/tarancss/scc/lib/config"
	"github.com/tarancss/scc/lib/msg"
	"github.com/tarancss/scc/lib/outbox"
	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/lib/store/memory"
	"github.com/tarancss/scc/lib/types"
	"github.com/tarancss/scc/registry"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	eng      *Engine
	reg      *registry.Registry
	st       *store.Store
	now      time.Time
	proposer string
	addrs    map[string]string // node id -> address
}

func address(i int) string {
	return fmt.Sprintf("0x%040x", i)
}

// newEnv registers primaries validators with stake 10 and one secondary proposer.
func newEnv(t *testing.T, primaries int, opts ...Option) *testEnv {
	t.Helper()

	ctx := context.Background()
	env := &testEnv{st: store.New(memory.New()), now: t0, addrs: map[string]string{}}
	env.reg = registry.New(env.st, zerolog.Nop())

	for i := 1; i <= primaries; i++ {
		id, err := env.reg.RegisterNode(ctx, registry.NodeSpec{Address: address(i), Type: types.Primary,
			Role: types.RoleInspector, Stake: 10, ChainID: "sepolia"})
		require.NoError(t, err)

		env.addrs[id] = address(i)
	}

	env.proposer = address(100)
	_, err := env.reg.RegisterNode(ctx, registry.NodeSpec{Address: env.proposer, Type: types.Secondary,
		Role: types.RoleManufacturer, Stake: 1, ChainID: "sepolia"})
	require.NoError(t, err)

	env.eng = New(config.Default().Consensus, env.st, env.reg, zerolog.Nop(), opts...)
	env.eng.SetNowFunc(func() time.Time { return env.now })

	return env
}

func transactions(n int, product string) []types.Transaction {
	txs := make([]types.Transaction, n)
	for i := range txs {
		txs[i] = types.Transaction{
			TxID:      fmt.Sprintf("tx-%02d", i),
			From:      address(200 + i),
			To:        address(201 + i),
			ProductID: product,
			Type:      types.TxTransfer,
			Timestamp: t0,
		}
	}

	return txs
}

// circulated proposes and circulates a batch, returning it with its selection.
func (env *testEnv) circulated(t *testing.T, n int) *types.Batch {
	t.Helper()

	ctx := context.Background()

	b, err := env.eng.ProposeBatch(ctx, env.proposer, transactions(n, "p1"), nil)
	require.NoError(t, err)

	_, err = env.eng.Circulate(ctx, b.BatchID)
	require.NoError(t, err)

	b, err = env.eng.GetBatch(ctx, b.BatchID)
	require.NoError(t, err)
	require.Equal(t, types.BatchValidating, b.Status)

	return b
}

func (env *testEnv) vote(t *testing.T, b *types.Batch, nodeID string, approve bool) (*VoteResult, error) {
	t.Helper()

	return env.eng.SubmitVote(context.Background(), VoteRequest{BatchID: b.BatchID, Validator: env.addrs[nodeID],
		Approve: approve, NFTValidationResult: true, ChainVerificationResult: true})
}

func (env *testEnv) node(t *testing.T, id string) *types.ConsensusNode {
	t.Helper()

	n, err := env.reg.GetNode(context.Background(), id)
	require.NoError(t, err)

	return n
}

func TestBatchHashPermutations(t *testing.T) {
	txs := transactions(4, "p1")
	want := BatchHash(txs)

	perms := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, p := range perms {
		shuffled := make([]types.Transaction, 0, len(p))
		for _, i := range p {
			shuffled = append(shuffled, txs[i])
		}

		require.Equal(t, want, BatchHash(shuffled), "permutation %v", p)
	}

	require.Len(t, want, 66)
	require.NotEqual(t, want, BatchHash(txs[:3]))

	env := newEnv(t, 3)
	ctx := context.Background()

	b1, err := env.eng.ProposeBatch(ctx, env.proposer, txs, nil)
	require.NoError(t, err)

	reversed := []types.Transaction{txs[3], txs[2], txs[1], txs[0]}
	b2, err := env.eng.ProposeBatch(ctx, env.proposer, reversed, nil)
	require.NoError(t, err)

	require.Equal(t, b1.BatchHash, b2.BatchHash)
	require.NotEqual(t, b1.BatchID, b2.BatchID)
	require.Equal(t, "tx-00", b2.Transactions[0].TxID)
	require.Equal(t, types.BatchProposed, b1.Status)
	require.Equal(t, t0.Add(30*time.Minute), b1.ValidationDeadline)
}

func TestProposeBatchErrors(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()

	_, err := env.eng.ProposeBatch(ctx, address(1), transactions(1, "p1"), nil)
	require.ErrorIs(t, err, types.ErrUnauthorizedProposer, "primaries do not propose")

	_, err = env.eng.ProposeBatch(ctx, address(999), transactions(1, "p1"), nil)
	require.ErrorIs(t, err, types.ErrUnauthorizedProposer)

	_, err = env.eng.ProposeBatch(ctx, env.proposer, nil, nil)
	require.ErrorIs(t, err, types.ErrEmptyBatch)

	_, err = env.eng.ProposeBatch(ctx, env.proposer, transactions(51, "p1"), nil)
	require.ErrorIs(t, err, types.ErrBatchTooLarge)

	_, err = env.eng.ProposeBatch(ctx, env.proposer, transactions(50, "p1"), nil)
	require.NoError(t, err)

	dup := transactions(2, "p1")
	dup[1].TxID = dup[0].TxID
	_, err = env.eng.ProposeBatch(ctx, env.proposer, dup, nil)
	require.ErrorIs(t, err, types.ErrInvalidTransaction)

	bad := transactions(1, "p1")
	bad[0].Type = "teleport"
	_, err = env.eng.ProposeBatch(ctx, env.proposer, bad, nil)
	require.ErrorIs(t, err, types.ErrInvalidTransaction)

	proposer, err := env.reg.GetByAddress(ctx, env.proposer)
	require.NoError(t, err)
	require.NoError(t, env.reg.Deactivate(ctx, proposer.NodeID))

	_, err = env.eng.ProposeBatch(ctx, env.proposer, transactions(1, "p1"), nil)
	require.ErrorIs(t, err, types.ErrUnauthorizedProposer)
}

func TestCirculate(t *testing.T) {
	ctx := context.Background()

	few := newEnv(t, 2)
	b, err := few.eng.ProposeBatch(ctx, few.proposer, transactions(1, "p1"), nil)
	require.NoError(t, err)

	_, err = few.eng.Circulate(ctx, b.BatchID)
	require.ErrorIs(t, err, types.ErrInsufficientValidators)

	_, err = few.eng.Circulate(ctx, "missing")
	require.ErrorIs(t, err, types.ErrBatchNotFound)

	env := newEnv(t, 6)
	b, err = env.eng.ProposeBatch(ctx, env.proposer, transactions(3, "p1"), nil)
	require.NoError(t, err)

	sel, err := env.eng.Circulate(ctx, b.BatchID)
	require.NoError(t, err)
	require.Len(t, sel, 5)

	for _, id := range sel {
		require.Contains(t, env.addrs, id)
	}

	again, err := env.eng.Circulate(ctx, b.BatchID)
	require.NoError(t, err)
	require.Equal(t, sel, again)

	// the selection depends only on the hash and the registry
	active, err := env.reg.GetActiveValidators(ctx, "")
	require.NoError(t, err)
	require.Equal(t, sel, selectValidators(b.BatchHash, active, 5))
}

func TestSelectionSize(t *testing.T) {
	eng := New(config.ConsensusConfig{}, nil, nil, zerolog.Nop())

	tests := []struct{ active, want int }{{3, 3}, {4, 3}, {5, 4}, {6, 5}, {8, 6}, {10, 8}}
	for _, tt := range tests {
		require.Equal(t, tt.want, eng.SelectionSize(tt.active), "active %d", tt.active)
	}

	require.Equal(t, 2, eng.Threshold(3))
	require.Equal(t, 4, eng.Threshold(5))
	require.Equal(t, 4, eng.Threshold(6))
}

func TestSupermajorityAtKthVote(t *testing.T) {
	env := newEnv(t, 6)
	b := env.circulated(t, 2)
	k := env.eng.Threshold(len(b.SelectedValidators))
	require.Equal(t, 4, k)

	for i, id := range b.SelectedValidators[:k] {
		res, err := env.vote(t, b, id, true)
		require.NoError(t, err)

		if i < k-1 {
			require.Equal(t, types.BatchValidating, res.Status, "vote %d", i+1)
			require.Nil(t, res.Result)

			continue
		}

		require.Equal(t, types.BatchCommitted, res.Status)
		require.NotNil(t, res.Result)
		require.True(t, res.Result.SupermajorityAchieved)
		require.Equal(t, k, res.Result.ApproveVotes)
	}

	// the straggler is too late
	_, err := env.vote(t, b, b.SelectedValidators[k], true)
	require.ErrorIs(t, err, types.ErrVotingClosed)
}

func TestVoteErrors(t *testing.T) {
	env := newEnv(t, 6)
	b := env.circulated(t, 1)
	ctx := context.Background()

	_, err := env.eng.SubmitVote(ctx, VoteRequest{BatchID: "missing", Validator: address(1), Approve: true})
	require.ErrorIs(t, err, types.ErrBatchNotFound)

	var outsider string

	for id := range env.addrs {
		if !b.IsSelected(id) {
			outsider = id
		}
	}

	_, err = env.vote(t, b, outsider, true)
	require.ErrorIs(t, err, types.ErrUnauthorizedValidator)

	_, err = env.eng.SubmitVote(ctx, VoteRequest{BatchID: b.BatchID, Validator: env.proposer, Approve: true})
	require.ErrorIs(t, err, types.ErrUnauthorizedValidator)

	voter := b.SelectedValidators[0]
	_, err = env.vote(t, b, voter, true)
	require.NoError(t, err)

	_, err = env.vote(t, b, voter, false)
	require.ErrorIs(t, err, types.ErrDuplicateVote)

	votes, err := env.eng.Votes(ctx, b.BatchID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.True(t, votes[0].Vote)
}

func TestConcurrentVotes(t *testing.T) {
	env := newEnv(t, 6)
	b := env.circulated(t, 1)
	voter := b.SelectedValidators[0]

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  int
		dups int
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := env.vote(t, b, voter, true)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				oks++
			case errors.Is(err, types.ErrDuplicateVote):
				dups++
			}
		}()
	}

	wg.Wait()

	require.Equal(t, 1, oks)
	require.Equal(t, 9, dups)
}

func TestTimeoutFallback(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()
	b := env.circulated(t, 1)
	require.Len(t, b.SelectedValidators, 3)

	res, err := env.vote(t, b, b.SelectedValidators[0], true)
	require.NoError(t, err)
	require.Equal(t, types.BatchValidating, res.Status)

	n, err := env.eng.FinalizeExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "deadline not reached")

	env.now = b.ValidationDeadline.Add(time.Second)

	n, err = env.eng.FinalizeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	b, err = env.eng.GetBatch(ctx, b.BatchID)
	require.NoError(t, err)
	require.Equal(t, types.BatchCommitted, b.Status)

	r, err := env.eng.Result(ctx, b.BatchID)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeCommitted, r.Result)
	require.False(t, r.SupermajorityAchieved)
	require.Equal(t, 1, r.ApproveVotes)
	require.Equal(t, 3, r.TotalValidators)
	require.True(t, r.RewardsDistributed)
}

func TestLateVoteFlagsAndReconciles(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()
	b := env.circulated(t, 1)

	dissenter := b.SelectedValidators[0]
	_, err := env.vote(t, b, dissenter, false)
	require.NoError(t, err)

	env.now = b.ValidationDeadline.Add(time.Minute)

	_, err = env.vote(t, b, b.SelectedValidators[1], true)
	require.ErrorIs(t, err, types.ErrVotingClosed)

	b, err = env.eng.GetBatch(ctx, b.BatchID)
	require.NoError(t, err)
	require.Equal(t, types.BatchFlagged, b.Status)

	r, err := env.eng.Result(ctx, b.BatchID)
	require.NoError(t, err)
	require.Equal(t, types.OutcomeRejected, r.Result)
	require.True(t, r.ReconciliationNeeded)
	require.True(t, r.PenaltiesApplied)
	require.Equal(t, 0, r.ApproveVotes)
	require.Equal(t, 1, r.RejectVotes)

	require.InDelta(t, 10.05, env.node(t, dissenter).Stake, 1e-9, "reject voters get half the reward")

	reports, err := env.eng.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.True(t, reports[0].HashValid)
	require.Empty(t, reports[0].ForeignVotes)
	require.ElementsMatch(t, b.SelectedValidators[1:], reports[0].Missing)

	for _, id := range reports[0].Missing {
		require.InDelta(t, 0.49, env.node(t, id).Reputation, 1e-9)
	}

	reports, err = env.eng.Reconcile(ctx)
	require.NoError(t, err)
	require.Empty(t, reports, "batches are reconciled once")
	require.InDelta(t, 0.49, env.node(t, b.SelectedValidators[1]).Reputation, 1e-9)
}

func TestCompleteElectorateRejects(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()
	b := env.circulated(t, 1)
	sel := b.SelectedValidators

	_, err := env.vote(t, b, sel[0], true)
	require.NoError(t, err)
	_, err = env.vote(t, b, sel[1], false)
	require.NoError(t, err)

	res, err := env.vote(t, b, sel[2], false)
	require.NoError(t, err)
	require.Equal(t, types.BatchRejected, res.Status)
	require.False(t, res.Result.ReconciliationNeeded)

	approver := env.node(t, sel[0])
	require.InDelta(t, 9.8, approver.Stake, 1e-9)
	require.InDelta(t, 0.45, approver.Reputation, 1e-9)
	require.InDelta(t, 0.48, approver.TrustScore, 1e-9)

	for _, id := range sel[1:] {
		n := env.node(t, id)
		require.InDelta(t, 10.05, n.Stake, 1e-9)
		require.InDelta(t, 0.5, n.Reputation, 1e-9)
	}

	rejected, err := env.eng.ListBatches(ctx, types.BatchRejected)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
}

func TestSettleIdempotent(t *testing.T) {
	env := newEnv(t, 3)
	ctx := context.Background()
	b := env.circulated(t, 1)

	for _, id := range b.SelectedValidators[:2] {
		_, err := env.vote(t, b, id, true)
		require.NoError(t, err)
	}

	before := map[string]types.ConsensusNode{}
	for _, id := range b.SelectedValidators {
		before[id] = *env.node(t, id)
	}

	for i := 0; i < 3; i++ {
		r, err := env.eng.Settle(ctx, b.BatchID)
		require.NoError(t, err)
		require.True(t, r.RewardsDistributed)
	}

	n, err := env.eng.SettlePending(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	for _, id := range b.SelectedValidators {
		after := env.node(t, id)
		require.Equal(t, before[id].Stake, after.Stake)
		require.Equal(t, before[id].Reputation, after.Reputation)
	}

	_, err = env.eng.Settle(ctx, "missing")
	require.ErrorIs(t, err, types.ErrBatchNotFound)
}

type fakeLedger struct {
	mu   sync.Mutex
	sent []btypes.Payload
}

func (f *fakeLedger) Submit(_ context.Context, net string, p btypes.Payload) (btypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, p)

	return btypes.Receipt{TxHash: fmt.Sprintf("0x%s-%d", net, len(f.sent)), Status: btypes.TrxPending}, nil
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

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.New(memory.New())
	ob := outbox.New(st, 16, time.Second, zerolog.Nop(), nil)

	go func() { _ = ob.Run(ctx, 2) }()

	ledger, bus := &fakeLedger{}, &fakeBus{}
	env := newEnv(t, 6, WithOutbox(ob), WithLedger(ledger), WithBus(bus))

	b := env.circulated(t, 5)
	require.Len(t, b.Transactions, 5)
	require.Len(t, b.SelectedValidators, 5)

	sel := b.SelectedValidators
	dissenter := sel[0]

	res, err := env.vote(t, b, dissenter, false)
	require.NoError(t, err)
	require.Equal(t, types.BatchValidating, res.Status)

	for i, id := range sel[1:] {
		res, err = env.vote(t, b, id, true)
		require.NoError(t, err)

		if i < 3 {
			require.Equal(t, types.BatchValidating, res.Status)
		}
	}

	require.Equal(t, types.BatchCommitted, res.Status)
	require.True(t, res.Result.SupermajorityAchieved)
	require.Equal(t, 4, res.Result.ApproveVotes)
	require.Equal(t, 1, res.Result.RejectVotes)
	require.True(t, res.Result.RewardsDistributed)

	for _, id := range sel {
		n := env.node(t, id)
		require.InDelta(t, 0.51, n.Reputation, 1e-9, id)
		require.InDelta(t, 10.1, n.Stake, 1e-9, "every voter gets the full reward on commit")
	}

	ob.Wait()

	require.Len(t, ledger.sent, 1)
	require.Equal(t, b.BatchHash, fmt.Sprintf("0x%x", ledger.sent[0].Data))
	require.Len(t, bus.msgs, 1)
	require.Equal(t, msg.BatchCommitted, bus.msgs[0].Kind)

	var p BatchCommittedPayload
	require.NoError(t, bus.msgs[0].Decode(&p))
	require.Equal(t, b.BatchID, p.BatchID)
	require.Equal(t, []string{"p1"}, p.ProductIDs)

	anns, err := st.Annotations(ctx, store.Filter{Ref: b.BatchID})
	require.NoError(t, err)
	require.Len(t, anns, 2)

	parts, err := env.eng.ProductParticipants(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, parts, 6)
	require.Equal(t, address(200), parts[0])
}
