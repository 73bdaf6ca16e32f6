// Package consensus batches supply-chain transactions, circulates them to a pseudo-random quorum of Primary
// validators, tallies their votes and settles rewards and penalties once a batch is committed or rejected.
//
// A batch commits early as soon as the approve votes reach the supermajority of its selected validators. Once every
// selected validator has voted, or the validation deadline has passed, a simple majority of the votes cast decides.
// A batch rejected at the deadline without a complete electorate is Flagged for reconciliation.
package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
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

// Registry is what the engine needs from the node registry.
type Registry interface {
	GetNode(ctx context.Context, nodeID string) (*types.ConsensusNode, error)
	GetByAddress(ctx context.Context, address string) (*types.ConsensusNode, error)
	GetActiveValidators(ctx context.Context, role types.Role, expertise ...string) ([]*types.ConsensusNode, error)
	ApplyAdjustment(ctx context.Context, nodeID string, adj types.Adjustment) (*types.ConsensusNode, error)
	Touch(ctx context.Context, nodeID string) error
}

// Ledger anchors committed batch hashes.
type Ledger interface {
	Submit(ctx context.Context, net string, p btypes.Payload) (btypes.Receipt, error)
}

// Engine drives batches from proposal to settlement.
type Engine struct {
	cfg     config.ConsensusConfig
	st      *store.Store
	reg     Registry
	out     *outbox.Outbox
	ledger  Ledger
	bus     msg.Sender
	metrics *metrics.Metrics
	locks   util.Locks
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithOutbox runs the external calls made on commit through o. Without it no call is made.
func WithOutbox(o *outbox.Outbox) Option {
	return func(e *Engine) { e.out = o }
}

// WithLedger anchors the hash of committed batches on the batch chain.
func WithLedger(l Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

// WithBus announces committed batches on the message bus.
func WithBus(b msg.Sender) Option {
	return func(e *Engine) { e.bus = b }
}

// WithMetrics records transitions, votes and settlements.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns an engine. Zero config values take the defaults.
func New(cfg config.ConsensusConfig, st *store.Store, reg Registry, log zerolog.Logger, opts ...Option) *Engine {
	def := config.Default().Consensus
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}

	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}

	if cfg.MinValidators <= 0 {
		cfg.MinValidators = def.MinValidators
	}

	if cfg.SelectionRatio <= 0 {
		cfg.SelectionRatio = def.SelectionRatio
	}

	if cfg.Supermajority <= 0 {
		cfg.Supermajority = def.Supermajority
	}

	e := &Engine{cfg: cfg, st: st, reg: reg, log: log, now: time.Now}
	for _, o := range opts {
		o(e)
	}

	return e
}

// SetNowFunc overrides the clock, for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	e.now = now
}

// Tally counts the votes cast on a batch.
type Tally struct {
	Selected int `json:"selected"`
	Approve  int `json:"approve"`
	Reject   int `json:"reject"`
}

// Complete reports whether every selected validator voted.
func (t Tally) Complete() bool {
	return t.Approve+t.Reject >= t.Selected
}

// VoteRequest is a validator's verdict on a batch. The validator is identified by its address.
type VoteRequest struct {
	BatchID                 string `json:"batchId"`
	Validator               string `json:"validator"`
	Approve                 bool   `json:"approve"`
	Reasoning               string `json:"reasoning,omitempty"`
	NFTValidationResult     bool   `json:"nftValidationResult"`
	ChainVerificationResult bool   `json:"chainVerificationResult"`
}

// VoteResult is the state of the batch after a vote was recorded. Result is set when the vote finalized it.
type VoteResult struct {
	Vote   *types.ValidationVote  `json:"vote"`
	Tally  Tally                  `json:"tally"`
	Status types.BatchStatus      `json:"status"`
	Result *types.ConsensusResult `json:"result,omitempty"`
}

// SelectionSize is the number of validators drawn out of active ones: the configured ratio rounded up, never less
// than the minimum and never more than active.
func (e *Engine) SelectionSize(active int) int {
	n := int(math.Ceil(float64(active)*e.cfg.SelectionRatio - 1e-9))
	if n < e.cfg.MinValidators {
		n = e.cfg.MinValidators
	}

	if n > active {
		n = active
	}

	return n
}

// Threshold is the number of approve votes that commits a batch with selected validators early.
func (e *Engine) Threshold(selected int) int {
	return int(math.Ceil(float64(selected)*e.cfg.Supermajority - 1e-9))
}

// selectValidators shuffles the candidates, ordered by id, with a PRNG seeded from the batch hash and keeps the
// first n. Any node can reproduce the selection from the batch and the registry.
func selectValidators(hash string, nodes []*types.ConsensusNode, n int) []string {
	ids := make([]string, len(nodes))
	for i, v := range nodes {
		ids[i] = v.NodeID
	}

	sort.Strings(ids)

	var seed int64

	if h, err := hexutil.Decode(hash); err == nil && len(h) >= 8 {
		seed = int64(binary.BigEndian.Uint64(h[:8]))
	}

	rnd := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducible selection, not a secret
	rnd.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	return util.Sorted(ids[:n])
}

// Circulate selects the validators of a proposed batch and moves it to Validating. Circulating a batch already in
// Validating returns its selection.
func (e *Engine) Circulate(ctx context.Context, batchID string) ([]string, error) {
	unlock := e.locks.Lock(batchID)
	defer unlock()

	b, err := e.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	switch b.Status {
	case types.BatchProposed:
	case types.BatchValidating:
		return b.SelectedValidators, nil
	default:
		return nil, fmt.Errorf("%w: batch %s is %s", types.ErrVotingClosed, batchID, b.Status)
	}

	active, err := e.reg.GetActiveValidators(ctx, "")
	if err != nil {
		return nil, err
	}

	if len(active) < e.cfg.MinValidators {
		return nil, fmt.Errorf("%w: %d active, %d required", types.ErrInsufficientValidators, len(active),
			e.cfg.MinValidators)
	}

	if b.Status, err = b.Status.Transition(types.BatchValidating); err != nil {
		return nil, err
	}

	b.SelectedValidators = selectValidators(b.BatchHash, active, e.SelectionSize(len(active)))

	if err = e.st.SwapBatch(ctx, b, types.BatchProposed); err != nil {
		return nil, err
	}

	e.metrics.Transition(types.KindBatch, string(b.Status))
	e.log.Info().Str("batch", batchID).Strs("validators", b.SelectedValidators).Msg("batch circulated")

	return b.SelectedValidators, nil
}

// SubmitVote records a selected validator's vote and finalizes the batch when the vote decides it. A vote arriving
// after the validation deadline is refused with ErrVotingClosed and the batch is finalized on the votes recorded
// so far.
func (e *Engine) SubmitVote(ctx context.Context, req VoteRequest) (*VoteResult, error) {
	unlock := e.locks.Lock(req.BatchID)
	defer unlock()

	b, err := e.GetBatch(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}

	if b.Status.Terminal() {
		return nil, fmt.Errorf("%w: batch %s is %s", types.ErrVotingClosed, b.BatchID, b.Status)
	}

	node, err := e.reg.GetByAddress(ctx, req.Validator)
	if err != nil {
		if errors.Is(err, types.ErrNodeNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrUnauthorizedValidator, req.Validator)
		}

		return nil, err
	}

	if !node.IsValidator() || !b.IsSelected(node.NodeID) {
		return nil, fmt.Errorf("%w: %s", types.ErrUnauthorizedValidator, req.Validator)
	}

	now := e.now().UTC()
	if now.After(b.ValidationDeadline) {
		if _, err = e.finalizeExpired(ctx, b); err != nil {
			e.log.Error().Err(err).Str("batch", b.BatchID).Msg("cannot finalize expired batch")
		}

		return nil, fmt.Errorf("%w: deadline of batch %s passed", types.ErrVotingClosed, b.BatchID)
	}

	v := &types.ValidationVote{
		VoteID:                  uuid.NewString(),
		BatchID:                 b.BatchID,
		ValidatorID:             node.NodeID,
		Vote:                    req.Approve,
		Reasoning:               req.Reasoning,
		NFTValidationResult:     req.NFTValidationResult,
		ChainVerificationResult: req.ChainVerificationResult,
		Timestamp:               now,
	}

	if err = e.st.InsertVote(ctx, v); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s on %s", types.ErrDuplicateVote, node.NodeID, b.BatchID)
		}

		return nil, err
	}

	e.metrics.Vote("validation", choice(req.Approve))
	e.log.Debug().Str("batch", b.BatchID).Str("validator", node.NodeID).Bool("approve", req.Approve).
		Msg("vote recorded")

	if err = e.reg.Touch(ctx, node.NodeID); err != nil {
		e.log.Warn().Err(err).Str("node", node.NodeID).Msg("cannot record validator activity")
	}

	tally, err := e.tally(ctx, b)
	if err != nil {
		return nil, err
	}

	res := &VoteResult{Vote: v, Tally: tally, Status: b.Status}

	status, super, decided := e.decide(tally, false)
	if !decided {
		return res, nil
	}

	if res.Result, err = e.finalize(ctx, b, tally, status, super); err != nil {
		return nil, err
	}

	res.Status = b.Status

	return res, nil
}

func choice(approve bool) string {
	if approve {
		return "approve"
	}

	return "reject"
}

// tally counts the votes of the selected validators.
func (e *Engine) tally(ctx context.Context, b *types.Batch) (Tally, error) {
	votes, err := e.st.Votes(ctx, b.BatchID)
	if err != nil {
		return Tally{}, err
	}

	t := Tally{Selected: len(b.SelectedValidators)}

	for _, v := range votes {
		if !b.IsSelected(v.ValidatorID) {
			continue
		}

		if v.Vote {
			t.Approve++
		} else {
			t.Reject++
		}
	}

	return t, nil
}

// decide applies the two tier rule: an approve supermajority commits at any time; otherwise, once the electorate
// is complete or the deadline passed, a simple majority commits and anything else rejects. A rejection without a
// complete electorate is flagged.
func (e *Engine) decide(t Tally, expired bool) (status types.BatchStatus, supermajority, decided bool) {
	if t.Selected > 0 && t.Approve >= e.Threshold(t.Selected) {
		return types.BatchCommitted, true, true
	}

	complete := t.Complete()
	if !complete && !expired {
		return types.BatchValidating, false, false
	}

	switch {
	case t.Approve > t.Reject:
		return types.BatchCommitted, false, true
	case complete:
		return types.BatchRejected, false, true
	default:
		return types.BatchFlagged, false, true
	}
}

// finalize moves the batch to its terminal status, records its result and settles it. The caller holds the batch
// lock.
func (e *Engine) finalize(ctx context.Context, b *types.Batch, t Tally, status types.BatchStatus, super bool) (*types.ConsensusResult, error) {
	next, err := b.Status.Transition(status)
	if err != nil {
		return nil, err
	}

	b.Status = next

	if err = e.st.SwapBatch(ctx, b, types.BatchValidating); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: batch %s already finalized", types.ErrVotingClosed, b.BatchID)
		}

		return nil, err
	}

	r := &types.ConsensusResult{
		BatchID:               b.BatchID,
		TotalValidators:       t.Selected,
		ApproveVotes:          t.Approve,
		RejectVotes:           t.Reject,
		SupermajorityAchieved: super,
		Result:                types.OutcomeRejected,
		ReconciliationNeeded:  status == types.BatchFlagged,
		FinalizedAt:           e.now().UTC(),
	}

	if status == types.BatchCommitted {
		r.Result = types.OutcomeCommitted
	}

	if err = e.st.InsertResult(ctx, r); err != nil {
		return nil, err
	}

	e.metrics.Transition(types.KindBatch, string(b.Status))
	e.log.Info().Str("batch", b.BatchID).Str("status", string(b.Status)).Int("approve", t.Approve).
		Int("reject", t.Reject).Int("selected", t.Selected).Bool("supermajority", super).Msg("batch finalized")

	settled, err := e.settle(ctx, b.BatchID)
	if err != nil {
		// the result stays pending and is picked up by SettlePending
		e.log.Error().Err(err).Str("batch", b.BatchID).Msg("settlement failed")
	} else {
		r = settled
	}

	if r.Result == types.OutcomeCommitted {
		e.announce(ctx, b)
	}

	return r, nil
}

// finalizeExpired finalizes a Validating batch whose deadline passed. The caller holds the batch lock.
func (e *Engine) finalizeExpired(ctx context.Context, b *types.Batch) (*types.ConsensusResult, error) {
	t, err := e.tally(ctx, b)
	if err != nil {
		return nil, err
	}

	status, super, _ := e.decide(t, true)

	return e.finalize(ctx, b, t, status, super)
}

// FinalizeExpired finalizes every Validating batch whose deadline passed and returns how many it finalized.
func (e *Engine) FinalizeExpired(ctx context.Context) (int, error) {
	batches, err := e.st.Batches(ctx, types.BatchValidating)
	if err != nil {
		return 0, err
	}

	now := e.now()
	n := 0

	var errs []error

	for _, b := range batches {
		if !now.After(b.ValidationDeadline) {
			continue
		}

		if err = e.expire(ctx, b.BatchID); err != nil {
			errs = append(errs, err)

			continue
		}

		n++
	}

	return n, errors.Join(errs...)
}

func (e *Engine) expire(ctx context.Context, batchID string) error {
	unlock := e.locks.Lock(batchID)
	defer unlock()

	// a vote may have finalized it meanwhile
	b, err := e.GetBatch(ctx, batchID)
	if err != nil || b.Status != types.BatchValidating {
		return err
	}

	_, err = e.finalizeExpired(ctx, b)

	return err
}

// BatchCommittedPayload is the body of the batch.committed message.
type BatchCommittedPayload struct {
	BatchID    string   `json:"batchId"`
	BatchHash  string   `json:"batchHash"`
	ChainID    string   `json:"chainId"`
	TxIDs      []string `json:"txIds"`
	ProductIDs []string `json:"productIds"`
}

// announce anchors the hash of a committed batch and publishes it on the bus, both as best-effort annotations.
func (e *Engine) announce(ctx context.Context, b *types.Batch) {
	if e.out == nil {
		return
	}

	if e.ledger != nil {
		hash, err := hexutil.Decode(b.BatchHash)
		if err == nil {
			_, err = e.out.Enqueue(ctx, outbox.Task{
				EntityKind:   types.KindBatch,
				EntityID:     b.BatchID,
				Net:          b.ChainID,
				Action:       "ledger.anchor",
				AwaitReceipt: true,
				Call: func(ctx context.Context) (string, error) {
					rcpt, err := e.ledger.Submit(ctx, b.ChainID, btypes.Payload{Data: hash})

					return rcpt.TxHash, err
				},
			})
		}

		if err != nil {
			e.log.Warn().Err(err).Str("batch", b.BatchID).Msg("cannot queue batch anchor")
		}
	}

	if e.bus != nil {
		p := BatchCommittedPayload{BatchID: b.BatchID, BatchHash: b.BatchHash, ChainID: b.ChainID}
		for _, tx := range b.Transactions {
			p.TxIDs = append(p.TxIDs, tx.TxID)
			p.ProductIDs = append(p.ProductIDs, tx.ProductID)
		}

		p.ProductIDs = util.Unique(p.ProductIDs)

		m, err := msg.New(b.ChainID, b.ChainID, "", msg.BatchCommitted, p)
		if err == nil {
			_, err = e.out.Enqueue(ctx, outbox.Task{
				EntityKind: types.KindBatch,
				EntityID:   b.BatchID,
				Net:        b.ChainID,
				Action:     "bus.send",
				Call:       func(ctx context.Context) (string, error) { return e.bus.Send(ctx, m) },
			})
		}

		if err != nil {
			e.log.Warn().Err(err).Str("batch", b.BatchID).Msg("cannot queue batch announcement")
		}
	}
}

// GetBatch returns a batch.
func (e *Engine) GetBatch(ctx context.Context, batchID string) (*types.Batch, error) {
	b, err := e.st.Batch(ctx, batchID)

	return b, store.Wrap(err, types.ErrBatchNotFound, batchID)
}

// ListBatches returns the batches in status, or every batch when status is empty.
func (e *Engine) ListBatches(ctx context.Context, status types.BatchStatus) ([]*types.Batch, error) {
	return e.st.Batches(ctx, status)
}

// Votes returns the votes cast on a batch.
func (e *Engine) Votes(ctx context.Context, batchID string) ([]*types.ValidationVote, error) {
	if _, err := e.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}

	return e.st.Votes(ctx, batchID)
}

// Result returns the consensus result of a finalized batch.
func (e *Engine) Result(ctx context.Context, batchID string) (*types.ConsensusResult, error) {
	r, err := e.st.Result(ctx, batchID)

	return r, store.Wrap(err, types.ErrBatchNotFound, batchID)
}

// ProductParticipants returns the addresses that took part in committed transactions of a product, sorted.
func (e *Engine) ProductParticipants(ctx context.Context, productID string) ([]string, error) {
	batches, err := e.st.Batches(ctx, types.BatchCommitted)
	if err != nil {
		return nil, err
	}

	var addrs []string

	for _, b := range batches {
		for _, tx := range b.Transactions {
			if tx.ProductID == productID {
				addrs = append(addrs, tx.From, tx.To)
			}
		}
	}

	return util.Sorted(util.Unique(addrs)), nil
}
