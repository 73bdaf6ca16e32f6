// Package dispute arbitrates disputes between supply-chain parties. Stakeholders elect a neutral arbitrator with
// votes weighted by reputation and stake; the arbitrator then rules, which settles the escrow the dispute froze.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	btypes "github.com/tarancss/scc/lib/block/types"
	"github.com/tarancss/scc/lib/config"
	"github.com/tarancss/scc/lib/content"
	"github.com/tarancss/scc/lib/metrics"
	"github.com/tarancss/scc/lib/outbox"
	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/lib/types"
	"github.com/tarancss/scc/lib/util"
)

// Registry is what arbitration needs from the node registry.
type Registry interface {
	GetByAddress(ctx context.Context, address string) (*types.ConsensusNode, error)
	Arbitrators(ctx context.Context, expertise ...string) ([]*types.ConsensusNode, error)
}

// Escrows is the escrow manager as seen by arbitration.
type Escrows interface {
	Get(ctx context.Context, paymentID string) (*types.EscrowPayment, error)
	LinkDispute(ctx context.Context, paymentID, disputeID, by, reason string) error
	ResolveDispute(ctx context.Context, paymentID string, refund bool, comp *types.Compensation) (*types.PaymentDistribution, error)
}

// Participants lists the addresses tied to a product.
type Participants interface {
	ProductParticipants(ctx context.Context, productID string) ([]string, error)
}

// Ledger pays compensations of disputes without escrow.
type Ledger interface {
	Submit(ctx context.Context, net string, p btypes.Payload) (btypes.Receipt, error)
}

// Arbitration owns disputes and arbitrator votes.
type Arbitration struct {
	cfg          config.DisputeConfig
	st           *store.Store
	reg          Registry
	escrows      Escrows
	participants Participants
	content      content.Store
	out          *outbox.Outbox
	ledger       Ledger
	metrics      *metrics.Metrics
	locks        util.Locks
	log          zerolog.Logger
	now          func() time.Time
}

// Option configures an Arbitration.
type Option func(*Arbitration)

// WithEscrows lets disputes freeze and settle escrows.
func WithEscrows(e Escrows) Option {
	return func(a *Arbitration) { a.escrows = e }
}

// WithParticipants adds the parties of a product's committed transactions to its disputes' stakeholders.
func WithParticipants(p Participants) Option {
	return func(a *Arbitration) { a.participants = p }
}

// WithContent stores evidence payloads in c.
func WithContent(c content.Store) Option {
	return func(a *Arbitration) { a.content = c }
}

// WithOutbox runs evidence uploads and compensation transfers through o.
func WithOutbox(o *outbox.Outbox) Option {
	return func(a *Arbitration) { a.out = o }
}

// WithLedger pays compensations ordered on disputes without escrow.
func WithLedger(l Ledger) Option {
	return func(a *Arbitration) { a.ledger = l }
}

// WithMetrics records transitions and votes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Arbitration) { a.metrics = m }
}

// New returns the arbitration service. Zero config values take the defaults.
func New(cfg config.DisputeConfig, st *store.Store, reg Registry, log zerolog.Logger, opts ...Option) *Arbitration {
	def := config.Default().Dispute
	if cfg.VotingWindow <= 0 {
		cfg.VotingWindow = def.VotingWindow
	}

	if cfg.MinNeutrality <= 0 {
		cfg.MinNeutrality = def.MinNeutrality
	}

	if cfg.MinReputation <= 0 {
		cfg.MinReputation = def.MinReputation
	}

	if cfg.SelectionThreshold <= 0 {
		cfg.SelectionThreshold = def.SelectionThreshold
	}

	a := &Arbitration{cfg: cfg, st: st, reg: reg, log: log, now: time.Now}
	for _, o := range opts {
		o(a)
	}

	return a
}

// SetNowFunc overrides the clock, for tests.
func (a *Arbitration) SetNowFunc(now func() time.Time) {
	a.now = now
}

// Weight is the arbitrator vote weight of a node: 40% reputation and 60% stake, with stake capped at 10 units.
func Weight(n *types.ConsensusNode) float64 {
	return n.Reputation*0.4 + math.Min(n.Stake/10, 1)*0.6
}

// InitiateRequest opens a dispute. Initiator is one of the involved parties; when PaymentID is set it must be the
// escrow's buyer or seller and the escrow is frozen.
type InitiateRequest struct {
	Type      types.DisputeType `json:"type"`
	Initiator string            `json:"initiator"`
	Parties   []string          `json:"parties"`
	ProductID string            `json:"productId,omitempty"`
	PaymentID string            `json:"paymentId,omitempty"`
	ChainID   string            `json:"chainId,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Evidence  []types.Evidence  `json:"evidence,omitempty"`
}

func lower(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}

	return out
}

// Initiate opens a dispute and starts the arbitrator election. Stakeholders are the involved parties, the parties
// of the referenced escrow and of the product's committed transactions that are registered nodes. Candidates are
// active nodes with the expertise the dispute type requires, neutral and reputable enough and not involved.
func (a *Arbitration) Initiate(ctx context.Context, req InitiateRequest) (*types.DisputeRecord, error) {
	expertise, ok := types.RequiredExpertise[req.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", types.ErrInvalidDispute, req.Type)
	}

	if req.Initiator == "" {
		return nil, fmt.Errorf("%w: missing initiator", types.ErrInvalidDispute)
	}

	involved := util.Unique(lower(append([]string{req.Initiator}, req.Parties...)))
	addrs := append([]string(nil), involved...)

	var escrow *types.EscrowPayment

	if req.PaymentID != "" {
		if a.escrows == nil {
			return nil, fmt.Errorf("%w: escrows not available", types.ErrInvalidDispute)
		}

		// one dispute per escrow
		unlock := a.locks.Lock("escrow/" + req.PaymentID)
		defer unlock()

		var err error
		if escrow, err = a.escrows.Get(ctx, req.PaymentID); err != nil {
			return nil, err
		}

		if escrow.DisputeID != "" || escrow.Status.Terminal() {
			return nil, fmt.Errorf("%w: escrow %s is %s", types.ErrInvalidState, escrow.PaymentID, escrow.Status)
		}

		if escrow.Status == types.EscrowLocked {
			if !strings.EqualFold(req.Initiator, escrow.BuyerAddress) && !strings.EqualFold(req.Initiator, escrow.SellerAddress) {
				return nil, fmt.Errorf("%w: %s is not buyer or seller", types.ErrUnauthorized, req.Initiator)
			}

			if a.now().After(escrow.ReleaseConditions.DisputeDeadline) {
				return nil, fmt.Errorf("%w: escrow %s", types.ErrDisputeWindowClosed, escrow.PaymentID)
			}
		}

		addrs = append(addrs, lower(escrow.Parties())...)

		if req.ChainID == "" {
			req.ChainID = escrow.ChainID
		}
	}

	if req.ProductID != "" && a.participants != nil {
		pp, err := a.participants.ProductParticipants(ctx, req.ProductID)
		if err != nil {
			return nil, err
		}

		addrs = append(addrs, lower(pp)...)
	}

	stakeholders, weights, err := a.stakeholders(ctx, util.Unique(addrs))
	if err != nil {
		return nil, err
	}

	candidates, err := a.candidates(ctx, expertise, involved)
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	d := &types.DisputeRecord{
		DisputeID:            uuid.NewString(),
		Type:                 req.Type,
		ProductID:            req.ProductID,
		PaymentID:            req.PaymentID,
		ChainID:              req.ChainID,
		InvolvedParties:      involved,
		StakeholderList:      stakeholders,
		StakeholderWeights:   weights,
		ArbitratorCandidates: candidates,
		Status:               types.DisputeInitiated,
		CreatedAt:            now,
		Deadline:             now.Add(a.cfg.VotingWindow.D()),
	}

	a.metrics.Transition(types.KindDispute, string(d.Status))

	for _, ev := range req.Evidence {
		d.Evidence = append(d.Evidence, a.evidence(ctx, d.DisputeID, ev))
	}

	if d.Status, err = d.Status.Transition(types.DisputeVotingArbitrator); err != nil {
		return nil, err
	}

	if err = a.st.InsertDispute(ctx, d); err != nil {
		return nil, err
	}

	// a locked escrow is frozen and linked in one write, so it is never left disputed without its dispute
	if escrow != nil {
		if err = a.escrows.LinkDispute(ctx, escrow.PaymentID, d.DisputeID, req.Initiator, req.Reason); err != nil {
			if ferr := a.fail(ctx, d, "escrow not linked: "+err.Error()); ferr != nil {
				a.log.Error().Err(ferr).Str("dispute", d.DisputeID).Msg("cannot fail unlinked dispute")
			}

			return nil, err
		}
	}

	a.metrics.Transition(types.KindDispute, string(d.Status))
	a.log.Info().Str("dispute", d.DisputeID).Str("type", string(d.Type)).Int("stakeholders", len(stakeholders)).
		Int("candidates", len(candidates)).Msg("dispute initiated")

	return d, nil
}

// stakeholders keeps the addresses registered as active nodes and fixes their vote weights.
func (a *Arbitration) stakeholders(ctx context.Context, addrs []string) ([]string, map[string]float64, error) {
	var list []string

	weights := map[string]float64{}

	for _, addr := range addrs {
		n, err := a.reg.GetByAddress(ctx, addr)
		if errors.Is(err, types.ErrNodeNotFound) {
			continue
		}

		if err != nil {
			return nil, nil, err
		}

		if !n.Active {
			continue
		}

		list = append(list, addr)
		weights[addr] = Weight(n)
	}

	if len(list) == 0 {
		return nil, nil, types.ErrNoEligibleStakeholders
	}

	sort.Strings(list)

	return list, weights, nil
}

func (a *Arbitration) candidates(ctx context.Context, expertise, involved []string) ([]string, error) {
	nodes, err := a.reg.Arbitrators(ctx, expertise...)
	if err != nil {
		return nil, err
	}

	var ids []string

	for _, n := range nodes {
		if n.TrustScore < a.cfg.MinNeutrality || n.Reputation < a.cfg.MinReputation {
			continue
		}

		if util.In(involved, strings.ToLower(n.Address)) {
			continue
		}

		ids = append(ids, n.NodeID)
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: expertise %v", types.ErrNoSuitableArbitrators, expertise)
	}

	return ids, nil
}

// evidence keeps ev's payload in the content store and returns it referenced by CID. The upload runs through the
// outbox when there is one; its failure is an annotation on the dispute.
func (a *Arbitration) evidence(ctx context.Context, disputeID string, ev types.Evidence) types.Evidence {
	if ev.SubmittedAt.IsZero() {
		ev.SubmittedAt = a.now().UTC()
	}

	if len(ev.Data) == 0 || a.content == nil {
		ev.Data = nil

		return ev
	}

	data := ev.Data
	ev.CID = content.CID(data)
	ev.Data = nil

	if a.out != nil {
		_, err := a.out.Enqueue(ctx, outbox.Task{
			EntityKind: types.KindDispute,
			EntityID:   disputeID,
			Action:     "content.put",
			Call:       func(ctx context.Context) (string, error) { return a.content.Put(ctx, data) },
		})
		if err != nil {
			a.log.Warn().Err(err).Str("dispute", disputeID).Msg("cannot queue evidence upload")
		}

		return ev
	}

	if _, err := a.content.Put(ctx, data); err != nil {
		a.log.Warn().Err(err).Str("dispute", disputeID).Str("cid", ev.CID).Msg("cannot store evidence")
	}

	return ev
}

// AddEvidence attaches evidence to an open dispute. Only involved parties and stakeholders may submit it.
func (a *Arbitration) AddEvidence(ctx context.Context, disputeID string, ev types.Evidence) (*types.DisputeRecord, error) {
	unlock := a.locks.Lock(disputeID)
	defer unlock()

	d, err := a.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	if d.Status.Terminal() {
		return nil, fmt.Errorf("%w: dispute %s is %s", types.ErrInvalidState, disputeID, d.Status)
	}

	by := strings.ToLower(ev.SubmittedBy)
	if !d.IsStakeholder(by) && !util.In(d.InvolvedParties, by) {
		return nil, fmt.Errorf("%w: %s", types.ErrUnauthorized, ev.SubmittedBy)
	}

	d.Evidence = append(d.Evidence, a.evidence(ctx, disputeID, ev))

	if err = a.st.SwapDispute(ctx, d, d.Status); err != nil {
		return nil, err
	}

	return d, nil
}

// Evidence returns the payload of a piece of evidence.
func (a *Arbitration) Evidence(ctx context.Context, cid string) ([]byte, error) {
	if a.content == nil {
		return nil, content.ErrNotFound
	}

	return a.content.Get(ctx, cid)
}

// VoteOutcome is the state of the election after a vote.
type VoteOutcome struct {
	Vote     *types.ArbitratorVote `json:"vote"`
	Weights  map[string]float64    `json:"weights"` // candidate -> cumulative weight
	Status   types.DisputeStatus   `json:"status"`
	Selected string                `json:"selected,omitempty"`
}

// VoteForArbitrator records a stakeholder's vote. The first candidate whose cumulative weight reaches the
// selection threshold of the total stakeholder weight becomes the arbitrator.
func (a *Arbitration) VoteForArbitrator(ctx context.Context, disputeID, stakeholder, candidateID, reasoning string) (*VoteOutcome, error) {
	unlock := a.locks.Lock(disputeID)
	defer unlock()

	d, err := a.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	if d.Status != types.DisputeVotingArbitrator {
		return nil, fmt.Errorf("%w: dispute %s is %s", types.ErrVotingClosed, disputeID, d.Status)
	}

	if a.now().After(d.Deadline) {
		if err = a.expire(ctx, d); err != nil {
			a.log.Error().Err(err).Str("dispute", disputeID).Msg("cannot close arbitrator election")
		}

		return nil, fmt.Errorf("%w: deadline of dispute %s passed", types.ErrVotingClosed, disputeID)
	}

	voter := strings.ToLower(stakeholder)
	if !d.IsStakeholder(voter) {
		return nil, fmt.Errorf("%w: %s is not a stakeholder", types.ErrUnauthorized, stakeholder)
	}

	if !d.IsCandidate(candidateID) {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidCandidate, candidateID)
	}

	v := &types.ArbitratorVote{
		VoteID:        uuid.NewString(),
		DisputeID:     disputeID,
		StakeholderID: voter,
		CandidateID:   candidateID,
		VoteWeight:    d.StakeholderWeights[voter],
		Reasoning:     reasoning,
		Timestamp:     a.now().UTC(),
	}

	if err = a.st.InsertArbitratorVote(ctx, v); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s on %s", types.ErrAlreadyVoted, stakeholder, disputeID)
		}

		return nil, err
	}

	a.metrics.Vote("arbitrator", candidateID)

	weights, err := a.weights(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	res := &VoteOutcome{Vote: v, Weights: weights, Status: d.Status}

	leader, w := lead(weights)
	if leader == "" || w < d.TotalWeight()*a.cfg.SelectionThreshold-1e-9 {
		return res, nil
	}

	if err = a.selectArbitrator(ctx, d, leader); err != nil {
		return nil, err
	}

	res.Status, res.Selected = d.Status, d.SelectedArbitrator

	return res, nil
}

func (a *Arbitration) weights(ctx context.Context, disputeID string) (map[string]float64, error) {
	votes, err := a.st.ArbitratorVotes(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	w := map[string]float64{}
	for _, v := range votes {
		w[v.CandidateID] += v.VoteWeight
	}

	return w, nil
}

// lead returns the candidate with the highest weight, the smallest id on ties.
func lead(weights map[string]float64) (string, float64) {
	var (
		best string
		top  float64
	)

	for c, w := range weights {
		if best == "" || w > top || (w == top && c < best) {
			best, top = c, w
		}
	}

	return best, top
}

// selectArbitrator closes the election. The caller holds the dispute lock.
func (a *Arbitration) selectArbitrator(ctx context.Context, d *types.DisputeRecord, candidate string) error {
	next, err := d.Status.Transition(types.DisputeArbitratorSelected)
	if err != nil {
		return err
	}

	old := d.Status
	d.Status, d.SelectedArbitrator = next, candidate

	if err = a.st.SwapDispute(ctx, d, old); err != nil {
		return err
	}

	a.metrics.Transition(types.KindDispute, string(d.Status))
	a.log.Info().Str("dispute", d.DisputeID).Str("arbitrator", candidate).Msg("arbitrator selected")

	return nil
}

// expire closes an election past its deadline: the plurality candidate is selected, or the dispute fails when
// nobody voted. The caller holds the dispute lock.
func (a *Arbitration) expire(ctx context.Context, d *types.DisputeRecord) error {
	weights, err := a.weights(ctx, d.DisputeID)
	if err != nil {
		return err
	}

	if leader, _ := lead(weights); leader != "" {
		return a.selectArbitrator(ctx, d, leader)
	}

	return a.fail(ctx, d, "no arbitrator votes before the deadline")
}

// ExpireVoting closes every election past its deadline and returns how many it closed.
func (a *Arbitration) ExpireVoting(ctx context.Context) (int, error) {
	open, err := a.List(ctx, types.DisputeVotingArbitrator, "")
	if err != nil {
		return 0, err
	}

	now := a.now()
	n := 0

	var errs []error

	for _, d := range open {
		if !now.After(d.Deadline) {
			continue
		}

		ok, err := a.expireOne(ctx, d.DisputeID)
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

func (a *Arbitration) expireOne(ctx context.Context, disputeID string) (bool, error) {
	unlock := a.locks.Lock(disputeID)
	defer unlock()

	d, err := a.Get(ctx, disputeID)
	if err != nil || d.Status != types.DisputeVotingArbitrator {
		return false, err
	}

	return true, a.expire(ctx, d)
}

// fail moves the dispute to Failed. The caller holds the dispute lock.
func (a *Arbitration) fail(ctx context.Context, d *types.DisputeRecord, reason string) error {
	old := d.Status

	next, err := old.Transition(types.DisputeFailed)
	if err != nil {
		return err
	}

	now := a.now().UTC()
	d.Status, d.FailureReason, d.ResolvedAt = next, reason, &now

	if err = a.st.SwapDispute(ctx, d, old); err != nil {
		return err
	}

	a.metrics.Transition(types.KindDispute, string(d.Status))
	a.log.Warn().Str("dispute", d.DisputeID).Str("reason", reason).Msg("dispute failed")

	return nil
}

// arbitrator checks the caller is the selected arbitrator.
func (a *Arbitration) arbitrator(ctx context.Context, d *types.DisputeRecord, caller string) error {
	n, err := a.reg.GetByAddress(ctx, caller)
	if errors.Is(err, types.ErrNodeNotFound) || (err == nil && n.NodeID != d.SelectedArbitrator) {
		return fmt.Errorf("%w: %s is not the arbitrator of %s", types.ErrUnauthorized, caller, d.DisputeID)
	}

	return err
}

// BeginReview lets the selected arbitrator take the dispute under review.
func (a *Arbitration) BeginReview(ctx context.Context, disputeID, arbitrator string) (*types.DisputeRecord, error) {
	unlock := a.locks.Lock(disputeID)
	defer unlock()

	d, err := a.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	if d.Status != types.DisputeArbitratorSelected {
		return nil, fmt.Errorf("%w: dispute %s is %s", types.ErrInvalidState, disputeID, d.Status)
	}

	if err = a.arbitrator(ctx, d, arbitrator); err != nil {
		return nil, err
	}

	if d.Status, err = d.Status.Transition(types.DisputeUnderReview); err != nil {
		return nil, err
	}

	if err = a.st.SwapDispute(ctx, d, types.DisputeArbitratorSelected); err != nil {
		return nil, err
	}

	a.metrics.Transition(types.KindDispute, string(d.Status))
	a.log.Info().Str("dispute", disputeID).Msg("dispute under review")

	return d, nil
}

// ResolutionRequest is the arbitrator's ruling.
type ResolutionRequest struct {
	Decision     types.Decision      `json:"decision"`
	Compensation *types.Compensation `json:"compensation,omitempty"`
	Notes        string              `json:"notes,omitempty"`
}

// SubmitResolution records the arbitrator's ruling and executes it: the frozen escrow is refunded to the buyer or
// released to the seller, and the compensation, if any, is paid. When execution fails the dispute moves to Failed
// and ErrResolutionFailed is returned.
func (a *Arbitration) SubmitResolution(ctx context.Context, disputeID, arbitrator string, req ResolutionRequest) (*types.DisputeRecord, error) {
	unlock := a.locks.Lock(disputeID)
	defer unlock()

	d, err := a.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	if d.Status != types.DisputeUnderReview {
		return nil, fmt.Errorf("%w: dispute %s is %s", types.ErrInvalidState, disputeID, d.Status)
	}

	if err = a.arbitrator(ctx, d, arbitrator); err != nil {
		return nil, err
	}

	if err = a.validate(ctx, d, req); err != nil {
		return nil, err
	}

	if err = a.execute(ctx, d, req); err != nil {
		if ferr := a.fail(ctx, d, err.Error()); ferr != nil {
			a.log.Error().Err(ferr).Str("dispute", disputeID).Msg("cannot record failed resolution")
		}

		return d, fmt.Errorf("%w: %v", types.ErrResolutionFailed, err)
	}

	now := a.now().UTC()
	d.Status = types.DisputeResolved
	d.ResolvedAt = &now
	d.ResolutionOutcome = &types.Resolution{
		Decision:     req.Decision,
		Compensation: req.Compensation,
		Arbitrator:   d.SelectedArbitrator,
		Notes:        req.Notes,
	}

	if err = a.st.SwapDispute(ctx, d, types.DisputeUnderReview); err != nil {
		return nil, err
	}

	a.metrics.Transition(types.KindDispute, string(d.Status))
	a.log.Info().Str("dispute", disputeID).Str("decision", string(req.Decision)).Msg("dispute resolved")

	return d, nil
}

// validate rejects malformed rulings before anything is executed, leaving the dispute under review.
func (a *Arbitration) validate(ctx context.Context, d *types.DisputeRecord, req ResolutionRequest) error {
	if !req.Decision.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidDecision, req.Decision)
	}

	c := req.Compensation
	if c == nil {
		return nil
	}

	if c.Amount == nil || c.Amount.Sign() <= 0 || !common.IsHexAddress(c.Recipient) {
		return fmt.Errorf("%w: bad compensation", types.ErrInvalidDecision)
	}

	if d.PaymentID == "" {
		return nil
	}

	e, err := a.escrows.Get(ctx, d.PaymentID)
	if err != nil {
		return err
	}

	limit := e.TotalAmount
	if req.Decision == types.FavorSeller {
		limit = e.ManufacturerAmount
	}

	if c.Amount.Cmp(limit) > 0 {
		return fmt.Errorf("%w: compensation %s exceeds %s", types.ErrInvalidDecision, c.Amount, limit)
	}

	return nil
}

// execute settles the escrow and pays the compensation. The dispute lock is held; the escrow takes its own.
func (a *Arbitration) execute(ctx context.Context, d *types.DisputeRecord, req ResolutionRequest) error {
	if d.PaymentID != "" {
		_, err := a.escrows.ResolveDispute(ctx, d.PaymentID, req.Decision == types.FavorBuyer, req.Compensation)

		return err
	}

	c := req.Compensation
	if c == nil {
		return nil
	}

	if a.out == nil || a.ledger == nil {
		return errors.New("no ledger to pay compensation")
	}

	amount := new(big.Int).Set(c.Amount)

	_, err := a.out.Enqueue(ctx, outbox.Task{
		EntityKind:   types.KindDispute,
		EntityID:     d.DisputeID,
		Net:          d.ChainID,
		Action:       "ledger.compensation",
		AwaitReceipt: true,
		Call: func(ctx context.Context) (string, error) {
			rcpt, err := a.ledger.Submit(ctx, d.ChainID, btypes.Payload{To: c.Recipient, Amount: amount})

			return rcpt.TxHash, err
		},
	})

	return err
}

// Get returns a dispute.
func (a *Arbitration) Get(ctx context.Context, disputeID string) (*types.DisputeRecord, error) {
	d, err := a.st.Dispute(ctx, disputeID)

	return d, store.Wrap(err, types.ErrDisputeNotFound, disputeID)
}

// List returns the disputes in status where party is a stakeholder. Empty arguments match everything.
func (a *Arbitration) List(ctx context.Context, status types.DisputeStatus, party string) ([]*types.DisputeRecord, error) {
	return a.st.Disputes(ctx, store.Filter{Status: string(status), Party: party})
}

// Votes returns the arbitrator votes of a dispute.
func (a *Arbitration) Votes(ctx context.Context, disputeID string) ([]*types.ArbitratorVote, error) {
	return a.st.ArbitratorVotes(ctx, disputeID)
}
