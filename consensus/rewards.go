package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/lib/types"
)

// Reputation and trust deltas applied on settlement.
const (
	reputationReward  = 0.01
	reputationPenalty = 0.05
	trustPenalty      = 0.02
)

// adjustment returns what a vote earns on a batch with the given outcome. On a committed batch every voter is
// rewarded whatever its vote; on a rejected one approve voters are penalized and reject voters get half the reward.
func (e *Engine) adjustment(outcome types.Outcome, approve bool) types.Adjustment {
	switch {
	case outcome == types.OutcomeCommitted:
		return types.Adjustment{Stake: e.cfg.Reward, Reputation: reputationReward}
	case approve:
		return types.Adjustment{Stake: -e.cfg.FalseVotePenalty, Reputation: -reputationPenalty, Trust: -trustPenalty}
	default:
		return types.Adjustment{Stake: e.cfg.Reward / 2}
	}
}

// Settle applies the rewards and penalties of a finalized batch to its voters. Settling a batch twice is a no-op.
func (e *Engine) Settle(ctx context.Context, batchID string) (*types.ConsensusResult, error) {
	unlock := e.locks.Lock(batchID)
	defer unlock()

	return e.settle(ctx, batchID)
}

// settle claims the settlement by flipping the result's flag with a compare-and-swap before touching any node, so
// concurrent or repeated settlements apply the adjustments once.
func (e *Engine) settle(ctx context.Context, batchID string) (*types.ConsensusResult, error) {
	r, err := e.Result(ctx, batchID)
	if err != nil {
		return nil, err
	}

	if r.Settled() {
		return r, nil
	}

	votes, err := e.st.Votes(ctx, batchID)
	if err != nil {
		return nil, err
	}

	old := r.SettlementStatus()
	if r.Result == types.OutcomeCommitted {
		r.RewardsDistributed = true
	} else {
		r.PenaltiesApplied = true
	}

	if err = e.st.SwapResult(ctx, r, old); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return e.Result(ctx, batchID)
		}

		return nil, err
	}

	var errs []error

	for _, v := range votes {
		if _, err = e.reg.ApplyAdjustment(ctx, v.ValidatorID, e.adjustment(r.Result, v.Vote)); err != nil {
			errs = append(errs, fmt.Errorf("adjusting %s: %w", v.ValidatorID, err))
		}
	}

	e.metrics.Settlement(string(r.Result))
	e.log.Info().Str("batch", batchID).Str("result", string(r.Result)).Int("voters", len(votes)).Msg("batch settled")

	if len(errs) > 0 {
		e.log.Warn().Err(errors.Join(errs...)).Str("batch", batchID).Msg("settlement partially applied")
	}

	return r, nil
}

// SettlePending settles every finalized batch whose settlement did not complete. It returns how many it settled.
func (e *Engine) SettlePending(ctx context.Context) (int, error) {
	pending, err := e.st.PendingResults(ctx)
	if err != nil {
		return 0, err
	}

	n := 0

	var errs []error

	for _, r := range pending {
		if _, err = e.Settle(ctx, r.BatchID); err != nil {
			errs = append(errs, err)

			continue
		}

		n++
	}

	return n, errors.Join(errs...)
}
