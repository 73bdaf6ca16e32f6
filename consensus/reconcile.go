package consensus

import (
	"context"
	"errors"

	"github.com/tarancss/scc/lib/types"
)

// missedVotePenalty is the reputation a selected validator loses for not voting on a flagged batch.
const missedVotePenalty = 0.01

// Report is the outcome of re-verifying a flagged batch.
type Report struct {
	BatchID string `json:"batchId"`
	// HashValid is false when the stored hash does not match the stored transactions.
	HashValid bool `json:"hashValid"`
	// ForeignVotes are votes cast by validators outside the selection.
	ForeignVotes []string `json:"foreignVotes,omitempty"`
	// Missing are selected validators that never voted.
	Missing []string `json:"missing,omitempty"`
}

// Reconcile re-verifies every flagged batch still needing reconciliation: it recomputes the batch hash, checks
// every vote came from a selected validator and penalizes the validators that never voted. Each batch is
// reconciled once.
func (e *Engine) Reconcile(ctx context.Context) ([]Report, error) {
	batches, err := e.st.Batches(ctx, types.BatchFlagged)
	if err != nil {
		return nil, err
	}

	var (
		reports []Report
		errs    []error
	)

	for _, b := range batches {
		rep, ok, err := e.reconcile(ctx, b.BatchID)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if ok {
			reports = append(reports, rep)
		}
	}

	return reports, errors.Join(errs...)
}

func (e *Engine) reconcile(ctx context.Context, batchID string) (Report, bool, error) {
	unlock := e.locks.Lock(batchID)
	defer unlock()

	r, err := e.Result(ctx, batchID)
	if err != nil || !r.ReconciliationNeeded {
		return Report{}, false, err
	}

	b, err := e.GetBatch(ctx, batchID)
	if err != nil {
		return Report{}, false, err
	}

	votes, err := e.st.Votes(ctx, batchID)
	if err != nil {
		return Report{}, false, err
	}

	rep := Report{BatchID: batchID, HashValid: BatchHash(b.Transactions) == b.BatchHash}
	voted := make(map[string]bool, len(votes))

	for _, v := range votes {
		voted[v.ValidatorID] = true

		if !b.IsSelected(v.ValidatorID) {
			rep.ForeignVotes = append(rep.ForeignVotes, v.ValidatorID)
		}
	}

	for _, id := range b.SelectedValidators {
		if !voted[id] {
			rep.Missing = append(rep.Missing, id)
		}
	}

	r.ReconciliationNeeded = false
	if err = e.st.SwapResult(ctx, r, r.SettlementStatus()); err != nil {
		return Report{}, false, err
	}

	for _, id := range rep.Missing {
		if _, err = e.reg.ApplyAdjustment(ctx, id, types.Adjustment{Reputation: -missedVotePenalty}); err != nil {
			e.log.Warn().Err(err).Str("batch", batchID).Str("node", id).Msg("cannot penalize missing validator")
		}
	}

	l := e.log.Info()
	if !rep.HashValid || len(rep.ForeignVotes) > 0 {
		l = e.log.Warn()
	}

	l.Str("batch", batchID).Bool("hashValid", rep.HashValid).Strs("foreign", rep.ForeignVotes).
		Strs("missing", rep.Missing).Msg("batch reconciled")

	return rep, true, nil
}
