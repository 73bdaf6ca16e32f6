package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/tarancss/scc/lib/types"
)

// BatchHash returns the keccak256 hash of the transaction ids, sorted and separated by a zero byte. The order in
// which transactions are supplied does not change the hash.
func BatchHash(txs []types.Transaction) string {
	ids := make([]string, len(txs))
	for i := range txs {
		ids[i] = txs[i].TxID
	}

	sort.Strings(ids)

	return hexutil.Encode(crypto.Keccak256([]byte(strings.Join(ids, "\x00"))))
}

// ProposeBatch groups the transactions proposed by an active Secondary node into a new batch in status Proposed.
// Transactions are stored sorted by id.
func (e *Engine) ProposeBatch(ctx context.Context, proposer string, txs []types.Transaction, nftRefs []string) (*types.Batch, error) {
	node, err := e.reg.GetByAddress(ctx, proposer)
	if err != nil {
		if errors.Is(err, types.ErrNodeNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrUnauthorizedProposer, proposer)
		}

		return nil, err
	}

	if !node.IsProposer() {
		return nil, fmt.Errorf("%w: %s", types.ErrUnauthorizedProposer, proposer)
	}

	switch {
	case len(txs) == 0:
		return nil, types.ErrEmptyBatch
	case len(txs) > e.cfg.MaxBatchSize:
		return nil, fmt.Errorf("%w: %d > %d", types.ErrBatchTooLarge, len(txs), e.cfg.MaxBatchSize)
	}

	sorted := make([]types.Transaction, len(txs))
	copy(sorted, txs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TxID < sorted[j].TxID })

	for i := range sorted {
		if err = sorted[i].Validate(); err != nil {
			return nil, err
		}

		if i > 0 && sorted[i].TxID == sorted[i-1].TxID {
			return nil, fmt.Errorf("%w: repeated txId %s", types.ErrInvalidTransaction, sorted[i].TxID)
		}

		if sorted[i].ChainID == "" {
			sorted[i].ChainID = node.ChainID
		}
	}

	now := e.now().UTC()
	b := &types.Batch{
		BatchID:            uuid.NewString(),
		ProposerID:         node.NodeID,
		ChainID:            node.ChainID,
		Transactions:       sorted,
		NFTReferences:      nftRefs,
		BatchHash:          BatchHash(sorted),
		CreatedAt:          now,
		ValidationDeadline: now.Add(e.cfg.BatchTimeout.D()),
		Status:             types.BatchProposed,
	}

	if err = e.st.InsertBatch(ctx, b); err != nil {
		return nil, err
	}

	if err = e.reg.Touch(ctx, node.NodeID); err != nil {
		e.log.Warn().Err(err).Str("node", node.NodeID).Msg("cannot record proposer activity")
	}

	e.metrics.Transition(types.KindBatch, string(b.Status))
	e.log.Info().Str("batch", b.BatchID).Str("proposer", node.NodeID).Int("txs", len(sorted)).
		Str("hash", b.BatchHash).Msg("batch proposed")

	return b, nil
}
