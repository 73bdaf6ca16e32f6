package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/lib/store/memory"
	"github.com/tarancss/scc/lib/types"
)

var errWrite = errors.New("write failed")

// flakyDB fails entity inserts of one kind while failing is set.
type flakyDB struct {
	*memory.Memory
	kind    string
	failing bool
}

func (f *flakyDB) Insert(ctx context.Context, rec store.Record) error {
	if f.failing && rec.Kind == f.kind {
		return errWrite
	}

	return f.Memory.Insert(ctx, rec)
}

func TestInsertNodeReleasesAddress(t *testing.T) {
	ctx := context.Background()
	db := &flakyDB{Memory: memory.New(), kind: types.KindNode, failing: true}
	s := store.New(db)

	n := &types.ConsensusNode{NodeID: "n-1", Address: "0xABC", Active: true}
	require.ErrorIs(t, s.InsertNode(ctx, n), errWrite)

	_, err := s.NodeByAddress(ctx, "0xabc")
	require.True(t, store.IsNotFound(err), "got %v", err)

	db.failing = false
	require.NoError(t, s.InsertNode(ctx, n))

	got, err := s.NodeByAddress(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, "n-1", got.NodeID)

	require.ErrorIs(t, s.InsertNode(ctx, &types.ConsensusNode{NodeID: "n-2", Address: "0xabc"}), store.ErrDuplicate)
}

func TestInsertEscrowReleasesPurchase(t *testing.T) {
	ctx := context.Background()
	db := &flakyDB{Memory: memory.New(), kind: types.KindEscrow, failing: true}
	s := store.New(db)

	e := &types.EscrowPayment{PaymentID: "p-1", PurchaseRequestID: "pr-1", Status: types.EscrowLocked}
	require.ErrorIs(t, s.InsertEscrow(ctx, e), errWrite)

	_, err := s.Escrow(ctx, "p-1")
	require.True(t, store.IsNotFound(err), "got %v", err)

	db.failing = false
	require.NoError(t, s.InsertEscrow(ctx, e))

	dup := &types.EscrowPayment{PaymentID: "p-2", PurchaseRequestID: "pr-1", Status: types.EscrowLocked}
	require.ErrorIs(t, s.InsertEscrow(ctx, dup), store.ErrDuplicate)
}
