package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tarancss/scc/lib/types"
)

// kinds of the unique indexes kept next to nodes and escrows
const (
	kindNodeAddress    = "node_address"
	kindEscrowPurchase = "escrow_purchase"
)

// Node record statuses.
const (
	NodeActive   = "active"
	NodeInactive = "inactive"
)

// Store maps the core entities onto a document backend.
type Store struct {
	db DB
}

// New returns a Store over db.
func New(db DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying backend.
func (s *Store) DB() DB {
	return s.db
}

func get[T any](ctx context.Context, db DB, kind, id string) (*T, error) {
	rec, err := db.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	return decode[T](rec)
}

func list[T any](ctx context.Context, db DB, kind string, f Filter) ([]*T, error) {
	recs, err := db.List(ctx, kind, f)
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(recs))

	for _, rec := range recs {
		v, err := decode[T](rec)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}

// release removes a unique index record whose entity could not be stored and returns cause.
func (s *Store) release(ctx context.Context, idx Record, cause error) error {
	if err := s.db.Delete(ctx, idx.Kind, idx.ID); err != nil {
		return fmt.Errorf("%w (index %s %s not released: %v)", cause, idx.Kind, idx.ID, err)
	}

	return cause
}

// nodes

func nodeRecord(n *types.ConsensusNode) (Record, error) {
	status := NodeInactive
	if n.Active {
		status = NodeActive
	}

	return encode(types.KindNode, n.NodeID, status, "", []string{strings.ToLower(n.Address)}, n)
}

// InsertNode stores a new node. It fails with ErrDuplicate if the address is already registered.
func (s *Store) InsertNode(ctx context.Context, n *types.ConsensusNode) error {
	idx := Record{Kind: kindNodeAddress, ID: strings.ToLower(n.Address), Ref: n.NodeID}
	if err := s.db.Insert(ctx, idx); err != nil {
		return err
	}

	rec, err := nodeRecord(n)
	if err == nil {
		err = s.db.Insert(ctx, rec)
	}

	if err != nil {
		return s.release(ctx, idx, err)
	}

	return nil
}

// PutNode replaces a node.
func (s *Store) PutNode(ctx context.Context, n *types.ConsensusNode) error {
	rec, err := nodeRecord(n)
	if err != nil {
		return err
	}

	return s.db.Put(ctx, rec)
}

// Node returns the node with the given id.
func (s *Store) Node(ctx context.Context, id string) (*types.ConsensusNode, error) {
	return get[types.ConsensusNode](ctx, s.db, types.KindNode, id)
}

// NodeByAddress returns the node registered with the given address.
func (s *Store) NodeByAddress(ctx context.Context, address string) (*types.ConsensusNode, error) {
	idx, err := s.db.Get(ctx, kindNodeAddress, strings.ToLower(address))
	if err != nil {
		return nil, err
	}

	return s.Node(ctx, idx.Ref)
}

// Nodes returns the nodes matching the filter.
func (s *Store) Nodes(ctx context.Context, f Filter) ([]*types.ConsensusNode, error) {
	return list[types.ConsensusNode](ctx, s.db, types.KindNode, f)
}

// batches

func batchRecord(b *types.Batch) (Record, error) {
	return encode(types.KindBatch, b.BatchID, string(b.Status), "", append([]string{b.ProposerID}, b.SelectedValidators...), b)
}

// InsertBatch stores a new batch.
func (s *Store) InsertBatch(ctx context.Context, b *types.Batch) error {
	rec, err := batchRecord(b)
	if err != nil {
		return err
	}

	return s.db.Insert(ctx, rec)
}

// SwapBatch replaces the batch if it is still in status old.
func (s *Store) SwapBatch(ctx context.Context, b *types.Batch, old types.BatchStatus) error {
	rec, err := batchRecord(b)
	if err != nil {
		return err
	}

	return s.db.Swap(ctx, rec, string(old))
}

// Batch returns the batch with the given id.
func (s *Store) Batch(ctx context.Context, id string) (*types.Batch, error) {
	return get[types.Batch](ctx, s.db, types.KindBatch, id)
}

// Batches returns the batches in the given status, or all of them if status is empty.
func (s *Store) Batches(ctx context.Context, status types.BatchStatus) ([]*types.Batch, error) {
	return list[types.Batch](ctx, s.db, types.KindBatch, Filter{Status: string(status)})
}

// votes

// InsertVote stores a validation vote. A second vote of the same validator on the same batch fails with
// ErrDuplicate.
func (s *Store) InsertVote(ctx context.Context, v *types.ValidationVote) error {
	rec, err := encode(types.KindVote, types.VoteKey(v.BatchID, v.ValidatorID), "", v.BatchID, []string{v.ValidatorID}, v)
	if err != nil {
		return err
	}

	return s.db.Insert(ctx, rec)
}

// Votes returns the votes cast on a batch.
func (s *Store) Votes(ctx context.Context, batchID string) ([]*types.ValidationVote, error) {
	return list[types.ValidationVote](ctx, s.db, types.KindVote, Filter{Ref: batchID})
}

// results

func resultRecord(r *types.ConsensusResult) (Record, error) {
	return encode(types.KindResult, r.BatchID, r.SettlementStatus(), r.BatchID, nil, r)
}

// InsertResult stores the single result of a batch, ErrDuplicate if one exists.
func (s *Store) InsertResult(ctx context.Context, r *types.ConsensusResult) error {
	rec, err := resultRecord(r)
	if err != nil {
		return err
	}

	return s.db.Insert(ctx, rec)
}

// SwapResult replaces a result if its settlement status is still old.
func (s *Store) SwapResult(ctx context.Context, r *types.ConsensusResult, old string) error {
	rec, err := resultRecord(r)
	if err != nil {
		return err
	}

	return s.db.Swap(ctx, rec, old)
}

// Result returns the result of a batch.
func (s *Store) Result(ctx context.Context, batchID string) (*types.ConsensusResult, error) {
	return get[types.ConsensusResult](ctx, s.db, types.KindResult, batchID)
}

// PendingResults returns the results whose settlement was not applied yet.
func (s *Store) PendingResults(ctx context.Context) ([]*types.ConsensusResult, error) {
	return list[types.ConsensusResult](ctx, s.db, types.KindResult, Filter{Status: types.SettlementPending})
}

// escrows

func escrowRecord(e *types.EscrowPayment) (Record, error) {
	parties := make([]string, 0, len(e.TransporterAmounts)+2)
	for _, p := range e.Parties() {
		parties = append(parties, strings.ToLower(p))
	}

	return encode(types.KindEscrow, e.PaymentID, string(e.Status), e.PurchaseRequestID, parties, e)
}

// InsertEscrow stores a new escrow. It fails with ErrDuplicate if the purchase already has one.
func (s *Store) InsertEscrow(ctx context.Context, e *types.EscrowPayment) error {
	idx := Record{Kind: kindEscrowPurchase, ID: e.PurchaseRequestID, Ref: e.PaymentID}
	if err := s.db.Insert(ctx, idx); err != nil {
		return err
	}

	rec, err := escrowRecord(e)
	if err == nil {
		err = s.db.Insert(ctx, rec)
	}

	if err != nil {
		return s.release(ctx, idx, err)
	}

	return nil
}

// SwapEscrow replaces the escrow if it is still in status old.
func (s *Store) SwapEscrow(ctx context.Context, e *types.EscrowPayment, old types.EscrowStatus) error {
	rec, err := escrowRecord(e)
	if err != nil {
		return err
	}

	return s.db.Swap(ctx, rec, string(old))
}

// Escrow returns the escrow with the given id.
func (s *Store) Escrow(ctx context.Context, id string) (*types.EscrowPayment, error) {
	return get[types.EscrowPayment](ctx, s.db, types.KindEscrow, id)
}

// Escrows returns the escrows matching the filter. Party matches buyer, seller and transporter addresses.
func (s *Store) Escrows(ctx context.Context, f Filter) ([]*types.EscrowPayment, error) {
	f.Party = strings.ToLower(f.Party)

	return list[types.EscrowPayment](ctx, s.db, types.KindEscrow, f)
}

// disputes

func disputeRecord(d *types.DisputeRecord) (Record, error) {
	parties := make([]string, 0, len(d.StakeholderList))
	for _, p := range d.StakeholderList {
		parties = append(parties, strings.ToLower(p))
	}

	return encode(types.KindDispute, d.DisputeID, string(d.Status), d.PaymentID, parties, d)
}

// InsertDispute stores a new dispute.
func (s *Store) InsertDispute(ctx context.Context, d *types.DisputeRecord) error {
	rec, err := disputeRecord(d)
	if err != nil {
		return err
	}

	return s.db.Insert(ctx, rec)
}

// SwapDispute replaces the dispute if it is still in status old.
func (s *Store) SwapDispute(ctx context.Context, d *types.DisputeRecord, old types.DisputeStatus) error {
	rec, err := disputeRecord(d)
	if err != nil {
		return err
	}

	return s.db.Swap(ctx, rec, string(old))
}

// Dispute returns the dispute with the given id.
func (s *Store) Dispute(ctx context.Context, id string) (*types.DisputeRecord, error) {
	return get[types.DisputeRecord](ctx, s.db, types.KindDispute, id)
}

// Disputes returns the disputes matching the filter.
func (s *Store) Disputes(ctx context.Context, f Filter) ([]*types.DisputeRecord, error) {
	f.Party = strings.ToLower(f.Party)

	return list[types.DisputeRecord](ctx, s.db, types.KindDispute, f)
}

// InsertArbitratorVote stores a stakeholder's vote. A second vote of the same stakeholder fails with ErrDuplicate.
func (s *Store) InsertArbitratorVote(ctx context.Context, v *types.ArbitratorVote) error {
	id := v.DisputeID + "/" + strings.ToLower(v.StakeholderID)

	rec, err := encode(types.KindArbitratorVote, id, "", v.DisputeID, []string{v.CandidateID}, v)
	if err != nil {
		return err
	}

	return s.db.Insert(ctx, rec)
}

// ArbitratorVotes returns the votes cast on a dispute.
func (s *Store) ArbitratorVotes(ctx context.Context, disputeID string) ([]*types.ArbitratorVote, error) {
	return list[types.ArbitratorVote](ctx, s.db, types.KindArbitratorVote, Filter{Ref: disputeID})
}

// annotations

// PutAnnotation inserts or replaces an annotation.
func (s *Store) PutAnnotation(ctx context.Context, a *types.Annotation) error {
	rec, err := encode(types.KindAnnotation, a.ID, string(a.Status), a.EntityID, []string{a.Net, a.EntityKind}, a)
	if err != nil {
		return err
	}

	return s.db.Put(ctx, rec)
}

// Annotations returns annotations matching the filter. Ref is the annotated entity id, Party may be a network
// name or an entity kind.
func (s *Store) Annotations(ctx context.Context, f Filter) ([]*types.Annotation, error) {
	return list[types.Annotation](ctx, s.db, types.KindAnnotation, f)
}

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Wrap converts a not found error to the entity specific kind given.
func Wrap(err, notFound error, id string) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", notFound, id)
	}

	return err
}
