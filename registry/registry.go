// Package registry implements the node registry: the set of nodes taking part in batch validation, batch proposal
// and arbitration, with their stake, trust and reputation. Nodes are never deleted, only deactivated.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tarancss/scc/lib/config"
	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/lib/types"
	"github.com/tarancss/scc/lib/util"
)

// default trust and reputation of a new node
const defaultScore = 0.5

// NodeSpec is the registration request of a node. A missing trust score or reputation defaults to 0.5, an explicit
// zero is kept.
type NodeSpec struct {
	Address    string         `json:"address"`
	Type       types.NodeType `json:"type"`
	Role       types.Role     `json:"role"`
	Expertise  []string       `json:"expertise,omitempty"`
	Stake      float64        `json:"stake"`
	TrustScore *float64       `json:"trustScore,omitempty"`
	Reputation *float64       `json:"reputation,omitempty"`
	ChainID    string         `json:"chainId"`
}

// Score returns a pointer to v, for NodeSpec scores.
func Score(v float64) *float64 {
	return &v
}

func scoreOr(v *float64) float64 {
	if v == nil {
		return defaultScore
	}

	return *v
}

// Registry owns the node records.
type Registry struct {
	st    *store.Store
	locks util.Locks
	log   zerolog.Logger
	now   func() time.Time
}

// New returns a registry over st.
func New(st *store.Store, log zerolog.Logger) *Registry {
	return &Registry{st: st, log: log, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.now = now
}

// RegisterNode validates and stores a new active node, returning its id.
func (r *Registry) RegisterNode(ctx context.Context, spec NodeSpec) (string, error) {
	if !common.IsHexAddress(spec.Address) {
		return "", fmt.Errorf("%w: bad address %q", types.ErrInvalidNode, spec.Address)
	}

	now := r.now().UTC()
	n := &types.ConsensusNode{
		NodeID:           uuid.NewString(),
		Address:          spec.Address,
		Type:             types.NodeType(strings.ToLower(string(spec.Type))),
		Role:             types.Role(strings.ToLower(string(spec.Role))),
		Expertise:        util.Unique(spec.Expertise),
		Stake:            spec.Stake,
		TrustScore:       scoreOr(spec.TrustScore),
		Reputation:       scoreOr(spec.Reputation),
		ChainID:          spec.ChainID,
		Active:           true,
		LastActivityTime: now,
		RegisteredAt:     now,
	}

	if err := n.Validate(); err != nil {
		return "", err
	}

	if err := r.st.InsertNode(ctx, n); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return "", fmt.Errorf("%w: %s", types.ErrDuplicateAddress, spec.Address)
		}

		return "", err
	}

	r.log.Info().Str("node", n.NodeID).Str("address", n.Address).Str("type", string(n.Type)).
		Str("role", string(n.Role)).Msg("node registered")

	return n.NodeID, nil
}

// Seed registers the configured nodes, skipping addresses already present. It returns how many were added.
func (r *Registry) Seed(ctx context.Context, nodes []config.NodeConfig) (int, error) {
	added := 0

	for _, nc := range nodes {
		_, err := r.RegisterNode(ctx, NodeSpec{
			Address:    nc.Address,
			Type:       types.NodeType(nc.Type),
			Role:       types.Role(nc.Role),
			Expertise:  nc.Expertise,
			Stake:      nc.Stake,
			TrustScore: nc.TrustScore,
			Reputation: nc.Reputation,
			ChainID:    nc.ChainID,
		})

		switch {
		case errors.Is(err, types.ErrDuplicateAddress):
			continue
		case err != nil:
			return added, fmt.Errorf("seeding %s: %w", nc.Address, err)
		}

		added++
	}

	return added, nil
}

// GetNode returns the node with the given id.
func (r *Registry) GetNode(ctx context.Context, nodeID string) (*types.ConsensusNode, error) {
	n, err := r.st.Node(ctx, nodeID)

	return n, store.Wrap(err, types.ErrNodeNotFound, nodeID)
}

// GetByAddress returns the node registered with address.
func (r *Registry) GetByAddress(ctx context.Context, address string) (*types.ConsensusNode, error) {
	n, err := r.st.NodeByAddress(ctx, address)

	return n, store.Wrap(err, types.ErrNodeNotFound, address)
}

// ListNodes returns every node, active or not, ordered by id.
func (r *Registry) ListNodes(ctx context.Context) ([]*types.ConsensusNode, error) {
	return r.st.Nodes(ctx, store.Filter{})
}

// GetActiveValidators returns the active Primary nodes ordered by id. When role is set only nodes of that role are
// returned; when expertise is given only nodes declaring at least one of the areas.
func (r *Registry) GetActiveValidators(ctx context.Context, role types.Role, expertise ...string) ([]*types.ConsensusNode, error) {
	nodes, err := r.st.Nodes(ctx, store.Filter{Status: store.NodeActive})
	if err != nil {
		return nil, err
	}

	out := nodes[:0]

	for _, n := range nodes {
		if !n.IsValidator() {
			continue
		}

		if role != "" && n.Role != role {
			continue
		}

		if len(expertise) > 0 && !n.HasExpertise(expertise...) {
			continue
		}

		out = append(out, n)
	}

	return out, nil
}

// Arbitrators returns the active nodes of any type declaring at least one of the expertise areas, ordered by id.
func (r *Registry) Arbitrators(ctx context.Context, expertise ...string) ([]*types.ConsensusNode, error) {
	nodes, err := r.st.Nodes(ctx, store.Filter{Status: store.NodeActive})
	if err != nil {
		return nil, err
	}

	out := nodes[:0]

	for _, n := range nodes {
		if n.HasExpertise(expertise...) {
			out = append(out, n)
		}
	}

	return out, nil
}

// update applies f to the node under its lock and saves it.
func (r *Registry) update(ctx context.Context, nodeID string, f func(n *types.ConsensusNode)) (*types.ConsensusNode, error) {
	unlock := r.locks.Lock(nodeID)
	defer unlock()

	n, err := r.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	f(n)

	if err = r.st.PutNode(ctx, n); err != nil {
		return nil, err
	}

	return n, nil
}

// AdjustReputation adds delta to the node's reputation, clamped to [0,1], and records activity.
func (r *Registry) AdjustReputation(ctx context.Context, nodeID string, delta float64) (*types.ConsensusNode, error) {
	return r.ApplyAdjustment(ctx, nodeID, types.Adjustment{Reputation: delta})
}

// ApplyAdjustment applies stake, reputation and trust deltas and records activity.
func (r *Registry) ApplyAdjustment(ctx context.Context, nodeID string, adj types.Adjustment) (*types.ConsensusNode, error) {
	n, err := r.update(ctx, nodeID, func(n *types.ConsensusNode) {
		n.Stake = math.Max(n.Stake+adj.Stake, 0)
		n.Reputation = util.Clamp(n.Reputation+adj.Reputation, 0, 1)
		n.TrustScore = util.Clamp(n.TrustScore+adj.Trust, 0, 1)
		n.LastActivityTime = r.now().UTC()
	})
	if err != nil {
		return nil, err
	}

	r.log.Debug().Str("node", nodeID).Float64("stake", n.Stake).Float64("reputation", n.Reputation).
		Float64("trust", n.TrustScore).Msg("node adjusted")

	return n, nil
}

// Touch records activity of the node.
func (r *Registry) Touch(ctx context.Context, nodeID string) error {
	_, err := r.update(ctx, nodeID, func(n *types.ConsensusNode) {
		n.LastActivityTime = r.now().UTC()
	})

	return err
}

// Deactivate stops the node from proposing, validating or arbitrating.
func (r *Registry) Deactivate(ctx context.Context, nodeID string) error {
	_, err := r.update(ctx, nodeID, func(n *types.ConsensusNode) { n.Active = false })
	if err == nil {
		r.log.Info().Str("node", nodeID).Msg("node deactivated")
	}

	return err
}

// Activate re-enables a deactivated node.
func (r *Registry) Activate(ctx context.Context, nodeID string) error {
	_, err := r.update(ctx, nodeID, func(n *types.ConsensusNode) {
		n.Active = true
		n.LastActivityTime = r.now().UTC()
	})
	if err == nil {
		r.log.Info().Str("node", nodeID).Msg("node activated")
	}

	return err
}
