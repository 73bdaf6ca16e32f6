// Package types defines the records shared by the coordination core: nodes, transaction batches and their votes,
// escrow payments and disputes, together with their status state machines.
package types

import (
	"fmt"
	"strings"
	"time"
)

// NodeType distinguishes validators from batch proposers.
type NodeType string

// Node types.
const (
	Primary   NodeType = "primary"   // high-stake validator, votes on batches
	Secondary NodeType = "secondary" // proposes batches
)

// Role is the supply-chain role of the participant running a node.
type Role string

// Supply-chain roles.
const (
	RoleManufacturer   Role = "manufacturer"
	RoleTransporter    Role = "transporter"
	RoleBuyer          Role = "buyer"
	RoleInspector      Role = "inspector"
	RoleHub            Role = "hub"
	RoleArbitratorPool Role = "arbitrator-pool"
)

// validRoles lists the roles each node type may take.
var validRoles = map[NodeType][]Role{ //nolint:gochecknoglobals // lookup table
	Primary:   {RoleManufacturer, RoleInspector, RoleHub, RoleArbitratorPool},
	Secondary: {RoleManufacturer, RoleTransporter, RoleBuyer, RoleHub},
}

// ConsensusNode is a participant of the coordination network. Nodes are never deleted, only deactivated.
type ConsensusNode struct {
	NodeID           string    `json:"nodeId"`
	Address          string    `json:"address"`
	Type             NodeType  `json:"type"`
	Role             Role      `json:"role"`
	Expertise        []string  `json:"expertise,omitempty"`
	Stake            float64   `json:"stake"`
	TrustScore       float64   `json:"trustScore"`
	Reputation       float64   `json:"reputation"`
	ChainID          string    `json:"chainId"`
	Active           bool      `json:"active"`
	LastActivityTime time.Time `json:"lastActivityTime"`
	RegisteredAt     time.Time `json:"registeredAt"`
}

// Validate checks the node's type and role combination and its score ranges.
func (n *ConsensusNode) Validate() error {
	roles, ok := validRoles[n.Type]
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidNode, n.Type)
	}

	allowed := false

	for _, r := range roles {
		if r == n.Role {
			allowed = true

			break
		}
	}

	if !allowed {
		return fmt.Errorf("%w: role %q not allowed for %s nodes", ErrInvalidNode, n.Role, n.Type)
	}

	if n.Stake < 0 {
		return fmt.Errorf("%w: negative stake", ErrInvalidNode)
	}

	if n.TrustScore < 0 || n.TrustScore > 1 || n.Reputation < 0 || n.Reputation > 1 {
		return fmt.Errorf("%w: scores must be within [0,1]", ErrInvalidNode)
	}

	return nil
}

// IsValidator reports whether the node may cast validation votes.
func (n *ConsensusNode) IsValidator() bool {
	return n.Active && n.Type == Primary
}

// IsProposer reports whether the node may propose batches.
func (n *ConsensusNode) IsProposer() bool {
	return n.Active && n.Type == Secondary
}

// HasExpertise reports whether the node declares any of the given expertise areas.
func (n *ConsensusNode) HasExpertise(areas ...string) bool {
	for _, e := range n.Expertise {
		for _, a := range areas {
			if strings.EqualFold(e, a) {
				return true
			}
		}
	}

	return false
}

// Adjustment is a change applied to a node's scores after a settlement. Results are clamped: stake never drops
// below zero, trust and reputation stay within [0,1].
type Adjustment struct {
	Stake      float64 `json:"stake"`
	Reputation float64 `json:"reputation"`
	Trust      float64 `json:"trust"`
}
