package types

import "time"

// AnnotationStatus tracks an external call recorded against a core entity.
type AnnotationStatus string

// Annotation states.
const (
	AnnotationPending   AnnotationStatus = "pending"
	AnnotationConfirmed AnnotationStatus = "confirmed"
	AnnotationFailed    AnnotationStatus = "failed"
)

// Entity kinds used by annotations and the store.
const (
	KindNode           = "node"
	KindBatch          = "batch"
	KindVote           = "vote"
	KindResult         = "result"
	KindEscrow         = "escrow"
	KindDispute        = "dispute"
	KindArbitratorVote = "arbitrator_vote"
	KindAnnotation     = "annotation"
)

// Annotation records the best-effort result of an external call (ledger submission, bus message, content upload).
// The entity it refers to stays authoritative whatever the annotation says.
type Annotation struct {
	ID         string           `json:"id"`
	EntityKind string           `json:"entityKind"`
	EntityID   string           `json:"entityId"`
	Net        string           `json:"net,omitempty"`
	Action     string           `json:"action"`
	Ref        string           `json:"ref,omitempty"` // tx hash, message id or content id
	Block      uint64           `json:"block,omitempty"`
	Status     AnnotationStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}
