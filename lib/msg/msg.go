// Package msg defines the interface for the cross-chain message bus and the messages the coordination core
// exchanges through it. Delivery is asynchronous and at-least-once: handlers must be idempotent on the message id
// (see Dedup).
package msg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the type of a message.
type Kind string

// Kinds of messages exchanged between chains.
const (
	BatchCommitted    Kind = "batch.committed"
	EscrowReleased    Kind = "escrow.released"
	EscrowRefunded    Kind = "escrow.refunded"
	PurchaseRequested Kind = "purchase.requested"
)

// Errors.
var (
	ErrClosed    = errors.New("message bus closed")
	ErrNoHandler = errors.New("no consumer for target chain")
)

// Message is the envelope carried by the bus. Target is the chain whose consumers receive the message.
type Message struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Target    string          `json:"target"`
	Recipient string          `json:"recipient,omitempty"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sentAt"`
}

// New builds a message with a fresh id and payload encoded as JSON.
func New(source, target, recipient string, kind Kind, payload interface{}) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}

	return Message{
		ID:        uuid.NewString(),
		Source:    source,
		Target:    target,
		Recipient: recipient,
		Kind:      kind,
		Payload:   body,
		SentAt:    time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// Handler processes a delivered message. Returning an error asks the bus to redeliver it.
type Handler func(ctx context.Context, m Message) error

// Sender is the publishing side of the bus, all the core components need.
type Sender interface {
	Send(ctx context.Context, m Message) (string, error)
}

// MsgBroker is the message bus capability.
type MsgBroker interface {
	Setup() error
	Close() error
	// Send publishes m to its target chain and returns the message id.
	Send(ctx context.Context, m Message) (string, error)
	// Consume delivers messages targeted at chain to h until ctx is done.
	Consume(ctx context.Context, chain string, h Handler) error
}
