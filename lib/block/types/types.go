// Package types common blockchain types.
package types

import (
	"errors"
	"math/big"
)

// Transaction status constants
const (
	TrxPending uint8 = 0
	TrxFailed  uint8 = 1
	TrxSuccess uint8 = 2
)

// Payload is a transfer to submit to a network. From is the signing account; the ledger's vault is used when empty.
// Data carries an optional anchor (ie. a batch hash) and cannot be combined with a token transfer.
type Payload struct {
	From   string   `json:"from,omitempty"`
	To     string   `json:"to"`
	Token  string   `json:"token,omitempty"`
	Amount *big.Int `json:"amount,omitempty"`
	Data   []byte   `json:"data,omitempty"`
}

// Receipt is what a network reports about a submitted transaction. BlockNumber is zero while pending.
type Receipt struct {
	TxHash      string   `json:"txHash"`
	BlockNumber uint64   `json:"blockNumber"`
	Status      uint8    `json:"status"`
	Fee         *big.Int `json:"fee,omitempty"`
}

// Error codes.
var (
	ErrNetwork           = errors.New("network error")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownNetwork    = errors.New("network not configured")
	ErrNoTrx             = errors.New("transaction not found")
	ErrSendTokenData     = errors.New("cannot send token and data at same time")
)
