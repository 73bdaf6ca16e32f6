// Package ethereum implements the chain interface for ethereum networks (and EVM compatible ones) through ethcli.
package ethereum

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/tarancss/ethcli"

	"github.com/tarancss/scc/lib/block/types"
)

// Ethereum implements a connection to an ethereum-type chain.
type Ethereum struct {
	c    *ethcli.EthCli
	node string
}

// Init returns a connection to an ethereum node, using secret if necessary for authentication.
func Init(node, secret string) (*Ethereum, error) {
	c := ethcli.Init(node, secret)
	if c == nil {
		return nil, fmt.Errorf("%w: cannot connect to ethereum blockchain in %s", types.ErrNetwork, node)
	}

	return &Ethereum{c: c, node: node}, nil
}

// Node returns the url the client is connected to.
func (e *Ethereum) Node() string {
	return e.node
}

// Close ends a connection
func (e *Ethereum) Close() {
	e.c.End()
}

// Balance loads the ether balance, and the token balance if specified, onto the provided big.Int pointers, or error
// otherwise.
func (e *Ethereum) Balance(address, token string, ethBal, tokBal *big.Int) error {
	eb, tb, err := e.c.GetBalance(address, token)
	if err != nil {
		return classify(err)
	}

	if ethBal != nil && eb != nil {
		ethBal.Set(eb)
	}

	if tokBal != nil && tb != nil {
		tokBal.Set(tb)
	}

	return nil
}

// Send executes a transaction in the blockchain with the given parameters returning the expected fee, the
// transaction hash or an error otherwise.
func (e *Ethereum) Send(fromAddress, toAddress, token, amount string, data []byte, key string, priceIn uint64,
	dryRun bool) (*big.Int, []byte, error) {
	if token != "" && len(data) > 0 {
		return nil, nil, types.ErrSendTokenData
	}

	price, gas, hash, err := e.c.SendTrx(fromAddress, toAddress, token, amount, data, key, priceIn, dryRun)
	if err != nil {
		return nil, hash, classify(err)
	}

	fee := new(big.Int).SetUint64(price)

	return fee.Mul(fee, new(big.Int).SetUint64(gas)), hash, nil
}

// Get returns the receipt of the transaction for the given hash.
func (e *Ethereum) Get(hash string) (types.Receipt, error) {
	trx, err := e.c.GetTrx(hash)
	if err != nil {
		return types.Receipt{TxHash: hash}, classify(err)
	}

	return types.Receipt{TxHash: hash, BlockNumber: trx.Blk, Status: trx.Status, Fee: new(big.Int).SetUint64(trx.Fee)}, nil
}

// Amount formats a value the way ethcli expects it, as a 0x prefixed hex quantity.
func Amount(v *big.Int) string {
	if v == nil || v.Sign() == 0 {
		return "0x0"
	}

	return "0x" + v.Text(16)
}

// classify maps node errors to the ledger error kinds. Funding errors are final, everything else may succeed on
// another node or a later attempt.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, types.ErrInsufficientFunds) || errors.Is(err, types.ErrNetwork) {
		return err
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient balance") {
		return fmt.Errorf("%w: %s", types.ErrInsufficientFunds, err)
	}

	return fmt.Errorf("%w: %s", types.ErrNetwork, err)
}
