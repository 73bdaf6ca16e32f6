// Package block defines the interface required for all blockchain or network connections and the Ledger built on
// top of them. The Ledger hides the connection plumbing from the core: node fallback, retries, rate limiting and
// signing with the vault key.
package block

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarancss/hd"
	"golang.org/x/time/rate"

	"github.com/tarancss/scc/lib/block/ethereum"
	"github.com/tarancss/scc/lib/block/types"
	"github.com/tarancss/scc/lib/config"
)

// Chain is an interface that contains the required methods of a network client.
type Chain interface {
	Close()
	Balance(account, token string, bal, tokBal *big.Int) error
	Send(fromAddress, toAddress, token, amount string, data []byte, key string, priceIn uint64,
		dryRun bool) (fee *big.Int, hash []byte, err error)
	Get(hash string) (types.Receipt, error)
}

// Dial connects to a node of the given network. It is a variable so tests can avoid real nodes.
var Dial = func(bc config.BlockConfig, node string) (Chain, error) { //nolint:gochecknoglobals // test hook
	return ethereum.Init(node, bc.Secret)
}

// Vault is the account the ledger signs with when a payload has no explicit sender.
type Vault struct {
	Address string
	Key     string
}

// VaultFromHD derives the vault from the HD wallet: the first external address of the given account.
func VaultFromHD(w *hd.HdWallet, account uint32) (Vault, error) {
	addr, key, _, err := w.Address(account, hd.External, 0)
	if err != nil {
		return Vault{}, fmt.Errorf("cannot derive vault account %d: %w", account, err)
	}

	return Vault{Address: "0x" + hex.EncodeToString(addr), Key: hex.EncodeToString(key)}, nil
}

// network holds the clients of a network in fallback order.
type network struct {
	name    string
	clients []Chain
	limiter *rate.Limiter
	retries int
}

// Ledger submits and reads transactions on every configured network.
type Ledger struct {
	nets    map[string]*network
	vault   Vault
	backoff time.Duration
	log     zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithBackoff sets the wait between retry rounds.
func WithBackoff(d time.Duration) Option {
	return func(l *Ledger) { l.backoff = d }
}

// New dials every node of every configured network. A network is usable as long as one of its nodes could be
// dialed.
func New(bc []config.BlockConfig, vault Vault, log zerolog.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{nets: make(map[string]*network), vault: vault, backoff: time.Second, log: log}
	for _, o := range opts {
		o(l)
	}

	for _, b := range bc {
		var clients []Chain

		for _, node := range b.Nodes {
			c, err := Dial(b, node)
			if err != nil {
				log.Warn().Err(err).Str("net", b.Name).Str("node", node).Msg("cannot dial node, skipping")

				continue
			}

			clients = append(clients, c)
		}

		if len(clients) == 0 {
			l.Close()

			return nil, fmt.Errorf("%w: no reachable node for %s", types.ErrNetwork, b.Name)
		}

		l.add(b, clients)
	}

	return l, nil
}

// NewWithChains builds a Ledger over already connected clients, keyed by network name.
func NewWithChains(chains map[string][]Chain, vault Vault, log zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{nets: make(map[string]*network), vault: vault, backoff: time.Second, log: log}
	for _, o := range opts {
		o(l)
	}

	for name, clients := range chains {
		l.add(config.BlockConfig{Name: name}, clients)
	}

	return l
}

func (l *Ledger) add(b config.BlockConfig, clients []Chain) {
	limit := rate.Inf
	if b.Rate > 0 {
		limit = rate.Limit(b.Rate)
	}

	burst := b.Burst
	if burst <= 0 {
		burst = 1
	}

	retries := b.Retries
	if retries <= 0 {
		retries = 3
	}

	n := &network{name: b.Name, clients: clients, limiter: rate.NewLimiter(limit, burst), retries: retries}
	l.nets[b.Name] = n
	// networks are also addressable by chain id
	if b.ChainID != "" {
		l.nets[b.ChainID] = n
	}
}

func (l *Ledger) net(name string) (*network, error) {
	n, ok := l.nets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownNetwork, name)
	}

	return n, nil
}

// Networks returns the configured network names.
func (l *Ledger) Networks() []string {
	seen := map[*network]bool{}
	names := []string{}

	for _, n := range l.nets {
		if !seen[n] {
			seen[n] = true
			names = append(names, n.name)
		}
	}

	sort.Strings(names)

	return names
}

// Vault returns the signing account.
func (l *Ledger) Vault() Vault {
	return l.vault
}

// Close ends every client connection.
func (l *Ledger) Close() {
	seen := map[*network]bool{}

	for _, n := range l.nets {
		if seen[n] {
			continue
		}

		seen[n] = true

		for _, c := range n.clients {
			c.Close()
		}
	}
}

// retry runs f against every client in order, for up to the network's retry rounds. Funding errors and context
// cancellation stop immediately.
func (l *Ledger) retry(ctx context.Context, n *network, f func(Chain) error) error {
	var last error

	for round := 0; round < n.retries; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.backoff * time.Duration(round)):
			}
		}

		for i, c := range n.clients {
			if err := n.limiter.Wait(ctx); err != nil {
				return err
			}

			err := f(c)
			if err == nil {
				return nil
			}

			if errors.Is(err, types.ErrInsufficientFunds) || errors.Is(err, types.ErrSendTokenData) {
				return err
			}

			l.log.Debug().Err(err).Str("net", n.name).Int("node", i).Int("round", round).Msg("ledger call failed")

			last = err
		}
	}

	if errors.Is(last, types.ErrNetwork) {
		return last
	}

	return fmt.Errorf("%w: %s: %v", types.ErrNetwork, n.name, last)
}

// Submit signs and sends the payload to the network, returning the pending receipt. An empty sender or recipient
// means the vault.
func (l *Ledger) Submit(ctx context.Context, net string, p types.Payload) (types.Receipt, error) {
	n, err := l.net(net)
	if err != nil {
		return types.Receipt{}, err
	}

	from, key := p.From, ""
	if from == "" {
		from, key = l.vault.Address, l.vault.Key
	}

	// anchors without a recipient are sent to the vault itself
	to := p.To
	if to == "" {
		to = l.vault.Address
	}

	var rcpt types.Receipt

	err = l.retry(ctx, n, func(c Chain) error {
		fee, hash, err := c.Send(from, to, p.Token, ethereum.Amount(p.Amount), p.Data, key, 0, false)
		if err != nil {
			return err
		}

		rcpt = types.Receipt{TxHash: "0x" + hex.EncodeToString(hash), Status: types.TrxPending, Fee: fee}

		return nil
	})

	return rcpt, err
}

// Read returns the balance of address on the network, in token units if token is set.
func (l *Ledger) Read(ctx context.Context, net, address, token string) (*big.Int, error) {
	n, err := l.net(net)
	if err != nil {
		return nil, err
	}

	bal, tokBal := new(big.Int), new(big.Int)

	err = l.retry(ctx, n, func(c Chain) error {
		return c.Balance(address, token, bal, tokBal)
	})
	if err != nil {
		return nil, err
	}

	if token != "" {
		return tokBal, nil
	}

	return bal, nil
}

// Receipt returns what the network knows about a submitted transaction.
func (l *Ledger) Receipt(ctx context.Context, net, hash string) (types.Receipt, error) {
	n, err := l.net(net)
	if err != nil {
		return types.Receipt{}, err
	}

	var rcpt types.Receipt

	err = l.retry(ctx, n, func(c Chain) (err error) {
		rcpt, err = c.Get(hash)

		return err
	})

	return rcpt, err
}
