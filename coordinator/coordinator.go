// Package coordinator wires the coordination core: node registry, consensus engine, escrow manager and dispute
// arbitration share one store, one outbox for their external calls and one set of collaborators (ledger, message
// bus, content store, codec). It runs the periodic sweepers, relays bus messages, watches ledger receipts and serves
// the RESTful API.
package coordinator

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/scc/consensus"
	"github.com/tarancss/scc/dispute"
	"github.com/tarancss/scc/escrow"
	btypes "github.com/tarancss/scc/lib/block/types"
	"github.com/tarancss/scc/lib/config"
	"github.com/tarancss/scc/lib/content"
	"github.com/tarancss/scc/lib/logger"
	"github.com/tarancss/scc/lib/metrics"
	"github.com/tarancss/scc/lib/msg"
	"github.com/tarancss/scc/lib/outbox"
	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/registry"
	"github.com/tarancss/scc/watcher"
)

// outbox sizing
const (
	outboxSize    = 1024
	outboxWorkers = 4
	callTimeout   = 30 * time.Second
)

// Ledger is the blockchain capability the core needs.
type Ledger interface {
	Submit(ctx context.Context, net string, p btypes.Payload) (btypes.Receipt, error)
	Receipt(ctx context.Context, net, hash string) (btypes.Receipt, error)
	Read(ctx context.Context, net, address, token string) (*big.Int, error)
}

// Deps are the collaborators of the coordinator. Ledger, Bus, Content and Codec are optional: the features using
// them are disabled when missing.
type Deps struct {
	Config  config.ServiceConfig
	DB      store.DB
	Ledger  Ledger
	Bus     msg.MsgBroker
	Content content.Store
	Codec   escrow.Codec
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// Coordinator holds the core components.
type Coordinator struct {
	cfg      config.ServiceConfig
	st       *store.Store
	out      *outbox.Outbox
	ledger   Ledger
	bus      msg.MsgBroker
	metrics  *metrics.Metrics
	log      zerolog.Logger
	Registry *registry.Registry
	Engine   *consensus.Engine
	Escrows  *escrow.Manager
	Disputes *dispute.Arbitration
	Watcher  *watcher.Watcher
}

// New builds the components over the given collaborators.
func New(d Deps) (*Coordinator, error) {
	if d.DB == nil {
		return nil, errors.New("coordinator: no database")
	}

	st := store.New(d.DB)
	c := &Coordinator{
		cfg:     d.Config,
		st:      st,
		ledger:  d.Ledger,
		bus:     d.Bus,
		metrics: d.Metrics,
		log:     d.Log,
	}

	c.out = outbox.New(st, outboxSize, callTimeout, logger.Component(d.Log, "outbox"), d.Metrics)
	c.Registry = registry.New(st, logger.Component(d.Log, "registry"))

	engineOpts := []consensus.Option{consensus.WithOutbox(c.out), consensus.WithMetrics(d.Metrics)}
	escrowOpts := []escrow.Option{escrow.WithOutbox(c.out), escrow.WithMetrics(d.Metrics)}
	disputeOpts := []dispute.Option{dispute.WithOutbox(c.out), dispute.WithMetrics(d.Metrics)}

	if d.Ledger != nil {
		engineOpts = append(engineOpts, consensus.WithLedger(d.Ledger))
		escrowOpts = append(escrowOpts, escrow.WithLedger(d.Ledger))
		disputeOpts = append(disputeOpts, dispute.WithLedger(d.Ledger))
		c.Watcher = watcher.New(st, d.Ledger, logger.Component(d.Log, "watcher"), watcher.WithMetrics(d.Metrics))
	}

	if d.Bus != nil {
		engineOpts = append(engineOpts, consensus.WithBus(d.Bus))
		escrowOpts = append(escrowOpts, escrow.WithBus(d.Bus))
	}

	if d.Codec != nil {
		escrowOpts = append(escrowOpts, escrow.WithCodec(d.Codec))
	}

	if d.Content != nil {
		disputeOpts = append(disputeOpts, dispute.WithContent(d.Content))
	}

	c.Engine = consensus.New(d.Config.Consensus, st, c.Registry, logger.Component(d.Log, "consensus"), engineOpts...)

	var err error
	if c.Escrows, err = escrow.New(d.Config.Escrow, st, logger.Component(d.Log, "escrow"), escrowOpts...); err != nil {
		return nil, err
	}

	disputeOpts = append(disputeOpts, dispute.WithEscrows(c.Escrows), dispute.WithParticipants(c.Engine))
	c.Disputes = dispute.New(d.Config.Dispute, st, c.Registry, logger.Component(d.Log, "dispute"), disputeOpts...)

	return c, nil
}

// Store returns the entity store.
func (c *Coordinator) Store() *store.Store {
	return c.st
}

// chains returns the keys bus messages and annotations use for the configured networks: chain ids, or names when a
// network has no chain id.
func (c *Coordinator) chains() []string {
	keys := make([]string, 0, len(c.cfg.Bc))

	for _, b := range c.cfg.Bc {
		if b.ChainID != "" {
			keys = append(keys, b.ChainID)
		} else {
			keys = append(keys, b.Name)
		}
	}

	return keys
}

// Run starts the outbox workers, the sweepers, the bus relay and the receipt watcher, and blocks until ctx is done
// or one of them fails.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.out.Run(ctx, outboxWorkers) })
	g.Go(func() error { return c.sweep(ctx, c.cfg.SweepInterval.D()) })

	if c.bus != nil {
		g.Go(func() error { return c.relay(ctx) })
	}

	if c.Watcher != nil {
		g.Go(func() error { return c.Watcher.Watch(ctx, c.cfg.SweepInterval.D(), c.chains()) })
	}

	return g.Wait()
}

// Sweep runs every sweeper once: escrow auto release, batch timeouts, pending settlements, arbitrator election
// expiry and reconciliation of flagged batches.
func (c *Coordinator) Sweep(ctx context.Context) {
	if n, err := c.Escrows.AutoRelease(ctx); err != nil || n > 0 {
		c.log.Info().Err(err).Int("released", n).Msg("escrow auto release")
	}

	if n, err := c.Engine.FinalizeExpired(ctx); err != nil || n > 0 {
		c.log.Info().Err(err).Int("finalized", n).Msg("batch timeouts")
	}

	if n, err := c.Engine.SettlePending(ctx); err != nil || n > 0 {
		c.log.Info().Err(err).Int("settled", n).Msg("pending settlements")
	}

	if n, err := c.Disputes.ExpireVoting(ctx); err != nil || n > 0 {
		c.log.Info().Err(err).Int("closed", n).Msg("arbitrator elections")
	}

	reports, err := c.Engine.Reconcile(ctx)
	if err != nil || len(reports) > 0 {
		c.log.Info().Err(err).Int("reconciled", len(reports)).Msg("flagged batches")
	}
}

func (c *Coordinator) sweep(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}

	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.Sweep(ctx)
		}
	}
}
