package coordinator

import (
	"context"
	"fmt"

	"github.com/tarancss/scc/consensus"
	"github.com/tarancss/scc/lib/msg"
)

// relay consumes the bus queue of every configured chain.
func (c *Coordinator) relay(ctx context.Context) error {
	h := msg.Dedup(c.handle, msg.DefaultDedupWindow)

	for _, chain := range c.chains() {
		if err := c.bus.Consume(ctx, chain, h); err != nil {
			return fmt.Errorf("consuming %s: %w", chain, err)
		}

		c.log.Info().Str("net", chain).Msg("listening to message bus")
	}

	return nil
}

// handle dispatches a bus message. Purchase requests open escrows, the rest is informative.
func (c *Coordinator) handle(ctx context.Context, m msg.Message) error {
	switch m.Kind {
	case msg.PurchaseRequested:
		return c.Escrows.HandlePurchase(ctx, m)
	case msg.BatchCommitted:
		var p consensus.BatchCommittedPayload
		if err := m.Decode(&p); err != nil {
			c.log.Warn().Err(err).Str("msg", m.ID).Msg("malformed batch announcement")

			return nil
		}

		c.log.Info().Str("msg", m.ID).Str("source", m.Source).Str("batch", p.BatchID).Str("hash", p.BatchHash).
			Int("txs", len(p.TxIDs)).Msg("batch committed")
	case msg.EscrowReleased, msg.EscrowRefunded:
		c.log.Info().Str("msg", m.ID).Str("kind", string(m.Kind)).Str("recipient", m.Recipient).Msg("escrow settled")
	default:
		c.log.Debug().Str("msg", m.ID).Str("kind", string(m.Kind)).Msg("ignoring message")
	}

	return nil
}
