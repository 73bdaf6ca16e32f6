// Package watcher follows the ledger transactions submitted by the core. Every external call awaiting a receipt is
// recorded as a pending annotation; the watcher polls each network for the receipts and confirms or fails them.
// Like the entities they annotate, the annotations never block a state transition.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	btypes "github.com/tarancss/scc/lib/block/types"
	"github.com/tarancss/scc/lib/metrics"
	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/lib/types"
)

// DefaultMaxAge is how long a transaction may stay unknown to its network before it is considered dropped.
const DefaultMaxAge = time.Hour

// Ledger reads receipts.
type Ledger interface {
	Receipt(ctx context.Context, net, hash string) (btypes.Receipt, error)
}

// Watcher confirms pending ledger annotations.
type Watcher struct {
	st      *store.Store
	ledger  Ledger
	maxAge  time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(w *Watcher) { w.maxAge = d }
}

// WithMetrics records confirmations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// New returns a watcher over the annotations in st.
func New(st *store.Store, ledger Ledger, log zerolog.Logger, opts ...Option) *Watcher {
	w := &Watcher{st: st, ledger: ledger, maxAge: DefaultMaxAge, log: log, now: time.Now}
	for _, o := range opts {
		o(w)
	}

	return w
}

// SetNowFunc overrides the clock, for tests.
func (w *Watcher) SetNowFunc(now func() time.Time) {
	w.now = now
}

// Stats counts what a poll changed.
type Stats struct {
	Confirmed int
	Failed    int
	Pending   int
}

// Poll checks the pending annotations of net once. A network error stops the round; what was already checked is
// kept.
func (w *Watcher) Poll(ctx context.Context, net string) (Stats, error) {
	var s Stats

	anns, err := w.st.Annotations(ctx, store.Filter{Status: string(types.AnnotationPending), Party: net})
	if err != nil {
		return s, err
	}

	for _, a := range anns {
		if a.Net != net || a.Ref == "" {
			continue
		}

		status, err := w.check(ctx, a)
		if err != nil {
			return s, fmt.Errorf("polling %s: %w", net, err)
		}

		switch status {
		case types.AnnotationConfirmed:
			s.Confirmed++
		case types.AnnotationFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}

	return s, nil
}

// check updates a single annotation from its receipt.
func (w *Watcher) check(ctx context.Context, a *types.Annotation) (types.AnnotationStatus, error) {
	rcpt, err := w.ledger.Receipt(ctx, a.Net, a.Ref)

	switch {
	case errors.Is(err, btypes.ErrNoTrx):
		if w.now().Sub(a.CreatedAt) < w.maxAge {
			return types.AnnotationPending, nil
		}

		return types.AnnotationFailed, w.save(ctx, a, types.AnnotationFailed, 0, "transaction dropped")
	case err != nil:
		return types.AnnotationPending, err
	case rcpt.BlockNumber == 0:
		return types.AnnotationPending, nil
	case rcpt.Status == 0:
		return types.AnnotationFailed, w.save(ctx, a, types.AnnotationFailed, rcpt.BlockNumber, "transaction reverted")
	default:
		return types.AnnotationConfirmed, w.save(ctx, a, types.AnnotationConfirmed, rcpt.BlockNumber, "")
	}
}

func (w *Watcher) save(ctx context.Context, a *types.Annotation, status types.AnnotationStatus, block uint64, reason string) error {
	a.Status, a.Block, a.Error = status, block, reason
	a.UpdatedAt = w.now().UTC()

	if err := w.st.PutAnnotation(ctx, a); err != nil {
		return err
	}

	w.metrics.External(a.Action, string(status))

	ev := w.log.Info()
	if status == types.AnnotationFailed {
		ev = w.log.Warn()
	}

	ev.Str("net", a.Net).Str("entity", a.EntityID).Str("action", a.Action).Str("tx", a.Ref).Uint64("block", block).
		Str("status", string(status)).Msg("ledger receipt")

	return nil
}

// Watch polls the given networks each interval, one goroutine per network, until ctx is done. A network is polled
// by the key the annotations carry, its name or its chain id. Network errors are logged and retried on the next tick.
func (w *Watcher) Watch(ctx context.Context, interval time.Duration, nets []string) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, net := range nets {
		net := net

		g.Go(func() error {
			w.log.Info().Str("net", net).Msg("watching receipts")

			t := time.NewTicker(interval)
			defer t.Stop()

			for {
				s, err := w.Poll(ctx, net)
				if err != nil && ctx.Err() == nil {
					w.log.Warn().Err(err).Str("net", net).Msg("receipt poll failed")
				}

				if s.Confirmed+s.Failed > 0 {
					w.log.Debug().Str("net", net).Int("confirmed", s.Confirmed).Int("failed", s.Failed).
						Int("pending", s.Pending).Msg("receipts polled")
				}

				select {
				case <-ctx.Done():
					w.log.Info().Str("net", net).Msg("receipt watcher done")

					return nil
				case <-t.C:
				}
			}
		})
	}

	return g.Wait()
}
