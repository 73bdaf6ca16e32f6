// Package outbox runs the external calls made on behalf of the core (ledger submissions, bus messages, content
// uploads) in the background. Every call is recorded as an annotation on the entity that triggered it, so a slow
// or failing collaborator never holds up a state transition.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/scc/lib/metrics"
	"github.com/tarancss/scc/lib/store"
	"github.com/tarancss/scc/lib/types"
)

// ErrFull is recorded when a task cannot be queued.
var ErrFull = errors.New("outbox full")

// Call performs the external operation and returns its reference (tx hash, message id, content id).
type Call func(ctx context.Context) (ref string, err error)

// Task is an external call bound to an entity.
type Task struct {
	EntityKind string
	EntityID   string
	Net        string
	Action     string
	// AwaitReceipt keeps the annotation pending after a successful call until the watcher sees the receipt.
	AwaitReceipt bool
	Call         Call
}

type job struct {
	task Task
	ann  *types.Annotation
}

// Outbox executes tasks with a pool of workers.
type Outbox struct {
	st      *store.Store
	jobs    chan job
	timeout time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	pending sync.WaitGroup
}

// New returns an outbox holding up to size queued tasks, each given timeout to complete.
func New(st *store.Store, size int, timeout time.Duration, log zerolog.Logger, m *metrics.Metrics) *Outbox {
	if size <= 0 {
		size = 256
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Outbox{
		st:      st,
		jobs:    make(chan job, size),
		timeout: timeout,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock used for annotation timestamps.
func (o *Outbox) SetNowFunc(now func() time.Time) {
	o.now = now
}

// Enqueue records a pending annotation for the task and queues it. It never blocks: when the queue is full the
// annotation is marked failed.
func (o *Outbox) Enqueue(ctx context.Context, t Task) (*types.Annotation, error) {
	now := o.now().UTC()
	ann := &types.Annotation{
		ID:         uuid.NewString(),
		EntityKind: t.EntityKind,
		EntityID:   t.EntityID,
		Net:        t.Net,
		Action:     t.Action,
		Status:     types.AnnotationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := o.st.PutAnnotation(ctx, ann); err != nil {
		return nil, err
	}

	// the queued job owns ann from here on
	cp := *ann

	o.pending.Add(1)

	select {
	case o.jobs <- job{task: t, ann: ann}:
	default:
		o.pending.Done()
		o.finish(ctx, ann, "", ErrFull, false)
	}

	return &cp, nil
}

// Run starts workers goroutines and blocks until ctx is done.
func (o *Outbox) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-o.jobs:
					o.execute(ctx, j)
					o.pending.Done()
				}
			}
		})
	}

	return g.Wait()
}

// Wait blocks until every queued task has been executed. Run must be active.
func (o *Outbox) Wait() {
	o.pending.Wait()
}

func (o *Outbox) execute(ctx context.Context, j job) {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ref, err := j.task.Call(cctx)
	o.finish(ctx, j.ann, ref, err, j.task.AwaitReceipt)
}

func (o *Outbox) finish(ctx context.Context, ann *types.Annotation, ref string, err error, await bool) {
	ann.Ref = ref
	ann.UpdatedAt = o.now().UTC()

	switch {
	case err != nil:
		ann.Status = types.AnnotationFailed
		ann.Error = err.Error()
		o.metrics.External(ann.Action, "failed")
		o.log.Warn().Err(err).Str("entity", ann.EntityID).Str("action", ann.Action).Str("net", ann.Net).
			Msg("external call failed")
	case await:
		o.metrics.External(ann.Action, "submitted")
	default:
		ann.Status = types.AnnotationConfirmed
		o.metrics.External(ann.Action, "ok")
	}

	// the context of the caller may be gone, the annotation is still worth keeping
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	if err := o.st.PutAnnotation(ctx, ann); err != nil {
		o.log.Error().Err(err).Str("annotation", ann.ID).Msg("cannot save annotation")
	}
}
