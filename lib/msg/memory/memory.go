// Package memory implements the message bus in process. Messages are queued per target chain and delivered
// asynchronously; a failed delivery is retried after a short delay, which gives the same at-least-once semantics as
// the network brokers.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tarancss/scc/lib/msg"
)

// RetryDelay is the wait before a failed message is delivered again.
var RetryDelay = 50 * time.Millisecond //nolint:gochecknoglobals // tests shorten it

// Bus is an in-process message bus.
type Bus struct {
	mu     sync.Mutex
	queues map[string]chan msg.Message
	closed bool
	size   int
}

// New returns a bus whose per-chain queues hold up to size messages.
func New(size int) *Bus {
	if size <= 0 {
		size = 1024
	}

	return &Bus{queues: make(map[string]chan msg.Message), size: size}
}

func (b *Bus) queue(chain string) chan msg.Message {
	q, ok := b.queues[chain]
	if !ok {
		q = make(chan msg.Message, b.size)
		b.queues[chain] = q
	}

	return q
}

// Setup is a no-op.
func (b *Bus) Setup() error { return nil }

// Close stops accepting messages.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	return nil
}

// Send queues m for its target chain.
func (b *Bus) Send(ctx context.Context, m msg.Message) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return "", msg.ErrClosed
	}

	q := b.queue(m.Target)
	b.mu.Unlock()

	select {
	case q <- m:
		return m.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Consume starts delivering the messages of chain to h until ctx is done.
func (b *Bus) Consume(ctx context.Context, chain string, h msg.Handler) error {
	b.mu.Lock()
	q := b.queue(chain)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-q:
				for h(ctx, m) != nil {
					select {
					case <-ctx.Done():
						return
					case <-time.After(RetryDelay):
					}
				}
			}
		}
	}()

	return nil
}
