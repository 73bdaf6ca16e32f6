package msg

import (
	"context"
	"sync"
)

// DefaultDedupWindow is the number of message ids remembered by Dedup when no window is given.
const DefaultDedupWindow = 4096

type dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

// Dedup wraps h so that a message id already handled successfully, or being handled, is dropped. Only the last
// window ids are remembered. A failed delivery is forgotten so the redelivery is processed.
func Dedup(h Handler, window int) Handler {
	if window <= 0 {
		window = DefaultDedupWindow
	}

	d := &dedup{seen: make(map[string]struct{}, window), ring: make([]string, window)}

	return func(ctx context.Context, m Message) error {
		if !d.claim(m.ID) {
			return nil
		}

		if err := h(ctx, m); err != nil {
			d.release(m.ID)

			return err
		}

		return nil
	}
}

func (d *dedup) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return false
	}

	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}

	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.seen[id] = struct{}{}

	return true
}

func (d *dedup) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.seen, id)
}
