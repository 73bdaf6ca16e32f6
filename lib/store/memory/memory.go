// Package memory implements the store interface in process memory. It backs tests and single node deployments
// that do not need persistence.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/tarancss/scc/lib/store"
)

// Memory is an in-memory document backend.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]map[string]store.Record // kind -> id -> record
}

// New returns an empty Memory backend.
func New() *Memory {
	return &Memory{recs: make(map[string]map[string]store.Record)}
}

func (m *Memory) kind(kind string) map[string]store.Record {
	k, ok := m.recs[kind]
	if !ok {
		k = make(map[string]store.Record)
		m.recs[kind] = k
	}

	return k
}

// Put inserts or replaces the record.
func (m *Memory) Put(_ context.Context, rec store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kind(rec.Kind)[rec.ID] = rec.Clone()

	return nil
}

// Insert stores the record if it does not exist yet.
func (m *Memory) Insert(_ context.Context, rec store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.kind(rec.Kind)
	if _, ok := k[rec.ID]; ok {
		return store.ErrDuplicate
	}

	k[rec.ID] = rec.Clone()

	return nil
}

// Get returns the record.
func (m *Memory) Get(_ context.Context, kind, id string) (store.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.recs[kind][id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}

	return rec.Clone(), nil
}

// List returns the matching records ordered by id.
func (m *Memory) List(_ context.Context, kind string, f store.Filter) ([]store.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []store.Record{}

	for _, rec := range m.recs[kind] {
		if f.Match(rec) {
			out = append(out, rec.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

// Swap replaces the record if its stored status is oldStatus.
func (m *Memory) Swap(_ context.Context, rec store.Record, oldStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.kind(rec.Kind)

	cur, ok := k[rec.ID]
	if !ok {
		return store.ErrNotFound
	}

	if cur.Status != oldStatus {
		return store.ErrConflict
	}

	k[rec.ID] = rec.Clone()

	return nil
}

// Delete removes the record.
func (m *Memory) Delete(_ context.Context, kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.recs[kind], id)

	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
