// Package content implements the content addressed store used for dispute evidence and delivery proofs. Content ids
// are derived from the bytes themselves, so storing the same content twice is a no-op and any backend can verify
// what it returns.
package content

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

// Prefix of every content id.
const Prefix = "b3-"

// Errors.
var (
	ErrNotFound   = errors.New("content not found")
	ErrInvalidCID = errors.New("invalid content id")
	ErrCorrupted  = errors.New("content does not match its id")
)

// Store is the content store capability.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, cid string) ([]byte, error)
}

// CID returns the content id of data.
func CID(data []byte) string {
	sum := blake3.Sum256(data)

	return Prefix + hex.EncodeToString(sum[:])
}

// Verify checks that data matches cid.
func Verify(cid string, data []byte) error {
	if !strings.HasPrefix(cid, Prefix) || len(cid) != len(Prefix)+64 {
		return fmt.Errorf("%w: %q", ErrInvalidCID, cid)
	}

	if CID(data) != cid {
		return fmt.Errorf("%w: %s", ErrCorrupted, cid)
	}

	return nil
}

// Memory keeps content in process memory.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Put stores data.
func (m *Memory) Put(_ context.Context, data []byte) (string, error) {
	cid := CID(data)

	m.mu.Lock()
	m.data[cid] = append([]byte(nil), data...)
	m.mu.Unlock()

	return cid, nil
}

// Get returns the content for cid.
func (m *Memory) Get(_ context.Context, cid string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.data[cid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
	}

	return append([]byte(nil), data...), nil
}

// Multi writes to several backends and reads from the first one that has the content.
type Multi struct {
	stores []Store
}

// NewMulti returns a store over the given backends, tried in order.
func NewMulti(stores ...Store) *Multi {
	return &Multi{stores: stores}
}

// Put stores data in every backend. It succeeds if at least one backend did.
func (m *Multi) Put(ctx context.Context, data []byte) (string, error) {
	var (
		errs []error
		cid  string
	)

	for _, s := range m.stores {
		c, err := s.Put(ctx, data)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		cid = c
	}

	if cid == "" {
		return "", fmt.Errorf("content not stored in any backend: %w", errors.Join(errs...))
	}

	return cid, nil
}

// Get returns verified content from the first backend that has it. ErrNotFound means no backend could serve it.
func (m *Multi) Get(ctx context.Context, cid string) ([]byte, error) {
	var errs []error

	for _, s := range m.stores {
		data, err := s.Get(ctx, cid)
		if err == nil {
			err = Verify(cid, data)
		}

		if err == nil {
			return data, nil
		}

		errs = append(errs, err)
	}

	return nil, fmt.Errorf("%w: %s on all backends: %v", ErrNotFound, cid, errors.Join(errs...))
}
