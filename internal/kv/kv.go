// Package kv provides the durable key-value stores that persist local carts
// across process restarts.
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Load when the key has never been saved.
var ErrNotFound = errors.New("kv: key not found")

// Store is a minimal byte-oriented key-value store.
type Store interface {
	// Load returns the value for key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save durably writes value under key, replacing any previous value.
	Save(ctx context.Context, key string, value []byte) error
}

// Memory is an in-process Store. Values do not survive a restart.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Save(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	m.data[key] = v
	m.mu.Unlock()
	return nil
}

var _ Store = (*Memory)(nil)
