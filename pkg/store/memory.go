package store

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// MemoryStore 进程内的 VariableStore, 用于测试和 --state-backend=memory
type MemoryStore struct {
	mu   sync.Mutex
	vars map[string]*Variable
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vars: make(map[string]*Variable)}
}

func (m *MemoryStore) Fetch(ctx context.Context, key string) (*Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.vars[key]
	if !ok {
		return &Variable{Key: key}, nil
	}
	return &Variable{Key: key, Value: append([]byte(nil), v.Value...), Version: v.Version}, nil
}

func (m *MemoryStore) Store(ctx context.Context, v *Variable) (*Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if old, ok := m.vars[v.Key]; ok {
		current = old.Version
	}
	if current != v.Version {
		return nil, errors.Wrapf(ErrConflict, "store %s at version %d (current %d)", v.Key, v.Version, current)
	}
	stored := &Variable{Key: v.Key, Value: append([]byte(nil), v.Value...), Version: current + 1}
	m.vars[v.Key] = stored
	return &Variable{Key: v.Key, Value: v.Value, Version: stored.Version}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
