package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Provider for tests and ephemeral replicas.
type Memory struct {
	locks *Locker

	mu     sync.RWMutex
	states map[Key][]byte
	closed bool
}

func NewMemory() *Memory {
	return &Memory{
		locks:  NewLocker(),
		states: make(map[Key][]byte),
	}
}

func (m *Memory) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.states[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Update(ctx context.Context, key Key, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.locks.Lock(key.String())
	defer unlock()

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	cur, found := m.states[key]
	m.mu.RUnlock()

	next, err := fn(append([]byte(nil), cur...), found)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.states[key] = append([]byte(nil), next...)
	return nil
}

func (m *Memory) Scan(ctx context.Context, storeID string, fn func(Key, []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	keys := make([]Key, 0, len(m.states))
	snapshot := make(map[Key][]byte)
	for k, v := range m.states {
		if k.StoreID == storeID {
			keys = append(keys, k)
			snapshot[k] = v
		}
	}
	m.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		return string(keys[i].Bytes()) < string(keys[j].Bytes())
	})
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, append([]byte(nil), snapshot[k]...)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
