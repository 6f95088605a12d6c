package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MultiStore is a Provider that keeps one Badger database per retail store,
// opened lazily under rootPath/<storeID>.
type MultiStore struct {
	rootPath string
	options  []BadgerOption
	mu       sync.RWMutex
	stores   map[string]*KVProvider
}

// NewMultiStore creates a manager rooted at rootPath. options apply to every
// database it opens.
func NewMultiStore(rootPath string, options ...BadgerOption) *MultiStore {
	return &MultiStore{
		rootPath: rootPath,
		options:  options,
		stores:   make(map[string]*KVProvider),
	}
}

func validateStoreID(storeID string) error {
	if strings.TrimSpace(storeID) == "" {
		return errors.New("store id must not be empty")
	}
	if storeID == "." || storeID == ".." {
		return fmt.Errorf("invalid store id %q", storeID)
	}
	if filepath.IsAbs(storeID) || filepath.VolumeName(storeID) != "" {
		return fmt.Errorf("store id %q must not be a path", storeID)
	}
	if strings.ContainsAny(storeID, `/\:`) {
		return fmt.Errorf("store id %q contains a path separator", storeID)
	}
	return nil
}

// Open returns the provider for storeID, opening it on first use.
func (m *MultiStore) Open(storeID string) (*KVProvider, error) {
	if err := validateStoreID(storeID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	p, ok := m.stores[storeID]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.stores[storeID]; ok {
		return p, nil
	}

	dbPath := filepath.Join(m.rootPath, storeID)
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	p, err := OpenBadger(dbPath, m.options...)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", storeID, err)
	}
	m.stores[storeID] = p
	return p, nil
}

func (m *MultiStore) Get(ctx context.Context, key Key) ([]byte, error) {
	p, err := m.Open(key.StoreID)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, key)
}

func (m *MultiStore) Update(ctx context.Context, key Key, fn UpdateFunc) error {
	p, err := m.Open(key.StoreID)
	if err != nil {
		return err
	}
	return p.Update(ctx, key, fn)
}

func (m *MultiStore) Scan(ctx context.Context, storeID string, fn func(Key, []byte) error) error {
	p, err := m.Open(storeID)
	if err != nil {
		return err
	}
	return p.Scan(ctx, storeID, fn)
}

// CloseStore closes the database of one store. A later access reopens it.
func (m *MultiStore) CloseStore(storeID string) error {
	if err := validateStoreID(storeID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.stores[storeID]
	if !ok {
		return nil
	}
	delete(m.stores, storeID)
	return p.Close()
}

// Close closes every open database.
func (m *MultiStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for id, p := range m.stores {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store %q: %w", id, err))
		}
		delete(m.stores, id)
	}
	return errors.Join(errs...)
}
