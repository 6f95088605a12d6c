package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrKeyNotFound is returned by Tx.Get for an absent key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrNotFound is returned by Provider.Get when an entity has no state yet.
	ErrNotFound = errors.New("state not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// Key addresses the CRDT state of one entity owned by one retail store.
type Key struct {
	StoreID  string
	Entity   string
	EntityID string
}

const keyPrefix = "crdt/"

func (k Key) String() string {
	return k.StoreID + "/" + k.Entity + "/" + k.EntityID
}

// Bytes is the storage key. Components are path-escaped so none of them can
// bleed into its neighbour.
func (k Key) Bytes() []byte {
	return []byte(keyPrefix + url.PathEscape(k.StoreID) + "/" + url.PathEscape(k.Entity) + "/" + url.PathEscape(k.EntityID))
}

// ParseKey is the inverse of Key.Bytes.
func ParseKey(raw []byte) (Key, error) {
	s := string(raw)
	if !strings.HasPrefix(s, keyPrefix) {
		return Key{}, fmt.Errorf("not a state key: %q", s)
	}
	parts := strings.Split(strings.TrimPrefix(s, keyPrefix), "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed state key: %q", s)
	}
	var out [3]string
	for i, p := range parts {
		v, err := url.PathUnescape(p)
		if err != nil {
			return Key{}, fmt.Errorf("malformed state key %q: %w", s, err)
		}
		out[i] = v
	}
	return Key{StoreID: out[0], Entity: out[1], EntityID: out[2]}, nil
}

func storePrefix(storeID string) []byte {
	return []byte(keyPrefix + url.PathEscape(storeID) + "/")
}

// UpdateFunc receives the current encoded state (nil and false when the
// entity has none) and returns the state to persist.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Provider persists encoded CRDT state per entity.
//
// Update is a critical section per key: two concurrent updates of the same
// entity run one after the other, each seeing the other's result.
type Provider interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Update(ctx context.Context, key Key, fn UpdateFunc) error
	// Scan visits every entity of storeID.
	Scan(ctx context.Context, storeID string, fn func(Key, []byte) error) error
	Close() error
}

// Store is the underlying transactional KV store (for example BadgerDB).
type Store interface {
	Close() error

	// RunTx runs fn in a read-write transaction when update is true and a
	// read-only one otherwise.
	RunTx(update bool, fn func(Tx) error) error

	View(fn func(Tx) error) error
	Update(fn func(Tx) error) error
}

// Tx is a transaction.
type Tx interface {
	Set(key, value []byte) error

	// Get returns ErrKeyNotFound for an absent key.
	Get(key []byte) ([]byte, error)

	NewIterator(opts IteratorOptions) Iterator
}

// IteratorOptions configures an iterator.
type IteratorOptions struct {
	Prefix []byte
}

// Iterator walks keys in ascending order.
type Iterator interface {
	Rewind()
	ValidForPrefix(prefix []byte) bool
	Next()
	Item() (key, value []byte, err error)
	Close()
}
