package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/golang/snappy"
)

// KVProvider implements Provider on top of a transactional Store. Each value
// is snappy-compressed; each Update reads and writes inside one transaction
// while holding the entity lock.
type KVProvider struct {
	store    Store
	locks    *Locker
	compress bool
	closed   atomic.Bool
}

// KVOption configures a KVProvider.
type KVOption func(*KVProvider)

// WithoutCompression stores values as-is.
func WithoutCompression() KVOption {
	return func(p *KVProvider) {
		p.compress = false
	}
}

// NewKVProvider wraps s. The provider owns s and closes it on Close.
func NewKVProvider(s Store, opts ...KVOption) *KVProvider {
	p := &KVProvider{
		store:    s,
		locks:    NewLocker(),
		compress: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// OpenBadger opens a Badger-backed provider at path.
func OpenBadger(path string, options ...BadgerOption) (*KVProvider, error) {
	s, err := NewBadgerStore(path, options...)
	if err != nil {
		return nil, err
	}
	return NewKVProvider(s), nil
}

func (p *KVProvider) encode(v []byte) []byte {
	if !p.compress {
		return v
	}
	return snappy.Encode(nil, v)
}

func (p *KVProvider) decode(key Key, v []byte) ([]byte, error) {
	if !p.compress {
		return v, nil
	}
	out, err := snappy.Decode(nil, v)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", key, err)
	}
	return out, nil
}

func (p *KVProvider) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.closed.Load() {
		return nil, ErrClosed
	}
	var out []byte
	err := p.store.View(func(tx Tx) error {
		raw, err := tx.Get(key.Bytes())
		if errors.Is(err, ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = p.decode(key, raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *KVProvider) Update(ctx context.Context, key Key, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.closed.Load() {
		return ErrClosed
	}
	unlock := p.locks.Lock(key.String())
	defer unlock()

	return p.store.Update(func(tx Tx) error {
		var current []byte
		found := true
		raw, err := tx.Get(key.Bytes())
		switch {
		case errors.Is(err, ErrKeyNotFound):
			found = false
		case err != nil:
			return err
		default:
			if current, err = p.decode(key, raw); err != nil {
				return err
			}
		}

		next, err := fn(current, found)
		if err != nil {
			return err
		}
		return tx.Set(key.Bytes(), p.encode(next))
	})
}

func (p *KVProvider) Scan(ctx context.Context, storeID string, fn func(Key, []byte) error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	prefix := storePrefix(storeID)
	return p.store.View(func(tx Tx) error {
		it := tx.NewIterator(IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			k, v, err := it.Item()
			if err != nil {
				return err
			}
			if !bytes.HasPrefix(k, prefix) {
				continue
			}
			key, err := ParseKey(k)
			if err != nil {
				return err
			}
			state, err := p.decode(key, v)
			if err != nil {
				return err
			}
			if err := fn(key, state); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *KVProvider) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.store.Close()
}
