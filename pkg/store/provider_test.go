package store

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()

	badger, err := OpenBadger("", WithBadgerInMemory())
	require.NoError(t, err)

	sqlite, err := OpenSQLite(DefaultSQLiteConfig(filepath.Join(t.TempDir(), "state.db")))
	require.NoError(t, err)

	all := map[string]Provider{
		"memory":     NewMemory(),
		"badger":     badger,
		"sqlite":     sqlite,
		"multistore": NewMultiStore(t.TempDir(), WithBadgerInMemory()),
	}
	t.Cleanup(func() {
		for _, p := range all {
			p.Close()
		}
	})
	return all
}

func TestProvider_GetMissing(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := p.Get(context.Background(), Key{StoreID: "s1", Entity: "cash", EntityID: "none"})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestProvider_UpdateSeesPreviousState(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{StoreID: "s1", Entity: "notes", EntityID: "n/1"}

			err := p.Update(context.Background(), key, func(cur []byte, found bool) ([]byte, error) {
				assert.False(t, found)
				assert.Nil(t, cur)
				return []byte("first"), nil
			})
			require.NoError(t, err)

			err = p.Update(context.Background(), key, func(cur []byte, found bool) ([]byte, error) {
				assert.True(t, found)
				assert.Equal(t, "first", string(cur))
				return append(cur, "+second"...), nil
			})
			require.NoError(t, err)

			got, err := p.Get(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, "first+second", string(got))
		})
	}
}

func TestProvider_FailedUpdateKeepsState(t *testing.T) {
	boom := errors.New("boom")
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{StoreID: "s1", Entity: "cash", EntityID: "drawer"}
			require.NoError(t, p.Update(context.Background(), key, func([]byte, bool) ([]byte, error) {
				return []byte("kept"), nil
			}))

			err := p.Update(context.Background(), key, func([]byte, bool) ([]byte, error) {
				return nil, boom
			})
			assert.ErrorIs(t, err, boom)

			got, err := p.Get(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, "kept", string(got))
		})
	}
}

func TestProvider_ConcurrentUpdatesSerialize(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			key := Key{StoreID: "s1", Entity: "cash", EntityID: "drawer"}
			const workers = 16

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := p.Update(context.Background(), key, func(cur []byte, found bool) ([]byte, error) {
						n := 0
						if found {
							n, _ = strconv.Atoi(string(cur))
						}
						return []byte(strconv.Itoa(n + 1)), nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := p.Get(context.Background(), key)
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(workers), string(got))
		})
	}
}

func TestProvider_ScanIsScopedToStore(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			keys := []Key{
				{StoreID: "s1", Entity: "cash", EntityID: "a"},
				{StoreID: "s1", Entity: "product", EntityID: "sku/1"},
				{StoreID: "s2", Entity: "cash", EntityID: "a"},
			}
			for _, k := range keys {
				k := k
				require.NoError(t, p.Update(context.Background(), k, func([]byte, bool) ([]byte, error) {
					return []byte(k.String()), nil
				}))
			}

			var seen []Key
			err := p.Scan(context.Background(), "s1", func(k Key, state []byte) error {
				assert.Equal(t, k.String(), string(state))
				seen = append(seen, k)
				return nil
			})
			require.NoError(t, err)
			assert.ElementsMatch(t, keys[:2], seen)
		})
	}
}

func TestProvider_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			err := p.Update(ctx, Key{StoreID: "s1", Entity: "cash", EntityID: "a"}, func([]byte, bool) ([]byte, error) {
				t.Fatal("update must not run")
				return nil, nil
			})
			assert.Error(t, err)
		})
	}
}

func TestKey_BytesRoundTrip(t *testing.T) {
	k := Key{StoreID: "s/1", Entity: "sale_items", EntityID: "a b%c"}
	got, err := ParseKey(k.Bytes())
	require.NoError(t, err)
	assert.Equal(t, k, got)

	_, err = ParseKey([]byte("other/key"))
	assert.Error(t, err)
}

func TestLocker_SerializesSameKey(t *testing.T) {
	l := NewLocker()
	unlock := l.Lock("k")

	acquired := make(chan struct{})
	go func() {
		u := l.Lock("k")
		close(acquired)
		u()
	}()

	other := l.Lock("other")
	other()

	select {
	case <-acquired:
		t.Fatal("second Lock on the same key must wait")
	default:
	}
	unlock()
	<-acquired
	assert.Equal(t, 2, l.Size())
}
