package store

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Locker hands out one mutex per entity key. Entities are independent, so
// updates on different keys never wait on each other.
type Locker struct {
	locks *xsync.MapOf[string, *sync.Mutex]
}

// NewLocker creates an empty lock table.
func NewLocker() *Locker {
	return &Locker{locks: xsync.NewMapOf[string, *sync.Mutex]()}
}

// Lock blocks until the caller owns key and returns the release function.
func (l *Locker) Lock(key string) (unlock func()) {
	mu, _ := l.locks.LoadOrCompute(key, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

// Size returns the number of keys that have ever been locked.
func (l *Locker) Size() int {
	return l.locks.Size()
}
