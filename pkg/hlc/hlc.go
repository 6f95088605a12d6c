package hlc

import (
	"sync"
	"time"
)

// Clock is a hybrid logical clock. Timestamps are packed into an int64:
//   - high 48 bits: physical time in milliseconds since the Unix epoch
//   - low 16 bits: logical counter
//
// Every timestamp a Clock hands out is strictly greater than any it handed
// out or observed before.
type Clock struct {
	mu     sync.Mutex
	latest int64
	now    func() time.Time
}

const (
	logicalBits = 16
	logicalMask = 0xFFFF
)

// Option customizes a Clock.
type Option func(*Clock)

// WithNow replaces the physical time source. Tests use it to pin time.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a clock.
func New(opts ...Option) *Clock {
	c := &Clock{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the next timestamp for a local event.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.now().UnixMilli()
	oldPhys, oldLogical := split(c.latest)

	var newPhys, newLogical int64
	if phys > oldPhys {
		newPhys = phys
	} else {
		newPhys = oldPhys
		newLogical = oldLogical + 1
	}

	c.latest = pack(newPhys, newLogical)
	return c.latest
}

// Update folds a remote timestamp into the clock and returns the timestamp
// of the receive event.
func (c *Clock) Update(remote int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.now().UnixMilli()
	remotePhys, remoteLogical := split(remote)
	oldPhys, oldLogical := split(c.latest)

	newPhys := max(oldPhys, remotePhys, phys)

	var newLogical int64
	switch {
	case newPhys == oldPhys && newPhys == remotePhys:
		newLogical = max(oldLogical, remoteLogical) + 1
	case newPhys == oldPhys:
		newLogical = oldLogical + 1
	case newPhys == remotePhys:
		newLogical = remoteLogical + 1
	}

	c.latest = pack(newPhys, newLogical)
	return c.latest
}

// Latest returns the greatest timestamp issued or observed so far.
func (c *Clock) Latest() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Physical returns the physical part of ts in Unix milliseconds.
func Physical(ts int64) int64 {
	return ts >> logicalBits
}

// Logical returns the logical counter of ts.
func Logical(ts int64) uint16 {
	return uint16(ts & logicalMask)
}

// Compare returns 1 if a > b, -1 if a < b and 0 if they are equal.
func Compare(a, b int64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

func split(ts int64) (phys, logical int64) {
	return ts >> logicalBits, ts & logicalMask
}

// pack carries a logical overflow into the physical part.
func pack(phys, logical int64) int64 {
	if logical > logicalMask {
		phys++
		logical = 0
	}
	return phys<<logicalBits | logical
}
