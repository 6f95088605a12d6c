package crdt

import (
	"bytes"

	"github.com/shinyes/yep_sync/pkg/hlc"
)

// LWWState is a single value stamped with the write that produced it. A
// delta is one write and has the same shape.
type LWWState[T any] struct {
	Value     T      `msgpack:"value" json:"value"`
	Timestamp int64  `msgpack:"ts" json:"timestamp"`
	NodeID    string `msgpack:"node_id" json:"node_id"`
}

// LWWRegister implements a last-write-wins register.
//
// The winner is the write with the greater timestamp; equal timestamps go to
// the lexically greater node id. Writes that share both go to the greater
// value under Compare, or, when Compare is nil, under the byte order of the
// values' canonical msgpack encodings, so even duplicated stamps converge.
type LWWRegister[T any] struct {
	Compare func(a, b T) int
}

var _ CRDT[LWWState[string], LWWState[string], string] = LWWRegister[string]{}

func (LWWRegister[T]) Type() Type { return TypeLWW }

func (LWWRegister[T]) Empty() LWWState[T] {
	return LWWState[T]{}
}

func (r LWWRegister[T]) ApplyDelta(state LWWState[T], delta LWWState[T]) (LWWState[T], error) {
	if delta.Timestamp < 0 {
		return state, invalidDelta(TypeLWW, "negative timestamp %d", delta.Timestamp)
	}
	if r.wins(delta, state) {
		return delta, nil
	}
	return state, nil
}

func (r LWWRegister[T]) Merge(a, b LWWState[T]) LWWState[T] {
	if r.wins(b, a) {
		return b
	}
	return a
}

func (LWWRegister[T]) Value(state LWWState[T]) T {
	return state.Value
}

// Set stamps value with the next timestamp from clock.
func (LWWRegister[T]) Set(value T, clock *hlc.Clock, node string) LWWState[T] {
	return LWWState[T]{Value: value, Timestamp: clock.Now(), NodeID: node}
}

// wins reports whether incoming strictly beats current.
func (r LWWRegister[T]) wins(incoming, current LWWState[T]) bool {
	if incoming.Timestamp != current.Timestamp {
		return incoming.Timestamp > current.Timestamp
	}
	if incoming.NodeID != current.NodeID {
		return incoming.NodeID > current.NodeID
	}
	if r.Compare != nil {
		return r.Compare(incoming.Value, current.Value) > 0
	}
	return compareEncoded(incoming.Value, current.Value) > 0
}

func compareEncoded[T any](a, b T) int {
	ea, errA := Marshal(a)
	eb, errB := Marshal(b)
	if errA != nil || errB != nil {
		return 0
	}
	return bytes.Compare(ea, eb)
}
