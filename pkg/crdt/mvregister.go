package crdt

import "sort"

// MVEntry is one live write of a multi-value register. NodeID and Seq form
// the dot that names the write.
type MVEntry[T any] struct {
	NodeID    string `msgpack:"node_id" json:"node_id"`
	Seq       uint64 `msgpack:"seq" json:"seq"`
	Timestamp int64  `msgpack:"ts" json:"timestamp"`
	Value     T      `msgpack:"value" json:"value"`
}

// MVState holds the writes no replica has overwritten yet, ordered by dot,
// and Clock, the highest sequence seen per node. A dot covered by Clock but
// absent from Entries was overwritten.
type MVState[T any] struct {
	Entries []MVEntry[T]      `msgpack:"entries" json:"entries"`
	Clock   map[string]uint64 `msgpack:"clock" json:"clock"`
}

// MVWrite is one write. Context is the Clock of the writer's state before
// the write: every write it covers is replaced by this one.
type MVWrite[T any] struct {
	NodeID    string            `msgpack:"node_id" json:"node_id"`
	Seq       uint64            `msgpack:"seq" json:"seq"`
	Timestamp int64             `msgpack:"ts" json:"timestamp"`
	Value     T                 `msgpack:"value" json:"value"`
	Context   map[string]uint64 `msgpack:"context" json:"context"`
}

// MVRegister is a multi-value register. Concurrent writes are all kept
// until a later write that has seen them replaces them, so a conflict is
// visible instead of silently resolved.
type MVRegister[T any] struct{}

var _ CRDT[MVState[string], MVWrite[string], []string] = MVRegister[string]{}

func (MVRegister[T]) Type() Type { return TypeMVRegister }

func (MVRegister[T]) Empty() MVState[T] {
	return MVState[T]{Clock: make(map[string]uint64)}
}

func (r MVRegister[T]) ApplyDelta(state MVState[T], delta MVWrite[T]) (MVState[T], error) {
	switch {
	case delta.NodeID == "":
		return state, invalidDelta(TypeMVRegister, "node id is empty")
	case delta.Seq == 0:
		return state, invalidDelta(TypeMVRegister, "write from %s has no sequence", delta.NodeID)
	case delta.Context[delta.NodeID] >= delta.Seq:
		return state, invalidDelta(TypeMVRegister, "write %d from %s is not past its context %d",
			delta.Seq, delta.NodeID, delta.Context[delta.NodeID])
	case delta.Timestamp < 0:
		return state, invalidDelta(TypeMVRegister, "negative timestamp %d", delta.Timestamp)
	}

	clock := make(map[string]uint64, len(delta.Context)+1)
	for node, seq := range delta.Context {
		clock[node] = seq
	}
	clock[delta.NodeID] = delta.Seq
	write := MVState[T]{
		Entries: []MVEntry[T]{{
			NodeID:    delta.NodeID,
			Seq:       delta.Seq,
			Timestamp: delta.Timestamp,
			Value:     delta.Value,
		}},
		Clock: clock,
	}
	return r.Merge(state, write), nil
}

// Merge keeps an entry when the other side holds it too or has never seen
// its dot.
func (MVRegister[T]) Merge(a, b MVState[T]) MVState[T] {
	next := MVState[T]{Clock: make(map[string]uint64, len(a.Clock)+len(b.Clock))}
	inA := dotSet(a.Entries)
	inB := dotSet(b.Entries)
	for _, e := range a.Entries {
		if _, ok := inB[dotOf(e)]; ok || b.Clock[e.NodeID] < e.Seq {
			next.Entries = append(next.Entries, e)
		}
	}
	for _, e := range b.Entries {
		if _, ok := inA[dotOf(e)]; !ok && a.Clock[e.NodeID] < e.Seq {
			next.Entries = append(next.Entries, e)
		}
	}
	mergeMaxSeq(next.Clock, a.Clock)
	mergeMaxSeq(next.Clock, b.Clock)
	sortEntries(next.Entries)
	return next
}

// Value returns every concurrent value, ordered by dot.
func (MVRegister[T]) Value(state MVState[T]) []T {
	out := make([]T, 0, len(state.Entries))
	for _, e := range state.Entries {
		out = append(out, e.Value)
	}
	return out
}

// Conflict reports whether concurrent writes are waiting to be resolved.
func (MVRegister[T]) Conflict(state MVState[T]) bool {
	return len(state.Entries) > 1
}

// Write builds the delta for node writing value over everything state holds.
// Writing after a conflict resolves it.
func (MVRegister[T]) Write(state MVState[T], value T, node string, ts int64) MVWrite[T] {
	seen := make(map[string]uint64, len(state.Clock))
	for n, seq := range state.Clock {
		seen[n] = seq
	}
	return MVWrite[T]{
		NodeID:    node,
		Seq:       state.Clock[node] + 1,
		Timestamp: ts,
		Value:     value,
		Context:   seen,
	}
}

type dot struct {
	node string
	seq  uint64
}

func dotOf[T any](e MVEntry[T]) dot { return dot{node: e.NodeID, seq: e.Seq} }

func dotSet[T any](entries []MVEntry[T]) map[dot]struct{} {
	out := make(map[dot]struct{}, len(entries))
	for _, e := range entries {
		out[dotOf(e)] = struct{}{}
	}
	return out
}

func mergeMaxSeq(dest, src map[string]uint64) {
	for node, seq := range src {
		if seq > dest[node] {
			dest[node] = seq
		}
	}
}

func sortEntries[T any](entries []MVEntry[T]) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NodeID != entries[j].NodeID {
			return entries[i].NodeID < entries[j].NodeID
		}
		return entries[i].Seq < entries[j].Seq
	})
}
