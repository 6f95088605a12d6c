package crdt

import "math"

// PNCounterState holds cumulative per-node totals. Each entry is a high-water
// mark: it only ever grows, which is what keeps re-delivery harmless.
type PNCounterState struct {
	P map[string]int64 `msgpack:"p" json:"p"`
	N map[string]int64 `msgpack:"n" json:"n"`
}

// PNCounterDelta carries the node's cumulative positive and negative totals.
// A zero field leaves that side untouched.
type PNCounterDelta struct {
	NodeID    string `msgpack:"node_id" json:"node_id"`
	Increment int64  `msgpack:"increment,omitempty" json:"increment,omitempty"`
	Decrement int64  `msgpack:"decrement,omitempty" json:"decrement,omitempty"`
}

// PNCounter implements a positive-negative counter.
type PNCounter struct{}

var _ CRDT[PNCounterState, PNCounterDelta, int64] = PNCounter{}

func (PNCounter) Type() Type { return TypePNCounter }

func (PNCounter) Empty() PNCounterState {
	return PNCounterState{
		P: make(map[string]int64),
		N: make(map[string]int64),
	}
}

func (c PNCounter) ApplyDelta(state PNCounterState, delta PNCounterDelta) (PNCounterState, error) {
	if delta.NodeID == "" {
		return state, invalidDelta(TypePNCounter, "node id is empty")
	}
	if delta.Increment < 0 {
		return state, invalidDelta(TypePNCounter, "negative increment %d from %s", delta.Increment, delta.NodeID)
	}
	if delta.Decrement < 0 {
		return state, invalidDelta(TypePNCounter, "negative decrement %d from %s", delta.Decrement, delta.NodeID)
	}

	next := clonePN(state)
	if delta.Increment > next.P[delta.NodeID] {
		next.P[delta.NodeID] = delta.Increment
	}
	if delta.Decrement > next.N[delta.NodeID] {
		next.N[delta.NodeID] = delta.Decrement
	}
	return next, nil
}

func (PNCounter) Merge(a, b PNCounterState) PNCounterState {
	next := clonePN(a)
	mergeMax(next.P, b.P)
	mergeMax(next.N, b.N)
	return next
}

func (PNCounter) Value(state PNCounterState) int64 {
	var total int64
	for _, v := range state.P {
		total += v
	}
	for _, v := range state.N {
		total -= v
	}
	return total
}

// Increment builds the delta a producer emits when node adds amount locally.
// The delta carries the new cumulative total, not the amount itself.
func (PNCounter) Increment(state PNCounterState, node string, amount int64) (PNCounterDelta, error) {
	if amount < 0 {
		return PNCounterDelta{}, invalidDelta(TypePNCounter, "negative amount %d", amount)
	}
	total, err := addTotal(state.P[node], amount, node)
	if err != nil {
		return PNCounterDelta{}, err
	}
	return PNCounterDelta{NodeID: node, Increment: total}, nil
}

// Decrement is the negative-side counterpart of Increment.
func (PNCounter) Decrement(state PNCounterState, node string, amount int64) (PNCounterDelta, error) {
	if amount < 0 {
		return PNCounterDelta{}, invalidDelta(TypePNCounter, "negative amount %d", amount)
	}
	total, err := addTotal(state.N[node], amount, node)
	if err != nil {
		return PNCounterDelta{}, err
	}
	return PNCounterDelta{NodeID: node, Decrement: total}, nil
}

func addTotal(cur, amount int64, node string) (int64, error) {
	if amount > math.MaxInt64-cur {
		return 0, invalidDelta(TypePNCounter, "amount %d overflows running total %d of %s", amount, cur, node)
	}
	return cur + amount, nil
}

func clonePN(s PNCounterState) PNCounterState {
	next := PNCounterState{
		P: make(map[string]int64, len(s.P)),
		N: make(map[string]int64, len(s.N)),
	}
	for k, v := range s.P {
		next.P[k] = v
	}
	for k, v := range s.N {
		next.N[k] = v
	}
	return next
}

func mergeMax(dest, src map[string]int64) {
	for k, v := range src {
		if dest[k] < v {
			dest[k] = v
		}
	}
}
