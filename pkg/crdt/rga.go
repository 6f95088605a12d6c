package crdt

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// RGANode is one element of a sequence. AfterID names the node it was
// inserted after; the empty string means the head.
type RGANode[T any] struct {
	ID      string `msgpack:"id" json:"id"`
	Value   T      `msgpack:"value" json:"value"`
	AfterID string `msgpack:"after_id,omitempty" json:"after_id,omitempty"`
	Visible bool   `msgpack:"visible" json:"visible"`
}

// RGAState is the ordered node list plus removals that arrived before the
// insert they target.
type RGAState[T any] struct {
	Nodes   []RGANode[T]        `msgpack:"nodes" json:"nodes"`
	Removed map[string]struct{} `msgpack:"removed" json:"removed"`
}

// RGADelta is either an RGAInsert or an RGARemove.
type RGADelta interface {
	isRGADelta()
}

// RGAInsert places a new node after AfterID.
type RGAInsert[T any] struct {
	ID      string
	Value   T
	AfterID string
}

// RGARemove hides the node with the given id.
type RGARemove struct {
	ID string
}

func (RGAInsert[T]) isRGADelta() {}
func (RGARemove) isRGADelta()    {}

// RGA implements a replicated growable array.
//
// The order is the pre-order walk of the insertion tree, siblings sorted by
// descending id, so replicas holding the same nodes agree on the order no
// matter how they received them. A node whose predecessor has not arrived
// yet is placed at the head until the predecessor is merged; the final order
// is only guaranteed once every causally prior insert is present.
//
// Removal only flips Visible. Nodes are never deleted because concurrent
// inserts may still anchor on them.
type RGA[T any] struct{}

var _ CRDT[RGAState[string], RGADelta, []string] = RGA[string]{}

func (RGA[T]) Type() Type { return TypeRGA }

func (RGA[T]) Empty() RGAState[T] {
	return RGAState[T]{
		Nodes:   []RGANode[T]{},
		Removed: make(map[string]struct{}),
	}
}

func (r RGA[T]) ApplyDelta(state RGAState[T], delta RGADelta) (RGAState[T], error) {
	switch d := delta.(type) {
	case RGAInsert[T]:
		if d.ID == "" {
			return state, invalidDelta(TypeRGA, "insert without id")
		}
		if d.ID == d.AfterID {
			return state, invalidDelta(TypeRGA, "node %s anchored on itself", d.ID)
		}
		nodes := indexNodes(state.Nodes)
		if _, ok := nodes[d.ID]; ok {
			return state, nil
		}
		nodes[d.ID] = RGANode[T]{ID: d.ID, Value: d.Value, AfterID: d.AfterID, Visible: true}
		return build(nodes, state.Removed), nil

	case RGARemove:
		if d.ID == "" {
			return state, invalidDelta(TypeRGA, "remove without id")
		}
		nodes := indexNodes(state.Nodes)
		removed := cloneSet(state.Removed)
		if n, ok := nodes[d.ID]; ok {
			n.Visible = false
			nodes[d.ID] = n
		} else {
			removed[d.ID] = struct{}{}
		}
		return build(nodes, removed), nil

	case nil:
		return state, invalidDelta(TypeRGA, "empty delta")

	default:
		return state, invalidDelta(TypeRGA, "unexpected delta %T", delta)
	}
}

func (RGA[T]) Merge(a, b RGAState[T]) RGAState[T] {
	nodes := indexNodes(a.Nodes)
	for _, n := range b.Nodes {
		if cur, ok := nodes[n.ID]; ok {
			cur.Visible = cur.Visible && n.Visible
			nodes[n.ID] = cur
			continue
		}
		nodes[n.ID] = n
	}
	removed := cloneSet(a.Removed)
	for id := range b.Removed {
		removed[id] = struct{}{}
	}
	return build(nodes, removed)
}

func (RGA[T]) Value(state RGAState[T]) []T {
	out := make([]T, 0, len(state.Nodes))
	for _, n := range state.Nodes {
		if n.Visible {
			out = append(out, n.Value)
		}
	}
	return out
}

// Insert builds an insert delta with a fresh time-ordered id. An empty
// afterID inserts at the head.
func (RGA[T]) Insert(value T, afterID string) (RGAInsert[T], error) {
	id, err := uuid.NewV7()
	if err != nil {
		return RGAInsert[T]{}, fmt.Errorf("generate uuidv7: %w", err)
	}
	return RGAInsert[T]{ID: id.String(), Value: value, AfterID: afterID}, nil
}

// IDAt returns the id of the visible node at index, for turning a position
// chosen by a user into an anchor.
func (RGA[T]) IDAt(state RGAState[T], index int) (string, bool) {
	if index < 0 {
		return "", false
	}
	i := 0
	for _, n := range state.Nodes {
		if !n.Visible {
			continue
		}
		if i == index {
			return n.ID, true
		}
		i++
	}
	return "", false
}

func indexNodes[T any](list []RGANode[T]) map[string]RGANode[T] {
	nodes := make(map[string]RGANode[T], len(list)+1)
	for _, n := range list {
		nodes[n.ID] = n
	}
	return nodes
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// build applies pending removals and lays the nodes out in canonical order.
func build[T any](nodes map[string]RGANode[T], removed map[string]struct{}) RGAState[T] {
	pending := make(map[string]struct{}, len(removed))
	for id := range removed {
		if n, ok := nodes[id]; ok {
			n.Visible = false
			nodes[id] = n
			continue
		}
		pending[id] = struct{}{}
	}
	return RGAState[T]{Nodes: order(nodes), Removed: pending}
}

// order walks the insertion tree. Children of the same anchor come newest
// (greatest id) first; nodes with an unknown anchor are roots.
func order[T any](nodes map[string]RGANode[T]) []RGANode[T] {
	children := make(map[string][]string, len(nodes))
	var roots []string
	for id, n := range nodes {
		if _, ok := nodes[n.AfterID]; ok && n.AfterID != "" {
			children[n.AfterID] = append(children[n.AfterID], id)
		} else {
			roots = append(roots, id)
		}
	}
	byIDDesc := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	}
	byIDDesc(roots)
	for _, ids := range children {
		byIDDesc(ids)
	}

	out := make([]RGANode[T], 0, len(nodes))
	visited := make(map[string]bool, len(nodes))
	walk := func(start string) {
		stack := []string{start}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if visited[id] {
				continue
			}
			visited[id] = true
			out = append(out, nodes[id])
			kids := children[id]
			for i := len(kids) - 1; i >= 0; i-- {
				stack = append(stack, kids[i])
			}
		}
	}
	for _, id := range roots {
		walk(id)
	}

	// Anchor cycles never reach a root; lay them out deterministically at the tail.
	if len(visited) < len(nodes) {
		var rest []string
		for id := range nodes {
			if !visited[id] {
				rest = append(rest, id)
			}
		}
		byIDDesc(rest)
		for _, id := range rest {
			walk(id)
		}
	}
	return out
}
