package crdt

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// SetOp discriminates the two kinds of ORSet delta.
type SetOp uint8

const (
	SetAdd SetOp = iota + 1
	SetRemove
)

func (op SetOp) String() string {
	switch op {
	case SetAdd:
		return "add"
	case SetRemove:
		return "remove"
	default:
		return fmt.Sprintf("setop(%d)", uint8(op))
	}
}

// ORSetState maps each element to its live add-tags. Tombstones holds every
// tag that has been removed; a tag never leaves it.
type ORSetState struct {
	Elements   map[string]map[string]struct{} `msgpack:"elements" json:"elements"`
	Tombstones map[string]struct{}            `msgpack:"tombstones" json:"tombstones"`
}

// ORSetDelta adds Element under Tag, or removes it. A remove lists in
// Observed every tag the remover could see for Element; only those are
// tombstoned, so concurrent adds with unseen tags survive. A remove that
// names a single Tag and no Observed list tombstones exactly that tag.
type ORSetDelta struct {
	Op       SetOp    `msgpack:"op" json:"op"`
	Element  string   `msgpack:"element" json:"element"`
	Tag      string   `msgpack:"tag,omitempty" json:"tag,omitempty"`
	Observed []string `msgpack:"observed,omitempty" json:"observed,omitempty"`
}

// ORSet implements an observed-remove set of strings.
type ORSet struct{}

var _ CRDT[ORSetState, ORSetDelta, []string] = ORSet{}

func (ORSet) Type() Type { return TypeORSet }

func (ORSet) Empty() ORSetState {
	return ORSetState{
		Elements:   make(map[string]map[string]struct{}),
		Tombstones: make(map[string]struct{}),
	}
}

func (s ORSet) ApplyDelta(state ORSetState, delta ORSetDelta) (ORSetState, error) {
	switch delta.Op {
	case SetAdd:
		if delta.Tag == "" {
			return state, invalidDelta(TypeORSet, "add of %q without tag", delta.Element)
		}
		next := cloneORSet(state)
		if _, dead := next.Tombstones[delta.Tag]; dead {
			return next, nil
		}
		tags := next.Elements[delta.Element]
		if tags == nil {
			tags = make(map[string]struct{})
			next.Elements[delta.Element] = tags
		}
		tags[delta.Tag] = struct{}{}
		return next, nil

	case SetRemove:
		observed := delta.Observed
		if len(observed) == 0 && delta.Tag != "" {
			observed = []string{delta.Tag}
		}
		if len(observed) == 0 {
			return state, invalidDelta(TypeORSet, "remove of %q names no observed tag", delta.Element)
		}
		next := cloneORSet(state)
		for _, tag := range observed {
			next.Tombstones[tag] = struct{}{}
		}
		prune(next)
		return next, nil

	default:
		return state, invalidDelta(TypeORSet, "unknown op %s", delta.Op)
	}
}

func (ORSet) Merge(a, b ORSetState) ORSetState {
	next := cloneORSet(a)
	for tag := range b.Tombstones {
		next.Tombstones[tag] = struct{}{}
	}
	for elem, tags := range b.Elements {
		dst := next.Elements[elem]
		if dst == nil {
			dst = make(map[string]struct{}, len(tags))
			next.Elements[elem] = dst
		}
		for tag := range tags {
			dst[tag] = struct{}{}
		}
	}
	prune(next)
	return next
}

// Value returns the present elements in lexical order.
func (ORSet) Value(state ORSetState) []string {
	out := make([]string, 0, len(state.Elements))
	for elem, tags := range state.Elements {
		for tag := range tags {
			if _, dead := state.Tombstones[tag]; !dead {
				out = append(out, elem)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Contains reports whether element owns at least one live tag.
func (ORSet) Contains(state ORSetState, element string) bool {
	for tag := range state.Elements[element] {
		if _, dead := state.Tombstones[tag]; !dead {
			return true
		}
	}
	return false
}

// Add builds an add delta under a fresh globally unique tag.
func (ORSet) Add(element string) (ORSetDelta, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return ORSetDelta{}, fmt.Errorf("generate uuidv7: %w", err)
	}
	return ORSetDelta{Op: SetAdd, Element: element, Tag: id.String()}, nil
}

// Remove builds a remove delta covering every tag state currently holds for
// element.
func (ORSet) Remove(state ORSetState, element string) ORSetDelta {
	return ORSetDelta{
		Op:       SetRemove,
		Element:  element,
		Observed: sortedTags(state.Elements[element]),
	}
}

func cloneORSet(s ORSetState) ORSetState {
	next := ORSetState{
		Elements:   make(map[string]map[string]struct{}, len(s.Elements)),
		Tombstones: make(map[string]struct{}, len(s.Tombstones)),
	}
	for elem, tags := range s.Elements {
		cp := make(map[string]struct{}, len(tags))
		for tag := range tags {
			cp[tag] = struct{}{}
		}
		next.Elements[elem] = cp
	}
	for tag := range s.Tombstones {
		next.Tombstones[tag] = struct{}{}
	}
	return next
}

// prune drops tombstoned tags and elements left without tags.
func prune(s ORSetState) {
	for elem, tags := range s.Elements {
		for tag := range tags {
			if _, dead := s.Tombstones[tag]; dead {
				delete(tags, tag)
			}
		}
		if len(tags) == 0 {
			delete(s.Elements, elem)
		}
	}
}

func sortedTags(tags map[string]struct{}) []string {
	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
