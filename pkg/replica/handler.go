package replica

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/yep_sync/pkg/crdt"
)

// Handler runs one CRDT over encoded state and payload bytes. A nil or empty
// state means the entity has no state yet.
type Handler interface {
	Type() crdt.Type
	Empty() ([]byte, error)
	Apply(state, payload []byte) ([]byte, error)
	Merge(a, b []byte) ([]byte, error)
	Value(state []byte) (any, error)
}

// Register and sequence values travel as raw msgpack so the replica never
// needs to know the business type behind them.
type raw = msgpack.RawMessage

var handlers = map[crdt.Type]Handler{
	crdt.TypePNCounter: handler[crdt.PNCounterState, crdt.PNCounterDelta, int64]{
		c:           crdt.PNCounter{},
		decodeState: crdt.DecodePNCounterState,
		decodeDelta: decodeInto[crdt.PNCounterDelta],
		project:     func(v int64) (any, error) { return v, nil },
	},
	crdt.TypeLWW: handler[crdt.LWWState[raw], crdt.LWWState[raw], raw]{
		c:           crdt.LWWRegister[raw]{Compare: func(a, b raw) int { return bytes.Compare(a, b) }},
		decodeState: crdt.DecodeLWWState[raw],
		decodeDelta: decodeInto[crdt.LWWState[raw]],
		project:     decodeRaw,
	},
	crdt.TypeMVRegister: handler[crdt.MVState[raw], crdt.MVWrite[raw], []raw]{
		c:           crdt.MVRegister[raw]{},
		decodeState: crdt.DecodeMVState[raw],
		decodeDelta: decodeInto[crdt.MVWrite[raw]],
		project:     decodeRawList,
	},
	crdt.TypeORSet: handler[crdt.ORSetState, crdt.ORSetDelta, []string]{
		c:           crdt.ORSet{},
		decodeState: crdt.DecodeORSetState,
		decodeDelta: decodeInto[crdt.ORSetDelta],
		project:     func(v []string) (any, error) { return v, nil },
	},
	crdt.TypeRGA: handler[crdt.RGAState[raw], crdt.RGADelta, []raw]{
		c:           crdt.RGA[raw]{},
		decodeState: crdt.DecodeRGAState[raw],
		decodeDelta: crdt.DecodeRGADelta[raw],
		project:     decodeRawList,
	},
}

func handlerFor(t crdt.Type) (Handler, error) {
	h, ok := handlers[t]
	if !ok {
		return nil, fmt.Errorf("no handler for crdt type %s", t)
	}
	return h, nil
}

type handler[S, D, V any] struct {
	c           crdt.CRDT[S, D, V]
	decodeState func([]byte) (S, error)
	decodeDelta func([]byte) (D, error)
	project     func(V) (any, error)
}

func (h handler[S, D, V]) Type() crdt.Type { return h.c.Type() }

func (h handler[S, D, V]) Empty() ([]byte, error) {
	return crdt.Marshal(h.c.Empty())
}

func (h handler[S, D, V]) load(data []byte) (S, error) {
	if len(data) == 0 {
		return h.c.Empty(), nil
	}
	return h.decodeState(data)
}

func (h handler[S, D, V]) Apply(state, payload []byte) ([]byte, error) {
	s, err := h.load(state)
	if err != nil {
		return nil, err
	}
	d, err := h.decodeDelta(payload)
	if err != nil {
		if errors.Is(err, crdt.ErrInvalidDelta) {
			return nil, err
		}
		return nil, &crdt.InvalidDeltaError{CRDTType: h.c.Type(), Reason: err.Error()}
	}
	next, err := h.c.ApplyDelta(s, d)
	if err != nil {
		return nil, err
	}
	return crdt.Marshal(next)
}

func (h handler[S, D, V]) Merge(a, b []byte) ([]byte, error) {
	sa, err := h.load(a)
	if err != nil {
		return nil, err
	}
	sb, err := h.load(b)
	if err != nil {
		return nil, err
	}
	return crdt.Marshal(h.c.Merge(sa, sb))
}

func (h handler[S, D, V]) Value(state []byte) (any, error) {
	s, err := h.load(state)
	if err != nil {
		return nil, err
	}
	return h.project(h.c.Value(s))
}

func decodeInto[T any](data []byte) (T, error) {
	var v T
	err := crdt.Unmarshal(data, &v)
	return v, err
}

func decodeRaw(v raw) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	var out any
	if err := msgpack.Unmarshal(v, &out); err != nil {
		return nil, fmt.Errorf("decode register value: %w", err)
	}
	return out, nil
}

func decodeRawList(vs []raw) (any, error) {
	out := make([]any, 0, len(vs))
	for _, v := range vs {
		item, err := decodeRaw(v)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}
