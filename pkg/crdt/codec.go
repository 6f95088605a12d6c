package crdt

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v as msgpack with map keys sorted, so equal values always
// produce equal bytes. Envelope digests rely on that.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// rgaWire mirrors the transport shape {insert?: {...}, remove?: id}.
type rgaWire[T any] struct {
	Insert *rgaInsertWire[T] `msgpack:"insert,omitempty" json:"insert,omitempty"`
	Remove string            `msgpack:"remove,omitempty" json:"remove,omitempty"`
}

type rgaInsertWire[T any] struct {
	ID      string `msgpack:"id" json:"id"`
	Value   T      `msgpack:"value" json:"value"`
	AfterID string `msgpack:"after_id,omitempty" json:"after_id,omitempty"`
}

// EncodeRGADelta encodes an insert or remove in its wire shape.
func EncodeRGADelta[T any](delta RGADelta) ([]byte, error) {
	var w rgaWire[T]
	switch d := delta.(type) {
	case RGAInsert[T]:
		w.Insert = &rgaInsertWire[T]{ID: d.ID, Value: d.Value, AfterID: d.AfterID}
	case RGARemove:
		w.Remove = d.ID
	default:
		return nil, invalidDelta(TypeRGA, "cannot encode %T", delta)
	}
	return Marshal(&w)
}

// DecodeRGADelta decodes the wire shape back into the sum type. Exactly one
// of insert and remove must be present.
func DecodeRGADelta[T any](data []byte) (RGADelta, error) {
	var w rgaWire[T]
	if err := Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode rga delta: %w", err)
	}
	switch {
	case w.Insert != nil && w.Remove != "":
		return nil, invalidDelta(TypeRGA, "delta carries both insert and remove")
	case w.Insert != nil:
		return RGAInsert[T]{ID: w.Insert.ID, Value: w.Insert.Value, AfterID: w.Insert.AfterID}, nil
	case w.Remove != "":
		return RGARemove{ID: w.Remove}, nil
	default:
		return nil, invalidDelta(TypeRGA, "delta carries neither insert nor remove")
	}
}

// DecodePNCounterState decodes a counter state, allocating missing maps.
func DecodePNCounterState(data []byte) (PNCounterState, error) {
	var s PNCounterState
	if err := Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode pncounter state: %w", err)
	}
	if s.P == nil {
		s.P = make(map[string]int64)
	}
	if s.N == nil {
		s.N = make(map[string]int64)
	}
	return s, nil
}

// DecodeLWWState decodes a register state.
func DecodeLWWState[T any](data []byte) (LWWState[T], error) {
	var s LWWState[T]
	if err := Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode lww state: %w", err)
	}
	return s, nil
}

// DecodeMVState decodes a multi-value register state and restores dot order.
func DecodeMVState[T any](data []byte) (MVState[T], error) {
	var s MVState[T]
	if err := Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode mvregister state: %w", err)
	}
	if len(s.Entries) == 0 {
		s.Entries = nil
	}
	if s.Clock == nil {
		s.Clock = make(map[string]uint64)
	}
	sortEntries(s.Entries)
	return s, nil
}

// DecodeORSetState decodes a set state, allocating missing maps.
func DecodeORSetState(data []byte) (ORSetState, error) {
	var s ORSetState
	if err := Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode orset state: %w", err)
	}
	if s.Elements == nil {
		s.Elements = make(map[string]map[string]struct{})
	}
	for elem, tags := range s.Elements {
		if tags == nil {
			s.Elements[elem] = make(map[string]struct{})
		}
	}
	if s.Tombstones == nil {
		s.Tombstones = make(map[string]struct{})
	}
	prune(s)
	return s, nil
}

// DecodeRGAState decodes a sequence state and re-derives the canonical order,
// so a state written by a misbehaving peer cannot smuggle in its own order.
func DecodeRGAState[T any](data []byte) (RGAState[T], error) {
	var s RGAState[T]
	if err := Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode rga state: %w", err)
	}
	return build(indexNodes(s.Nodes), s.Removed), nil
}
