package replica

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/shinyes/yep_sync/pkg/crdt"
	"github.com/shinyes/yep_sync/pkg/envelope"
	"github.com/shinyes/yep_sync/pkg/hlc"
	"github.com/shinyes/yep_sync/pkg/store"
)

var (
	// ErrElementNotFound is returned when removing an element the local set
	// does not contain.
	ErrElementNotFound = errors.New("element not found")
	// ErrIndexOutOfRange is returned for a sequence position past the end.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// Producer turns local mutations into deltas. Each mutation is applied to
// local state and returned as a sealed envelope for the outbox.
type Producer struct {
	applier *Applier
	storeID string
	nodeID  string
	clock   *hlc.Clock
}

// NewProducer creates a producer for one terminal. Give it the same clock as
// the applier (WithClock) so register timestamps follow remote writes.
func NewProducer(applier *Applier, storeID, nodeID string, clock *hlc.Clock) (*Producer, error) {
	if applier == nil {
		return nil, errors.New("producer needs an applier")
	}
	if storeID == "" || nodeID == "" {
		return nil, errors.New("producer needs a store id and a node id")
	}
	if clock == nil {
		clock = hlc.New()
	}
	return &Producer{applier: applier, storeID: storeID, nodeID: nodeID, clock: clock}, nil
}

func (p *Producer) NodeID() string { return p.nodeID }

// mutate builds a payload from the current state, applies it and persists
// the result in one critical section, then seals the payload.
func (p *Producer) mutate(ctx context.Context, entity, entityID string, want crdt.Type, build func(state []byte) ([]byte, error)) (*envelope.Envelope, error) {
	h, err := p.applier.registry.Handler(entity)
	if err != nil {
		return nil, err
	}
	if h.Type() != want {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", ErrTypeMismatch, entity, h.Type(), want)
	}

	key := store.Key{StoreID: p.storeID, Entity: entity, EntityID: entityID}
	var payload []byte
	err = p.applier.provider.Update(ctx, key, func(cur []byte, _ bool) ([]byte, error) {
		pl, err := build(cur)
		if err != nil {
			return nil, err
		}
		next, err := h.Apply(cur, pl)
		if err != nil {
			return nil, err
		}
		payload = pl
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("local %s on %s: %w", want, key, err)
	}

	return envelope.New(envelope.Meta{
		Entity:      entity,
		EntityID:    entityID,
		StoreID:     p.storeID,
		CausalClock: p.clock.Now(),
	}, payload)
}

func loadState[S any](data []byte, decode func([]byte) (S, error), empty S) (S, error) {
	if len(data) == 0 {
		return empty, nil
	}
	return decode(data)
}

// Increment adds amount to this node's share of a counter.
func (p *Producer) Increment(ctx context.Context, entity, entityID string, amount int64) (*envelope.Envelope, error) {
	return p.mutate(ctx, entity, entityID, crdt.TypePNCounter, func(cur []byte) ([]byte, error) {
		var c crdt.PNCounter
		s, err := loadState(cur, crdt.DecodePNCounterState, c.Empty())
		if err != nil {
			return nil, err
		}
		d, err := c.Increment(s, p.nodeID, amount)
		if err != nil {
			return nil, err
		}
		return crdt.Marshal(d)
	})
}

// Decrement subtracts amount from a counter.
func (p *Producer) Decrement(ctx context.Context, entity, entityID string, amount int64) (*envelope.Envelope, error) {
	return p.mutate(ctx, entity, entityID, crdt.TypePNCounter, func(cur []byte) ([]byte, error) {
		var c crdt.PNCounter
		s, err := loadState(cur, crdt.DecodePNCounterState, c.Empty())
		if err != nil {
			return nil, err
		}
		d, err := c.Decrement(s, p.nodeID, amount)
		if err != nil {
			return nil, err
		}
		return crdt.Marshal(d)
	})
}

// Set writes value to a register. The timestamp is taken past the stored
// one, so a local write always supersedes what this replica has seen.
func (p *Producer) Set(ctx context.Context, entity, entityID string, value any) (*envelope.Envelope, error) {
	encoded, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode register value: %w", err)
	}
	return p.mutate(ctx, entity, entityID, crdt.TypeLWW, func(cur []byte) ([]byte, error) {
		s, err := loadState(cur, crdt.DecodeLWWState[raw], crdt.LWWState[raw]{})
		if err != nil {
			return nil, err
		}
		return crdt.Marshal(crdt.LWWState[raw]{
			Value:     raw(encoded),
			Timestamp: p.clock.Update(s.Timestamp),
			NodeID:    p.nodeID,
		})
	})
}

// Assign writes value to a multi-value register, replacing every value this
// replica has seen. Assigning while in conflict settles it.
func (p *Producer) Assign(ctx context.Context, entity, entityID string, value any) (*envelope.Envelope, error) {
	encoded, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode register value: %w", err)
	}
	return p.mutate(ctx, entity, entityID, crdt.TypeMVRegister, func(cur []byte) ([]byte, error) {
		var mv crdt.MVRegister[raw]
		s, err := loadState(cur, crdt.DecodeMVState[raw], mv.Empty())
		if err != nil {
			return nil, err
		}
		return crdt.Marshal(mv.Write(s, raw(encoded), p.nodeID, p.clock.Now()))
	})
}

// Add adds element to a set under a fresh tag.
func (p *Producer) Add(ctx context.Context, entity, entityID, element string) (*envelope.Envelope, error) {
	return p.mutate(ctx, entity, entityID, crdt.TypeORSet, func([]byte) ([]byte, error) {
		d, err := crdt.ORSet{}.Add(element)
		if err != nil {
			return nil, err
		}
		return crdt.Marshal(d)
	})
}

// Remove removes every instance of element this replica has observed.
func (p *Producer) Remove(ctx context.Context, entity, entityID, element string) (*envelope.Envelope, error) {
	return p.mutate(ctx, entity, entityID, crdt.TypeORSet, func(cur []byte) ([]byte, error) {
		var set crdt.ORSet
		s, err := loadState(cur, crdt.DecodeORSetState, set.Empty())
		if err != nil {
			return nil, err
		}
		if !set.Contains(s, element) {
			return nil, fmt.Errorf("%w: %q", ErrElementNotFound, element)
		}
		return crdt.Marshal(set.Remove(s, element))
	})
}

// InsertAfter inserts value after the node afterID (empty for the head) and
// returns the envelope and the new node id.
func (p *Producer) InsertAfter(ctx context.Context, entity, entityID string, value any, afterID string) (*envelope.Envelope, string, error) {
	encoded, err := msgpack.Marshal(value)
	if err != nil {
		return nil, "", fmt.Errorf("encode sequence value: %w", err)
	}
	var id string
	env, err := p.mutate(ctx, entity, entityID, crdt.TypeRGA, func([]byte) ([]byte, error) {
		d, err := crdt.RGA[raw]{}.Insert(raw(encoded), afterID)
		if err != nil {
			return nil, err
		}
		id = d.ID
		return crdt.EncodeRGADelta[raw](d)
	})
	if err != nil {
		return nil, "", err
	}
	return env, id, nil
}

// InsertAt inserts value so it becomes the visible element at index.
func (p *Producer) InsertAt(ctx context.Context, entity, entityID string, index int, value any) (*envelope.Envelope, string, error) {
	encoded, err := msgpack.Marshal(value)
	if err != nil {
		return nil, "", fmt.Errorf("encode sequence value: %w", err)
	}
	var id string
	env, err := p.mutate(ctx, entity, entityID, crdt.TypeRGA, func(cur []byte) ([]byte, error) {
		var seq crdt.RGA[raw]
		s, err := loadState(cur, crdt.DecodeRGAState[raw], seq.Empty())
		if err != nil {
			return nil, err
		}
		var after string
		if index > 0 {
			var ok bool
			if after, ok = seq.IDAt(s, index-1); !ok {
				return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
			}
		}
		d, err := seq.Insert(raw(encoded), after)
		if err != nil {
			return nil, err
		}
		id = d.ID
		return crdt.EncodeRGADelta[raw](d)
	})
	if err != nil {
		return nil, "", err
	}
	return env, id, nil
}

// RemoveAt hides the visible element at index.
func (p *Producer) RemoveAt(ctx context.Context, entity, entityID string, index int) (*envelope.Envelope, error) {
	return p.mutate(ctx, entity, entityID, crdt.TypeRGA, func(cur []byte) ([]byte, error) {
		var seq crdt.RGA[raw]
		s, err := loadState(cur, crdt.DecodeRGAState[raw], seq.Empty())
		if err != nil {
			return nil, err
		}
		id, ok := seq.IDAt(s, index)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
		}
		return crdt.EncodeRGADelta[raw](crdt.RGARemove{ID: id})
	})
}
