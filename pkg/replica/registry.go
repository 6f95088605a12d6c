// Package replica applies delta envelopes to persisted CRDT state and turns
// local mutations into sealed envelopes.
package replica

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shinyes/yep_sync/pkg/crdt"
)

var (
	// ErrUnknownEntity means no CRDT type is registered for an entity name.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrTypeMismatch means an operation targets an entity of another CRDT type.
	ErrTypeMismatch = errors.New("entity type mismatch")
)

// DefaultEntities maps the retail entities to the CRDT that fits their
// concurrency pattern: money and stock are counters, master data fields are
// registers, line collections are sets and ordered lines are sequences.
// Prices are multi-value registers so that two terminals repricing the same
// product at once leave a conflict for a person to settle.
var DefaultEntities = map[string]crdt.Type{
	"cash":               crdt.TypePNCounter,
	"inventory":          crdt.TypePNCounter,
	"stock":              crdt.TypePNCounter,
	"sale_total":         crdt.TypePNCounter,
	"product":            crdt.TypeLWW,
	"customer":           crdt.TypeLWW,
	"debt_status":        crdt.TypeLWW,
	"product_price_bs":   crdt.TypeMVRegister,
	"product_price_usd":  crdt.TypeMVRegister,
	"sale_items":         crdt.TypeORSet,
	"debt_payments":      crdt.TypeORSet,
	"inventory_movement": crdt.TypeORSet,
	"sale_lines":         crdt.TypeRGA,
	"notes":              crdt.TypeRGA,
}

// Registry resolves entity names to CRDT types. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]crdt.Type
}

// NewRegistry returns a registry preloaded with DefaultEntities.
func NewRegistry() *Registry {
	r := &Registry{entities: make(map[string]crdt.Type, len(DefaultEntities))}
	for name, t := range DefaultEntities {
		r.entities[name] = t
	}
	return r
}

// Register binds entity to t, replacing any previous binding.
func (r *Registry) Register(entity string, t crdt.Type) error {
	if entity == "" {
		return errors.New("entity name must not be empty")
	}
	if _, err := handlerFor(t); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[entity] = t
	return nil
}

// Lookup returns the CRDT type of entity.
func (r *Registry) Lookup(entity string) (crdt.Type, error) {
	r.mu.RLock()
	t, ok := r.entities[entity]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEntity, entity)
	}
	return t, nil
}

// Handler returns the type-erased handler for entity.
func (r *Registry) Handler(entity string) (Handler, error) {
	t, err := r.Lookup(entity)
	if err != nil {
		return nil, err
	}
	return handlerFor(t)
}

// Entities lists the registered names in sorted order.
func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entities))
	for name := range r.entities {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
