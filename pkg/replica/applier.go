package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shinyes/yep_sync/pkg/crdt"
	"github.com/shinyes/yep_sync/pkg/envelope"
	"github.com/shinyes/yep_sync/pkg/hlc"
	"github.com/shinyes/yep_sync/pkg/store"
)

// CorruptHandler receives every envelope dropped for a hash mismatch.
type CorruptHandler func(env *envelope.Envelope, err error)

// Applier is the receiving side: verify, route, load, apply, persist.
type Applier struct {
	provider  store.Provider
	registry  *Registry
	logger    *slog.Logger
	metrics   *Metrics
	clock     *hlc.Clock
	onCorrupt CorruptHandler
}

// Option configures an Applier.
type Option func(*Applier)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Applier) {
		if logger != nil {
			a.logger = logger.With("component", "applier")
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(a *Applier) { a.metrics = m }
}

// WithClock advances clock with the causal clock of every applied envelope.
func WithClock(clock *hlc.Clock) Option {
	return func(a *Applier) { a.clock = clock }
}

func WithCorruptHandler(fn CorruptHandler) Option {
	return func(a *Applier) { a.onCorrupt = fn }
}

// NewApplier creates an applier over provider. A nil registry means
// NewRegistry().
func NewApplier(provider store.Provider, registry *Registry, opts ...Option) *Applier {
	if registry == nil {
		registry = NewRegistry()
	}
	a := &Applier{
		provider: provider,
		registry: registry,
		logger:   slog.Default().With("component", "applier"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func (a *Applier) Registry() *Registry { return a.registry }

func keyOf(env *envelope.Envelope) store.Key {
	return store.Key{StoreID: env.StoreID, Entity: env.Entity, EntityID: env.EntityID}
}

// Receive applies one envelope. A corrupt envelope is reported and dropped
// without touching state. Redelivery of an applied envelope leaves the state
// unchanged.
func (a *Applier) Receive(ctx context.Context, env *envelope.Envelope) error {
	start := time.Now()
	if env == nil {
		a.metrics.observe(ResultMalformed, 0)
		return fmt.Errorf("%w: nil envelope", envelope.ErrMissingField)
	}
	if err := env.Validate(); err != nil {
		a.metrics.observe(ResultMalformed, 0)
		return err
	}
	if err := env.Verify(); err != nil {
		a.metrics.observe(ResultCorrupt, 0)
		a.logger.Warn("dropping corrupt envelope",
			"delta_id", env.DeltaID, "entity", env.Entity, "entity_id", env.EntityID,
			"store_id", env.StoreID, "error", err)
		a.reportCorrupt(env, err)
		return err
	}

	h, err := a.registry.Handler(env.Entity)
	if err != nil {
		a.metrics.observe(ResultUnknownEntity, 0)
		return err
	}

	key := keyOf(env)
	err = a.provider.Update(ctx, key, func(cur []byte, _ bool) ([]byte, error) {
		return h.Apply(cur, env.Payload)
	})
	if err != nil {
		if errors.Is(err, crdt.ErrInvalidDelta) {
			a.metrics.observe(ResultInvalid, 0)
			a.logger.Warn("rejected delta", "delta_id", env.DeltaID, "key", key.String(), "error", err)
		} else {
			a.metrics.observe(ResultError, 0)
		}
		return fmt.Errorf("apply %s to %s: %w", env.DeltaID, key, err)
	}

	if a.clock != nil {
		a.clock.Update(env.CausalClock)
	}
	a.metrics.observe(ResultApplied, time.Since(start))
	a.logger.Debug("applied delta", "delta_id", env.DeltaID, "request_id", env.RequestID, "key", key.String())
	return nil
}

// ReceiveBatch applies every envelope, continuing past failures, and returns
// the joined errors.
func (a *Applier) ReceiveBatch(ctx context.Context, envs []*envelope.Envelope) error {
	var errs []error
	for _, env := range envs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := a.Receive(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MergeState merges a full remote state snapshot into the local one.
func (a *Applier) MergeState(ctx context.Context, key store.Key, remote []byte) error {
	h, err := a.registry.Handler(key.Entity)
	if err != nil {
		return err
	}
	err = a.provider.Update(ctx, key, func(cur []byte, _ bool) ([]byte, error) {
		return h.Merge(cur, remote)
	})
	if err != nil {
		return fmt.Errorf("merge state into %s: %w", key, err)
	}
	a.logger.Debug("merged remote state", "key", key.String())
	return nil
}

// State returns the encoded state of key, or the empty state when the
// entity has none.
func (a *Applier) State(ctx context.Context, key store.Key) ([]byte, error) {
	h, err := a.registry.Handler(key.Entity)
	if err != nil {
		return nil, err
	}
	data, err := a.provider.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return h.Empty()
	}
	return data, err
}

// Value projects the current value of key: int64 for counters, the decoded
// value for registers, []string for sets, and []any for sequences and
// multi-value registers.
func (a *Applier) Value(ctx context.Context, key store.Key) (any, error) {
	h, err := a.registry.Handler(key.Entity)
	if err != nil {
		return nil, err
	}
	data, err := a.provider.Get(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return h.Value(data)
}

// Conflict returns the concurrent values of a multi-value register and
// whether there is more than one of them.
func (a *Applier) Conflict(ctx context.Context, key store.Key) ([]any, bool, error) {
	t, err := a.registry.Lookup(key.Entity)
	if err != nil {
		return nil, false, err
	}
	if t != crdt.TypeMVRegister {
		return nil, false, fmt.Errorf("%w: %s is a %s, not a %s", ErrTypeMismatch, key.Entity, t, crdt.TypeMVRegister)
	}
	data, err := a.State(ctx, key)
	if err != nil {
		return nil, false, err
	}
	var mv crdt.MVRegister[raw]
	s, err := crdt.DecodeMVState[raw](data)
	if err != nil {
		return nil, false, err
	}
	values, err := decodeRawList(mv.Value(s))
	if err != nil {
		return nil, false, err
	}
	return values.([]any), mv.Conflict(s), nil
}

// EntityValue is one projected entity.
type EntityValue struct {
	Key   store.Key
	Type  crdt.Type
	Value any
}

// Values projects every entity stored for storeID. Entities without a
// registered type are skipped.
func (a *Applier) Values(ctx context.Context, storeID string) ([]EntityValue, error) {
	var out []EntityValue
	err := a.provider.Scan(ctx, storeID, func(key store.Key, state []byte) error {
		h, err := a.registry.Handler(key.Entity)
		if errors.Is(err, ErrUnknownEntity) {
			return nil
		}
		if err != nil {
			return err
		}
		v, err := h.Value(state)
		if err != nil {
			return fmt.Errorf("project %s: %w", key, err)
		}
		out = append(out, EntityValue{Key: key, Type: h.Type(), Value: v})
		return nil
	})
	return out, err
}

func (a *Applier) reportCorrupt(env *envelope.Envelope, err error) {
	if a.onCorrupt == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("corrupt handler panicked", "panic", r)
		}
	}()
	a.onCorrupt(env, err)
}
