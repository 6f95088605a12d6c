package replica

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinyes/yep_sync/pkg/crdt"
	"github.com/shinyes/yep_sync/pkg/envelope"
	"github.com/shinyes/yep_sync/pkg/hlc"
	"github.com/shinyes/yep_sync/pkg/store"
)

const storeID = "store-1"

type terminal struct {
	applier  *Applier
	producer *Producer
	metrics  *Metrics
}

func newTerminal(t *testing.T, node string, opts ...Option) *terminal {
	t.Helper()
	clock := hlc.New()
	metrics := NewMetrics()
	opts = append([]Option{WithClock(clock), WithMetrics(metrics)}, opts...)
	a := NewApplier(store.NewMemory(), nil, opts...)
	p, err := NewProducer(a, storeID, node, clock)
	require.NoError(t, err)
	return &terminal{applier: a, producer: p, metrics: metrics}
}

func key(entity, id string) store.Key {
	return store.Key{StoreID: storeID, Entity: entity, EntityID: id}
}

func deliver(t *testing.T, to *terminal, envs ...*envelope.Envelope) {
	t.Helper()
	for _, env := range envs {
		require.NoError(t, to.applier.Receive(context.Background(), env))
	}
}

func value(t *testing.T, term *terminal, k store.Key) any {
	t.Helper()
	v, err := term.applier.Value(context.Background(), k)
	require.NoError(t, err)
	return v
}

func TestCounter_ConvergesAcrossTerminals(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B")
	drawer := key("cash", "drawer")

	a1, err := a.producer.Increment(ctx, "cash", "drawer", 500)
	require.NoError(t, err)
	a2, err := a.producer.Decrement(ctx, "cash", "drawer", 120)
	require.NoError(t, err)
	b1, err := b.producer.Increment(ctx, "cash", "drawer", 300)
	require.NoError(t, err)

	deliver(t, a, b1)
	deliver(t, b, a2, a1)
	// redelivery is a no-op
	deliver(t, b, a1, a2, a1)

	assert.Equal(t, int64(680), value(t, a, drawer))
	assert.Equal(t, int64(680), value(t, b, drawer))
}

func TestCounter_ConcurrentLocalIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")

	done := make(chan error)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := a.producer.Increment(ctx, "stock", "sku-1", 1)
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done)
	}
	assert.Equal(t, int64(20), value(t, a, key("stock", "sku-1")))
}

func TestRegister_LaterWriteWins(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B")

	first, err := a.producer.Set(ctx, "product", "sku-1", "Coffee 250g")
	require.NoError(t, err)
	deliver(t, b, first)

	second, err := b.producer.Set(ctx, "product", "sku-1", "Coffee 500g")
	require.NoError(t, err)
	deliver(t, a, second)
	deliver(t, b, first)

	assert.Equal(t, "Coffee 500g", value(t, a, key("product", "sku-1")))
	assert.Equal(t, "Coffee 500g", value(t, b, key("product", "sku-1")))
}

func TestRegister_EmptyProjectsNil(t *testing.T) {
	a := newTerminal(t, "A")
	assert.Nil(t, value(t, a, key("customer", "c-1")))
}

func TestPrice_ConcurrentEditsSurfaceConflict(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B")
	k := key("product_price_usd", "sku-1")

	first, err := a.producer.Assign(ctx, "product_price_usd", "sku-1", "10.00")
	require.NoError(t, err)
	deliver(t, b, first)

	fromA, err := a.producer.Assign(ctx, "product_price_usd", "sku-1", "11.00")
	require.NoError(t, err)
	fromB, err := b.producer.Assign(ctx, "product_price_usd", "sku-1", "9.50")
	require.NoError(t, err)
	deliver(t, a, fromB)
	deliver(t, b, fromA)

	for _, term := range []*terminal{a, b} {
		values, conflicted, err := term.applier.Conflict(ctx, k)
		require.NoError(t, err)
		assert.True(t, conflicted)
		assert.ElementsMatch(t, []any{"11.00", "9.50"}, values)
	}
	assert.Equal(t, value(t, a, k), value(t, b, k))

	settle, err := b.producer.Assign(ctx, "product_price_usd", "sku-1", "10.50")
	require.NoError(t, err)
	deliver(t, a, settle)

	for _, term := range []*terminal{a, b} {
		values, conflicted, err := term.applier.Conflict(ctx, k)
		require.NoError(t, err)
		assert.False(t, conflicted)
		assert.Equal(t, []any{"10.50"}, values)
	}
}

func TestPrice_ConflictQueryNeedsMultiValueEntity(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")

	values, conflicted, err := a.applier.Conflict(ctx, key("product_price_bs", "sku-9"))
	require.NoError(t, err)
	assert.False(t, conflicted)
	assert.Empty(t, values)

	_, _, err = a.applier.Conflict(ctx, key("product", "sku-9"))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = a.producer.Assign(ctx, "product", "sku-9", "x")
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestSet_ConcurrentAddSurvivesRemove(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B")

	add1, err := a.producer.Add(ctx, "sale_items", "sale-1", "apple")
	require.NoError(t, err)
	deliver(t, b, add1)

	remove, err := b.producer.Remove(ctx, "sale_items", "sale-1", "apple")
	require.NoError(t, err)
	add2, err := a.producer.Add(ctx, "sale_items", "sale-1", "apple")
	require.NoError(t, err)

	deliver(t, a, remove)
	deliver(t, b, add2)

	assert.Equal(t, []string{"apple"}, value(t, a, key("sale_items", "sale-1")))
	assert.Equal(t, []string{"apple"}, value(t, b, key("sale_items", "sale-1")))
}

func TestSet_RemoveMissingElement(t *testing.T) {
	a := newTerminal(t, "A")
	_, err := a.producer.Remove(context.Background(), "sale_items", "sale-1", "pear")
	assert.ErrorIs(t, err, ErrElementNotFound)
}

func sealSetDelta(t *testing.T, entityID string, d crdt.ORSetDelta) *envelope.Envelope {
	t.Helper()
	payload, err := crdt.Marshal(d)
	require.NoError(t, err)
	env, err := envelope.New(envelope.Meta{Entity: "sale_items", EntityID: entityID, StoreID: storeID}, payload)
	require.NoError(t, err)
	return env
}

func TestSet_RemoveWithoutObservedTagsIsRejected(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B")
	k := key("sale_items", "sale-1")

	add, err := a.producer.Add(ctx, "sale_items", "sale-1", "apple")
	require.NoError(t, err)
	deliver(t, b, add)

	bare := sealSetDelta(t, "sale-1", crdt.ORSetDelta{Op: crdt.SetRemove, Element: "apple"})
	err = b.applier.Receive(ctx, bare)
	assert.ErrorIs(t, err, crdt.ErrInvalidDelta)
	assert.Equal(t, []string{"apple"}, value(t, b, k))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.envelopes.WithLabelValues(ResultInvalid)))
}

func TestSet_SingleTagRemoveConvergesWithConcurrentAdd(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B")
	k := key("sale_items", "sale-1")

	add1, err := a.producer.Add(ctx, "sale_items", "sale-1", "apple")
	require.NoError(t, err)
	deliver(t, b, add1)

	var d crdt.ORSetDelta
	require.NoError(t, crdt.Unmarshal(add1.Payload, &d))
	remove := sealSetDelta(t, "sale-1", crdt.ORSetDelta{Op: crdt.SetRemove, Element: "apple", Tag: d.Tag})
	deliver(t, b, remove)

	add2, err := a.producer.Add(ctx, "sale_items", "sale-1", "apple")
	require.NoError(t, err)

	deliver(t, a, remove)
	deliver(t, b, add2)

	assert.Equal(t, []string{"apple"}, value(t, a, k))
	assert.Equal(t, []string{"apple"}, value(t, b, k))
}

func TestSequence_InsertAndRemoveByPosition(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B")
	lines := key("sale_lines", "sale-1")

	e1, _, err := a.producer.InsertAt(ctx, "sale_lines", "sale-1", 0, "bread")
	require.NoError(t, err)
	e2, _, err := a.producer.InsertAt(ctx, "sale_lines", "sale-1", 1, "milk")
	require.NoError(t, err)
	e3, _, err := a.producer.InsertAt(ctx, "sale_lines", "sale-1", 1, "eggs")
	require.NoError(t, err)
	assert.Equal(t, []any{"bread", "eggs", "milk"}, value(t, a, lines))

	e4, err := a.producer.RemoveAt(ctx, "sale_lines", "sale-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"eggs", "milk"}, value(t, a, lines))

	// out of causal order: the remove and the later inserts arrive first
	deliver(t, b, e4, e3, e2, e1)
	assert.Equal(t, []any{"eggs", "milk"}, value(t, b, lines))

	_, _, err = a.producer.InsertAt(ctx, "sale_lines", "sale-1", 5, "late")
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestSequence_InsertAfterReturnsNodeID(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")

	_, head, err := a.producer.InsertAfter(ctx, "notes", "n-1", "first", "")
	require.NoError(t, err)
	_, _, err = a.producer.InsertAfter(ctx, "notes", "n-1", "second", head)
	require.NoError(t, err)
	assert.Equal(t, []any{"first", "second"}, value(t, a, key("notes", "n-1")))
}

func TestProducer_TypeMismatch(t *testing.T) {
	a := newTerminal(t, "A")
	_, err := a.producer.Increment(context.Background(), "product", "sku-1", 1)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestReceive_CorruptEnvelopeIsDropped(t *testing.T) {
	ctx := context.Background()
	var reported []*envelope.Envelope
	a := newTerminal(t, "A")
	b := newTerminal(t, "B", WithCorruptHandler(func(env *envelope.Envelope, err error) {
		assert.ErrorIs(t, err, envelope.ErrCorruptEnvelope)
		reported = append(reported, env)
	}))

	env, err := a.producer.Increment(ctx, "cash", "drawer", 100)
	require.NoError(t, err)
	tampered := *env
	tampered.Payload = append([]byte{}, env.Payload...)
	tampered.Payload[len(tampered.Payload)-1]++

	err = b.applier.Receive(ctx, &tampered)
	require.Error(t, err)
	assert.ErrorIs(t, err, envelope.ErrCorruptEnvelope)
	require.Len(t, reported, 1)
	assert.Equal(t, env.DeltaID, reported[0].DeltaID)

	_, err = b.applier.provider.Get(ctx, key("cash", "drawer"))
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.envelopes.WithLabelValues(ResultCorrupt)))
}

func TestReceive_MissingHashCountsAsCorrupt(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B")

	env, err := a.producer.Increment(ctx, "cash", "drawer", 1)
	require.NoError(t, err)
	env.Hash = ""

	assert.ErrorIs(t, b.applier.Receive(ctx, env), envelope.ErrCorruptEnvelope)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.envelopes.WithLabelValues(ResultCorrupt)))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.metrics.envelopes.WithLabelValues(ResultMalformed)))
}

func TestReceive_MissingRequestIDIsMalformed(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B")

	env, err := a.producer.Increment(ctx, "cash", "drawer", 1)
	require.NoError(t, err)
	env.RequestID = ""

	assert.ErrorIs(t, b.applier.Receive(ctx, env), envelope.ErrMissingField)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.envelopes.WithLabelValues(ResultMalformed)))
}

func TestReceive_CorruptHandlerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B", WithCorruptHandler(func(*envelope.Envelope, error) { panic("boom") }))

	env, err := a.producer.Increment(ctx, "cash", "drawer", 1)
	require.NoError(t, err)
	env.Hash = envelope.Digest([]byte("other"))

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, b.applier.Receive(ctx, env), envelope.ErrCorruptEnvelope)
	})
}

func TestReceive_RejectsInvalidDelta(t *testing.T) {
	ctx := context.Background()
	b := newTerminal(t, "B")

	payload, err := crdt.Marshal(crdt.PNCounterDelta{NodeID: "A", Increment: -5})
	require.NoError(t, err)
	env, err := envelope.New(envelope.Meta{Entity: "cash", EntityID: "drawer", StoreID: storeID}, payload)
	require.NoError(t, err)

	err = b.applier.Receive(ctx, env)
	assert.ErrorIs(t, err, crdt.ErrInvalidDelta)
	assert.Equal(t, int64(0), value(t, b, key("cash", "drawer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.envelopes.WithLabelValues(ResultInvalid)))
}

func TestReceive_MalformedPayloadIsInvalid(t *testing.T) {
	b := newTerminal(t, "B")
	env, err := envelope.New(envelope.Meta{Entity: "notes", EntityID: "n", StoreID: storeID}, []byte{0xc1})
	require.NoError(t, err)

	err = b.applier.Receive(context.Background(), env)
	assert.ErrorIs(t, err, crdt.ErrInvalidDelta)
}

func TestReceive_UnknownEntity(t *testing.T) {
	b := newTerminal(t, "B")
	env, err := envelope.New(envelope.Meta{Entity: "loyalty", EntityID: "x", StoreID: storeID}, []byte{0x80})
	require.NoError(t, err)

	err = b.applier.Receive(context.Background(), env)
	assert.ErrorIs(t, err, ErrUnknownEntity)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.envelopes.WithLabelValues(ResultUnknownEntity)))
}

func TestReceiveBatch_ContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B")

	good1, err := a.producer.Increment(ctx, "cash", "drawer", 10)
	require.NoError(t, err)
	good2, err := a.producer.Increment(ctx, "cash", "drawer", 5)
	require.NoError(t, err)
	bad := *good1
	bad.Hash = envelope.Digest(nil)

	err = b.applier.ReceiveBatch(ctx, []*envelope.Envelope{good1, &bad, nil, good2})
	require.Error(t, err)
	assert.ErrorIs(t, err, envelope.ErrCorruptEnvelope)
	assert.ErrorIs(t, err, envelope.ErrMissingField)
	assert.Equal(t, int64(15), value(t, b, key("cash", "drawer")))
	assert.Equal(t, 2.0, testutil.ToFloat64(b.metrics.envelopes.WithLabelValues(ResultApplied)))
}

func TestMergeState_FullSnapshot(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")
	b := newTerminal(t, "B")
	k := key("debt_payments", "debt-9")

	_, err := a.producer.Add(ctx, "debt_payments", "debt-9", "pay-1")
	require.NoError(t, err)
	_, err = b.producer.Add(ctx, "debt_payments", "debt-9", "pay-2")
	require.NoError(t, err)

	snapA, err := a.applier.State(ctx, k)
	require.NoError(t, err)
	snapB, err := b.applier.State(ctx, k)
	require.NoError(t, err)

	require.NoError(t, a.applier.MergeState(ctx, k, snapB))
	require.NoError(t, b.applier.MergeState(ctx, k, snapA))
	// merging again changes nothing
	require.NoError(t, b.applier.MergeState(ctx, k, snapA))

	want := []string{"pay-1", "pay-2"}
	assert.Equal(t, want, value(t, a, k))
	assert.Equal(t, want, value(t, b, k))
}

func TestMergeState_RejectsGarbage(t *testing.T) {
	b := newTerminal(t, "B")
	err := b.applier.MergeState(context.Background(), key("cash", "drawer"), []byte{0xc1})
	assert.Error(t, err)
}

func TestValues_ListsStoreEntities(t *testing.T) {
	ctx := context.Background()
	a := newTerminal(t, "A")

	_, err := a.producer.Increment(ctx, "cash", "drawer", 7)
	require.NoError(t, err)
	_, err = a.producer.Set(ctx, "customer", "c-1", "Ana")
	require.NoError(t, err)

	values, err := a.applier.Values(ctx, storeID)
	require.NoError(t, err)
	got := map[string]any{}
	for _, v := range values {
		got[v.Key.String()] = v.Value
	}
	assert.Equal(t, map[string]any{
		"store-1/cash/drawer":  int64(7),
		"store-1/customer/c-1": "Ana",
	}, got)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	typ, err := r.Lookup("cash")
	require.NoError(t, err)
	assert.Equal(t, crdt.TypePNCounter, typ)

	_, err = r.Lookup("loyalty")
	assert.ErrorIs(t, err, ErrUnknownEntity)

	require.NoError(t, r.Register("loyalty", crdt.TypePNCounter))
	typ, err = r.Lookup("loyalty")
	require.NoError(t, err)
	assert.Equal(t, crdt.TypePNCounter, typ)

	assert.Error(t, r.Register("", crdt.TypeLWW))
	assert.Error(t, r.Register("bad", crdt.Type(99)))
	assert.Contains(t, r.Entities(), "loyalty")

	typ, err = r.Lookup("product_price_usd")
	require.NoError(t, err)
	assert.Equal(t, crdt.TypeMVRegister, typ)
}

func TestMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics()
	require.NoError(t, m.Register(reg))
	require.NoError(t, m.Register(reg))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.observe(ResultApplied, 0) })
}

func TestNewProducer_Validates(t *testing.T) {
	_, err := NewProducer(nil, storeID, "A", nil)
	assert.Error(t, err)
	_, err = NewProducer(NewApplier(store.NewMemory(), nil), "", "A", nil)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrTypeMismatch))
}
