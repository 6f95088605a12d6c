// Package envelope wraps a single CRDT delta with the metadata a receiver
// needs to route it, check its integrity and recognise retries.
package envelope

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrCorruptEnvelope means the payload does not match its hash.
	ErrCorruptEnvelope = errors.New("corrupt envelope")
	// ErrMissingField means a required envelope field is empty.
	ErrMissingField = errors.New("envelope field missing")
)

// CorruptEnvelopeError reports a hash mismatch. The envelope must be dropped
// without applying its payload.
type CorruptEnvelopeError struct {
	DeltaID string
	Entity  string
	Want    string
	Got     string
}

func (e *CorruptEnvelopeError) Error() string {
	return fmt.Sprintf("corrupt envelope %s (%s): hash %s, payload digests to %s", e.DeltaID, e.Entity, e.Want, e.Got)
}

func (e *CorruptEnvelopeError) Unwrap() error {
	return ErrCorruptEnvelope
}

// Envelope is one causal event on one entity.
//
// CausalClock is an HLC timestamp kept for diagnostics; merge correctness
// never depends on it. Payload is the canonical msgpack encoding of the
// delta and Hash is its hex SHA-256 digest.
type Envelope struct {
	Entity      string `msgpack:"entity" json:"entity"`
	EntityID    string `msgpack:"entity_id" json:"entity_id"`
	StoreID     string `msgpack:"store_id" json:"store_id"`
	DeltaID     string `msgpack:"delta_id" json:"delta_id"`
	RequestID   string `msgpack:"request_id" json:"request_id"`
	CausalClock int64  `msgpack:"causal_clock" json:"causal_clock"`
	Hash        string `msgpack:"hash" json:"hash"`
	Payload     []byte `msgpack:"payload" json:"payload"`
}

// Meta is the routing part of an envelope supplied by the producer.
type Meta struct {
	Entity      string
	EntityID    string
	StoreID     string
	RequestID   string
	CausalClock int64
}

// Digest returns the hex SHA-256 digest of payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// New builds a sealed envelope around payload. It mints a time-ordered
// DeltaID and, unless meta carries one, a RequestID.
func New(meta Meta, payload []byte) (*Envelope, error) {
	deltaID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate delta id: %w", err)
	}
	requestID := meta.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	env := &Envelope{
		Entity:      meta.Entity,
		EntityID:    meta.EntityID,
		StoreID:     meta.StoreID,
		DeltaID:     deltaID.String(),
		RequestID:   requestID,
		CausalClock: meta.CausalClock,
		Payload:     payload,
	}
	env.Seal()
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Seal sets Hash from the current payload.
func (e *Envelope) Seal() {
	e.Hash = Digest(e.Payload)
}

// Validate checks that every routing field is present. A missing Hash is
// left to Verify: an envelope that cannot prove its integrity is corrupt,
// not malformed.
func (e *Envelope) Validate() error {
	missing := func(name string) error {
		return fmt.Errorf("%w: %s", ErrMissingField, name)
	}
	switch {
	case e.Entity == "":
		return missing("entity")
	case e.EntityID == "":
		return missing("entity_id")
	case e.StoreID == "":
		return missing("store_id")
	case e.DeltaID == "":
		return missing("delta_id")
	case e.RequestID == "":
		return missing("request_id")
	}
	return nil
}

// Verify recomputes the payload digest and compares it with Hash.
func (e *Envelope) Verify() error {
	got := Digest(e.Payload)
	if e.Hash == "" || subtle.ConstantTimeCompare([]byte(got), []byte(e.Hash)) != 1 {
		return &CorruptEnvelopeError{DeltaID: e.DeltaID, Entity: e.Entity, Want: e.Hash, Got: got}
	}
	return nil
}

// Marshal encodes the envelope as msgpack, the format used for outbox
// storage and binary transports.
func Marshal(e *Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

// Unmarshal decodes a msgpack envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}
