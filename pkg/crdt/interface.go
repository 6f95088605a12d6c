package crdt

import (
	"errors"
	"fmt"
)

// Type identifies the kind of CRDT.
type Type byte

const (
	TypeLWW        Type = 0x01
	TypeORSet      Type = 0x02
	TypePNCounter  Type = 0x03
	TypeRGA        Type = 0x04
	TypeMVRegister Type = 0x05
)

func (t Type) String() string {
	switch t {
	case TypeLWW:
		return "lww"
	case TypeORSet:
		return "orset"
	case TypePNCounter:
		return "pncounter"
	case TypeRGA:
		return "rga"
	case TypeMVRegister:
		return "mvregister"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// ParseType maps a type name as produced by Type.String back to a Type.
func ParseType(name string) (Type, error) {
	switch name {
	case "lww", "register":
		return TypeLWW, nil
	case "orset", "set":
		return TypeORSet, nil
	case "pncounter", "counter":
		return TypePNCounter, nil
	case "rga", "sequence":
		return TypeRGA, nil
	case "mvregister", "mvr", "multivalue":
		return TypeMVRegister, nil
	}
	return 0, fmt.Errorf("unknown crdt type %q", name)
}

// ErrInvalidDelta is returned when a delta violates a precondition of its type.
var ErrInvalidDelta = errors.New("invalid delta")

// InvalidDeltaError describes why a delta was rejected. Nothing is applied
// when it is returned.
type InvalidDeltaError struct {
	CRDTType Type
	Reason   string
}

func (e *InvalidDeltaError) Error() string {
	return fmt.Sprintf("invalid %s delta: %s", e.CRDTType, e.Reason)
}

func (e *InvalidDeltaError) Unwrap() error {
	return ErrInvalidDelta
}

func invalidDelta(t Type, format string, args ...any) error {
	return &InvalidDeltaError{CRDTType: t, Reason: fmt.Sprintf(format, args...)}
}

// CRDT is the contract shared by every replicated type.
//
// States are values: ApplyDelta and Merge never modify their arguments and
// always return a freshly built state. Both must be commutative, associative
// and idempotent, and Empty must be the identity of Merge.
type CRDT[S, D, V any] interface {
	// Type returns the kind of the CRDT.
	Type() Type

	// Empty returns the initial state of a freshly created entity.
	Empty() S

	// ApplyDelta folds one causal event into state. Applying the same delta
	// again leaves the result unchanged.
	ApplyDelta(state S, delta D) (S, error)

	// Merge reconciles two independently evolved full states.
	Merge(a, b S) S

	// Value projects the user-facing value of state.
	Value(state S) V
}
