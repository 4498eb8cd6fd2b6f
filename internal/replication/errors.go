package replication

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthority   = errors.New("replication: local write on observer channel")
	ErrNotObserver    = errors.New("replication: inbound sync on authority channel")
	ErrUnknownField   = errors.New("replication: unknown field")
	ErrImmutableField = errors.New("replication: field is immutable once set")
	ErrUnknownLayout  = errors.New("replication: unknown layout")
	ErrUnknownBit     = errors.New("replication: bitmask carries bits outside layout")
	ErrInvalidValue   = errors.New("replication: invalid field value")
)

// DecodeError reports where an inbound update stopped parsing. Bit is -1 when
// the failure is not tied to a field.
type DecodeError struct {
	Bit    int
	Field  FieldID
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Bit < 0 {
		return fmt.Sprintf("replication: decode at offset %d: %v", e.Offset, e.Err)
	}
	if !e.Field.Valid() {
		return fmt.Sprintf("replication: decode bit %d at offset %d: %v", e.Bit, e.Offset, e.Err)
	}
	return fmt.Sprintf("replication: decode %s (bit %d) at offset %d: %v", e.Field, e.Bit, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HookFailure wraps an error returned by, or a panic raised in, a change hook.
type HookFailure struct {
	Field FieldID
	Err   error
	Panic any
}

func (e HookFailure) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("replication: %s hook panicked: %v", e.Field, e.Panic)
	}
	return fmt.Sprintf("replication: %s hook failed: %v", e.Field, e.Err)
}

func (e HookFailure) Unwrap() error { return e.Err }
