package replication

import (
	"fmt"
	"math"

	"github.com/danmuck/ikrelay/internal/pose"
)

// FieldID names one logical replicated field, independent of its wire bit.
type FieldID uint8

const (
	FieldState FieldID = iota
	FieldHeadTarget
	FieldLeftTarget
	FieldRightTarget
	FieldScale
	FieldOwner
	FieldCurlBase
)

// NumFields is the number of logical fields, including the ten curls.
const NumFields = int(FieldCurlBase) + pose.CurlCount

// CurlField returns the field carrying one finger's curl.
func CurlField(h pose.Hand, f pose.Finger) FieldID {
	return FieldCurlBase + FieldID(pose.CurlIndex(h, f))
}

// TargetField returns the field carrying a target reference.
func TargetField(k pose.TargetKind) FieldID {
	return FieldHeadTarget + FieldID(k)
}

func (f FieldID) Valid() bool { return int(f) < NumFields }

// IsCurl reports whether f is one of the curl fields.
func (f FieldID) IsCurl() bool { return f >= FieldCurlBase && f.Valid() }

// Curl returns the hand and finger for a curl field.
func (f FieldID) Curl() (pose.Hand, pose.Finger, bool) {
	if !f.IsCurl() {
		return 0, 0, false
	}
	i := int(f - FieldCurlBase)
	return pose.Hand(i / pose.FingerCount), pose.Finger(i % pose.FingerCount), true
}

func (f FieldID) String() string {
	switch f {
	case FieldState:
		return "state"
	case FieldHeadTarget:
		return "head_target"
	case FieldLeftTarget:
		return "left_target"
	case FieldRightTarget:
		return "right_target"
	case FieldScale:
		return "scale"
	case FieldOwner:
		return "owner"
	}
	if h, fi, ok := f.Curl(); ok {
		return fmt.Sprintf("curl.%s.%s", h, fi)
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// Kind is the wire type of a field. Both kinds are four bytes.
type Kind uint8

const (
	KindU32 Kind = iota
	KindF32
)

func kindOf(f FieldID) Kind {
	if f == FieldScale || f.IsCurl() {
		return KindF32
	}
	return KindU32
}

// Value holds a field's raw 32-bit pattern. Equality is bitwise.
type Value uint32

func U32(v uint32) Value { return Value(v) }

func F32(v float32) Value { return Value(math.Float32bits(v)) }

func (v Value) Uint32() uint32 { return uint32(v) }

func (v Value) Float32() float32 { return math.Float32frombits(uint32(v)) }
