package replication

import (
	"fmt"
	"strings"
)

// AllOnes is the bitmask that marks a full snapshot.
const AllOnes = ^uint64(0)

// Descriptor places one field on the wire.
type Descriptor struct {
	Field FieldID
	Bit   uint8
	Kind  Kind
}

// Layout is an ordered field table. Fields are encoded in table order; a
// field is present when its bit is set in the mask. Two descriptors may share
// a bit, in which case both are written whenever that bit is dirty.
type Layout struct {
	ID     uint8
	Name   string
	fields []Descriptor
	bits   [NumFields]int8
	mask   uint64
}

const (
	LayoutCanonical uint8 = 0
	LayoutLegacy    uint8 = 1
)

// CanonicalLayout gives every field its own bit: state, three targets, scale,
// owner, then ten curls (left thumb to right pinky) on bits 6-15.
var CanonicalLayout = func() Layout {
	order := []FieldID{FieldState, FieldHeadTarget, FieldLeftTarget, FieldRightTarget, FieldScale, FieldOwner}
	descs := make([]Descriptor, 0, NumFields)
	for i, f := range order {
		descs = append(descs, Descriptor{Field: f, Bit: uint8(i), Kind: kindOf(f)})
	}
	for i := 0; i < NumFields-int(FieldCurlBase); i++ {
		f := FieldCurlBase + FieldID(i)
		descs = append(descs, Descriptor{Field: f, Bit: uint8(len(order) + i), Kind: KindF32})
	}
	return mustLayout(LayoutCanonical, "canonical", descs)
}()

// LegacyLayout matches the older peers: the right-hand target and scale both
// ride bit 3, the owner rides bit 4, and curls are not replicated.
var LegacyLayout = mustLayout(LayoutLegacy, "legacy", []Descriptor{
	{Field: FieldState, Bit: 0, Kind: KindU32},
	{Field: FieldHeadTarget, Bit: 1, Kind: KindU32},
	{Field: FieldLeftTarget, Bit: 2, Kind: KindU32},
	{Field: FieldRightTarget, Bit: 3, Kind: KindU32},
	{Field: FieldScale, Bit: 3, Kind: KindF32},
	{Field: FieldOwner, Bit: 4, Kind: KindU32},
})

func mustLayout(id uint8, name string, descs []Descriptor) Layout {
	l := Layout{ID: id, Name: name, fields: descs}
	for i := range l.bits {
		l.bits[i] = -1
	}
	prev := -1
	for _, d := range descs {
		if !d.Field.Valid() || d.Bit > 63 {
			panic(fmt.Sprintf("replication: layout %s: bad descriptor %+v", name, d))
		}
		if int(d.Bit) < prev {
			panic(fmt.Sprintf("replication: layout %s: bits out of order at %s", name, d.Field))
		}
		if l.bits[d.Field] != -1 {
			panic(fmt.Sprintf("replication: layout %s: duplicate field %s", name, d.Field))
		}
		prev = int(d.Bit)
		l.bits[d.Field] = int8(d.Bit)
		l.mask |= 1 << d.Bit
	}
	return l
}

// LayoutByID resolves a layout id carried on the wire.
func LayoutByID(id uint8) (Layout, error) {
	switch id {
	case LayoutCanonical:
		return CanonicalLayout, nil
	case LayoutLegacy:
		return LegacyLayout, nil
	default:
		return Layout{}, fmt.Errorf("%w: id=%d", ErrUnknownLayout, id)
	}
}

// LayoutByName resolves a configured layout name.
func LayoutByName(name string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "canonical":
		return CanonicalLayout, nil
	case "legacy":
		return LegacyLayout, nil
	default:
		return Layout{}, fmt.Errorf("%w: %q", ErrUnknownLayout, name)
	}
}

// Descriptors returns the field table in wire order.
func (l Layout) Descriptors() []Descriptor {
	out := make([]Descriptor, len(l.fields))
	copy(out, l.fields)
	return out
}

// Bit returns the wire bit for f.
func (l Layout) Bit(f FieldID) (uint8, bool) {
	if !f.Valid() || l.bits[f] < 0 {
		return 0, false
	}
	return uint8(l.bits[f]), true
}

// Carries reports whether f is replicated by this layout.
func (l Layout) Carries(f FieldID) bool {
	_, ok := l.Bit(f)
	return ok
}

// Mask is the union of all bits the layout uses.
func (l Layout) Mask() uint64 { return l.mask }

// FullSize is the byte length of a full snapshot.
func (l Layout) FullSize() int { return 8 + 4*len(l.fields) }
