// Package tlv encodes message payloads as a flat run of
// id(u16) | type(u8) | len(u32) | value fields, all big-endian.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrTypeMismatch     = errors.New("tlv: type mismatch")
)

const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
	TypeF32    uint8 = 8
)

type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func U8(id uint16, v uint8) Field {
	return Field{ID: id, Type: TypeU8, Value: []byte{v}}
}

func U32(id uint16, v uint32) Field {
	return Field{ID: id, Type: TypeU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func F32(id uint16, v float32) Field {
	return Field{ID: id, Type: TypeF32, Value: binary.BigEndian.AppendUint32(nil, math.Float32bits(v))}
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

// Expect returns ErrTypeMismatch unless f carries type want.
func (f Field) Expect(want uint8) error {
	if f.Type != want {
		return fmt.Errorf("%w: field %d is type %d, want %d", ErrTypeMismatch, f.ID, f.Type, want)
	}
	return nil
}

func (f Field) AsU8() (uint8, error) {
	if len(f.Value) != 1 {
		return 0, fmt.Errorf("tlv: field %d: u8 needs 1 byte, got %d", f.ID, len(f.Value))
	}
	return f.Value[0], nil
}

func (f Field) AsU32() (uint32, error) {
	if len(f.Value) != 4 {
		return 0, fmt.Errorf("tlv: field %d: u32 needs 4 bytes, got %d", f.ID, len(f.Value))
	}
	return binary.BigEndian.Uint32(f.Value), nil
}

func (f Field) AsF32() (float32, error) {
	bits, err := f.AsU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

func (f Field) AsString() string { return string(f.Value) }

// AppendField appends the wire form of f to dst.
func AppendField(dst []byte, f Field) []byte {
	dst = binary.BigEndian.AppendUint16(dst, f.ID)
	dst = append(dst, f.Type)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Value)))
	return append(dst, f.Value...)
}

func EncodeFields(fields []Field) []byte {
	n := 0
	for _, f := range fields {
		n += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, n)
	for _, f := range fields {
		out = AppendField(out, f)
	}
	return out
}

// DecodeFields splits payload into fields in wire order. Values are copied
// so the result does not alias payload. Unknown ids and types are kept.
func DecodeFields(payload []byte) ([]Field, error) {
	var fields []Field
	for rest := payload; len(rest) > 0; {
		if len(rest) < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		f := Field{
			ID:   binary.BigEndian.Uint16(rest[0:2]),
			Type: rest[2],
		}
		n := binary.BigEndian.Uint32(rest[3:HeaderLen])
		rest = rest[HeaderLen:]
		if uint64(n) > uint64(len(rest)) {
			return nil, ErrShortFieldValue
		}
		f.Value = append([]byte(nil), rest[:n]...)
		rest = rest[n:]
		fields = append(fields, f)
	}
	return fields, nil
}

// Find returns the first field with id.
func Find(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}
