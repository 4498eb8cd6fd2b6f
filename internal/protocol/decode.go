package protocol

import (
	"encoding/binary"
	"math"
)

// Reader consumes fixed-width little-endian values from a byte slice.
// Reads past the end return ErrTruncated and leave the offset unchanged.
type Reader struct {
	buf    []byte
	offset int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) ReadUint32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.buf[r.offset : r.offset+4])
	r.offset += 4
	return v, nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(r.buf[r.offset : r.offset+8])
	r.offset += 8
	return v, nil
}

func (r *Reader) ReadFloat32() (float32, error) {
	bits, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int {
	return r.offset
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.offset
}

// Done reports ErrTrailingBytes when unread bytes remain.
func (r *Reader) Done() error {
	if r.Remaining() != 0 {
		return ErrTrailingBytes
	}
	return nil
}
