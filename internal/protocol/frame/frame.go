package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	Magic          uint32 = 0x494b5231 // "IKR1"
	Version        uint16 = 2
	FixedHeaderLen uint16 = 32

	FlagLegacyLayout uint16 = 0x01
	FlagForwarded    uint16 = 0x02
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrHeaderLenMismatch  = errors.New("frame: header_len mismatch")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrShortPayload       = errors.New("frame: short payload")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	Tick        uint64
	MessageType uint16
	Flags       uint16
	EntityID    uint32
	// Source is the sending peer id, stamped by the relay.
	Source     uint32
	PayloadLen uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024,
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if err := validateHeader(h, limits); err != nil {
		return Frame{}, err
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ErrShortPayload
		}
	}

	return Frame{Header: h, Payload: payload}, nil
}

// Parse decodes exactly one frame from b, as delivered by a message-oriented
// transport.
func Parse(b []byte, limits Limits) (Frame, error) {
	if len(b) < int(FixedHeaderLen) {
		return Frame{}, ErrShortHeader
	}
	h, err := DecodeHeader(b[:FixedHeaderLen])
	if err != nil {
		return Frame{}, err
	}
	if err := validateHeader(h, limits); err != nil {
		return Frame{}, err
	}
	rest := b[FixedHeaderLen:]
	if uint64(len(rest)) != uint64(h.PayloadLen) {
		return Frame{}, ErrShortPayload
	}
	payload := make([]byte, len(rest))
	copy(payload, rest)
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := Marshal(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Marshal encodes f, filling in magic, version and lengths.
func Marshal(f Frame, limits Limits) ([]byte, error) {
	if uint64(len(f.Payload)) > limits.MaxPayloadBytes || uint64(len(f.Payload)) > math.MaxUint32 {
		return nil, ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = uint32(len(f.Payload))

	out := make([]byte, 0, int(FixedHeaderLen)+len(f.Payload))
	out = append(out, EncodeHeader(h)...)
	out = append(out, f.Payload...)
	return out, nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.Tick)
	binary.BigEndian.PutUint16(buf[16:18], h.MessageType)
	binary.BigEndian.PutUint16(buf[18:20], h.Flags)
	binary.BigEndian.PutUint32(buf[20:24], h.EntityID)
	binary.BigEndian.PutUint32(buf[24:28], h.Source)
	binary.BigEndian.PutUint32(buf[28:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		Tick:        binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint16(b[16:18]),
		Flags:       binary.BigEndian.Uint16(b[18:20]),
		EntityID:    binary.BigEndian.Uint32(b[20:24]),
		Source:      binary.BigEndian.Uint32(b[24:28]),
		PayloadLen:  binary.BigEndian.Uint32(b[28:32]),
	}, nil
}

func validateHeader(h Header, limits Limits) error {
	if h.Magic != Magic {
		return ErrInvalidMagic
	}
	if h.Version != Version {
		return ErrUnsupportedVersion
	}
	if h.HeaderLen != FixedHeaderLen {
		return ErrHeaderLenMismatch
	}
	if uint64(h.PayloadLen) > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}
