package replication

import (
	"errors"
	"math"

	"github.com/danmuck/ikrelay/internal/observability"
	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol"
)

// Serialize encodes the channel. A full snapshot writes AllOnes and every
// field; a delta writes the dirty mask and only the dirty fields. Either way
// the dirty mask is cleared. An empty delta is the 8-byte zero mask.
func (c *Channel) Serialize(forceFull bool) []byte {
	mask := c.dirty
	mode := "delta"
	if forceFull {
		mask = AllOnes
		mode = "full"
	}
	w := protocol.NewWriter(c.layout.FullSize())
	w.WriteUint64(mask)
	for _, d := range c.layout.fields {
		if mask&(1<<d.Bit) != 0 {
			w.WriteUint32(c.values[d.Field].Uint32())
		}
	}
	c.dirty = 0
	c.stats.Encoded++
	observability.RecordSyncEncoded(mode, w.Len())
	return w.Bytes()
}

// Deserialize applies an inbound update. The whole update is parsed before
// any field changes, so a malformed payload leaves the channel untouched.
// Hooks run after all values are stored, in wire order.
func (c *Channel) Deserialize(b []byte) error {
	if c.role == RoleAuthority {
		return ErrNotObserver
	}
	updates, err := c.layout.decode(b)
	if err != nil {
		c.stats.DecodeDrops++
		observability.RecordDecodeDrop(dropReason(err))
		c.log.Warn().Err(err).Int("bytes", len(b)).Msg("replication.Deserialize dropped update")
		return err
	}
	changes := make([]Change, 0, len(updates))
	for _, u := range updates {
		if change, ok := c.store(u.field, u.value, OriginRemote); ok {
			changes = append(changes, change)
		}
	}
	for _, change := range changes {
		c.dispatch(change)
	}
	return nil
}

type update struct {
	field FieldID
	value Value
}

func (l Layout) decode(b []byte) ([]update, error) {
	r := protocol.NewReader(b)
	mask, err := r.ReadUint64()
	if err != nil {
		return nil, &DecodeError{Bit: -1, Err: err}
	}
	if mask != AllOnes && mask&^l.mask != 0 {
		extra := mask &^ l.mask
		bit := 0
		for extra&1 == 0 {
			extra >>= 1
			bit++
		}
		return nil, &DecodeError{Bit: bit, Field: FieldID(NumFields), Offset: 0, Err: ErrUnknownBit}
	}
	out := make([]update, 0, len(l.fields))
	for _, d := range l.fields {
		if mask&(1<<d.Bit) == 0 {
			continue
		}
		off := r.Offset()
		raw, err := r.ReadUint32()
		if err != nil {
			return nil, &DecodeError{Bit: int(d.Bit), Field: d.Field, Offset: off, Err: err}
		}
		v := Value(raw)
		if err := checkValue(d, v); err != nil {
			return nil, &DecodeError{Bit: int(d.Bit), Field: d.Field, Offset: off, Err: err}
		}
		out = append(out, update{field: d.Field, value: v})
	}
	if err := r.Done(); err != nil {
		return nil, &DecodeError{Bit: -1, Offset: r.Offset(), Err: err}
	}
	return out, nil
}

func checkValue(d Descriptor, v Value) error {
	if d.Kind == KindF32 {
		f := float64(v.Float32())
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return protocol.ErrNonFinite
		}
	}
	if d.Field == FieldState && !pose.IkState(v.Uint32()).Valid() {
		return ErrInvalidValue
	}
	return nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrTruncated):
		return "truncated"
	case errors.Is(err, protocol.ErrTrailingBytes):
		return "trailing"
	case errors.Is(err, ErrUnknownBit):
		return "unknown_bit"
	case errors.Is(err, protocol.ErrNonFinite):
		return "non_finite"
	case errors.Is(err, ErrInvalidValue):
		return "invalid_value"
	default:
		return "other"
	}
}
