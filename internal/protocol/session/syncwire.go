package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
)

var ErrInvalidSync = errors.New("session: invalid sync update")

// syncSeqLen prefixes every sync payload with the sender's sequence.
const syncSeqLen = 4

// SyncUpdate carries one serialized replication update. Payload is opaque
// here; the replication codec owns its format. Seq counts updates per
// entity so a receiver can tell when one went missing.
type SyncUpdate struct {
	Entity  pose.EntityID
	Tick    uint64
	Seq     uint32
	Full    bool
	Legacy  bool
	Payload []byte
}

func EncodeSyncFrame(u SyncUpdate) frame.Frame {
	msg := schema.MsgSyncDelta
	if u.Full {
		msg = schema.MsgSyncFull
	}
	var flags uint16
	if u.Legacy {
		flags |= frame.FlagLegacyLayout
	}
	payload := make([]byte, syncSeqLen+len(u.Payload))
	binary.BigEndian.PutUint32(payload, u.Seq)
	copy(payload[syncSeqLen:], u.Payload)
	return frame.Frame{
		Header: frame.Header{
			Tick:        u.Tick,
			MessageType: msg,
			Flags:       flags,
			EntityID:    uint32(u.Entity),
		},
		Payload: payload,
	}
}

func DecodeSyncFrame(f frame.Frame) (SyncUpdate, error) {
	switch f.Header.MessageType {
	case schema.MsgSyncFull, schema.MsgSyncDelta:
	default:
		return SyncUpdate{}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, schema.Name(f.Header.MessageType))
	}
	if len(f.Payload) < syncSeqLen {
		return SyncUpdate{}, fmt.Errorf("%w: payload %d bytes", ErrInvalidSync, len(f.Payload))
	}
	return SyncUpdate{
		Entity:  pose.EntityID(f.Header.EntityID),
		Tick:    f.Header.Tick,
		Seq:     binary.BigEndian.Uint32(f.Payload),
		Full:    f.Header.MessageType == schema.MsgSyncFull,
		Legacy:  f.Header.Flags&frame.FlagLegacyLayout != 0,
		Payload: f.Payload[syncSeqLen:],
	}, nil
}

// EncodeResyncRequestFrame asks an entity's authority for a full snapshot.
func EncodeResyncRequestFrame(entity pose.EntityID) frame.Frame {
	return frame.Frame{
		Header: frame.Header{
			MessageType: schema.MsgResyncRequest,
			EntityID:    uint32(entity),
		},
	}
}
