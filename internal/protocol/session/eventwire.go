package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/protocol/tlv"
)

var ErrInvalidEvent = errors.New("session: invalid event")

// Spawn announces a tracked entity, its controlling peer and wire layout.
type Spawn struct {
	Entity pose.EntityID
	Owner  pose.EntityID
	Layout uint8
}

func (s Spawn) Validate() error {
	if s.Entity == 0 {
		return fmt.Errorf("%w: spawn missing entity", ErrInvalidEvent)
	}
	if s.Owner == 0 {
		return fmt.Errorf("%w: spawn missing owner", ErrInvalidEvent)
	}
	return nil
}

// TargetSpawn announces a tracking target created by an entity's authority.
type TargetSpawn struct {
	Entity pose.EntityID
	Target pose.EntityID
	Kind   pose.TargetKind
}

func (t TargetSpawn) Validate() error {
	if t.Entity == 0 || t.Target == 0 {
		return fmt.Errorf("%w: target spawn missing ids", ErrInvalidEvent)
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: target kind %d", ErrInvalidEvent, t.Kind)
	}
	return nil
}

func EncodeSpawnFrame(s Spawn) (frame.Frame, error) {
	if err := s.Validate(); err != nil {
		return frame.Frame{}, err
	}
	return encodeFieldsFrame(schema.MsgSpawn, uint32(s.Entity), []tlv.Field{
		tlv.U32(schema.FieldEntityID, uint32(s.Entity)),
		tlv.U32(schema.FieldOwnerID, uint32(s.Owner)),
		tlv.U8(schema.FieldLayout, s.Layout),
	})
}

func DecodeSpawnFrame(f frame.Frame) (Spawn, error) {
	fields, err := decodeFieldsFrame(f, schema.MsgSpawn)
	if err != nil {
		return Spawn{}, err
	}
	entity, err := getU32(fields, schema.FieldEntityID)
	if err != nil {
		return Spawn{}, err
	}
	owner, err := getU32(fields, schema.FieldOwnerID)
	if err != nil {
		return Spawn{}, err
	}
	layout, err := getU8(fields, schema.FieldLayout)
	if err != nil {
		return Spawn{}, err
	}
	s := Spawn{Entity: pose.EntityID(entity), Owner: pose.EntityID(owner), Layout: layout}
	return s, s.Validate()
}

func EncodeDespawnFrame(entity pose.EntityID) (frame.Frame, error) {
	if entity == 0 {
		return frame.Frame{}, fmt.Errorf("%w: despawn missing entity", ErrInvalidEvent)
	}
	return encodeFieldsFrame(schema.MsgDespawn, uint32(entity), []tlv.Field{
		tlv.U32(schema.FieldEntityID, uint32(entity)),
	})
}

func DecodeDespawnFrame(f frame.Frame) (pose.EntityID, error) {
	fields, err := decodeFieldsFrame(f, schema.MsgDespawn)
	if err != nil {
		return 0, err
	}
	entity, err := getU32(fields, schema.FieldEntityID)
	return pose.EntityID(entity), err
}

func EncodeTargetSpawnFrame(t TargetSpawn) (frame.Frame, error) {
	if err := t.Validate(); err != nil {
		return frame.Frame{}, err
	}
	return encodeFieldsFrame(schema.MsgTargetSpawn, uint32(t.Entity), []tlv.Field{
		tlv.U32(schema.FieldEntityID, uint32(t.Entity)),
		tlv.U32(schema.FieldTargetID, uint32(t.Target)),
		tlv.U8(schema.FieldTargetKind, uint8(t.Kind)),
	})
}

func DecodeTargetSpawnFrame(f frame.Frame) (TargetSpawn, error) {
	fields, err := decodeFieldsFrame(f, schema.MsgTargetSpawn)
	if err != nil {
		return TargetSpawn{}, err
	}
	entity, err := getU32(fields, schema.FieldEntityID)
	if err != nil {
		return TargetSpawn{}, err
	}
	target, err := getU32(fields, schema.FieldTargetID)
	if err != nil {
		return TargetSpawn{}, err
	}
	kind, err := getU8(fields, schema.FieldTargetKind)
	if err != nil {
		return TargetSpawn{}, err
	}
	t := TargetSpawn{Entity: pose.EntityID(entity), Target: pose.EntityID(target), Kind: pose.TargetKind(kind)}
	return t, t.Validate()
}

// EncodeInitAvatarFrame tells observers to build their view once targets resolve.
func EncodeInitAvatarFrame(entity pose.EntityID) (frame.Frame, error) {
	if entity == 0 {
		return frame.Frame{}, fmt.Errorf("%w: init avatar missing entity", ErrInvalidEvent)
	}
	return encodeFieldsFrame(schema.MsgEvtInitAvatar, uint32(entity), nil)
}
