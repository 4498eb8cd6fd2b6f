package schema

import (
	"fmt"

	"github.com/danmuck/ikrelay/internal/logging"
	"github.com/danmuck/ikrelay/internal/protocol/tlv"
)

// Message type IDs carried in frame.Header.MessageType.
const (
	MsgHello      uint16 = 1
	MsgWelcome    uint16 = 2
	MsgPeerJoined uint16 = 3
	MsgPeerLeft   uint16 = 4

	MsgSpawn       uint16 = 10
	MsgDespawn     uint16 = 11
	MsgTargetSpawn uint16 = 12

	MsgSyncFull      uint16 = 20
	MsgSyncDelta     uint16 = 21
	MsgResyncRequest uint16 = 22

	MsgCmdInitPlayer        uint16 = 30
	MsgCmdStartCalibration  uint16 = 31
	MsgCmdFinishCalibration uint16 = 32
	MsgCmdSetScale          uint16 = 33
	MsgCmdSetFingerCurl     uint16 = 34
	MsgCmdDisable           uint16 = 35

	MsgEvtInitAvatar uint16 = 40
)

// Field IDs for tlv payloads.
const (
	FieldPeerName  uint16 = 1
	FieldJoinToken uint16 = 2
	FieldPeerID    uint16 = 3
	FieldSessionID uint16 = 4

	FieldEntityID   uint16 = 100
	FieldOwnerID    uint16 = 101
	FieldLayout     uint16 = 102
	FieldTargetID   uint16 = 103
	FieldTargetKind uint16 = 104

	FieldScale  uint16 = 200
	FieldHand   uint16 = 201
	FieldFinger uint16 = 202
	FieldCurl   uint16 = 203
)

// Route tells the relay where a message type is delivered.
type Route uint8

const (
	// RouteHub messages originate or terminate at the relay.
	RouteHub Route = iota
	// RouteAuthority messages are forwarded only to the entity's authority.
	RouteAuthority
	// RouteBroadcast messages are forwarded to every peer except the sender.
	RouteBroadcast
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint16
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

type spec struct {
	name  string
	route Route
	// raw payloads are not tlv encoded and are not validated here.
	raw  bool
	reqs []Requirement
}

var specs = map[uint16]spec{
	MsgHello: {name: "hello", route: RouteHub, reqs: []Requirement{
		{FieldPeerName, tlv.TypeString},
	}},
	MsgWelcome: {name: "welcome", route: RouteHub, reqs: []Requirement{
		{FieldPeerID, tlv.TypeU32},
		{FieldSessionID, tlv.TypeString},
	}},
	MsgPeerJoined: {name: "peer.joined", route: RouteHub, reqs: []Requirement{
		{FieldPeerID, tlv.TypeU32},
		{FieldPeerName, tlv.TypeString},
	}},
	MsgPeerLeft: {name: "peer.left", route: RouteHub, reqs: []Requirement{
		{FieldPeerID, tlv.TypeU32},
	}},
	MsgSpawn: {name: "spawn", route: RouteBroadcast, reqs: []Requirement{
		{FieldEntityID, tlv.TypeU32},
		{FieldOwnerID, tlv.TypeU32},
		{FieldLayout, tlv.TypeU8},
	}},
	MsgDespawn: {name: "despawn", route: RouteBroadcast, reqs: []Requirement{
		{FieldEntityID, tlv.TypeU32},
	}},
	MsgTargetSpawn: {name: "target.spawn", route: RouteBroadcast, reqs: []Requirement{
		{FieldEntityID, tlv.TypeU32},
		{FieldTargetID, tlv.TypeU32},
		{FieldTargetKind, tlv.TypeU8},
	}},
	MsgSyncFull:             {name: "sync.full", route: RouteBroadcast, raw: true},
	MsgSyncDelta:            {name: "sync.delta", route: RouteBroadcast, raw: true},
	MsgResyncRequest:        {name: "sync.resync", route: RouteAuthority},
	MsgCmdInitPlayer:        {name: "cmd.init_player", route: RouteAuthority},
	MsgCmdStartCalibration:  {name: "cmd.start_calibration", route: RouteAuthority},
	MsgCmdFinishCalibration: {name: "cmd.finish_calibration", route: RouteAuthority, reqs: []Requirement{
		{FieldScale, tlv.TypeF32},
	}},
	MsgCmdSetScale: {name: "cmd.set_scale", route: RouteAuthority, reqs: []Requirement{
		{FieldScale, tlv.TypeF32},
	}},
	MsgCmdSetFingerCurl: {name: "cmd.set_finger_curl", route: RouteAuthority, reqs: []Requirement{
		{FieldHand, tlv.TypeU8},
		{FieldFinger, tlv.TypeU8},
		{FieldCurl, tlv.TypeF32},
	}},
	MsgCmdDisable:    {name: "cmd.disable", route: RouteAuthority},
	MsgEvtInitAvatar: {name: "evt.init_avatar", route: RouteBroadcast},
}

// Known reports whether messageType is part of the catalogue.
func Known(messageType uint16) bool {
	_, ok := specs[messageType]
	return ok
}

// Name returns a stable log name for messageType.
func Name(messageType uint16) string {
	if s, ok := specs[messageType]; ok {
		return s.name
	}
	return fmt.Sprintf("unknown(%d)", messageType)
}

// RouteOf returns the relay route for messageType. Unknown types terminate at
// the hub.
func RouteOf(messageType uint16) Route {
	return specs[messageType].route
}

// IsRaw reports whether messageType carries a non-tlv payload.
func IsRaw(messageType uint16) bool {
	return specs[messageType].raw
}

// IsCommand reports whether messageType is an authority-directed command.
func IsCommand(messageType uint16) bool {
	return messageType >= MsgCmdInitPlayer && messageType <= MsgCmdDisable
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint16, fields []tlv.Field) error {
	logger := logging.For("schema")
	s, ok := specs[messageType]
	if !ok {
		logger.Error().Uint16("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	if s.raw {
		return ValidationError{MessageType: messageType, Reason: "raw payload has no tlv schema"}
	}
	for _, req := range s.reqs {
		f, found := tlv.Find(fields, req.ID)
		if !found {
			logger.Warn().
				Uint16("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			logger.Warn().
				Uint16("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	logger.Trace().Str("message", s.name).Msg("schema.Validate ok")
	return nil
}
