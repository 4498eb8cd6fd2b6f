package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/ikrelay/internal/pose"
	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/protocol/tlv"
)

var ErrInvalidCommand = errors.New("session: invalid command")

// Command is one authority-directed request.
type Command struct {
	Type   uint16
	Entity pose.EntityID
	// Source is the sending peer, as stamped by the relay.
	Source uint32
	Scale  float32
	Hand   pose.Hand
	Finger pose.Finger
	Value  float32
}

func (c Command) Name() string { return schema.Name(c.Type) }

func (c Command) Validate() error {
	if !schema.IsCommand(c.Type) {
		return fmt.Errorf("%w: %s is not a command", ErrInvalidCommand, schema.Name(c.Type))
	}
	if c.Entity == 0 {
		return fmt.Errorf("%w: missing entity", ErrInvalidCommand)
	}
	if c.Type == schema.MsgCmdSetFingerCurl && (!c.Hand.Valid() || !c.Finger.Valid()) {
		return fmt.Errorf("%w: invalid hand=%d finger=%d", ErrInvalidCommand, c.Hand, c.Finger)
	}
	return nil
}

func EncodeCommandFrame(c Command) (frame.Frame, error) {
	if err := c.Validate(); err != nil {
		return frame.Frame{}, err
	}
	var fields []tlv.Field
	switch c.Type {
	case schema.MsgCmdFinishCalibration, schema.MsgCmdSetScale:
		fields = []tlv.Field{tlv.F32(schema.FieldScale, c.Scale)}
	case schema.MsgCmdSetFingerCurl:
		fields = []tlv.Field{
			tlv.U8(schema.FieldHand, uint8(c.Hand)),
			tlv.U8(schema.FieldFinger, uint8(c.Finger)),
			tlv.F32(schema.FieldCurl, c.Value),
		}
	}
	return encodeFieldsFrame(c.Type, uint32(c.Entity), fields)
}

func DecodeCommandFrame(f frame.Frame) (Command, error) {
	if !schema.IsCommand(f.Header.MessageType) {
		return Command{}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, schema.Name(f.Header.MessageType))
	}
	fields, err := decodeFieldsFrame(f, f.Header.MessageType)
	if err != nil {
		return Command{}, err
	}
	c := Command{
		Type:   f.Header.MessageType,
		Entity: pose.EntityID(f.Header.EntityID),
		Source: f.Header.Source,
	}
	switch c.Type {
	case schema.MsgCmdFinishCalibration, schema.MsgCmdSetScale:
		if c.Scale, err = getF32(fields, schema.FieldScale); err != nil {
			return Command{}, err
		}
	case schema.MsgCmdSetFingerCurl:
		hand, err := getU8(fields, schema.FieldHand)
		if err != nil {
			return Command{}, err
		}
		finger, err := getU8(fields, schema.FieldFinger)
		if err != nil {
			return Command{}, err
		}
		c.Hand, c.Finger = pose.Hand(hand), pose.Finger(finger)
		if c.Value, err = getF32(fields, schema.FieldCurl); err != nil {
			return Command{}, err
		}
	}
	return c, c.Validate()
}
