package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/protocol/tlv"
)

var ErrUnexpectedMessage = errors.New("session: unexpected message type")

func encodeFieldsFrame(messageType uint16, entity uint32, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			MessageType: messageType,
			EntityID:    entity,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func decodeFieldsFrame(f frame.Frame, messageType uint16) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("%w: got %s want %s", ErrUnexpectedMessage,
			schema.Name(f.Header.MessageType), schema.Name(messageType))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func getString(fields []tlv.Field, id uint16) string {
	f, _ := tlv.Find(fields, id)
	return f.AsString()
}

func getU32(fields []tlv.Field, id uint16) (uint32, error) {
	f, _ := tlv.Find(fields, id)
	return f.AsU32()
}

func getU8(fields []tlv.Field, id uint16) (uint8, error) {
	f, _ := tlv.Find(fields, id)
	return f.AsU8()
}

func getF32(fields []tlv.Field, id uint16) (float32, error) {
	f, _ := tlv.Find(fields, id)
	return f.AsF32()
}
