package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/ikrelay/internal/protocol/frame"
	"github.com/danmuck/ikrelay/internal/protocol/schema"
	"github.com/danmuck/ikrelay/internal/protocol/tlv"
)

var (
	ErrInvalidHello   = errors.New("session: invalid hello")
	ErrInvalidWelcome = errors.New("session: invalid welcome")
)

// Hello is the first frame a peer sends after connecting.
type Hello struct {
	PeerName  string
	JoinToken string
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.PeerName) == "" {
		return fmt.Errorf("%w: missing peer name", ErrInvalidHello)
	}
	return nil
}

// Welcome is the relay's answer to Hello.
type Welcome struct {
	PeerID    uint32
	SessionID string
}

func (w Welcome) Validate() error {
	if w.PeerID == 0 {
		return fmt.Errorf("%w: missing peer id", ErrInvalidWelcome)
	}
	if strings.TrimSpace(w.SessionID) == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidWelcome)
	}
	return nil
}

// Presence announces a peer joining or leaving the relay.
type Presence struct {
	PeerID   uint32
	PeerName string
	Joined   bool
}

func EncodeHelloFrame(h Hello) (frame.Frame, error) {
	if err := h.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{tlv.String(schema.FieldPeerName, h.PeerName)}
	if h.JoinToken != "" {
		fields = append(fields, tlv.String(schema.FieldJoinToken, h.JoinToken))
	}
	return encodeFieldsFrame(schema.MsgHello, 0, fields)
}

func DecodeHelloFrame(f frame.Frame) (Hello, error) {
	fields, err := decodeFieldsFrame(f, schema.MsgHello)
	if err != nil {
		return Hello{}, err
	}
	h := Hello{
		PeerName:  getString(fields, schema.FieldPeerName),
		JoinToken: getString(fields, schema.FieldJoinToken),
	}
	return h, h.Validate()
}

func EncodeWelcomeFrame(w Welcome) (frame.Frame, error) {
	if err := w.Validate(); err != nil {
		return frame.Frame{}, err
	}
	return encodeFieldsFrame(schema.MsgWelcome, 0, []tlv.Field{
		tlv.U32(schema.FieldPeerID, w.PeerID),
		tlv.String(schema.FieldSessionID, w.SessionID),
	})
}

func DecodeWelcomeFrame(f frame.Frame) (Welcome, error) {
	fields, err := decodeFieldsFrame(f, schema.MsgWelcome)
	if err != nil {
		return Welcome{}, err
	}
	id, err := getU32(fields, schema.FieldPeerID)
	if err != nil {
		return Welcome{}, err
	}
	w := Welcome{PeerID: id, SessionID: getString(fields, schema.FieldSessionID)}
	return w, w.Validate()
}

func EncodePresenceFrame(p Presence) (frame.Frame, error) {
	if p.Joined {
		return encodeFieldsFrame(schema.MsgPeerJoined, 0, []tlv.Field{
			tlv.U32(schema.FieldPeerID, p.PeerID),
			tlv.String(schema.FieldPeerName, p.PeerName),
		})
	}
	return encodeFieldsFrame(schema.MsgPeerLeft, 0, []tlv.Field{
		tlv.U32(schema.FieldPeerID, p.PeerID),
	})
}

func DecodePresenceFrame(f frame.Frame) (Presence, error) {
	joined := f.Header.MessageType == schema.MsgPeerJoined
	want := schema.MsgPeerLeft
	if joined {
		want = schema.MsgPeerJoined
	}
	fields, err := decodeFieldsFrame(f, want)
	if err != nil {
		return Presence{}, err
	}
	id, err := getU32(fields, schema.FieldPeerID)
	if err != nil {
		return Presence{}, err
	}
	return Presence{PeerID: id, PeerName: getString(fields, schema.FieldPeerName), Joined: joined}, nil
}
