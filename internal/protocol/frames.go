package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/convsync/internal/engine"
	"github.com/roach88/convsync/internal/ir"
)

// FrameType names a frame.
type FrameType string

// Client to server.
const (
	TypeSubscribe   FrameType = "subscribe"
	TypeUnsubscribe FrameType = "unsubscribe"
	TypeSend        FrameType = "send"
	TypeAck         FrameType = "ack"
)

// Server to client.
const (
	TypeHello   FrameType = "hello"
	TypeMessage FrameType = "message"
	TypeStatus  FrameType = "status"
	TypeSummary FrameType = "summary"
	TypeSent    FrameType = "sent"
	TypeError   FrameType = "error"
)

// ErrBadFrame is wrapped by every decoding failure.
var ErrBadFrame = errors.New("bad frame")

// Envelope is the outer shape of every frame.
type Envelope struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Subscribe starts a stream of conversation messages after Since.
type Subscribe struct {
	ConversationID string `json:"conversation_id"`
	Since          int64  `json:"since"`
}

// Unsubscribe stops a stream.
type Unsubscribe struct {
	ConversationID string `json:"conversation_id"`
}

// Send submits a message. Exactly one of ConversationID and PeerID is set;
// PeerID addresses the direct conversation with that participant.
type Send struct {
	ClientID       string         `json:"client_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	PeerID         string         `json:"peer_id,omitempty"`
	Kind           ir.MessageKind `json:"kind,omitempty"`
	Text           string         `json:"text,omitempty"`
	Media          []ir.MediaRef  `json:"media,omitempty"`
	ReplyTo        string         `json:"reply_to,omitempty"`
}

// Draft converts s into an engine draft from sender.
func (s Send) Draft(sender string) ir.Draft {
	return ir.Draft{
		ClientID:       s.ClientID,
		ConversationID: s.ConversationID,
		SenderID:       sender,
		Content:        ir.Content{Kind: s.Kind, Text: s.Text, Media: s.Media},
		ReplyTo:        s.ReplyTo,
	}
}

// Validate checks addressing.
func (s Send) Validate() error {
	if (s.ConversationID == "") == (s.PeerID == "") {
		return fmt.Errorf("%w: send needs exactly one of conversation_id and peer_id", ErrBadFrame)
	}
	return nil
}

// Ack acknowledges delivery or reading through Sequence.
type Ack struct {
	ConversationID string        `json:"conversation_id"`
	Sequence       int64         `json:"sequence"`
	Kind           ir.CursorKind `json:"kind"`
}

// Validate checks the cursor kind.
func (a Ack) Validate() error {
	if a.Kind != ir.CursorDelivered && a.Kind != ir.CursorRead {
		return fmt.Errorf("%w: ack kind %q", ErrBadFrame, a.Kind)
	}
	return nil
}

// Hello is the first server frame on a connection.
type Hello struct {
	ConnectionID    string `json:"connection_id"`
	User            string `json:"user"`
	ProtocolVersion string `json:"protocol_version"`
}

// Message carries one conversation message.
type Message struct {
	Sequence int64      `json:"sequence"`
	Message  ir.Message `json:"message"`
}

// Sent confirms a Send. The message carries its assigned sequence.
type Sent struct {
	ClientID string     `json:"client_id"`
	Message  ir.Message `json:"message"`
}

// Error reports a failed request or a broken stream.
type Error struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
}

// Encode builds a frame.
func Encode(t FrameType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", t, err)
	}
	out, err := json.Marshal(Envelope{Type: t, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", t, err)
	}
	return out, nil
}

// Decode parses the envelope of a frame.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadFrame)
	}
	return env, nil
}

// DecodeData parses an envelope's payload into T.
func DecodeData[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("%w: %s frame has no data", ErrBadFrame, env.Type)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s data: %v", ErrBadFrame, env.Type, err)
	}
	return v, nil
}

// FromOutbound maps an engine push to its frame type and payload.
func FromOutbound(out engine.Outbound) (FrameType, any, error) {
	switch out.Type {
	case engine.OutboundMessage:
		return TypeMessage, Message{Sequence: out.Message.Seq, Message: *out.Message}, nil
	case engine.OutboundStatus:
		return TypeStatus, *out.Status, nil
	case engine.OutboundSummary:
		return TypeSummary, *out.Summary, nil
	case engine.OutboundError:
		return TypeError, ErrorFrom(out.Err, "", ""), nil
	default:
		return "", nil, fmt.Errorf("unknown outbound type %q", out.Type)
	}
}

// ErrorFrom converts err into an error frame. Runtime errors keep their
// code; protocol errors become BAD_FRAME and anything else INTERNAL.
func ErrorFrom(err error, convID, clientID string) Error {
	f := Error{ConversationID: convID, ClientID: clientID, Message: err.Error()}

	var re *engine.RuntimeError
	switch {
	case errors.As(err, &re):
		f.Code = string(re.Code)
		f.Message = re.Message
		if re.ConversationID != "" {
			f.ConversationID = re.ConversationID
		}
	case errors.Is(err, ErrBadFrame):
		f.Code = CodeBadFrame
	default:
		f.Code = CodeInternal
	}
	return f
}

// Error codes that do not come from the engine.
const (
	CodeBadFrame     = "BAD_FRAME"
	CodeInternal     = "INTERNAL"
	CodeUnauthorized = "UNAUTHORIZED"
)
