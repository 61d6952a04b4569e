package schema

import (
	"fmt"

	"github.com/danmuck/remotesource/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgInvoke         uint32 = 1
	MsgResult         uint32 = 2
	MsgError          uint32 = 3
	MsgReadData       uint32 = 4
	MsgReadDataResult uint32 = 5
	MsgProgress       uint32 = 6
)

// Field IDs.
const (
	FieldMethod uint16 = 1
	FieldParams uint16 = 2
	FieldResult uint16 = 3

	FieldErrorKind    uint16 = 100
	FieldErrorMessage uint16 = 101

	// Data and Status repeat once per read request, in request order.
	FieldCompression uint16 = 200
	FieldData        uint16 = 201
	FieldStatus      uint16 = 202

	FieldProgress uint16 = 300
)

func MessageName(messageType uint32) string {
	switch messageType {
	case MsgInvoke:
		return "invoke"
	case MsgResult:
		return "result"
	case MsgError:
		return "error"
	case MsgReadData:
		return "read_data"
	case MsgReadDataResult:
		return "read_data_result"
	case MsgProgress:
		return "progress"
	default:
		return fmt.Sprintf("message(%d)", messageType)
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgInvoke: {
		{FieldMethod, tlv.TypeString},
		{FieldParams, tlv.TypeBytes},
	},
	MsgResult: {
		{FieldResult, tlv.TypeBytes},
	},
	MsgError: {
		{FieldErrorKind, tlv.TypeString},
		{FieldErrorMessage, tlv.TypeString},
	},
	MsgReadData: {
		{FieldParams, tlv.TypeBytes},
	},
	MsgReadDataResult: {
		{FieldCompression, tlv.TypeString},
		{FieldData, tlv.TypeBytes},
		{FieldStatus, tlv.TypeBytes},
	},
	MsgProgress: {
		{FieldProgress, tlv.TypeF64},
	},
}

// repeatable fields must all carry the required type, not only the first.
var repeatable = map[uint16]bool{
	FieldData:   true,
	FieldStatus: true,
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema: unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Str("message", MessageName(messageType)).Uint16("field", req.ID).Msg("schema: missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("message", MessageName(messageType)).
				Uint16("field", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema: type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, f := range fields {
		if repeatable[f.ID] && f.Type != tlv.TypeBytes {
			return ValidationError{MessageType: messageType, FieldID: f.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
