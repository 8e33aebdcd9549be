package schema

import (
	"fmt"

	"github.com/danmuck/chatrelay/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs from the link contract. MsgMessage and MsgCredEntry never travel as
// frames; they describe the nested TLV records carried inside bytes fields.
const (
	MsgConnectionUpdate uint32 = 1
	MsgCredsUpdate      uint32 = 2
	MsgMessagesUpsert   uint32 = 3
	MsgSendMessage      uint32 = 4
	MsgKeepAlive        uint32 = 5

	MsgMessage   uint32 = 100
	MsgCredEntry uint32 = 101
)

// Field IDs from the link contract.
const (
	FieldState        uint16 = 1
	FieldPairingCode  uint16 = 2
	FieldCloseCode    uint16 = 3
	FieldCloseMessage uint16 = 4

	FieldCredEntry uint16 = 100
	FieldCredName  uint16 = 101
	FieldCredValue uint16 = 102

	FieldUpsertType uint16 = 200
	FieldMessage    uint16 = 201

	FieldMessageID uint16 = 300
	FieldSender    uint16 = 301
	FieldText      uint16 = 302
	FieldFromMe    uint16 = 303
	FieldStubCode  uint16 = 304
	FieldStubName  uint16 = 305

	FieldRecipient uint16 = 400

	FieldTimestampMS uint16 = 500
)

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
	MsgConnectionUpdate: {
		{FieldState, tlv.TypeString},
	},
	MsgCredsUpdate: {
		{FieldCredEntry, tlv.TypeBytes},
	},
	MsgMessagesUpsert: {
		{FieldUpsertType, tlv.TypeString},
	},
	MsgSendMessage: {
		{FieldMessageID, tlv.TypeString},
		{FieldRecipient, tlv.TypeString},
		{FieldText, tlv.TypeString},
	},
	MsgKeepAlive: {
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgMessage: {
		{FieldMessageID, tlv.TypeString},
		{FieldSender, tlv.TypeString},
		{FieldFromMe, tlv.TypeBool},
	},
	MsgCredEntry: {
		{FieldCredName, tlv.TypeString},
		{FieldCredValue, tlv.TypeBytes},
	},
}

// optional fields are type-checked when present.
var optional = map[uint32][]Requirement{
	MsgConnectionUpdate: {
		{FieldPairingCode, tlv.TypeString},
		{FieldCloseCode, tlv.TypeU32},
		{FieldCloseMessage, tlv.TypeString},
	},
	MsgMessagesUpsert: {
		{FieldMessage, tlv.TypeBytes},
	},
	MsgMessage: {
		{FieldText, tlv.TypeString},
		{FieldStubCode, tlv.TypeU32},
		{FieldStubName, tlv.TypeString},
		{FieldTimestampMS, tlv.TypeU64},
	},
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Uint32("message_type", messageType).Uint16("field_id", req.ID).Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	for _, opt := range optional[messageType] {
		for _, f := range tlv.GetAll(fields, opt.ID) {
			if f.Type != opt.Type {
				return ValidationError{MessageType: messageType, FieldID: opt.ID, Reason: "type mismatch"}
			}
		}
	}
	return nil
}
