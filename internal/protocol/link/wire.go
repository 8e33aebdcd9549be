package link

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/danmuck/chatrelay/internal/protocol/frame"
	"github.com/danmuck/chatrelay/internal/protocol/schema"
	"github.com/danmuck/chatrelay/internal/protocol/tlv"
)

// Connection states carried by ConnectionUpdate.
const (
	StateConnecting = "connecting"
	StateOpen       = "open"
	StateClose      = "close"
)

// Upsert types carried by MessagesUpsert.
const (
	UpsertNotify = "notify"
	UpsertAppend = "append"
)

// ConnectionUpdate is the gateway's view of the network session.
type ConnectionUpdate struct {
	State        string
	PairingCode  string
	CloseCode    uint32
	CloseMessage string
}

func (u ConnectionUpdate) Validate() error {
	switch strings.TrimSpace(u.State) {
	case StateConnecting, StateOpen, StateClose:
		return nil
	default:
		return fmt.Errorf("connection.update invalid state %q", u.State)
	}
}

// CredsUpdate carries changed credential entries. An empty value deletes the entry.
type CredsUpdate struct {
	Entries map[string][]byte
}

// Message is one network message as relayed by the gateway.
type Message struct {
	ID          string
	Sender      string
	Text        string
	FromMe      bool
	StubCode    uint32
	StubName    string
	TimestampMS uint64
}

// MessagesUpsert is a batch of messages; Type distinguishes live ("notify") traffic from
// history sync replays.
type MessagesUpsert struct {
	Type     string
	Messages []Message
}

// SendMessage is the relay->gateway outbound text request.
type SendMessage struct {
	MessageID string
	Recipient string
	Text      string
}

func (m SendMessage) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("send.message missing message_id")
	}
	if strings.TrimSpace(m.Recipient) == "" {
		return fmt.Errorf("send.message missing recipient")
	}
	return nil
}

// KeepAlive is exchanged in both directions to detect dead sessions.
type KeepAlive struct {
	TimestampMS uint64
}

func EncodeConnectionUpdateFrame(messageID uint64, u ConnectionUpdate) ([]byte, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{tlv.String(schema.FieldState, u.State)}
	if u.PairingCode != "" {
		fields = append(fields, tlv.String(schema.FieldPairingCode, u.PairingCode))
	}
	if u.State == StateClose {
		fields = append(fields, tlv.U32(schema.FieldCloseCode, u.CloseCode))
		if u.CloseMessage != "" {
			fields = append(fields, tlv.String(schema.FieldCloseMessage, u.CloseMessage))
		}
	}
	return encodeFrame(messageID, schema.MsgConnectionUpdate, 0, fields)
}

func DecodeConnectionUpdateFrame(f frame.Frame) (ConnectionUpdate, error) {
	fields, err := decodeValidated(f, schema.MsgConnectionUpdate)
	if err != nil {
		return ConnectionUpdate{}, err
	}
	u := ConnectionUpdate{
		State:        getString(fields, schema.FieldState),
		PairingCode:  getString(fields, schema.FieldPairingCode),
		CloseMessage: getString(fields, schema.FieldCloseMessage),
	}
	if codeField, ok := tlv.GetField(fields, schema.FieldCloseCode); ok {
		code, err := codeField.AsU32()
		if err != nil {
			return ConnectionUpdate{}, err
		}
		u.CloseCode = code
	}
	if err := u.Validate(); err != nil {
		return ConnectionUpdate{}, err
	}
	return u, nil
}

func EncodeCredsUpdateFrame(messageID uint64, u CredsUpdate) ([]byte, error) {
	if len(u.Entries) == 0 {
		return nil, fmt.Errorf("creds.update has no entries")
	}
	names := make([]string, 0, len(u.Entries))
	for name := range u.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]tlv.Field, 0, len(names))
	for _, name := range names {
		entry := []tlv.Field{
			tlv.String(schema.FieldCredName, name),
			tlv.Bytes(schema.FieldCredValue, u.Entries[name]),
		}
		if err := schema.Validate(schema.MsgCredEntry, entry); err != nil {
			return nil, err
		}
		fields = append(fields, tlv.Bytes(schema.FieldCredEntry, tlv.EncodeFields(entry)))
	}
	return encodeFrame(messageID, schema.MsgCredsUpdate, 0, fields)
}

func DecodeCredsUpdateFrame(f frame.Frame) (CredsUpdate, error) {
	fields, err := decodeValidated(f, schema.MsgCredsUpdate)
	if err != nil {
		return CredsUpdate{}, err
	}
	out := CredsUpdate{Entries: make(map[string][]byte)}
	for _, raw := range tlv.GetAll(fields, schema.FieldCredEntry) {
		entry, err := tlv.DecodeFields(raw.Value)
		if err != nil {
			return CredsUpdate{}, err
		}
		if err := schema.Validate(schema.MsgCredEntry, entry); err != nil {
			return CredsUpdate{}, err
		}
		value, _ := tlv.GetField(entry, schema.FieldCredValue)
		out.Entries[getString(entry, schema.FieldCredName)] = value.Value
	}
	return out, nil
}

func EncodeMessagesUpsertFrame(messageID uint64, u MessagesUpsert) ([]byte, error) {
	if strings.TrimSpace(u.Type) == "" {
		return nil, fmt.Errorf("messages.upsert missing type")
	}
	fields := []tlv.Field{tlv.String(schema.FieldUpsertType, u.Type)}
	for _, msg := range u.Messages {
		nested := encodeMessage(msg)
		if err := schema.Validate(schema.MsgMessage, nested); err != nil {
			return nil, err
		}
		fields = append(fields, tlv.Bytes(schema.FieldMessage, tlv.EncodeFields(nested)))
	}
	return encodeFrame(messageID, schema.MsgMessagesUpsert, 0, fields)
}

func DecodeMessagesUpsertFrame(f frame.Frame) (MessagesUpsert, error) {
	fields, err := decodeValidated(f, schema.MsgMessagesUpsert)
	if err != nil {
		return MessagesUpsert{}, err
	}
	out := MessagesUpsert{Type: getString(fields, schema.FieldUpsertType)}
	for _, raw := range tlv.GetAll(fields, schema.FieldMessage) {
		nested, err := tlv.DecodeFields(raw.Value)
		if err != nil {
			return MessagesUpsert{}, err
		}
		msg, err := decodeMessage(nested)
		if err != nil {
			return MessagesUpsert{}, err
		}
		out.Messages = append(out.Messages, msg)
	}
	return out, nil
}

func encodeMessage(m Message) []tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldMessageID, m.ID),
		tlv.String(schema.FieldSender, m.Sender),
		tlv.Bool(schema.FieldFromMe, m.FromMe),
	}
	if m.Text != "" {
		fields = append(fields, tlv.String(schema.FieldText, m.Text))
	}
	if m.StubCode != 0 {
		fields = append(fields, tlv.U32(schema.FieldStubCode, m.StubCode))
	}
	if m.StubName != "" {
		fields = append(fields, tlv.String(schema.FieldStubName, m.StubName))
	}
	if m.TimestampMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldTimestampMS, m.TimestampMS))
	}
	return fields
}

func decodeMessage(fields []tlv.Field) (Message, error) {
	if err := schema.Validate(schema.MsgMessage, fields); err != nil {
		return Message{}, err
	}
	fromMeField, _ := tlv.GetField(fields, schema.FieldFromMe)
	fromMe, err := fromMeField.AsBool()
	if err != nil {
		return Message{}, err
	}
	m := Message{
		ID:       getString(fields, schema.FieldMessageID),
		Sender:   getString(fields, schema.FieldSender),
		Text:     getString(fields, schema.FieldText),
		FromMe:   fromMe,
		StubName: getString(fields, schema.FieldStubName),
	}
	if f, ok := tlv.GetField(fields, schema.FieldStubCode); ok {
		if m.StubCode, err = f.AsU32(); err != nil {
			return Message{}, err
		}
	}
	if f, ok := tlv.GetField(fields, schema.FieldTimestampMS); ok {
		if m.TimestampMS, err = f.AsU64(); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

func EncodeSendMessageFrame(messageID uint64, m SendMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldMessageID, m.MessageID),
		tlv.String(schema.FieldRecipient, m.Recipient),
		tlv.String(schema.FieldText, m.Text),
	}
	return encodeFrame(messageID, schema.MsgSendMessage, 0, fields)
}

func DecodeSendMessageFrame(f frame.Frame) (SendMessage, error) {
	fields, err := decodeValidated(f, schema.MsgSendMessage)
	if err != nil {
		return SendMessage{}, err
	}
	return SendMessage{
		MessageID: getString(fields, schema.FieldMessageID),
		Recipient: getString(fields, schema.FieldRecipient),
		Text:      getString(fields, schema.FieldText),
	}, nil
}

func EncodeKeepAliveFrame(messageID uint64, k KeepAlive, response bool) ([]byte, error) {
	var flags uint16
	if response {
		flags = frame.FlagIsResponse
	}
	return encodeFrame(messageID, schema.MsgKeepAlive, flags, []tlv.Field{
		tlv.U64(schema.FieldTimestampMS, k.TimestampMS),
	})
}

func DecodeKeepAliveFrame(f frame.Frame) (KeepAlive, error) {
	fields, err := decodeValidated(f, schema.MsgKeepAlive)
	if err != nil {
		return KeepAlive{}, err
	}
	tsField, _ := tlv.GetField(fields, schema.FieldTimestampMS)
	ts, err := tsField.AsU64()
	if err != nil {
		return KeepAlive{}, err
	}
	return KeepAlive{TimestampMS: ts}, nil
}

// ReadFrame reads one framed message from the stream.
func ReadFrame(r io.Reader) (frame.Frame, error) {
	return frame.Read(r, frame.DefaultMaxPayload)
}

func encodeFrame(messageID uint64, messageType uint32, flags uint16, fields []tlv.Field) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return frame.Append(nil, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultMaxPayload)
}

func decodeValidated(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("link: message_type=%d want=%d", f.Header.MessageType, messageType)
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
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}
