package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader  = errors.New("tlv: short field header")
	ErrShortFieldValue   = errors.New("tlv: short field value")
	ErrFieldTypeMismatch = errors.New("tlv: field type mismatch")
	ErrInvalidLength     = errors.New("tlv: invalid length")
	ErrInvalidBool       = errors.New("tlv: invalid bool value")
)

// Type IDs from tlv contract.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Field{ID: id, Type: TypeBytes, Value: buf}
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func U32(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: TypeU32, Value: buf}
}

func U64(id uint16, v uint64) Field {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return Field{ID: id, Type: TypeU64, Value: buf}
}

// AsString returns the field value as string.
func (f Field) AsString() (string, error) {
	if f.Type != TypeString {
		return "", ErrFieldTypeMismatch
	}
	return string(f.Value), nil
}

// AsBool returns the field value as bool.
func (f Field) AsBool() (bool, error) {
	if f.Type != TypeBool {
		return false, ErrFieldTypeMismatch
	}
	if len(f.Value) != 1 {
		return false, ErrInvalidLength
	}
	switch f.Value[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidBool
	}
}

// AsU32 returns the field value as uint32.
func (f Field) AsU32() (uint32, error) {
	if f.Type != TypeU32 {
		return 0, ErrFieldTypeMismatch
	}
	return U32FromBytes(f.Value)
}

// AsU64 returns the field value as uint64.
func (f Field) AsU64() (uint64, error) {
	if f.Type != TypeU64 {
		return 0, ErrFieldTypeMismatch
	}
	if len(f.Value) != 8 {
		return 0, ErrInvalidLength
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

// GetField returns the first field with id.
func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// GetAll returns every field with id, in wire order.
func GetAll(fields []Field, id uint16) []Field {
	out := make([]Field, 0)
	for _, f := range fields {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
