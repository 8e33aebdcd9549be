// Package frame is the fixed-header envelope around every link message after the
// handshake.
//
// Layout (big endian, 24 bytes):
//
//	magic u32 | version u16 | flags u16 | message_type u32 | payload_len u32 | message_id u64
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic      uint32 = 0xC4A7F001
	Version    uint16 = 1
	HeaderSize        = 24

	// DefaultMaxPayload bounds a single frame; history batches are the largest.
	DefaultMaxPayload uint32 = 4 << 20

	FlagIsResponse uint16 = 0x02
)

var (
	ErrShortHeader        = errors.New("frame: short header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
)

type Header struct {
	Version     uint16
	Flags       uint16
	MessageType uint32
	PayloadLen  uint32
	MessageID   uint64
}

// IsResponse reports whether the frame answers a request with the same type.
func (h Header) IsResponse() bool {
	return h.Flags&FlagIsResponse != 0
}

type Frame struct {
	Header  Header
	Payload []byte
}

// Append encodes f onto dst. Version and PayloadLen are derived; the caller's values are
// ignored.
func Append(dst []byte, f Frame, maxPayload uint32) ([]byte, error) {
	if uint64(len(f.Payload)) > uint64(maxPayload) {
		return dst, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(f.Payload), maxPayload)
	}
	dst = binary.BigEndian.AppendUint32(dst, Magic)
	dst = binary.BigEndian.AppendUint16(dst, Version)
	dst = binary.BigEndian.AppendUint16(dst, f.Header.Flags)
	dst = binary.BigEndian.AppendUint32(dst, f.Header.MessageType)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Payload)))
	dst = binary.BigEndian.AppendUint64(dst, f.Header.MessageID)
	return append(dst, f.Payload...), nil
}

// Read reads exactly one frame. A stream that ends cleanly between frames returns
// io.EOF; one that ends inside a header returns ErrShortHeader.
func Read(r io.Reader, maxPayload uint32) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, err := ParseHeader(hdr[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > maxPayload {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, maxPayload)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("frame: read payload: %w", err)
	}
	return Frame{Header: h, Payload: payload}, nil
}

// ParseHeader decodes and checks a HeaderSize-byte header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	if magic := binary.BigEndian.Uint32(b[0:4]); magic != Magic {
		return Header{}, fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, magic)
	}
	h := Header{
		Version:     binary.BigEndian.Uint16(b[4:6]),
		Flags:       binary.BigEndian.Uint16(b[6:8]),
		MessageType: binary.BigEndian.Uint32(b[8:12]),
		PayloadLen:  binary.BigEndian.Uint32(b[12:16]),
		MessageID:   binary.BigEndian.Uint64(b[16:24]),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return h, nil
}
