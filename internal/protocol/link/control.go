package link

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	controlTypeHello    = "link.hello"
	controlTypeHelloAck = "link.hello.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 1024 * 1024
)

var (
	ErrInvalidHello           = errors.New("link: invalid hello")
	ErrInvalidHelloAck        = errors.New("link: invalid hello ack")
	ErrControlMessageTooLarge = errors.New("link: control message too large")
)

// Hello is the relay->gateway session-start payload. Credentials are the opaque bundle
// the gateway handed out on a previous session; an empty map requests pairing.
type Hello struct {
	ClientID    string            `json:"client_id"`
	Version     [3]uint32         `json:"version"`
	Credentials map[string][]byte `json:"credentials,omitempty"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidHello)
	}
	if h.Version == [3]uint32{} {
		return fmt.Errorf("%w: missing version", ErrInvalidHello)
	}
	for name := range h.Credentials {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: credential entry with empty name", ErrInvalidHello)
		}
	}
	return nil
}

// HelloAck is the gateway->relay handshake response.
type HelloAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	ClientID    string `json:"client_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.ClientID) == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

type controlEnvelope struct {
	Type  string    `json:"type"`
	Hello *Hello    `json:"hello,omitempty"`
	Ack   *HelloAck `json:"hello_ack,omitempty"`
}

func WriteHello(w io.Writer, hello Hello) error {
	if err := hello.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:  controlTypeHello,
		Hello: &hello,
	})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != controlTypeHello || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteHelloAck(w io.Writer, ack HelloAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type: controlTypeHelloAck,
		Ack:  &ack,
	})
}

func ReadHelloAck(r *bufio.Reader) (HelloAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return HelloAck{}, err
	}
	if env.Type != controlTypeHelloAck || env.Ack == nil {
		return HelloAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHelloAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return HelloAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > maxControlLine {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
