package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/chatrelay/internal/credentials"
)

// CloseReason is the disconnect code reported by the messaging network.
type CloseReason uint32

const (
	ConnectionClosed    CloseReason = 428
	ConnectionLost      CloseReason = 408
	TimedOut            CloseReason = ConnectionLost
	ConnectionReplaced  CloseReason = 440
	LoggedOut           CloseReason = 401
	BadSession          CloseReason = 500
	RestartRequired     CloseReason = 515
	MultideviceMismatch CloseReason = 411
	Forbidden           CloseReason = 403
	Unavailable         CloseReason = 503
	ConnectionFailure   CloseReason = 502
)

func (r CloseReason) String() string {
	switch r {
	case ConnectionClosed:
		return "connection_closed"
	case ConnectionLost:
		return "connection_lost"
	case ConnectionReplaced:
		return "connection_replaced"
	case LoggedOut:
		return "logged_out"
	case BadSession:
		return "bad_session"
	case RestartRequired:
		return "restart_required"
	case MultideviceMismatch:
		return "multidevice_mismatch"
	case Forbidden:
		return "forbidden"
	case Unavailable:
		return "unavailable"
	case ConnectionFailure:
		return "connection_failure"
	default:
		return fmt.Sprintf("code_%d", uint32(r))
	}
}

// Version is the messaging protocol version triple.
type Version [3]uint32

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// Event is one item on a Connection's event stream. The concrete types are
// CredentialsUpdated, Opening, Open, Closed and MessagesUpsert.
type Event interface {
	isEvent()
}

// CredentialsUpdated carries changed credential entries; empty values mean delete.
type CredentialsUpdated struct {
	Bundle credentials.Bundle
}

// Opening reports a handshake in progress. PairingCode is set when the network
// wants the operator to link this client.
type Opening struct {
	PairingCode string
}

// Open reports an authenticated, ready session.
type Open struct{}

// Closed is the terminal event of a connection.
type Closed struct {
	Reason  CloseReason
	Message string
	Err     error
}

// MessagesUpsert is a batch of inbound messages. Type "notify" marks live traffic.
type MessagesUpsert struct {
	Type     string
	Messages []InboundMessage
}

func (CredentialsUpdated) isEvent() {}
func (Opening) isEvent()            {}
func (Open) isEvent()               {}
func (Closed) isEvent()             {}
func (MessagesUpsert) isEvent()     {}

const UpsertNotify = "notify"

// Stub is a system notification attached to a message instead of content.
type Stub struct {
	Code uint32
	Name string
}

// Device-added notification, the stub a new contact's first contact produces.
const (
	StubPeerDeviceAddedCode uint32 = 28
	StubPeerDeviceAddedName        = "PEER_DEVICE_ADDED"
)

func (s Stub) DeviceAdded() bool {
	return s.Code == StubPeerDeviceAddedCode || s.Name == StubPeerDeviceAddedName
}

// InboundMessage is one message received from the network. An empty Text means the
// message carried no text content.
type InboundMessage struct {
	ID        string
	Sender    string
	Text      string
	FromMe    bool
	Stub      Stub
	Timestamp time.Time
}

// Params configures one connection attempt.
type Params struct {
	Version     Version
	Credentials credentials.Bundle
}

// Sender is the narrow send capability handed to message handlers.
type Sender interface {
	SendText(ctx context.Context, recipient, text string) error
}

// Connection is a live session with the messaging network. Events is closed after the
// terminal Closed event has been delivered.
type Connection interface {
	Sender
	Events() <-chan Event
	Close() error
}

// Dialer constructs connections. Dial returns without waiting for the network;
// progress and failures are reported on the connection's event stream.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Connection, error)
}
