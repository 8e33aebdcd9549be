package link

import (
	"bufio"
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/chatrelay/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestNextBackoffDelayZeroDisablesWait(t *testing.T) {
	testlog.Start(t)
	for attempt := 1; attempt < 5; attempt++ {
		if got := NextBackoffDelay(BackoffConfig{Multiplier: 2}, attempt, nil); got != 0 {
			t.Fatalf("attempt%d got=%v", attempt, got)
		}
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	got := NextBackoffDelay(cfg, 2, rng)
	if got < 250*time.Millisecond || got > 750*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	testlog.Start(t)
	hello := Hello{
		ClientID:    "relay.resort",
		Version:     [3]uint32{2, 3000, 1015901307},
		Credentials: map[string][]byte{"creds": []byte(`{"me":"1555"}`)},
	}
	var buf bytes.Buffer
	if err := WriteHello(&buf, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	got, err := ReadHello(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if got.ClientID != hello.ClientID || got.Version != hello.Version {
		t.Fatalf("unexpected hello: %+v", got)
	}
	if string(got.Credentials["creds"]) != `{"me":"1555"}` {
		t.Fatalf("credentials not preserved: %+v", got.Credentials)
	}
}

func TestHelloRequiresVersion(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	err := WriteHello(&buf, Hello{ClientID: "relay.resort"})
	if !errors.Is(err, ErrInvalidHello) {
		t.Fatalf("expected ErrInvalidHello, got %v", err)
	}
}

func TestHelloAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	ack := HelloAck{
		Status:      AckStatusAccepted,
		Message:     "ok",
		ClientID:    "relay.resort",
		TimestampMS: 1700000000000,
	}
	var buf bytes.Buffer
	if err := WriteHelloAck(&buf, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	got, err := ReadHelloAck(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if got.Status != AckStatusAccepted || got.ClientID != "relay.resort" {
		t.Fatalf("unexpected ack: %+v", got)
	}
}

func TestReadHelloAckRejectsHello(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteHello(&buf, Hello{ClientID: "relay.resort", Version: [3]uint32{2, 3000, 1}}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	if _, err := ReadHelloAck(bufio.NewReader(&buf)); !errors.Is(err, ErrInvalidHelloAck) {
		t.Fatalf("expected ErrInvalidHelloAck, got %v", err)
	}
}

func TestConnectionUpdateCloseCarriesCode(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeConnectionUpdateFrame(7, ConnectionUpdate{
		State:        StateClose,
		CloseCode:    401,
		CloseMessage: "logged out",
	})
	if err != nil {
		t.Fatalf("encode connection.update: %v", err)
	}
	fr, err := ReadFrame(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	got, err := DecodeConnectionUpdateFrame(fr)
	if err != nil {
		t.Fatalf("decode connection.update: %v", err)
	}
	if got.State != StateClose || got.CloseCode != 401 || got.CloseMessage != "logged out" {
		t.Fatalf("unexpected connection.update: %+v", got)
	}
}

func TestConnectionUpdateRejectsUnknownState(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeConnectionUpdateFrame(1, ConnectionUpdate{State: "half-open"}); err == nil {
		t.Fatalf("expected invalid state error")
	}
}

func TestCredsUpdateKeepsEmptyValuesAsDeletes(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeCredsUpdateFrame(3, CredsUpdate{Entries: map[string][]byte{
		"creds":       []byte("secret"),
		"pre-key-101": nil,
	}})
	if err != nil {
		t.Fatalf("encode creds.update: %v", err)
	}
	fr, err := ReadFrame(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	got, err := DecodeCredsUpdateFrame(fr)
	if err != nil {
		t.Fatalf("decode creds.update: %v", err)
	}
	if string(got.Entries["creds"]) != "secret" {
		t.Fatalf("unexpected creds entry: %q", got.Entries["creds"])
	}
	v, ok := got.Entries["pre-key-101"]
	if !ok || len(v) != 0 {
		t.Fatalf("expected empty delete entry, got ok=%v v=%q", ok, v)
	}
}

func TestMessagesUpsertBatch(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeMessagesUpsertFrame(11, MessagesUpsert{
		Type: UpsertNotify,
		Messages: []Message{
			{ID: "m1", Sender: "1555@s.whatsapp.net", Text: "I'm in 204", TimestampMS: 1700000000000},
			{ID: "m2", Sender: "1555@s.whatsapp.net", StubCode: 28, StubName: "PEER_DEVICE_ADDED"},
			{ID: "m3", Sender: "1666@s.whatsapp.net", Text: "mine", FromMe: true},
		},
	})
	if err != nil {
		t.Fatalf("encode messages.upsert: %v", err)
	}
	fr, err := ReadFrame(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	got, err := DecodeMessagesUpsertFrame(fr)
	if err != nil {
		t.Fatalf("decode messages.upsert: %v", err)
	}
	if got.Type != UpsertNotify || len(got.Messages) != 3 {
		t.Fatalf("unexpected upsert: %+v", got)
	}
	if got.Messages[0].Text != "I'm in 204" || got.Messages[0].TimestampMS != 1700000000000 {
		t.Fatalf("unexpected first message: %+v", got.Messages[0])
	}
	if got.Messages[1].Text != "" || got.Messages[1].StubCode != 28 || got.Messages[1].StubName != "PEER_DEVICE_ADDED" {
		t.Fatalf("unexpected stub message: %+v", got.Messages[1])
	}
	if !got.Messages[2].FromMe {
		t.Fatalf("expected from_me on third message")
	}
}

func TestSendMessageRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeSendMessageFrame(5, SendMessage{MessageID: "out.5", Recipient: "1555@s.whatsapp.net", Text: "bye"})
	if err != nil {
		t.Fatalf("encode send.message: %v", err)
	}
	fr, err := ReadFrame(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if _, err := DecodeKeepAliveFrame(fr); err == nil {
		t.Fatalf("expected message type mismatch")
	}
	got, err := DecodeSendMessageFrame(fr)
	if err != nil {
		t.Fatalf("decode send.message: %v", err)
	}
	if got.MessageID != "out.5" || got.Recipient != "1555@s.whatsapp.net" || got.Text != "bye" {
		t.Fatalf("unexpected send.message: %+v", got)
	}
}

func TestValidateClientTransportProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}

	cfg.TLS.Enabled = true
	cfg.TLS.InsecureSkipVerify = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSInsecureSkipNotAllow) {
		t.Fatalf("expected ErrTLSInsecureSkipNotAllow, got %v", err)
	}
}

func TestValidateClientTransportMutualRequiresCertKeyCA(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.TLS.Enabled = true
	cfg.TLS.Mutual = true
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCAFileRequired) {
		t.Fatalf("expected ErrTLSCAFileRequired, got %v", err)
	}

	cfg.TLS.CAFile = "/tmp/ca.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSCertFileRequired) {
		t.Fatalf("expected ErrTLSCertFileRequired, got %v", err)
	}

	cfg.TLS.CertFile = "/tmp/client.pem"
	if err := cfg.ValidateClientTransport(); !errors.Is(err, ErrTLSKeyFileRequired) {
		t.Fatalf("expected ErrTLSKeyFileRequired, got %v", err)
	}

	cfg.TLS.KeyFile = "/tmp/client.key"
	if err := cfg.ValidateClientTransport(); err != nil {
		t.Fatalf("expected valid transport config, got %v", err)
	}
}

func TestValidateServerTransportInvalidMode(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = "lax"
	if err := cfg.ValidateServerTransport(); !errors.Is(err, ErrInvalidSecurityMode) {
		t.Fatalf("expected ErrInvalidSecurityMode, got %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{HeartbeatInterval: time.Second}.WithDefaults()
	if cfg.HeartbeatInterval != time.Second {
		t.Fatalf("explicit heartbeat overwritten: %v", cfg.HeartbeatInterval)
	}
	if cfg.ConnectTimeout != DefaultConfig().ConnectTimeout {
		t.Fatalf("connect timeout not defaulted: %v", cfg.ConnectTimeout)
	}
	if cfg.SecurityMode != SecurityModeDevelopment {
		t.Fatalf("unexpected security mode: %q", cfg.SecurityMode)
	}
}
