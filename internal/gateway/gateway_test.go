package gateway

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/chatrelay/internal/protocol/link"
	"github.com/danmuck/chatrelay/internal/protocol/schema"
	"github.com/danmuck/chatrelay/internal/testutil/testlog"
)

func TestNoActiveSession(t *testing.T) {
	testlog.Start(t)
	g := New(DefaultConfig())
	if err := g.PushMessages(link.UpsertNotify, link.Message{Sender: "a", Text: "b"}); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if err := g.Close(CodeLoggedOut, ""); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
	if err := g.Drop(); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestListenProductionRequiresTLS(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Link.SecurityMode = link.SecurityModeProduction
	if _, err := New(cfg).Listen(); !errors.Is(err, link.ErrTLSRequired) {
		t.Fatalf("expected ErrTLSRequired, got %v", err)
	}
}

func TestHandshakeAndPairingSequence(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := DefaultConfig()
	cfg.PairingCode = "2@fixed"
	g := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Serve(ctx, ln) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("serve: %v", err)
		}
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))
	reader := bufio.NewReader(conn)
	if err := link.WriteHello(conn, link.Hello{ClientID: "relay.raw", Version: [3]uint32{2, 3000, 1}}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	ack, err := link.ReadHelloAck(reader)
	if err != nil || ack.Status != link.AckStatusAccepted {
		t.Fatalf("unexpected ack=%+v err=%v", ack, err)
	}

	wantTypes := []uint32{schema.MsgConnectionUpdate, schema.MsgCredsUpdate, schema.MsgConnectionUpdate}
	for i, want := range wantTypes {
		fr, err := link.ReadFrame(reader)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if fr.Header.MessageType != want {
			t.Fatalf("frame %d type=%d want=%d", i, fr.Header.MessageType, want)
		}
		if i == 0 {
			u, err := link.DecodeConnectionUpdateFrame(fr)
			if err != nil || u.PairingCode != "2@fixed" {
				t.Fatalf("unexpected connecting update=%+v err=%v", u, err)
			}
		}
	}

	payload, err := link.EncodeSendMessageFrame(1, link.SendMessage{MessageID: "out.1", Recipient: "1555@s.whatsapp.net", Text: "hi"})
	if err != nil {
		t.Fatalf("encode send: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write send: %v", err)
	}
	select {
	case sent := <-g.Sent():
		if sent.MessageID != "out.1" || sent.ClientID != "relay.raw" {
			t.Fatalf("unexpected sent: %+v", sent)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("send.message not recorded")
	}
}
