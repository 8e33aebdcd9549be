package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/chatrelay/internal/credentials"
	"github.com/danmuck/chatrelay/internal/protocol/frame"
	"github.com/danmuck/chatrelay/internal/protocol/link"
	"github.com/danmuck/chatrelay/internal/protocol/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrGatewayAddressRequired = errors.New("transport: gateway address required")
	ErrClientIDRequired       = errors.New("transport: client_id required")
	ErrNotConnected           = errors.New("transport: connection not open")
	ErrConnectionClosed       = errors.New("transport: connection closed")
	ErrHandshakeRejected      = errors.New("transport: handshake rejected")
)

type LinkDialerConfig struct {
	Address     string
	ClientID    string
	Link        link.Config
	EventBuffer int
}

func DefaultLinkDialerConfig() LinkDialerConfig {
	return LinkDialerConfig{
		ClientID:    "chatrelay",
		Link:        link.DefaultConfig(),
		EventBuffer: 64,
	}
}

// LinkDialer connects to a gateway speaking the link protocol.
type LinkDialer struct {
	cfg LinkDialerConfig
}

func NewLinkDialer(cfg LinkDialerConfig) (*LinkDialer, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrGatewayAddressRequired
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, ErrClientIDRequired
	}
	cfg.Link = cfg.Link.WithDefaults()
	if err := cfg.Link.ValidateClientTransport(); err != nil {
		return nil, err
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultLinkDialerConfig().EventBuffer
	}
	return &LinkDialer{cfg: cfg}, nil
}

// Dial starts a connection attempt in the background and returns immediately.
func (d *LinkDialer) Dial(ctx context.Context, p Params) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := &linkConnection{
		cfg:     d.cfg,
		params:  Params{Version: p.Version, Credentials: p.Credentials.Clone()},
		events:  make(chan Event, d.cfg.EventBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	c.nextMessageID.Store(uint64(time.Now().UnixNano()))
	go c.run(runCtx)
	return c, nil
}

type linkConnection struct {
	cfg    LinkDialerConfig
	params Params

	events    chan Event
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	cancel    context.CancelFunc

	mu   sync.Mutex
	conn net.Conn
	open bool

	writeMu       sync.Mutex
	nextMessageID atomic.Uint64
}

func (c *linkConnection) Events() <-chan Event {
	return c.events
}

// Close tears the connection down and waits for its goroutines to exit.
func (c *linkConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	<-c.done
	return nil
}

func (c *linkConnection) SendText(ctx context.Context, recipient, text string) error {
	if c.isClosing() {
		return ErrConnectionClosed
	}
	c.mu.Lock()
	conn, open := c.conn, c.open
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	payload, err := link.EncodeSendMessageFrame(c.nextMessageID.Add(1), link.SendMessage{
		MessageID: uuid.NewString(),
		Recipient: recipient,
		Text:      text,
	})
	if err != nil {
		return err
	}
	if err := c.write(ctx, conn, payload); err != nil {
		return fmt.Errorf("transport: send text: %w", err)
	}
	return nil
}

func (c *linkConnection) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *linkConnection) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	closed := c.session(ctx)

	c.mu.Lock()
	conn := c.conn
	c.open = false
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	log.Info().
		Str("addr", c.cfg.Address).
		Uint32("code", uint32(closed.Reason)).
		Str("reason", closed.Reason.String()).
		AnErr("err", closed.Err).
		Msg("transport.link closed")

	select {
	case c.events <- closed:
		return
	default:
	}
	select {
	case c.events <- closed:
	case <-c.closing:
	}
}

func (c *linkConnection) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closing:
		return false
	}
}

func (c *linkConnection) session(ctx context.Context) Closed {
	conn, err := c.dial(ctx)
	if err != nil {
		if c.isClosing() || ctx.Err() != nil {
			return Closed{Reason: ConnectionClosed, Err: err}
		}
		return Closed{Reason: ConnectionFailure, Err: err}
	}

	c.mu.Lock()
	if c.isClosing() {
		c.mu.Unlock()
		_ = conn.Close()
		return Closed{Reason: ConnectionClosed, Err: ErrConnectionClosed}
	}
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reader := bufio.NewReader(conn)
	ack, err := c.handshake(conn, reader)
	if err != nil {
		if c.isClosing() || ctx.Err() != nil {
			return Closed{Reason: ConnectionClosed, Err: err}
		}
		return Closed{Reason: ConnectionFailure, Err: err}
	}
	if ack.Status != link.AckStatusAccepted {
		reason := CloseReason(ack.Code)
		if reason == 0 {
			reason = ConnectionFailure
		}
		return Closed{
			Reason:  reason,
			Message: ack.Message,
			Err:     fmt.Errorf("%w: code=%d message=%q", ErrHandshakeRejected, ack.Code, ack.Message),
		}
	}

	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	log.Info().Str("addr", c.cfg.Address).Str("version", c.params.Version.String()).Msg("transport.link handshake accepted")

	hbCtx, hbCancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAliveLoop(hbCtx, conn)
	}()
	defer func() {
		hbCancel()
		wg.Wait()
	}()

	return c.readLoop(ctx, conn, reader)
}

func (c *linkConnection) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Link.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Link.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := c.cfg.Link.ClientTLSConfig(c.cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Link.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *linkConnection) handshake(conn net.Conn, reader *bufio.Reader) (link.HelloAck, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Link.HandshakeTimeout))
	hello := link.Hello{
		ClientID:    c.cfg.ClientID,
		Version:     [3]uint32(c.params.Version),
		Credentials: c.params.Credentials,
	}
	if err := link.WriteHello(conn, hello); err != nil {
		return link.HelloAck{}, err
	}
	ack, err := link.ReadHelloAck(reader)
	if err != nil {
		return link.HelloAck{}, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ack, nil
}

func (c *linkConnection) readLoop(ctx context.Context, conn net.Conn, reader *bufio.Reader) Closed {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.Link.SessionDeadAfter))
		fr, err := link.ReadFrame(reader)
		if err != nil {
			return c.readFailure(ctx, err)
		}
		if closed, done := c.handleFrame(ctx, conn, fr); done {
			return closed
		}
	}
}

func (c *linkConnection) readFailure(ctx context.Context, err error) Closed {
	if c.isClosing() || ctx.Err() != nil {
		return Closed{Reason: ConnectionClosed, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Closed{Reason: TimedOut, Message: "session idle", Err: err}
	}
	return Closed{Reason: ConnectionLost, Err: err}
}

func (c *linkConnection) handleFrame(ctx context.Context, conn net.Conn, fr frame.Frame) (Closed, bool) {
	var ev Event
	switch fr.Header.MessageType {
	case schema.MsgConnectionUpdate:
		u, err := link.DecodeConnectionUpdateFrame(fr)
		if err != nil {
			log.Warn().Err(err).Msg("transport.link drop connection.update")
			return Closed{}, false
		}
		switch u.State {
		case link.StateConnecting:
			ev = Opening{PairingCode: u.PairingCode}
		case link.StateOpen:
			ev = Open{}
		case link.StateClose:
			reason := CloseReason(u.CloseCode)
			if reason == 0 {
				reason = ConnectionClosed
			}
			return Closed{Reason: reason, Message: u.CloseMessage}, true
		}
	case schema.MsgCredsUpdate:
		u, err := link.DecodeCredsUpdateFrame(fr)
		if err != nil {
			log.Warn().Err(err).Msg("transport.link drop creds.update")
			return Closed{}, false
		}
		ev = CredentialsUpdated{Bundle: credentials.Bundle(u.Entries)}
	case schema.MsgMessagesUpsert:
		u, err := link.DecodeMessagesUpsertFrame(fr)
		if err != nil {
			log.Warn().Err(err).Msg("transport.link drop messages.upsert")
			return Closed{}, false
		}
		ev = toMessagesUpsert(u)
	case schema.MsgKeepAlive:
		if fr.Header.IsResponse() {
			return Closed{}, false
		}
		payload, err := link.EncodeKeepAliveFrame(fr.Header.MessageID, link.KeepAlive{TimestampMS: uint64(time.Now().UnixMilli())}, true)
		if err == nil {
			err = c.write(ctx, conn, payload)
		}
		if err != nil {
			log.Warn().Err(err).Msg("transport.link keepalive reply failed")
		}
		return Closed{}, false
	default:
		log.Warn().Uint32("message_type", fr.Header.MessageType).Msg("transport.link unknown message_type")
		return Closed{}, false
	}
	if ev == nil {
		return Closed{}, false
	}
	if !c.emit(ev) {
		return Closed{Reason: ConnectionClosed, Err: ErrConnectionClosed}, true
	}
	return Closed{}, false
}

func (c *linkConnection) keepAliveLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(c.cfg.Link.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := link.EncodeKeepAliveFrame(c.nextMessageID.Add(1), link.KeepAlive{TimestampMS: uint64(time.Now().UnixMilli())}, false)
			if err != nil {
				log.Error().Err(err).Msg("transport.link encode keepalive")
				return
			}
			if err := c.write(ctx, conn, payload); err != nil {
				log.Warn().Err(err).Msg("transport.link keepalive failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *linkConnection) write(ctx context.Context, conn net.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.Link.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func toMessagesUpsert(u link.MessagesUpsert) MessagesUpsert {
	out := MessagesUpsert{Type: u.Type, Messages: make([]InboundMessage, 0, len(u.Messages))}
	for _, m := range u.Messages {
		msg := InboundMessage{
			ID:     m.ID,
			Sender: m.Sender,
			Text:   m.Text,
			FromMe: m.FromMe,
			Stub:   Stub{Code: m.StubCode, Name: m.StubName},
		}
		if m.TimestampMS > 0 {
			msg.Timestamp = time.UnixMilli(int64(m.TimestampMS))
		}
		out.Messages = append(out.Messages, msg)
	}
	return out
}
