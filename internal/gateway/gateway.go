package gateway

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

	"github.com/danmuck/chatrelay/internal/protocol/link"
	"github.com/danmuck/chatrelay/internal/protocol/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrNoActiveSession = errors.New("gateway: no active session")

// Close codes the gateway itself produces.
const (
	CodeConnectionReplaced uint32 = 440
	CodeLoggedOut          uint32 = 401
	CodeRestartRequired    uint32 = 515
)

type Config struct {
	ListenAddr string
	Link       link.Config

	// PairingCode is offered to clients that connect without credentials.
	// Empty generates one per pairing.
	PairingCode string
	// IssuedCredentials are pushed after a successful pairing. Empty issues a
	// single "creds" entry.
	IssuedCredentials map[string][]byte
	// RejectCode, when set, rejects every hello with that close code.
	RejectCode uint32

	SentBuffer int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:9300",
		Link:       link.DefaultConfig(),
		SentBuffer: 256,
	}
}

// SentMessage is one outbound text the relay asked the gateway to deliver.
type SentMessage struct {
	ClientID  string
	MessageID string
	Recipient string
	Text      string
	At        time.Time
}

// Gateway is the server end of the link protocol. It holds at most one active
// client session; a newer client replaces the older one.
type Gateway struct {
	cfg Config

	mu     sync.Mutex
	active *clientSession

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	sent     chan SentMessage
	accepted chan string
	nextID   atomic.Uint64
}

func New(cfg Config) *Gateway {
	cfg.Link = cfg.Link.WithDefaults()
	if cfg.SentBuffer <= 0 {
		cfg.SentBuffer = DefaultConfig().SentBuffer
	}
	g := &Gateway{
		cfg:      cfg,
		conns:    make(map[net.Conn]struct{}),
		sent:     make(chan SentMessage, cfg.SentBuffer),
		accepted: make(chan string, 64),
	}
	g.nextID.Store(uint64(time.Now().UnixNano()))
	return g
}

// Sent delivers SendMessage requests in arrival order.
func (g *Gateway) Sent() <-chan SentMessage {
	return g.sent
}

// Accepted delivers the client id of every accepted handshake.
func (g *Gateway) Accepted() <-chan string {
	return g.accepted
}

// Listen opens a TCP or TLS listener for ListenAddr.
func (g *Gateway) Listen() (net.Listener, error) {
	if err := g.cfg.Link.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !g.cfg.Link.TLS.Enabled {
		return net.Listen("tcp", g.cfg.ListenAddr)
	}
	tlsCfg, err := g.cfg.Link.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", g.cfg.ListenAddr, tlsCfg)
}

// Serve accepts relay connections on ln until ctx ends.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		g.closeAllConns()
		_ = ln.Close()
	})
	defer func() {
		stop()
		g.closeAllConns()
		g.wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		g.trackConn(conn)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handleConn(conn)
		}()
	}
}

// PushMessages sends a messages.upsert batch to the active client.
func (g *Gateway) PushMessages(upsertType string, msgs ...link.Message) error {
	s := g.current()
	if s == nil {
		return ErrNoActiveSession
	}
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		if msgs[i].TimestampMS == 0 {
			msgs[i].TimestampMS = uint64(time.Now().UnixMilli())
		}
	}
	payload, err := link.EncodeMessagesUpsertFrame(g.nextID.Add(1), link.MessagesUpsert{Type: upsertType, Messages: msgs})
	if err != nil {
		return err
	}
	return s.write(payload, g.cfg.Link.WriteTimeout)
}

// Close ends the active session with a close update carrying code.
func (g *Gateway) Close(code uint32, message string) error {
	s := g.current()
	if s == nil {
		return ErrNoActiveSession
	}
	err := g.sendClose(s, code, message)
	_ = s.conn.Close()
	return err
}

// Drop severs the active session without a close update, as a network failure would.
func (g *Gateway) Drop() error {
	s := g.current()
	if s == nil {
		return ErrNoActiveSession
	}
	return s.conn.Close()
}

func (g *Gateway) current() *clientSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

type clientSession struct {
	clientID string
	conn     net.Conn
	writeMu  sync.Mutex
}

func (s *clientSession) write(payload []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := s.conn.Write(payload)
	return err
}

func (g *Gateway) handleConn(conn net.Conn) {
	defer conn.Close()
	defer g.untrackConn(conn)
	remote := conn.RemoteAddr().String()

	_ = conn.SetDeadline(time.Now().Add(g.cfg.Link.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	hello, err := link.ReadHello(reader)
	if err != nil {
		log.Warn().Err(err).Str("peer", remote).Msg("gateway.handleConn read hello")
		return
	}
	now := uint64(time.Now().UnixMilli())
	if g.cfg.RejectCode != 0 {
		_ = link.WriteHelloAck(conn, link.HelloAck{
			Status:      link.AckStatusRejected,
			Code:        g.cfg.RejectCode,
			Message:     "rejected",
			ClientID:    hello.ClientID,
			TimestampMS: now,
		})
		log.Info().Str("client_id", hello.ClientID).Uint32("code", g.cfg.RejectCode).Msg("gateway.handleConn rejected hello")
		return
	}
	if err := link.WriteHelloAck(conn, link.HelloAck{
		Status:      link.AckStatusAccepted,
		Message:     "accepted",
		ClientID:    hello.ClientID,
		TimestampMS: now,
	}); err != nil {
		log.Warn().Err(err).Str("peer", remote).Msg("gateway.handleConn write hello ack")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	s := &clientSession{clientID: hello.ClientID, conn: conn}
	g.activate(s)
	defer g.deactivate(s)
	log.Info().
		Str("client_id", hello.ClientID).
		Str("peer", remote).
		Str("version", fmt.Sprintf("%d.%d.%d", hello.Version[0], hello.Version[1], hello.Version[2])).
		Int("credentials", len(hello.Credentials)).
		Msg("gateway.handleConn session accepted")

	select {
	case g.accepted <- hello.ClientID:
	default:
	}

	if err := g.establish(s, len(hello.Credentials) == 0); err != nil {
		log.Warn().Err(err).Str("client_id", hello.ClientID).Msg("gateway.handleConn establish")
		return
	}
	g.readLoop(s, reader)
}

// establish walks the client through connecting -> (pairing) -> open.
func (g *Gateway) establish(s *clientSession, needsPairing bool) error {
	update := link.ConnectionUpdate{State: link.StateConnecting}
	if needsPairing {
		update.PairingCode = g.cfg.PairingCode
		if update.PairingCode == "" {
			update.PairingCode = "2@" + uuid.NewString()
		}
	}
	if err := g.sendUpdate(s, update); err != nil {
		return err
	}
	if needsPairing {
		creds := g.cfg.IssuedCredentials
		if len(creds) == 0 {
			creds = map[string][]byte{"creds": []byte(fmt.Sprintf(`{"registration_id":%q}`, uuid.NewString()))}
		}
		payload, err := link.EncodeCredsUpdateFrame(g.nextID.Add(1), link.CredsUpdate{Entries: creds})
		if err != nil {
			return err
		}
		if err := s.write(payload, g.cfg.Link.WriteTimeout); err != nil {
			return err
		}
	}
	return g.sendUpdate(s, link.ConnectionUpdate{State: link.StateOpen})
}

func (g *Gateway) readLoop(s *clientSession, reader *bufio.Reader) {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(g.cfg.Link.SessionDeadAfter))
		fr, err := link.ReadFrame(reader)
		if err != nil {
			log.Debug().Err(err).Str("client_id", s.clientID).Msg("gateway.readLoop end")
			return
		}
		switch fr.Header.MessageType {
		case schema.MsgSendMessage:
			msg, err := link.DecodeSendMessageFrame(fr)
			if err != nil {
				log.Warn().Err(err).Msg("gateway.readLoop decode send.message")
				continue
			}
			g.record(SentMessage{
				ClientID:  s.clientID,
				MessageID: msg.MessageID,
				Recipient: msg.Recipient,
				Text:      msg.Text,
				At:        time.Now(),
			})
		case schema.MsgKeepAlive:
			if fr.Header.IsResponse() {
				continue
			}
			payload, err := link.EncodeKeepAliveFrame(fr.Header.MessageID, link.KeepAlive{TimestampMS: uint64(time.Now().UnixMilli())}, true)
			if err != nil {
				continue
			}
			if err := s.write(payload, g.cfg.Link.WriteTimeout); err != nil {
				log.Warn().Err(err).Msg("gateway.readLoop keepalive reply")
				return
			}
		default:
			log.Warn().Uint32("message_type", fr.Header.MessageType).Msg("gateway.readLoop unexpected message_type")
		}
	}
}

func (g *Gateway) record(msg SentMessage) {
	log.Info().Str("recipient", msg.Recipient).Str("message_id", msg.MessageID).Msg("gateway.record send.message")
	select {
	case g.sent <- msg:
	default:
		log.Warn().Str("message_id", msg.MessageID).Msg("gateway.record sent buffer full")
	}
}

func (g *Gateway) sendUpdate(s *clientSession, u link.ConnectionUpdate) error {
	payload, err := link.EncodeConnectionUpdateFrame(g.nextID.Add(1), u)
	if err != nil {
		return err
	}
	return s.write(payload, g.cfg.Link.WriteTimeout)
}

func (g *Gateway) sendClose(s *clientSession, code uint32, message string) error {
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("closed code=%d", code)
	}
	return g.sendUpdate(s, link.ConnectionUpdate{State: link.StateClose, CloseCode: code, CloseMessage: message})
}

func (g *Gateway) activate(s *clientSession) {
	g.mu.Lock()
	prev := g.active
	g.active = s
	g.mu.Unlock()
	if prev != nil {
		log.Info().Str("client_id", prev.clientID).Msg("gateway.activate replacing session")
		_ = g.sendClose(prev, CodeConnectionReplaced, "replaced by newer session")
		_ = prev.conn.Close()
	}
}

func (g *Gateway) deactivate(s *clientSession) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == s {
		g.active = nil
	}
}

func (g *Gateway) trackConn(conn net.Conn) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	g.conns[conn] = struct{}{}
}

func (g *Gateway) untrackConn(conn net.Conn) {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	delete(g.conns, conn)
}

func (g *Gateway) closeAllConns() {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	for conn := range g.conns {
		_ = conn.Close()
		delete(g.conns, conn)
	}
}
