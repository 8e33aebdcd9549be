// Package supervisor keeps one authenticated messaging session alive for the life of
// the process.
//
// A single loop owns the session: it starts a connection, consumes its event stream,
// persists credential updates, hands live messages to the handler and decides what
// happens after every close. Logout ends the loop; every other close starts exactly
// one new session.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/chatrelay/internal/classify"
	"github.com/danmuck/chatrelay/internal/credentials"
	"github.com/danmuck/chatrelay/internal/observability"
	"github.com/danmuck/chatrelay/internal/pairing"
	"github.com/danmuck/chatrelay/internal/protocol/link"
	"github.com/danmuck/chatrelay/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var (
	ErrLoggedOut       = errors.New("supervisor: logged out")
	ErrStoreRequired   = errors.New("supervisor: credential store required")
	ErrDialerRequired  = errors.New("supervisor: dialer required")
	ErrHandlerRequired = errors.New("supervisor: handler required")
)

// State is the supervisor lifecycle state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Open         State = "open"
	Terminated   State = "terminated"
)

var allStates = []string{string(Disconnected), string(Connecting), string(Open), string(Terminated)}

// Handler acts on one classified, non-ignorable message.
type Handler interface {
	Handle(ctx context.Context, send transport.Sender, msg transport.InboundMessage, intent classify.Intent) error
}

type HandlerFunc func(ctx context.Context, send transport.Sender, msg transport.InboundMessage, intent classify.Intent) error

func (f HandlerFunc) Handle(ctx context.Context, send transport.Sender, msg transport.InboundMessage, intent classify.Intent) error {
	return f(ctx, send, msg, intent)
}

type Config struct {
	CredentialSaveTimeout time.Duration
	MaxInFlight           int64
	// MaxPending caps handler goroutines, running or waiting for a MaxInFlight slot.
	// Messages beyond it are dropped. Raised to MaxInFlight when lower.
	MaxPending int64
	// ReconnectBackoff delays restarts after consecutive failed sessions. The zero
	// value restarts immediately.
	ReconnectBackoff link.BackoffConfig
	Classify         func(transport.InboundMessage) classify.Intent
}

func DefaultConfig() Config {
	return Config{
		CredentialSaveTimeout: 5 * time.Second,
		MaxInFlight:           64,
		MaxPending:            1024,
		Classify:              classify.Classify,
	}
}

// Deps are the collaborators the supervisor drives.
type Deps struct {
	Store    credentials.Store
	Versions transport.VersionSource
	Dialer   transport.Dialer
	Renderer pairing.Renderer
	Handler  Handler
}

// Session is one connection attempt and the state borrowed for its lifetime.
type Session struct {
	ID          string
	Version     transport.Version
	Credentials credentials.Bundle
	StartedAt   time.Time
	conn        transport.Connection
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State           State     `json:"state"`
	SessionID       string    `json:"session_id,omitempty"`
	Version         string    `json:"version,omitempty"`
	Starts          int       `json:"starts"`
	LastCloseReason string    `json:"last_close_reason,omitempty"`
	LastCloseCode   uint32    `json:"last_close_code,omitempty"`
	InFlight        int64     `json:"in_flight"`
	Dropped         int64     `json:"dropped"`
	ConnectedSince  time.Time `json:"connected_since,omitempty"`
}

type Supervisor struct {
	cfg  Config
	deps Deps
	sem     *semaphore.Weighted
	pending *semaphore.Weighted
	rng  *rand.Rand
	wg   sync.WaitGroup

	mu             sync.RWMutex
	state          State
	session        *Session
	starts         int
	lastClose      *transport.Closed
	connectedSince time.Time

	ready     chan struct{}
	readyOnce sync.Once
	inFlight  atomic.Int64
	dropped   atomic.Int64
}

func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Store == nil {
		return nil, ErrStoreRequired
	}
	if deps.Dialer == nil {
		return nil, ErrDialerRequired
	}
	if deps.Handler == nil {
		return nil, ErrHandlerRequired
	}
	if deps.Versions == nil {
		deps.Versions = transport.StaticVersion(transport.DefaultVersion)
	}
	if deps.Renderer == nil {
		deps.Renderer = pairing.Discard
	}
	def := DefaultConfig()
	if cfg.CredentialSaveTimeout <= 0 {
		cfg.CredentialSaveTimeout = def.CredentialSaveTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.MaxPending < cfg.MaxInFlight {
		cfg.MaxPending = cfg.MaxInFlight
	}
	if cfg.Classify == nil {
		cfg.Classify = def.Classify
	}
	return &Supervisor{
		cfg:   cfg,
		deps:  deps,
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		pending: semaphore.NewWeighted(cfg.MaxPending),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		state:   Disconnected,
		ready:   make(chan struct{}),
	}, nil
}

// Ready is closed the first time a session opens.
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

func (s *Supervisor) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:          s.state,
		Starts:         s.starts,
		InFlight:       s.inFlight.Load(),
		Dropped:        s.dropped.Load(),
		ConnectedSince: s.connectedSince,
	}
	if s.session != nil {
		st.SessionID = s.session.ID
		st.Version = s.session.Version.String()
	}
	if s.lastClose != nil {
		st.LastCloseReason = s.lastClose.Reason.String()
		st.LastCloseCode = uint32(s.lastClose.Reason)
	}
	return st
}

// Run drives sessions until ctx ends (returns nil) or the network logs the relay out
// (returns ErrLoggedOut). In-flight handlers are awaited before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.wg.Wait()
	failures := 0
	for {
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return nil
		}

		sess, err := s.start(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(Disconnected)
				return nil
			}
			failures++
			log.Warn().Err(err).Int("attempt", failures).Msg("supervisor.Run start failed")
			if err := s.waitBackoff(ctx, failures); err != nil {
				s.setState(Disconnected)
				return nil
			}
			continue
		}

		closed, opened := s.drive(ctx, sess)
		s.recordClose(closed)
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return nil
		}
		if closed.Reason == transport.LoggedOut {
			s.setState(Terminated)
			log.Error().
				Str("session_id", sess.ID).
				Str("close_message", closed.Message).
				Msg("supervisor.Run logged out; relink required, not reconnecting")
			return fmt.Errorf("%w: %s", ErrLoggedOut, closed.Message)
		}

		s.setState(Disconnected)
		if opened {
			failures = 0
		}
		failures++
		log.Warn().
			Str("session_id", sess.ID).
			Uint32("code", uint32(closed.Reason)).
			Str("reason", closed.Reason.String()).
			AnErr("err", closed.Err).
			Msg("supervisor.Run connection closed; reconnecting")
		if err := s.waitBackoff(ctx, failures); err != nil {
			s.setState(Disconnected)
			return nil
		}
	}
}

func (s *Supervisor) start(ctx context.Context) (*Session, error) {
	creds, err := s.deps.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	version, err := s.deps.Versions.Latest(ctx)
	if err != nil {
		log.Warn().Err(err).Str("fallback", transport.DefaultVersion.String()).Msg("supervisor.start version lookup failed")
		version = transport.DefaultVersion
	}
	conn, err := s.deps.Dialer.Dial(ctx, transport.Params{Version: version, Credentials: creds})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	sess := &Session{
		ID:          uuid.NewString(),
		Version:     version,
		Credentials: creds,
		StartedAt:   time.Now(),
		conn:        conn,
	}

	s.mu.Lock()
	s.session = sess
	s.starts++
	s.state = Connecting
	s.connectedSince = time.Time{}
	starts := s.starts
	s.mu.Unlock()
	observability.RecordSessionStart()
	observability.SetSessionState(string(Connecting), allStates...)

	log.Info().
		Str("session_id", sess.ID).
		Str("version", version.String()).
		Int("credentials", len(creds)).
		Int("starts", starts).
		Msg("supervisor.start")
	return sess, nil
}

// drive consumes one session's events until it closes. opened reports whether the
// session reached Open.
func (s *Supervisor) drive(ctx context.Context, sess *Session) (closed transport.Closed, opened bool) {
	events := sess.conn.Events()
	for {
		select {
		case <-ctx.Done():
			_ = sess.conn.Close()
			return transport.Closed{Reason: transport.ConnectionClosed, Err: ctx.Err()}, opened
		case ev, ok := <-events:
			if !ok {
				_ = sess.conn.Close()
				return transport.Closed{Reason: transport.ConnectionLost, Message: "event stream ended"}, opened
			}
			switch e := ev.(type) {
			case transport.CredentialsUpdated:
				s.saveCredentials(ctx, sess, e.Bundle)
			case transport.Opening:
				if e.PairingCode != "" {
					s.deps.Renderer.Render(e.PairingCode)
				}
			case transport.Open:
				opened = true
				s.markOpen(sess)
			case transport.MessagesUpsert:
				s.dispatchBatch(ctx, sess, e)
			case transport.Closed:
				_ = sess.conn.Close()
				return e, opened
			}
		}
	}
}

// saveCredentials persists update. It runs on the loop goroutine, which serializes
// every credential write.
func (s *Supervisor) saveCredentials(ctx context.Context, sess *Session, update credentials.Bundle) {
	if len(update) == 0 {
		return
	}
	sess.Credentials.Merge(update)
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CredentialSaveTimeout)
	defer cancel()
	if err := s.deps.Store.Save(saveCtx, update); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("supervisor.saveCredentials failed")
		return
	}
	log.Debug().Str("session_id", sess.ID).Strs("entries", update.Names()).Msg("supervisor.saveCredentials")
}

func (s *Supervisor) markOpen(sess *Session) {
	s.mu.Lock()
	s.state = Open
	s.connectedSince = time.Now()
	s.mu.Unlock()
	observability.SetSessionState(string(Open), allStates...)
	s.readyOnce.Do(func() { close(s.ready) })
	log.Info().Str("session_id", sess.ID).Msg("supervisor.markOpen connected")
}

func (s *Supervisor) dispatchBatch(ctx context.Context, sess *Session, batch transport.MessagesUpsert) {
	if batch.Type != transport.UpsertNotify {
		log.Debug().Str("type", batch.Type).Int("messages", len(batch.Messages)).Msg("supervisor.dispatchBatch drop non-live batch")
		return
	}
	for _, msg := range batch.Messages {
		intent := s.cfg.Classify(msg)
		observability.RecordIntent(intent.Kind.String())
		if intent.Kind == classify.Ignorable {
			continue
		}
		s.spawn(ctx, sess.conn, msg, intent)
	}
}

// spawn runs the handler off the loop goroutine. Admission is a non-blocking check
// against MaxPending; the MaxInFlight slot is awaited inside the goroutine, so the loop
// never waits on a full pool.
func (s *Supervisor) spawn(ctx context.Context, send transport.Sender, msg transport.InboundMessage, intent classify.Intent) {
	if !s.pending.TryAcquire(1) {
		s.dropped.Add(1)
		observability.RecordHandlerDropped()
		log.Warn().
			Str("message_id", msg.ID).
			Str("sender", msg.Sender).
			Int64("max_pending", s.cfg.MaxPending).
			Msg("supervisor.spawn backlog full; message dropped")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.pending.Release(1)
		if err := s.sem.Acquire(ctx, 1); err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Msg("supervisor.spawn dropped")
			return
		}
		defer s.sem.Release(1)
		s.inFlight.Add(1)
		observability.AddHandlersInFlight(1)
		defer func() {
			s.inFlight.Add(-1)
			observability.AddHandlersInFlight(-1)
		}()
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("message_id", msg.ID).
					Str("stack", string(debug.Stack())).
					Msg("supervisor.spawn handler panic")
			}
		}()
		if err := s.deps.Handler.Handle(ctx, send, msg, intent); err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Str("sender", msg.Sender).Msg("supervisor.spawn reply failed")
		}
	}()
}

func (s *Supervisor) recordClose(closed transport.Closed) {
	s.mu.Lock()
	c := closed
	s.lastClose = &c
	s.connectedSince = time.Time{}
	s.mu.Unlock()
	observability.RecordSessionClose(closed.Reason.String())
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	observability.SetSessionState(string(state), allStates...)
}

func (s *Supervisor) waitBackoff(ctx context.Context, attempt int) error {
	delay := link.NextBackoffDelay(s.cfg.ReconnectBackoff, attempt, s.rng)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
