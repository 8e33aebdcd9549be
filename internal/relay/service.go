// Package relay assembles the chat relay process: credential store, gateway dialer,
// classifier, dispatcher, backend client, exchange log, supervisor and admin HTTP.
package relay

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/chatrelay/internal/backend"
	"github.com/danmuck/chatrelay/internal/chatlog"
	"github.com/danmuck/chatrelay/internal/credentials"
	"github.com/danmuck/chatrelay/internal/dispatch"
	"github.com/danmuck/chatrelay/internal/observability"
	"github.com/danmuck/chatrelay/internal/pairing"
	"github.com/danmuck/chatrelay/internal/supervisor"
	"github.com/danmuck/chatrelay/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidHeartbeatInterval = errors.New("relay: invalid heartbeat interval")

// ServiceConfig configures the relay process.
type ServiceConfig struct {
	// AdminListenAddr enables the admin HTTP server when set.
	AdminListenAddr string
	CORSOrigins     []string
	// CredentialsDir persists credentials on disk; empty keeps them in memory.
	CredentialsDir string
	// VersionURL is queried for the protocol version before each session; empty uses
	// the built-in version.
	VersionURL        string
	ChatlogPath       string
	HeartbeatInterval time.Duration

	Gateway    transport.LinkDialerConfig
	Backend    backend.Config
	Dispatch   dispatch.Config
	Supervisor supervisor.Config
}

func DefaultServiceConfig() ServiceConfig {
	gw := transport.DefaultLinkDialerConfig()
	gw.Address = "127.0.0.1:9300"
	return ServiceConfig{
		AdminListenAddr:   "127.0.0.1:7080",
		CredentialsDir:    "auth_info",
		HeartbeatInterval: 30 * time.Second,
		Gateway:           gw,
		Backend:           backend.DefaultConfig(),
		Dispatch:          dispatch.DefaultConfig(),
		Supervisor:        supervisor.DefaultConfig(),
	}
}

// Service runs the relay lifecycle as a standalone process.
type Service struct {
	cfg     ServiceConfig
	started time.Time

	store     credentials.Store
	versions  transport.VersionSource
	dialer    transport.Dialer
	renderer  pairing.Renderer
	backend   *backend.Client
	exchanges *chatlog.Log

	dispatcher *dispatch.Dispatcher
	supervisor *supervisor.Supervisor
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	return &Service{cfg: cfg}
}

// Run blocks until SIGINT/SIGTERM or a terminal supervisor error.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.bootstrap(); err != nil {
		return err
	}
	defer s.close()
	return s.serve(ctx)
}

// Supervisor is nil until bootstrap.
func (s *Service) Supervisor() *supervisor.Supervisor {
	return s.supervisor
}

// bootstrap builds every collaborator not already set.
func (s *Service) bootstrap() error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	observability.RegisterMetrics()
	s.started = time.Now()

	if s.store == nil {
		if dir := strings.TrimSpace(s.cfg.CredentialsDir); dir != "" {
			fs, err := credentials.NewFileStore(dir)
			if err != nil {
				return err
			}
			s.store = fs
		} else {
			log.Warn().Msg("relay.Service.bootstrap credentials kept in memory; pairing will not survive restart")
			s.store = credentials.NewMemoryStore(nil)
		}
	}
	if s.versions == nil {
		if url := strings.TrimSpace(s.cfg.VersionURL); url != "" {
			s.versions = transport.NewHTTPVersionSource(url)
		} else {
			s.versions = transport.StaticVersion(transport.DefaultVersion)
		}
	}
	if s.dialer == nil {
		d, err := transport.NewLinkDialer(s.cfg.Gateway)
		if err != nil {
			return err
		}
		s.dialer = d
	}
	if s.renderer == nil {
		s.renderer = pairing.NewTerminalRenderer(os.Stdout)
	}
	if s.backend == nil {
		client, err := backend.NewClient(s.cfg.Backend, nil)
		if err != nil {
			return err
		}
		s.backend = client
	}
	if s.exchanges == nil && strings.TrimSpace(s.cfg.ChatlogPath) != "" {
		l, err := chatlog.Open(s.cfg.ChatlogPath)
		if err != nil {
			return err
		}
		s.exchanges = l
	}

	var recorder dispatch.Recorder
	if s.exchanges != nil {
		recorder = s.exchanges
	}
	s.dispatcher = dispatch.New(s.cfg.Dispatch, s.backend, recorder)

	sup, err := supervisor.New(s.cfg.Supervisor, supervisor.Deps{
		Store:    s.store,
		Versions: s.versions,
		Dialer:   s.dialer,
		Renderer: s.renderer,
		Handler:  s.dispatcher,
	})
	if err != nil {
		return err
	}
	s.supervisor = sup

	log.Info().
		Str("gateway", s.cfg.Gateway.Address).
		Str("backend", s.backend.Endpoint()).
		Str("admin", s.cfg.AdminListenAddr).
		Bool("chatlog", s.exchanges != nil).
		Msg("relay.Service.bootstrap ready")
	return nil
}

// serve runs the supervisor, the admin server and the heartbeat log until ctx ends.
// A logout ends the session only; the process keeps running in the terminated state.
func (s *Service) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	adminEnabled := strings.TrimSpace(s.cfg.AdminListenAddr) != ""

	g.Go(func() error {
		err := s.supervisor.Run(gctx)
		if errors.Is(err, supervisor.ErrLoggedOut) {
			log.Error().Err(err).Msg("relay.Service.serve session terminated; relink required")
			return nil
		}
		return err
	})
	if adminEnabled {
		g.Go(func() error {
			return s.serveAdmin(gctx, s.cfg.AdminListenAddr)
		})
	}
	g.Go(func() error {
		s.heartbeat(gctx)
		return nil
	})

	err := g.Wait()
	log.Info().Err(err).Msg("relay.Service.serve shutdown")
	return err
}

func (s *Service) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.supervisor.Status()
			log.Info().
				Str("state", string(st.State)).
				Str("session_id", st.SessionID).
				Int("starts", st.Starts).
				Int64("in_flight", st.InFlight).
				Str("last_close", st.LastCloseReason).
				Msg("relay.Service.heartbeat")
		}
	}
}

func (s *Service) close() {
	if s.exchanges != nil {
		if err := s.exchanges.Close(); err != nil {
			log.Warn().Err(err).Msg("relay.Service.close chatlog")
		}
	}
}
