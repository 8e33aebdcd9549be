package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/chatrelay/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	adminComponent       = "relay-admin"
	adminVersion         = "0.1.0"
	backendProbeTimeout  = 2 * time.Second
	adminShutdownTimeout = 5 * time.Second
	maxExchangesLimit    = 500
)

func (s *Service) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.CORS(s.cfg.CORSOrigins))
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(adminComponent))
	s.registerRoutes(r)
	return r
}

func (s *Service) registerRoutes(r gin.IRoutes) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": adminComponent,
			"version":   adminVersion,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		select {
		case <-s.supervisor.Ready():
			c.JSON(http.StatusOK, gin.H{"ready": true})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		}
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		probeCtx, cancel := context.WithTimeout(c.Request.Context(), backendProbeTimeout)
		defer cancel()
		backendStatus := gin.H{"endpoint": s.backend.Endpoint(), "reachable": true}
		if err := s.backend.Health(probeCtx); err != nil {
			backendStatus["reachable"] = false
			backendStatus["error"] = err.Error()
		}
		c.JSON(http.StatusOK, gin.H{
			"session": s.supervisor.Status(),
			"backend": backendStatus,
			"chatlog": s.exchanges != nil,
		})
	})

	r.GET("/exchanges", func(c *gin.Context) {
		if s.exchanges == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "exchange log disabled"})
			return
		}
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxExchangesLimit)
		}
		out, err := s.exchanges.Recent(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"exchanges": out})
	})
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serveAdminListener(ctx, ln)
}

func (s *Service) serveAdminListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("relay.Service.serveAdmin listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adminShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
