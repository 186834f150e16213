// Package admin provides the operator-facing HTTP surface: health
// checks, Prometheus metrics exposition, queue depth introspection,
// and a manual backfill-enqueue trigger. Built on Echo v4, adapted
// from the teacher's server package — the XRPC/account surface that
// package hosted has no equivalent here, so only its middleware
// stack, bearer admin auth, and graceful Start/Shutdown shape carry
// over.
package admin

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/blacksky-algorithms/wintergreen/internal/ingest"
	"github.com/blacksky-algorithms/wintergreen/internal/queue"
)

// Server hosts the admin HTTP surface.
type Server struct {
	echo      *echo.Echo
	cfg       Config
	store     *queue.Store
	relayHost string
	log       zerolog.Logger
}

// Config holds the admin server's tunables.
type Config struct {
	ListenAddr string
	AdminKey   string
}

// New builds a configured admin Server. relayHost is the relay used
// by the manual /admin/backfill/populate trigger.
func New(cfg Config, store *queue.Store, relayHost string, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	s := &Server{echo: e, cfg: cfg, store: store, relayHost: relayHost, log: log.With().Str("component", "admin").Logger()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	admin := s.echo.Group("/admin", s.adminAuth)
	admin.GET("/queues", s.handleQueueDepths)
	admin.POST("/backfill/populate", s.handleTriggerBackfillPopulate)
}

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueueDepths(c echo.Context) error {
	streams := []string{queue.StreamFirehoseLive, queue.StreamFirehoseBackfill, queue.StreamRepoBackfill, queue.StreamLabelLive}
	depths := make(map[string]int, len(streams))
	for _, stream := range streams {
		n, err := s.store.Len(stream)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		depths[stream] = n
	}
	return c.JSON(http.StatusOK, depths)
}

// handleTriggerBackfillPopulate re-runs the relay's listRepos
// enumeration synchronously, for operator-triggered recovery: the
// daemon itself runs the enumeration once per relay at startup and
// not again while it runs.
func (s *Server) handleTriggerBackfillPopulate(c echo.Context) error {
	client := &http.Client{}
	if err := ingest.PopulateBackfillQueue(c.Request().Context(), client, s.store, s.relayHost, s.log); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "populated"})
}

// adminAuth validates the Authorization header against the
// configured admin key, same bearer scheme as the teacher's
// management API.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		auth := c.Request().Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error":   "AuthRequired",
				"message": "Authorization header must use Bearer scheme",
			})
		}
		if auth[len(prefix):] != s.cfg.AdminKey {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error":   "Forbidden",
				"message": "Invalid admin key",
			})
		}
		return next(c)
	}
}

// Start begins listening for HTTP requests. It blocks until ctx is
// cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("admin server listening")
		if err := s.echo.Start(s.cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info().Msg("shutting down admin server")
		return s.echo.Shutdown(context.Background())
	}
}
