// Package httpapi assembles the Echo application: the websocket endpoint,
// the health and metrics routes, and the static document root.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"palaver/server/internal/core"
	"palaver/server/internal/metrics"
	"palaver/server/internal/router"
	"palaver/server/internal/store"
	"palaver/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Options tune the assembled server.
type Options struct {
	// DocRoot, when set, is served as static content at /.
	DocRoot string
	// SendQueue is the per-session outbound queue capacity. Zero keeps the
	// default.
	SendQueue int
	// Metrics enables the /metrics route and websocket counters when set.
	Metrics *metrics.Chat
}

// Server is the Echo application.
type Server struct {
	echo *echo.Echo
	hub  *core.Hub
}

// New constructs an Echo app with the websocket endpoint and REST routes.
func New(st *store.Store, hub *core.Hub, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, hub: hub}
	s.registerRoutes(st, opts)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(st *store.Store, opts Options) {
	s.echo.GET("/health", s.handleHealth)
	if opts.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	rt := router.New(st, s.hub)
	ws.NewHandler(st, s.hub, rt, opts.Metrics, opts.SendQueue).Register(s.echo)

	if opts.DocRoot != "" {
		s.echo.Static("/", opts.DocRoot)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.hub.ClientCount(),
	})
}
