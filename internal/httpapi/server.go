// Package httpapi exposes the check service over HTTP. Terminals are the
// only clients; every mutating route carries the workstation identity
// headers and a client-generated idempotency key.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tablewire/caps/internal/auth"
	"github.com/tablewire/caps/internal/logging"
	"github.com/tablewire/caps/internal/service"
)

// Identity and idempotency headers.
const (
	HeaderWorkstation    = "X-Workstation-ID"
	HeaderEmployee       = "X-Employee-ID"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

// Server is the HTTP front of the service facade.
type Server struct {
	echo *echo.Echo
	svc  *service.Service
	log  *logging.Logger
	auth *auth.Authenticator
}

// Option configures the server.
type Option func(*Server)

// WithAuth enables the employee sign-in route.
func WithAuth(a *auth.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// New builds the server and registers routes.
func New(svc *service.Service, log *logging.Logger, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, svc: svc, log: log}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := e.Group("/v1")
	if s.auth != nil {
		v1.POST("/sessions", s.signIn)
	}
	v1.POST("/checks", s.openCheck)
	v1.POST("/checks/:id/adopt", s.adoptCheck)
	v1.GET("/checks", s.listOpenChecks)
	v1.GET("/checks/:id", s.getCheck)
	v1.POST("/checks/:id/items", s.addItem)
	v1.POST("/checks/:id/items/:itemID/finalize", s.finalizeItem)
	v1.POST("/checks/:id/items/:itemID/void", s.voidItem)
	v1.POST("/checks/:id/items/:itemID/price", s.overridePrice)
	v1.PUT("/checks/:id/items/:itemID/modifiers", s.editModifiers)
	v1.POST("/checks/:id/send", s.send)
	v1.POST("/checks/:id/payments", s.authorizePayment)
	v1.POST("/checks/:id/payments/:paymentID/capture", s.capturePayment)
	v1.POST("/checks/:id/payments/:paymentID/void", s.voidPayment)
	v1.POST("/checks/:id/payments/:paymentID/refund", s.refundPayment)
	v1.POST("/checks/:id/close", s.closeCheck)
	v1.POST("/checks/:id/void", s.voidCheck)
	v1.POST("/checks/:id/cancel", s.cancelOrder)
	v1.PUT("/checks/:id/customer", s.attachCustomer)
	v1.DELETE("/checks/:id/customer", s.detachCustomer)
	v1.POST("/checks/:id/lock", s.acquireLock)
	v1.PUT("/checks/:id/lock", s.refreshLock)
	v1.DELETE("/checks/:id/lock", s.releaseLock)
	v1.DELETE("/workstations/:id/locks", s.releaseWorkstation)
}

// Handler returns the http.Handler, used by tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the context is canceled, then drains connections.
func (s *Server) Start(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	s.log.Info("http_listening", logging.Fields{"addr": addr})

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func session(c echo.Context) service.Session {
	return service.Session{
		WorkstationID: c.Request().Header.Get(HeaderWorkstation),
		EmployeeID:    c.Request().Header.Get(HeaderEmployee),
		RequestKey:    c.Request().Header.Get(HeaderIdempotencyKey),
	}
}
