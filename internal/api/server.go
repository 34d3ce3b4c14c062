// Package api exposes the HTTP surface: tenant auth, search, the security
// endpoints, proxied source/frame reads, and the embedding push endpoint
// the upstream calls back into.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/framesearch/internal/config"
	"github.com/fyrsmithlabs/framesearch/internal/index"
	"github.com/fyrsmithlabs/framesearch/internal/search"
	"github.com/fyrsmithlabs/framesearch/internal/tenant"
	"github.com/fyrsmithlabs/framesearch/internal/token"
)

// Server wires the HTTP routes to the application services.
type Server struct {
	echo     *echo.Echo
	cfg      config.ServerConfig
	logger   *zap.Logger
	tenants  *tenant.Manager
	pipeline *search.Pipeline
	index    *index.Index
	issuer   *token.Issuer
}

// NewServer builds the router with all routes and middleware registered.
func NewServer(cfg config.ServerConfig, tenants *tenant.Manager, pipeline *search.Pipeline, ix *index.Index, issuer *token.Issuer, logger *zap.Logger) (*Server, error) {
	if tenants == nil || pipeline == nil || ix == nil || issuer == nil {
		return nil, fmt.Errorf("all services are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:     e,
		cfg:      cfg,
		logger:   logger,
		tenants:  tenants,
		pipeline: pipeline,
		index:    ix,
		issuer:   issuer,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/auth/register", s.handleRegister)
	v1.POST("/auth/login", s.handleLogin)

	// The upstream pushes embeddings here with its client credential pair.
	v1.POST("/embeddings", s.handlePushEmbedding)

	authed := v1.Group("", s.tokenAuth)
	authed.GET("/search", s.handleSearch)
	authed.GET("/sources", s.handleSources)
	authed.GET("/sources/:id/coverage", s.handleCoverage)
	authed.GET("/frames", s.handleFrame)
	authed.POST("/security/rotate", s.handleRotateSecret)
	authed.POST("/security/invalidate", s.handleInvalidateSecret)
	authed.POST("/security/password", s.handleChangePassword)
	authed.POST("/reindex", s.handleReindex)
	authed.DELETE("/tenant", s.handleDeleteTenant)
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Service: "framesearch"})
}

// Start serves until ctx is cancelled, then shuts down gracefully within
// the configured timeout. Returns http.ErrServerClosed on clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server start: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			s.cfg.ShutdownTimeout.Duration(),
		)
		defer cancel()

		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return http.ErrServerClosed
	}
}
