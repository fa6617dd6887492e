// Package server exposes the ledger over HTTP with gin.
//
// Entity routes follow a version-vector contract: responses carry an ETag of
// the form "{id}-{version}", and updates and deletes must send it back in
// If-Match. A stale tag gets 409 with the current version; a missing one
// gets 428.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/mesh-intelligence/splitsync/internal/ledger"
)

// Header names.
const (
	HeaderUserID = "X-User-ID"
	HeaderCache  = "X-Cache"
)

const shutdownTimeout = 10 * time.Second

// Server owns the router and its dependencies.
type Server struct {
	svc    *ledger.Service
	logger *slog.Logger
	router *gin.Engine
}

// New builds a Server with every route registered.
func New(svc *ledger.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		logger: logger.With(slog.String("component", "server")),
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), otelgin.Middleware("splitsync"), s.requestLogger())
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	registerResource(s, api.Group("/expenses"), expenseResource(s.svc))
	registerResource(s, api.Group("/settlements"), settlementResource(s.svc))

	api.GET("/users/:userId/balances", s.userBalances)
	api.GET("/users/:userId/expenses", s.userExpenses)
	api.GET("/users/:userId/friends", s.userFriends)

	api.PUT("/friendships", s.upsertFriendship)
	api.DELETE("/friendships/:userId/:otherId", s.deleteFriendship)

	api.GET("/conflicts", s.listConflicts)
	api.POST("/conflicts", s.reportConflicts)
	api.POST("/conflicts/:id/resolve", s.resolveConflict)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
