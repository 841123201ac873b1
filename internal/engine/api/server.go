// Package api serves the provisioning engine over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/command"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/metrics"
	applogger "github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

// Notifications is the alert outbox as seen by the API.
type Notifications interface {
	ListPendingNotifications(ctx context.Context, limit int) ([]*models.Notification, error)
	AckNotification(ctx context.Context, id int64) (bool, error)
}

// HealthCheck reports a named dependency as healthy when it returns nil.
type HealthCheck func(ctx context.Context) error

// ServerConfig contains configuration for the API server.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// Server represents the HTTP API server.
type Server struct {
	server        *http.Server
	dispatcher    *command.Dispatcher
	notifications Notifications
	checks        map[string]HealthCheck
	version       string
	logger        *applogger.Logger
}

// NewServer creates a new API server instance.
func NewServer(cfg ServerConfig, dispatcher *command.Dispatcher, notifications Notifications, checks map[string]HealthCheck, logger *applogger.Logger) *Server {
	s := &Server{
		dispatcher:    dispatcher,
		notifications: notifications,
		checks:        checks,
		version:       cfg.Version,
		logger:        logger.WithComponent("api"),
	}
	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/configs", s.createConfigHandler)
	mux.HandleFunc("GET /api/v1/configs/{id}", s.getConfigHandler)
	mux.HandleFunc("POST /api/v1/configs/{id}/renew", s.renewConfigHandler)
	mux.HandleFunc("POST /api/v1/configs/{id}/disable", s.disableConfigHandler)
	mux.HandleFunc("DELETE /api/v1/configs/{id}", s.deleteConfigHandler)
	mux.HandleFunc("GET /api/v1/configs/{id}/client.conf", s.clientConfigHandler)
	mux.HandleFunc("GET /api/v1/configs/{id}/qr.png", s.qrHandler)

	mux.HandleFunc("GET /api/v1/notifications", s.listNotificationsHandler)
	mux.HandleFunc("POST /api/v1/notifications/{id}/ack", s.ackNotificationHandler)

	return wrap(mux, withRequestID, withAccessLog(s.logger), withRecovery(s.logger))
}

// Start listens in the background. It returns an error if the listener
// fails immediately.
func (s *Server) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting API server", slog.String("address", s.server.Addr))

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server failed to start: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	return nil
}
