// Package engine wires the provisioning components into a runnable service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/api"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/command"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/config"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/db"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/device"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/device/routeros"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/device/wgssh"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/events"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/ip"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/lifecycle"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/notify"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/peer"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/scheduler"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/session"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/store"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/usage"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/chiquitav2/vpn-provisioner/pkg/crypto"
)

// Components is the wired engine without its long-running surfaces. The
// admin CLI uses it directly; Service adds the scheduler and HTTP API.
type Components struct {
	Config      *config.Config
	Logger      *logger.Logger
	DB          *db.SQLStore
	Store       *store.Store
	Events      *events.Bus
	Sessions    *device.Sessions
	Allocator   *ip.Allocator
	Provisioner *peer.Provisioner
	Reconciler  *usage.Reconciler
	Alerts      *notify.Gate
	Lifecycle   *lifecycle.Manager
	Owners      *session.Store
	Dispatcher  *command.Dispatcher
}

// NewComponents opens the database and wires every component in dependency
// order. dialer may be nil to use the configured drivers.
func NewComponents(ctx context.Context, cfg *config.Config, log *logger.Logger, dialer device.Dialer) (*Components, error) {
	c := &Components{Config: cfg, Logger: log}

	sqlStore, err := db.NewStore(ctx, &cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database store: %w", err)
	}
	c.DB = sqlStore
	c.Store = store.New(sqlStore)

	c.Events = events.NewBus(log)
	if err := events.LogSubscriber(c.Events, log); err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	if dialer == nil {
		dialer = device.DriverDialer{
			models.DriverRouterOS: routeros.Dialer(cfg.Device, log),
			models.DriverWGSSH:    wgssh.Dialer(cfg.Device, log),
		}
	}
	c.Sessions = device.NewSessions(dialer, cfg.Device, log)
	c.Allocator = ip.NewAllocator(c.Store, log)

	c.Provisioner = peer.NewProvisioner(c.Store, c.Allocator, c.Sessions, crypto.NewKeyGenerator(nil), log,
		peer.WithEvents(c.Events))
	c.Reconciler = usage.NewReconciler(c.Store, c.Sessions, cfg.Reconciler, c.Events, log)
	c.Alerts = notify.NewGate(c.Store, cfg.Alerts, c.Events, log)
	c.Lifecycle = lifecycle.NewManager(c.Store, c.Provisioner, c.Alerts, log)

	c.Owners = session.NewStore(cfg.Session)
	c.Dispatcher, err = command.NewDispatcher(command.Handlers(c.Provisioner, c.Owners), log)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}
	return c, nil
}

// SyncCatalog writes the configured servers and plans into the database.
// An empty catalog is left alone so that an unconfigured run does not
// deactivate every server.
func (c *Components) SyncCatalog(ctx context.Context) (store.SyncResult, error) {
	servers, plans := c.Config.Catalog.Models()
	if len(servers) == 0 && len(plans) == 0 {
		c.Logger.Warn("catalog is empty, keeping stored servers and plans")
		return store.SyncResult{}, nil
	}
	res, err := c.Store.SyncCatalog(ctx, servers, plans)
	if err != nil {
		return res, err
	}
	c.Logger.Info("catalog synced",
		slog.Int("servers", res.Servers),
		slog.Int("plans", res.Plans),
		slog.Int64("deactivated", res.Deactivated))
	return res, nil
}

// HealthChecks returns the dependency checks served on /health.
func (c *Components) HealthChecks() map[string]api.HealthCheck {
	return map[string]api.HealthCheck{
		"database": c.Store.Ping,
		"events": func(context.Context) error {
			if h := c.Events.Health(); h.Status == "unhealthy" {
				return errors.New("event bus closed")
			}
			return nil
		},
	}
}

// Close releases the event bus and the database.
func (c *Components) Close() error {
	c.Owners.Stop()
	return errors.Join(c.Events.Close(), c.DB.Close())
}

// Service coordinates the scheduler and the API server around Components.
type Service struct {
	*Components
	scheduler *scheduler.Manager
	apiServer *api.Server
	version   string

	mu      sync.Mutex
	running bool
}

// NewService builds the components and the long-running surfaces.
func NewService(ctx context.Context, cfg *config.Config, log *logger.Logger, version string) (*Service, error) {
	c, err := NewComponents(ctx, cfg, log, nil)
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.NewManager(log,
		scheduler.Task{Name: "reconcile", Interval: cfg.Reconciler.Interval, Run: func(ctx context.Context) error {
			_, err := c.Reconciler.RunOnce(ctx)
			return err
		}},
		scheduler.Task{Name: "lifecycle", Interval: cfg.Lifecycle.Interval, Run: func(ctx context.Context) error {
			_, err := c.Lifecycle.RunOnce(ctx)
			return err
		}},
	)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	apiServer := api.NewServer(api.ServerConfig{
		Address:      cfg.API.ListenAddr,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		Version:      version,
	}, c.Dispatcher, c.Store, c.HealthChecks(), log)

	return &Service{Components: c, scheduler: sched, apiServer: apiServer, version: version}, nil
}

// Start syncs the catalog and starts the scheduler and the API server.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("service is already running")
	}

	s.Logger.Info("starting provisioner service", slog.String("version", s.version))
	if _, err := s.SyncCatalog(ctx); err != nil {
		return fmt.Errorf("failed to sync catalog: %w", err)
	}

	s.Owners.Start()
	s.scheduler.Start(ctx)
	if err := s.apiServer.Start(ctx); err != nil {
		if stopErr := s.scheduler.Stop(ctx); stopErr != nil {
			s.Logger.ErrorCtx(ctx, "failed to stop scheduler during cleanup", stopErr)
		}
		return fmt.Errorf("failed to start API server: %w", err)
	}

	s.running = true
	s.Logger.Info("provisioner service started")
	return nil
}

// Stop shuts down the API first, then the background loops, then storage.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.Logger.Info("stopping provisioner service")

	var errs []error
	if err := s.apiServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := s.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	s.running = false

	if err := errors.Join(errs...); err != nil {
		s.Logger.ErrorCtx(ctx, "service stopped with errors", err)
		return err
	}
	s.Logger.Info("provisioner service stopped")
	return nil
}

// Run starts the service and blocks until SIGINT, SIGTERM or ctx ends, then
// shuts down within the configured timeout.
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		if cerr := s.Close(); cerr != nil {
			s.Logger.WarnCtx(ctx, "failed to release resources after startup failure", cerr)
		}
		return err
	}
	<-ctx.Done()
	s.Logger.Info("shutdown requested")

	timeout := s.Config.Service.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Stop(shutdownCtx); err != nil {
		return apperrors.WrapWithDomain(err, apperrors.DomainSystem, apperrors.ErrCodeInternal, "graceful shutdown failed", false)
	}
	return nil
}
