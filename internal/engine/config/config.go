package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/db"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/device"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/ip"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/notify"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/session"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/usage"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/chiquitav2/vpn-provisioner/pkg/crypto"
)

// Config defines the configuration for the provisioner service.
type Config struct {
	Service    ServiceConfig       `mapstructure:"service"`
	Log        logger.LoggerConfig `mapstructure:"log"`
	API        APIConfig           `mapstructure:"api"`
	DB         db.Config           `mapstructure:"db"`
	Device     device.Config       `mapstructure:"device"`
	Reconciler usage.Config        `mapstructure:"reconciler"`
	Lifecycle  LifecycleConfig     `mapstructure:"lifecycle"`
	Alerts     notify.Config       `mapstructure:"alerts"`
	Session    session.Config      `mapstructure:"session"`
	Catalog    CatalogConfig       `mapstructure:"catalog"`
}

// ServiceConfig defines service-level options.
type ServiceConfig struct {
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// APIConfig defines the HTTP server.
type APIConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LifecycleConfig defines the lifecycle loop.
type LifecycleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// CatalogConfig lists the servers and plans synced into the database at
// startup.
type CatalogConfig struct {
	Servers []ServerConfig `mapstructure:"servers"`
	Plans   []PlanConfig   `mapstructure:"plans"`
}

// ServerConfig describes one router appliance.
type ServerConfig struct {
	ID         int64  `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	Driver     string `mapstructure:"driver"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	SSHKeyPath string `mapstructure:"ssh_key_path"`

	Interface    string `mapstructure:"interface"`
	PublicKey    string `mapstructure:"public_key"`
	EndpointHost string `mapstructure:"endpoint_host"`
	ListenPort   int    `mapstructure:"listen_port"`
	DNS          string `mapstructure:"dns"`
	AllowedIPs   string `mapstructure:"allowed_ips"`

	PoolBase  string `mapstructure:"pool_base"`
	PoolStart int    `mapstructure:"pool_start"`
	PoolEnd   int    `mapstructure:"pool_end"`
	Capacity  int    `mapstructure:"capacity"`

	Disabled bool `mapstructure:"disabled"`
}

// PlanConfig describes one product.
type PlanConfig struct {
	ID           int64  `mapstructure:"id"`
	Name         string `mapstructure:"name"`
	QuotaBytes   int64  `mapstructure:"quota_bytes"`
	DurationDays int    `mapstructure:"duration_days"`
	SingleUse    bool   `mapstructure:"single_use"`
}

// Model converts the entry into a catalog server.
func (s ServerConfig) Model() models.Server {
	return models.Server{
		ID:           s.ID,
		Name:         s.Name,
		Driver:       models.DeviceDriver(s.Driver),
		Host:         s.Host,
		Port:         s.Port,
		Username:     s.Username,
		Password:     s.Password,
		SSHKeyPath:   s.SSHKeyPath,
		Interface:    s.Interface,
		PublicKey:    s.PublicKey,
		EndpointHost: s.EndpointHost,
		ListenPort:   s.ListenPort,
		DNS:          s.DNS,
		AllowedIPs:   s.AllowedIPs,
		PoolBase:     s.PoolBase,
		PoolStart:    s.PoolStart,
		PoolEnd:      s.PoolEnd,
		Capacity:     s.Capacity,
		Active:       !s.Disabled,
	}
}

// Model converts the entry into a catalog plan.
func (p PlanConfig) Model() models.Plan {
	return models.Plan{
		ID:           p.ID,
		Name:         p.Name,
		QuotaBytes:   p.QuotaBytes,
		DurationDays: p.DurationDays,
		SingleUse:    p.SingleUse,
	}
}

// Models returns the catalog as domain values.
func (c CatalogConfig) Models() ([]models.Server, []models.Plan) {
	servers := make([]models.Server, 0, len(c.Servers))
	for _, s := range c.Servers {
		servers = append(servers, s.Model())
	}
	plans := make([]models.Plan, 0, len(c.Plans))
	for _, p := range c.Plans {
		plans = append(plans, p.Model())
	}
	return servers, plans
}

// Validate validates the configuration and fills defaults for unset values.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Log.Level != "" && !validLevels[string(c.Log.Level)] {
		return apperrors.NewFieldError("log.level", fmt.Sprintf("%q must be debug, info, warn, or error", c.Log.Level))
	}
	if c.Log.Format != "" && c.Log.Format != logger.FormatJSON && c.Log.Format != logger.FormatText {
		return apperrors.NewFieldError("log.format", fmt.Sprintf("%q must be json or text", c.Log.Format))
	}

	if c.Service.ShutdownTimeout > 0 && c.Service.ShutdownTimeout < time.Second {
		return apperrors.NewFieldError("service.shutdown_timeout", "must be at least 1 second")
	}
	if c.Reconciler.Interval > 0 && c.Reconciler.Interval < 10*time.Second {
		return apperrors.NewFieldError("reconciler.interval", "must be at least 10 seconds")
	}
	if c.Lifecycle.Interval > 0 && c.Lifecycle.Interval < 10*time.Second {
		return apperrors.NewFieldError("lifecycle.interval", "must be at least 10 seconds")
	}
	if c.Alerts.ThresholdPercent < 0 || c.Alerts.ThresholdPercent > 100 {
		return apperrors.NewFieldError("alerts.threshold_percent", "must be between 0 and 100")
	}
	if c.Device.RateLimit < 0 {
		return apperrors.NewFieldError("device.rate_limit", "must not be negative")
	}

	if err := c.Catalog.validate(); err != nil {
		return err
	}

	c.setDefaults()
	return nil
}

func (c CatalogConfig) validate() error {
	seen := make(map[int64]bool, len(c.Servers))
	for i, s := range c.Servers {
		field := func(name string) string { return fmt.Sprintf("catalog.servers[%d].%s", i, name) }

		if s.ID <= 0 {
			return apperrors.NewFieldError(field("id"), "must be positive")
		}
		if seen[s.ID] {
			return apperrors.NewFieldError(field("id"), fmt.Sprintf("duplicate server id %d", s.ID))
		}
		seen[s.ID] = true

		switch models.DeviceDriver(s.Driver) {
		case models.DriverRouterOS, models.DriverWGSSH:
		default:
			return apperrors.NewFieldError(field("driver"), fmt.Sprintf("%q must be routeros or wg-ssh", s.Driver))
		}
		if strings.TrimSpace(s.Host) == "" {
			return apperrors.NewFieldError(field("host"), "is required")
		}
		if s.Interface == "" {
			return apperrors.NewFieldError(field("interface"), "is required")
		}
		if !crypto.IsValidKey(s.PublicKey) {
			return apperrors.NewFieldError(field("public_key"), "must be a base64 WireGuard key")
		}
		if s.EndpointHost == "" {
			return apperrors.NewFieldError(field("endpoint_host"), "is required")
		}
		if _, err := ip.ParsePool(s.PoolBase, s.PoolStart, s.PoolEnd); err != nil {
			return apperrors.NewFieldError(field("pool_base"), err.Error())
		}
	}

	plans := make(map[int64]bool, len(c.Plans))
	for i, p := range c.Plans {
		field := func(name string) string { return fmt.Sprintf("catalog.plans[%d].%s", i, name) }
		if p.ID <= 0 {
			return apperrors.NewFieldError(field("id"), "must be positive")
		}
		if plans[p.ID] {
			return apperrors.NewFieldError(field("id"), fmt.Sprintf("duplicate plan id %d", p.ID))
		}
		plans[p.ID] = true
		if p.QuotaBytes < 0 {
			return apperrors.NewFieldError(field("quota_bytes"), "must not be negative")
		}
		if p.DurationDays <= 0 {
			return apperrors.NewFieldError(field("duration_days"), "must be positive")
		}
	}
	return nil
}

// setDefaults sets default values for fields that are not set.
func (c *Config) setDefaults() {
	if c.Service.ShutdownTimeout <= 0 {
		c.Service.ShutdownTimeout = 30 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = logger.LevelInfo
	}
	if c.Log.Format == "" {
		c.Log.Format = logger.FormatJSON
	}
	if c.Log.Component == "" {
		c.Log.Component = "vpn-provisioner"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout <= 0 {
		c.API.ReadTimeout = 15 * time.Second
	}
	if c.API.WriteTimeout <= 0 {
		c.API.WriteTimeout = 60 * time.Second
	}

	dbDefaults := db.DefaultConfig()
	if c.DB.Path == "" {
		c.DB.Path = dbDefaults.Path
	}
	if c.DB.MaxOpenConns <= 0 {
		c.DB.MaxOpenConns = dbDefaults.MaxOpenConns
	}
	if c.DB.MaxIdleConns <= 0 {
		c.DB.MaxIdleConns = dbDefaults.MaxIdleConns
	}
	if c.DB.ConnMaxLifetime <= 0 {
		c.DB.ConnMaxLifetime = dbDefaults.ConnMaxLifetime
	}
	if c.DB.BusyTimeout <= 0 {
		c.DB.BusyTimeout = dbDefaults.BusyTimeout
	}

	devDefaults := device.DefaultConfig()
	if c.Device.ConnectTimeout <= 0 {
		c.Device.ConnectTimeout = devDefaults.ConnectTimeout
	}
	if c.Device.RequestTimeout <= 0 {
		c.Device.RequestTimeout = devDefaults.RequestTimeout
	}
	if c.Device.RateBurst <= 0 {
		c.Device.RateBurst = devDefaults.RateBurst
	}
	if c.Device.BreakerResetTimeout <= 0 {
		c.Device.BreakerResetTimeout = devDefaults.BreakerResetTimeout
	}

	recDefaults := usage.DefaultConfig()
	if c.Reconciler.Interval <= 0 {
		c.Reconciler.Interval = recDefaults.Interval
	}
	if c.Reconciler.MaxConcurrentServers <= 0 {
		c.Reconciler.MaxConcurrentServers = recDefaults.MaxConcurrentServers
	}

	if c.Lifecycle.Interval <= 0 {
		c.Lifecycle.Interval = time.Minute
	}

	if c.Session.TTL <= 0 {
		c.Session.TTL = session.DefaultTTL
	}

	for i := range c.Catalog.Servers {
		s := &c.Catalog.Servers[i]
		if s.Name == "" {
			s.Name = fmt.Sprintf("server-%d", s.ID)
		}
		if s.AllowedIPs == "" {
			s.AllowedIPs = "0.0.0.0/0"
		}
		if s.ListenPort == 0 {
			s.ListenPort = 51820
		}
	}
}
