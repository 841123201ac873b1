// Package notify raises one-shot traffic and expiry alerts for active configs.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/events"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/metrics"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

const gib = 1 << 30

// Config holds alert thresholds.
type Config struct {
	LowTrafficBytes  int64 `mapstructure:"low_traffic_bytes"`
	ExpiryDays       int   `mapstructure:"expiry_days"`
	ThresholdPercent int   `mapstructure:"threshold_percent"`
}

// DefaultConfig returns 1 GiB remaining, 3 days left and 80% used.
func DefaultConfig() Config {
	return Config{
		LowTrafficBytes:  gib,
		ExpiryDays:       3,
		ThresholdPercent: 80,
	}
}

// Alert is a condition that is due for a config.
type Alert struct {
	Kind    models.AlertKind
	Message string
}

// Due returns the alerts whose condition holds and whose flag is not yet set.
func Due(cfg *models.VpnConfig, now time.Time, c Config) []Alert {
	var out []Alert
	if cfg.Status != models.StatusActive {
		return nil
	}

	if cfg.QuotaBytes > 0 && !cfg.Alerts.LowTraffic && c.LowTrafficBytes > 0 {
		if remaining := cfg.RemainingBytes(); remaining <= c.LowTrafficBytes {
			out = append(out, Alert{
				Kind:    models.AlertLowTraffic,
				Message: fmt.Sprintf("Only %s of traffic left on your VPN config.", formatBytes(remaining)),
			})
		}
	}

	if !cfg.Alerts.ExpiryNear && c.ExpiryDays > 0 {
		left := cfg.ExpiresAt.Sub(now)
		if left <= time.Duration(c.ExpiryDays)*24*time.Hour {
			out = append(out, Alert{
				Kind:    models.AlertExpiryNear,
				Message: fmt.Sprintf("Your VPN config expires on %s.", cfg.ExpiresAt.Format("2006-01-02 15:04 MST")),
			})
		}
	}

	if cfg.QuotaBytes > 0 && !cfg.Alerts.Threshold && c.ThresholdPercent > 0 {
		// compare in float to avoid overflow on large quotas
		used := float64(cfg.Consumed()) / float64(cfg.QuotaBytes) * 100
		if used >= float64(c.ThresholdPercent) {
			out = append(out, Alert{
				Kind:    models.AlertThreshold,
				Message: fmt.Sprintf("You have used %d%% of your traffic quota.", int(used)),
			})
		}
	}
	return out
}

func formatBytes(n int64) string {
	switch {
	case n >= gib:
		return fmt.Sprintf("%.1f GiB", float64(n)/gib)
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// Claimer atomically sets an alert flag and appends the outbox row.
type Claimer interface {
	ClaimAlert(ctx context.Context, cfg *models.VpnConfig, kind models.AlertKind, message string) (*models.Notification, error)
}

// Gate emits each alert at most once per config lifetime.
type Gate struct {
	claimer Claimer
	config  Config
	events  events.Publisher
	logger  *logger.Logger
}

// NewGate creates a gate. pub may be nil.
func NewGate(claimer Claimer, cfg Config, pub events.Publisher, log *logger.Logger) *Gate {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Gate{
		claimer: claimer,
		config:  cfg,
		events:  pub,
		logger:  log.WithComponent("notify.gate"),
	}
}

// Check claims every due alert for cfg and publishes the ones it won.
func (g *Gate) Check(ctx context.Context, cfg *models.VpnConfig, now time.Time) ([]*models.Notification, error) {
	var sent []*models.Notification
	for _, alert := range Due(cfg, now, g.config) {
		n, err := g.claimer.ClaimAlert(ctx, cfg, alert.Kind, alert.Message)
		if err != nil {
			return sent, err
		}
		if n == nil {
			continue
		}
		sent = append(sent, n)
		metrics.NotificationsTotal.WithLabelValues(string(alert.Kind)).Inc()

		e := events.New(events.AlertRaised).
			With("kind", string(alert.Kind)).
			With("notification_id", n.ID).
			With("message", n.Message)
		e.ConfigID, e.OwnerID, e.ServerID = cfg.ID, cfg.OwnerID, cfg.ServerID
		if err := g.events.Publish(ctx, e); err != nil {
			g.logger.WarnCtx(ctx, "event publish failed", err, slog.String("config_id", cfg.ID))
		}
	}
	return sent, nil
}
