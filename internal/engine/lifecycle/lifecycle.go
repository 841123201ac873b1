// Package lifecycle retires configs that ran out of time or quota, and
// drives the alert gate for the ones still active.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/peer"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

// Action is what a lifecycle pass does to a config.
type Action string

const (
	ActionNone    Action = "none"
	ActionDisable Action = "disable"
	ActionDelete  Action = "delete"
)

// Decision is the outcome of evaluating one config.
type Decision struct {
	Action Action
	Reason peer.DisableReason
}

// Evaluate decides what to do with cfg at now. Time wins over quota, quota
// over an explicit request. Test configs are deleted instead of disabled.
func Evaluate(cfg *models.VpnConfig, now time.Time) Decision {
	if cfg.Status != models.StatusActive {
		return Decision{Action: ActionNone}
	}

	var reason peer.DisableReason
	switch {
	case !now.Before(cfg.ExpiresAt):
		reason = peer.ReasonExpired
	case cfg.QuotaBytes > 0 && cfg.Consumed() >= cfg.QuotaBytes:
		reason = peer.ReasonQuota
	case cfg.DisableRequested:
		reason = peer.ReasonRequested
	default:
		return Decision{Action: ActionNone}
	}

	if cfg.IsTest {
		return Decision{Action: ActionDelete, Reason: reason}
	}
	return Decision{Action: ActionDisable, Reason: reason}
}

// Repository lists configs by status.
type Repository interface {
	ListConfigsByStatus(ctx context.Context, status models.ConfigStatus) ([]*models.VpnConfig, error)
}

// Provisioner applies the device side of a transition.
type Provisioner interface {
	Disable(ctx context.Context, configID string, reason peer.DisableReason) (bool, error)
	Purge(ctx context.Context, cfg *models.VpnConfig) (bool, error)
}

// AlertChecker raises due alerts for an active config.
type AlertChecker interface {
	Check(ctx context.Context, cfg *models.VpnConfig, now time.Time) ([]*models.Notification, error)
}

// PassResult summarizes one lifecycle pass.
type PassResult struct {
	Evaluated int
	Disabled  int
	Deleted   int
	Retried   int
	Alerts    int
	Failed    int
	Duration  time.Duration
}

// Manager runs lifecycle passes.
type Manager struct {
	repo   Repository
	prov   Provisioner
	alerts AlertChecker
	now    func() time.Time
	logger *logger.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a lifecycle manager. alerts may be nil.
func NewManager(repo Repository, prov Provisioner, alerts AlertChecker, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		prov:   prov,
		alerts: alerts,
		now:    time.Now,
		logger: log.WithComponent("lifecycle"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunOnce evaluates every active config and retries pending deletions.
// Failures are logged per config and counted; the pass carries on.
func (m *Manager) RunOnce(ctx context.Context) (PassResult, error) {
	start := time.Now()
	op := m.logger.StartOp(ctx, "lifecycle_pass")
	var res PassResult

	pending, err := m.repo.ListConfigsByStatus(ctx, models.StatusDeletedPending)
	if err != nil {
		op.Fail(err, "")
		return res, err
	}
	for _, cfg := range pending {
		if ctx.Err() != nil {
			break
		}
		res.Retried++
		if _, err := m.prov.Purge(ctx, cfg); err != nil {
			res.Failed++
			m.logger.WarnCtx(ctx, "pending deletion retry failed", err, slog.String("config_id", cfg.ID))
		}
	}

	active, err := m.repo.ListConfigsByStatus(ctx, models.StatusActive)
	if err != nil {
		op.Fail(err, "")
		return res, err
	}
	now := m.now()
	for _, cfg := range active {
		if ctx.Err() != nil {
			break
		}
		res.Evaluated++
		m.apply(ctx, cfg, now, &res)
	}

	res.Duration = time.Since(start)
	op.Complete("lifecycle pass completed",
		slog.Int("evaluated", res.Evaluated),
		slog.Int("disabled", res.Disabled),
		slog.Int("deleted", res.Deleted),
		slog.Int("retried", res.Retried),
		slog.Int("alerts", res.Alerts),
		slog.Int("failed", res.Failed))
	return res, ctx.Err()
}

func (m *Manager) apply(ctx context.Context, cfg *models.VpnConfig, now time.Time, res *PassResult) {
	ctx = logger.WithConfigID(ctx, cfg.ID)
	d := Evaluate(cfg, now)

	switch d.Action {
	case ActionDisable:
		done, err := m.prov.Disable(ctx, cfg.ID, d.Reason)
		if err != nil {
			res.Failed++
			m.logger.WarnCtx(ctx, "disable failed", err, slog.String("reason", string(d.Reason)))
			return
		}
		if done {
			res.Disabled++
		}
	case ActionDelete:
		done, err := m.prov.Purge(ctx, cfg)
		if err != nil {
			res.Failed++
			m.logger.WarnCtx(ctx, "test config purge failed", err, slog.String("reason", string(d.Reason)))
			return
		}
		if done {
			res.Deleted++
		}
	default:
		if m.alerts == nil {
			return
		}
		sent, err := m.alerts.Check(ctx, cfg, now)
		if err != nil {
			res.Failed++
			m.logger.WarnCtx(ctx, "alert check failed", err)
		}
		res.Alerts += len(sent)
	}
}
