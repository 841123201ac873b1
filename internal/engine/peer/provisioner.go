// Package peer creates, renews, disables and deletes tunnel configs, keeping
// the device peer and the stored config in step.
package peer

import (
	"context"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/clientconf"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/device"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/events"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/ip"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/metrics"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/store"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/chiquitav2/vpn-provisioner/pkg/crypto"
	"github.com/google/uuid"
)

// Repository is the persistence the provisioner needs.
type Repository interface {
	GetServer(ctx context.Context, id int64) (*models.Server, error)
	GetPlan(ctx context.Context, id int64) (*models.Plan, error)
	GetConfig(ctx context.Context, id string) (*models.VpnConfig, error)
	CreateConfig(ctx context.Context, cfg *models.VpnConfig) (*models.VpnConfig, error)
	RenewConfig(ctx context.Context, p store.RenewParams) (*models.VpnConfig, error)
	MarkDisableRequested(ctx context.Context, id string) error
	TransitionStatus(ctx context.Context, id string, from, to models.ConfigStatus) (bool, error)
	CompleteDisable(ctx context.Context, id string, status models.ConfigStatus) (bool, error)
	DeleteConfig(ctx context.Context, id string) error
}

// DisableReason selects the status a disabled config ends up in.
type DisableReason string

const (
	ReasonExpired   DisableReason = "expired"
	ReasonQuota     DisableReason = "quota"
	ReasonRequested DisableReason = "requested"
)

// Status returns the terminal status for the reason.
func (r DisableReason) Status() models.ConfigStatus {
	if r == ReasonExpired {
		return models.StatusExpired
	}
	return models.StatusDisabled
}

// CreateRequest asks for a new config. A plan, when given, supplies quota,
// duration and the test flag for fields left zero.
type CreateRequest struct {
	ServerID     int64
	OwnerID      int64
	PlanID       *int64
	QuotaBytes   int64
	DurationDays int
	IsTest       bool
}

// Artifact is the client-side config and its QR rendering.
type Artifact struct {
	Text string
	QR   []byte
}

// Result is a config together with its client artifact.
type Result struct {
	Config   *models.VpnConfig
	Artifact Artifact
}

// Provisioner orchestrates key generation, address allocation, device calls
// and persistence. It never retries; errors go back to the caller.
type Provisioner struct {
	repo      Repository
	allocator *ip.Allocator
	sessions  *device.Sessions
	keys      crypto.KeyGenerator
	events    events.Publisher
	logger    *logger.Logger

	now   func() time.Time
	newID func() string
}

// Option customizes a Provisioner.
type Option func(*Provisioner)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) { p.now = now }
}

// WithIDs overrides config id generation.
func WithIDs(newID func() string) Option {
	return func(p *Provisioner) { p.newID = newID }
}

// WithEvents publishes lifecycle events to pub.
func WithEvents(pub events.Publisher) Option {
	return func(p *Provisioner) { p.events = pub }
}

// NewProvisioner wires a provisioner.
func NewProvisioner(repo Repository, allocator *ip.Allocator, sessions *device.Sessions, keys crypto.KeyGenerator, log *logger.Logger, opts ...Option) *Provisioner {
	p := &Provisioner{
		repo:      repo,
		allocator: allocator,
		sessions:  sessions,
		keys:      keys,
		events:    events.Nop{},
		logger:    log.WithComponent("peer.provisioner"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func validationError(msg string) error {
	return apperrors.NewSystemError(apperrors.ErrCodeValidation, msg, false, nil)
}

func (p *Provisioner) activeServer(ctx context.Context, id int64) (*models.Server, error) {
	server, err := p.repo.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !server.Active {
		return nil, apperrors.NewConfigError(apperrors.ErrCodeServerInactive, "server is not active", false, nil).
			WithMetadata("server_id", id)
	}
	return server, nil
}

func peerMatch(cfg *models.VpnConfig) device.PeerMatch {
	return device.PeerMatch{
		PublicKey:      cfg.PublicKey,
		Comment:        device.Comment(cfg.OwnerID, cfg.ClientAddress),
		AllowedAddress: device.HostCIDR(cfg.ClientAddress),
	}
}

func (p *Provisioner) publish(ctx context.Context, eventType string, cfg *models.VpnConfig, kv ...any) {
	e := events.New(eventType)
	e.ConfigID, e.OwnerID, e.ServerID = cfg.ID, cfg.OwnerID, cfg.ServerID
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			e = e.With(k, kv[i+1])
		}
	}
	if err := p.events.Publish(ctx, e); err != nil {
		p.logger.WarnCtx(ctx, "event publish failed", err, slog.String("type", eventType))
	}
}

func observe(operation string, timer *metrics.Timer, err error) {
	metrics.ProvisionOpsTotal.WithLabelValues(operation, metrics.Result(err)).Inc()
	timer.ObserveDuration(metrics.ProvisionDuration.WithLabelValues(operation))
}

// Create provisions a new config. The row is inserted only after the device
// accepted the peer; a failure at any step leaves no local record.
func (p *Provisioner) Create(ctx context.Context, req CreateRequest) (res *Result, err error) {
	timer := metrics.NewTimer()
	ctx = logger.WithOwnerID(ctx, strconv.FormatInt(req.OwnerID, 10))
	op := p.logger.StartOp(ctx, "create_config", slog.Int64("server_id", req.ServerID))
	defer func() {
		observe("create", timer, err)
		if err != nil {
			op.Fail(err, "")
		}
	}()

	if req.OwnerID <= 0 {
		return nil, validationError("owner id is required")
	}
	if req.QuotaBytes < 0 {
		return nil, validationError("quota must not be negative")
	}

	server, err := p.activeServer(ctx, req.ServerID)
	if err != nil {
		return nil, err
	}

	quota, days, isTest := req.QuotaBytes, req.DurationDays, req.IsTest
	if req.PlanID != nil {
		plan, err := p.repo.GetPlan(ctx, *req.PlanID)
		if err != nil {
			return nil, err
		}
		if quota == 0 {
			quota = plan.QuotaBytes
		}
		if days == 0 {
			days = plan.DurationDays
		}
		isTest = isTest || plan.SingleUse
	}
	if days <= 0 {
		return nil, validationError("duration must be at least one day")
	}

	keys, err := p.keys.Generate()
	if err != nil {
		return nil, apperrors.NewProvisioningError(apperrors.ErrCodeKeyGeneration, "failed to generate key pair", false, err)
	}

	reservation, err := p.allocator.Reserve(ctx, server)
	if err != nil {
		return nil, err
	}
	defer reservation.Release()
	addr := reservation.Addr().String()
	op.Progress("address reserved", slog.String("address", addr))

	spec := device.PeerSpec{
		PublicKey:      keys.PublicKey,
		AllowedAddress: device.HostCIDR(addr),
		Comment:        device.Comment(req.OwnerID, addr),
	}
	if err := p.sessions.Do(ctx, server, func(ctx context.Context, gw device.Gateway) error {
		return gw.AddPeer(ctx, server.Interface, spec)
	}); err != nil {
		return nil, err
	}
	op.Progress("device peer added")

	now := p.now()
	cfg, err := p.repo.CreateConfig(ctx, &models.VpnConfig{
		ID:            p.newID(),
		OwnerID:       req.OwnerID,
		ServerID:      server.ID,
		PlanID:        req.PlanID,
		QuotaBytes:    quota,
		DurationDays:  days,
		IsTest:        isTest,
		PrivateKey:    keys.PrivateKey,
		PublicKey:     keys.PublicKey,
		ClientAddress: addr,
		CreatedAt:     now,
		ExpiresAt:     now.AddDate(0, 0, days),
	})
	if err != nil {
		p.rollbackPeer(ctx, server, device.PeerMatch{PublicKey: keys.PublicKey})
		return nil, err
	}

	artifact, err := p.render(server, cfg)
	if err != nil {
		return nil, err
	}

	op.Complete("config created", slog.String("config_id", cfg.ID), slog.String("address", addr))
	p.publish(ctx, events.ConfigCreated, cfg, "address", addr)
	return &Result{Config: cfg, Artifact: artifact}, nil
}

// rollbackPeer removes a peer added for a config that could not be stored.
func (p *Provisioner) rollbackPeer(ctx context.Context, server *models.Server, match device.PeerMatch) {
	err := p.sessions.Do(ctx, server, func(ctx context.Context, gw device.Gateway) error {
		return gw.RemovePeer(ctx, server.Interface, match)
	})
	if err != nil && !device.IsPeerNotFound(err) {
		p.logger.ErrorCtx(ctx, "failed to roll back device peer", err, slog.String("match", match.String()))
	}
}

// Renew reactivates a config for a new period. Accounting restarts from the
// device's current counters and every alert flag is cleared.
func (p *Provisioner) Renew(ctx context.Context, configID string) (cfg *models.VpnConfig, err error) {
	timer := metrics.NewTimer()
	ctx = logger.WithConfigID(ctx, configID)
	op := p.logger.StartOp(ctx, "renew_config")
	defer func() {
		observe("renew", timer, err)
		if err != nil {
			op.Fail(err, "")
		}
	}()

	current, err := p.repo.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	if !current.Status.Renewable() {
		return nil, apperrors.ErrInvalidState.WithMetadata("status", string(current.Status))
	}

	server, err := p.activeServer(ctx, current.ServerID)
	if err != nil {
		return nil, err
	}

	quota, days := current.QuotaBytes, current.DurationDays
	if current.PlanID != nil {
		plan, err := p.repo.GetPlan(ctx, *current.PlanID)
		switch {
		case err == nil:
			quota, days = plan.QuotaBytes, plan.DurationDays
		case apperrors.IsErrorCode(err, apperrors.ErrCodePlanNotFound):
			p.logger.WarnCtx(ctx, "plan gone, renewing with stored terms", err)
		default:
			return nil, err
		}
	}

	reservation, err := p.keepOrReallocate(ctx, server, current)
	if err != nil {
		return nil, err
	}
	defer reservation.Release()
	addr := reservation.Addr().String()
	moved := addr != device.HostAddress(current.ClientAddress)

	var rx, tx int64
	if err := p.sessions.Do(ctx, server, func(ctx context.Context, gw device.Gateway) error {
		var err error
		rx, tx, err = p.restorePeer(ctx, gw, server, current, addr, moved)
		return err
	}); err != nil {
		return nil, err
	}

	now := p.now()
	renewed, err := p.repo.RenewConfig(ctx, store.RenewParams{
		ConfigID:      current.ID,
		Version:       current.Version,
		PlanID:        current.PlanID,
		QuotaBytes:    quota,
		DurationDays:  days,
		ClientAddress: addr,
		LastRx:        rx,
		LastTx:        tx,
		ExpiresAt:     now.AddDate(0, 0, days),
		RenewedAt:     now,
	})
	if err != nil {
		return nil, err
	}

	op.Complete("config renewed", slog.Time("expires_at", renewed.ExpiresAt), slog.Bool("address_changed", moved))
	p.publish(ctx, events.ConfigRenewed, renewed, "expires_at", renewed.ExpiresAt)
	return renewed, nil
}

// keepOrReallocate holds the config's current address when nobody else took
// it in the meantime, otherwise a fresh one.
func (p *Provisioner) keepOrReallocate(ctx context.Context, server *models.Server, cfg *models.VpnConfig) (*ip.Reservation, error) {
	if addr, err := netip.ParseAddr(device.HostAddress(cfg.ClientAddress)); err == nil {
		res, ok, err := p.allocator.Claim(ctx, server, addr, cfg.ID, cfg.Status == models.StatusActive)
		if err != nil {
			return nil, err
		}
		if ok {
			return res, nil
		}
	}
	p.logger.InfoContext(ctx, "previous address taken, reallocating", slog.String("address", cfg.ClientAddress))
	return p.allocator.Reserve(ctx, server)
}

// restorePeer makes the device peer of cfg present and enabled at addr and
// returns its current counters.
func (p *Provisioner) restorePeer(ctx context.Context, gw device.Gateway, server *models.Server, cfg *models.VpnConfig, addr string, moved bool) (rx, tx int64, err error) {
	peers, err := gw.ListPeers(ctx, server.Interface)
	if err != nil {
		return 0, 0, err
	}
	existing, found := device.FindPeer(peers, device.PeerMatch{PublicKey: cfg.PublicKey})

	if found && moved {
		if err := gw.RemovePeer(ctx, server.Interface, device.PeerMatch{PublicKey: cfg.PublicKey}); err != nil && !device.IsPeerNotFound(err) {
			return 0, 0, err
		}
		found = false
	}

	if !found {
		spec := device.PeerSpec{
			PublicKey:      cfg.PublicKey,
			AllowedAddress: device.HostCIDR(addr),
			Comment:        device.Comment(cfg.OwnerID, addr),
		}
		return 0, 0, gw.AddPeer(ctx, server.Interface, spec)
	}

	if existing.Disabled {
		match := device.PeerMatch{PublicKey: cfg.PublicKey, AllowedAddress: device.HostCIDR(addr)}
		if err := gw.SetPeerDisabled(ctx, server.Interface, match, false); err != nil {
			return 0, 0, err
		}
	}
	return existing.Rx, existing.Tx, nil
}

// Disable turns an active config off. The intent is stored first so that a
// failed device call is retried by the lifecycle pass. It reports whether
// this call performed the status transition; configs that are no longer
// active are left alone.
func (p *Provisioner) Disable(ctx context.Context, configID string, reason DisableReason) (transitioned bool, err error) {
	timer := metrics.NewTimer()
	ctx = logger.WithConfigID(ctx, configID)
	op := p.logger.StartOp(ctx, "disable_config", slog.String("reason", string(reason)))
	defer func() {
		observe("disable", timer, err)
		if err != nil {
			op.Fail(err, "")
		}
	}()

	cfg, err := p.repo.GetConfig(ctx, configID)
	if err != nil {
		return false, err
	}
	if cfg.Status != models.StatusActive {
		op.Complete("config already inactive", slog.String("status", string(cfg.Status)))
		return false, nil
	}

	if err := p.repo.MarkDisableRequested(ctx, cfg.ID); err != nil {
		return false, err
	}

	server, err := p.repo.GetServer(ctx, cfg.ServerID)
	if err != nil {
		return false, err
	}
	if err := p.sessions.Do(ctx, server, func(ctx context.Context, gw device.Gateway) error {
		err := gw.SetPeerDisabled(ctx, server.Interface, peerMatch(cfg), true)
		if device.IsPeerNotFound(err) {
			p.logger.WarnCtx(ctx, "peer already absent on device", err)
			return nil
		}
		return err
	}); err != nil {
		return false, err
	}

	to := reason.Status()
	transitioned, err = p.repo.CompleteDisable(ctx, cfg.ID, to)
	if err != nil {
		return false, err
	}
	if !transitioned {
		if err := p.undoIfRenewed(ctx, server, cfg); err != nil {
			return false, err
		}
	} else {
		metrics.LifecycleTransitionsTotal.WithLabelValues(string(to)).Inc()
		p.publish(ctx, events.ConfigDisabled, cfg, "status", string(to), "reason", string(reason))
	}
	op.Complete("config disabled", slog.String("status", string(to)), slog.Bool("transitioned", transitioned))
	return transitioned, nil
}

// undoIfRenewed re-enables the device peer when a renew committed while
// Disable was talking to the device.
func (p *Provisioner) undoIfRenewed(ctx context.Context, server *models.Server, cfg *models.VpnConfig) error {
	current, err := p.repo.GetConfig(ctx, cfg.ID)
	if err != nil {
		return err
	}
	if current.Status != models.StatusActive || current.DisableRequested {
		return nil
	}
	p.logger.InfoContext(ctx, "config renewed during disable, re-enabling peer")
	return p.sessions.Do(ctx, server, func(ctx context.Context, gw device.Gateway) error {
		err := gw.SetPeerDisabled(ctx, server.Interface, peerMatch(current), false)
		if device.IsPeerNotFound(err) {
			return nil
		}
		return err
	})
}

// Delete removes the device peer and then the config row. When the device
// call fails the row is left untouched.
func (p *Provisioner) Delete(ctx context.Context, configID string) (err error) {
	timer := metrics.NewTimer()
	ctx = logger.WithConfigID(ctx, configID)
	op := p.logger.StartOp(ctx, "delete_config")
	defer func() {
		observe("delete", timer, err)
		if err != nil {
			op.Fail(err, "")
		}
	}()

	cfg, err := p.repo.GetConfig(ctx, configID)
	if err != nil {
		return err
	}
	if err := p.removePeer(ctx, cfg); err != nil {
		return err
	}
	if err := p.repo.DeleteConfig(ctx, cfg.ID); err != nil {
		return err
	}

	op.Complete("config deleted")
	p.publish(ctx, events.ConfigDeleted, cfg)
	return nil
}

// Purge retires a test config: it is moved to deleted_pending exactly once,
// then removed from the device and deleted. A config already in
// deleted_pending is retried from the device step.
func (p *Provisioner) Purge(ctx context.Context, cfg *models.VpnConfig) (transitioned bool, err error) {
	timer := metrics.NewTimer()
	ctx = logger.WithConfigID(ctx, cfg.ID)
	op := p.logger.StartOp(ctx, "purge_config")
	defer func() {
		observe("purge", timer, err)
		if err != nil {
			op.Fail(err, "")
		}
	}()

	switch cfg.Status {
	case models.StatusActive:
		transitioned, err = p.repo.TransitionStatus(ctx, cfg.ID, models.StatusActive, models.StatusDeletedPending)
		if err != nil {
			return false, err
		}
		if !transitioned {
			op.Complete("config changed concurrently, skipping")
			return false, nil
		}
		metrics.LifecycleTransitionsTotal.WithLabelValues(string(models.StatusDeletedPending)).Inc()
	case models.StatusDeletedPending:
	default:
		return false, apperrors.ErrInvalidState.WithMetadata("status", string(cfg.Status))
	}

	if err := p.removePeer(ctx, cfg); err != nil {
		return transitioned, err
	}
	if err := p.repo.DeleteConfig(ctx, cfg.ID); err != nil {
		return transitioned, err
	}

	op.Complete("test config purged")
	p.publish(ctx, events.ConfigDeleted, cfg, "test", true)
	return transitioned, nil
}

func (p *Provisioner) removePeer(ctx context.Context, cfg *models.VpnConfig) error {
	server, err := p.repo.GetServer(ctx, cfg.ServerID)
	if err != nil {
		if apperrors.IsErrorCode(err, apperrors.ErrCodeServerNotFound) {
			p.logger.WarnCtx(ctx, "server gone, skipping device removal", err)
			return nil
		}
		return err
	}
	return p.sessions.Do(ctx, server, func(ctx context.Context, gw device.Gateway) error {
		err := gw.RemovePeer(ctx, server.Interface, peerMatch(cfg))
		if device.IsPeerNotFound(err) {
			return nil
		}
		return err
	})
}

// RenderClientConfig re-renders the client artifact of an existing config.
func (p *Provisioner) RenderClientConfig(ctx context.Context, configID string) (*Result, error) {
	cfg, err := p.repo.GetConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	server, err := p.repo.GetServer(ctx, cfg.ServerID)
	if err != nil {
		return nil, err
	}
	artifact, err := p.render(server, cfg)
	if err != nil {
		return nil, err
	}
	return &Result{Config: cfg, Artifact: artifact}, nil
}

func (p *Provisioner) render(server *models.Server, cfg *models.VpnConfig) (Artifact, error) {
	text := clientconf.Render(clientconf.FromModels(server, cfg))
	png, err := clientconf.QR(text)
	if err != nil {
		return Artifact{}, apperrors.NewSystemError(apperrors.ErrCodeInternal, "failed to render QR code", false, err)
	}
	return Artifact{Text: text, QR: png}, nil
}
