package store

import (
	"context"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/db"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

// CreateConfig inserts a new active config. Counters start at zero.
func (s *Store) CreateConfig(ctx context.Context, cfg *models.VpnConfig) (*models.VpnConfig, error) {
	row, err := s.db.CreateConfig(ctx, db.CreateConfigParams{
		ID:            cfg.ID,
		OwnerID:       cfg.OwnerID,
		ServerID:      cfg.ServerID,
		PlanID:        nullInt64(cfg.PlanID),
		QuotaBytes:    cfg.QuotaBytes,
		DurationDays:  int64(cfg.DurationDays),
		IsTest:        cfg.IsTest,
		PrivateKey:    cfg.PrivateKey,
		PublicKey:     cfg.PublicKey,
		ClientAddress: cfg.ClientAddress,
		CreatedAt:     cfg.CreatedAt,
		ExpiresAt:     cfg.ExpiresAt,
	})
	if err != nil {
		return nil, persistenceError("insert config", err)
	}
	return toDomainConfig(row), nil
}

// GetConfig returns a config by id.
func (s *Store) GetConfig(ctx context.Context, id string) (*models.VpnConfig, error) {
	row, err := s.db.GetConfig(ctx, id)
	if err != nil {
		return nil, notFound(err, apperrors.ErrConfigNotFound, id)
	}
	return toDomainConfig(row), nil
}

// ListConfigsByStatus returns all configs in a status, oldest first.
func (s *Store) ListConfigsByStatus(ctx context.Context, status models.ConfigStatus) ([]*models.VpnConfig, error) {
	rows, err := s.db.ListConfigsByStatus(ctx, string(status))
	if err != nil {
		return nil, persistenceError("list configs by status", err)
	}
	return toDomainConfigs(rows), nil
}

// ListConfigsByServer returns every config of a server regardless of status.
func (s *Store) ListConfigsByServer(ctx context.Context, serverID int64) ([]*models.VpnConfig, error) {
	rows, err := s.db.ListConfigsByServer(ctx, serverID)
	if err != nil {
		return nil, persistenceError("list server configs", err)
	}
	return toDomainConfigs(rows), nil
}

// ListConfigsByOwner returns an owner's configs, newest first.
func (s *Store) ListConfigsByOwner(ctx context.Context, ownerID int64) ([]*models.VpnConfig, error) {
	rows, err := s.db.ListConfigsByOwner(ctx, ownerID)
	if err != nil {
		return nil, persistenceError("list owner configs", err)
	}
	return toDomainConfigs(rows), nil
}

// ActiveAddresses returns the client addresses still held on the device:
// those of active configs and of configs awaiting device removal.
func (s *Store) ActiveAddresses(ctx context.Context, serverID int64) ([]string, error) {
	addrs, err := s.db.ListActiveAddresses(ctx, serverID)
	if err != nil {
		return nil, persistenceError("list active addresses", err)
	}
	return addrs, nil
}

// AddressHeldByOther reports whether a config other than excludeID
// holds addr on the server.
func (s *Store) AddressHeldByOther(ctx context.Context, serverID int64, addr, excludeID string) (bool, error) {
	n, err := s.db.CountAddressHolders(ctx, db.CountAddressHoldersParams{
		ServerID:      serverID,
		ClientAddress: addr,
		ExcludeID:     excludeID,
	})
	if err != nil {
		return false, persistenceError("check address holder", err)
	}
	return n > 0, nil
}

// UsageUpdate is the new accounting state for one config, guarded by the
// version it was computed from.
type UsageUpdate struct {
	ConfigID   string
	Version    int64
	Accounting models.Accounting
}

// CommitUsage writes all updates in one transaction. Rows whose version moved
// since they were read are skipped; their ids are returned as stale.
func (s *Store) CommitUsage(ctx context.Context, updates []UsageUpdate) (applied int, stale []string, err error) {
	if len(updates) == 0 {
		return 0, nil, nil
	}
	err = s.db.ExecTx(ctx, func(q *db.Queries) error {
		applied, stale = 0, nil
		for _, u := range updates {
			n, err := q.UpdateConfigUsage(ctx, db.UpdateConfigUsageParams{
				CumulativeRx:     u.Accounting.CumulativeRx,
				CumulativeTx:     u.Accounting.CumulativeTx,
				LastRxCounter:    u.Accounting.LastRxCounter,
				LastTxCounter:    u.Accounting.LastTxCounter,
				CounterResetFlag: u.Accounting.CounterResetFlag,
				ID:               u.ConfigID,
				Version:          u.Version,
			})
			if err != nil {
				return err
			}
			if n == 0 {
				stale = append(stale, u.ConfigID)
				continue
			}
			applied++
		}
		return nil
	})
	if err != nil {
		return 0, nil, persistenceError("commit usage", err)
	}
	return applied, stale, nil
}

// RenewParams carries the post-renewal state of a config.
type RenewParams struct {
	ConfigID      string
	Version       int64
	PlanID        *int64
	QuotaBytes    int64
	DurationDays  int
	ClientAddress string
	LastRx        int64
	LastTx        int64
	ExpiresAt     time.Time
	RenewedAt     time.Time
}

// RenewConfig resets accounting and alert flags and reactivates the config.
func (s *Store) RenewConfig(ctx context.Context, p RenewParams) (*models.VpnConfig, error) {
	n, err := s.db.RenewConfig(ctx, db.RenewConfigParams{
		PlanID:        nullInt64(p.PlanID),
		QuotaBytes:    p.QuotaBytes,
		DurationDays:  int64(p.DurationDays),
		ClientAddress: p.ClientAddress,
		LastRxCounter: p.LastRx,
		LastTxCounter: p.LastTx,
		ExpiresAt:     p.ExpiresAt,
		RenewedAt:     p.RenewedAt,
		ID:            p.ConfigID,
		Version:       p.Version,
	})
	if err != nil {
		return nil, persistenceError("renew config", err)
	}
	if n == 0 {
		return nil, ErrConcurrentModification.WithMetadata("config_id", p.ConfigID)
	}
	return s.GetConfig(ctx, p.ConfigID)
}

// MarkDisableRequested flags an active config for disabling.
func (s *Store) MarkDisableRequested(ctx context.Context, id string) error {
	if _, err := s.db.SetDisableRequested(ctx, id); err != nil {
		return persistenceError("mark disable requested", err)
	}
	return nil
}

// TransitionStatus moves a config from one status to another. It reports
// false when the config was not in the from status.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to models.ConfigStatus) (bool, error) {
	n, err := s.db.TransitionConfigStatus(ctx, db.TransitionConfigStatusParams{
		ToStatus:   string(to),
		ID:         id,
		FromStatus: string(from),
	})
	if err != nil {
		return false, persistenceError("transition status", err)
	}
	return n == 1, nil
}

// CompleteDisable moves an active config with a pending disable intent to
// status. It reports false when the config left active or the intent was
// cleared by a renew.
func (s *Store) CompleteDisable(ctx context.Context, id string, status models.ConfigStatus) (bool, error) {
	n, err := s.db.CompleteDisable(ctx, db.CompleteDisableParams{ToStatus: string(status), ID: id})
	if err != nil {
		return false, persistenceError("complete disable", err)
	}
	return n == 1, nil
}

// DeleteConfig hard-deletes a config row. Deleting a missing row is not an error.
func (s *Store) DeleteConfig(ctx context.Context, id string) error {
	if _, err := s.db.DeleteConfig(ctx, id); err != nil {
		return persistenceError("delete config", err)
	}
	return nil
}
