// Package store maps database rows onto domain models and groups the
// multi-statement operations that must commit atomically.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/db"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

// ErrConcurrentModification is returned when an optimistic version check loses.
var ErrConcurrentModification = apperrors.NewDatabaseError("concurrent_modification", "record changed concurrently", true, nil)

// Store is the repository over db.Store used by every engine component.
type Store struct {
	db  db.Store
	now func() time.Time
}

// New creates a Store over an open db.Store.
func New(store db.Store) *Store {
	return &Store{
		db:  store,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func persistenceError(op string, err error) error {
	return apperrors.NewDatabaseError(apperrors.ErrCodePersistence, op, true, err)
}

func toDomainServer(r db.Server) *models.Server {
	return &models.Server{
		ID:           r.ID,
		Name:         r.Name,
		Driver:       models.DeviceDriver(r.Driver),
		Host:         r.Host,
		Port:         int(r.Port),
		Username:     r.Username,
		Password:     r.Password,
		SSHKeyPath:   r.SshKeyPath,
		Interface:    r.InterfaceName,
		PublicKey:    r.PublicKey,
		EndpointHost: r.EndpointHost,
		ListenPort:   int(r.ListenPort),
		DNS:          r.Dns,
		AllowedIPs:   r.AllowedIps,
		PoolBase:     r.PoolBase,
		PoolStart:    int(r.PoolStart),
		PoolEnd:      int(r.PoolEnd),
		Capacity:     int(r.Capacity),
		Active:       r.Active,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toDomainPlan(r db.Plan) *models.Plan {
	return &models.Plan{
		ID:           r.ID,
		Name:         r.Name,
		QuotaBytes:   r.QuotaBytes,
		DurationDays: int(r.DurationDays),
		SingleUse:    r.SingleUse,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toDomainConfig(r db.VpnConfig) *models.VpnConfig {
	cfg := &models.VpnConfig{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		ServerID:      r.ServerID,
		QuotaBytes:    r.QuotaBytes,
		DurationDays:  int(r.DurationDays),
		IsTest:        r.IsTest,
		PrivateKey:    r.PrivateKey,
		PublicKey:     r.PublicKey,
		ClientAddress: r.ClientAddress,
		Accounting: models.Accounting{
			CumulativeRx:     r.CumulativeRx,
			CumulativeTx:     r.CumulativeTx,
			LastRxCounter:    r.LastRxCounter,
			LastTxCounter:    r.LastTxCounter,
			CounterResetFlag: r.CounterResetFlag,
		},
		Status:           models.ConfigStatus(r.Status),
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
		DisableRequested: r.DisableRequested,
		Version:          r.Version,
		Alerts: models.AlertFlags{
			LowTraffic: r.AlertLowTraffic,
			ExpiryNear: r.AlertExpiryNear,
			Threshold:  r.AlertThreshold,
		},
	}
	if r.PlanID.Valid {
		id := r.PlanID.Int64
		cfg.PlanID = &id
	}
	if r.RenewedAt.Valid {
		t := r.RenewedAt.Time
		cfg.RenewedAt = &t
	}
	return cfg
}

func toDomainConfigs(rows []db.VpnConfig) []*models.VpnConfig {
	out := make([]*models.VpnConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, toDomainConfig(r))
	}
	return out
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func notFound(err error, domainErr apperrors.DomainError, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domainErr.WithMetadata("id", id)
	}
	return persistenceError(fmt.Sprintf("lookup %v", id), err)
}
