package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/db"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

var seedSeq atomic.Int64

// NewTestStore returns a Store over a fresh in-memory database.
func NewTestStore(t testing.TB) *Store {
	t.Helper()
	_, sqlStore := db.NewTestDB(t)
	return New(sqlStore)
}

// SeedServer inserts an active server. Zero fields get test defaults.
func SeedServer(t testing.TB, s *Store, srv models.Server) *models.Server {
	t.Helper()
	row := db.SeedTestServer(t, s.db, db.UpsertServerParams{
		ID:            srv.ID,
		Name:          srv.Name,
		Driver:        string(srv.Driver),
		Host:          srv.Host,
		Port:          int64(srv.Port),
		InterfaceName: srv.Interface,
		PublicKey:     srv.PublicKey,
		EndpointHost:  srv.EndpointHost,
		ListenPort:    int64(srv.ListenPort),
		Dns:           srv.DNS,
		AllowedIps:    srv.AllowedIPs,
		PoolBase:      srv.PoolBase,
		PoolStart:     int64(srv.PoolStart),
		PoolEnd:       int64(srv.PoolEnd),
		Capacity:      int64(srv.Capacity),
	})
	return toDomainServer(row)
}

// SeedPlan inserts or replaces a plan.
func SeedPlan(t testing.TB, s *Store, plan models.Plan) *models.Plan {
	t.Helper()
	ctx := context.Background()
	if plan.Name == "" {
		plan.Name = fmt.Sprintf("plan-%d", plan.ID)
	}
	if err := s.db.UpsertPlan(ctx, db.UpsertPlanParams{
		ID:           plan.ID,
		Name:         plan.Name,
		QuotaBytes:   plan.QuotaBytes,
		DurationDays: int64(plan.DurationDays),
		SingleUse:    plan.SingleUse,
	}); err != nil {
		t.Fatalf("failed to seed plan: %v", err)
	}
	out, err := s.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("failed to reload seeded plan: %v", err)
	}
	return out
}

// SeedConfig inserts an active config. Zero identity fields get unique
// test values; accounting and alert fields of cfg are applied afterwards.
func SeedConfig(t testing.TB, s *Store, cfg models.VpnConfig) *models.VpnConfig {
	t.Helper()
	ctx := context.Background()
	seq := seedSeq.Add(1)

	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("cfg-%d", seq)
	}
	if cfg.OwnerID == 0 {
		cfg.OwnerID = 1000 + seq
	}
	if cfg.PrivateKey == "" {
		cfg.PrivateKey = "priv-" + cfg.ID
	}
	if cfg.PublicKey == "" {
		cfg.PublicKey = "pub-" + cfg.ID
	}
	if cfg.DurationDays == 0 {
		cfg.DurationDays = 30
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	if cfg.ExpiresAt.IsZero() {
		cfg.ExpiresAt = cfg.CreatedAt.AddDate(0, 0, cfg.DurationDays)
	}

	created, err := s.CreateConfig(ctx, &cfg)
	if err != nil {
		t.Fatalf("failed to seed config: %v", err)
	}

	if cfg.Accounting != (models.Accounting{}) {
		if _, _, err := s.CommitUsage(ctx, []UsageUpdate{{ConfigID: created.ID, Version: created.Version, Accounting: cfg.Accounting}}); err != nil {
			t.Fatalf("failed to seed accounting: %v", err)
		}
	}
	for kind, set := range map[models.AlertKind]bool{
		models.AlertLowTraffic: cfg.Alerts.LowTraffic,
		models.AlertExpiryNear: cfg.Alerts.ExpiryNear,
		models.AlertThreshold:  cfg.Alerts.Threshold,
	} {
		if set {
			if _, err := s.db.ClaimAlert(ctx, created.ID, alertColumns[kind]); err != nil {
				t.Fatalf("failed to seed alert flag: %v", err)
			}
		}
	}
	if cfg.DisableRequested {
		if err := s.MarkDisableRequested(ctx, created.ID); err != nil {
			t.Fatalf("failed to seed disable flag: %v", err)
		}
	}
	if cfg.Status != "" && cfg.Status != models.StatusActive {
		if _, err := s.TransitionStatus(ctx, created.ID, models.StatusActive, cfg.Status); err != nil {
			t.Fatalf("failed to seed status: %v", err)
		}
	}

	out, err := s.GetConfig(ctx, created.ID)
	if err != nil {
		t.Fatalf("failed to reload seeded config: %v", err)
	}
	return out
}
