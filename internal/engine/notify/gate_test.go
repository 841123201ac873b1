package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/events"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/store"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func kinds(alerts []Alert) []models.AlertKind {
	var out []models.AlertKind
	for _, a := range alerts {
		out = append(out, a.Kind)
	}
	return out
}

func TestDue(t *testing.T) {
	base := models.VpnConfig{
		Status:     models.StatusActive,
		QuotaBytes: 10 * gib,
		ExpiresAt:  now.Add(10 * 24 * time.Hour),
	}

	tests := []struct {
		name   string
		mutate func(c *models.VpnConfig)
		want   []models.AlertKind
	}{
		{"fresh", func(c *models.VpnConfig) {}, nil},
		{"threshold only", func(c *models.VpnConfig) { c.CumulativeRx = 8 * gib }, []models.AlertKind{models.AlertThreshold}},
		{"low traffic and threshold", func(c *models.VpnConfig) { c.CumulativeRx = 9*gib + gib/2 }, []models.AlertKind{models.AlertLowTraffic, models.AlertThreshold}},
		{"expiry near", func(c *models.VpnConfig) { c.ExpiresAt = now.Add(72 * time.Hour) }, []models.AlertKind{models.AlertExpiryNear}},
		{"expiry not yet near", func(c *models.VpnConfig) { c.ExpiresAt = now.Add(73 * time.Hour) }, nil},
		{"flags suppress", func(c *models.VpnConfig) {
			c.CumulativeRx = 10 * gib
			c.ExpiresAt = now
			c.Alerts = models.AlertFlags{LowTraffic: true, ExpiryNear: true, Threshold: true}
		}, nil},
		{"unlimited quota never low", func(c *models.VpnConfig) { c.QuotaBytes = 0; c.CumulativeRx = 100 * gib }, nil},
		{"inactive", func(c *models.VpnConfig) { c.Status = models.StatusDisabled; c.CumulativeRx = 10 * gib }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Equal(t, tt.want, kinds(Due(&cfg, now, DefaultConfig())))
		})
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func TestGateEmitsOncePerLifetime(t *testing.T) {
	st := store.NewTestStore(t)
	store.SeedServer(t, st, models.Server{ID: 1})
	cfg := store.SeedConfig(t, st, models.VpnConfig{
		ServerID: 1, ClientAddress: "10.66.66.2", QuotaBytes: 10 * gib,
		Accounting: models.Accounting{CumulativeRx: 9 * gib, LastRxCounter: 1},
		ExpiresAt:  now.Add(30 * 24 * time.Hour),
	})

	rec := &recorder{}
	gate := NewGate(st, DefaultConfig(), rec, logger.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sent, err := gate.Check(ctx, cfg, now)
		require.NoError(t, err)
		if i == 0 {
			require.Len(t, sent, 2)
		} else {
			assert.Empty(t, sent, "pass %d re-sent an alert", i)
		}
	}
	assert.Len(t, rec.events, 2)

	pending, err := st.ListPendingNotifications(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// renewal re-arms the flags
	renewed, err := st.RenewConfig(ctx, store.RenewParams{
		ConfigID: cfg.ID, Version: cfg.Version, QuotaBytes: 10 * gib, DurationDays: 30,
		ClientAddress: cfg.ClientAddress, ExpiresAt: now.Add(30 * 24 * time.Hour), RenewedAt: now,
	})
	require.NoError(t, err)
	assert.Empty(t, Due(renewed, now, DefaultConfig()))

	_, _, err = st.CommitUsage(ctx, []store.UsageUpdate{{
		ConfigID: renewed.ID, Version: renewed.Version,
		Accounting: models.Accounting{CumulativeRx: 9 * gib},
	}})
	require.NoError(t, err)
	again, err := st.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)

	sent, err := gate.Check(ctx, again, now)
	require.NoError(t, err)
	assert.Len(t, sent, 2)
}

func TestGateConcurrentChecksClaimOnce(t *testing.T) {
	st := store.NewTestStore(t)
	store.SeedServer(t, st, models.Server{ID: 1})
	cfg := store.SeedConfig(t, st, models.VpnConfig{
		ServerID: 1, ClientAddress: "10.66.66.2",
		ExpiresAt: now.Add(time.Hour),
	})
	gate := NewGate(st, DefaultConfig(), nil, logger.NewNop())

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sent, err := gate.Check(context.Background(), cfg, now)
			assert.NoError(t, err)
			mu.Lock()
			total += len(sent)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}
