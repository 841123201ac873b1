package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/device"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/device/devicetest"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/ip"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/notify"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/peer"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/store"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/usage"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/chiquitav2/vpn-provisioner/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gib = int64(1) << 30

var start = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

func TestEvaluate(t *testing.T) {
	base := models.VpnConfig{
		Status:     models.StatusActive,
		QuotaBytes: 10 * gib,
		ExpiresAt:  start.Add(time.Hour),
	}

	tests := []struct {
		name   string
		mutate func(c *models.VpnConfig)
		want   Decision
	}{
		{"healthy", func(c *models.VpnConfig) {}, Decision{Action: ActionNone}},
		{"expired at boundary", func(c *models.VpnConfig) { c.ExpiresAt = start }, Decision{ActionDisable, peer.ReasonExpired}},
		{"quota reached", func(c *models.VpnConfig) { c.CumulativeRx, c.CumulativeTx = 6*gib, 4*gib }, Decision{ActionDisable, peer.ReasonQuota}},
		{"just under quota", func(c *models.VpnConfig) { c.CumulativeRx = 10*gib - 1 }, Decision{Action: ActionNone}},
		{"unlimited quota", func(c *models.VpnConfig) { c.QuotaBytes = 0; c.CumulativeRx = 100 * gib }, Decision{Action: ActionNone}},
		{"requested", func(c *models.VpnConfig) { c.DisableRequested = true }, Decision{ActionDisable, peer.ReasonRequested}},
		{"time beats quota", func(c *models.VpnConfig) {
			c.ExpiresAt = start.Add(-time.Minute)
			c.CumulativeRx = 20 * gib
		}, Decision{ActionDisable, peer.ReasonExpired}},
		{"test config deleted", func(c *models.VpnConfig) { c.IsTest = true; c.ExpiresAt = start }, Decision{ActionDelete, peer.ReasonExpired}},
		{"already disabled", func(c *models.VpnConfig) { c.Status = models.StatusDisabled; c.ExpiresAt = start }, Decision{Action: ActionNone}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Equal(t, tt.want, Evaluate(&cfg, start))
		})
	}
	assert.Equal(t, peer.ReasonExpired.Status(), models.StatusExpired)
}

type env struct {
	store   *store.Store
	dev     *devicetest.FakeDevice
	prov    *peer.Provisioner
	recon   *usage.Reconciler
	manager *Manager
	now     atomic.Pointer[time.Time]
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewTestStore(t)
	store.SeedServer(t, st, models.Server{ID: 1})

	e := &env{store: st, dev: devicetest.NewFakeDevice("wg0")}
	e.setNow(start)
	clock := func() time.Time { return *e.now.Load() }

	log := logger.NewNop()
	var seq atomic.Int64
	sessions := device.NewSessions(e.dev.Dialer(), device.DefaultConfig(), log)
	e.prov = peer.NewProvisioner(st, ip.NewAllocator(st, log), sessions, crypto.NewKeyGenerator(nil), log,
		peer.WithClock(clock),
		peer.WithIDs(func() string { return fmt.Sprintf("cfg-%03d", seq.Add(1)) }),
	)
	e.recon = usage.NewReconciler(st, sessions, usage.DefaultConfig(), nil, log)
	gate := notify.NewGate(st, notify.DefaultConfig(), nil, log)
	e.manager = NewManager(st, e.prov, gate, log, WithClock(clock))
	return e
}

func (e *env) setNow(t time.Time) { e.now.Store(&t) }

func (e *env) create(t *testing.T, owner int64, test bool) *models.VpnConfig {
	t.Helper()
	res, err := e.prov.Create(context.Background(), peer.CreateRequest{
		ServerID: 1, OwnerID: owner, QuotaBytes: 10 * gib, DurationDays: 30, IsTest: test,
	})
	require.NoError(t, err)
	return res.Config
}

func (e *env) reload(t *testing.T, id string) *models.VpnConfig {
	t.Helper()
	cfg, err := e.store.GetConfig(context.Background(), id)
	require.NoError(t, err)
	return cfg
}

func TestQuotaScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cfg := e.create(t, 7, false)

	step := func(rx, tx int64) PassResult {
		e.dev.SetCounters("wg0", cfg.PublicKey, rx, tx)
		_, err := e.recon.RunOnce(ctx)
		require.NoError(t, err)
		res, err := e.manager.RunOnce(ctx)
		require.NoError(t, err)
		return res
	}

	res := step(4*gib, 2*gib)
	assert.Equal(t, 0, res.Disabled)
	assert.Equal(t, 0, res.Alerts)
	assert.Equal(t, 6*gib, e.reload(t, cfg.ID).Consumed())

	res = step(6*gib, 3*gib+gib/2)
	assert.Equal(t, 0, res.Disabled)
	assert.Equal(t, 2, res.Alerts, "low traffic and threshold")

	res = step(6*gib, 4*gib)
	assert.Equal(t, 1, res.Disabled)

	got := e.reload(t, cfg.ID)
	assert.Equal(t, models.StatusDisabled, got.Status)
	assert.Equal(t, 10*gib, got.Consumed())
	p, ok := e.dev.Peer("wg0", cfg.PublicKey)
	require.True(t, ok)
	assert.True(t, p.Disabled)

	res, err := e.manager.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassResult{Duration: res.Duration}, res)
}

func TestExpiryScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cfg := e.create(t, 7, false)

	e.setNow(start.AddDate(0, 0, 28))
	res, err := e.manager.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Alerts, "expiry near")

	e.setNow(start.AddDate(0, 0, 30))
	res, err = e.manager.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Disabled)
	assert.Equal(t, models.StatusExpired, e.reload(t, cfg.ID).Status)
}

func TestExactlyOnceUnderConcurrentPasses(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var ids []string
	for owner := int64(1); owner <= 5; owner++ {
		ids = append(ids, e.create(t, owner, false).ID)
	}
	testCfg := e.create(t, 99, true)
	e.setNow(start.AddDate(0, 0, 31))

	var (
		wg       sync.WaitGroup
		disabled atomic.Int64
		deleted  atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.manager.RunOnce(ctx)
			assert.NoError(t, err)
			disabled.Add(int64(res.Disabled))
			deleted.Add(int64(res.Deleted))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), disabled.Load())
	assert.Equal(t, int64(1), deleted.Load())
	for _, id := range ids {
		assert.Equal(t, models.StatusExpired, e.reload(t, id).Status)
	}
	_, err := e.store.GetConfig(ctx, testCfg.ID)
	assert.Error(t, err)
	_, ok := e.dev.Peer("wg0", testCfg.PublicKey)
	assert.False(t, ok)
}

func TestDeviceFailureIsRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cfg := e.create(t, 7, false)
	e.setNow(start.AddDate(0, 0, 31))

	e.dev.SetErr = device.CommandFailed("set failed", errors.New("boom"))
	res, err := e.manager.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got := e.reload(t, cfg.ID)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.True(t, got.DisableRequested)

	res, err = e.manager.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Disabled)
	assert.Equal(t, models.StatusExpired, e.reload(t, cfg.ID).Status)
}

func TestPendingDeletionRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cfg := e.create(t, 7, true)
	e.setNow(start.AddDate(0, 0, 31))

	e.dev.RemoveErr = device.Unreachable("gone", errors.New("timeout"))
	res, err := e.manager.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.StatusDeletedPending, e.reload(t, cfg.ID).Status)

	res, err = e.manager.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Zero(t, res.Failed)
	_, err = e.store.GetConfig(ctx, cfg.ID)
	assert.Error(t, err)
}
