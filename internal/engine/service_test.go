package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/command"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/config"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/device/devicetest"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/peer"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverKey = "c2VydmVyLXB1YmxpYy1rZXktYmFzZTY0LXBhZGRpbmc="

const catalogYAML = `
api:
  listen_addr: 127.0.0.1:0
device:
  connect_timeout: 200ms
  breaker_failure_threshold: 0
catalog:
  servers:
    - id: 1
      driver: routeros
      host: 192.0.2.10
      interface: wg0
      public_key: ` + serverKey + `
      endpoint_host: vpn1.example.com
      pool_base: 10.66.66.0/24
      pool_start: 2
      pool_end: 254
  plans:
    - id: 1
      name: monthly-10g
      quota_bytes: 10737418240
      duration_days: 30
`

func loadTestConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body += "db:\n  path: " + filepath.Join(dir, "data", "provisioner.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestComponentsEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := loadTestConfig(t, catalogYAML)
	dev := devicetest.NewFakeDevice("wg0")

	c, err := NewComponents(ctx, cfg, logger.NewNop(), dev.Dialer())
	require.NoError(t, err)
	defer func() { assert.NoError(t, c.Close()) }()

	res, err := c.SyncCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Servers)
	assert.Equal(t, 1, res.Plans)

	planID := int64(1)
	reply, err := c.Dispatcher.Dispatch(ctx, command.CreateConfig{
		RequestID: "req-1",
		Request:   peer.CreateRequest{ServerID: 1, OwnerID: 42, PlanID: &planID},
	})
	require.NoError(t, err)
	require.NotNil(t, reply.Artifact)
	cfgID := reply.Config.ID
	assert.Equal(t, int64(10737418240), reply.Config.QuotaBytes)
	assert.Contains(t, reply.Artifact.Text, "Endpoint = vpn1.example.com")

	dev.SetCounters("wg0", reply.Config.PublicKey, 6<<30, 5<<30)
	pass, err := c.Reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, pass.Failed)

	lc, err := c.Lifecycle.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, lc.Disabled)

	stored, err := c.Store.GetConfig(ctx, cfgID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisabled, stored.Status)

	for name, check := range c.HealthChecks() {
		assert.NoError(t, check(ctx), name)
	}
}

func TestSyncCatalogKeepsStoredWhenEmpty(t *testing.T) {
	ctx := context.Background()
	cfg := loadTestConfig(t, catalogYAML)

	c, err := NewComponents(ctx, cfg, logger.NewNop(), devicetest.NewFakeDevice("wg0").Dialer())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.SyncCatalog(ctx)
	require.NoError(t, err)

	c.Config.Catalog = config.CatalogConfig{}
	_, err = c.SyncCatalog(ctx)
	require.NoError(t, err)

	servers, err := c.Store.ListActiveServers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 1)
}

func TestServiceStartStop(t *testing.T) {
	cfg := loadTestConfig(t, catalogYAML)

	svc, err := NewService(context.Background(), cfg, logger.NewNop(), "test")
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	assert.Error(t, svc.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Stop(ctx))
}
