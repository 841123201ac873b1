package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestConfig(t *testing.T, store Store, id string, serverID int64, addr string) VpnConfig {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	cfg, err := store.CreateConfig(context.Background(), CreateConfigParams{
		ID:            id,
		OwnerID:       42,
		ServerID:      serverID,
		QuotaBytes:    10 << 30,
		DurationDays:  30,
		PrivateKey:    "priv-" + id,
		PublicKey:     "pub-" + id,
		ClientAddress: addr,
		CreatedAt:     now,
		ExpiresAt:     now.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
	return cfg
}

func TestSetupIsIdempotent(t *testing.T) {
	db, store := NewTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.Setup(ctx))

	version, err := SchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, len(Migrations()), version)
}

func TestServerUpsertAndDeactivate(t *testing.T) {
	_, store := NewTestDB(t)
	ctx := context.Background()

	SeedTestServer(t, store, UpsertServerParams{ID: 1, Capacity: 10})
	SeedTestServer(t, store, UpsertServerParams{ID: 2})

	srv, err := store.GetServer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), srv.Capacity)
	assert.True(t, srv.Active)

	n, err := store.DeactivateServersNotIn(ctx, "[1]")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	active, err := store.ListActiveServers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].ID)
}

func TestCreateAndGetConfig(t *testing.T) {
	_, store := NewTestDB(t)
	ctx := context.Background()
	SeedTestServer(t, store, UpsertServerParams{ID: 1})

	created := createTestConfig(t, store, "cfg-1", 1, "10.66.66.2")
	assert.Equal(t, "active", created.Status)
	assert.Equal(t, int64(1), created.Version)
	assert.False(t, created.RenewedAt.Valid)

	got, err := store.GetConfig(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, created.PublicKey, got.PublicKey)
	assert.True(t, created.ExpiresAt.Equal(got.ExpiresAt))

	_, err = store.GetConfig(ctx, "missing")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestActiveAddressUniqueness(t *testing.T) {
	_, store := NewTestDB(t)
	ctx := context.Background()
	SeedTestServer(t, store, UpsertServerParams{ID: 1})

	createTestConfig(t, store, "cfg-1", 1, "10.66.66.2")

	_, err := store.CreateConfig(ctx, CreateConfigParams{
		ID: "cfg-2", OwnerID: 1, ServerID: 1, DurationDays: 1,
		PrivateKey: "p2", PublicKey: "k2", ClientAddress: "10.66.66.2",
		CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC(),
	})
	assert.Error(t, err, "two active configs must not share an address")

	// once the first is disabled the address may be reused
	n, err := store.TransitionConfigStatus(ctx, TransitionConfigStatusParams{ID: "cfg-1", FromStatus: "active", ToStatus: "disabled"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	createTestConfig(t, store, "cfg-3", 1, "10.66.66.2")

	addrs, err := store.ListActiveAddresses(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.66.66.2"}, addrs)

	holders, err := store.CountAddressHolders(ctx, CountAddressHoldersParams{ServerID: 1, ClientAddress: "10.66.66.2", ExcludeID: "cfg-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), holders)

	// a config awaiting device removal still holds its address
	n, err = store.TransitionConfigStatus(ctx, TransitionConfigStatusParams{ID: "cfg-3", FromStatus: "active", ToStatus: "deleted_pending"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	addrs, err = store.ListActiveAddresses(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.66.66.2"}, addrs)
}

func TestTransitionIsConditional(t *testing.T) {
	_, store := NewTestDB(t)
	ctx := context.Background()
	SeedTestServer(t, store, UpsertServerParams{ID: 1})
	createTestConfig(t, store, "cfg-1", 1, "10.66.66.2")

	params := TransitionConfigStatusParams{ID: "cfg-1", FromStatus: "active", ToStatus: "expired"}
	first, err := store.TransitionConfigStatus(ctx, params)
	require.NoError(t, err)
	second, err := store.TransitionConfigStatus(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(0), second)
}

func TestUpdateConfigUsageVersionGuard(t *testing.T) {
	_, store := NewTestDB(t)
	ctx := context.Background()
	SeedTestServer(t, store, UpsertServerParams{ID: 1})
	cfg := createTestConfig(t, store, "cfg-1", 1, "10.66.66.2")

	params := UpdateConfigUsageParams{
		CumulativeRx: 100, CumulativeTx: 50, LastRxCounter: 100, LastTxCounter: 50,
		ID: cfg.ID, Version: cfg.Version,
	}
	n, err := store.UpdateConfigUsage(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// stale version loses
	n, err = store.UpdateConfigUsage(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := store.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.CumulativeRx)
	assert.Equal(t, cfg.Version+1, got.Version)
}

func TestClaimAlertOnce(t *testing.T) {
	_, store := NewTestDB(t)
	ctx := context.Background()
	SeedTestServer(t, store, UpsertServerParams{ID: 1})
	createTestConfig(t, store, "cfg-1", 1, "10.66.66.2")

	won, err := store.ClaimAlert(ctx, "cfg-1", AlertColumnLowTraffic)
	require.NoError(t, err)
	assert.Equal(t, int64(1), won)

	won, err = store.ClaimAlert(ctx, "cfg-1", AlertColumnLowTraffic)
	require.NoError(t, err)
	assert.Equal(t, int64(0), won)

	_, err = store.ClaimAlert(ctx, "cfg-1", "status")
	assert.Error(t, err)
}

func TestRenewConfigResetsAccounting(t *testing.T) {
	_, store := NewTestDB(t)
	ctx := context.Background()
	SeedTestServer(t, store, UpsertServerParams{ID: 1})
	cfg := createTestConfig(t, store, "cfg-1", 1, "10.66.66.2")

	_, err := store.UpdateConfigUsage(ctx, UpdateConfigUsageParams{
		CumulativeRx: 900, CumulativeTx: 100, LastRxCounter: 900, LastTxCounter: 100,
		CounterResetFlag: true, ID: cfg.ID, Version: cfg.Version,
	})
	require.NoError(t, err)
	_, err = store.ClaimAlert(ctx, cfg.ID, AlertColumnThreshold)
	require.NoError(t, err)
	_, err = store.TransitionConfigStatus(ctx, TransitionConfigStatusParams{ID: cfg.ID, FromStatus: "active", ToStatus: "expired"})
	require.NoError(t, err)

	current, err := store.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	n, err := store.RenewConfig(ctx, RenewConfigParams{
		QuotaBytes: 20 << 30, DurationDays: 30, ClientAddress: "10.66.66.2",
		LastRxCounter: 950, LastTxCounter: 120,
		ExpiresAt: now.Add(30 * 24 * time.Hour), RenewedAt: now,
		ID: cfg.ID, Version: current.Version,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	renewed, err := store.GetConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", renewed.Status)
	assert.Zero(t, renewed.CumulativeRx)
	assert.Zero(t, renewed.CumulativeTx)
	assert.Equal(t, int64(950), renewed.LastRxCounter)
	assert.False(t, renewed.CounterResetFlag)
	assert.False(t, renewed.AlertThreshold)
	assert.True(t, renewed.RenewedAt.Valid)
}

func TestNotificationOutbox(t *testing.T) {
	_, store := NewTestDB(t)
	ctx := context.Background()

	n, err := store.CreateNotification(ctx, CreateNotificationParams{
		ConfigID: "cfg-1", OwnerID: 42, Kind: "low_traffic", Message: "1 GiB left", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NotZero(t, n.ID)

	pending, err := store.ListPendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	acked, err := store.AckNotification(ctx, AckNotificationParams{ID: n.ID, AckedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), acked)

	pending, err = store.ListPendingNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExecTxRollsBack(t *testing.T) {
	_, store := NewTestDB(t)
	ctx := context.Background()
	SeedTestServer(t, store, UpsertServerParams{ID: 1})

	boom := errors.New("boom")
	err := store.ExecTx(ctx, func(q *Queries) error {
		if _, err := q.CreateConfig(ctx, CreateConfigParams{
			ID: "cfg-tx", OwnerID: 1, ServerID: 1, DurationDays: 1,
			PrivateKey: "p", PublicKey: "k", ClientAddress: "10.66.66.9",
			CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetConfig(ctx, "cfg-tx")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
