package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

var testDBSeq atomic.Int64

// NewTestDB creates a fresh in-memory SQLite database for testing. Each call
// gets its own named shared-cache database so parallel tests stay isolated.
func NewTestDB(t testing.TB) (*sql.DB, *SQLStore) {
	t.Helper()

	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared&_foreign_keys=on", testDBSeq.Add(1))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	db.SetMaxOpenConns(1)

	store := NewStoreFromDB(db)
	if err := store.Setup(context.Background()); err != nil {
		db.Close()
		t.Fatalf("failed to setup test database schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db, store
}

// SeedTestServer inserts an active server row with sensible defaults
// overridden by params.
func SeedTestServer(t testing.TB, store Store, params UpsertServerParams) Server {
	t.Helper()

	params.Active = true
	if params.Name == "" {
		params.Name = fmt.Sprintf("srv-%d", params.ID)
	}
	if params.Driver == "" {
		params.Driver = "routeros"
	}
	if params.Host == "" {
		params.Host = "192.0.2.1"
	}
	if params.Port == 0 {
		params.Port = 8728
	}
	if params.InterfaceName == "" {
		params.InterfaceName = "wg0"
	}
	if params.PublicKey == "" {
		params.PublicKey = "c2VydmVyLXB1YmxpYy1rZXktYmFzZTY0LXBhZGRpbmc="
	}
	if params.EndpointHost == "" {
		params.EndpointHost = "vpn.example.com"
	}
	if params.ListenPort == 0 {
		params.ListenPort = 51820
	}
	if params.AllowedIps == "" {
		params.AllowedIps = "0.0.0.0/0"
	}
	if params.PoolBase == "" {
		params.PoolBase = "10.66.66.0/24"
	}
	if params.PoolStart == 0 {
		params.PoolStart = 2
	}
	if params.PoolEnd == 0 {
		params.PoolEnd = 254
	}
	if params.Capacity == 0 {
		params.Capacity = 250
	}

	ctx := context.Background()
	if err := store.UpsertServer(ctx, params); err != nil {
		t.Fatalf("failed to seed test server: %v", err)
	}
	server, err := store.GetServer(ctx, params.ID)
	if err != nil {
		t.Fatalf("failed to read seeded server: %v", err)
	}
	return server
}
