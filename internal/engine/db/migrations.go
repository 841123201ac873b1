package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward-only schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{Version: 1, Description: "servers, plans, configs and notification outbox", Up: ddl},
}

// Migrations lists every known step in ascending version order.
func Migrations() []Migration {
	return append([]Migration(nil), migrations...)
}

const versionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	description TEXT NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// SchemaVersion is the highest applied step, or 0 on a fresh database.
func SchemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	if _, err := conn.ExecContext(ctx, versionTable); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	var v int
	err := conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func migrate(ctx context.Context, conn *sql.DB) error {
	current, err := SchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version > current {
			if err := m.apply(ctx, conn); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
		}
	}
	return nil
}

// apply runs the step and records it in the same transaction.
func (m Migration) apply(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}
