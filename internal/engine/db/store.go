package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the query surface plus transactions.
type Store interface {
	Querier
	ExecTx(ctx context.Context, fn func(*Queries) error) error
	Ping(ctx context.Context) error
	Close() error
}

// SQLStore is the sqlite-backed Store.
type SQLStore struct {
	*Queries
	db *sql.DB
}

type Config struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Path:            "./data/provisioner.db",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: 5 * time.Minute,
		BusyTimeout:     5 * time.Second,
	}
}

//go:embed schema.sql
var ddl string

// dsn enables WAL and foreign keys. Transactions start IMMEDIATE so a
// read-then-write never has to upgrade its lock.
func (c *Config) dsn() string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", strconv.FormatInt(c.BusyTimeout.Milliseconds(), 10))
	return c.Path + "?" + q.Encode()
}

// NewStore opens the database file, creating its directory, and migrates it
// to the latest schema.
func NewStore(ctx context.Context, config *Config) (*SQLStore, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", config.Path, err)
	}
	conn.SetMaxOpenConns(config.MaxOpenConns)
	conn.SetMaxIdleConns(config.MaxIdleConns)
	if config.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	store := NewStoreFromDB(conn)
	if err := conn.PingContext(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("ping database: %w", err), conn.Close())
	}
	if err := store.Setup(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("migrate database: %w", err), conn.Close())
	}
	return store, nil
}

func NewStoreFromDB(conn *sql.DB) *SQLStore {
	return &SQLStore{Queries: New(conn), db: conn}
}

// Setup brings the schema up to date.
func (s *SQLStore) Setup(ctx context.Context) error {
	return migrate(ctx, s.db)
}

// ExecTx runs fn against a transaction and commits when it returns nil.
func (s *SQLStore) ExecTx(ctx context.Context, fn func(*Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(s.Queries.WithTx(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
