package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const configColumns = `id, owner_id, server_id, plan_id, quota_bytes, duration_days, is_test,
private_key, public_key, client_address, cumulative_rx, cumulative_tx, last_rx_counter,
last_tx_counter, counter_reset_flag, status, created_at, expires_at, renewed_at, disable_requested,
alert_low_traffic, alert_expiry_near, alert_threshold, version, updated_at`

func scanConfig(row interface{ Scan(...any) error }) (VpnConfig, error) {
	var i VpnConfig
	err := row.Scan(
		&i.ID,
		&i.OwnerID,
		&i.ServerID,
		&i.PlanID,
		&i.QuotaBytes,
		&i.DurationDays,
		&i.IsTest,
		&i.PrivateKey,
		&i.PublicKey,
		&i.ClientAddress,
		&i.CumulativeRx,
		&i.CumulativeTx,
		&i.LastRxCounter,
		&i.LastTxCounter,
		&i.CounterResetFlag,
		&i.Status,
		&i.CreatedAt,
		&i.ExpiresAt,
		&i.RenewedAt,
		&i.DisableRequested,
		&i.AlertLowTraffic,
		&i.AlertExpiryNear,
		&i.AlertThreshold,
		&i.Version,
		&i.UpdatedAt,
	)
	return i, err
}

func (q *Queries) queryConfigs(ctx context.Context, query string, args ...interface{}) ([]VpnConfig, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []VpnConfig{}
	for rows.Next() {
		i, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func execRows(ctx context.Context, db DBTX, query string, args ...interface{}) (int64, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const createConfig = `-- name: CreateConfig :exec
INSERT INTO configs (
    id, owner_id, server_id, plan_id, quota_bytes, duration_days, is_test,
    private_key, public_key, client_address, status, created_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'active', ?, ?)
`

type CreateConfigParams struct {
	ID            string        `json:"id"`
	OwnerID       int64         `json:"owner_id"`
	ServerID      int64         `json:"server_id"`
	PlanID        sql.NullInt64 `json:"plan_id"`
	QuotaBytes    int64         `json:"quota_bytes"`
	DurationDays  int64         `json:"duration_days"`
	IsTest        bool          `json:"is_test"`
	PrivateKey    string        `json:"private_key"`
	PublicKey     string        `json:"public_key"`
	ClientAddress string        `json:"client_address"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// CreateConfig inserts a new active config and reads it back.
func (q *Queries) CreateConfig(ctx context.Context, arg CreateConfigParams) (VpnConfig, error) {
	_, err := q.db.ExecContext(ctx, createConfig,
		arg.ID,
		arg.OwnerID,
		arg.ServerID,
		arg.PlanID,
		arg.QuotaBytes,
		arg.DurationDays,
		arg.IsTest,
		arg.PrivateKey,
		arg.PublicKey,
		arg.ClientAddress,
		arg.CreatedAt,
		arg.ExpiresAt,
	)
	if err != nil {
		return VpnConfig{}, err
	}
	return q.GetConfig(ctx, arg.ID)
}

const getConfig = `-- name: GetConfig :one
SELECT ` + configColumns + ` FROM configs WHERE id = ? LIMIT 1
`

func (q *Queries) GetConfig(ctx context.Context, id string) (VpnConfig, error) {
	return scanConfig(q.db.QueryRowContext(ctx, getConfig, id))
}

const listConfigsByStatus = `-- name: ListConfigsByStatus :many
SELECT ` + configColumns + ` FROM configs WHERE status = ? ORDER BY created_at, id
`

func (q *Queries) ListConfigsByStatus(ctx context.Context, status string) ([]VpnConfig, error) {
	return q.queryConfigs(ctx, listConfigsByStatus, status)
}

const listConfigsByServer = `-- name: ListConfigsByServer :many
SELECT ` + configColumns + ` FROM configs WHERE server_id = ? ORDER BY id
`

func (q *Queries) ListConfigsByServer(ctx context.Context, serverID int64) ([]VpnConfig, error) {
	return q.queryConfigs(ctx, listConfigsByServer, serverID)
}

const listConfigsByOwner = `-- name: ListConfigsByOwner :many
SELECT ` + configColumns + ` FROM configs WHERE owner_id = ? ORDER BY created_at DESC, id
`

func (q *Queries) ListConfigsByOwner(ctx context.Context, ownerID int64) ([]VpnConfig, error) {
	return q.queryConfigs(ctx, listConfigsByOwner, ownerID)
}

const listActiveAddresses = `-- name: ListActiveAddresses :many
SELECT client_address FROM configs WHERE server_id = ? AND status IN ('active', 'deleted_pending')
`

func (q *Queries) ListActiveAddresses(ctx context.Context, serverID int64) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listActiveAddresses, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []string{}
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		items = append(items, addr)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const countAddressHolders = `-- name: CountAddressHolders :one
SELECT COUNT(*) FROM configs
WHERE server_id = ? AND client_address = ? AND status IN ('active', 'deleted_pending') AND id != ?
`

type CountAddressHoldersParams struct {
	ServerID      int64  `json:"server_id"`
	ClientAddress string `json:"client_address"`
	ExcludeID     string `json:"exclude_id"`
}

func (q *Queries) CountAddressHolders(ctx context.Context, arg CountAddressHoldersParams) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, countAddressHolders, arg.ServerID, arg.ClientAddress, arg.ExcludeID).Scan(&count)
	return count, err
}

const updateConfigUsage = `-- name: UpdateConfigUsage :execrows
UPDATE configs SET
    cumulative_rx = ?,
    cumulative_tx = ?,
    last_rx_counter = ?,
    last_tx_counter = ?,
    counter_reset_flag = ?,
    version = version + 1,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND version = ? AND status = 'active'
`

type UpdateConfigUsageParams struct {
	CumulativeRx     int64  `json:"cumulative_rx"`
	CumulativeTx     int64  `json:"cumulative_tx"`
	LastRxCounter    int64  `json:"last_rx_counter"`
	LastTxCounter    int64  `json:"last_tx_counter"`
	CounterResetFlag bool   `json:"counter_reset_flag"`
	ID               string `json:"id"`
	Version          int64  `json:"version"`
}

func (q *Queries) UpdateConfigUsage(ctx context.Context, arg UpdateConfigUsageParams) (int64, error) {
	return execRows(ctx, q.db, updateConfigUsage,
		arg.CumulativeRx,
		arg.CumulativeTx,
		arg.LastRxCounter,
		arg.LastTxCounter,
		arg.CounterResetFlag,
		arg.ID,
		arg.Version,
	)
}

const renewConfig = `-- name: RenewConfig :execrows
UPDATE configs SET
    plan_id = ?,
    quota_bytes = ?,
    duration_days = ?,
    client_address = ?,
    cumulative_rx = 0,
    cumulative_tx = 0,
    last_rx_counter = ?,
    last_tx_counter = ?,
    counter_reset_flag = 0,
    status = 'active',
    expires_at = ?,
    renewed_at = ?,
    disable_requested = 0,
    alert_low_traffic = 0,
    alert_expiry_near = 0,
    alert_threshold = 0,
    version = version + 1,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND version = ? AND status IN ('active', 'disabled', 'expired')
`

type RenewConfigParams struct {
	PlanID        sql.NullInt64 `json:"plan_id"`
	QuotaBytes    int64         `json:"quota_bytes"`
	DurationDays  int64         `json:"duration_days"`
	ClientAddress string        `json:"client_address"`
	LastRxCounter int64         `json:"last_rx_counter"`
	LastTxCounter int64         `json:"last_tx_counter"`
	ExpiresAt     time.Time     `json:"expires_at"`
	RenewedAt     time.Time     `json:"renewed_at"`
	ID            string        `json:"id"`
	Version       int64         `json:"version"`
}

func (q *Queries) RenewConfig(ctx context.Context, arg RenewConfigParams) (int64, error) {
	return execRows(ctx, q.db, renewConfig,
		arg.PlanID,
		arg.QuotaBytes,
		arg.DurationDays,
		arg.ClientAddress,
		arg.LastRxCounter,
		arg.LastTxCounter,
		arg.ExpiresAt,
		arg.RenewedAt,
		arg.ID,
		arg.Version,
	)
}

const setDisableRequested = `-- name: SetDisableRequested :execrows
UPDATE configs SET disable_requested = 1, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'active'
`

func (q *Queries) SetDisableRequested(ctx context.Context, id string) (int64, error) {
	return execRows(ctx, q.db, setDisableRequested, id)
}

const transitionConfigStatus = `-- name: TransitionConfigStatus :execrows
UPDATE configs SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = ?
`

type TransitionConfigStatusParams struct {
	ToStatus   string `json:"to_status"`
	ID         string `json:"id"`
	FromStatus string `json:"from_status"`
}

// TransitionConfigStatus moves a config from one status to another. Zero rows
// affected means another writer already moved it.
func (q *Queries) TransitionConfigStatus(ctx context.Context, arg TransitionConfigStatusParams) (int64, error) {
	return execRows(ctx, q.db, transitionConfigStatus, arg.ToStatus, arg.ID, arg.FromStatus)
}

const completeDisable = `-- name: CompleteDisable :execrows
UPDATE configs SET status = ?, version = version + 1, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'active' AND disable_requested = 1
`

type CompleteDisableParams struct {
	ToStatus string `json:"to_status"`
	ID       string `json:"id"`
}

// CompleteDisable finishes a disable whose intent is still recorded. A renew
// in between clears the intent and leaves zero rows affected.
func (q *Queries) CompleteDisable(ctx context.Context, arg CompleteDisableParams) (int64, error) {
	return execRows(ctx, q.db, completeDisable, arg.ToStatus, arg.ID)
}

const deleteConfig = `-- name: DeleteConfig :execrows
DELETE FROM configs WHERE id = ?
`

func (q *Queries) DeleteConfig(ctx context.Context, id string) (int64, error) {
	return execRows(ctx, q.db, deleteConfig, id)
}

// Alert flag columns. Only these names are ever interpolated into SQL.
const (
	AlertColumnLowTraffic = "alert_low_traffic"
	AlertColumnExpiryNear = "alert_expiry_near"
	AlertColumnThreshold  = "alert_threshold"
)

var claimAlertQueries = map[string]string{
	AlertColumnLowTraffic: claimAlertQuery(AlertColumnLowTraffic),
	AlertColumnExpiryNear: claimAlertQuery(AlertColumnExpiryNear),
	AlertColumnThreshold:  claimAlertQuery(AlertColumnThreshold),
}

func claimAlertQuery(column string) string {
	return fmt.Sprintf(`-- name: ClaimAlert :execrows
UPDATE configs SET %[1]s = 1, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'active' AND %[1]s = 0
`, column)
}

// ClaimAlert sets a one-shot alert flag if it is still clear. It returns 1
// for the single caller that wins, 0 for everyone else.
func (q *Queries) ClaimAlert(ctx context.Context, id, column string) (int64, error) {
	query, ok := claimAlertQueries[column]
	if !ok {
		return 0, fmt.Errorf("unknown alert column %q", column)
	}
	return execRows(ctx, q.db, query, id)
}
