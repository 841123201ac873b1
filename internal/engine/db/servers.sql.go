package db

import (
	"context"
)

const serverColumns = `id, name, driver, host, port, username, password, ssh_key_path, interface_name,
public_key, endpoint_host, listen_port, dns, allowed_ips, pool_base, pool_start, pool_end, capacity,
active, updated_at`

func scanServer(row interface{ Scan(...any) error }) (Server, error) {
	var i Server
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Driver,
		&i.Host,
		&i.Port,
		&i.Username,
		&i.Password,
		&i.SshKeyPath,
		&i.InterfaceName,
		&i.PublicKey,
		&i.EndpointHost,
		&i.ListenPort,
		&i.Dns,
		&i.AllowedIps,
		&i.PoolBase,
		&i.PoolStart,
		&i.PoolEnd,
		&i.Capacity,
		&i.Active,
		&i.UpdatedAt,
	)
	return i, err
}

const upsertServer = `-- name: UpsertServer :exec
INSERT INTO servers (
    id, name, driver, host, port, username, password, ssh_key_path, interface_name,
    public_key, endpoint_host, listen_port, dns, allowed_ips, pool_base, pool_start, pool_end,
    capacity, active, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    driver = excluded.driver,
    host = excluded.host,
    port = excluded.port,
    username = excluded.username,
    password = excluded.password,
    ssh_key_path = excluded.ssh_key_path,
    interface_name = excluded.interface_name,
    public_key = excluded.public_key,
    endpoint_host = excluded.endpoint_host,
    listen_port = excluded.listen_port,
    dns = excluded.dns,
    allowed_ips = excluded.allowed_ips,
    pool_base = excluded.pool_base,
    pool_start = excluded.pool_start,
    pool_end = excluded.pool_end,
    capacity = excluded.capacity,
    active = excluded.active,
    updated_at = CURRENT_TIMESTAMP
`

type UpsertServerParams struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Driver        string `json:"driver"`
	Host          string `json:"host"`
	Port          int64  `json:"port"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	SshKeyPath    string `json:"ssh_key_path"`
	InterfaceName string `json:"interface_name"`
	PublicKey     string `json:"public_key"`
	EndpointHost  string `json:"endpoint_host"`
	ListenPort    int64  `json:"listen_port"`
	Dns           string `json:"dns"`
	AllowedIps    string `json:"allowed_ips"`
	PoolBase      string `json:"pool_base"`
	PoolStart     int64  `json:"pool_start"`
	PoolEnd       int64  `json:"pool_end"`
	Capacity      int64  `json:"capacity"`
	Active        bool   `json:"active"`
}

func (q *Queries) UpsertServer(ctx context.Context, arg UpsertServerParams) error {
	_, err := q.db.ExecContext(ctx, upsertServer,
		arg.ID,
		arg.Name,
		arg.Driver,
		arg.Host,
		arg.Port,
		arg.Username,
		arg.Password,
		arg.SshKeyPath,
		arg.InterfaceName,
		arg.PublicKey,
		arg.EndpointHost,
		arg.ListenPort,
		arg.Dns,
		arg.AllowedIps,
		arg.PoolBase,
		arg.PoolStart,
		arg.PoolEnd,
		arg.Capacity,
		arg.Active,
	)
	return err
}

const getServer = `-- name: GetServer :one
SELECT ` + serverColumns + ` FROM servers WHERE id = ? LIMIT 1
`

func (q *Queries) GetServer(ctx context.Context, id int64) (Server, error) {
	return scanServer(q.db.QueryRowContext(ctx, getServer, id))
}

const listServers = `-- name: ListServers :many
SELECT ` + serverColumns + ` FROM servers ORDER BY id
`

func (q *Queries) ListServers(ctx context.Context) ([]Server, error) {
	return q.queryServers(ctx, listServers)
}

const listActiveServers = `-- name: ListActiveServers :many
SELECT ` + serverColumns + ` FROM servers WHERE active = 1 ORDER BY id
`

func (q *Queries) ListActiveServers(ctx context.Context) ([]Server, error) {
	return q.queryServers(ctx, listActiveServers)
}

func (q *Queries) queryServers(ctx context.Context, query string, args ...interface{}) ([]Server, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Server{}
	for rows.Next() {
		i, err := scanServer(rows)
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

const deactivateServersNotIn = `-- name: DeactivateServersNotIn :execrows
UPDATE servers SET active = 0, updated_at = CURRENT_TIMESTAMP
WHERE active = 1 AND id NOT IN (SELECT value FROM json_each(?))
`

// DeactivateServersNotIn marks servers missing from the catalog inactive.
// ids is a JSON array of server ids.
func (q *Queries) DeactivateServersNotIn(ctx context.Context, ids string) (int64, error) {
	result, err := q.db.ExecContext(ctx, deactivateServersNotIn, ids)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
