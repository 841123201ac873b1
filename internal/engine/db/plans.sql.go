package db

import (
	"context"
)

const upsertPlan = `-- name: UpsertPlan :exec
INSERT INTO plans (id, name, quota_bytes, duration_days, single_use, updated_at)
VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    quota_bytes = excluded.quota_bytes,
    duration_days = excluded.duration_days,
    single_use = excluded.single_use,
    updated_at = CURRENT_TIMESTAMP
`

type UpsertPlanParams struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	QuotaBytes   int64  `json:"quota_bytes"`
	DurationDays int64  `json:"duration_days"`
	SingleUse    bool   `json:"single_use"`
}

func (q *Queries) UpsertPlan(ctx context.Context, arg UpsertPlanParams) error {
	_, err := q.db.ExecContext(ctx, upsertPlan,
		arg.ID,
		arg.Name,
		arg.QuotaBytes,
		arg.DurationDays,
		arg.SingleUse,
	)
	return err
}

const getPlan = `-- name: GetPlan :one
SELECT id, name, quota_bytes, duration_days, single_use, updated_at FROM plans WHERE id = ? LIMIT 1
`

func (q *Queries) GetPlan(ctx context.Context, id int64) (Plan, error) {
	row := q.db.QueryRowContext(ctx, getPlan, id)
	var i Plan
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.QuotaBytes,
		&i.DurationDays,
		&i.SingleUse,
		&i.UpdatedAt,
	)
	return i, err
}

const listPlans = `-- name: ListPlans :many
SELECT id, name, quota_bytes, duration_days, single_use, updated_at FROM plans ORDER BY id
`

func (q *Queries) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := q.db.QueryContext(ctx, listPlans)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Plan{}
	for rows.Next() {
		var i Plan
		if err := rows.Scan(
			&i.ID,
			&i.Name,
			&i.QuotaBytes,
			&i.DurationDays,
			&i.SingleUse,
			&i.UpdatedAt,
		); err != nil {
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
