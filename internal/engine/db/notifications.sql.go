package db

import (
	"context"
	"time"
)

const createNotification = `-- name: CreateNotification :execlastid
INSERT INTO notifications (config_id, owner_id, kind, message, created_at)
VALUES (?, ?, ?, ?, ?)
`

type CreateNotificationParams struct {
	ConfigID  string    `json:"config_id"`
	OwnerID   int64     `json:"owner_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (q *Queries) CreateNotification(ctx context.Context, arg CreateNotificationParams) (Notification, error) {
	result, err := q.db.ExecContext(ctx, createNotification,
		arg.ConfigID,
		arg.OwnerID,
		arg.Kind,
		arg.Message,
		arg.CreatedAt,
	)
	if err != nil {
		return Notification{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		ID:        id,
		ConfigID:  arg.ConfigID,
		OwnerID:   arg.OwnerID,
		Kind:      arg.Kind,
		Message:   arg.Message,
		CreatedAt: arg.CreatedAt,
	}, nil
}

const listPendingNotifications = `-- name: ListPendingNotifications :many
SELECT id, config_id, owner_id, kind, message, created_at, acked_at
FROM notifications WHERE acked_at IS NULL ORDER BY id LIMIT ?
`

func (q *Queries) ListPendingNotifications(ctx context.Context, limit int64) ([]Notification, error) {
	rows, err := q.db.QueryContext(ctx, listPendingNotifications, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Notification{}
	for rows.Next() {
		var i Notification
		if err := rows.Scan(
			&i.ID,
			&i.ConfigID,
			&i.OwnerID,
			&i.Kind,
			&i.Message,
			&i.CreatedAt,
			&i.AckedAt,
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

const ackNotification = `-- name: AckNotification :execrows
UPDATE notifications SET acked_at = ? WHERE id = ? AND acked_at IS NULL
`

type AckNotificationParams struct {
	AckedAt time.Time `json:"acked_at"`
	ID      int64     `json:"id"`
}

func (q *Queries) AckNotification(ctx context.Context, arg AckNotificationParams) (int64, error) {
	return execRows(ctx, q.db, ackNotification, arg.AckedAt, arg.ID)
}

const countNotificationsByConfig = `-- name: CountNotificationsByConfig :one
SELECT COUNT(*) FROM notifications WHERE config_id = ? AND kind = ?
`

type CountNotificationsByConfigParams struct {
	ConfigID string `json:"config_id"`
	Kind     string `json:"kind"`
}

func (q *Queries) CountNotificationsByConfig(ctx context.Context, arg CountNotificationsByConfigParams) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, countNotificationsByConfig, arg.ConfigID, arg.Kind).Scan(&count)
	return count, err
}
