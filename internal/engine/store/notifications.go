package store

import (
	"context"
	"fmt"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/db"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

var alertColumns = map[models.AlertKind]string{
	models.AlertLowTraffic: db.AlertColumnLowTraffic,
	models.AlertExpiryNear: db.AlertColumnExpiryNear,
	models.AlertThreshold:  db.AlertColumnThreshold,
}

// ClaimAlert sets the one-shot flag for kind and appends an outbox row in the
// same transaction. The returned notification is nil when the flag was
// already set or the config is no longer active.
func (s *Store) ClaimAlert(ctx context.Context, cfg *models.VpnConfig, kind models.AlertKind, message string) (*models.Notification, error) {
	column, ok := alertColumns[kind]
	if !ok {
		return nil, fmt.Errorf("unknown alert kind %q", kind)
	}

	var out *models.Notification
	err := s.db.ExecTx(ctx, func(q *db.Queries) error {
		won, err := q.ClaimAlert(ctx, cfg.ID, column)
		if err != nil {
			return err
		}
		if won == 0 {
			return nil
		}
		row, err := q.CreateNotification(ctx, db.CreateNotificationParams{
			ConfigID:  cfg.ID,
			OwnerID:   cfg.OwnerID,
			Kind:      string(kind),
			Message:   message,
			CreatedAt: s.now(),
		})
		if err != nil {
			return err
		}
		out = toDomainNotification(row)
		return nil
	})
	if err != nil {
		return nil, persistenceError("claim alert", err)
	}
	return out, nil
}

// ListPendingNotifications returns unacknowledged outbox rows, oldest first.
func (s *Store) ListPendingNotifications(ctx context.Context, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.ListPendingNotifications(ctx, int64(limit))
	if err != nil {
		return nil, persistenceError("list notifications", err)
	}
	out := make([]*models.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, toDomainNotification(r))
	}
	return out, nil
}

// AckNotification marks an outbox row delivered. It reports false if the row
// does not exist or was already acknowledged.
func (s *Store) AckNotification(ctx context.Context, id int64) (bool, error) {
	n, err := s.db.AckNotification(ctx, db.AckNotificationParams{ID: id, AckedAt: s.now()})
	if err != nil {
		return false, persistenceError("ack notification", err)
	}
	return n == 1, nil
}

func toDomainNotification(r db.Notification) *models.Notification {
	n := &models.Notification{
		ID:        r.ID,
		ConfigID:  r.ConfigID,
		OwnerID:   r.OwnerID,
		Kind:      models.AlertKind(r.Kind),
		Message:   r.Message,
		CreatedAt: r.CreatedAt,
	}
	if r.AckedAt.Valid {
		t := r.AckedAt.Time
		n.AckedAt = &t
	}
	return n
}
