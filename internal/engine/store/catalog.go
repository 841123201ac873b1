package store

import (
	"context"
	"encoding/json"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/db"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

// GetServer returns a server by id.
func (s *Store) GetServer(ctx context.Context, id int64) (*models.Server, error) {
	row, err := s.db.GetServer(ctx, id)
	if err != nil {
		return nil, notFound(err, apperrors.ErrServerNotFound, id)
	}
	return toDomainServer(row), nil
}

// ListActiveServers returns every server the catalog marks active.
func (s *Store) ListActiveServers(ctx context.Context) ([]*models.Server, error) {
	rows, err := s.db.ListActiveServers(ctx)
	if err != nil {
		return nil, persistenceError("list active servers", err)
	}
	out := make([]*models.Server, 0, len(rows))
	for _, r := range rows {
		out = append(out, toDomainServer(r))
	}
	return out, nil
}

// ListServers returns all servers, active or not.
func (s *Store) ListServers(ctx context.Context) ([]*models.Server, error) {
	rows, err := s.db.ListServers(ctx)
	if err != nil {
		return nil, persistenceError("list servers", err)
	}
	out := make([]*models.Server, 0, len(rows))
	for _, r := range rows {
		out = append(out, toDomainServer(r))
	}
	return out, nil
}

// GetPlan returns a plan by id.
func (s *Store) GetPlan(ctx context.Context, id int64) (*models.Plan, error) {
	row, err := s.db.GetPlan(ctx, id)
	if err != nil {
		return nil, notFound(err, apperrors.ErrPlanNotFound, id)
	}
	return toDomainPlan(row), nil
}

// ListPlans returns every plan.
func (s *Store) ListPlans(ctx context.Context) ([]*models.Plan, error) {
	rows, err := s.db.ListPlans(ctx)
	if err != nil {
		return nil, persistenceError("list plans", err)
	}
	out := make([]*models.Plan, 0, len(rows))
	for _, r := range rows {
		out = append(out, toDomainPlan(r))
	}
	return out, nil
}

// SyncResult summarizes a catalog sync.
type SyncResult struct {
	Servers     int
	Plans       int
	Deactivated int64
}

// SyncCatalog upserts the configured servers and plans in one transaction.
// Servers no longer present are marked inactive, never deleted, so existing
// configs keep their foreign key.
func (s *Store) SyncCatalog(ctx context.Context, servers []models.Server, plans []models.Plan) (SyncResult, error) {
	var res SyncResult
	ids := make([]int64, 0, len(servers))

	err := s.db.ExecTx(ctx, func(q *db.Queries) error {
		for _, srv := range servers {
			if err := q.UpsertServer(ctx, db.UpsertServerParams{
				ID:            srv.ID,
				Name:          srv.Name,
				Driver:        string(srv.Driver),
				Host:          srv.Host,
				Port:          int64(srv.Port),
				Username:      srv.Username,
				Password:      srv.Password,
				SshKeyPath:    srv.SSHKeyPath,
				InterfaceName: srv.Interface,
				PublicKey:     srv.PublicKey,
				EndpointHost:  srv.EndpointHost,
				ListenPort:    int64(srv.ListenPort),
				Dns:           srv.DNS,
				AllowedIps:    srv.AllowedIPs,
				PoolBase:      srv.PoolBase,
				PoolStart:     int64(srv.PoolStart),
				PoolEnd:       int64(srv.PoolEnd),
				Capacity:      int64(srv.Capacity),
				Active:        srv.Active,
			}); err != nil {
				return err
			}
			ids = append(ids, srv.ID)
			res.Servers++
		}

		for _, p := range plans {
			if err := q.UpsertPlan(ctx, db.UpsertPlanParams{
				ID:           p.ID,
				Name:         p.Name,
				QuotaBytes:   p.QuotaBytes,
				DurationDays: int64(p.DurationDays),
				SingleUse:    p.SingleUse,
			}); err != nil {
				return err
			}
			res.Plans++
		}

		idsJSON, err := json.Marshal(ids)
		if err != nil {
			return err
		}
		res.Deactivated, err = q.DeactivateServersNotIn(ctx, string(idsJSON))
		return err
	})
	if err != nil {
		return SyncResult{}, persistenceError("sync catalog", err)
	}
	return res, nil
}
