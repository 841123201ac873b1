package usage

import (
	"context"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/device"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/events"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/ip"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/metrics"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/store"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"golang.org/x/sync/errgroup"
)

// Repository is the persistence the reconciler needs.
type Repository interface {
	ListActiveServers(ctx context.Context) ([]*models.Server, error)
	ListConfigsByServer(ctx context.Context, serverID int64) ([]*models.VpnConfig, error)
	CommitUsage(ctx context.Context, updates []store.UsageUpdate) (int, []string, error)
}

// Config controls the reconciliation loop.
type Config struct {
	Interval             time.Duration `mapstructure:"interval"`
	MaxConcurrentServers int           `mapstructure:"max_concurrent_servers"`
}

// DefaultConfig returns the default reconciliation settings.
func DefaultConfig() Config {
	return Config{
		Interval:             5 * time.Minute,
		MaxConcurrentServers: 4,
	}
}

// ServerResult summarizes one server in a pass.
type ServerResult struct {
	ServerID int64
	Peers    int
	Matched  int
	Missing  int
	Invalid  int
	Applied  int
	Stale    int
	Resets   int
	Orphans  int
	Err      error
}

// PassResult summarizes a reconciliation pass.
type PassResult struct {
	Servers  []ServerResult
	Failed   int
	Duration time.Duration
}

// Reconciler pulls peer counters from every active server and folds them
// into the stored accounting.
type Reconciler struct {
	repo     Repository
	sessions *device.Sessions
	config   Config
	events   events.Publisher
	logger   *logger.Logger
}

// NewReconciler creates a reconciler. pub may be nil.
func NewReconciler(repo Repository, sessions *device.Sessions, cfg Config, pub events.Publisher, log *logger.Logger) *Reconciler {
	if cfg.MaxConcurrentServers < 1 {
		cfg.MaxConcurrentServers = 1
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Reconciler{
		repo:     repo,
		sessions: sessions,
		config:   cfg,
		events:   pub,
		logger:   log.WithComponent("usage.reconciler"),
	}
}

// RunOnce reconciles every active server. Per-server failures are logged and
// reported in the result; only failing to list servers aborts the pass.
func (r *Reconciler) RunOnce(ctx context.Context) (PassResult, error) {
	timer := metrics.NewTimer()
	op := r.logger.StartOp(ctx, "reconcile_pass")

	servers, err := r.repo.ListActiveServers(ctx)
	if err != nil {
		op.Fail(err, "failed to list servers")
		return PassResult{}, err
	}

	results := make([]ServerResult, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.MaxConcurrentServers)
	for i, server := range servers {
		g.Go(func() error {
			results[i] = r.reconcileServer(gctx, server)
			return nil
		})
	}
	_ = g.Wait()

	pass := PassResult{Servers: results, Duration: timer.Duration()}
	var applied, orphans int
	for _, res := range results {
		if res.Err != nil {
			pass.Failed++
		}
		applied += res.Applied
		orphans += res.Orphans
	}
	timer.ObserveDuration(metrics.ReconcilePassDuration)

	op.Complete("reconcile pass finished",
		slog.Int("servers", len(servers)),
		slog.Int("failed", pass.Failed),
		slog.Int("applied", applied),
		slog.Int("orphans", orphans))

	e := events.New(events.ReconcileDone).
		With("servers", len(servers)).
		With("failed", pass.Failed).
		With("applied", applied)
	if err := r.events.Publish(ctx, e); err != nil {
		r.logger.WarnCtx(ctx, "event publish failed", err)
	}
	return pass, nil
}

func (r *Reconciler) reconcileServer(ctx context.Context, server *models.Server) ServerResult {
	res := ServerResult{ServerID: server.ID}
	ctx = logger.WithServerID(ctx, strconv.FormatInt(server.ID, 10))
	label := strconv.FormatInt(server.ID, 10)

	all, err := r.repo.ListConfigsByServer(ctx, server.ID)
	if err != nil {
		res.Err = err
		r.logger.ErrorCtx(ctx, "failed to load configs", err)
		return res
	}
	var configs []*models.VpnConfig
	for _, cfg := range all {
		if cfg.Status == models.StatusActive {
			configs = append(configs, cfg)
		}
	}
	metrics.PoolActive.WithLabelValues(label).Set(float64(len(configs)))
	metrics.PoolCapacity.WithLabelValues(label).Set(float64(server.Capacity))

	var peers []device.Peer
	err = r.sessions.Do(ctx, server, func(ctx context.Context, gw device.Gateway) error {
		var err error
		peers, err = gw.ListPeers(ctx, server.Interface)
		return err
	})
	if err != nil {
		res.Err = err
		r.logger.ErrorCtx(ctx, "failed to read device peers", err)
		return res
	}
	res.Peers = len(peers)

	byKey := make(map[string]device.Peer, len(peers))
	byComment := make(map[string]device.Peer, len(peers))
	for _, p := range peers {
		byKey[p.PublicKey] = p
		if p.Comment != "" {
			byComment[p.Comment] = p
		}
	}
	lookup := func(cfg *models.VpnConfig) (device.Peer, bool) {
		if p, ok := byKey[cfg.PublicKey]; ok {
			return p, true
		}
		p, ok := byComment[device.Comment(cfg.OwnerID, cfg.ClientAddress)]
		return p, ok
	}

	// Peers kept on the device for disabled, expired or pending-delete
	// configs are ours, not orphans.
	claimed := make(map[string]bool, len(all))
	for _, cfg := range all {
		if cfg.Status == models.StatusActive {
			continue
		}
		if p, ok := lookup(cfg); ok {
			claimed[p.PublicKey] = true
		}
	}

	var updates []store.UsageUpdate
	deltas := make(map[string]Delta)
	for _, cfg := range configs {
		peer, ok := lookup(cfg)
		if !ok {
			res.Missing++
			r.logger.WarnContext(ctx, "no device peer for active config", slog.String("config_id", cfg.ID))
			continue
		}
		claimed[peer.PublicKey] = true
		res.Matched++

		if peer.Rx < 0 || peer.Tx < 0 {
			res.Invalid++
			r.logger.WarnContext(ctx, "skipping invalid counters", slog.String("config_id", cfg.ID),
				slog.Int64("rx", peer.Rx), slog.Int64("tx", peer.Tx))
			continue
		}

		next, d := ApplyCounters(cfg.Accounting, peer.Rx, peer.Tx)
		if next == cfg.Accounting {
			continue
		}
		if d.Reset {
			res.Resets++
			r.logger.InfoContext(ctx, "counter reset detected", slog.String("config_id", cfg.ID),
				slog.Int64("last_rx", cfg.LastRxCounter), slog.Int64("rx", peer.Rx),
				slog.Int64("last_tx", cfg.LastTxCounter), slog.Int64("tx", peer.Tx))
		}
		updates = append(updates, store.UsageUpdate{ConfigID: cfg.ID, Version: cfg.Version, Accounting: next})
		deltas[cfg.ID] = d
	}

	ours := managedBy(server)
	for _, p := range peers {
		if claimed[p.PublicKey] || !ours(p) {
			continue
		}
		res.Orphans++
		r.logger.WarnContext(ctx, "orphan peer on device",
			slog.String("comment", p.Comment), slog.String("address", p.AllowedAddress))
	}
	metrics.OrphanPeers.WithLabelValues(label).Set(float64(res.Orphans))

	applied, stale, err := r.repo.CommitUsage(ctx, updates)
	if err != nil {
		res.Err = err
		r.logger.ErrorCtx(ctx, "failed to commit usage", err)
		return res
	}
	res.Applied, res.Stale = applied, len(stale)
	for _, id := range stale {
		delete(deltas, id)
	}
	for _, d := range deltas {
		metrics.ReconciledBytesTotal.WithLabelValues("rx").Add(float64(d.Rx))
		metrics.ReconciledBytesTotal.WithLabelValues("tx").Add(float64(d.Tx))
		if d.Reset {
			metrics.CounterResetsTotal.Inc()
		}
	}
	if len(stale) > 0 {
		r.logger.InfoContext(ctx, "skipped rows changed concurrently", slog.Int("stale", len(stale)))
	}
	return res
}

// managedBy reports whether a device peer looks provisioned by this service.
// Drivers without peer comments fall back to the server's address pool.
func managedBy(server *models.Server) func(device.Peer) bool {
	pool, poolErr := ip.ParsePool(server.PoolBase, server.PoolStart, server.PoolEnd)
	return func(p device.Peer) bool {
		if p.Comment != "" {
			_, _, ok := device.ParseComment(p.Comment)
			return ok
		}
		if poolErr != nil || p.AllowedAddress == "" {
			return false
		}
		addr, err := netip.ParseAddr(device.HostAddress(p.AllowedAddress))
		return err == nil && pool.Contains(addr)
	}
}
