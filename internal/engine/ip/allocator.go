package ip

import (
	"context"
	"net/netip"
	"sync"

	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

// AddressSource reports which addresses are held by committed active configs.
type AddressSource interface {
	ActiveAddresses(ctx context.Context, serverID int64) ([]string, error)
	AddressHeldByOther(ctx context.Context, serverID int64, addr, excludeID string) (bool, error)
}

// Allocator hands out client addresses. All decisions for one server run
// under that server's lock and account for both committed configs and
// addresses reserved by provisioning calls still in flight.
type Allocator struct {
	source AddressSource
	logger *logger.Logger

	mu      sync.Mutex
	servers map[int64]*serverPool
}

type serverPool struct {
	mu       sync.Mutex
	reserved map[netip.Addr]struct{}
}

// NewAllocator creates an Allocator over source.
func NewAllocator(source AddressSource, log *logger.Logger) *Allocator {
	return &Allocator{
		source:  source,
		logger:  log.WithComponent("ip.allocator"),
		servers: make(map[int64]*serverPool),
	}
}

func (a *Allocator) pool(serverID int64) *serverPool {
	a.mu.Lock()
	defer a.mu.Unlock()
	sp, ok := a.servers[serverID]
	if !ok {
		sp = &serverPool{reserved: make(map[netip.Addr]struct{})}
		a.servers[serverID] = sp
	}
	return sp
}

// Reservation holds an address until the caller has either committed a
// config that uses it or given up.
type Reservation struct {
	addr    netip.Addr
	release func()
	once    sync.Once
}

// Addr returns the reserved address.
func (r *Reservation) Addr() netip.Addr {
	return r.addr
}

// Release frees the in-memory hold. Safe to call more than once.
func (r *Reservation) Release() {
	r.once.Do(r.release)
}

func (a *Allocator) reserveLocked(sp *serverPool, addr netip.Addr) *Reservation {
	sp.reserved[addr] = struct{}{}
	return &Reservation{
		addr: addr,
		release: func() {
			sp.mu.Lock()
			delete(sp.reserved, addr)
			sp.mu.Unlock()
		},
	}
}

// Reserve picks the lowest free address on server and holds it. It fails
// with pool_exhausted when the range is full and capacity_exceeded when the
// server's configured capacity is reached first. A capacity of zero means
// the pool size is the only limit.
func (a *Allocator) Reserve(ctx context.Context, server *models.Server) (*Reservation, error) {
	pool, err := ParsePool(server.PoolBase, server.PoolStart, server.PoolEnd)
	if err != nil {
		return nil, err
	}

	sp := a.pool(server.ID)
	sp.mu.Lock()
	defer sp.mu.Unlock()

	addrs, err := a.source.ActiveAddresses(ctx, server.ID)
	if err != nil {
		return nil, err
	}
	used, invalid := UsedSet(addrs)
	if len(invalid) > 0 {
		a.logger.Warn("ignoring unparseable stored addresses", "server_id", server.ID, "addresses", invalid)
	}

	if err := checkCapacity(server, len(addrs)+len(sp.reserved)); err != nil {
		return nil, err
	}

	for addr := range sp.reserved {
		used[addr] = struct{}{}
	}

	addr, err := NextFree(pool, used)
	if err != nil {
		return nil, err
	}

	return a.reserveLocked(sp, addr), nil
}

func checkCapacity(server *models.Server, load int) error {
	if server.Capacity > 0 && load >= server.Capacity {
		return apperrors.NewIPError(apperrors.ErrCodeCapacityExceeded, "server capacity reached", false, nil).
			WithMetadata("server_id", server.ID).
			WithMetadata("capacity", server.Capacity)
	}
	return nil
}

// Claim reserves a specific address for configID if no other active config
// or in-flight reservation holds it. It reports false, without error, when
// the address is taken. counted says whether configID already holds its
// address as an active config; a config coming back from disabled or
// expired is subject to the capacity limit like a new one.
func (a *Allocator) Claim(ctx context.Context, server *models.Server, addr netip.Addr, configID string, counted bool) (*Reservation, bool, error) {
	pool, err := ParsePool(server.PoolBase, server.PoolStart, server.PoolEnd)
	if err != nil {
		return nil, false, err
	}
	if !pool.Contains(addr) {
		return nil, false, nil
	}

	sp := a.pool(server.ID)
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if _, held := sp.reserved[addr]; held {
		return nil, false, nil
	}
	taken, err := a.source.AddressHeldByOther(ctx, server.ID, addr.String(), configID)
	if err != nil {
		return nil, false, err
	}
	if taken {
		return nil, false, nil
	}
	if !counted {
		addrs, err := a.source.ActiveAddresses(ctx, server.ID)
		if err != nil {
			return nil, false, err
		}
		if err := checkCapacity(server, len(addrs)+len(sp.reserved)); err != nil {
			return nil, false, err
		}
	}
	return a.reserveLocked(sp, addr), true, nil
}

// Utilization returns committed and reserved counts for a server.
func (a *Allocator) Utilization(ctx context.Context, server *models.Server) (active, reserved int, err error) {
	addrs, err := a.source.ActiveAddresses(ctx, server.ID)
	if err != nil {
		return 0, 0, err
	}
	sp := a.pool(server.ID)
	sp.mu.Lock()
	reserved = len(sp.reserved)
	sp.mu.Unlock()
	return len(addrs), reserved, nil
}
