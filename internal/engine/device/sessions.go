package device

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/metrics"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"golang.org/x/sync/semaphore"
)

// SessionFunc does work against one open gateway.
type SessionFunc func(ctx context.Context, gw Gateway) error

// Sessions owns device access. At most one session per server is open at a
// time; sessions on different servers run concurrently.
type Sessions struct {
	dialer Dialer
	config Config
	logger *logger.Logger

	mu    sync.Mutex
	gates map[int64]*serverGate
}

type serverGate struct {
	sem     *semaphore.Weighted
	breaker *CircuitBreaker
}

// NewSessions creates the session manager.
func NewSessions(dialer Dialer, config Config, log *logger.Logger) *Sessions {
	return &Sessions{
		dialer: dialer,
		config: config,
		logger: log.WithComponent("device.sessions"),
		gates:  make(map[int64]*serverGate),
	}
}

func (s *Sessions) gate(server *models.Server) *serverGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[server.ID]
	if !ok {
		g = &serverGate{
			sem: semaphore.NewWeighted(1),
			breaker: NewCircuitBreaker(s.config.BreakerFailureThreshold, s.config.BreakerResetTimeout,
				s.logger.With("server_id", server.ID)),
		}
		s.gates[server.ID] = g
	}
	return g
}

// BreakerState returns the circuit state for a server.
func (s *Sessions) BreakerState(server *models.Server) CircuitState {
	return s.gate(server).breaker.State()
}

// Do opens a session on server, runs fn and closes the session. Each gateway
// call inside fn is bounded by the request timeout.
func (s *Sessions) Do(ctx context.Context, server *models.Server, fn SessionFunc) (err error) {
	g := s.gate(server)
	serverLabel := strconv.FormatInt(server.ID, 10)

	defer func() {
		if err != nil {
			metrics.DeviceErrorsTotal.WithLabelValues(serverLabel, apperrors.GetErrorCode(err)).Inc()
		}
	}()

	if !g.breaker.Allow() {
		return apperrors.NewDeviceError(apperrors.ErrCodeCircuitOpen, "device temporarily skipped after repeated failures", true, nil).
			WithMetadata("server_id", server.ID).
			WithMetadata("retry_in", g.breaker.RetryIn().String())
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return Unreachable("waiting for device session", err)
	}
	defer g.sem.Release(1)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DeviceSessionDuration.WithLabelValues(serverLabel))

	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	raw, err := s.dialer.Dial(dialCtx, server)
	cancel()
	if err != nil {
		err = Classify(err)
		s.record(g, err)
		return err
	}

	gw := &timeoutGateway{inner: raw, timeout: s.config.RequestTimeout}
	defer func() {
		if cerr := gw.Close(); cerr != nil {
			s.logger.Debug("closing device session", "server_id", server.ID, "error", cerr)
		}
	}()

	err = fn(ctx, gw)
	s.record(g, err)
	return err
}

func (s *Sessions) record(g *serverGate, err error) {
	if apperrors.IsErrorCode(err, apperrors.ErrCodeDeviceUnreachable) {
		g.breaker.OnFailure()
		return
	}
	g.breaker.OnSuccess()
}

// timeoutGateway bounds each call and tears the session down on timeout or
// auth failure so later calls in the same session fail fast.
type timeoutGateway struct {
	inner   Gateway
	timeout time.Duration
	broken  error
	closed  bool
}

func (g *timeoutGateway) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.broken != nil {
		return Unreachable("session torn down after earlier failure", g.broken)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && !apperrors.IsDomainError(err) {
		err = Unreachable("device call timed out", ctx.Err())
	} else {
		err = Classify(err)
	}
	if tearsDown(err) {
		g.broken = err
		g.closeInner()
	}
	return err
}

func (g *timeoutGateway) ListInterfaces(ctx context.Context) ([]string, error) {
	var out []string
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.ListInterfaces(ctx)
		return err
	})
	return out, err
}

func (g *timeoutGateway) ListPeers(ctx context.Context, iface string) ([]Peer, error) {
	var out []Peer
	err := g.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = g.inner.ListPeers(ctx, iface)
		return err
	})
	return out, err
}

func (g *timeoutGateway) AddPeer(ctx context.Context, iface string, spec PeerSpec) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.inner.AddPeer(ctx, iface, spec)
	})
}

func (g *timeoutGateway) SetPeerDisabled(ctx context.Context, iface string, match PeerMatch, disabled bool) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.inner.SetPeerDisabled(ctx, iface, match, disabled)
	})
}

func (g *timeoutGateway) RemovePeer(ctx context.Context, iface string, match PeerMatch) error {
	return g.call(ctx, func(ctx context.Context) error {
		return g.inner.RemovePeer(ctx, iface, match)
	})
}

func (g *timeoutGateway) Close() error {
	return g.closeInner()
}

func (g *timeoutGateway) closeInner() error {
	if g.closed {
		return nil
	}
	g.closed = true
	return g.inner.Close()
}
