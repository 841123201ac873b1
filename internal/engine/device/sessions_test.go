package device_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/device"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/device/devicetest"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() device.Config {
	cfg := device.DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	cfg.ConnectTimeout = 50 * time.Millisecond
	return cfg
}

func TestSessionsSerializePerServer(t *testing.T) {
	dev := devicetest.NewFakeDevice("wg0")
	sessions := device.NewSessions(dev.Dialer(), testConfig(), logger.NewNop())
	server := &models.Server{ID: 1, Interface: "wg0"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sessions.Do(context.Background(), server, func(ctx context.Context, gw device.Gateway) error {
				_, err := gw.ListPeers(ctx, "wg0")
				time.Sleep(2 * time.Millisecond)
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, dev.Dials)
	assert.Equal(t, 1, dev.MaxOpen, "never more than one open session per server")
	assert.Zero(t, dev.Open, "every session closed")
}

// blockingGateway hangs every call until its context ends.
type blockingGateway struct {
	closed bool
}

func (b *blockingGateway) ListInterfaces(ctx context.Context) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingGateway) ListPeers(ctx context.Context, iface string) ([]device.Peer, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingGateway) AddPeer(ctx context.Context, iface string, spec device.PeerSpec) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingGateway) SetPeerDisabled(ctx context.Context, iface string, match device.PeerMatch, disabled bool) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingGateway) RemovePeer(ctx context.Context, iface string, match device.PeerMatch) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingGateway) Close() error {
	b.closed = true
	return nil
}

func TestSessionsTimeoutTearsDown(t *testing.T) {
	gw := &blockingGateway{}
	dialer := device.DialerFunc(func(ctx context.Context, _ *models.Server) (device.Gateway, error) {
		return gw, nil
	})
	sessions := device.NewSessions(dialer, testConfig(), logger.NewNop())

	var second error
	err := sessions.Do(context.Background(), &models.Server{ID: 1}, func(ctx context.Context, g device.Gateway) error {
		_, err := g.ListPeers(ctx, "wg0")
		second = g.AddPeer(ctx, "wg0", device.PeerSpec{PublicKey: "pk"})
		return err
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDeviceUnreachable)
	assert.ErrorIs(t, second, apperrors.ErrDeviceUnreachable)
	assert.True(t, gw.closed)
}

func TestSessionsUnreachableTearsDownSession(t *testing.T) {
	dev := devicetest.NewFakeDevice("wg0")
	dev.ListErr = device.Unreachable("connection reset", errors.New("EOF"))
	sessions := device.NewSessions(dev.Dialer(), testConfig(), logger.NewNop())
	server := &models.Server{ID: 1}

	var addErr error
	err := sessions.Do(context.Background(), server, func(ctx context.Context, gw device.Gateway) error {
		_, err := gw.ListPeers(ctx, "wg0")
		addErr = gw.AddPeer(ctx, "wg0", device.PeerSpec{PublicKey: "pk"})
		return err
	})

	assert.ErrorIs(t, err, apperrors.ErrDeviceUnreachable)
	assert.ErrorIs(t, addErr, apperrors.ErrDeviceUnreachable, "calls after teardown fail fast")
	assert.Empty(t, dev.Peers("wg0"))
	assert.Zero(t, dev.Open)
}

func TestSessionsBreakerOpensAfterRepeatedDialFailures(t *testing.T) {
	dev := devicetest.NewFakeDevice("wg0")
	cfg := testConfig()
	cfg.BreakerFailureThreshold = 2
	cfg.BreakerResetTimeout = time.Hour
	sessions := device.NewSessions(dev.Dialer(), cfg, logger.NewNop())
	server := &models.Server{ID: 7}
	noop := func(ctx context.Context, gw device.Gateway) error { return nil }

	for i := 0; i < 2; i++ {
		dev.DialErr = context.DeadlineExceeded
		err := sessions.Do(context.Background(), server, noop)
		assert.ErrorIs(t, err, apperrors.ErrDeviceUnreachable)
	}
	dev.DialErr = nil

	err := sessions.Do(context.Background(), server, noop)
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeCircuitOpen))
	assert.Equal(t, device.CircuitStateOpen, sessions.BreakerState(server))
	assert.Equal(t, 2, dev.Dials, "open breaker does not dial")

	// other servers are unaffected
	require.NoError(t, sessions.Do(context.Background(), &models.Server{ID: 8}, noop))
}

func TestSessionsRespectContextWhileWaiting(t *testing.T) {
	dev := devicetest.NewFakeDevice("wg0")
	sessions := device.NewSessions(dev.Dialer(), testConfig(), logger.NewNop())
	server := &models.Server{ID: 1}

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = sessions.Do(context.Background(), server, func(ctx context.Context, gw device.Gateway) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sessions.Do(ctx, server, func(ctx context.Context, gw device.Gateway) error { return nil })
	close(hold)

	assert.ErrorIs(t, err, apperrors.ErrDeviceUnreachable)
}
