package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	engineapi "github.com/chiquitav2/vpn-provisioner/internal/engine/api"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/command"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/device"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/device/devicetest"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/ip"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/peer"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/session"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/store"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/chiquitav2/vpn-provisioner/pkg/api"
	"github.com/chiquitav2/vpn-provisioner/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvelope(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fastClient(url string, opts ...Option) *Client {
	return New(url, logger.NewNop(), append([]Option{WithRetry(3, time.Millisecond)}, opts...)...)
}

func TestCreateRetriesWithSameIdempotencyKey(t *testing.T) {
	var mu sync.Mutex
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(IdempotencyKeyHeader))
		n := len(keys)
		mu.Unlock()

		if n == 1 {
			w.Header().Set("Retry-After", "0")
			writeEnvelope(w, http.StatusServiceUnavailable, api.Response[any]{
				Error: &api.ErrorInfo{Code: apperrors.ErrCodeDeviceUnreachable, Message: "down", Retryable: true},
			})
			return
		}
		writeEnvelope(w, http.StatusCreated, api.Response[api.CreateConfigResponse]{
			Success: true,
			Data:    api.CreateConfigResponse{Config: api.ConfigInfo{ID: "cfg-1"}},
		})
	}))
	defer srv.Close()

	resp, err := fastClient(srv.URL).CreateConfig(context.Background(), api.CreateConfigRequest{ServerID: 1, OwnerID: 1}, "")
	require.NoError(t, err)
	assert.Equal(t, "cfg-1", resp.Config.ID)

	require.Len(t, keys, 2)
	assert.NotEmpty(t, keys[0])
	assert.Equal(t, keys[0], keys[1])
}

func TestNonRetryableErrorReturnedOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusNotFound, api.Response[any]{
			Error: &api.ErrorInfo{Code: apperrors.ErrCodeConfigNotFound, Message: "not found", RequestID: "req-9"},
		})
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).GetConfig(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsCode(err, apperrors.ErrCodeConfigNotFound))
	assert.Contains(t, err.Error(), "req-9")
	assert.EqualValues(t, 1, calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestRetryableErrorGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusConflict, api.Response[any]{
			Error: &api.ErrorInfo{Code: apperrors.ErrCodeInFlight, Message: "busy", Retryable: true},
		})
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).DisableConfig(context.Background(), "cfg-1")
	assert.True(t, IsCode(err, apperrors.ErrCodeInFlight))
	assert.EqualValues(t, 3, calls.Load())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestTransportErrorsRetriedOnlyWhenIdempotent(t *testing.T) {
	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})}
	c := fastClient("http://provisioner.invalid", WithHTTPClient(hc))

	_, err := c.GetConfig(context.Background(), "cfg-1")
	require.Error(t, err)
	assert.EqualValues(t, 3, calls.Load())

	calls.Store(0)
	_, err = c.RenewConfig(context.Background(), "cfg-1")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "renew must not be replayed after a transport failure")
}

func TestRetryAfterHonoredAndCapped(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "30")
			writeEnvelope(w, http.StatusServiceUnavailable, api.Response[any]{
				Error: &api.ErrorInfo{Code: apperrors.ErrCodeCircuitOpen, Message: "open", Retryable: true},
			})
			return
		}
		writeEnvelope(w, http.StatusOK, api.Response[api.TransitionResponse]{Success: true, Data: api.TransitionResponse{ConfigID: "cfg-1"}})
	}))
	defer srv.Close()

	start := time.Now()
	_, err := fastClient(srv.URL, WithMaxWait(20*time.Millisecond)).DeleteConfig(context.Background(), "cfg-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func newEngineServer(t *testing.T) (*httptest.Server, *devicetest.FakeDevice) {
	t.Helper()
	log := logger.NewNop()
	st := store.NewTestStore(t)
	store.SeedServer(t, st, models.Server{ID: 1})
	dev := devicetest.NewFakeDevice("wg0")

	devCfg := device.DefaultConfig()
	devCfg.BreakerFailureThreshold = 0
	var seq atomic.Int64
	prov := peer.NewProvisioner(st, ip.NewAllocator(st, log), device.NewSessions(dev.Dialer(), devCfg, log),
		crypto.NewKeyGenerator(nil), log,
		peer.WithIDs(func() string { return fmt.Sprintf("cfg-%d", seq.Add(1)) }))
	dispatcher, err := command.NewDispatcher(command.Handlers(prov, session.NewStore(session.Config{})), log)
	require.NoError(t, err)

	handler := engineapi.NewServer(engineapi.ServerConfig{Version: "test"}, dispatcher, st,
		map[string]engineapi.HealthCheck{"database": st.Ping}, log).Handler()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, dev
}

func TestClientAgainstEngine(t *testing.T) {
	srv, dev := newEngineServer(t)
	ctx := context.Background()
	c := fastClient(srv.URL)

	created, err := c.CreateConfig(ctx, api.CreateConfigRequest{ServerID: 1, OwnerID: 7, QuotaBytes: 1 << 30, DurationDays: 30}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "10.66.66.2", created.Config.ClientAddress)

	again, err := c.CreateConfig(ctx, api.CreateConfigRequest{ServerID: 1, OwnerID: 7, QuotaBytes: 1 << 30, DurationDays: 30}, "key-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Len(t, dev.Peers("wg0"), 1)

	info, err := c.GetConfig(ctx, created.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", info.Status)

	text, err := c.ClientConfig(ctx, created.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ClientConfig, text)

	png, err := c.QRCode(ctx, created.Config.ID)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	tr, err := c.DisableConfig(ctx, created.Config.ID)
	require.NoError(t, err)
	assert.True(t, tr.Transitioned)

	renewed, err := c.RenewConfig(ctx, created.Config.ID)
	require.NoError(t, err)
	assert.Equal(t, "active", renewed.Status)

	_, err = c.DeleteConfig(ctx, created.Config.ID)
	require.NoError(t, err)
	_, err = c.GetConfig(ctx, created.Config.ID)
	assert.True(t, IsCode(err, apperrors.ErrCodeConfigNotFound))

	list, err := c.ListNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, list.Count)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}
