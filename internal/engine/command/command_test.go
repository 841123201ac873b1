package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/peer"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/session"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvisioner struct {
	mu      sync.Mutex
	calls   []string
	creates int
	block   chan struct{}
	err     error
}

func (f *fakeProvisioner) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProvisioner) Create(ctx context.Context, req peer.CreateRequest) (*peer.Result, error) {
	f.record("create")
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()
	return &peer.Result{
		Config:   &models.VpnConfig{ID: "cfg-1", OwnerID: req.OwnerID, ClientAddress: "10.66.66.2"},
		Artifact: peer.Artifact{Text: "[Interface]"},
	}, nil
}

func (f *fakeProvisioner) Renew(ctx context.Context, id string) (*models.VpnConfig, error) {
	f.record("renew " + id)
	return &models.VpnConfig{ID: id}, nil
}

func (f *fakeProvisioner) Disable(ctx context.Context, id string, reason peer.DisableReason) (bool, error) {
	f.record("disable " + id + " " + string(reason))
	return true, nil
}

func (f *fakeProvisioner) Delete(ctx context.Context, id string) error {
	f.record("delete " + id)
	return nil
}

func (f *fakeProvisioner) RenderClientConfig(ctx context.Context, id string) (*peer.Result, error) {
	f.record("show " + id)
	return &peer.Result{Config: &models.VpnConfig{ID: id}, Artifact: peer.Artifact{Text: "conf"}}, nil
}

func newDispatcher(t *testing.T, prov Provisioner, sessions *session.Store) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(Handlers(prov, sessions), logger.NewNop())
	require.NoError(t, err)
	return d
}

func TestNewDispatcherRequiresEveryKind(t *testing.T) {
	handlers := Handlers(&fakeProvisioner{}, nil)
	delete(handlers, KindShowConfig)

	_, err := NewDispatcher(handlers, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(KindShowConfig))

	handlers = Handlers(&fakeProvisioner{}, nil)
	handlers["bogus"] = handlers[KindShowConfig]
	_, err = NewDispatcher(handlers, logger.NewNop())
	assert.Error(t, err)
}

func TestDispatchRoutesEveryKind(t *testing.T) {
	prov := &fakeProvisioner{}
	d := newDispatcher(t, prov, nil)
	ctx := context.Background()

	reply, err := d.Dispatch(ctx, CreateConfig{Request: peer.CreateRequest{OwnerID: 5}})
	require.NoError(t, err)
	assert.Equal(t, "10.66.66.2", reply.Config.ClientAddress)
	assert.Equal(t, "[Interface]", reply.Artifact.Text)

	_, err = d.Dispatch(ctx, RenewConfig{ConfigID: "a"})
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, DisableConfig{ConfigID: "b"})
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, DeleteConfig{ConfigID: "c"})
	require.NoError(t, err)
	reply, err = d.Dispatch(ctx, ShowConfig{ConfigID: "d"})
	require.NoError(t, err)
	assert.Equal(t, "conf", reply.Artifact.Text)

	assert.Equal(t, []string{"create", "renew a", "disable b requested", "delete c", "show d"}, prov.calls)

	_, err = d.Dispatch(ctx, nil)
	assert.Error(t, err)
}

func TestCreateReplaysByRequestID(t *testing.T) {
	prov := &fakeProvisioner{}
	d := newDispatcher(t, prov, session.NewStore(session.Config{}))
	ctx := context.Background()
	cmd := CreateConfig{RequestID: "req-1", Request: peer.CreateRequest{OwnerID: 5}}

	first, err := d.Dispatch(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := d.Dispatch(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Config.ID, again.Config.ID)
	assert.Equal(t, 1, prov.creates)
}

func TestCreateRejectsConcurrentForSameOwner(t *testing.T) {
	prov := &fakeProvisioner{block: make(chan struct{})}
	d := newDispatcher(t, prov, session.NewStore(session.Config{}))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, CreateConfig{RequestID: "a", Request: peer.CreateRequest{OwnerID: 5}})
		done <- err
	}()
	require.Eventually(t, func() bool {
		prov.mu.Lock()
		defer prov.mu.Unlock()
		return len(prov.calls) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := d.Dispatch(ctx, CreateConfig{RequestID: "b", Request: peer.CreateRequest{OwnerID: 5}})
	assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeInFlight))

	close(prov.block)
	require.NoError(t, <-done)

	_, err = d.Dispatch(ctx, CreateConfig{RequestID: "b", Request: peer.CreateRequest{OwnerID: 5}})
	assert.NoError(t, err)
}

func TestCreateFailureReleasesOwner(t *testing.T) {
	prov := &fakeProvisioner{err: apperrors.ErrPoolExhausted}
	d := newDispatcher(t, prov, session.NewStore(session.Config{}))
	ctx := context.Background()
	cmd := CreateConfig{RequestID: "req-1", Request: peer.CreateRequest{OwnerID: 5}}

	_, err := d.Dispatch(ctx, cmd)
	assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)

	prov.err = nil
	reply, err := d.Dispatch(ctx, cmd)
	require.NoError(t, err)
	assert.False(t, reply.Replayed)
}
