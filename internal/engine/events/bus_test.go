package events

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ctxKey struct{}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus(logger.NewNop())

	var got []Event
	var gotCtx context.Context
	require.NoError(t, bus.Subscribe(ConfigCreated, func(ctx context.Context, e Event) error {
		got = append(got, e)
		gotCtx = ctx
		return nil
	}))

	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	e := New(ConfigCreated).With("address", "10.66.66.2")
	e.ConfigID = "cfg-1"
	require.NoError(t, bus.Publish(ctx, e))
	require.NoError(t, bus.Publish(ctx, New(ConfigDeleted)))

	require.Len(t, got, 1)
	assert.Equal(t, "cfg-1", got[0].ConfigID)
	assert.Equal(t, "10.66.66.2", got[0].Data["address"])
	assert.Equal(t, "v", gotCtx.Value(ctxKey{}))
	assert.Equal(t, "healthy", bus.Health().Status)
}

func TestPublishHandlerError(t *testing.T) {
	bus := NewBus(logger.NewNop())
	require.NoError(t, bus.Subscribe(AlertRaised, func(ctx context.Context, e Event) error {
		return errors.New("boom")
	}))

	assert.Error(t, bus.Publish(context.Background(), New(AlertRaised)))
	assert.Equal(t, "degraded", bus.Health().Status)
}

func TestClose(t *testing.T) {
	bus := NewBus(logger.NewNop())
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), New(ConfigCreated)), ErrBusClosed)
	assert.ErrorIs(t, bus.Subscribe(ConfigCreated, func(context.Context, Event) error { return nil }), ErrBusClosed)
	assert.Equal(t, "unhealthy", bus.Health().Status)
}

func TestWithDoesNotMutate(t *testing.T) {
	a := New(ConfigRenewed).With("k", 1)
	b := a.With("k", 2)
	assert.Equal(t, 1, a.Data["k"])
	assert.Equal(t, 2, b.Data["k"])
}

func TestLogSubscriber(t *testing.T) {
	var buf bytes.Buffer
	cfg := logger.DefaultConfig()
	cfg.Format = logger.FormatJSON
	log := logger.NewWithWriter(cfg, &buf)

	bus := NewBus(log)
	require.NoError(t, LogSubscriber(bus, log))

	e := New(ConfigDisabled)
	e.ConfigID = "cfg-9"
	require.NoError(t, bus.Publish(context.Background(), e))
	assert.Contains(t, buf.String(), `"config_id":"cfg-9"`)
	assert.Contains(t, buf.String(), `"type":"config.disabled"`)
}
