package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerValidatesTasks(t *testing.T) {
	_, err := NewManager(logger.NewNop(), Task{Name: "zero", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)

	_, err = NewManager(logger.NewNop(), Task{Name: "norun", Interval: time.Second})
	assert.Error(t, err)
}

func TestTasksRunImmediatelyAndOnTick(t *testing.T) {
	var fast, failing atomic.Int32
	m, err := NewManager(logger.NewNop(),
		Task{Name: "fast", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
			fast.Add(1)
			return nil
		}},
		Task{Name: "failing", Interval: 10 * time.Millisecond, Run: func(context.Context) error {
			if failing.Add(1) == 1 {
				panic("first run")
			}
			return errors.New("still failing")
		}},
	)
	require.NoError(t, err)

	m.Start(context.Background())
	assert.True(t, m.IsRunning())

	assert.Eventually(t, func() bool { return fast.Load() >= 3 && failing.Load() >= 3 }, time.Second, 5*time.Millisecond,
		"errors and panics do not stop a loop")

	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.IsRunning())

	after := fast.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, fast.Load())
}

func TestStopWaitsForRunningTask(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	m, err := NewManager(logger.NewNop(), Task{Name: "slow", Interval: time.Hour, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	require.NoError(t, err)
	m.Start(context.Background())
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Stop(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, m.Stop(context.Background()))
}
