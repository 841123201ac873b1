// Package scheduler drives the reconcile and lifecycle passes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
)

// Task is a periodic pass. Runs of one task never overlap; a tick that
// arrives while a run is in progress is dropped.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Manager runs each task on its own goroutine.
type Manager struct {
	tasks []Task
	log   *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(log *logger.Logger, tasks ...Task) (*Manager, error) {
	for _, t := range tasks {
		switch {
		case t.Interval <= 0:
			return nil, fmt.Errorf("scheduler task %q: interval must be positive", t.Name)
		case t.Run == nil:
			return nil, fmt.Errorf("scheduler task %q: missing Run", t.Name)
		}
	}
	return &Manager{tasks: tasks, log: log.WithComponent("scheduler")}, nil
}

// Start runs every task once right away and then on each tick, until Stop
// is called or ctx ends. Starting a running manager does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	var wg sync.WaitGroup
	for _, t := range m.tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.loop(ctx, t)
		}()
	}
	go func(done chan struct{}) {
		wg.Wait()
		close(done)
	}(m.done)
	m.log.Info("scheduler started", slog.Int("tasks", len(m.tasks)))
}

// Stop cancels the loops and waits for in-flight runs to return. If ctx
// ends first the manager stays running and Stop may be called again.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.done:
	case <-ctx.Done():
		m.log.Warn("scheduler stop timed out waiting for running passes")
		return ctx.Err()
	}
	m.done, m.cancel = nil, nil
	m.log.Info("scheduler stopped")
	return nil
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done != nil
}

func (m *Manager) loop(ctx context.Context, t Task) {
	log := m.log.With(slog.String("task", t.Name))
	tick := time.NewTicker(t.Interval)
	defer tick.Stop()

	for {
		m.runOnce(ctx, t, log)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// runOnce isolates a run so an error or panic only costs one pass.
func (m *Manager) runOnce(ctx context.Context, t Task, log *logger.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("pass panicked", slog.Any("panic", r))
		}
	}()
	began := time.Now()
	err := t.Run(ctx)
	switch {
	case err != nil && ctx.Err() == nil:
		log.ErrorCtx(ctx, "pass failed", err, slog.Duration("took", time.Since(began)))
	case err == nil:
		log.Debug("pass finished", slog.Duration("took", time.Since(began)))
	}
}
