package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	gookitEvent "github.com/gookit/event"
)

var ErrBusClosed = errors.New("event bus is closed")

// Priority orders handlers of one event type; higher runs first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

var gookitPriority = map[Priority]int{
	PriorityLow:    gookitEvent.Low,
	PriorityNormal: gookitEvent.Normal,
	PriorityHigh:   gookitEvent.High,
}

type Health struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
	LastError   string `json:"last_error,omitempty"`
}

const (
	keyEvent = "event"
	keyCtx   = "ctx"
)

// Bus fans engine events out to in-process handlers on the caller's
// goroutine, backed by a gookit/event manager.
type Bus struct {
	manager *gookitEvent.Manager
	log     *logger.Logger

	mu          sync.RWMutex
	subscribers int
	lastError   error
	closed      bool
}

func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		manager: gookitEvent.NewManager("vpn-provisioner"),
		log:     log.WithComponent("events"),
	}
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Publish delivers e to the handlers of e.Type. The first handler error
// aborts delivery and is returned to the publisher.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if b.isClosed() {
		return ErrBusClosed
	}
	b.log.DebugContext(ctx, "publish", slog.String("type", e.Type), slog.String("event_id", e.ID))

	if err, _ := b.manager.Fire(e.Type, gookitEvent.M{keyEvent: e, keyCtx: ctx}); err != nil {
		b.mu.Lock()
		b.lastError = err
		b.mu.Unlock()
		b.log.ErrorCtx(ctx, "event handler failed", err, slog.String("type", e.Type), slog.String("event_id", e.ID))
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (b *Bus) Subscribe(eventType string, handler Handler) error {
	return b.SubscribeWithPriority(eventType, handler, PriorityNormal)
}

func (b *Bus) SubscribeWithPriority(eventType string, handler Handler, priority Priority) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	p, ok := gookitPriority[priority]
	if !ok {
		p = gookitEvent.Normal
	}
	b.manager.On(eventType, listener(handler), p)
	b.subscribers++
	return nil
}

// listener unpacks the engine event and its context from a gookit event.
func listener(handler Handler) gookitEvent.ListenerFunc {
	return func(ge gookitEvent.Event) error {
		e, ok := ge.Get(keyEvent).(Event)
		if !ok {
			return fmt.Errorf("event %s: payload is %T", ge.Name(), ge.Get(keyEvent))
		}
		ctx, _ := ge.Get(keyCtx).(context.Context)
		if ctx == nil {
			ctx = context.Background()
		}
		return handler(ctx, e)
	}
}

// Close unsubscribes everything; later Publish and Subscribe calls fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.manager.Clear()
		b.closed = true
	}
	return nil
}

// Health is unhealthy once closed and degraded after any handler error.
func (b *Bus) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := Health{Status: "healthy", Subscribers: b.subscribers}
	if b.lastError != nil {
		h.Status, h.LastError = "degraded", b.lastError.Error()
	}
	if b.closed {
		h.Status = "unhealthy"
	}
	return h
}

// LogSubscriber writes an info line per event, after every other handler.
func LogSubscriber(b *Bus, log *logger.Logger) error {
	l := log.WithComponent("events.log")
	handler := func(ctx context.Context, e Event) error {
		attrs := []any{slog.String("event_id", e.ID), slog.String("type", e.Type)}
		if e.ConfigID != "" {
			attrs = append(attrs, slog.String("config_id", e.ConfigID))
		}
		if e.OwnerID != 0 {
			attrs = append(attrs, slog.Int64("owner_id", e.OwnerID))
		}
		if e.ServerID != 0 {
			attrs = append(attrs, slog.Int64("server_id", e.ServerID))
		}
		for k, v := range e.Data {
			attrs = append(attrs, slog.Any(k, v))
		}
		l.InfoContext(ctx, "event", attrs...)
		return nil
	}
	for _, t := range AllTypes {
		if err := b.SubscribeWithPriority(t, handler, PriorityLow); err != nil {
			return err
		}
	}
	return nil
}
