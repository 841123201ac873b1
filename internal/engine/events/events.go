// Package events is the in-process event bus for provisioning, lifecycle and
// notification events.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	ConfigCreated  = "config.created"
	ConfigRenewed  = "config.renewed"
	ConfigDisabled = "config.disabled"
	ConfigDeleted  = "config.deleted"
	AlertRaised    = "notification.alert"
	ReconcileDone  = "reconcile.completed"
)

// AllTypes lists every event type the engine publishes.
var AllTypes = []string{ConfigCreated, ConfigRenewed, ConfigDisabled, ConfigDeleted, AlertRaised, ReconcileDone}

// Event is a published fact about a config or a background pass.
type Event struct {
	ID        string
	Type      string
	Timestamp time.Time
	ConfigID  string
	OwnerID   int64
	ServerID  int64
	Data      map[string]any
}

// New creates an event with a fresh id.
func New(eventType string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// With returns a copy of e with key set in Data.
func (e Event) With(key string, value any) Event {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

// Handler processes one event.
type Handler func(ctx context.Context, e Event) error

// Publisher is the publishing side of the bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
