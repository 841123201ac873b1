package models

import "time"

// AlertKind names a one-shot notification condition.
type AlertKind string

const (
	AlertLowTraffic AlertKind = "low_traffic"
	AlertExpiryNear AlertKind = "expiry_near"
	AlertThreshold  AlertKind = "threshold"
)

// Notification is an outbox row emitted when an alert condition fires.
type Notification struct {
	ID        int64      `json:"id"`
	ConfigID  string     `json:"config_id"`
	OwnerID   int64      `json:"owner_id"`
	Kind      AlertKind  `json:"kind"`
	Message   string     `json:"message"`
	CreatedAt time.Time  `json:"created_at"`
	AckedAt   *time.Time `json:"acked_at,omitempty"`
}
