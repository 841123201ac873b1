package api

import "time"

// ConfigInfo is the public view of a provisioned config. Private keys are
// only ever returned inside ClientConfig.
type ConfigInfo struct {
	ID             string     `json:"id"`
	OwnerID        int64      `json:"owner_id"`
	ServerID       int64      `json:"server_id"`
	PlanID         *int64     `json:"plan_id,omitempty"`
	ClientAddress  string     `json:"client_address"`
	PublicKey      string     `json:"public_key"`
	Status         string     `json:"status"`
	IsTest         bool       `json:"is_test"`
	QuotaBytes     int64      `json:"quota_bytes"`
	ConsumedBytes  int64      `json:"consumed_bytes"`
	RemainingBytes int64      `json:"remaining_bytes"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RenewedAt      *time.Time `json:"renewed_at,omitempty"`
}

// CreateConfigResponse carries the new config and its client artifacts.
type CreateConfigResponse struct {
	Config       ConfigInfo `json:"config"`
	ClientConfig string     `json:"client_config"`
	QRImage      []byte     `json:"qr_image"` // PNG, base64 in JSON
	Replayed     bool       `json:"replayed,omitempty"`
}

// RenewConfigResponse reports the new expiry of a renewed config.
type RenewConfigResponse struct {
	ConfigID  string    `json:"config_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Status    string    `json:"status"`
}

// TransitionResponse reports whether a disable or delete changed anything.
type TransitionResponse struct {
	ConfigID     string `json:"config_id"`
	Transitioned bool   `json:"transitioned"`
}

// NotificationInfo is one pending alert.
type NotificationInfo struct {
	ID        int64     `json:"id"`
	ConfigID  string    `json:"config_id"`
	OwnerID   int64     `json:"owner_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationsListResponse lists pending alerts, oldest first.
type NotificationsListResponse struct {
	Notifications []NotificationInfo `json:"notifications"`
	Count         int                `json:"count"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}
