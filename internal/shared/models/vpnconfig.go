package models

import "time"

// ConfigStatus is the lifecycle state of a VpnConfig.
type ConfigStatus string

const (
	StatusActive         ConfigStatus = "active"
	StatusDisabled       ConfigStatus = "disabled"
	StatusExpired        ConfigStatus = "expired"
	StatusDeletedPending ConfigStatus = "deleted_pending"
)

// Renewable reports whether a config in this state may be renewed.
func (s ConfigStatus) Renewable() bool {
	return s == StatusActive || s == StatusDisabled || s == StatusExpired
}

// Accounting holds the durable usage counters of a config.
type Accounting struct {
	CumulativeRx     int64
	CumulativeTx     int64
	LastRxCounter    int64
	LastTxCounter    int64
	CounterResetFlag bool
}

// Consumed returns total bytes in both directions.
func (a Accounting) Consumed() int64 {
	return a.CumulativeRx + a.CumulativeTx
}

// AlertFlags are one-shot notification markers cleared only by renewal.
type AlertFlags struct {
	LowTraffic bool
	ExpiryNear bool
	Threshold  bool
}

// VpnConfig is one provisioned tunnel credential.
type VpnConfig struct {
	ID           string
	OwnerID      int64
	ServerID     int64
	PlanID       *int64
	QuotaBytes   int64 // 0 = unlimited
	DurationDays int
	IsTest       bool

	PrivateKey    string
	PublicKey     string
	ClientAddress string

	Accounting

	Status           ConfigStatus
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RenewedAt        *time.Time
	DisableRequested bool
	Version          int64

	Alerts AlertFlags
}

// RemainingBytes returns quota minus consumption, or -1 when unlimited.
func (c *VpnConfig) RemainingBytes() int64 {
	if c.QuotaBytes <= 0 {
		return -1
	}
	remaining := c.QuotaBytes - c.Consumed()
	if remaining < 0 {
		return 0
	}
	return remaining
}
