package db

import (
	"database/sql"
	"time"
)

type Server struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Driver        string    `json:"driver"`
	Host          string    `json:"host"`
	Port          int64     `json:"port"`
	Username      string    `json:"username"`
	Password      string    `json:"password"`
	SshKeyPath    string    `json:"ssh_key_path"`
	InterfaceName string    `json:"interface_name"`
	PublicKey     string    `json:"public_key"`
	EndpointHost  string    `json:"endpoint_host"`
	ListenPort    int64     `json:"listen_port"`
	Dns           string    `json:"dns"`
	AllowedIps    string    `json:"allowed_ips"`
	PoolBase      string    `json:"pool_base"`
	PoolStart     int64     `json:"pool_start"`
	PoolEnd       int64     `json:"pool_end"`
	Capacity      int64     `json:"capacity"`
	Active        bool      `json:"active"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Plan struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	QuotaBytes   int64     `json:"quota_bytes"`
	DurationDays int64     `json:"duration_days"`
	SingleUse    bool      `json:"single_use"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type VpnConfig struct {
	ID               string        `json:"id"`
	OwnerID          int64         `json:"owner_id"`
	ServerID         int64         `json:"server_id"`
	PlanID           sql.NullInt64 `json:"plan_id"`
	QuotaBytes       int64         `json:"quota_bytes"`
	DurationDays     int64         `json:"duration_days"`
	IsTest           bool          `json:"is_test"`
	PrivateKey       string        `json:"private_key"`
	PublicKey        string        `json:"public_key"`
	ClientAddress    string        `json:"client_address"`
	CumulativeRx     int64         `json:"cumulative_rx"`
	CumulativeTx     int64         `json:"cumulative_tx"`
	LastRxCounter    int64         `json:"last_rx_counter"`
	LastTxCounter    int64         `json:"last_tx_counter"`
	CounterResetFlag bool          `json:"counter_reset_flag"`
	Status           string        `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	RenewedAt        sql.NullTime  `json:"renewed_at"`
	DisableRequested bool          `json:"disable_requested"`
	AlertLowTraffic  bool          `json:"alert_low_traffic"`
	AlertExpiryNear  bool          `json:"alert_expiry_near"`
	AlertThreshold   bool          `json:"alert_threshold"`
	Version          int64         `json:"version"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type Notification struct {
	ID        int64        `json:"id"`
	ConfigID  string       `json:"config_id"`
	OwnerID   int64        `json:"owner_id"`
	Kind      string       `json:"kind"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"created_at"`
	AckedAt   sql.NullTime `json:"acked_at"`
}
