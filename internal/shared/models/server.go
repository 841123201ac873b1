package models

import "time"

// DeviceDriver selects the management protocol used for a server.
type DeviceDriver string

const (
	DriverRouterOS DeviceDriver = "routeros"
	DriverWGSSH    DeviceDriver = "wg-ssh"
)

// Server is a router appliance hosting one tunnel interface. Catalog-owned;
// the engine only reads it.
type Server struct {
	ID     int64
	Name   string
	Driver DeviceDriver

	// Management access
	Host       string
	Port       int
	Username   string
	Password   string
	SSHKeyPath string

	// Tunnel
	Interface    string
	PublicKey    string
	EndpointHost string
	ListenPort   int
	DNS          string
	AllowedIPs   string

	// Address pool: PoolBase is a /24 such as 10.66.66.0/24, clients get
	// host numbers in [PoolStart, PoolEnd].
	PoolBase  string
	PoolStart int
	PoolEnd   int
	Capacity  int

	Active    bool
	UpdatedAt time.Time
}

// Plan is a catalog product.
type Plan struct {
	ID           int64
	Name         string
	QuotaBytes   int64 // 0 = unlimited
	DurationDays int
	SingleUse    bool
	UpdatedAt    time.Time
}
