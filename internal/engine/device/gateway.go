// Package device abstracts the management interface of router appliances
// hosting tunnel peers. Drivers live in sub-packages; Sessions is the only
// place sessions are opened.
package device

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

// CounterUnknown marks an rx or tx value the device reported but that could
// not be read. Accounting skips peers carrying it.
const CounterUnknown int64 = -1

// Peer is a tunnel peer as reported by a device.
type Peer struct {
	ID             string // driver-specific handle, e.g. a RouterOS .id
	PublicKey      string
	AllowedAddress string
	Comment        string
	Rx             int64 // CounterUnknown when unreadable
	Tx             int64
	Disabled       bool
}

// PeerSpec describes a peer to create.
type PeerSpec struct {
	PublicKey      string
	AllowedAddress string // CIDR, e.g. 10.66.66.2/32
	Comment        string
}

// PeerMatch selects a peer. The first non-empty field in the order public
// key, comment, allowed address decides.
type PeerMatch struct {
	PublicKey      string
	Comment        string
	AllowedAddress string
}

// Matches reports whether p is selected by m.
func (m PeerMatch) Matches(p Peer) bool {
	switch {
	case m.PublicKey != "":
		return p.PublicKey == m.PublicKey
	case m.Comment != "":
		return p.Comment == m.Comment
	case m.AllowedAddress != "":
		return sameAddress(p.AllowedAddress, m.AllowedAddress)
	default:
		return false
	}
}

func (m PeerMatch) String() string {
	switch {
	case m.PublicKey != "":
		return "public-key=" + m.PublicKey
	case m.Comment != "":
		return "comment=" + m.Comment
	default:
		return "allowed-address=" + m.AllowedAddress
	}
}

// FindPeer returns the first peer selected by m.
func FindPeer(peers []Peer, m PeerMatch) (Peer, bool) {
	for _, p := range peers {
		if m.Matches(p) {
			return p, true
		}
	}
	return Peer{}, false
}

// Gateway is a live management session on one device. Implementations are
// not safe for concurrent use; Sessions serializes access.
type Gateway interface {
	ListInterfaces(ctx context.Context) ([]string, error)
	ListPeers(ctx context.Context, iface string) ([]Peer, error)
	// AddPeer treats an existing identical peer as success.
	AddPeer(ctx context.Context, iface string, spec PeerSpec) error
	// SetPeerDisabled returns ErrPeerNotFound when nothing matches.
	SetPeerDisabled(ctx context.Context, iface string, match PeerMatch, disabled bool) error
	// RemovePeer returns ErrPeerNotFound when nothing matches.
	RemovePeer(ctx context.Context, iface string, match PeerMatch) error
	Close() error
}

// Dialer opens a Gateway for a server.
type Dialer interface {
	Dial(ctx context.Context, server *models.Server) (Gateway, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, server *models.Server) (Gateway, error)

func (f DialerFunc) Dial(ctx context.Context, server *models.Server) (Gateway, error) {
	return f(ctx, server)
}

// DriverDialer routes Dial to the dialer registered for the server's driver.
type DriverDialer map[models.DeviceDriver]Dialer

func (d DriverDialer) Dial(ctx context.Context, server *models.Server) (Gateway, error) {
	dialer, ok := d[server.Driver]
	if !ok {
		return nil, fmt.Errorf("no dialer registered for driver %q", server.Driver)
	}
	return dialer.Dial(ctx, server)
}

// Config holds device access settings shared by all drivers.
type Config struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RateLimit caps management calls per second per session; zero disables.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerResetTimeout     time.Duration `mapstructure:"breaker_reset_timeout"`
}

// DefaultConfig returns device settings suitable for small appliances.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:          10 * time.Second,
		RequestTimeout:          15 * time.Second,
		RateLimit:               10,
		RateBurst:               5,
		BreakerFailureThreshold: 3,
		BreakerResetTimeout:     time.Minute,
	}
}

// Comment returns the deterministic peer comment for an owner and address.
func Comment(ownerID int64, address string) string {
	return fmt.Sprintf("u%d-%s", ownerID, HostAddress(address))
}

var commentPattern = regexp.MustCompile(`^u(\d+)-(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})$`)

// ParseComment extracts owner and address from a comment produced by Comment.
func ParseComment(comment string) (ownerID int64, address string, ok bool) {
	m := commentPattern.FindStringSubmatch(strings.TrimSpace(comment))
	if m == nil {
		return 0, "", false
	}
	owner, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return owner, m[2], true
}

// HostAddress strips a /32 suffix.
func HostAddress(address string) string {
	if i := strings.IndexByte(address, '/'); i >= 0 {
		return address[:i]
	}
	return address
}

// HostCIDR returns address as a /32.
func HostCIDR(address string) string {
	return HostAddress(address) + "/32"
}

func sameAddress(a, b string) bool {
	return HostAddress(a) == HostAddress(b)
}
