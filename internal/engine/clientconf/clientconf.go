// Package clientconf renders and parses the client-side tunnel config and
// its QR code.
package clientconf

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/skip2/go-qrcode"
)

// DefaultKeepalive is the PersistentKeepalive written when none is given.
const DefaultKeepalive = 25

// QRSize is the edge length in pixels of rendered QR images.
const QRSize = 512

// ClientConfig is the content of a client config file.
type ClientConfig struct {
	PrivateKey string
	Address    string
	DNS        string

	PeerPublicKey string
	Endpoint      string
	AllowedIPs    string
	Keepalive     int
}

// FromModels builds the client config for cfg on server.
func FromModels(server *models.Server, cfg *models.VpnConfig) ClientConfig {
	allowed := server.AllowedIPs
	if allowed == "" {
		allowed = "0.0.0.0/0"
	}
	return ClientConfig{
		PrivateKey:    cfg.PrivateKey,
		Address:       withMask(cfg.ClientAddress),
		DNS:           server.DNS,
		PeerPublicKey: server.PublicKey,
		Endpoint:      net.JoinHostPort(server.EndpointHost, strconv.Itoa(server.ListenPort)),
		AllowedIPs:    allowed,
		Keepalive:     DefaultKeepalive,
	}
}

func withMask(addr string) string {
	if addr == "" || strings.Contains(addr, "/") {
		return addr
	}
	return addr + "/32"
}

// Render writes c in the standard INI-like format.
func Render(c ClientConfig) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	fmt.Fprintf(&b, "Address = %s\n", c.Address)
	if c.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", c.DNS)
	}
	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.PeerPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", c.Endpoint)
	fmt.Fprintf(&b, "AllowedIPs = %s\n", c.AllowedIPs)
	if c.Keepalive > 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", c.Keepalive)
	}
	return b.String()
}

// Parse reads a config produced by Render. Unknown keys are rejected.
func Parse(text string) (ClientConfig, error) {
	var c ClientConfig
	section := ""
	seen := map[string]bool{}

	sc := bufio.NewScanner(strings.NewReader(text))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = line[1 : len(line)-1]
			if section != "Interface" && section != "Peer" {
				return ClientConfig{}, fmt.Errorf("line %d: unknown section %q", n, section)
			}
			if seen[section] {
				return ClientConfig{}, fmt.Errorf("line %d: duplicate section %q", n, section)
			}
			seen[section] = true
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return ClientConfig{}, fmt.Errorf("line %d: expected key = value", n)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch section + "." + key {
		case "Interface.PrivateKey":
			c.PrivateKey = value
		case "Interface.Address":
			c.Address = value
		case "Interface.DNS":
			c.DNS = value
		case "Peer.PublicKey":
			c.PeerPublicKey = value
		case "Peer.Endpoint":
			c.Endpoint = value
		case "Peer.AllowedIPs":
			c.AllowedIPs = value
		case "Peer.PersistentKeepalive":
			ka, err := strconv.Atoi(value)
			if err != nil {
				return ClientConfig{}, fmt.Errorf("line %d: PersistentKeepalive: %w", n, err)
			}
			c.Keepalive = ka
		default:
			return ClientConfig{}, fmt.Errorf("line %d: unexpected key %q in section %q", n, key, section)
		}
	}
	if err := sc.Err(); err != nil {
		return ClientConfig{}, err
	}
	if !seen["Interface"] || !seen["Peer"] {
		return ClientConfig{}, fmt.Errorf("config must contain [Interface] and [Peer] sections")
	}
	return c, nil
}

// QR encodes text as a PNG QR code.
func QR(text string) ([]byte, error) {
	png, err := qrcode.Encode(text, qrcode.Medium, QRSize)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}
	return png, nil
}
