// Package wgssh drives a Linux WireGuard host over SSH with the wg tool.
//
// WireGuard has no peer comments or disabled flag. A disabled peer is a peer
// without allowed-ips; re-enabling needs the address in the PeerMatch.
package wgssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/device"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/remote/ssh"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/chiquitav2/vpn-provisioner/pkg/crypto"
	"golang.org/x/time/rate"
)

var ifaceName = regexp.MustCompile(`^[a-zA-Z0-9_.=+-]{1,15}$`)

// Dialer returns a device.Dialer for wg-ssh servers.
func Dialer(cfg device.Config, log *logger.Logger) device.Dialer {
	return device.DialerFunc(func(ctx context.Context, server *models.Server) (device.Gateway, error) {
		client, err := ssh.Dial(ctx, ssh.Config{
			Host:           server.Host,
			Port:           server.Port,
			User:           server.Username,
			Password:       server.Password,
			PrivateKeyPath: server.SSHKeyPath,
			Timeout:        cfg.ConnectTimeout,
		}, log)
		if err != nil {
			return nil, err
		}
		return New(client, cfg, log.With(slog.Int64("server_id", server.ID))), nil
	})
}

// Gateway implements device.Gateway on top of an ssh.Runner.
type Gateway struct {
	runner  ssh.Runner
	limiter *rate.Limiter
	logger  *logger.Logger
}

// New wraps runner. The gateway owns runner and closes it.
func New(runner ssh.Runner, cfg device.Config, log *logger.Logger) *Gateway {
	g := &Gateway{runner: runner, logger: log.WithComponent("device.wgssh")}
	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	return g
}

func (g *Gateway) run(ctx context.Context, iface, command string) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", device.Unreachable("rate limiter wait aborted", err)
		}
	}
	out, err := g.runner.Run(ctx, command)
	if err == nil {
		return out, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if iface != "" && isMissingInterface(exitErr.Stderr) {
			return "", device.InterfaceNotFound(iface)
		}
		return "", device.CommandFailed("wg command failed", err)
	}
	return "", device.Classify(err)
}

func isMissingInterface(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such device") || strings.Contains(s, "unable to access interface")
}

func checkIface(iface string) error {
	if !ifaceName.MatchString(iface) {
		return device.InterfaceNotFound(iface)
	}
	return nil
}

// ListInterfaces returns the WireGuard interfaces on the host.
func (g *Gateway) ListInterfaces(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "", "wg show interfaces")
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

// ListPeers parses `wg show <iface> dump`.
func (g *Gateway) ListPeers(ctx context.Context, iface string) ([]device.Peer, error) {
	if err := checkIface(iface); err != nil {
		return nil, err
	}
	out, err := g.run(ctx, iface, fmt.Sprintf("wg show %s dump", iface))
	if err != nil {
		return nil, err
	}
	peers, err := ParseDump(out)
	if err != nil {
		return nil, device.CommandFailed("unparseable wg dump", err)
	}
	return peers, nil
}

// AddPeer sets the peer's allowed-ips, creating it when absent.
func (g *Gateway) AddPeer(ctx context.Context, iface string, spec device.PeerSpec) error {
	if err := checkIface(iface); err != nil {
		return err
	}
	if !crypto.IsValidKey(spec.PublicKey) {
		return device.CommandFailed("invalid public key", nil)
	}
	prefix, err := netip.ParsePrefix(spec.AllowedAddress)
	if err != nil {
		return device.CommandFailed("invalid allowed address", err)
	}

	cmd := fmt.Sprintf("wg set %s peer %s allowed-ips %s", iface, spec.PublicKey, prefix)
	if _, err := g.run(ctx, iface, cmd); err != nil {
		return err
	}
	g.save(ctx, iface)
	return nil
}

// SetPeerDisabled clears or restores the peer's allowed-ips.
func (g *Gateway) SetPeerDisabled(ctx context.Context, iface string, match device.PeerMatch, disabled bool) error {
	peer, err := g.find(ctx, iface, match)
	if err != nil {
		return err
	}

	allowed := "''"
	if !disabled {
		addr := match.AllowedAddress
		if addr == "" {
			addr = peer.AllowedAddress
		}
		prefix, err := netip.ParsePrefix(device.HostCIDR(addr))
		if addr == "" || err != nil {
			return device.CommandFailed("no address to restore for peer", err)
		}
		allowed = prefix.String()
	}

	cmd := fmt.Sprintf("wg set %s peer %s allowed-ips %s", iface, peer.PublicKey, allowed)
	if _, err := g.run(ctx, iface, cmd); err != nil {
		return err
	}
	g.save(ctx, iface)
	return nil
}

// RemovePeer removes the matched peer.
func (g *Gateway) RemovePeer(ctx context.Context, iface string, match device.PeerMatch) error {
	peer, err := g.find(ctx, iface, match)
	if err != nil {
		return err
	}
	if _, err := g.run(ctx, iface, fmt.Sprintf("wg set %s peer %s remove", iface, peer.PublicKey)); err != nil {
		return err
	}
	g.save(ctx, iface)
	return nil
}

// Close closes the SSH connection.
func (g *Gateway) Close() error {
	return g.runner.Close()
}

func (g *Gateway) find(ctx context.Context, iface string, match device.PeerMatch) (device.Peer, error) {
	peers, err := g.ListPeers(ctx, iface)
	if err != nil {
		return device.Peer{}, err
	}
	peer, ok := device.FindPeer(peers, match)
	if !ok {
		return device.Peer{}, device.PeerNotFound(match)
	}
	return peer, nil
}

// save persists runtime state; failure only costs durability across reboots.
func (g *Gateway) save(ctx context.Context, iface string) {
	if _, err := g.run(ctx, iface, "wg-quick save "+iface); err != nil {
		g.logger.DebugContext(ctx, "wg-quick save failed", slog.String("interface", iface), slog.String("error", err.Error()))
	}
}

// ParseDump parses the output of `wg show <iface> dump`. The first line
// describes the interface and is skipped.
func ParseDump(out string) ([]device.Peer, error) {
	var peers []device.Peer
	for i, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if i == 0 || line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 8 {
			parts = strings.Fields(line)
		}
		if len(parts) < 8 {
			return nil, fmt.Errorf("dump line %d: expected 8 fields, got %d", i+1, len(parts))
		}

		rx, err := strconv.ParseInt(parts[5], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("dump line %d: rx: %w", i+1, err)
		}
		tx, err := strconv.ParseInt(parts[6], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("dump line %d: tx: %w", i+1, err)
		}

		peer := device.Peer{
			ID:        parts[0],
			PublicKey: parts[0],
			Rx:        rx,
			Tx:        tx,
		}
		if allowed := parts[3]; allowed == "(none)" || allowed == "" {
			peer.Disabled = true
		} else {
			peer.AllowedAddress = strings.Split(allowed, ",")[0]
		}
		peers = append(peers, peer)
	}
	return peers, nil
}
