// Package routeros drives MikroTik RouterOS WireGuard peers over the
// management API.
package routeros

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/device"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	ros "github.com/go-routeros/routeros/v3"
	"golang.org/x/time/rate"
)

const defaultAPIPort = 8728

const peerProps = ".id,interface,public-key,allowed-address,comment,rx,tx,disabled"

// runner executes one API sentence and returns the !re records.
type runner interface {
	RunArgs(sentence []string) ([]map[string]string, error)
	Close() error
}

type clientRunner struct {
	client *ros.Client
}

func (r clientRunner) RunArgs(sentence []string) ([]map[string]string, error) {
	reply, err := r.client.RunArgs(sentence)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		out = append(out, re.Map)
	}
	return out, nil
}

func (r clientRunner) Close() error {
	return r.client.Close()
}

// Dialer returns a device.Dialer for RouterOS servers.
func Dialer(cfg device.Config, log *logger.Logger) device.Dialer {
	return device.DialerFunc(func(ctx context.Context, server *models.Server) (device.Gateway, error) {
		port := server.Port
		if port == 0 {
			port = defaultAPIPort
		}
		addr := net.JoinHostPort(server.Host, strconv.Itoa(port))

		d := net.Dialer{Timeout: cfg.ConnectTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, device.Unreachable("failed to connect to management API", err)
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}

		client, err := ros.NewClient(conn)
		if err != nil {
			conn.Close()
			return nil, device.Unreachable("management API handshake failed", err)
		}
		if err := client.Login(server.Username, server.Password); err != nil {
			client.Close()
			var devErr *ros.DeviceError
			if errors.As(err, &devErr) {
				return nil, device.AuthFailed("management API login rejected", err)
			}
			return nil, device.Classify(err)
		}

		return newGateway(clientRunner{client: client}, conn, cfg, log.With(slog.Int64("server_id", server.ID))), nil
	})
}

// Gateway implements device.Gateway for RouterOS.
type Gateway struct {
	api     runner
	conn    net.Conn
	limiter *rate.Limiter
	logger  *logger.Logger

	mu     sync.Mutex
	closed bool
}

func newGateway(api runner, conn net.Conn, cfg device.Config, log *logger.Logger) *Gateway {
	g := &Gateway{api: api, conn: conn, logger: log.WithComponent("device.routeros")}
	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	return g
}

// run executes sentence, aborting the connection when ctx ends first. The
// API client has no cancellation of its own.
func (g *Gateway) run(ctx context.Context, sentence ...string) ([]map[string]string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, device.Unreachable("rate limiter wait aborted", err)
		}
	}
	if g.conn != nil {
		if deadline, ok := ctx.Deadline(); ok {
			_ = g.conn.SetDeadline(deadline)
		}
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = g.Close()
		case <-done:
		}
	}()
	records, err := g.api.RunArgs(sentence)
	close(done)

	if ctx.Err() != nil {
		return nil, device.Unreachable("management API call interrupted", ctx.Err())
	}
	if err != nil {
		var devErr *ros.DeviceError
		if errors.As(err, &devErr) {
			return nil, deviceError(err)
		}
		return nil, device.Classify(err)
	}
	return records, nil
}

// deviceError maps a !trap reply onto a domain error.
func deviceError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such item"):
		return device.PeerNotFound(device.PeerMatch{})
	case strings.Contains(msg, "not logged in"), strings.Contains(msg, "permission"):
		return device.AuthFailed("management API refused command", err)
	default:
		return device.CommandFailed("management API command failed", err)
	}
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already have") || strings.Contains(msg, "already exists")
}

// ListInterfaces returns the WireGuard interface names.
func (g *Gateway) ListInterfaces(ctx context.Context) ([]string, error) {
	records, err := g.run(ctx, "/interface/wireguard/print", "=.proplist=name")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r["name"])
	}
	return names, nil
}

func (g *Gateway) checkInterface(ctx context.Context, iface string) error {
	records, err := g.run(ctx, "/interface/wireguard/print", "=.proplist=name", "?name="+iface)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return device.InterfaceNotFound(iface)
	}
	return nil
}

// ListPeers returns the peers on iface with their counters.
func (g *Gateway) ListPeers(ctx context.Context, iface string) ([]device.Peer, error) {
	if err := g.checkInterface(ctx, iface); err != nil {
		return nil, err
	}
	records, err := g.run(ctx, "/interface/wireguard/peers/print", "=.proplist="+peerProps, "?interface="+iface)
	if err != nil {
		return nil, err
	}
	peers := make([]device.Peer, 0, len(records))
	for _, r := range records {
		peers = append(peers, PeerFromRecord(r))
	}
	return peers, nil
}

// AddPeer creates the peer. A peer that already exists counts as success.
func (g *Gateway) AddPeer(ctx context.Context, iface string, spec device.PeerSpec) error {
	if err := g.checkInterface(ctx, iface); err != nil {
		return err
	}
	_, err := g.run(ctx, AddPeerSentence(iface, spec)...)
	if err != nil && isAlreadyExists(err) {
		g.logger.DebugContext(ctx, "peer already present", slog.String("comment", spec.Comment))
		return nil
	}
	return err
}

// SetPeerDisabled toggles the peer's disabled flag.
func (g *Gateway) SetPeerDisabled(ctx context.Context, iface string, match device.PeerMatch, disabled bool) error {
	peer, err := g.find(ctx, iface, match)
	if err != nil {
		return err
	}
	_, err = g.run(ctx, "/interface/wireguard/peers/set", "=.id="+peer.ID, "=disabled="+yesNo(disabled))
	return g.notFound(err, match)
}

// RemovePeer deletes the matched peer.
func (g *Gateway) RemovePeer(ctx context.Context, iface string, match device.PeerMatch) error {
	peer, err := g.find(ctx, iface, match)
	if err != nil {
		return err
	}
	_, err = g.run(ctx, "/interface/wireguard/peers/remove", "=.id="+peer.ID)
	return g.notFound(err, match)
}

// Close closes the API connection. Safe to call more than once.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.api.Close()
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

// notFound re-attaches the match to a peer_not_found raised between find and
// the mutation.
func (g *Gateway) notFound(err error, match device.PeerMatch) error {
	if device.IsPeerNotFound(err) {
		return device.PeerNotFound(match)
	}
	return err
}

// AddPeerSentence builds the API sentence that creates a peer.
func AddPeerSentence(iface string, spec device.PeerSpec) []string {
	sentence := []string{
		"/interface/wireguard/peers/add",
		"=interface=" + iface,
		"=public-key=" + spec.PublicKey,
		"=allowed-address=" + spec.AllowedAddress,
	}
	if spec.Comment != "" {
		sentence = append(sentence, "=comment="+spec.Comment)
	}
	return sentence
}

// PeerFromRecord converts a print record. A missing or garbled counter
// becomes device.CounterUnknown rather than zero, which would read as a reset.
func PeerFromRecord(r map[string]string) device.Peer {
	return device.Peer{
		ID:             r[".id"],
		PublicKey:      r["public-key"],
		AllowedAddress: firstAddress(r["allowed-address"]),
		Comment:        r["comment"],
		Rx:             counter(r["rx"]),
		Tx:             counter(r["tx"]),
		Disabled:       r["disabled"] == "true" || r["disabled"] == "yes",
	}
}

func counter(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return device.CounterUnknown
	}
	return n
}

func firstAddress(list string) string {
	if i := strings.IndexByte(list, ','); i >= 0 {
		return list[:i]
	}
	return list
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
