// Package devicetest provides an in-memory device for tests.
package devicetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/device"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
)

// FakeDevice is an in-memory appliance with one or more tunnel interfaces.
// It is safe for concurrent use.
type FakeDevice struct {
	mu     sync.Mutex
	ifaces map[string][]device.Peer
	nextID int

	// Injected failures, consumed by the next matching call when set.
	DialErr   error
	ListErr   error
	AddErr    error
	SetErr    error
	RemoveErr error

	Dials    int
	Calls    []string
	Open     int
	MaxOpen  int
	OnListFn func()
}

// NewFakeDevice creates a device with the given interfaces, all empty.
func NewFakeDevice(ifaces ...string) *FakeDevice {
	d := &FakeDevice{ifaces: make(map[string][]device.Peer)}
	for _, name := range ifaces {
		d.ifaces[name] = nil
	}
	return d
}

// Dialer returns a dialer that always connects to d.
func (d *FakeDevice) Dialer() device.Dialer {
	return device.DialerFunc(func(ctx context.Context, _ *models.Server) (device.Gateway, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.Dials++
		if d.DialErr != nil {
			return nil, d.DialErr
		}
		d.Open++
		if d.Open > d.MaxOpen {
			d.MaxOpen = d.Open
		}
		return &fakeGateway{dev: d}, nil
	})
}

// Peers returns a copy of the peers on iface.
func (d *FakeDevice) Peers(iface string) []device.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]device.Peer(nil), d.ifaces[iface]...)
}

// Peer returns the peer with the given public key.
func (d *FakeDevice) Peer(iface, publicKey string) (device.Peer, bool) {
	return device.FindPeer(d.Peers(iface), device.PeerMatch{PublicKey: publicKey})
}

// SetCounters overwrites the byte counters of a peer.
func (d *FakeDevice) SetCounters(iface, publicKey string, rx, tx int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.ifaces[iface] {
		if d.ifaces[iface][i].PublicKey == publicKey {
			d.ifaces[iface][i].Rx = rx
			d.ifaces[iface][i].Tx = tx
		}
	}
}

// Seed inserts a peer directly.
func (d *FakeDevice) Seed(iface string, p device.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	p.ID = fmt.Sprintf("*%X", d.nextID)
	d.ifaces[iface] = append(d.ifaces[iface], p)
}

type fakeGateway struct {
	dev    *FakeDevice
	closed bool
}

func (g *fakeGateway) record(call string) {
	g.dev.Calls = append(g.dev.Calls, call)
}

func take(errp *error) error {
	err := *errp
	*errp = nil
	return err
}

func (g *fakeGateway) ListInterfaces(ctx context.Context) ([]string, error) {
	d := g.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	g.record("list-interfaces")
	out := make([]string, 0, len(d.ifaces))
	for name := range d.ifaces {
		out = append(out, name)
	}
	return out, nil
}

func (g *fakeGateway) ListPeers(ctx context.Context, iface string) ([]device.Peer, error) {
	d := g.dev
	if d.OnListFn != nil {
		d.OnListFn()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	g.record("list-peers")
	if err := take(&d.ListErr); err != nil {
		return nil, err
	}
	peers, ok := d.ifaces[iface]
	if !ok {
		return nil, device.InterfaceNotFound(iface)
	}
	return append([]device.Peer(nil), peers...), nil
}

func (g *fakeGateway) AddPeer(ctx context.Context, iface string, spec device.PeerSpec) error {
	d := g.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	g.record("add-peer")
	if err := take(&d.AddErr); err != nil {
		return err
	}
	peers, ok := d.ifaces[iface]
	if !ok {
		return device.InterfaceNotFound(iface)
	}
	if _, exists := device.FindPeer(peers, device.PeerMatch{PublicKey: spec.PublicKey}); exists {
		return nil
	}
	d.nextID++
	d.ifaces[iface] = append(peers, device.Peer{
		ID:             fmt.Sprintf("*%X", d.nextID),
		PublicKey:      spec.PublicKey,
		AllowedAddress: spec.AllowedAddress,
		Comment:        spec.Comment,
	})
	return nil
}

func (g *fakeGateway) SetPeerDisabled(ctx context.Context, iface string, match device.PeerMatch, disabled bool) error {
	d := g.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	g.record(fmt.Sprintf("set-disabled=%t", disabled))
	if err := take(&d.SetErr); err != nil {
		return err
	}
	peers, ok := d.ifaces[iface]
	if !ok {
		return device.InterfaceNotFound(iface)
	}
	for i := range peers {
		if match.Matches(peers[i]) {
			peers[i].Disabled = disabled
			return nil
		}
	}
	return device.PeerNotFound(match)
}

func (g *fakeGateway) RemovePeer(ctx context.Context, iface string, match device.PeerMatch) error {
	d := g.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	g.record("remove-peer")
	if err := take(&d.RemoveErr); err != nil {
		return err
	}
	peers, ok := d.ifaces[iface]
	if !ok {
		return device.InterfaceNotFound(iface)
	}
	for i := range peers {
		if match.Matches(peers[i]) {
			d.ifaces[iface] = append(peers[:i], peers[i+1:]...)
			return nil
		}
	}
	return device.PeerNotFound(match)
}

func (g *fakeGateway) Close() error {
	d := g.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if !g.closed {
		g.closed = true
		d.Open--
	}
	return nil
}
