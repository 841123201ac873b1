package routeros

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/device"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	ifaces    []string
	peers     []map[string]string
	sentences [][]string
	addErr    error
	closed    int
}

func (f *fakeAPI) RunArgs(sentence []string) ([]map[string]string, error) {
	f.sentences = append(f.sentences, sentence)
	switch sentence[0] {
	case "/interface/wireguard/print":
		var out []map[string]string
		for _, name := range f.ifaces {
			if q := query(sentence, "?name="); q == "" || q == name {
				out = append(out, map[string]string{"name": name})
			}
		}
		return out, nil
	case "/interface/wireguard/peers/print":
		return f.peers, nil
	case "/interface/wireguard/peers/add":
		return nil, f.addErr
	}
	return nil, nil
}

func (f *fakeAPI) Close() error {
	f.closed++
	return nil
}

func query(sentence []string, prefix string) string {
	for _, w := range sentence {
		if strings.HasPrefix(w, prefix) {
			return strings.TrimPrefix(w, prefix)
		}
	}
	return ""
}

func newTestGateway(api *fakeAPI) *Gateway {
	return newGateway(api, nil, device.Config{}, logger.NewNop())
}

func TestPeerFromRecord(t *testing.T) {
	p := PeerFromRecord(map[string]string{
		".id":             "*1A",
		"public-key":      "pk",
		"allowed-address": "10.66.66.2/32,fd00::2/128",
		"comment":         "u7-10.66.66.2",
		"rx":              "1024",
		"tx":              "2048",
		"disabled":        "true",
	})
	assert.Equal(t, device.Peer{
		ID: "*1A", PublicKey: "pk", AllowedAddress: "10.66.66.2/32",
		Comment: "u7-10.66.66.2", Rx: 1024, Tx: 2048, Disabled: true,
	}, p)

	garbled := PeerFromRecord(map[string]string{"rx": "garbage", "tx": "0"})
	assert.Equal(t, device.CounterUnknown, garbled.Rx)
	assert.Zero(t, garbled.Tx)
	assert.False(t, garbled.Disabled)

	missing := PeerFromRecord(map[string]string{"public-key": "pk"})
	assert.Equal(t, device.CounterUnknown, missing.Rx)
	assert.Equal(t, device.CounterUnknown, missing.Tx)
}

func TestAddPeerSentence(t *testing.T) {
	s := AddPeerSentence("wg0", device.PeerSpec{PublicKey: "pk", AllowedAddress: "10.66.66.2/32", Comment: "u1-10.66.66.2"})
	assert.Equal(t, []string{
		"/interface/wireguard/peers/add",
		"=interface=wg0",
		"=public-key=pk",
		"=allowed-address=10.66.66.2/32",
		"=comment=u1-10.66.66.2",
	}, s)
}

func TestListPeersUnknownInterface(t *testing.T) {
	g := newTestGateway(&fakeAPI{ifaces: []string{"wg0"}})
	_, err := g.ListPeers(context.Background(), "wg1")
	assert.ErrorIs(t, err, apperrors.ErrInterfaceNotFound)
}

func TestAddPeerAlreadyExists(t *testing.T) {
	api := &fakeAPI{ifaces: []string{"wg0"}, addErr: errors.New("from RouterOS device: failure: already have peer with such public key")}
	g := newTestGateway(api)

	assert.NoError(t, g.AddPeer(context.Background(), "wg0", device.PeerSpec{PublicKey: "pk", AllowedAddress: "10.0.0.2/32"}))
}

func TestAddPeerTransportError(t *testing.T) {
	api := &fakeAPI{ifaces: []string{"wg0"}, addErr: errors.New("io: read/write on closed pipe")}
	err := newTestGateway(api).AddPeer(context.Background(), "wg0", device.PeerSpec{PublicKey: "pk", AllowedAddress: "10.0.0.2/32"})
	assert.ErrorIs(t, err, apperrors.ErrDeviceUnreachable)
}

func TestSetDisabledAndRemoveByComment(t *testing.T) {
	api := &fakeAPI{
		ifaces: []string{"wg0"},
		peers: []map[string]string{
			{".id": "*1", "public-key": "a", "comment": "u1-10.0.0.2", "allowed-address": "10.0.0.2/32"},
			{".id": "*2", "public-key": "b", "comment": "u2-10.0.0.3", "allowed-address": "10.0.0.3/32"},
		},
	}
	g := newTestGateway(api)
	ctx := context.Background()

	require.NoError(t, g.SetPeerDisabled(ctx, "wg0", device.PeerMatch{Comment: "u2-10.0.0.3"}, true))
	assert.Equal(t, []string{"/interface/wireguard/peers/set", "=.id=*2", "=disabled=yes"}, api.sentences[len(api.sentences)-1])

	require.NoError(t, g.RemovePeer(ctx, "wg0", device.PeerMatch{PublicKey: "a"}))
	assert.Equal(t, []string{"/interface/wireguard/peers/remove", "=.id=*1"}, api.sentences[len(api.sentences)-1])

	err := g.RemovePeer(ctx, "wg0", device.PeerMatch{PublicKey: "zzz"})
	assert.True(t, device.IsPeerNotFound(err))
}

func TestDeviceErrorMapping(t *testing.T) {
	assert.True(t, device.IsPeerNotFound(deviceError(errors.New("failure: no such item"))))
	assert.True(t, apperrors.IsErrorCode(deviceError(errors.New("not logged in")), apperrors.ErrCodeAuthFailed))
	assert.True(t, apperrors.IsErrorCode(deviceError(errors.New("input does not match any value")), apperrors.ErrCodeDeviceCommand))
}

func TestRunHonorsCancelledContext(t *testing.T) {
	api := &fakeAPI{ifaces: []string{"wg0"}}
	g := newTestGateway(api)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.ListInterfaces(ctx)
	assert.ErrorIs(t, err, apperrors.ErrDeviceUnreachable)
	require.NoError(t, g.Close())
	assert.LessOrEqual(t, api.closed, 1)
}
