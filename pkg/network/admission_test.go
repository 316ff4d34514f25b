package network

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPeerA = peer.ID("peer-a")
	testPeerB = peer.ID("peer-b")
)

func TestPendingLimits(t *testing.T) {
	c := NewConnectionCounter(DefaultConnectionLimits(4))

	for i := 0; i < 10; i++ {
		require.NoError(t, c.BeginPending(network.DirInbound))
	}
	assert.ErrorIs(t, c.BeginPending(network.DirInbound), ErrConnectionLimit)

	for i := 0; i < 30; i++ {
		require.NoError(t, c.BeginPending(network.DirOutbound))
	}
	assert.ErrorIs(t, c.BeginPending(network.DirOutbound), ErrConnectionLimit)

	c.ReleasePending(network.DirInbound)
	assert.NoError(t, c.BeginPending(network.DirInbound))

	stats := c.Stats()
	assert.Equal(t, 10, stats.PendingIncoming)
	assert.Equal(t, 30, stats.PendingOutgoing)
}

func TestEstablishedLimits(t *testing.T) {
	const target = 3
	c := NewConnectionCounter(DefaultConnectionLimits(target))

	for i := 0; i < target; i++ {
		require.NoError(t, c.BeginPending(network.DirInbound))
		require.NoError(t, c.Establish(network.DirInbound, peer.ID(rune('a'+i))))
	}
	require.NoError(t, c.BeginPending(network.DirInbound))
	assert.ErrorIs(t, c.Establish(network.DirInbound, testPeerA), ErrConnectionLimit)

	// the rejected attempt still owns its pending slot
	stats := c.Stats()
	assert.Equal(t, 1, stats.PendingIncoming)
	assert.Equal(t, target, stats.EstablishedIncoming)

	// outbound is counted separately
	require.NoError(t, c.BeginPending(network.DirOutbound))
	assert.NoError(t, c.Establish(network.DirOutbound, testPeerB))

	c.ReleaseEstablished(network.DirInbound, peer.ID('a'))
	assert.NoError(t, c.Establish(network.DirInbound, testPeerA))
}

func TestPerPeerLimit(t *testing.T) {
	c := NewConnectionCounter(DefaultConnectionLimits(100))

	for i := 0; i < 5; i++ {
		require.NoError(t, c.BeginPending(network.DirOutbound))
		require.NoError(t, c.Establish(network.DirOutbound, testPeerA))
	}
	require.NoError(t, c.BeginPending(network.DirOutbound))
	assert.ErrorIs(t, c.Establish(network.DirOutbound, testPeerA), ErrConnectionLimit)
	assert.NoError(t, c.Establish(network.DirOutbound, testPeerB))

	assert.Equal(t, 2, c.Stats().Peers)
	for i := 0; i < 5; i++ {
		c.ReleaseEstablished(network.DirOutbound, testPeerA)
	}
	assert.Equal(t, 1, c.Stats().Peers)
}

func TestZeroLimitMeansUnbounded(t *testing.T) {
	c := NewConnectionCounter(ConnectionLimits{})
	for i := 0; i < 1000; i++ {
		require.NoError(t, c.BeginPending(network.DirInbound))
		require.NoError(t, c.Establish(network.DirInbound, testPeerA))
	}
	assert.Equal(t, 1000, c.Stats().EstablishedIncoming)
}

func TestAdmissionManagerScopeLifecycle(t *testing.T) {
	m := NewAdmissionResourceManager(DefaultConnectionLimits(2), &network.NullResourceManager{})
	addr := multiaddr.StringCast("/ip4/127.0.0.1/tcp/4001")

	scopes := make([]network.ConnManagementScope, 0, 10)
	for i := 0; i < 10; i++ {
		s, err := m.OpenConnection(network.DirInbound, true, addr)
		require.NoError(t, err)
		scopes = append(scopes, s)
	}
	_, err := m.OpenConnection(network.DirInbound, true, addr)
	assert.ErrorIs(t, err, ErrConnectionLimit)

	// a failed handshake hands its pending slot back
	scopes[9].Done()
	scopes[9].Done()
	assert.Equal(t, 9, m.Stats().PendingIncoming)

	require.NoError(t, scopes[0].SetPeer(testPeerA))
	require.NoError(t, scopes[1].SetPeer(testPeerB))
	assert.ErrorIs(t, scopes[2].SetPeer(testPeerA), ErrConnectionLimit)

	stats := m.Stats()
	assert.Equal(t, 2, stats.EstablishedIncoming)
	assert.Equal(t, 7, stats.PendingIncoming)

	scopes[0].Done()
	stats = m.Stats()
	assert.Equal(t, 1, stats.EstablishedIncoming)
	assert.Equal(t, 1, stats.Peers)
}

func TestDefaultResourceManagerSharesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	for i := 0; i < 2; i++ {
		var rm network.ResourceManager
		require.NotPanics(t, func() {
			var err error
			rm, err = NewDefaultResourceManager(reg)
			require.NoError(t, err)
		})
		require.NoError(t, rm.Close())
	}
}
