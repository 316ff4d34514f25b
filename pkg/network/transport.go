package network

import (
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	mplex "github.com/libp2p/go-libp2p-mplex"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/go-libp2p/p2p/transport/websocket"
	madns "github.com/multiformats/go-multiaddr-dns"
)

// DefaultUpgradeTimeout bounds dialing plus the security and muxer upgrade.
const DefaultUpgradeTimeout = 20 * time.Second

var (
	ErrNoIdentity         = errors.New("no local identity")
	ErrNoiseKeyDerivation = errors.New("failed to derive noise key material")
)

// BuildTransport composes the transport stack into a single libp2p option:
// TCP and websocket over DNS-resolved multiaddrs, secured with Noise XX and
// multiplexed with yamux, falling back to mplex. The whole upgrade is
// bounded by upgradeTimeout.
func BuildTransport(key crypto.PrivKey, upgradeTimeout time.Duration) (libp2p.Option, error) {
	if key == nil {
		return nil, ErrNoIdentity
	}
	if _, err := noise.New(noise.ID, key, nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoiseKeyDerivation, err)
	}
	if upgradeTimeout <= 0 {
		upgradeTimeout = DefaultUpgradeTimeout
	}

	return libp2p.ChainOptions(
		libp2p.Identity(key),
		libp2p.Transport(tcp.NewTCPTransport, tcp.WithConnectionTimeout(upgradeTimeout)),
		libp2p.Transport(websocket.New),
		libp2p.MultiaddrResolver(madns.DefaultResolver),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.Muxer(mplex.ID, mplex.DefaultTransport),
		libp2p.WithDialTimeout(upgradeTimeout),
	), nil
}
