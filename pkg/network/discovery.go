package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"rnr-network/pkg/peerbook"
)

var ErrNoKnownPeers = errors.New("no known peers to bootstrap from")

const (
	discoveryInterval = 30 * time.Second
	bootstrapTimeout  = 30 * time.Second
)

// PeerDiscovery finds peers through the Kademlia DHT, mDNS, the configured
// bootstrap list and the persisted peer book.
type PeerDiscovery struct {
	host       host.Host
	ctx        context.Context
	logger     *zap.Logger
	dht        *dht.IpfsDHT
	mdns       mdns.Service
	routingDis *drouting.RoutingDiscovery
	book       *peerbook.Book
	bootstrap  []peer.AddrInfo
	rendezvous string
	dialing    map[peer.ID]bool
	mu         sync.Mutex
	wg         sync.WaitGroup
	loopOnce   sync.Once
}

type discoveryConfig struct {
	networkName    string
	bootstrapPeers []string
	kademlia       bool
	mdns           bool
	book           *peerbook.Book
}

func newPeerDiscovery(ctx context.Context, h host.Host, cfg discoveryConfig, logger *zap.Logger) (*PeerDiscovery, error) {
	bootstrap, err := parseBootstrapPeers(cfg.bootstrapPeers)
	if err != nil {
		return nil, err
	}

	pd := &PeerDiscovery{
		host:       h,
		ctx:        ctx,
		logger:     logger,
		book:       cfg.book,
		bootstrap:  bootstrap,
		rendezvous: "/fil/" + cfg.networkName,
		dialing:    make(map[peer.ID]bool),
	}

	if cfg.kademlia {
		kdht, err := dht.New(ctx, h,
			dht.Mode(dht.ModeAutoServer),
			dht.ProtocolPrefix(protocol.ID("/fil/kad/"+cfg.networkName)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create DHT: %w", err)
		}
		pd.dht = kdht
		pd.routingDis = drouting.NewRoutingDiscovery(kdht)
	}

	if cfg.mdns {
		if err := pd.setupMDNS(cfg.networkName); err != nil {
			logger.Warn("MDNS setup failed", zap.Error(err))
		}
	}

	return pd, nil
}

func parseBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	maddrs := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		maddr, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %q: %w", addr, err)
		}
		maddrs = append(maddrs, maddr)
	}
	infos, err := peer.AddrInfosFromP2pAddrs(maddrs...)
	if err != nil {
		return nil, fmt.Errorf("invalid bootstrap address: %w", err)
	}
	return infos, nil
}

func (pd *PeerDiscovery) setupMDNS(networkName string) error {
	s := mdns.NewMdnsService(pd.host, "rnrnet-"+networkName, pd)
	pd.mdns = s
	return s.Start()
}

// knownPeers merges the bootstrap list with the peer book, without self.
func (pd *PeerDiscovery) knownPeers() []peer.AddrInfo {
	seen := make(map[peer.ID]bool)
	known := make([]peer.AddrInfo, 0, len(pd.bootstrap))
	add := func(info peer.AddrInfo) {
		if info.ID == pd.host.ID() || seen[info.ID] {
			return
		}
		seen[info.ID] = true
		known = append(known, info)
	}

	for _, info := range pd.bootstrap {
		add(info)
	}
	if pd.book != nil {
		records, err := pd.book.All()
		if err != nil {
			pd.logger.Warn("Failed to read peer book", zap.Error(err))
		}
		for _, rec := range records {
			add(rec.Info)
		}
	}
	return known
}

// Bootstrap starts the DHT and dials the known peers in the background.
// Having nobody to dial is reported as ErrNoKnownPeers; peers can still
// show up later through mDNS, the DHT or inbound connections.
func (pd *PeerDiscovery) Bootstrap() error {
	if pd.dht != nil {
		if err := pd.dht.Bootstrap(pd.ctx); err != nil {
			return fmt.Errorf("failed to bootstrap DHT: %w", err)
		}
		pd.loopOnce.Do(func() {
			pd.wg.Add(1)
			go func() {
				defer pd.wg.Done()
				pd.discoverPeers()
			}()
		})
	}

	known := pd.knownPeers()
	if len(known) == 0 {
		return ErrNoKnownPeers
	}
	pd.wg.Add(1)
	go func() {
		defer pd.wg.Done()
		pd.connectToBootstrap(known)
	}()
	return nil
}

// HandlePeerFound connects to a peer reported by mDNS or the DHT unless it
// is already connected or being dialled. A peer that disconnects is dialled
// again the next time it is found.
func (pd *PeerDiscovery) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == pd.host.ID() || pd.host.Network().Connectedness(pi.ID) == network.Connected {
		return
	}
	pd.mu.Lock()
	if pd.dialing[pi.ID] {
		pd.mu.Unlock()
		return
	}
	pd.dialing[pi.ID] = true
	pd.mu.Unlock()

	defer func() {
		pd.mu.Lock()
		delete(pd.dialing, pi.ID)
		pd.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(pd.ctx, bootstrapTimeout)
	defer cancel()
	if err := pd.host.Connect(ctx, pi); err != nil {
		pd.logger.Debug("Failed to connect to discovered peer", zap.Stringer("peer", pi.ID), zap.Error(err))
		return
	}

	pd.logger.Debug("Discovered and connected to peer", zap.Stringer("peer", pi.ID))
}

func (pd *PeerDiscovery) connectToBootstrap(known []peer.AddrInfo) {
	connected := 0
	for _, info := range known {
		ctx, cancel := context.WithTimeout(pd.ctx, bootstrapTimeout)
		err := pd.host.Connect(ctx, info)
		cancel()
		if err != nil {
			pd.logger.Warn("Failed to connect to bootstrap peer", zap.Stringer("peer", info.ID), zap.Error(err))
			continue
		}
		connected++
	}
	pd.logger.Info("Bootstrap finished", zap.Int("connected", connected), zap.Int("known", len(known)))
}

func (pd *PeerDiscovery) discoverPeers() {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pd.ctx.Done():
			return
		case <-ticker.C:
			pd.advertise()
			pd.findPeers()
		}
	}
}

func (pd *PeerDiscovery) advertise() {
	if _, err := pd.routingDis.Advertise(pd.ctx, pd.rendezvous); err != nil {
		pd.logger.Debug("Advertisement failed", zap.Error(err))
	}
}

func (pd *PeerDiscovery) findPeers() {
	peerChan, err := pd.routingDis.FindPeers(pd.ctx, pd.rendezvous)
	if err != nil {
		pd.logger.Debug("Peer discovery failed", zap.Error(err))
		return
	}

	for info := range peerChan {
		if len(info.Addrs) == 0 {
			continue
		}
		pd.HandlePeerFound(info)
	}
}

// Close stops mDNS and the DHT. The context given at construction must be
// cancelled first for the background loops to return.
func (pd *PeerDiscovery) Close() error {
	if pd.mdns != nil {
		pd.mdns.Close()
	}
	var err error
	if pd.dht != nil {
		err = pd.dht.Close()
	}
	pd.wg.Wait()
	return err
}
