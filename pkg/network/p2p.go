package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/host/eventbus"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"rnr-network/pkg/config"
	"rnr-network/pkg/metrics"
	"rnr-network/pkg/oneshot"
	"rnr-network/pkg/peerbook"
	"rnr-network/pkg/utils"
)

var (
	ErrTooManyInflight = errors.New("too many in-flight operations")
	ErrSwarmClosed     = errors.New("swarm closed")
)

const (
	eventBufferSize      = 128
	scoreInspectInterval = time.Minute
	connMgrGracePeriod   = time.Minute
	peerBookRetention    = 7 * 24 * time.Hour
	graylistBanDuration  = scoreInspectInterval
)

// P2PSwarm is the libp2p implementation of Swarm: a host with gossipsub,
// peer discovery and the hello protocol.
type P2PSwarm struct {
	Host host.Host

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	m      *metrics.NetworkMetrics

	pubsub    *pubsub.PubSub
	topics    map[string]*pubsub.Topic
	subs      []*pubsub.Subscription
	topicsMu  sync.Mutex
	discovery *PeerDiscovery
	book      *peerbook.Book
	admission *AdmissionManager

	rateLimiter    *RateLimiter
	reputation     *PeerReputation
	inflight       *utils.ResourceLimiter
	requestTimeout time.Duration

	events     chan BehaviourEvent
	eventsMu   sync.RWMutex
	announced  map[peer.ID]bool
	announceMu sync.Mutex
	closed    bool
	connSub   event.Subscription
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// SwarmOptions carries the collaborators of NewP2PSwarm. Every field is
// optional.
type SwarmOptions struct {
	Logger     *zap.Logger
	Metrics    *metrics.NetworkMetrics
	Registerer prometheus.Registerer
}

func connectionLimits(cfg config.Libp2pConfig) ConnectionLimits {
	limits := DefaultConnectionLimits(cfg.TargetPeerCount)
	limits.MaxPendingIncoming = cfg.MaxPendingIncoming
	limits.MaxPendingOutgoing = cfg.MaxPendingOutgoing
	limits.MaxEstablishedPerPeer = cfg.MaxEstablishedPerPeer
	return limits
}

// NewP2PSwarm builds the libp2p host and its behaviours. Nothing listens
// until Listen is called.
func NewP2PSwarm(cfg config.Libp2pConfig, key crypto.PrivKey, networkName string, opts SwarmOptions) (*P2PSwarm, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNetworkMetrics(nil)
	}

	transport, err := BuildTransport(key, cfg.UpgradeTimeout)
	if err != nil {
		return nil, err
	}

	inner, err := NewDefaultResourceManager(opts.Registerer)
	if err != nil {
		return nil, err
	}
	admission := NewAdmissionResourceManager(connectionLimits(cfg), inner)

	target := cfg.TargetPeerCount
	if target <= 0 {
		target = config.DefaultTargetPeerCount
	}
	cm, err := connmgr.NewConnManager(target, target+target/4+1, connmgr.WithGracePeriod(connMgrGracePeriod))
	if err != nil {
		admission.Close()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	h, err := libp2p.New(
		transport,
		libp2p.NoListenAddrs,
		libp2p.ResourceManager(admission),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		cm.Close()
		admission.Close()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &P2PSwarm{
		Host:           h,
		ctx:            ctx,
		cancel:         cancel,
		logger:         logger,
		m:              m,
		topics:         make(map[string]*pubsub.Topic),
		admission:      admission,
		rateLimiter:    NewRateLimiter(cfg.RequestsPerMinute, cfg.RequestBurst),
		reputation:     NewPeerReputation(),
		inflight:       utils.NewResourceLimiter(cfg.MaxInflight),
		requestTimeout: cfg.RequestTimeout,
		events:         make(chan BehaviourEvent, eventBufferSize),
		announced:      make(map[peer.ID]bool),
	}
	if s.requestTimeout <= 0 {
		s.requestTimeout = config.DefaultRequestTimeout
	}

	if err := s.setup(cfg, networkName); err != nil {
		s.Close()
		return nil, err
	}

	logger.Info("P2P swarm created",
		zap.Stringer("peer_id", h.ID()),
		zap.String("network", networkName),
		zap.Bool("topic_scoring", cfg.TopicScoring))
	return s, nil
}

func (s *P2PSwarm) setup(cfg config.Libp2pConfig, networkName string) error {
	if cfg.PeerBookPath != "" {
		book, err := peerbook.Open(cfg.PeerBookPath)
		if err != nil {
			return err
		}
		s.book = book
		if n, err := book.Prune(time.Now().Add(-peerBookRetention)); err != nil {
			s.logger.Warn("Failed to prune peer book", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("Pruned stale peer records", zap.Int("removed", n))
		}
	}

	ps, err := pubsub.NewGossipSub(s.ctx, s.Host,
		pubsub.WithPeerScore(BuildPeerScoreParams(networkName, cfg.TopicScoring, s.reputation.AppScore), BuildPeerScoreThresholds()),
		pubsub.WithPeerScoreInspect(pubsub.PeerScoreInspectFn(s.inspectScores), scoreInspectInterval),
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
		pubsub.WithMaxMessageSize(maxMessageSize),
	)
	if err != nil {
		return fmt.Errorf("failed to create gossipsub: %w", err)
	}
	s.pubsub = ps

	s.discovery, err = newPeerDiscovery(s.ctx, s.Host, discoveryConfig{
		networkName:    networkName,
		bootstrapPeers: cfg.BootstrapPeers,
		kademlia:       cfg.Kademlia,
		mdns:           cfg.MDNS,
		book:           s.book,
	}, s.logger)
	if err != nil {
		return err
	}

	s.connSub, err = s.Host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged), eventbus.BufSize(eventBufferSize))
	if err != nil {
		return fmt.Errorf("failed to subscribe to connectedness events: %w", err)
	}
	s.spawn("connectedness", s.pumpConnectedness)
	s.spawn("rate-limit-cleanup", func() { s.rateLimiter.runCleanup(s.ctx) })
	s.spawn("reputation", func() { s.reputation.runMaintenance(s.ctx) })

	s.Host.SetStreamHandler(HelloProtocolID, s.handleHelloStream)
	return nil
}

func (s *P2PSwarm) spawn(component string, fn func()) {
	s.wg.Add(1)
	utils.SafeGoroutine(s.logger, component, func() {
		defer s.wg.Done()
		fn()
	})
}

// emit hands ev to the service. It gives up, returning false, when the
// swarm shuts down.
func (s *P2PSwarm) emit(ev BehaviourEvent) bool {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// announceConnected emits BehaviourPeerConnected once per connection
// lifetime of p, and only while p is connected. Connected and disconnected
// events for a peer therefore always alternate.
func (s *P2PSwarm) announceConnected(p peer.ID) {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	if s.announced[p] || s.Host.Network().Connectedness(p) != network.Connected {
		return
	}
	s.announced[p] = true
	s.emit(BehaviourPeerConnected{Peer: p})
}

func (s *P2PSwarm) announceDisconnected(p peer.ID) {
	s.announceMu.Lock()
	defer s.announceMu.Unlock()
	if !s.announced[p] {
		return
	}
	delete(s.announced, p)
	s.emit(BehaviourPeerDisconnected{Peer: p})
}

func (s *P2PSwarm) pumpConnectedness() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case e, ok := <-s.connSub.Out():
			if !ok {
				return
			}
			evt := e.(event.EvtPeerConnectednessChanged)
			switch evt.Connectedness {
			case network.Connected:
				s.rememberPeer(evt.Peer)
				s.announceConnected(evt.Peer)
			case network.NotConnected:
				s.announceDisconnected(evt.Peer)
			}
		}
	}
}

func (s *P2PSwarm) rememberPeer(p peer.ID) {
	if s.book == nil {
		return
	}
	info := s.Host.Peerstore().PeerInfo(p)
	if err := s.book.Put(info, time.Now()); err != nil {
		s.logger.Debug("Failed to record peer", zap.Stringer("peer", p), zap.Error(err))
	}
}

// inspectScores also keeps graylisted peers off the hello protocol until the
// next inspection.
func (s *P2PSwarm) inspectScores(scores map[peer.ID]float64) {
	graylisted := 0
	for p, score := range scores {
		s.m.PeerScores.Observe(score)
		if score < GraylistScoreThreshold {
			graylisted++
			s.rateLimiter.BanPeer(p, graylistBanDuration)
		}
	}
	s.m.GraylistedPeers.Set(float64(graylisted))

	stats := s.admission.Stats()
	s.logger.Debug("Peer score inspection",
		zap.Int("scored", len(scores)),
		zap.Int("graylisted", graylisted),
		zap.Int("pending_in", stats.PendingIncoming),
		zap.Int("pending_out", stats.PendingOutgoing),
		zap.Int("established_in", stats.EstablishedIncoming),
		zap.Int("established_out", stats.EstablishedOutgoing))
}

func (s *P2PSwarm) handleHelloStream(stream network.Stream) {
	defer stream.Close()
	remote := stream.Conn().RemotePeer()

	if err := s.reputation.CheckAllowed(remote); err != nil {
		s.rejectHello(stream, remote, "blacklisted", err)
		return
	}
	if err := s.rateLimiter.AllowRequest(remote); err != nil {
		if errors.Is(err, ErrRateLimited) {
			s.reputation.RecordMisbehaviour(remote, MisbehaviourRateLimit, severityRateLimit)
		}
		s.rejectHello(stream, remote, "rate_limited", err)
		return
	}

	req, err := serveHello(stream, s.requestTimeout)
	if err != nil {
		s.m.InboundRequests.WithLabelValues("failed").Inc()
		switch {
		case errors.Is(err, ErrMessageTooLarge):
			s.reputation.RecordMisbehaviour(remote, MisbehaviourOversized, severityOversized)
		case errors.Is(err, errMalformedMessage):
			s.reputation.RecordMisbehaviour(remote, MisbehaviourMalformed, severityMalformed)
		}
		s.logger.Debug("Failed to serve hello request", zap.Stringer("peer", remote), zap.Error(err))
		stream.Reset()
		return
	}

	s.reputation.RecordSuccess(remote)
	s.m.InboundRequests.WithLabelValues("ok").Inc()
	s.emit(BehaviourRequest{Request: req, Source: remote})
}

func (s *P2PSwarm) rejectHello(stream network.Stream, remote peer.ID, result string, err error) {
	s.m.InboundRequests.WithLabelValues(result).Inc()
	s.logger.Warn("Rejected hello request", zap.Stringer("peer", remote), zap.Error(err))
	stream.Reset()
}

func (s *P2PSwarm) readTopic(topic string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(s.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == s.Host.ID() {
			continue
		}
		s.emit(BehaviourGossip{Topic: topic, Source: msg.GetFrom(), Data: msg.Data})
	}
}

func (s *P2PSwarm) LocalPeer() peer.ID {
	return s.Host.ID()
}

func (s *P2PSwarm) Listen(addr multiaddr.Multiaddr) error {
	return s.Host.Network().Listen(addr)
}

func (s *P2PSwarm) Listeners() []multiaddr.Multiaddr {
	return s.Host.Network().ListenAddresses()
}

func (s *P2PSwarm) joinLocked(topic string) (*pubsub.Topic, error) {
	if t, ok := s.topics[topic]; ok {
		return t, nil
	}
	t, err := s.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", topic, err)
	}
	s.topics[topic] = t
	return t, nil
}

func (s *P2PSwarm) Subscribe(topic string) error {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()

	t, err := s.joinLocked(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	s.subs = append(s.subs, sub)
	s.spawn("gossip-"+topic, func() { s.readTopic(topic, sub) })
	return nil
}

func (s *P2PSwarm) Publish(ctx context.Context, topic string, data []byte) error {
	if s.ctx.Err() != nil {
		return ErrSwarmClosed
	}
	s.topicsMu.Lock()
	t, err := s.joinLocked(topic)
	s.topicsMu.Unlock()
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

func (s *P2PSwarm) Bootstrap() error {
	return s.discovery.Bootstrap()
}

func (s *P2PSwarm) Dial(addr multiaddr.Multiaddr, reply *oneshot.Sender[error]) {
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		deliver(reply, fmt.Errorf("invalid peer address: %w", err))
		return
	}

	started := s.inflight.Go(s.logger, "dial", func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
		defer cancel()

		err := s.Host.Connect(ctx, *info)
		if err != nil {
			err = fmt.Errorf("failed to connect to peer: %w", err)
		} else {
			s.announceConnected(info.ID)
		}
		if !s.emit(BehaviourDialDone{Addr: addr, Err: err, Reply: reply}) {
			deliver(reply, err)
		}
	})
	if !started {
		deliver(reply, ErrTooManyInflight)
	}
}

func (s *P2PSwarm) SendRequest(p peer.ID, req Request, reply *oneshot.Sender[RequestResult]) {
	started := s.inflight.Go(s.logger, "hello-request", func() {
		resp, err := sendHello(s.ctx, s.Host, p, req, s.requestTimeout)
		if err == nil {
			s.announceConnected(p)
		}
		result := RequestResult{Response: resp, Err: err}
		if !s.emit(BehaviourRequestDone{Peer: p, Result: result, Reply: reply}) {
			deliver(reply, result)
		}
	})
	if !started {
		deliver(reply, RequestResult{Err: ErrTooManyInflight})
	}
}

func (s *P2PSwarm) Events() <-chan BehaviourEvent {
	return s.events
}

// ConnectionStats reports the admission counters.
func (s *P2PSwarm) ConnectionStats() ConnectionStats {
	return s.admission.Stats()
}

// Close tears the host down and closes the event stream. Safe to call more
// than once.
func (s *P2PSwarm) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		s.topicsMu.Lock()
		for _, sub := range s.subs {
			sub.Cancel()
		}
		s.topicsMu.Unlock()

		var errs []error
		if s.connSub != nil {
			errs = append(errs, s.connSub.Close())
		}
		if s.discovery != nil {
			errs = append(errs, s.discovery.Close())
		}
		errs = append(errs, s.Host.Close(), s.admission.Close())
		s.wg.Wait()
		if s.book != nil {
			errs = append(errs, s.book.Close())
		}

		s.eventsMu.Lock()
		s.closed = true
		close(s.events)
		s.eventsMu.Unlock()

		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
