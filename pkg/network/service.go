package network

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"rnr-network/pkg/chanx"
	"rnr-network/pkg/config"
	"rnr-network/pkg/logging"
	"rnr-network/pkg/metrics"
	"rnr-network/pkg/utils"
)

var ErrAlreadyRunning = errors.New("network service already running")

// Service owns the swarm and bridges it to the application through two
// unbounded channels: NetworkMessage commands in, NetworkEvent events out.
type Service struct {
	swarm       Swarm
	networkName string
	logger      *zap.Logger
	metrics     *metrics.NetworkMetrics

	cmdTx *chanx.Sender[NetworkMessage]
	cmdRx *chanx.Receiver[NetworkMessage]
	evTx  *chanx.Sender[NetworkEvent]
	evRx  *chanx.Receiver[NetworkEvent]

	connected atomic.Int64
	running   atomic.Bool
	stopped   atomic.Bool
}

type serviceOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	metrics    *metrics.NetworkMetrics
}

type Option func(*serviceOptions)

func WithLogger(logger *zap.Logger) Option {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithRegisterer exports the service and resource manager metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *serviceOptions) {
		o.registerer = reg
	}
}

// WithMetrics uses m instead of building a fresh set of collectors.
func WithMetrics(m *metrics.NetworkMetrics) Option {
	return func(o *serviceOptions) {
		o.metrics = m
	}
}

func buildOptions(opts []Option) serviceOptions {
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.Component(o.logger, "network")
	if o.metrics == nil {
		o.metrics = metrics.NewNetworkMetrics(o.registerer)
	}
	return o
}

// NewService builds the libp2p swarm for key and starts the service on it.
// A nil key is rejected: generating or loading the identity is up to the
// caller.
func NewService(cfg config.Libp2pConfig, key crypto.PrivKey, networkName string, opts ...Option) (*Service, error) {
	if key == nil {
		return nil, ErrNoIdentity
	}
	o := buildOptions(opts)

	swarm, err := NewP2PSwarm(cfg, key, networkName, SwarmOptions{
		Logger:     o.logger,
		Metrics:    o.metrics,
		Registerer: o.registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build swarm: %w", err)
	}
	return newService(cfg, swarm, networkName, o)
}

// NewServiceWithSwarm starts the service on an already built swarm. On
// error the swarm is closed.
func NewServiceWithSwarm(cfg config.Libp2pConfig, swarm Swarm, networkName string, opts ...Option) (*Service, error) {
	return newService(cfg, swarm, networkName, buildOptions(opts))
}

func newService(cfg config.Libp2pConfig, swarm Swarm, networkName string, o serviceOptions) (*Service, error) {
	fail := func(err error) (*Service, error) {
		if cerr := swarm.Close(); cerr != nil {
			o.logger.Debug("Failed to close swarm", zap.Error(cerr))
		}
		return nil, err
	}

	addr, err := cfg.ListenAddr()
	if err != nil {
		return fail(fmt.Errorf("invalid listening multiaddr %q: %w", cfg.ListeningMultiaddr, err))
	}
	if err := swarm.Listen(addr); err != nil {
		return fail(fmt.Errorf("failed to listen on %s: %w", addr, err))
	}

	for _, topic := range TopicNames(networkName) {
		if err := swarm.Subscribe(topic); err != nil {
			return fail(fmt.Errorf("failed to subscribe to %s: %w", topic, err))
		}
	}

	if err := swarm.Bootstrap(); err != nil {
		o.logger.Warn("Failed to bootstrap with Kademlia", zap.Error(err))
	}

	cmdTx, cmdRx := chanx.New[NetworkMessage]()
	evTx, evRx := chanx.New[NetworkEvent]()

	o.logger.Info("Network service started",
		zap.Stringer("peer_id", swarm.LocalPeer()),
		zap.String("network", networkName),
		zap.Stringers("listeners", swarm.Listeners()))

	return &Service{
		swarm:       swarm,
		networkName: networkName,
		logger:      o.logger,
		metrics:     o.metrics,
		cmdTx:       cmdTx,
		cmdRx:       cmdRx,
		evTx:        evTx,
		evRx:        evRx,
	}, nil
}

// NetworkSender returns a new command sender. Senders must be taken before
// Run; the loop stops once every one of them is closed.
func (s *Service) NetworkSender() *chanx.Sender[NetworkMessage] {
	return s.cmdTx.Clone()
}

// NetworkReceiver returns a new event receiver. Receivers must be taken
// before Run. Each event reaches exactly one receiver.
func (s *Service) NetworkReceiver() *chanx.Receiver[NetworkEvent] {
	return s.evRx.Clone()
}

func (s *Service) LocalPeer() peer.ID {
	return s.swarm.LocalPeer()
}

func (s *Service) NetworkName() string {
	return s.networkName
}

// ConnectedPeers counts peers reported connected and not yet disconnected.
func (s *Service) ConnectedPeers() int {
	return int(s.connected.Load())
}

// Health reports degraded while no peer is connected, which is a valid
// state right after startup, and unhealthy once the loop has stopped.
func (s *Service) Health() (utils.HealthStatus, string) {
	switch {
	case s.stopped.Load():
		return utils.StatusUnhealthy, "network service stopped"
	case s.ConnectedPeers() == 0:
		return utils.StatusDegraded, "no connected peers"
	default:
		return utils.StatusHealthy, fmt.Sprintf("%d peers connected", s.ConnectedPeers())
	}
}

// Run services swarm events and commands until the swarm event stream ends,
// every command sender is closed or ctx is cancelled. It then closes the
// swarm and the event channel.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	// only the handles given out remain
	s.cmdTx.Close()
	s.evRx.Close()
	defer s.shutdown()

	swarmEvents := s.swarm.Events()
	commands := s.cmdRx.C()

	for {
		select {
		case ev, ok := <-swarmEvents:
			if !ok {
				s.logger.Info("Swarm event stream ended")
				return nil
			}
			s.handleSwarmEvent(ev)
		case cmd, ok := <-commands:
			if !ok {
				s.logger.Info("Network command channel closed")
				return nil
			}
			s.handleCommand(ctx, cmd)
		case <-ctx.Done():
			s.logger.Info("Network service cancelled")
			return nil
		}
	}
}

func (s *Service) shutdown() {
	s.cmdRx.Close()
	if err := s.swarm.Close(); err != nil {
		s.logger.Warn("Failed to close swarm", zap.Error(err))
	}
	s.drainResults()
	s.evTx.Close()
	s.connected.Store(0)
	s.stopped.Store(true)
	s.metrics.ConnectedPeers.Set(0)
	s.logger.Info("Network service stopped")
}

// drainResults resolves the reply slots of operations that finished while
// the loop was stopping. Other buffered events are dropped.
func (s *Service) drainResults() {
	events := s.swarm.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case BehaviourDialDone:
				s.resolveDial(ev)
			case BehaviourRequestDone:
				s.resolveRequest(ev)
			}
		default:
			return
		}
	}
}

func (s *Service) resolveDial(ev BehaviourDialDone) {
	if !deliver(ev.Reply, ev.Err) {
		s.metrics.RepliesDropped.WithLabelValues("dial").Inc()
		s.logger.Warn("Failed to report dial result: receiver dropped", zap.Stringer("address", ev.Addr))
	}
}

func (s *Service) resolveRequest(ev BehaviourRequestDone) {
	if !deliver(ev.Reply, ev.Result) {
		s.metrics.RepliesDropped.WithLabelValues("outbound_request").Inc()
		s.logger.Warn("Failed to deliver request result: receiver dropped", zap.Stringer("peer", ev.Peer))
	}
}

func (s *Service) emit(ev NetworkEvent) {
	kind := eventKind(ev)
	if err := s.evTx.Send(ev); err != nil {
		s.metrics.EventsDropped.WithLabelValues(kind).Inc()
		s.logger.Error("Failed to send network event", zap.String("kind", kind), zap.Error(err))
		return
	}
	s.metrics.EventsEmitted.WithLabelValues(kind).Inc()
}

func (s *Service) handleSwarmEvent(ev BehaviourEvent) {
	switch ev := ev.(type) {
	case BehaviourPeerConnected:
		s.metrics.ConnectedPeers.Set(float64(s.connected.Add(1)))
		s.logger.Debug("Peer connected", zap.Stringer("peer", ev.Peer))
		s.emit(PeerConnected{Peer: ev.Peer})
	case BehaviourPeerDisconnected:
		n := s.connected.Add(-1)
		if n < 0 {
			s.connected.Store(0)
			n = 0
		}
		s.metrics.ConnectedPeers.Set(float64(n))
		s.logger.Debug("Peer disconnected", zap.Stringer("peer", ev.Peer))
		s.emit(PeerDisconnected{Peer: ev.Peer})
	case BehaviourRequest:
		s.logger.Debug("Inbound hello request", zap.Stringer("peer", ev.Source))
		s.emit(InboundRequest{Request: ev.Request, Source: ev.Source})
	case BehaviourGossip:
		s.emit(PubsubMessage{Topic: ev.Topic, Source: ev.Source, Data: ev.Data})
	case BehaviourDialDone:
		s.resolveDial(ev)
	case BehaviourRequestDone:
		s.resolveRequest(ev)
	default:
		s.logger.Debug("Ignoring unknown swarm event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (s *Service) handleCommand(ctx context.Context, cmd NetworkMessage) {
	kind := messageKind(cmd)
	s.metrics.CommandsHandled.WithLabelValues(kind).Inc()

	switch cmd := cmd.(type) {
	case OutboundRequest:
		s.swarm.SendRequest(cmd.Peer, cmd.Request, cmd.Reply)
	case ListenerQuery:
		info := ListenerInfo{PeerID: s.swarm.LocalPeer(), Addrs: s.swarm.Listeners()}
		if !deliver(cmd.Reply, info) {
			s.metrics.RepliesDropped.WithLabelValues(kind).Inc()
			s.logger.Warn("Failed to get listening addresses: receiver dropped")
		}
	case PublishMessage:
		if err := s.swarm.Publish(ctx, cmd.Topic, cmd.Data); err != nil {
			s.metrics.PublishFailures.Inc()
			s.logger.Warn("Failed to send gossipsub message", zap.String("topic", cmd.Topic), zap.Error(err))
		}
	case DialPeer:
		s.swarm.Dial(cmd.Addr, cmd.Reply)
	default:
		s.logger.Warn("Ignoring unknown network command", zap.String("kind", kind))
	}
}
