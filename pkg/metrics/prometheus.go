package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rnr_network"

// NetworkMetrics groups the collectors updated by the network service.
type NetworkMetrics struct {
	EventsEmitted   *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	CommandsHandled *prometheus.CounterVec
	RepliesDropped  *prometheus.CounterVec
	PublishFailures prometheus.Counter
	ConnectedPeers  prometheus.Gauge
	PeerScores      prometheus.Histogram
	GraylistedPeers prometheus.Gauge
	InboundRequests *prometheus.CounterVec
}

// NewNetworkMetrics registers the collectors on reg. A nil registerer leaves
// them unregistered, which is what tests usually want. Building a second set
// on the same registerer shares the collectors already registered there.
func NewNetworkMetrics(reg prometheus.Registerer) *NetworkMetrics {
	m := &NetworkMetrics{
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Network events delivered to the application channel.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Network events dropped because no receiver was left.",
		}, []string{"kind"}),
		CommandsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_handled_total",
			Help:      "Application commands processed by the service loop.",
		}, []string{"kind"}),
		RepliesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_dropped_total",
			Help:      "Replies discarded because the requester abandoned the reply slot.",
		}, []string{"kind"}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Gossip publishes rejected by the pubsub router.",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Peers with at least one open connection.",
		}),
		PeerScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "peer_score",
			Help:      "Gossipsub peer scores observed at each inspection.",
			Buckets:   []float64{-2500, -1000, -500, -100, -10, 0, 1, 3.5, 10, 100, 1000},
		}),
		GraylistedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graylisted_peers",
			Help:      "Peers currently scored below the graylist threshold.",
		}),
		InboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_requests_total",
			Help:      "Inbound hello requests by outcome.",
		}, []string{"result"}),
	}

	if reg != nil {
		m.EventsEmitted = register(reg, m.EventsEmitted)
		m.EventsDropped = register(reg, m.EventsDropped)
		m.CommandsHandled = register(reg, m.CommandsHandled)
		m.RepliesDropped = register(reg, m.RepliesDropped)
		m.PublishFailures = register(reg, m.PublishFailures)
		m.ConnectedPeers = register(reg, m.ConnectedPeers)
		m.PeerScores = register(reg, m.PeerScores)
		m.GraylistedPeers = register(reg, m.GraylistedPeers)
		m.InboundRequests = register(reg, m.InboundRequests)
	}
	return m
}

// register adds c to reg, or returns the equivalent collector registered
// earlier. Any other registration error panics, as MustRegister does.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}

// Handler exposes the gatherer over HTTP in the text exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
