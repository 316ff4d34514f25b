package network

import (
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer scoring parameters, borrowed from lotus. The per-topic parameters are
// only applied when topic scoring is switched on: with them enabled, blocks
// arrived roughly one second later than without.

// ScoreDecayInterval is the length of one decay tick.
const ScoreDecayInterval = pubsub.DefaultDecayInterval

// Thresholds, in increasing order.
const (
	GraylistScoreThreshold           = -2500
	PublishScoreThreshold            = -1000
	GossipScoreThreshold             = -500
	OpportunisticGraftScoreThreshold = 3.5
	AcceptPXScoreThreshold           = 1000
)

// HalfLifeDecay returns the per-tick multiplier that halves a score
// contribution every halfLife when no new events occur.
func HalfLifeDecay(halfLife time.Duration) float64 {
	return pubsub.ScoreParameterDecayWithBase(halfLife, ScoreDecayInterval, 0.5)
}

func BuildMsgTopicConfig() *pubsub.TopicScoreParams {
	return &pubsub.TopicScoreParams{
		// expected 10 blocks/min
		TopicWeight: 0.1,

		// 1 tick per second, maxes at 1 after 1 hour
		TimeInMeshWeight:  0.00027,
		TimeInMeshQuantum: time.Second,
		TimeInMeshCap:     1,

		// deliveries decay after 10min, cap at 100 tx
		FirstMessageDeliveriesWeight: 5,
		FirstMessageDeliveriesDecay:  HalfLifeDecay(10 * time.Minute),
		FirstMessageDeliveriesCap:    100,

		// invalid messages decay after 1 hour
		InvalidMessageDeliveriesWeight: -1000,
		InvalidMessageDeliveriesDecay:  HalfLifeDecay(time.Hour),
	}
}

func BuildBlockTopicConfig() *pubsub.TopicScoreParams {
	return &pubsub.TopicScoreParams{
		TopicWeight: 0.1,

		// 1 tick per second, maxes at 1 hour (1/3600)
		TimeInMeshWeight:  0.0002778,
		TimeInMeshQuantum: time.Second,
		TimeInMeshCap:     1,

		// 100 blocks in 10 minutes
		FirstMessageDeliveriesWeight: 0.5,
		FirstMessageDeliveriesDecay:  HalfLifeDecay(10 * time.Minute),
		FirstMessageDeliveriesCap:    100,

		InvalidMessageDeliveriesWeight: -1000,
		InvalidMessageDeliveriesDecay:  HalfLifeDecay(time.Hour),
	}
}

// BuildPeerScoreParams assembles the peer-level parameters. Topic entries
// are keyed by the namespaced topic names and only present when
// topicScoring is set. appScore supplies the application-specific
// component; nil scores every peer zero.
func BuildPeerScoreParams(networkName string, topicScoring bool, appScore func(peer.ID) float64) *pubsub.PeerScoreParams {
	if appScore == nil {
		appScore = func(peer.ID) float64 { return 0 }
	}
	topics := make(map[string]*pubsub.TopicScoreParams)
	if topicScoring {
		topics[TopicName(PubsubBlockStr, networkName)] = BuildBlockTopicConfig()
		topics[TopicName(PubsubMsgStr, networkName)] = BuildMsgTopicConfig()
	}

	return &pubsub.PeerScoreParams{
		AppSpecificScore:  appScore,
		AppSpecificWeight: 1,

		// penalise more than 5 peers behind one IP
		IPColocationFactorThreshold: 5,
		IPColocationFactorWeight:    -100,

		BehaviourPenaltyThreshold: 6,
		BehaviourPenaltyWeight:    -10,
		BehaviourPenaltyDecay:     HalfLifeDecay(time.Hour),

		DecayInterval: ScoreDecayInterval,
		DecayToZero:   pubsub.DefaultDecayToZero,

		// keep non-positive scores of disconnected peers for 6 hours
		RetainScore: 6 * time.Hour,

		Topics: topics,
	}
}

func BuildPeerScoreThresholds() *pubsub.PeerScoreThresholds {
	return &pubsub.PeerScoreThresholds{
		GossipThreshold:             GossipScoreThreshold,
		PublishThreshold:            PublishScoreThreshold,
		GraylistThreshold:           GraylistScoreThreshold,
		AcceptPXThreshold:           AcceptPXScoreThreshold,
		OpportunisticGraftThreshold: OpportunisticGraftScoreThreshold,
	}
}
