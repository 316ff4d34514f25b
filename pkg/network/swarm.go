package network

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"rnr-network/pkg/oneshot"
)

// Swarm is the network stack driven by the Service. P2PSwarm is the libp2p
// implementation.
//
// Dial and SendRequest must not block. Their outcome comes back on Events
// as BehaviourDialDone or BehaviourRequestDone, after the BehaviourPeerConnected
// of the peer involved, and the Service resolves the reply slot from it. A
// swarm may resolve the slot directly when it fails before doing any work.
// Events is closed when the swarm shuts down.
type Swarm interface {
	LocalPeer() peer.ID
	Listen(addr multiaddr.Multiaddr) error
	Listeners() []multiaddr.Multiaddr
	Subscribe(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	// Bootstrap starts route discovery. It returns ErrNoKnownPeers when
	// there is nobody to bootstrap from.
	Bootstrap() error
	Dial(addr multiaddr.Multiaddr, reply *oneshot.Sender[error])
	SendRequest(p peer.ID, req Request, reply *oneshot.Sender[RequestResult])
	Events() <-chan BehaviourEvent
	Close() error
}

// BehaviourEvent is emitted by a Swarm and translated by the Service.
type BehaviourEvent interface {
	behaviourEvent()
}

type BehaviourPeerConnected struct {
	Peer peer.ID
}

type BehaviourPeerDisconnected struct {
	Peer peer.ID
}

type BehaviourRequest struct {
	Request Request
	Source  peer.ID
}

type BehaviourGossip struct {
	Topic  string
	Source peer.ID
	Data   []byte
}

// BehaviourDialDone carries the outcome of Dial.
type BehaviourDialDone struct {
	Addr  multiaddr.Multiaddr
	Err   error
	Reply *oneshot.Sender[error]
}

// BehaviourRequestDone carries the outcome of SendRequest.
type BehaviourRequestDone struct {
	Peer   peer.ID
	Result RequestResult
	Reply  *oneshot.Sender[RequestResult]
}

func (BehaviourPeerConnected) behaviourEvent()    {}
func (BehaviourPeerDisconnected) behaviourEvent() {}
func (BehaviourRequest) behaviourEvent()          {}
func (BehaviourGossip) behaviourEvent()           {}
func (BehaviourDialDone) behaviourEvent()         {}
func (BehaviourRequestDone) behaviourEvent()      {}

// deliver resolves an optional reply slot and reports whether the value was
// handed over.
func deliver[T any](reply *oneshot.Sender[T], v T) bool {
	if reply == nil {
		return true
	}
	return reply.Send(v) == nil
}
