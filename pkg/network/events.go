package network

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"rnr-network/pkg/oneshot"
)

// NetworkEvent is delivered from the service to the application.
type NetworkEvent interface {
	networkEvent()
}

type PeerConnected struct {
	Peer peer.ID
}

type PeerDisconnected struct {
	Peer peer.ID
}

// InboundRequest is a hello request received from Source. The service has
// already answered it.
type InboundRequest struct {
	Request Request
	Source  peer.ID
}

// PubsubMessage is a gossip message received on one of the subscribed
// topics.
type PubsubMessage struct {
	Topic  string
	Source peer.ID
	Data   []byte
}

func (PeerConnected) networkEvent()    {}
func (PeerDisconnected) networkEvent() {}
func (InboundRequest) networkEvent()   {}
func (PubsubMessage) networkEvent()    {}

// NetworkMessage is a command from the application to the service.
type NetworkMessage interface {
	networkMessage()
}

// RequestResult resolves an OutboundRequest. Exactly one of Response and Err
// is meaningful.
type RequestResult struct {
	Response Response
	Err      error
}

// OutboundRequest sends Request to Peer. Reply receives the outcome once the
// exchange completes or fails; a nil Reply discards it.
type OutboundRequest struct {
	Peer    peer.ID
	Request Request
	Reply   *oneshot.Sender[RequestResult]
}

// ListenerInfo is a snapshot of the local identity and listen addresses.
type ListenerInfo struct {
	PeerID peer.ID
	Addrs  []multiaddr.Multiaddr
}

type ListenerQuery struct {
	Reply *oneshot.Sender[ListenerInfo]
}

// PublishMessage gossips Data on Topic, which must be a full namespaced
// topic name.
type PublishMessage struct {
	Topic string
	Data  []byte
}

// DialPeer connects to Addr, which must carry a /p2p component.
type DialPeer struct {
	Addr  multiaddr.Multiaddr
	Reply *oneshot.Sender[error]
}

func (OutboundRequest) networkMessage() {}
func (ListenerQuery) networkMessage()   {}
func (PublishMessage) networkMessage()  {}
func (DialPeer) networkMessage()        {}

func eventKind(ev NetworkEvent) string {
	switch ev.(type) {
	case PeerConnected:
		return "peer_connected"
	case PeerDisconnected:
		return "peer_disconnected"
	case InboundRequest:
		return "inbound_request"
	case PubsubMessage:
		return "pubsub_message"
	default:
		return "unknown"
	}
}

func messageKind(msg NetworkMessage) string {
	switch msg.(type) {
	case OutboundRequest:
		return "outbound_request"
	case ListenerQuery:
		return "listener_query"
	case PublishMessage:
		return "publish"
	case DialPeer:
		return "dial"
	default:
		return "unknown"
	}
}
