package network

import (
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	rcmgr "github.com/libp2p/go-libp2p/p2p/host/resource-manager"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
)

var ErrConnectionLimit = errors.New("connection limit reached")

// ConnectionLimits are the ceilings applied when connections are accepted
// or dialed. Zero means no ceiling. Hitting a ceiling rejects the new
// attempt and never closes an existing connection.
type ConnectionLimits struct {
	MaxPendingIncoming     int
	MaxPendingOutgoing     int
	MaxEstablishedIncoming int
	MaxEstablishedOutgoing int
	MaxEstablishedPerPeer  int
}

func DefaultConnectionLimits(targetPeerCount int) ConnectionLimits {
	return ConnectionLimits{
		MaxPendingIncoming:     10,
		MaxPendingOutgoing:     30,
		MaxEstablishedIncoming: targetPeerCount,
		MaxEstablishedOutgoing: targetPeerCount,
		MaxEstablishedPerPeer:  5,
	}
}

// ConnectionStats is a snapshot of a ConnectionCounter.
type ConnectionStats struct {
	PendingIncoming     int
	PendingOutgoing     int
	EstablishedIncoming int
	EstablishedOutgoing int
	Peers               int
}

// ConnectionCounter tracks connections against ConnectionLimits. A
// connection starts pending, is promoted once the remote peer is known and
// is released when it closes.
type ConnectionCounter struct {
	mu             sync.Mutex
	limits         ConnectionLimits
	pendingIn      int
	pendingOut     int
	establishedIn  int
	establishedOut int
	perPeer        map[peer.ID]int
}

func NewConnectionCounter(limits ConnectionLimits) *ConnectionCounter {
	return &ConnectionCounter{
		limits:  limits,
		perPeer: make(map[peer.ID]int),
	}
}

func exceeds(n, limit int) bool {
	return limit > 0 && n >= limit
}

func isOutbound(dir network.Direction) bool {
	return dir == network.DirOutbound
}

// BeginPending reserves a pending slot for a new connection attempt.
func (c *ConnectionCounter) BeginPending(dir network.Direction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if isOutbound(dir) {
		if exceeds(c.pendingOut, c.limits.MaxPendingOutgoing) {
			return fmt.Errorf("%w: %d pending outgoing", ErrConnectionLimit, c.pendingOut)
		}
		c.pendingOut++
		return nil
	}
	if exceeds(c.pendingIn, c.limits.MaxPendingIncoming) {
		return fmt.Errorf("%w: %d pending incoming", ErrConnectionLimit, c.pendingIn)
	}
	c.pendingIn++
	return nil
}

// ReleasePending frees a pending slot of a connection that never got
// established.
func (c *ConnectionCounter) ReleasePending(dir network.Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if isOutbound(dir) {
		if c.pendingOut > 0 {
			c.pendingOut--
		}
		return
	}
	if c.pendingIn > 0 {
		c.pendingIn--
	}
}

// Establish promotes a pending connection to an established one with p.
// On error the pending slot is kept; the caller releases it.
func (c *ConnectionCounter) Establish(dir network.Direction, p peer.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exceeds(c.perPeer[p], c.limits.MaxEstablishedPerPeer) {
		return fmt.Errorf("%w: %d connections to %s", ErrConnectionLimit, c.perPeer[p], p)
	}
	if isOutbound(dir) {
		if exceeds(c.establishedOut, c.limits.MaxEstablishedOutgoing) {
			return fmt.Errorf("%w: %d established outgoing", ErrConnectionLimit, c.establishedOut)
		}
		if c.pendingOut > 0 {
			c.pendingOut--
		}
		c.establishedOut++
	} else {
		if exceeds(c.establishedIn, c.limits.MaxEstablishedIncoming) {
			return fmt.Errorf("%w: %d established incoming", ErrConnectionLimit, c.establishedIn)
		}
		if c.pendingIn > 0 {
			c.pendingIn--
		}
		c.establishedIn++
	}
	c.perPeer[p]++
	return nil
}

func (c *ConnectionCounter) ReleaseEstablished(dir network.Direction, p peer.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if isOutbound(dir) {
		if c.establishedOut > 0 {
			c.establishedOut--
		}
	} else if c.establishedIn > 0 {
		c.establishedIn--
	}
	if n := c.perPeer[p]; n <= 1 {
		delete(c.perPeer, p)
	} else {
		c.perPeer[p] = n - 1
	}
}

func (c *ConnectionCounter) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStats{
		PendingIncoming:     c.pendingIn,
		PendingOutgoing:     c.pendingOut,
		EstablishedIncoming: c.establishedIn,
		EstablishedOutgoing: c.establishedOut,
		Peers:               len(c.perPeer),
	}
}

// AdmissionManager is a libp2p resource manager that enforces
// ConnectionLimits on top of an inner resource manager. Every transport
// opens a connection scope before the handshake and sets the peer on it
// once the remote is authenticated, which is where pending connections
// are promoted.
type AdmissionManager struct {
	network.ResourceManager
	counter *ConnectionCounter
}

func NewAdmissionResourceManager(limits ConnectionLimits, inner network.ResourceManager) *AdmissionManager {
	if inner == nil {
		inner = &network.NullResourceManager{}
	}
	return &AdmissionManager{
		ResourceManager: inner,
		counter:         NewConnectionCounter(limits),
	}
}

// NewDefaultResourceManager builds the auto-scaled libp2p resource manager.
// When reg is set its scope statistics are exported there.
func NewDefaultResourceManager(reg prometheus.Registerer) (network.ResourceManager, error) {
	var opts []rcmgr.Option
	if reg != nil {
		rcmgr.MustRegisterWith(reg)
		reporter, err := rcmgr.NewStatsTraceReporter()
		if err != nil {
			return nil, fmt.Errorf("failed to create resource manager reporter: %w", err)
		}
		opts = append(opts, rcmgr.WithTraceReporter(reporter))
	}

	limiter := rcmgr.NewFixedLimiter(rcmgr.DefaultLimits.AutoScale())
	mgr, err := rcmgr.NewResourceManager(limiter, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager: %w", err)
	}
	return mgr, nil
}

func (m *AdmissionManager) OpenConnection(dir network.Direction, usefd bool, endpoint multiaddr.Multiaddr) (network.ConnManagementScope, error) {
	if err := m.counter.BeginPending(dir); err != nil {
		return nil, err
	}
	scope, err := m.ResourceManager.OpenConnection(dir, usefd, endpoint)
	if err != nil {
		m.counter.ReleasePending(dir)
		return nil, err
	}
	return &admissionScope{ConnManagementScope: scope, counter: m.counter, dir: dir}, nil
}

func (m *AdmissionManager) Stats() ConnectionStats {
	return m.counter.Stats()
}

type admissionScope struct {
	network.ConnManagementScope
	counter *ConnectionCounter
	dir     network.Direction

	mu          sync.Mutex
	established bool
	peer        peer.ID
	done        bool
}

func (s *admissionScope) SetPeer(p peer.ID) error {
	if err := s.ConnManagementScope.SetPeer(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.established || s.done {
		return nil
	}
	if err := s.counter.Establish(s.dir, p); err != nil {
		return err
	}
	s.established = true
	s.peer = p
	return nil
}

func (s *admissionScope) Done() {
	s.mu.Lock()
	if !s.done {
		s.done = true
		if s.established {
			s.counter.ReleaseEstablished(s.dir, s.peer)
		} else {
			s.counter.ReleasePending(s.dir)
		}
	}
	s.mu.Unlock()
	s.ConnManagementScope.Done()
}
