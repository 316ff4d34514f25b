package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/time/rate"
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrPeerBanned  = errors.New("peer is banned")
)

const (
	maxViolations        = 5
	violationBanDuration = 10 * time.Minute
	idlePeerExpiry       = 10 * time.Minute
	cleanupInterval      = 5 * time.Minute
)

// RateLimiter applies a token bucket per peer to inbound requests. Peers
// that keep hitting the limit are banned for a while.
type RateLimiter struct {
	limits map[peer.ID]*peerLimit
	mu     sync.Mutex

	limit rate.Limit
	burst int
	now   func() time.Time
}

type peerLimit struct {
	bucket         *rate.Limiter
	lastSeen       time.Time
	violationCount int
	banExpiry      time.Time
}

// NewRateLimiter allows requestsPerMinute with bursts of burstSize. A
// non-positive rate disables limiting.
func NewRateLimiter(requestsPerMinute, burstSize int) *RateLimiter {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60)
	}
	if burstSize <= 0 {
		burstSize = 1
	}
	return &RateLimiter{
		limits: make(map[peer.ID]*peerLimit),
		limit:  limit,
		burst:  burstSize,
		now:    time.Now,
	}
}

func (rl *RateLimiter) peer(p peer.ID, now time.Time) *peerLimit {
	limit, exists := rl.limits[p]
	if !exists {
		limit = &peerLimit{bucket: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limits[p] = limit
	}
	limit.lastSeen = now
	return limit
}

// AllowRequest consumes one token for p.
func (rl *RateLimiter) AllowRequest(p peer.ID) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	limit := rl.peer(p, now)

	if !limit.banExpiry.IsZero() {
		if now.Before(limit.banExpiry) {
			return fmt.Errorf("%w: %s until %s", ErrPeerBanned, p, limit.banExpiry.Format(time.RFC3339))
		}
		limit.banExpiry = time.Time{}
		limit.violationCount = 0
	}

	if limit.bucket.AllowN(now, 1) {
		return nil
	}

	limit.violationCount++
	if limit.violationCount >= maxViolations {
		limit.banExpiry = now.Add(violationBanDuration)
		return fmt.Errorf("%w: %s banned after repeated violations: %w", ErrPeerBanned, p, ErrRateLimited)
	}
	return fmt.Errorf("%w: %s", ErrRateLimited, p)
}

func (rl *RateLimiter) BanPeer(p peer.ID, duration time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.peer(p, now).banExpiry = now.Add(duration)
}

// ResetPeer lifts a ban and refills the bucket.
func (rl *RateLimiter) ResetPeer(p peer.ID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limits, p)
}

func (rl *RateLimiter) BannedPeers() []peer.ID {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	banned := make([]peer.ID, 0)
	for p, limit := range rl.limits {
		if now.Before(limit.banExpiry) {
			banned = append(banned, p)
		}
	}
	return banned
}

// Cleanup forgets peers idle for longer than idle, keeping active bans.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for p, limit := range rl.limits {
		if now.Before(limit.banExpiry) {
			continue
		}
		if now.Sub(limit.lastSeen) > idle {
			delete(rl.limits, p)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup(idlePeerExpiry)
		}
	}
}
