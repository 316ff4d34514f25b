package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

var ErrPeerBlacklisted = errors.New("peer is blacklisted")

// Misbehaviour kinds recorded by the swarm.
const (
	MisbehaviourRateLimit       = "rate_limit_exceeded"
	MisbehaviourOversized       = "oversized_message"
	MisbehaviourMalformed       = "malformed_request"
	severityRateLimit           = 2
	severityOversized           = 5
	severityMalformed           = 3
	criticalSeverity            = 8
	maxMisbehaviourHistory      = 32
	initialReputation           = 100
	blacklistReputation         = 20
	reputationBlacklistDuration = 24 * time.Hour
	criticalBlacklistDuration   = 7 * 24 * time.Hour
	reputationQuietPeriod       = 24 * time.Hour
	reputationRecoveryRate      = 0.1
	reputationRecoveryInterval  = time.Hour
	reputationRetention         = 30 * 24 * time.Hour

	// Each lost point costs 10, so a peer at zero sits on the publish
	// threshold. Blacklisted peers are graylisted outright.
	reputationPointScore = -10
	blacklistedAppScore  = 2 * GraylistScoreThreshold
)

type Misbehaviour struct {
	Kind      string
	Severity  int
	Timestamp time.Time
}

// PeerRecord is the reputation kept for one peer. Score runs from 0 to 100.
type PeerRecord struct {
	Score             int
	Misbehaviours     []Misbehaviour
	FirstSeen         time.Time
	LastSeen          time.Time
	SuccessfulActions int
	FailedActions     int
	BlacklistReason   string
	BlacklistedUntil  time.Time
}

func (r *PeerRecord) blacklisted(now time.Time) bool {
	return now.Before(r.BlacklistedUntil)
}

// PeerReputation tracks how peers behave on the request protocol. It feeds
// the application-specific component of the gossipsub peer score.
type PeerReputation struct {
	mu      sync.Mutex
	records map[peer.ID]*PeerRecord
	now     func() time.Time
}

func NewPeerReputation() *PeerReputation {
	return &PeerReputation{
		records: make(map[peer.ID]*PeerRecord),
		now:     time.Now,
	}
}

func (pr *PeerReputation) record(p peer.ID, now time.Time) *PeerRecord {
	rec, exists := pr.records[p]
	if !exists {
		rec = &PeerRecord{Score: initialReputation, FirstSeen: now}
		pr.records[p] = rec
	}
	rec.LastSeen = now
	return rec
}

// expire lifts a lapsed blacklist, leaving the peer just above the line.
func expire(rec *PeerRecord, now time.Time) {
	if rec.BlacklistedUntil.IsZero() || rec.blacklisted(now) {
		return
	}
	rec.BlacklistedUntil = time.Time{}
	rec.BlacklistReason = ""
	if rec.Score < blacklistReputation+5 {
		rec.Score = blacklistReputation + 5
	}
}

// CheckAllowed rejects blacklisted peers.
func (pr *PeerReputation) CheckAllowed(p peer.ID) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	rec, exists := pr.records[p]
	if !exists {
		return nil
	}
	now := pr.now()
	expire(rec, now)
	if rec.blacklisted(now) {
		return fmt.Errorf("%w: %s (%s)", ErrPeerBlacklisted, p, rec.BlacklistReason)
	}
	return nil
}

// RecordMisbehaviour costs p five points per severity level. Falling under
// the blacklist line, or a critical severity, blacklists the peer.
func (pr *PeerReputation) RecordMisbehaviour(p peer.ID, kind string, severity int) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	now := pr.now()
	rec := pr.record(p, now)
	expire(rec, now)

	rec.Misbehaviours = append(rec.Misbehaviours, Misbehaviour{Kind: kind, Severity: severity, Timestamp: now})
	if len(rec.Misbehaviours) > maxMisbehaviourHistory {
		rec.Misbehaviours = rec.Misbehaviours[len(rec.Misbehaviours)-maxMisbehaviourHistory:]
	}
	rec.FailedActions++

	rec.Score -= severity * 5
	if rec.Score < 0 {
		rec.Score = 0
	}

	if severity >= criticalSeverity {
		rec.BlacklistReason = "critical misbehaviour: " + kind
		rec.BlacklistedUntil = now.Add(criticalBlacklistDuration)
		return
	}
	if rec.Score < blacklistReputation && !rec.blacklisted(now) {
		rec.BlacklistReason = "accumulated misbehaviour: " + kind
		rec.BlacklistedUntil = now.Add(reputationBlacklistDuration)
	}
}

func (pr *PeerReputation) RecordSuccess(p peer.ID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	rec := pr.record(p, pr.now())
	rec.SuccessfulActions++
	if rec.Score < initialReputation {
		rec.Score++
	}
}

func (pr *PeerReputation) Get(p peer.ID) (PeerRecord, bool) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	rec, exists := pr.records[p]
	if !exists {
		return PeerRecord{}, false
	}
	out := *rec
	out.Misbehaviours = append([]Misbehaviour(nil), rec.Misbehaviours...)
	return out, true
}

// AppScore is the gossipsub application-specific score of p: zero for a
// clean peer, negative in proportion to lost reputation, and below the
// graylist threshold while blacklisted.
func (pr *PeerReputation) AppScore(p peer.ID) float64 {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	rec, exists := pr.records[p]
	if !exists {
		return 0
	}
	now := pr.now()
	expire(rec, now)
	if rec.blacklisted(now) {
		return blacklistedAppScore
	}
	return float64(initialReputation-rec.Score) * reputationPointScore
}

// Recover gives back a tenth of the lost points to peers with no
// misbehaviour in the last day.
func (pr *PeerReputation) Recover() {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	now := pr.now()
	cutoff := now.Add(-reputationQuietPeriod)
	for _, rec := range pr.records {
		expire(rec, now)
		if rec.blacklisted(now) || rec.Score >= initialReputation {
			continue
		}
		if n := len(rec.Misbehaviours); n > 0 && rec.Misbehaviours[n-1].Timestamp.After(cutoff) {
			continue
		}
		recovery := int(float64(initialReputation-rec.Score) * reputationRecoveryRate)
		if recovery < 1 {
			recovery = 1
		}
		rec.Score += recovery
		if rec.Score > initialReputation {
			rec.Score = initialReputation
		}
	}
}

// Cleanup forgets clean peers not seen within the retention window.
func (pr *PeerReputation) Cleanup() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	now := pr.now()
	cutoff := now.Add(-reputationRetention)
	removed := 0
	for p, rec := range pr.records {
		if rec.blacklisted(now) || rec.LastSeen.After(cutoff) {
			continue
		}
		if rec.Score >= 90 {
			delete(pr.records, p)
			removed++
		}
	}
	return removed
}

func (pr *PeerReputation) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(reputationRecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr.Recover()
			pr.Cleanup()
		}
	}
}
