package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReputation(clock *fakeClock) *PeerReputation {
	pr := NewPeerReputation()
	pr.now = clock.Now
	return pr
}

func TestUnknownPeerHasNeutralAppScore(t *testing.T) {
	pr := newTestReputation(newFakeClock())
	assert.Zero(t, pr.AppScore(testPeerA))
	assert.NoError(t, pr.CheckAllowed(testPeerA))
}

func TestMisbehaviourLowersAppScore(t *testing.T) {
	pr := newTestReputation(newFakeClock())

	pr.RecordMisbehaviour(testPeerA, MisbehaviourRateLimit, severityRateLimit)
	rec, ok := pr.Get(testPeerA)
	require.True(t, ok)
	assert.Equal(t, initialReputation-10, rec.Score)
	assert.Equal(t, 1, rec.FailedActions)
	assert.Less(t, pr.AppScore(testPeerA), 0.0)
	assert.Zero(t, pr.AppScore(testPeerB))

	pr.RecordSuccess(testPeerA)
	rec, _ = pr.Get(testPeerA)
	assert.Equal(t, initialReputation-9, rec.Score)
}

func TestAccumulatedMisbehaviourBlacklists(t *testing.T) {
	clock := newFakeClock()
	pr := newTestReputation(clock)

	for i := 0; i < 3; i++ {
		pr.RecordMisbehaviour(testPeerA, MisbehaviourOversized, severityOversized)
	}
	assert.NoError(t, pr.CheckAllowed(testPeerA))
	pr.RecordMisbehaviour(testPeerA, MisbehaviourOversized, severityOversized)

	assert.ErrorIs(t, pr.CheckAllowed(testPeerA), ErrPeerBlacklisted)
	assert.Less(t, pr.AppScore(testPeerA), float64(GraylistScoreThreshold))

	clock.Advance(reputationBlacklistDuration + time.Second)
	assert.NoError(t, pr.CheckAllowed(testPeerA))
	rec, _ := pr.Get(testPeerA)
	assert.Equal(t, blacklistReputation+5, rec.Score)
	assert.Greater(t, pr.AppScore(testPeerA), float64(GraylistScoreThreshold))
}

func TestCriticalMisbehaviourBlacklistsImmediately(t *testing.T) {
	clock := newFakeClock()
	pr := newTestReputation(clock)

	pr.RecordMisbehaviour(testPeerA, "forged_response", criticalSeverity)
	assert.ErrorIs(t, pr.CheckAllowed(testPeerA), ErrPeerBlacklisted)

	clock.Advance(reputationBlacklistDuration + time.Second)
	assert.ErrorIs(t, pr.CheckAllowed(testPeerA), ErrPeerBlacklisted)
}

func TestRecoverOnlyAfterQuietPeriod(t *testing.T) {
	clock := newFakeClock()
	pr := newTestReputation(clock)

	pr.RecordMisbehaviour(testPeerA, MisbehaviourMalformed, severityMalformed)
	pr.Recover()
	rec, _ := pr.Get(testPeerA)
	assert.Equal(t, initialReputation-15, rec.Score)

	clock.Advance(reputationQuietPeriod + time.Minute)
	pr.Recover()
	rec, _ = pr.Get(testPeerA)
	assert.Equal(t, initialReputation-14, rec.Score)
}

func TestReputationCleanupKeepsRecentAndDirtyPeers(t *testing.T) {
	clock := newFakeClock()
	pr := newTestReputation(clock)

	pr.RecordSuccess(testPeerA)
	for i := 0; i < 3; i++ {
		pr.RecordMisbehaviour(testPeerB, MisbehaviourMalformed, severityMalformed)
	}
	assert.Zero(t, pr.Cleanup())

	clock.Advance(reputationRetention + time.Hour)
	assert.Equal(t, 1, pr.Cleanup())
	_, ok := pr.Get(testPeerA)
	assert.False(t, ok)
	_, ok = pr.Get(testPeerB)
	assert.True(t, ok)
}

func TestPeerScoreParamsUseReputation(t *testing.T) {
	pr := newTestReputation(newFakeClock())
	pr.RecordMisbehaviour(testPeerA, MisbehaviourRateLimit, severityRateLimit)

	params := BuildPeerScoreParams("calibnet", false, pr.AppScore)
	assert.Less(t, params.AppSpecificScore(testPeerA), 0.0)
	assert.Zero(t, params.AppSpecificScore(testPeerB))
}
