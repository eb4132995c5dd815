package broker

import (
	"testing"
	"time"

	"github.com/cuemby/warrenswarm/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestScoreUnknownPeerIsHalf(t *testing.T) {
	require.Equal(t, unknownPeerScore, Score(nil, time.Now()))
	require.Equal(t, unknownPeerScore, Score(&types.ReputationRecord{NodeID: "n"}, time.Now()))
}

func TestScorePerfectRecordNearsOne(t *testing.T) {
	now := time.Now().UTC()
	r := &types.ReputationRecord{
		NodeID:       "n",
		Completed:    10,
		Failed:       0,
		Abandoned:    0,
		TotalSeconds: 10 * speedBaselineSeconds, // avg == baseline -> speed score 1.0
		LastSeen:     now,
	}
	score := Score(r, now)
	require.InDelta(t, 1.0, score, 0.01)
}

func TestScoreDecaysWithAge(t *testing.T) {
	now := time.Now().UTC()
	r := &types.ReputationRecord{
		NodeID:       "n",
		Completed:    10,
		TotalSeconds: 10 * speedBaselineSeconds,
		LastSeen:     now.Add(-recencyHalfLife),
	}
	fresh := Score(r, now)

	rStale := *r
	rStale.LastSeen = now.Add(-4 * recencyHalfLife)
	stale := Score(&rStale, now)

	require.Less(t, stale, fresh)
}

func TestScoreBoundedToUnitInterval(t *testing.T) {
	now := time.Now().UTC()
	r := &types.ReputationRecord{NodeID: "n", Completed: 100, TotalSeconds: 1, LastSeen: now}
	require.LessOrEqual(t, Score(r, now), 1.0)

	r2 := &types.ReputationRecord{NodeID: "n", Completed: 0, Failed: 1, Abandoned: 9, LastSeen: now.Add(-1000 * time.Hour)}
	require.GreaterOrEqual(t, Score(r2, now), 0.0)
}
