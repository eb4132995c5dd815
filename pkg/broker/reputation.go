package broker

import (
	"math"
	"time"

	"github.com/cuemby/warrenswarm/pkg/types"
)

// unknownPeerScore is returned for any node with no reputation history.
const unknownPeerScore = 0.5

// recencyHalfLife is the half-life used for the recency-decay term: a
// node not seen for this long contributes half its otherwise-possible
// recency score.
const recencyHalfLife = 24 * time.Hour

// speedBaselineSeconds is the completion time below which a node earns
// the maximum speed score; above it, score decays toward zero.
const speedBaselineSeconds = 120.0

// Score computes a remote node's reputation in [0.0, 1.0]:
// 0.40*completion-rate + 0.25*reliability + 0.20*speed-score + 0.15*recency-decay.
// A node with no recorded history scores unknownPeerScore.
func Score(r *types.ReputationRecord, now time.Time) float64 {
	if r == nil {
		return unknownPeerScore
	}
	total := r.Completed + r.Failed + r.Abandoned
	if total == 0 {
		return unknownPeerScore
	}

	completionRate := float64(r.Completed) / float64(total)
	reliability := 1.0 - float64(r.Abandoned)/float64(total)

	avgSeconds := 0.0
	if r.Completed > 0 {
		avgSeconds = r.TotalSeconds / float64(r.Completed)
	}
	speedScore := speedBaselineSeconds / math.Max(avgSeconds, speedBaselineSeconds)

	hoursSinceLastSeen := now.Sub(r.LastSeen).Hours()
	if hoursSinceLastSeen < 0 {
		hoursSinceLastSeen = 0
	}
	recencyDecay := math.Exp(-math.Ln2 * hoursSinceLastSeen / recencyHalfLife.Hours())

	score := 0.40*completionRate + 0.25*reliability + 0.20*speedScore + 0.15*recencyDecay
	return clampUnit(score)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
