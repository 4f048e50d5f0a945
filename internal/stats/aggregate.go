// Package stats holds the pure arithmetic behind player aggregates.
package stats

import (
	"math"

	"github.com/leaderboard-stats/internal/domain"
)

const (
	// WindowSize is how many best scores feed the weighted aggregates
	WindowSize = 125
	// Decay is the per-position weight multiplier
	Decay = 0.95
)

// WeightedAccuracy returns Σ(acc_i·100·d^i) / Σ(100·d^i) over scores, which must
// already be ordered best first. An empty window yields 0.
func WeightedAccuracy(scores []domain.ScoreRecord, decay float64) float64 {
	var total, divide float64
	for i := range scores {
		weight := 100 * math.Pow(decay, float64(i))
		total += scores[i].Accuracy * weight
		divide += weight
	}
	if divide == 0 {
		return 0
	}
	return total / divide
}

// WeightedPP returns Σ round(round(pp_i)·d^i). The rounding order matches the
// stored rankings and must not be rearranged; rounding is half-to-even.
func WeightedPP(scores []domain.ScoreRecord, decay float64) int64 {
	var total int64
	for i := range scores {
		raw := math.RoundToEven(scores[i].PPValue())
		total += int64(math.RoundToEven(raw * math.Pow(decay, float64(i))))
	}
	return total
}

// Window truncates scores to at most size entries
func Window(scores []domain.ScoreRecord, size int) []domain.ScoreRecord {
	if size > 0 && len(scores) > size {
		return scores[:size]
	}
	return scores
}
