package reconcile

import (
	"math"
	"sort"

	"github.com/leaderboard-sync/internal/domain"
)

// PerformanceDecay is the weight ratio between consecutive scores when
// ordered by descending performance
const PerformanceDecay = 0.95

// ComputeStats derives a player's aggregates from their full score set
func ComputeStats(scores []domain.Score) domain.PlayerStats {
	var stats domain.PlayerStats
	if len(scores) == 0 {
		return stats
	}

	perf := make([]float64, 0, len(scores))
	rankSum := 0
	for _, s := range scores {
		rankSum += s.Rank
		if s.Score > stats.BestScore {
			stats.BestScore = s.Score
		}
		if s.Rank == 1 {
			stats.FirstPlaces++
		}
		if s.Rank <= 10 {
			stats.TopTenPlaces++
		}
		stats.TotalPerformance += s.Performance
		perf = append(perf, s.Performance)
	}

	sort.Sort(sort.Reverse(sort.Float64Slice(perf)))
	for i, p := range perf {
		stats.WeightedPerformance += p * math.Pow(PerformanceDecay, float64(i))
	}

	stats.ScoreCount = len(scores)
	stats.AverageRank = float64(rankSum) / float64(len(scores))
	return stats
}
