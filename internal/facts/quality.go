package facts

import (
	"math"
	"time"

	"github.com/smallbiznis/usageledger/internal/config"
)

// Scorer computes data quality scores in [0, 1].
type Scorer struct {
	weights config.QualityConfig
	sla     time.Duration
}

func NewScorer(weights config.QualityConfig, sla time.Duration) Scorer {
	if sla <= 0 {
		sla = 24 * time.Hour
	}
	return Scorer{weights: weights, sla: sla}
}

// Freshness is 1 when the data was fetched within the SLA after the
// activity day ended, then decays linearly to 0 over one more SLA window.
// Unknown fetch times score 0.
func (s Scorer) Freshness(activityDate, fetchedAt time.Time) float64 {
	if fetchedAt.IsZero() {
		return 0
	}
	deadline := activityDate.Add(24 * time.Hour).Add(s.sla)
	late := fetchedAt.Sub(deadline)
	if late <= 0 {
		return 1
	}
	return clamp01(1 - float64(late)/float64(s.sla))
}

// Score is the weighted mean of the components, reduced by the ambiguity
// penalty for ambiguous granularity.
func (s Scorer) Score(completeness, freshness, consistency float64, ambiguous bool) float64 {
	w := s.weights
	total := w.CompletenessWeight + w.FreshnessWeight + w.ConsistencyWeight
	if total <= 0 {
		return 0
	}
	score := (w.CompletenessWeight*clamp01(completeness) +
		w.FreshnessWeight*clamp01(freshness) +
		w.ConsistencyWeight*clamp01(consistency)) / total
	if ambiguous {
		score *= 1 - clamp01(w.AmbiguityPenalty)
	}
	return round4(score)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
