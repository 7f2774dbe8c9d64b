package pipeline

import (
	"math"
	"sort"

	"github.com/samber/lo"
)

// Distribution summarizes data quality scores. Buckets are keyed by their
// lower bound.
type Distribution struct {
	Count   int            `json:"count" yaml:"count"`
	Min     float64        `json:"min" yaml:"min"`
	Mean    float64        `json:"mean" yaml:"mean"`
	P50     float64        `json:"p50" yaml:"p50"`
	P90     float64        `json:"p90" yaml:"p90"`
	Max     float64        `json:"max" yaml:"max"`
	Buckets map[string]int `json:"buckets" yaml:"buckets"`
}

var qualityBuckets = []struct {
	label string
	lower float64
}{
	{"0.9", 0.9},
	{"0.7", 0.7},
	{"0.5", 0.5},
	{"0.0", 0},
}

func NewDistribution(scores []float64) Distribution {
	d := Distribution{Buckets: make(map[string]int, len(qualityBuckets))}
	for _, b := range qualityBuckets {
		d.Buckets[b.label] = 0
	}
	if len(scores) == 0 {
		return d
	}

	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)

	d.Count = len(sorted)
	d.Min = sorted[0]
	d.Max = sorted[len(sorted)-1]
	d.Mean = round4(lo.Sum(sorted) / float64(len(sorted)))
	d.P50 = percentile(sorted, 0.5)
	d.P90 = percentile(sorted, 0.9)
	for _, s := range sorted {
		for _, b := range qualityBuckets {
			if s >= b.lower {
				d.Buckets[b.label]++
				break
			}
		}
	}
	return d
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
