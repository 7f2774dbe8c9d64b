// Package facts assembles resolved, deduplicated and delta-converted records
// into canonical facts keyed by (platform, user, date, dimensions).
package facts

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usageledger/internal/config"
	deltadomain "github.com/smallbiznis/usageledger/internal/delta/domain"
	factsdomain "github.com/smallbiznis/usageledger/internal/facts/domain"
	identitydomain "github.com/smallbiznis/usageledger/internal/identity/domain"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"gorm.io/datatypes"
)

// LevelCumulativeDelta marks cost derived from cumulative snapshots.
const LevelCumulativeDelta = "cumulative_delta"

type ResolvedUsage struct {
	Record     sourcedomain.RawUsageRecord
	Resolution identitydomain.Resolution
}

type ResolvedCost struct {
	Record     sourcedomain.RawCostRecord
	Resolution identitydomain.Resolution
	Level      string
	Ambiguous  bool
	Consistent bool
	Clamped    bool
}

// CostFromDelta turns a converted delta into a cost record tagged with its
// billing cycle.
func CostFromDelta(e deltadomain.DeltaEntry, res identitydomain.Resolution) ResolvedCost {
	return ResolvedCost{
		Record: sourcedomain.RawCostRecord{
			Platform:       e.Platform,
			VendorIdentity: e.VendorIdentity,
			VendorLabel:    e.VendorLabel,
			ActivityDate:   e.ActivityDate,
			Dimensions:     sourcedomain.Dimensions{factsdomain.DimensionBillingCycle: e.BillingCycleStart.Format(sourcedomain.DateLayout)},
			AmountUSD:      e.DeltaUSD,
		},
		Resolution: res,
		Level:      LevelCumulativeDelta,
		Consistent: true,
		Clamped:    e.Clamped(),
	}
}

type Input struct {
	Platform      string
	ActivityDate  time.Time
	RunID         string
	FetchedAt     time.Time
	IdentityStale bool
	Usage         []ResolvedUsage
	Cost          []ResolvedCost
}

// Stats describe the money and records behind one build.
type Stats struct {
	UsageRecords    int
	CostRecords     int
	TotalUSD        decimal.Decimal
	AttributedUSD   decimal.Decimal
	UnattributedUSD decimal.Decimal
	AmbiguousUSD    decimal.Decimal
	InconsistentUSD decimal.Decimal
	// UncertainUSD counts each fact once when it carries any money-affecting
	// anomaly: unattributed, ambiguous or not reconciled.
	UncertainUSD decimal.Decimal
	Freshness    float64
	Completeness float64
	Scores       []float64
}

type Output struct {
	Usage []factsdomain.UsageFact
	Cost  []factsdomain.CostFact
	Stats Stats
}

type Builder struct {
	scorer Scorer
}

func NewBuilder(engine config.EngineConfig, pcfg config.PlatformConfig) *Builder {
	return &Builder{scorer: NewScorer(engine.Quality, pcfg.FreshnessSLA)}
}

type costAcc struct {
	fact       factsdomain.CostFact
	identities map[string]struct{}
	confidence float64
	method     identitydomain.Method
	keyword    bool
	ambiguous  bool
	consistent bool
	clamped    bool
	levels     map[string]struct{}
}

type usageAcc struct {
	fact       factsdomain.UsageFact
	identities map[string]struct{}
	metrics    map[string]float64
	confidence float64
	method     identitydomain.Method
	keyword    bool
}

// Build aggregates records by natural key. It is deterministic: the same
// input always yields the same facts in natural key order.
func (b *Builder) Build(in Input) Output {
	date := sourcedomain.Day(in.ActivityDate)
	freshness := b.scorer.Freshness(date, in.FetchedAt)

	stats := Stats{
		UsageRecords: len(in.Usage),
		CostRecords:  len(in.Cost),
		Freshness:    freshness,
	}

	costs := make(map[string]*costAcc)
	for _, rc := range in.Cost {
		r := rc.Record
		dimKey := r.Dimensions.Encode()
		key := factsdomain.NaturalKey(in.Platform, date, factsdomain.Subject(rc.Resolution.Email, r.VendorIdentity), dimKey)

		stats.TotalUSD = stats.TotalUSD.Add(r.AmountUSD)
		if rc.Resolution.Attributed() {
			stats.AttributedUSD = stats.AttributedUSD.Add(r.AmountUSD)
		} else {
			stats.UnattributedUSD = stats.UnattributedUSD.Add(r.AmountUSD)
		}

		acc, ok := costs[key]
		if !ok {
			acc = &costAcc{
				fact: factsdomain.CostFact{
					NaturalKey:     key,
					Platform:       in.Platform,
					ActivityDate:   date,
					CanonicalEmail: lowerPtr(rc.Resolution.Email),
					DimensionKey:   dimKey,
					Dimensions:     jsonDimensions(r.Dimensions),
					AmountUSD:      decimal.Zero,
					IngestionRunID: in.RunID,
				},
				identities: make(map[string]struct{}),
				levels:     make(map[string]struct{}),
				confidence: rc.Resolution.Confidence,
				method:     rc.Resolution.Method,
				consistent: true,
			}
			costs[key] = acc
		}
		acc.fact.AmountUSD = acc.fact.AmountUSD.Add(r.AmountUSD)
		acc.fact.RecordCount++
		acc.identities[r.VendorIdentity] = struct{}{}
		acc.levels[rc.Level] = struct{}{}
		if rc.Resolution.Confidence < acc.confidence {
			acc.confidence = rc.Resolution.Confidence
			acc.method = rc.Resolution.Method
		}
		acc.keyword = acc.keyword || rc.Resolution.Method == identitydomain.MethodKeywordInferred
		acc.ambiguous = acc.ambiguous || rc.Ambiguous
		acc.consistent = acc.consistent && rc.Consistent
		acc.clamped = acc.clamped || rc.Clamped
	}

	usages := make(map[string]*usageAcc)
	attributedUsage := 0
	for _, ru := range in.Usage {
		r := ru.Record
		dimKey := r.Dimensions.Encode()
		key := factsdomain.NaturalKey(in.Platform, date, factsdomain.Subject(ru.Resolution.Email, r.VendorIdentity), dimKey)
		if ru.Resolution.Attributed() {
			attributedUsage++
		}

		acc, ok := usages[key]
		if !ok {
			acc = &usageAcc{
				fact: factsdomain.UsageFact{
					NaturalKey:     key,
					Platform:       in.Platform,
					ActivityDate:   date,
					CanonicalEmail: lowerPtr(ru.Resolution.Email),
					DimensionKey:   dimKey,
					Dimensions:     jsonDimensions(r.Dimensions),
					IngestionRunID: in.RunID,
				},
				identities: make(map[string]struct{}),
				metrics:    make(map[string]float64),
				confidence: ru.Resolution.Confidence,
				method:     ru.Resolution.Method,
			}
			usages[key] = acc
		}
		acc.fact.RecordCount++
		acc.identities[r.VendorIdentity] = struct{}{}
		for name, v := range r.Metrics {
			acc.metrics[name] += v
		}
		if ru.Resolution.Confidence < acc.confidence {
			acc.confidence = ru.Resolution.Confidence
			acc.method = ru.Resolution.Method
		}
		acc.keyword = acc.keyword || ru.Resolution.Method == identitydomain.MethodKeywordInferred
	}

	costCompleteness := completenessShare(stats, in.Cost)
	usageCompleteness := 1.0
	if len(in.Usage) > 0 {
		usageCompleteness = float64(attributedUsage) / float64(len(in.Usage))
	}
	if in.IdentityStale {
		costCompleteness /= 2
		usageCompleteness /= 2
	}
	stats.Completeness = round4(costCompleteness)

	out := Output{}
	for _, key := range sortedKeys(costs) {
		acc := costs[key]
		f := acc.fact
		f.VendorIdentity = joinSorted(acc.identities)
		f.GranularityLevel = joinSorted(acc.levels)
		f.AttributionMethod = string(acc.method)
		f.AttributionConfidence = acc.confidence

		consistency := 1.0
		if !acc.consistent {
			consistency = 0
		}
		f.DataQualityScore = b.scorer.Score(costCompleteness, freshness, consistency, acc.ambiguous)
		f.QualityFlags = flags(f.CanonicalEmail == nil, acc.keyword, acc.ambiguous, !acc.consistent, in.IdentityStale, freshness < 1, acc.clamped)

		if acc.ambiguous {
			stats.AmbiguousUSD = stats.AmbiguousUSD.Add(f.AmountUSD)
		}
		if !acc.consistent {
			stats.InconsistentUSD = stats.InconsistentUSD.Add(f.AmountUSD)
		}
		if f.CanonicalEmail == nil || acc.ambiguous || !acc.consistent {
			stats.UncertainUSD = stats.UncertainUSD.Add(f.AmountUSD)
		}
		stats.Scores = append(stats.Scores, f.DataQualityScore)
		out.Cost = append(out.Cost, f)
	}

	for _, key := range sortedKeys(usages) {
		acc := usages[key]
		f := acc.fact
		f.VendorIdentity = joinSorted(acc.identities)
		f.Metrics = jsonMetrics(acc.metrics)
		f.AttributionMethod = string(acc.method)
		f.AttributionConfidence = acc.confidence
		f.DataQualityScore = b.scorer.Score(usageCompleteness, freshness, 1, false)
		f.QualityFlags = flags(f.CanonicalEmail == nil, acc.keyword, false, false, in.IdentityStale, freshness < 1, false)
		stats.Scores = append(stats.Scores, f.DataQualityScore)
		out.Usage = append(out.Usage, f)
	}

	out.Stats = stats
	return out
}

// completenessShare is the attributed share of spend, or of record count when
// the partition carries no money.
func completenessShare(stats Stats, records []ResolvedCost) float64 {
	if len(records) == 0 {
		return 1
	}
	if !stats.TotalUSD.IsZero() {
		share, _ := stats.AttributedUSD.Div(stats.TotalUSD).Float64()
		return clamp01(share)
	}
	attributed := lo.CountBy(records, func(r ResolvedCost) bool { return r.Resolution.Attributed() })
	return float64(attributed) / float64(len(records))
}

func flags(unattributed, keyword, ambiguous, inconsistent, stale, late, clamped bool) string {
	var out []string
	if unattributed {
		out = append(out, factsdomain.FlagUnattributed)
	}
	if keyword {
		out = append(out, factsdomain.FlagKeywordInferred)
	}
	if ambiguous {
		out = append(out, factsdomain.FlagAmbiguousGranularity)
	}
	if inconsistent {
		out = append(out, factsdomain.FlagReconciliationMismatch)
	}
	if stale {
		out = append(out, factsdomain.FlagStaleIdentity)
	}
	if late {
		out = append(out, factsdomain.FlagLateData)
	}
	if clamped {
		out = append(out, factsdomain.FlagNegativeDeltaClamped)
	}
	return strings.Join(out, ",")
}

func lowerPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.ToLower(*s)
	return &v
}

func joinSorted(set map[string]struct{}) string {
	ids := lo.Keys(set)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func sortedKeys[T any](m map[string]T) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func jsonDimensions(d sourcedomain.Dimensions) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(d))
	for k, v := range d {
		if strings.TrimSpace(v) != "" {
			out[k] = v
		}
	}
	return out
}

func jsonMetrics(m map[string]float64) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
