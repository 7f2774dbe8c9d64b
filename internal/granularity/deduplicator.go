// Package granularity keeps exactly one aggregation level per cost
// partition so that organization totals and their per-workspace breakdown
// are never summed together.
package granularity

import (
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/errs"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"go.uber.org/zap"
)

// Kept is a record that survived deduplication.
type Kept struct {
	Record     sourcedomain.RawCostRecord
	Partition  string
	Level      Level
	Ambiguous  bool
	Consistent bool
}

// Decision records how one partition was resolved.
type Decision struct {
	Partition  string
	Level      Level
	Ambiguous  bool
	Consistent bool
	CoarseRows int
	FineRows   int
	CoarseUSD  decimal.Decimal
	FineUSD    decimal.Decimal
	KeptUSD    decimal.Decimal
}

type Result struct {
	Kept       []Kept
	Partitions []Decision
	Warnings   []*errs.ReconciliationWarning
}

// KeptUSD sums the amounts of every kept record.
func (r Result) KeptUSD() decimal.Decimal {
	return lo.Reduce(r.Kept, func(acc decimal.Decimal, k Kept, _ int) decimal.Decimal {
		return acc.Add(k.Record.AmountUSD)
	}, decimal.Zero)
}

type Deduplicator struct {
	platform      string
	fineDimension string
	partitionDims []string
	tolerance     decimal.Decimal
	policy        Policy
	log           *zap.Logger
}

func New(platform string, pcfg config.PlatformConfig, engine config.EngineConfig, log *zap.Logger) (*Deduplicator, error) {
	policy, err := PolicyByName(engine.Granularity.Policy)
	if err != nil {
		return nil, &errs.FatalConfigError{Platform: platform, Reason: err.Error()}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Deduplicator{
		platform:      platform,
		fineDimension: strings.TrimSpace(pcfg.FineDimension),
		partitionDims: pcfg.PartitionDimensions,
		tolerance:     decimal.NewFromFloat(engine.Reconciliation.ToleranceUSD),
		policy:        policy,
		log:           log.Named("granularity.deduplicator"),
	}, nil
}

// WithPolicy returns a copy of d that selects levels with p.
func (d *Deduplicator) WithPolicy(p Policy) *Deduplicator {
	cp := *d
	cp.policy = p
	return &cp
}

type partition struct {
	key    string
	coarse []sourcedomain.RawCostRecord
	fine   []sourcedomain.RawCostRecord
}

func (d *Deduplicator) partitionKey(r sourcedomain.RawCostRecord) string {
	return r.ActivityDate.Format(sourcedomain.DateLayout) + "|" + r.Dimensions.Only(d.partitionDims...).Encode()
}

// Deduplicate selects one granularity level per partition. Records keep
// their input order. It never drops a partition: ambiguous ones are kept at
// the coarse level and flagged.
func (d *Deduplicator) Deduplicate(records []sourcedomain.RawCostRecord) Result {
	if d.fineDimension == "" {
		return d.passThrough(records)
	}

	var order []string
	partitions := make(map[string]*partition)
	for _, r := range records {
		key := d.partitionKey(r)
		p, ok := partitions[key]
		if !ok {
			p = &partition{key: key}
			partitions[key] = p
			order = append(order, key)
		}
		if r.Dimensions.Get(d.fineDimension) != "" {
			p.fine = append(p.fine, r)
		} else {
			p.coarse = append(p.coarse, r)
		}
	}

	var res Result
	for _, key := range order {
		p := partitions[key]
		c := Candidate{
			CoarseRows: len(p.coarse),
			FineRows:   len(p.fine),
			CoarseUSD:  sumUSD(p.coarse),
			FineUSD:    sumUSD(p.fine),
		}

		consistent := true
		if c.HasCoarse() && c.HasFine() {
			if c.CoarseUSD.Sub(c.FineUSD).Abs().GreaterThan(d.tolerance) {
				consistent = false
				warning := &errs.ReconciliationWarning{
					Platform:  d.platform,
					Partition: key,
					CoarseUSD: c.CoarseUSD,
					FineUSD:   c.FineUSD,
				}
				res.Warnings = append(res.Warnings, warning)
				d.log.Warn("granularity.reconciliation.warning",
					zap.String("platform", d.platform),
					zap.String("partition", key),
					zap.String("coarse_usd", c.CoarseUSD.String()),
					zap.String("fine_usd", c.FineUSD.String()),
					zap.String("diff_usd", warning.Diff().String()),
				)
			}
			c.Reconciled = consistent
		}

		ambiguous := c.HasCoarse() && c.HasFine() && c.CoarseRows > 1
		level := d.policy.Select(c)
		if ambiguous {
			level = LevelCoarse
			d.log.Warn("granularity.partition.ambiguous",
				zap.String("platform", d.platform),
				zap.String("partition", key),
				zap.Int("coarse_rows", c.CoarseRows),
				zap.Int("fine_rows", c.FineRows),
			)
		}

		kept := p.coarse
		if level == LevelFine {
			kept = p.fine
		}
		for _, r := range kept {
			res.Kept = append(res.Kept, Kept{Record: r, Partition: key, Level: level, Ambiguous: ambiguous, Consistent: consistent})
		}
		res.Partitions = append(res.Partitions, Decision{
			Partition:  key,
			Level:      level,
			Ambiguous:  ambiguous,
			Consistent: consistent,
			CoarseRows: c.CoarseRows,
			FineRows:   c.FineRows,
			CoarseUSD:  c.CoarseUSD,
			FineUSD:    c.FineUSD,
			KeptUSD:    sumUSD(kept),
		})
	}
	return res
}

func (d *Deduplicator) passThrough(records []sourcedomain.RawCostRecord) Result {
	var res Result
	index := make(map[string]int)
	for _, r := range records {
		key := d.partitionKey(r)
		res.Kept = append(res.Kept, Kept{Record: r, Partition: key, Level: LevelSingle, Consistent: true})
		i, ok := index[key]
		if !ok {
			res.Partitions = append(res.Partitions, Decision{Partition: key, Level: LevelSingle, Consistent: true})
			i = len(res.Partitions) - 1
			index[key] = i
		}
		dec := &res.Partitions[i]
		dec.CoarseRows++
		dec.CoarseUSD = dec.CoarseUSD.Add(r.AmountUSD)
		dec.KeptUSD = dec.KeptUSD.Add(r.AmountUSD)
	}
	return res
}

func sumUSD(records []sourcedomain.RawCostRecord) decimal.Decimal {
	return lo.Reduce(records, func(acc decimal.Decimal, r sourcedomain.RawCostRecord, _ int) decimal.Decimal {
		return acc.Add(r.AmountUSD)
	}, decimal.Zero)
}
