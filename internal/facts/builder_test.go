package facts

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usageledger/internal/config"
	deltadomain "github.com/smallbiznis/usageledger/internal/delta/domain"
	factsdomain "github.com/smallbiznis/usageledger/internal/facts/domain"
	identitydomain "github.com/smallbiznis/usageledger/internal/identity/domain"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func direct(email string) identitydomain.Resolution {
	return identitydomain.Resolution{Email: &email, Confidence: 1, Method: identitydomain.MethodDirect}
}

func unmapped() identitydomain.Resolution {
	return identitydomain.Resolution{Method: identitydomain.MethodUnmapped}
}

func costRecord(identity, workspace, amount string) sourcedomain.RawCostRecord {
	return sourcedomain.RawCostRecord{
		Platform:       "anthropic_api",
		VendorIdentity: identity,
		ActivityDate:   day,
		Dimensions:     sourcedomain.Dimensions{"model": "opus", "token_type": "input", "workspace_id": workspace},
		AmountUSD:      decimal.RequireFromString(amount),
	}
}

func newBuilder() *Builder {
	engine := config.DefaultEngineConfig()
	pcfg, _ := engine.Platform("anthropic_api")
	return NewBuilder(engine, pcfg)
}

func onTime() time.Time { return day.Add(30 * time.Hour) }

func TestBuildAggregatesByNaturalKey(t *testing.T) {
	out := newBuilder().Build(Input{
		Platform:     "anthropic_api",
		ActivityDate: day,
		RunID:        "run-1",
		FetchedAt:    onTime(),
		Cost: []ResolvedCost{
			{Record: costRecord("key-1", "W1", "10"), Resolution: direct("John.Doe@co"), Consistent: true, Level: "fine"},
			{Record: costRecord("key-2", "W1", "5"), Resolution: identitydomain.Resolution{Email: strPtr("john.doe@co"), Confidence: 0.9, Method: identitydomain.MethodDirectEmail}, Consistent: true, Level: "fine"},
			{Record: costRecord("key-3", "W2", "2.5"), Resolution: direct("jane@co"), Consistent: true, Level: "fine"},
		},
	})

	require.Len(t, out.Cost, 2)
	var john factsdomain.CostFact
	for _, f := range out.Cost {
		if *f.CanonicalEmail == "john.doe@co" {
			john = f
		}
	}
	require.NotEmpty(t, john.NaturalKey)
	assert.True(t, john.AmountUSD.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, 2, john.RecordCount)
	assert.Equal(t, "key-1,key-2", john.VendorIdentity)
	assert.Equal(t, 0.9, john.AttributionConfidence)
	assert.Equal(t, string(identitydomain.MethodDirectEmail), john.AttributionMethod)
	assert.Equal(t, 1.0, john.DataQualityScore)
	assert.Empty(t, john.QualityFlags)
	assert.Equal(t, "run-1", john.IngestionRunID)
	assert.Len(t, john.NaturalKey, 64)
}

func TestBuildConservesUnattributedMoney(t *testing.T) {
	in := Input{
		Platform:     "anthropic_api",
		ActivityDate: day,
		FetchedAt:    onTime(),
		Cost: []ResolvedCost{
			{Record: costRecord("key-1", "W1", "60"), Resolution: direct("a@co"), Consistent: true},
			{Record: costRecord("key-9", "W2", "30.25"), Resolution: unmapped(), Consistent: true},
			{Record: costRecord("key-8", "W2", "9.75"), Resolution: unmapped(), Consistent: true},
		},
	}
	out := newBuilder().Build(in)

	input := decimal.Zero
	for _, c := range in.Cost {
		input = input.Add(c.Record.AmountUSD)
	}
	attributed, unattributed := decimal.Zero, decimal.Zero
	for _, f := range out.Cost {
		if f.Attributed() {
			attributed = attributed.Add(f.AmountUSD)
		} else {
			unattributed = unattributed.Add(f.AmountUSD)
			assert.True(t, f.HasFlag(factsdomain.FlagUnattributed))
		}
	}
	assert.True(t, attributed.Add(unattributed).Equal(input))
	assert.True(t, out.Stats.UnattributedUSD.Equal(decimal.NewFromInt(40)))
	assert.True(t, out.Stats.UncertainUSD.Equal(decimal.NewFromInt(40)))
	assert.Len(t, out.Cost, 3, "unattributed facts keep one row per vendor identity")

	// completeness 0.6 weighted 0.5, freshness 1 weighted 0.2, consistency 1 weighted 0.3
	assert.InDelta(t, 0.8, out.Cost[0].DataQualityScore, 1e-9)
}

func TestBuildPenalizesAnomalies(t *testing.T) {
	out := newBuilder().Build(Input{
		Platform:      "anthropic_api",
		ActivityDate:  day,
		FetchedAt:     onTime(),
		IdentityStale: true,
		Cost: []ResolvedCost{
			{Record: costRecord("key-1", "", "50"), Resolution: direct("a@co"), Ambiguous: true, Consistent: false},
		},
	})
	require.Len(t, out.Cost, 1)
	f := out.Cost[0]
	// (0.5*0.5 + 0.2*1 + 0.3*0) * (1 - 0.5)
	assert.InDelta(t, 0.225, f.DataQualityScore, 1e-9)
	assert.True(t, f.HasFlag(factsdomain.FlagAmbiguousGranularity))
	assert.True(t, f.HasFlag(factsdomain.FlagReconciliationMismatch))
	assert.True(t, f.HasFlag(factsdomain.FlagStaleIdentity))
	assert.True(t, out.Stats.AmbiguousUSD.Equal(decimal.NewFromInt(50)))
}

func TestBuildUsageSumsMetrics(t *testing.T) {
	rec := func(identity string, tokens float64) sourcedomain.RawUsageRecord {
		return sourcedomain.RawUsageRecord{
			Platform:       "anthropic_api",
			VendorIdentity: identity,
			ActivityDate:   day,
			Dimensions:     sourcedomain.Dimensions{"model": "opus"},
			Metrics:        map[string]float64{"input_tokens": tokens},
		}
	}
	out := newBuilder().Build(Input{
		Platform:     "anthropic_api",
		ActivityDate: day,
		FetchedAt:    onTime(),
		Usage: []ResolvedUsage{
			{Record: rec("key-1", 100), Resolution: direct("a@co")},
			{Record: rec("key-2", 50), Resolution: direct("a@co")},
			{Record: rec("key-9", 7), Resolution: unmapped()},
		},
	})
	require.Len(t, out.Usage, 2)
	for _, f := range out.Usage {
		if f.CanonicalEmail != nil {
			assert.Equal(t, 150.0, f.Metrics["input_tokens"])
		}
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	in := Input{
		Platform:     "anthropic_api",
		ActivityDate: day.Add(13 * time.Hour),
		FetchedAt:    onTime(),
		Cost: []ResolvedCost{
			{Record: costRecord("key-2", "W2", "1"), Resolution: unmapped(), Consistent: true},
			{Record: costRecord("key-1", "W1", "2"), Resolution: direct("a@co"), Consistent: true},
		},
	}
	first := newBuilder().Build(in)
	in.Cost[0], in.Cost[1] = in.Cost[1], in.Cost[0]
	second := newBuilder().Build(in)

	require.Len(t, second.Cost, len(first.Cost))
	for i := range first.Cost {
		assert.Equal(t, first.Cost[i].NaturalKey, second.Cost[i].NaturalKey)
		assert.True(t, first.Cost[i].AmountUSD.Equal(second.Cost[i].AmountUSD))
		assert.Equal(t, day, first.Cost[i].ActivityDate)
	}
}

func TestCostFromDelta(t *testing.T) {
	rc := CostFromDelta(deltadomain.DeltaEntry{
		Platform:          "cursor",
		VendorIdentity:    "a@co",
		BillingCycleStart: time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC),
		ActivityDate:      day,
		DeltaUSD:          decimal.Zero,
		ClampedUSD:        decimal.NewFromInt(3),
	}, direct("a@co"))

	assert.Equal(t, "billing_cycle_start=2026-09-15", rc.Record.Dimensions.Encode())
	assert.True(t, rc.Clamped)
	assert.Equal(t, LevelCumulativeDelta, rc.Level)
}

func TestFreshnessDecaysAfterSLA(t *testing.T) {
	s := NewScorer(config.DefaultEngineConfig().Quality, 24*time.Hour)
	assert.Equal(t, 1.0, s.Freshness(day, day.Add(48*time.Hour)))
	assert.InDelta(t, 0.5, s.Freshness(day, day.Add(60*time.Hour)), 1e-9)
	assert.Equal(t, 0.0, s.Freshness(day, day.Add(96*time.Hour)))
	assert.Equal(t, 0.0, s.Freshness(day, time.Time{}))
}

func TestNaturalKeySubjects(t *testing.T) {
	email := "A@Co"
	assert.Equal(t, "email:a@co", factsdomain.Subject(&email, "key-1"))
	assert.Equal(t, "vendor:key-1", factsdomain.Subject(nil, "key-1"))
	assert.NotEqual(t,
		factsdomain.NaturalKey("cursor", day, "vendor:key-1", ""),
		factsdomain.NaturalKey("cursor", day, "email:a@co", ""),
	)
}

func strPtr(s string) *string { return &s }
