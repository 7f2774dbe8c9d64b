package granularity

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/errs"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func cost(workspace, model, amount string) sourcedomain.RawCostRecord {
	dims := sourcedomain.Dimensions{"model": model, "token_type": "input"}
	if workspace != "" {
		dims["workspace_id"] = workspace
	}
	return sourcedomain.RawCostRecord{
		Platform:       "anthropic_api",
		VendorIdentity: "key-" + workspace,
		ActivityDate:   day,
		Dimensions:     dims,
		AmountUSD:      decimal.RequireFromString(amount),
	}
}

func newDedup(t *testing.T, policy string) *Deduplicator {
	t.Helper()
	engine := config.NewStaticEngineConfigHolder(config.EngineConfig{Granularity: config.GranularityConfig{Policy: policy}}).Get()
	pcfg, ok := engine.Platform("anthropic_api")
	require.True(t, ok)
	d, err := New("anthropic_api", pcfg, engine, nil)
	require.NoError(t, err)
	return d
}

func amounts(kept []Kept) []string {
	out := make([]string, 0, len(kept))
	for _, k := range kept {
		out = append(out, k.Record.AmountUSD.String())
	}
	return out
}

func TestDeduplicateKeepsCompleteFineLevel(t *testing.T) {
	res := newDedup(t, "").Deduplicate([]sourcedomain.RawCostRecord{
		cost("", "opus", "100"),
		cost("W1", "opus", "60"),
		cost("W2", "opus", "40"),
	})

	require.Len(t, res.Kept, 2)
	assert.Equal(t, []string{"60", "40"}, amounts(res.Kept))
	assert.Empty(t, res.Warnings)
	require.Len(t, res.Partitions, 1)
	assert.Equal(t, LevelFine, res.Partitions[0].Level)
	assert.True(t, res.Partitions[0].Consistent)
	assert.True(t, res.KeptUSD().Equal(decimal.NewFromInt(100)))
}

func TestDeduplicateFallsBackToCoarseOnMismatch(t *testing.T) {
	res := newDedup(t, "").Deduplicate([]sourcedomain.RawCostRecord{
		cost("", "opus", "100"),
		cost("W1", "opus", "60"),
	})

	assert.Equal(t, []string{"100"}, amounts(res.Kept))
	require.Len(t, res.Warnings, 1)
	assert.True(t, res.Warnings[0].Diff().Equal(decimal.NewFromInt(40)))
	assert.False(t, res.Kept[0].Consistent)

	var warning *errs.ReconciliationWarning
	assert.True(t, errors.As(res.Warnings[0], &warning))
}

func TestDeduplicateToleratesRounding(t *testing.T) {
	res := newDedup(t, "").Deduplicate([]sourcedomain.RawCostRecord{
		cost("", "opus", "10.00"),
		cost("W1", "opus", "3.335"),
		cost("W2", "opus", "6.67"),
	})
	assert.Empty(t, res.Warnings)
	assert.Len(t, res.Kept, 2)
}

func TestDeduplicatePartitionsByModel(t *testing.T) {
	res := newDedup(t, "").Deduplicate([]sourcedomain.RawCostRecord{
		cost("", "opus", "10"),
		cost("W1", "opus", "10"),
		cost("", "haiku", "3"),
		cost("W9", "sonnet", "4"),
	})

	require.Len(t, res.Partitions, 3)
	levels := map[string]Level{}
	for _, p := range res.Partitions {
		levels[p.Partition] = p.Level
	}
	assert.Equal(t, LevelFine, levels["2026-10-01|model=opus;token_type=input"])
	assert.Equal(t, LevelCoarse, levels["2026-10-01|model=haiku;token_type=input"])
	assert.Equal(t, LevelFine, levels["2026-10-01|model=sonnet;token_type=input"])
	assert.True(t, res.KeptUSD().Equal(decimal.NewFromInt(17)))
}

func TestDeduplicateFlagsAmbiguousPartitions(t *testing.T) {
	res := newDedup(t, "").Deduplicate([]sourcedomain.RawCostRecord{
		cost("", "opus", "30"),
		cost("", "opus", "20"),
		cost("W1", "opus", "50"),
	})

	require.Len(t, res.Kept, 2)
	for _, k := range res.Kept {
		assert.True(t, k.Ambiguous)
		assert.Equal(t, LevelCoarse, k.Level)
	}
	assert.True(t, res.KeptUSD().Equal(decimal.NewFromInt(50)))
	assert.Empty(t, res.Warnings)
}

func TestCoarsestPolicy(t *testing.T) {
	res := newDedup(t, config.GranularityPolicyCoarsest).Deduplicate([]sourcedomain.RawCostRecord{
		cost("", "opus", "100"),
		cost("W1", "opus", "60"),
		cost("W2", "opus", "40"),
		cost("W3", "haiku", "5"),
	})
	assert.Equal(t, []string{"100", "5"}, amounts(res.Kept))
}

func TestNoDoubleCounting(t *testing.T) {
	inputs := [][]sourcedomain.RawCostRecord{
		{cost("", "opus", "1"), cost("W1", "opus", "1")},
		{cost("", "opus", "12.5"), cost("W1", "opus", "2.5"), cost("W2", "opus", "10")},
		{cost("", "opus", "7"), cost("W1", "opus", "2")},
	}
	for _, policy := range []string{config.GranularityPolicyFinestComplete, config.GranularityPolicyCoarsest} {
		for _, in := range inputs {
			res := newDedup(t, policy).Deduplicate(in)
			coarse := in[0].AmountUSD
			fine := decimal.Zero
			for _, r := range in[1:] {
				fine = fine.Add(r.AmountUSD)
			}
			kept := res.KeptUSD()
			assert.True(t, kept.Equal(coarse) || kept.Equal(fine), "policy %s kept %s", policy, kept)
		}
	}
}

func TestSingleLevelPlatformPassesThrough(t *testing.T) {
	engine := config.DefaultEngineConfig()
	pcfg, _ := engine.Platform("claude_ai")
	d, err := New("claude_ai", pcfg, engine, nil)
	require.NoError(t, err)

	res := d.Deduplicate([]sourcedomain.RawCostRecord{cost("", "opus", "1"), cost("", "opus", "2")})
	assert.Len(t, res.Kept, 2)
	require.Len(t, res.Partitions, 1)
	assert.Equal(t, LevelSingle, res.Partitions[0].Level)
	assert.True(t, res.Partitions[0].KeptUSD.Equal(decimal.NewFromInt(3)))
}

func TestUnknownPolicyIsFatal(t *testing.T) {
	engine := config.DefaultEngineConfig()
	engine.Granularity.Policy = "median"
	_, err := New("anthropic_api", config.PlatformConfig{FineDimension: "workspace_id"}, engine, nil)

	var fatal *errs.FatalConfigError
	require.True(t, errors.As(err, &fatal))
	assert.ErrorContains(t, err, "median")
}
