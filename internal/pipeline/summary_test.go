package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usageledger/internal/errs"
	"github.com/smallbiznis/usageledger/internal/granularity"
	"github.com/smallbiznis/usageledger/internal/pipeline/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDistribution(t *testing.T) {
	d := NewDistribution([]float64{1, 0.95, 0.8, 0.6, 0.2})
	assert.Equal(t, 5, d.Count)
	assert.Equal(t, 0.2, d.Min)
	assert.Equal(t, 1.0, d.Max)
	assert.Equal(t, 0.71, d.Mean)
	assert.Equal(t, 0.8, d.P50)
	assert.Equal(t, 1.0, d.P90)
	assert.Equal(t, map[string]int{"0.9": 2, "0.7": 1, "0.5": 1, "0.0": 1}, d.Buckets)

	empty := NewDistribution(nil)
	assert.Zero(t, empty.Count)
	assert.Len(t, empty.Buckets, 4)
}

func TestDedupRollupByLevel(t *testing.T) {
	s := newPlatformSummary("anthropic_api")
	s.addDedup(granularity.Result{
		Partitions: []granularity.Decision{
			{Level: granularity.LevelFine, KeptUSD: decimal.NewFromInt(100)},
			{Level: granularity.LevelCoarse, KeptUSD: decimal.NewFromInt(30), Ambiguous: true},
			{Level: granularity.LevelFine, KeptUSD: decimal.NewFromInt(5)},
		},
		Warnings: []*errs.ReconciliationWarning{{CoarseUSD: decimal.NewFromInt(30), FineUSD: decimal.NewFromInt(20)}},
	})

	assert.Equal(t, 2, s.GranularityLevels["fine"].Count)
	assert.True(t, s.GranularityLevels["fine"].AmountUSD.Equal(decimal.NewFromInt(105)))
	assert.Equal(t, 1, s.GranularityLevels["coarse"].Count)
	assert.Equal(t, 1, s.Ambiguous.Count)
	assert.True(t, s.Reconciliation.DiscrepancyUSD.Equal(decimal.NewFromInt(10)))
}

func TestFinalizeStatus(t *testing.T) {
	completed := newPlatformSummary("a")
	completed.Status = domain.StatusCompleted
	failed := newPlatformSummary("b")
	failed.Status = domain.StatusFailed

	partial := &RunSummary{Platforms: []*PlatformSummary{failed, completed}}
	partial.finalize(time.Now())
	assert.Equal(t, domain.RunStatusPartial, partial.Status)
	assert.Equal(t, "a", partial.Platforms[0].Platform)

	all := &RunSummary{Platforms: []*PlatformSummary{completed}}
	all.finalize(time.Now())
	assert.True(t, all.Succeeded())
}

func sampleSummary() *RunSummary {
	p := newPlatformSummary("cursor")
	p.Status = domain.StatusCompleted
	p.UncertainUSD = decimal.RequireFromString("12.5")
	s := &RunSummary{
		RunID:     "01JTESTRUN",
		StartedAt: time.Date(2026, 10, 2, 6, 0, 0, 0, time.UTC),
		Dates:     []string{"2026-10-01"},
		Platforms: []*PlatformSummary{p},
	}
	s.finalize(time.Date(2026, 10, 2, 6, 5, 0, 0, time.UTC))
	return s
}

func TestExportSummaryJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "summary.json")
	require.NoError(t, ExportSummary(path, sampleSummary()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "01JTESTRUN", decoded["run_id"])
	assert.Equal(t, "12.5", decoded["uncertain_usd"])
}

func TestExportSummaryYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "summary.yaml")
	require.NoError(t, ExportSummary(path, sampleSummary()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &decoded))
	assert.Equal(t, "01JTESTRUN", decoded["run_id"])
	assert.Equal(t, "COMPLETED", decoded["status"])
	platforms, ok := decoded["platforms"].([]any)
	require.True(t, ok)
	require.Len(t, platforms, 1)
}
