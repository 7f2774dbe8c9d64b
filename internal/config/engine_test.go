package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEngineConfigIsValid(t *testing.T) {
	cfg := DefaultEngineConfig().withDefaults()
	require.NoError(t, ValidateEngineConfig(cfg))

	anthropic, ok := cfg.Platform("Anthropic_API")
	require.True(t, ok)
	assert.Equal(t, "workspace_id", anthropic.FineDimension)
	assert.Equal(t, []string{"model", "token_type"}, anthropic.PartitionDimensions)
	assert.Equal(t, "vendor_identity", anthropic.Fields.VendorIdentity)

	cursor, ok := cfg.Platform("cursor")
	require.True(t, ok)
	assert.True(t, cursor.CumulativeBilling)
	assert.Equal(t, []string{"anthropic_api", "claude_ai", "cursor"}, cfg.PlatformNames())
}

func TestDecodeEngineConfigOverlaysFile(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
engine:
  concurrency: 7
  quality:
    ambiguity_penalty: 0.25
  reconciliation:
    tolerance_usd: 0.05
  retry:
    timeout: 45s
  platforms:
    vendor_x:
      fine_dimension: project
      freshness_sla: 12h
`)))

	cfg, err := decodeEngineConfig(v)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Concurrency)
	assert.Equal(t, 0.25, cfg.Quality.AmbiguityPenalty)
	assert.Equal(t, 0.5, cfg.Quality.CompletenessWeight)
	assert.Equal(t, 0.05, cfg.Reconciliation.ToleranceUSD)
	assert.Equal(t, 45*time.Second, cfg.Retry.Timeout)
	assert.Equal(t, []string{"vendor_x"}, cfg.PlatformNames())

	p, ok := cfg.Platform("vendor_x")
	require.True(t, ok)
	assert.Equal(t, 12*time.Hour, p.FreshnessSLA)
	assert.Equal(t, []string{"model", "token_type"}, p.PartitionDimensions)
}

func TestValidateEngineConfigRejectsBadPolicy(t *testing.T) {
	cfg := DefaultEngineConfig().withDefaults()
	cfg.Granularity.Policy = "median"
	cfg.Quality.AmbiguityPenalty = 1.5

	err := ValidateEngineConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "median")
	assert.Contains(t, err.Error(), "ambiguity_penalty")
}

func TestStaticHolderAppliesDefaults(t *testing.T) {
	holder := NewStaticEngineConfigHolder(EngineConfig{
		Quality: QualityConfig{CompletenessWeight: 1},
	})
	cfg := holder.Get()
	assert.Equal(t, 3, cfg.Concurrency)
	assert.Equal(t, 500, cfg.Writer.BatchSize)
	assert.Equal(t, GranularityPolicyFinestComplete, cfg.Granularity.Policy)
	assert.NotEmpty(t, cfg.Platforms)
}
