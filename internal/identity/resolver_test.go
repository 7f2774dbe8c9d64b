package identity

import (
	"testing"
	"time"

	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/identity/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cursorSnapshot() *domain.Snapshot {
	return BuildSnapshot("test", []domain.MappingRow{
		{VendorIdentity: "cursor-dev-key-1", CanonicalEmail: "john.doe@co", Platform: "cursor", LastUpdated: time.Now()},
	}, time.Now())
}

func TestResolverInferredMappingIsNotDirect(t *testing.T) {
	snapshot := BuildSnapshot("test", []domain.MappingRow{
		{VendorIdentity: "key-5", CanonicalEmail: "c@co.com", Description: "Claude API batch jobs", LastUpdated: time.Now()},
		{VendorIdentity: "key-6", CanonicalEmail: "d@co.com", Platform: "anthropic_api", LastUpdated: time.Now()},
	}, time.Now())
	pcfg, ok := config.DefaultEngineConfig().Platform("anthropic_api")
	require.True(t, ok)
	r := NewResolver(snapshot, "anthropic_api", pcfg)

	inferred, err := r.Resolve("key-5", "")
	require.NoError(t, err)
	require.NotNil(t, inferred.Email)
	assert.Equal(t, "c@co.com", *inferred.Email)
	assert.Equal(t, domain.ConfidenceInferredMapped, inferred.Confidence)
	assert.Equal(t, domain.MethodInferredMapping, inferred.Method)

	direct, err := r.Resolve("key-6", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ConfidenceDirect, direct.Confidence)
	assert.Equal(t, domain.MethodDirect, direct.Method)

	assert.Equal(t, map[domain.Method]int{domain.MethodInferredMapping: 1, domain.MethodDirect: 1}, r.Methods())
	assert.Zero(t, r.Unmapped().Lookups)
}

func TestResolverScenario(t *testing.T) {
	pcfg, ok := config.DefaultEngineConfig().Platform("cursor")
	require.True(t, ok)
	r := NewResolver(cursorSnapshot(), "cursor", pcfg)

	known, err := r.Resolve("cursor-dev-key-1", "")
	require.NoError(t, err)
	require.NotNil(t, known.Email)
	assert.Equal(t, "john.doe@co", *known.Email)
	assert.Equal(t, 1.0, known.Confidence)
	assert.Equal(t, domain.MethodDirect, known.Method)

	unknown, err := r.Resolve("unknown-key-9", "")
	require.NoError(t, err)
	assert.Nil(t, unknown.Email)
	assert.Equal(t, 0.0, unknown.Confidence)
	assert.Equal(t, domain.MethodUnmapped, unknown.Method)

	stats := r.Unmapped()
	assert.Equal(t, 1, stats.Lookups)
	assert.Equal(t, []string{"unknown-key-9"}, stats.Identities)
}

func TestResolverEmailIdentities(t *testing.T) {
	r := NewResolver(cursorSnapshot(), "cursor", config.PlatformConfig{EmailIdentities: true})

	res, err := r.Resolve("Jane.Roe@Co.com", "")
	require.NoError(t, err)
	require.NotNil(t, res.Email)
	assert.Equal(t, "jane.roe@co.com", *res.Email)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, domain.MethodDirectEmail, res.Method)

	strict := NewResolver(cursorSnapshot(), "anthropic_api", config.PlatformConfig{})
	res, err = strict.Resolve("jane.roe@co.com", "")
	require.NoError(t, err)
	assert.Nil(t, res.Email)
	assert.Equal(t, domain.MethodUnmapped, res.Method)
}

func TestResolverKeywordInferenceStaysUnattributed(t *testing.T) {
	r := NewResolver(cursorSnapshot(), "anthropic_api", config.PlatformConfig{})

	res, err := r.Resolve("key-ci", "Nightly CI bot")
	require.NoError(t, err)
	assert.Nil(t, res.Email)
	assert.Equal(t, 0.0, res.Confidence)
	assert.Equal(t, domain.MethodKeywordInferred, res.Method)
	assert.Equal(t, CategoryServiceAccount, res.Category)

	_, _ = r.Resolve("key-ci", "Nightly CI bot")
	stats := r.Unmapped()
	assert.Equal(t, 2, stats.Lookups)
	assert.Len(t, stats.Identities, 1)
	assert.Equal(t, 2, r.Methods()[domain.MethodKeywordInferred])
}

func TestResolverRejectsEmptyIdentity(t *testing.T) {
	r := NewResolver(cursorSnapshot(), "cursor", config.PlatformConfig{})
	_, err := r.Resolve("  ", "label")
	require.ErrorIs(t, err, domain.ErrEmptyVendorIdentity)
	assert.Equal(t, 0, r.Unmapped().Lookups)
}

func TestResolverIgnoresExplicitlyUnmappedRows(t *testing.T) {
	snapshot := BuildSnapshot("test", []domain.MappingRow{
		{VendorIdentity: "shared-key", Platform: "anthropic_api"},
	}, time.Now())
	r := NewResolver(snapshot, "anthropic_api", config.PlatformConfig{})

	res, err := r.Resolve("shared-key", "")
	require.NoError(t, err)
	assert.False(t, res.Attributed())
}

func TestDetectRuleOrder(t *testing.T) {
	d, ok := Detect("Cursor CI-bot")
	require.True(t, ok)
	assert.Equal(t, CategoryServiceAccount, d.Category)

	d, ok = DetectPlatform("Cursor CI-bot")
	require.True(t, ok)
	assert.Equal(t, CategoryCursor, d.Category)

	d, ok = DetectPlatform("Claude API – data team")
	require.True(t, ok)
	assert.Equal(t, CategoryAnthropicAPI, d.Category)
	assert.Equal(t, 0.9, d.Confidence)

	d, ok = DetectPlatform("claude seat for marketing")
	require.True(t, ok)
	assert.Equal(t, CategoryClaudeAI, d.Category)

	_, ok = Detect("marketing laptop")
	assert.False(t, ok)

	_, ok = Detect("circus")
	assert.False(t, ok, "tokens must match whole words")
}
