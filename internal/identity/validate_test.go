package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/usageledger/internal/errs"
	"github.com/smallbiznis/usageledger/internal/identity/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSnapshotResolvesDuplicates(t *testing.T) {
	older := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	newer := older.AddDate(0, 0, 14)

	snapshot := BuildSnapshot("sheet", []domain.MappingRow{
		{Line: 2, VendorIdentity: "key-1", CanonicalEmail: "new.owner@co.com", Platform: "anthropic_api", LastUpdated: newer},
		{Line: 3, VendorIdentity: "KEY-1", CanonicalEmail: "old.owner@co.com", Platform: "Anthropic_API", LastUpdated: older},
		{Line: 4, VendorIdentity: "key-2", CanonicalEmail: "same@co.com", Platform: "anthropic_api", LastUpdated: older},
		{Line: 5, VendorIdentity: "key-2", CanonicalEmail: "SAME@co.com", Platform: "anthropic_api", LastUpdated: newer},
	}, newer)

	assert.Equal(t, 4, snapshot.RowsRead)
	assert.Equal(t, 2, snapshot.Len())
	assert.Equal(t, 1, snapshot.Conflicts)
	require.Len(t, snapshot.Issues, 1)

	m, ok := snapshot.Lookup("anthropic_api", "key-1")
	require.True(t, ok)
	assert.Equal(t, "new.owner@co.com", m.CanonicalEmail)
	assert.Equal(t, domain.MappingSourceDirect, m.MappingSource)
}

func TestBuildSnapshotSkipsMalformedRows(t *testing.T) {
	snapshot := BuildSnapshot("sheet", []domain.MappingRow{
		{Line: 2, VendorIdentity: "", CanonicalEmail: "a@co.com", Platform: "cursor"},
		{Line: 3, VendorIdentity: "key-3", CanonicalEmail: "not an email", Platform: "cursor"},
		{Line: 4, VendorIdentity: "key-4", CanonicalEmail: "b@co.com", Description: "office printer"},
		{Line: 5, VendorIdentity: "key-5", CanonicalEmail: "c@co.com", Description: "Claude API batch jobs"},
	}, time.Now())

	assert.Equal(t, 3, snapshot.Malformed)
	require.Len(t, snapshot.Issues, 3)
	var mappingErr *errs.MappingDataError
	require.True(t, errors.As(snapshot.Issues[1], &mappingErr))
	assert.Equal(t, 3, mappingErr.Line)

	m, ok := snapshot.Lookup("anthropic_api", "key-5")
	require.True(t, ok)
	assert.Equal(t, domain.MappingSourceKeywordInferred, m.MappingSource)
}

func TestSnapshotVersionIsContentAddressed(t *testing.T) {
	rows := []domain.MappingRow{
		{VendorIdentity: "a", CanonicalEmail: "a@co.com", Platform: "cursor"},
		{VendorIdentity: "b", CanonicalEmail: "b@co.com", Platform: "cursor"},
	}
	first := BuildSnapshot("x", rows, time.Now())
	second := BuildSnapshot("y", []domain.MappingRow{rows[1], rows[0]}, time.Now().Add(time.Hour))
	assert.Equal(t, first.Version, second.Version)

	rows[0].CanonicalEmail = "other@co.com"
	assert.NotEqual(t, first.Version, BuildSnapshot("x", rows, time.Now()).Version)
}
