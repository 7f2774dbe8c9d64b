package repository

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/usageledger/internal/errs"
	identitydomain "github.com/smallbiznis/usageledger/internal/identity/domain"
	"github.com/smallbiznis/usageledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMappingCSV(t *testing.T) {
	input := "Vendor Identity,Email,Platform,Description,Last Updated\n" +
		"cursor-dev-key-1,john.doe@co,cursor,John's laptop,2026-09-30\n" +
		",,,,\n" +
		"key-2, jane@co.com ,,\"Claude API, batch\",2026-10-01T08:00:00Z\n"

	rows, err := readMappingCSV(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 2, rows[0].Line)
	assert.Equal(t, "cursor-dev-key-1", rows[0].VendorIdentity)
	assert.Equal(t, "john.doe@co", rows[0].CanonicalEmail)
	assert.Equal(t, time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC), rows[0].LastUpdated)

	assert.Equal(t, 4, rows[1].Line)
	assert.Equal(t, "jane@co.com", rows[1].CanonicalEmail)
	assert.Empty(t, rows[1].Platform)
	assert.Equal(t, "Claude API, batch", rows[1].Description)
}

func TestReadMappingCSVRequiresIdentityColumn(t *testing.T) {
	_, err := readMappingCSV(context.Background(), strings.NewReader("email,platform\n"))
	require.ErrorIs(t, err, ErrMissingColumn)
}

func TestCSVSourceMissingFileIsTransient(t *testing.T) {
	_, err := NewCSVSource(filepath.Join(t.TempDir(), "absent.csv")).Rows(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
}

func TestCSVSourceReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.csv")
	require.NoError(t, os.WriteFile(path, []byte("vendor_identity,canonical_email\nk,k@co.com\n"), 0o644))

	rows, err := NewCSVSource(path).Rows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestTableSourceRows(t *testing.T) {
	conn := dbtest.New(t, &identitydomain.IdentityMapping{})
	updated := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, conn.Create(&identitydomain.IdentityMapping{
		ID:             1,
		VendorIdentity: "cursor-dev-key-1",
		Platform:       "cursor",
		CanonicalEmail: "john.doe@co",
		MappingSource:  identitydomain.MappingSourceDirect,
		LastUpdated:    updated,
	}).Error)

	rows, err := NewTableSource(conn).Rows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "john.doe@co", rows[0].CanonicalEmail)
	assert.Equal(t, "direct", rows[0].MappingSource)
	assert.True(t, rows[0].LastUpdated.Equal(updated))
}

func TestBoltStoreRoundTrip(t *testing.T) {
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Latest(context.Background())
	require.ErrorIs(t, err, identitydomain.ErrSnapshotNotFound)

	snapshot := identitydomain.NewSnapshot("sheet", time.Now(), []identitydomain.IdentityMapping{
		{VendorIdentity: "k", Platform: "cursor", CanonicalEmail: "k@co.com", MappingSource: identitydomain.MappingSourceDirect},
	})
	require.NoError(t, store.Save(context.Background(), snapshot))

	restored, err := store.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snapshot.Version, restored.Version)
	assert.Equal(t, "sheet", restored.Source)
}
