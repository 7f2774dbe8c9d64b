package migration

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/smallbiznis/usageledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)

	var versions []uint
	for {
		versions = append(versions, version)
		up, _, err := src.ReadUp(version)
		require.NoError(t, err, "up for %d", version)
		_ = up.Close()
		down, _, err := src.ReadDown(version)
		require.NoError(t, err, "down for %d", version)
		_ = down.Close()

		version, err = src.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, []uint{1, 2, 3, 4, 5}, versions)
}

func TestRunAutoMigratesNonPostgres(t *testing.T) {
	conn := dbtest.New(t)
	require.NoError(t, Run(conn, "sqlite"))

	for _, table := range []string{
		"identity_mappings",
		"raw_usage_records",
		"raw_cost_records",
		"cumulative_snapshots",
		"usage_facts",
		"cost_facts",
		"cost_delta_ledger",
		"ingestion_runs",
	} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}

	require.NoError(t, Run(conn, "sqlite"))
}

func TestRunRequiresConnection(t *testing.T) {
	assert.Error(t, Run(nil, "postgres"))
}
