package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/errs"
	"github.com/smallbiznis/usageledger/internal/source/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDate = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func writePartition(t *testing.T, dir, platform string, files map[string]string) {
	t.Helper()
	partition := filepath.Join(dir, platform, testDate.Format(domain.DateLayout))
	require.NoError(t, os.MkdirAll(partition, 0o755))
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(partition, name), []byte(body), 0o644))
	}
}

func newTestFetcher(dir string) *FileFetcher {
	return NewFileFetcher(dir, config.NewStaticEngineConfigHolder(config.DefaultEngineConfig()), nil)
}

func TestFileFetcherDecodesCostAndUsage(t *testing.T) {
	dir := t.TempDir()
	writePartition(t, dir, "anthropic_api", map[string]string{
		costFile: `{"vendor_identity":"key-1","label":"ci bot","date":"2026-10-01","amount_usd":"1.25","model":"opus","token_type":"input","workspace_id":"W1"}
{"vendor_identity":"key-2","amount_usd":0.1,"model":"opus","token_type":"output"}

`,
		usageFile: `{"vendor_identity":"key-1","date":"2026-10-01T00:00:00Z","model":"opus","input_tokens":1200,"requests":3}`,
	})

	batch, err := newTestFetcher(dir).Fetch(context.Background(), "anthropic_api", testDate)
	require.NoError(t, err)

	require.Len(t, batch.Cost, 2)
	first := batch.Cost[0]
	assert.Equal(t, "key-1", first.VendorIdentity)
	assert.Equal(t, "ci bot", first.VendorLabel)
	assert.True(t, first.AmountUSD.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, "model=opus;token_type=input;workspace_id=W1", first.Dimensions.Encode())

	second := batch.Cost[1]
	assert.Equal(t, testDate, second.ActivityDate)
	assert.True(t, second.AmountUSD.Equal(decimal.RequireFromString("0.1")))
	assert.Empty(t, second.Dimensions.Get("workspace_id"))

	require.Len(t, batch.Usage, 1)
	assert.Equal(t, 1200.0, batch.Usage[0].Metrics["input_tokens"])
	assert.Equal(t, 3.0, batch.Usage[0].Metrics["requests"])
	assert.NotContains(t, batch.Usage[0].Metrics, "output_tokens")
	assert.Empty(t, batch.Snapshots)
	assert.False(t, batch.FetchedAt.IsZero())
}

func TestFileFetcherDecodesSnapshots(t *testing.T) {
	dir := t.TempDir()
	writePartition(t, dir, "cursor", map[string]string{
		snapshotFile: `{"vendor_identity":"a@co.com","cumulative_usd":57.10,"billing_cycle_start":"2026-09-15"}`,
	})

	batch, err := newTestFetcher(dir).Fetch(context.Background(), "cursor", testDate)
	require.NoError(t, err)
	require.Len(t, batch.Snapshots, 1)

	snap := batch.Snapshots[0]
	assert.Equal(t, testDate, snap.SnapshotDate)
	assert.Equal(t, time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC), snap.BillingCycleStart)
	assert.True(t, snap.CumulativeAmountUSD.Equal(decimal.RequireFromString("57.1")))
}

func TestFileFetcherMissingPartitionIsNotRetried(t *testing.T) {
	_, err := newTestFetcher(t.TempDir()).Fetch(context.Background(), "cursor", testDate)
	require.Error(t, err)

	assert.ErrorIs(t, err, domain.ErrPartitionNotAvailable)
	var fetchErr *errs.TransientFetchError
	assert.False(t, errors.As(err, &fetchErr))
	assert.False(t, errs.IsRetryable(err))
}

func TestFileFetcherPartitionThatIsAFileIsTransient(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cursor"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cursor", testDate.Format(domain.DateLayout)), nil, 0o644))

	_, err := newTestFetcher(dir).Fetch(context.Background(), "cursor", testDate)
	var fetchErr *errs.TransientFetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.NotErrorIs(t, err, domain.ErrPartitionNotAvailable)
}

func TestFileFetcherUnknownPlatformIsFatal(t *testing.T) {
	_, err := newTestFetcher(t.TempDir()).Fetch(context.Background(), "copilot", testDate)

	var fatal *errs.FatalConfigError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, "copilot", fatal.Platform)
	assert.False(t, errs.IsRetryable(err))
}

func TestFileFetcherRejectsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	writePartition(t, dir, "anthropic_api", map[string]string{
		costFile: `{"vendor_identity":"key-1","amount_usd":"1.00"}
{"vendor_identity":"key-2","amount_usd":"abc"}`,
	})

	_, err := newTestFetcher(dir).Fetch(context.Background(), "anthropic_api", testDate)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidRecord)
	assert.Contains(t, err.Error(), "line 2")
	assert.False(t, errs.IsRetryable(err))
}

func TestMemoryFetcherQueuesFailures(t *testing.T) {
	m := NewMemoryFetcher()
	m.Put(domain.Batch{Platform: "cursor", ActivityDate: testDate.Add(5 * time.Hour)})
	boom := &errs.TransientFetchError{Platform: "cursor", Op: "fetch", Err: errors.New("503")}
	m.FailNext("cursor", testDate, boom)

	_, err := m.Fetch(context.Background(), "cursor", testDate)
	require.ErrorIs(t, err, boom)

	b, err := m.Fetch(context.Background(), "cursor", testDate)
	require.NoError(t, err)
	assert.Equal(t, testDate, b.ActivityDate)
	assert.Equal(t, 2, m.Calls("cursor", testDate))

	_, err = m.Fetch(context.Background(), "cursor", testDate.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, domain.ErrPartitionNotAvailable)
	assert.False(t, errs.IsRetryable(err))
}
