package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	deltadomain "github.com/smallbiznis/usageledger/internal/delta/domain"
	"github.com/smallbiznis/usageledger/internal/delta/repository"
	"github.com/smallbiznis/usageledger/internal/retry"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"github.com/smallbiznis/usageledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func date(s string) time.Time {
	t, err := time.Parse(sourcedomain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func snapshot(identity, day, cycle, amount string) sourcedomain.CumulativeSnapshot {
	return sourcedomain.CumulativeSnapshot{
		Platform:            "cursor",
		VendorIdentity:      identity,
		BillingCycleStart:   date(cycle),
		SnapshotDate:        date(day),
		CumulativeAmountUSD: decimal.RequireFromString(amount),
	}
}

func newConverter(t *testing.T) *Converter {
	t.Helper()
	conn := dbtest.New(t, &deltadomain.LedgerEntry{})
	return New(Params{DB: conn, Log: zap.NewNop(), Repo: repository.Provide()})
}

var testPolicy = retry.Policy{MaxAttempts: 1}

// runDays converts and records each day in order, returning the deltas.
func runDays(t *testing.T, c *Converter, days ...sourcedomain.CumulativeSnapshot) []string {
	t.Helper()
	ctx := context.Background()
	var out []string
	for _, s := range days {
		res, err := c.Convert(ctx, testPolicy, "cursor", []sourcedomain.CumulativeSnapshot{s})
		require.NoError(t, err)
		require.Len(t, res.Entries, 1)
		require.NoError(t, c.Record(ctx, "run-1", "cursor", s.SnapshotDate, time.Now(), res.Entries))
		out = append(out, res.Entries[0].DeltaUSD.String())
	}
	return out
}

func TestCycleReset(t *testing.T) {
	c := newConverter(t)
	deltas := runDays(t, c,
		snapshot("a@co.com", "2026-09-10", "2026-09-01", "50"),
		snapshot("a@co.com", "2026-09-11", "2026-09-01", "57"),
		snapshot("a@co.com", "2026-10-01", "2026-10-01", "5"),
	)
	assert.Equal(t, []string{"50", "7", "5"}, deltas)
}

func TestMissedDayDoesNotDesynchronize(t *testing.T) {
	c := newConverter(t)
	deltas := runDays(t, c,
		snapshot("a@co.com", "2026-09-10", "2026-09-01", "50"),
		snapshot("a@co.com", "2026-09-13", "2026-09-01", "72.5"),
	)
	assert.Equal(t, []string{"50", "22.5"}, deltas)
}

func TestRerunOfSameDayIsStable(t *testing.T) {
	c := newConverter(t)
	first := runDays(t, c,
		snapshot("a@co.com", "2026-09-10", "2026-09-01", "50"),
		snapshot("a@co.com", "2026-09-11", "2026-09-01", "57"),
	)
	again := runDays(t, c, snapshot("a@co.com", "2026-09-11", "2026-09-01", "57"))
	assert.Equal(t, first[1], again[0])
}

func TestNegativeDeltaIsClamped(t *testing.T) {
	c := newConverter(t)
	ctx := context.Background()
	runDays(t, c, snapshot("a@co.com", "2026-09-10", "2026-09-01", "50"))

	res, err := c.Convert(ctx, testPolicy, "cursor", []sourcedomain.CumulativeSnapshot{
		snapshot("a@co.com", "2026-09-11", "2026-09-01", "42"),
	})
	require.NoError(t, err)
	entry := res.Entries[0]
	assert.True(t, entry.DeltaUSD.IsZero())
	assert.True(t, entry.ClampedUSD.Equal(decimal.NewFromInt(8)))

	count, clamped := res.Negative()
	assert.Equal(t, 1, count)
	assert.True(t, clamped.Equal(decimal.NewFromInt(8)))
}

func TestFirstObservationIsFullCatchUp(t *testing.T) {
	c := newConverter(t)
	res, err := c.Convert(context.Background(), testPolicy, "cursor", []sourcedomain.CumulativeSnapshot{
		snapshot("late@co.com", "2026-09-20", "2026-09-01", "312.40"),
	})
	require.NoError(t, err)
	assert.True(t, res.Entries[0].FirstInCycle)
	assert.True(t, res.Entries[0].DeltaUSD.Equal(decimal.RequireFromString("312.4")))
}

func TestDuplicateSnapshotsKeepLatestThenHighest(t *testing.T) {
	c := newConverter(t)
	res, err := c.Convert(context.Background(), testPolicy, "cursor", []sourcedomain.CumulativeSnapshot{
		snapshot("b@co.com", "2026-09-10", "2026-09-01", "30"),
		snapshot("a@co.com", "2026-09-10", "2026-09-01", "10"),
		snapshot("a@co.com", "2026-09-10", "2026-09-01", "12"),
		snapshot("a@co.com", "2026-09-09", "2026-09-01", "99"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Duplicates)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "a@co.com", res.Entries[0].VendorIdentity)
	assert.True(t, res.Entries[0].DeltaUSD.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, "b@co.com", res.Entries[1].VendorIdentity)
}

func TestRestatedDayDropsDeltasOfMissingIdentities(t *testing.T) {
	c := newConverter(t)
	ctx := context.Background()
	runDays(t, c, snapshot("bob@co.com", "2026-09-10", "2026-09-01", "50"))

	// the vendor restates 2026-09-10 without bob
	require.NoError(t, c.Record(ctx, "run-2", "cursor", date("2026-09-10"), time.Now(), nil))

	deltas := runDays(t, c, snapshot("bob@co.com", "2026-09-11", "2026-09-01", "57"))
	assert.Equal(t, []string{"57"}, deltas, "the restated day no longer carries bob's old delta")
}

func TestRecordReplacesOnlyItsOwnDay(t *testing.T) {
	c := newConverter(t)
	ctx := context.Background()
	runDays(t, c,
		snapshot("a@co.com", "2026-09-10", "2026-09-01", "10"),
		snapshot("a@co.com", "2026-09-11", "2026-09-01", "15"),
	)

	res, err := c.Convert(ctx, testPolicy, "cursor", []sourcedomain.CumulativeSnapshot{
		snapshot("b@co.com", "2026-09-11", "2026-09-01", "4"),
	})
	require.NoError(t, err)
	require.NoError(t, c.Record(ctx, "run-2", "cursor", date("2026-09-11"), time.Now(), res.Entries))

	var rows []deltadomain.LedgerEntry
	require.NoError(t, c.db.Order("activity_date, vendor_identity").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "a@co.com", rows[0].VendorIdentity)
	assert.True(t, rows[0].DeltaUSD.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "b@co.com", rows[1].VendorIdentity)
}

func TestSnapshotWithoutIdentityIsSetAside(t *testing.T) {
	c := newConverter(t)
	res, err := c.Convert(context.Background(), testPolicy, "cursor", []sourcedomain.CumulativeSnapshot{
		snapshot("alice@co.com", "2026-09-10", "2026-09-01", "50"),
		snapshot(" ", "2026-09-10", "2026-09-01", "5"),
		snapshot("", "2026-09-10", "2026-09-01", "2.5"),
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "alice@co.com", res.Entries[0].VendorIdentity)
	assert.True(t, res.Entries[0].DeltaUSD.Equal(decimal.NewFromInt(50)))
	assert.Len(t, res.Invalid, 2)
	assert.Zero(t, res.Duplicates)
	assert.True(t, res.InvalidUSD().Equal(decimal.RequireFromString("7.5")))
}

func TestComputeDailyDeltaValidatesInput(t *testing.T) {
	c := newConverter(t)
	ctx := context.Background()

	_, err := c.ComputeDailyDelta(ctx, "cursor", " ", snapshot("", "2026-09-10", "2026-09-01", "1"), date("2026-09-01"))
	require.ErrorIs(t, err, deltadomain.ErrEmptyVendorIdentity)

	_, err = c.ComputeDailyDelta(ctx, "cursor", "a", snapshot("a", "2026-09-10", "2026-09-01", "1"), date("2026-09-11"))
	require.ErrorIs(t, err, deltadomain.ErrCycleAfterSnapshot)
}

func TestLatestActivityDate(t *testing.T) {
	c := newConverter(t)
	ctx := context.Background()

	_, ok, err := c.LatestActivityDate(ctx, "cursor")
	require.NoError(t, err)
	assert.False(t, ok)

	runDays(t, c,
		snapshot("a@co.com", "2026-09-10", "2026-09-01", "5"),
		snapshot("a@co.com", "2026-09-12", "2026-09-01", "6"),
	)
	latest, ok, err := c.LatestActivityDate(ctx, "cursor")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, latest.Equal(date("2026-09-12")), "latest %s", latest)
}
