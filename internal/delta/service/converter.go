package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	deltadomain "github.com/smallbiznis/usageledger/internal/delta/domain"
	"github.com/smallbiznis/usageledger/internal/retry"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo deltadomain.Repository
}

// Converter turns month-to-date spend snapshots into daily deltas using the
// ledger of deltas already emitted.
type Converter struct {
	db   *gorm.DB
	log  *zap.Logger
	repo deltadomain.Repository
}

func New(p Params) *Converter {
	return &Converter{
		db:   p.DB,
		log:  p.Log.Named("delta.converter"),
		repo: p.Repo,
	}
}

// ComputeDailyDelta returns the spend of vendorIdentity on the snapshot's
// date: its cumulative amount minus every delta already recorded for the
// same billing cycle on earlier days. Negative results are clamped to zero.
func (c *Converter) ComputeDailyDelta(ctx context.Context, platform, vendorIdentity string, snapshot sourcedomain.CumulativeSnapshot, billingCycleStart time.Time) (deltadomain.DeltaEntry, error) {
	vendorIdentity = strings.TrimSpace(vendorIdentity)
	if vendorIdentity == "" {
		return deltadomain.DeltaEntry{}, deltadomain.ErrEmptyVendorIdentity
	}
	cycle := sourcedomain.Day(billingCycleStart)
	date := sourcedomain.Day(snapshot.SnapshotDate)
	if cycle.After(date) {
		return deltadomain.DeltaEntry{}, fmt.Errorf("%w: cycle %s, snapshot %s", deltadomain.ErrCycleAfterSnapshot,
			cycle.Format(sourcedomain.DateLayout), date.Format(sourcedomain.DateLayout))
	}

	prior, err := c.repo.PriorDeltas(ctx, c.db, platform, vendorIdentity, cycle, date)
	if err != nil {
		return deltadomain.DeltaEntry{}, err
	}
	priorUSD := decimal.Sum(decimal.Zero, prior...)

	entry := deltadomain.DeltaEntry{
		Platform:          platform,
		VendorIdentity:    vendorIdentity,
		VendorLabel:       snapshot.VendorLabel,
		BillingCycleStart: cycle,
		ActivityDate:      date,
		CumulativeUSD:     snapshot.CumulativeAmountUSD,
		PriorUSD:          priorUSD,
		DeltaUSD:          snapshot.CumulativeAmountUSD.Sub(priorUSD),
		FirstInCycle:      len(prior) == 0,
	}
	if entry.DeltaUSD.IsNegative() {
		entry.ClampedUSD = entry.DeltaUSD.Neg()
		entry.DeltaUSD = decimal.Zero
		c.log.Warn("delta.negative.clamped",
			zap.String("platform", platform),
			zap.String("vendor_identity", vendorIdentity),
			zap.String("activity_date", date.Format(sourcedomain.DateLayout)),
			zap.String("cumulative_usd", entry.CumulativeUSD.String()),
			zap.String("prior_usd", priorUSD.String()),
			zap.String("negative_usd", entry.ClampedUSD.String()),
		)
	}
	return entry, nil
}

// Result is the conversion of one platform's snapshots for one date.
// Invalid holds the snapshots without a vendor identity; they have no
// running total to subtract from and produce no delta.
type Result struct {
	Entries    []deltadomain.DeltaEntry
	Duplicates int
	Invalid    []sourcedomain.CumulativeSnapshot
}

// InvalidUSD is the cumulative spend carried by the invalid snapshots.
func (r Result) InvalidUSD() decimal.Decimal {
	total := decimal.Zero
	for _, s := range r.Invalid {
		total = total.Add(s.CumulativeAmountUSD)
	}
	return total
}

func (r Result) Negative() (int, decimal.Decimal) {
	count, total := 0, decimal.Zero
	for _, e := range r.Entries {
		if e.Clamped() {
			count++
			total = total.Add(e.ClampedUSD)
		}
	}
	return count, total
}

// Convert computes a delta for every identity present in snapshots. Reads of
// the ledger are retried under policy. Snapshots without an identity are
// set aside in Result.Invalid and never fail the date.
func (c *Converter) Convert(ctx context.Context, policy retry.Policy, platform string, snapshots []sourcedomain.CumulativeSnapshot) (Result, error) {
	var res Result
	valid := make([]sourcedomain.CumulativeSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if strings.TrimSpace(s.VendorIdentity) == "" {
			res.Invalid = append(res.Invalid, s)
			continue
		}
		valid = append(valid, s)
	}
	latest, duplicates := c.latestPerIdentity(platform, valid)

	res.Duplicates = duplicates
	res.Entries = make([]deltadomain.DeltaEntry, 0, len(latest))
	for _, snap := range latest {
		entry, err := retry.Do(ctx, policy, func(attempt int, err error, next time.Duration) {
			c.log.Warn("delta.ledger.retry",
				zap.String("platform", platform),
				zap.String("vendor_identity", snap.VendorIdentity),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}, func(ctx context.Context) (deltadomain.DeltaEntry, error) {
			return c.ComputeDailyDelta(ctx, platform, snap.VendorIdentity, snap, snap.BillingCycleStart)
		})
		if err != nil {
			return Result{}, fmt.Errorf("delta for %s/%s: %w", platform, snap.VendorIdentity, err)
		}
		res.Entries = append(res.Entries, entry)
	}
	return res, nil
}

// latestPerIdentity keeps one snapshot per identity: the latest snapshot
// date, then the highest cumulative amount. Output is ordered by identity.
func (c *Converter) latestPerIdentity(platform string, snapshots []sourcedomain.CumulativeSnapshot) ([]sourcedomain.CumulativeSnapshot, int) {
	chosen := make(map[string]sourcedomain.CumulativeSnapshot, len(snapshots))
	duplicates := 0
	for _, s := range snapshots {
		id := strings.TrimSpace(s.VendorIdentity)
		prev, ok := chosen[id]
		if !ok {
			chosen[id] = s
			continue
		}
		duplicates++
		winner := prev
		if s.SnapshotDate.After(prev.SnapshotDate) ||
			(s.SnapshotDate.Equal(prev.SnapshotDate) && s.CumulativeAmountUSD.GreaterThan(prev.CumulativeAmountUSD)) {
			winner = s
		}
		chosen[id] = winner
		c.log.Info("delta.snapshot.duplicate",
			zap.String("platform", platform),
			zap.String("vendor_identity", id),
			zap.String("kept_cumulative_usd", winner.CumulativeAmountUSD.String()),
			zap.Time("kept_snapshot_date", winner.SnapshotDate),
		)
	}

	ids := make([]string, 0, len(chosen))
	for id := range chosen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]sourcedomain.CumulativeSnapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, chosen[id])
	}
	return out, duplicates
}

// Record makes entries the ledger of platform on activityDate so later days
// subtract them. A restated day with fewer identities drops the old deltas of
// the missing ones; an empty entries clears the day.
func (c *Converter) Record(ctx context.Context, runID, platform string, activityDate, now time.Time, entries []deltadomain.DeltaEntry) error {
	rows := make([]deltadomain.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, e.LedgerEntry(runID, now))
	}
	return c.repo.ReplacePartition(ctx, c.db, platform, sourcedomain.Day(activityDate), rows)
}

// LatestActivityDate is the most recent date with a recorded delta.
func (c *Converter) LatestActivityDate(ctx context.Context, platform string) (time.Time, bool, error) {
	return c.repo.LatestActivityDate(ctx, c.db, platform)
}
