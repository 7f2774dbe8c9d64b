package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/errs"
	"github.com/smallbiznis/usageledger/internal/source/domain"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	usageFile    = "usage.jsonl"
	costFile     = "cost.jsonl"
	snapshotFile = "snapshots.jsonl"
)

// FileFetcher reads vendor exports laid out as
// <dir>/<platform>/<YYYY-MM-DD>/{usage,cost,snapshots}.jsonl.
// Field locations come from the platform's gjson paths.
type FileFetcher struct {
	dir       string
	platforms func() config.EngineConfig
	log       *zap.Logger
}

func NewFileFetcher(dir string, engine *config.EngineConfigHolder, log *zap.Logger) *FileFetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileFetcher{
		dir:       dir,
		platforms: engine.Get,
		log:       log.Named("source.file"),
	}
}

func (f *FileFetcher) Fetch(ctx context.Context, platform string, date time.Time) (domain.Batch, error) {
	date = domain.Day(date)
	pcfg, ok := f.platforms().Platform(platform)
	if !ok {
		return domain.Batch{}, &errs.FatalConfigError{Platform: platform, Reason: domain.ErrPlatformNotConfigured.Error()}
	}

	partitionDir := filepath.Join(f.dir, platform, date.Format(domain.DateLayout))
	info, err := os.Stat(partitionDir)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Batch{}, fmt.Errorf("%s %s: %w", platform, date.Format(domain.DateLayout), domain.ErrPartitionNotAvailable)
	}
	if err == nil && !info.IsDir() {
		err = fmt.Errorf("%s is not a directory", partitionDir)
	}
	if err != nil {
		return domain.Batch{}, &errs.TransientFetchError{
			Platform: platform,
			Op:       "stat " + date.Format(domain.DateLayout),
			Err:      err,
		}
	}

	batch := domain.Batch{Platform: platform, ActivityDate: date}
	fields := pcfg.Fields

	fetchedAt, err := f.eachLine(ctx, platform, filepath.Join(partitionDir, usageFile), func(r gjson.Result) error {
		rec := domain.RawUsageRecord{
			Platform:       platform,
			VendorIdentity: strings.TrimSpace(r.Get(fields.VendorIdentity).String()),
			VendorLabel:    strings.TrimSpace(r.Get(fields.VendorLabel).String()),
			Dimensions:     dimensions(r, fields.Dimensions),
			Metrics:        metricValues(r, fields.Metrics),
		}
		rec.ActivityDate, err = activityDate(r, fields.ActivityDate, date)
		if err != nil {
			return err
		}
		batch.Usage = append(batch.Usage, rec)
		return nil
	})
	if err != nil {
		return domain.Batch{}, err
	}
	batch.FetchedAt = laterOf(batch.FetchedAt, fetchedAt)

	fetchedAt, err = f.eachLine(ctx, platform, filepath.Join(partitionDir, costFile), func(r gjson.Result) error {
		amount, err := amountOf(r.Get(fields.AmountUSD))
		if err != nil {
			return err
		}
		rec := domain.RawCostRecord{
			Platform:       platform,
			VendorIdentity: strings.TrimSpace(r.Get(fields.VendorIdentity).String()),
			VendorLabel:    strings.TrimSpace(r.Get(fields.VendorLabel).String()),
			Dimensions:     dimensions(r, fields.Dimensions),
			AmountUSD:      amount,
		}
		rec.ActivityDate, err = activityDate(r, fields.ActivityDate, date)
		if err != nil {
			return err
		}
		batch.Cost = append(batch.Cost, rec)
		return nil
	})
	if err != nil {
		return domain.Batch{}, err
	}
	batch.FetchedAt = laterOf(batch.FetchedAt, fetchedAt)

	fetchedAt, err = f.eachLine(ctx, platform, filepath.Join(partitionDir, snapshotFile), func(r gjson.Result) error {
		amount, err := amountOf(r.Get(fields.CumulativeUSD))
		if err != nil {
			return err
		}
		cycle, err := time.Parse(domain.DateLayout, r.Get(fields.BillingCycleStart).String())
		if err != nil {
			return fmt.Errorf("%w: billing cycle start: %v", domain.ErrInvalidRecord, err)
		}
		snap := domain.CumulativeSnapshot{
			Platform:            platform,
			VendorIdentity:      strings.TrimSpace(r.Get(fields.VendorIdentity).String()),
			VendorLabel:         strings.TrimSpace(r.Get(fields.VendorLabel).String()),
			BillingCycleStart:   cycle,
			CumulativeAmountUSD: amount,
		}
		snap.SnapshotDate, err = activityDate(r, fields.ActivityDate, date)
		if err != nil {
			return err
		}
		batch.Snapshots = append(batch.Snapshots, snap)
		return nil
	})
	if err != nil {
		return domain.Batch{}, err
	}
	batch.FetchedAt = laterOf(batch.FetchedAt, fetchedAt)

	f.log.Debug("source.partition.read",
		zap.String("platform", platform),
		zap.String("activity_date", date.Format(domain.DateLayout)),
		zap.Int("usage_records", len(batch.Usage)),
		zap.Int("cost_records", len(batch.Cost)),
		zap.Int("snapshots", len(batch.Snapshots)),
	)
	return batch, nil
}

// eachLine decodes every JSON line of path. A missing file means the vendor
// reported nothing of that kind. It returns the file's modification time.
func (f *FileFetcher) eachLine(ctx context.Context, platform, path string, fn func(gjson.Result) error) (time.Time, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, &errs.TransientFetchError{Platform: platform, Op: "open " + filepath.Base(path), Err: err}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return time.Time{}, &errs.TransientFetchError{Platform: platform, Op: "stat " + filepath.Base(path), Err: err}
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return time.Time{}, err
			}
		}
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		if !gjson.Valid(raw) {
			return time.Time{}, fmt.Errorf("%s line %d: %w: malformed json", filepath.Base(path), line, domain.ErrInvalidRecord)
		}
		if err := fn(gjson.Parse(raw)); err != nil {
			return time.Time{}, fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, &errs.TransientFetchError{Platform: platform, Op: "read " + filepath.Base(path), Err: err}
	}
	return info.ModTime().UTC(), nil
}

func dimensions(r gjson.Result, paths map[string]string) domain.Dimensions {
	dims := make(domain.Dimensions, len(paths))
	for name, path := range paths {
		v := r.Get(path)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			dims[name] = s
		}
	}
	return dims
}

func metricValues(r gjson.Result, paths map[string]string) map[string]float64 {
	values := make(map[string]float64, len(paths))
	for name, path := range paths {
		if v := r.Get(path); v.Exists() && v.Type != gjson.Null {
			values[name] = v.Float()
		}
	}
	return values
}

func activityDate(r gjson.Result, path string, fallback time.Time) (time.Time, error) {
	v := r.Get(path)
	if !v.Exists() || strings.TrimSpace(v.String()) == "" {
		return fallback, nil
	}
	s := v.String()
	if len(s) > len(domain.DateLayout) {
		s = s[:len(domain.DateLayout)]
	}
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: activity date %q", domain.ErrInvalidRecord, v.String())
	}
	return t, nil
}

// amountOf keeps the exact decimal text of JSON numbers instead of going
// through float64.
func amountOf(v gjson.Result) (decimal.Decimal, error) {
	switch v.Type {
	case gjson.Number:
		return decimal.NewFromString(v.Raw)
	case gjson.String:
		d, err := decimal.NewFromString(strings.TrimSpace(v.Str))
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: amount %q", domain.ErrInvalidRecord, v.Str)
		}
		return d, nil
	case gjson.Null:
		return decimal.Zero, nil
	default:
		if !v.Exists() {
			return decimal.Zero, fmt.Errorf("%w: amount missing", domain.ErrInvalidRecord)
		}
		return decimal.Zero, fmt.Errorf("%w: amount %s", domain.ErrInvalidRecord, v.Raw)
	}
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
