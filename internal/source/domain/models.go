package domain

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPlatformNotConfigured = errors.New("platform_not_configured")
	ErrInvalidRecord         = errors.New("invalid_record")
	// ErrPartitionNotAvailable means the vendor has not published the day.
	// It is not retried; the day is passed over and picked up by a later run.
	ErrPartitionNotAvailable = errors.New("partition_not_available")
)

// DateLayout is the wire and partition format of activity dates.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC, the grain of every partition.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Dimensions is an opaque set of vendor attributes (model, token type,
// workspace, ...). Equality is by Encode.
type Dimensions map[string]string

var dimensionEscaper = strings.NewReplacer(`\`, `\\`, `;`, `\;`, `=`, `\=`)

// Encode returns the canonical sorted encoding of the non-empty entries.
func (d Dimensions) Encode() string {
	keys := make([]string, 0, len(d))
	for k, v := range d {
		if strings.TrimSpace(v) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(dimensionEscaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(dimensionEscaper.Replace(d[k]))
	}
	return b.String()
}

func (d Dimensions) Get(key string) string {
	if d == nil {
		return ""
	}
	return strings.TrimSpace(d[key])
}

// Only returns the subset of d named by keys, keeping empty values out.
func (d Dimensions) Only(keys ...string) Dimensions {
	out := make(Dimensions, len(keys))
	for _, k := range keys {
		if v := d.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

// Without returns a copy of d minus keys.
func (d Dimensions) Without(keys ...string) Dimensions {
	out := make(Dimensions, len(d))
	for k, v := range d {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

type RawUsageRecord struct {
	Platform       string
	VendorIdentity string
	VendorLabel    string
	ActivityDate   time.Time
	Dimensions     Dimensions
	Metrics        map[string]float64
}

type RawCostRecord struct {
	Platform       string
	VendorIdentity string
	VendorLabel    string
	ActivityDate   time.Time
	Dimensions     Dimensions
	AmountUSD      decimal.Decimal
}

// CumulativeSnapshot is a month-to-date spend reading for one identity.
type CumulativeSnapshot struct {
	Platform            string
	VendorIdentity      string
	VendorLabel         string
	BillingCycleStart   time.Time
	SnapshotDate        time.Time
	CumulativeAmountUSD decimal.Decimal
}

// Batch is everything a platform reported for one activity date.
type Batch struct {
	Platform     string
	ActivityDate time.Time
	Usage        []RawUsageRecord
	Cost         []RawCostRecord
	Snapshots    []CumulativeSnapshot
	// FetchedAt is when the data became available, used for freshness scoring.
	FetchedAt time.Time
}

func (b Batch) Len() int {
	return len(b.Usage) + len(b.Cost) + len(b.Snapshots)
}

// Fetcher reads one platform partition from a vendor feed.
type Fetcher interface {
	Fetch(ctx context.Context, platform string, date time.Time) (Batch, error)
}
