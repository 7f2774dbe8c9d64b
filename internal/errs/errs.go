// Package errs defines the error taxonomy shared by every pipeline stage.
//
// Only TransientFetchError and WriteConflictError are retried. MappingDataError
// and ReconciliationWarning never fail a run: they lower data quality scores and
// are counted in the run summary. FatalConfigError stops the affected platform.
package errs

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usageledger/pkg/db"
)

const (
	KindTransientFetch = "transient_fetch"
	KindMappingData    = "mapping_data"
	KindReconciliation = "reconciliation"
	KindWriteConflict  = "write_conflict"
	KindFatalConfig    = "fatal_config"
	KindCanceled       = "canceled"
	KindUnknown        = "unknown"
)

// TransientFetchError wraps a failure reading a vendor feed or the identity source.
type TransientFetchError struct {
	Platform string
	Op       string
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch failure: %s %s: %v", e.Platform, e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// MappingDataError describes a bad identity mapping row.
type MappingDataError struct {
	Source         string
	Line           int
	Platform       string
	VendorIdentity string
	Reason         string
}

func (e *MappingDataError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("mapping data error: %s line %d (%s/%s): %s", e.Source, e.Line, e.Platform, e.VendorIdentity, e.Reason)
	}
	return fmt.Sprintf("mapping data error: %s (%s/%s): %s", e.Source, e.Platform, e.VendorIdentity, e.Reason)
}

// ReconciliationWarning reports coarse and fine totals that disagree beyond tolerance.
type ReconciliationWarning struct {
	Platform  string
	Partition string
	CoarseUSD decimal.Decimal
	FineUSD   decimal.Decimal
}

func (e *ReconciliationWarning) Diff() decimal.Decimal {
	return e.CoarseUSD.Sub(e.FineUSD).Abs()
}

func (e *ReconciliationWarning) Error() string {
	return fmt.Sprintf("reconciliation mismatch: %s %s coarse=%s fine=%s diff=%s",
		e.Platform, e.Partition, e.CoarseUSD.StringFixed(6), e.FineUSD.StringFixed(6), e.Diff().StringFixed(6))
}

// WriteConflictError is a retryable warehouse failure scoped to the rows it names.
type WriteConflictError struct {
	Table       string
	NaturalKeys []string
	Err         error
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict on %s (%d rows): %v", e.Table, len(e.NaturalKeys), e.Err)
}

func (e *WriteConflictError) Unwrap() error { return e.Err }

// FatalConfigError aborts the platform it belongs to.
type FatalConfigError struct {
	Platform string
	Reason   string
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("fatal config error: %s: %s", e.Platform, e.Reason)
}

// IsRetryable reports whether err is worth another attempt at the point of occurrence.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalConfigError
	if errors.As(err, &fatal) {
		return false
	}
	var fetch *TransientFetchError
	if errors.As(err, &fetch) {
		return true
	}
	var conflict *WriteConflictError
	if errors.As(err, &conflict) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return db.IsRetryable(err)
}

// Kind maps err to a low-cardinality label for logs and metrics.
func Kind(err error) string {
	if err == nil {
		return KindUnknown
	}
	var (
		fetch    *TransientFetchError
		mapping  *MappingDataError
		recon    *ReconciliationWarning
		conflict *WriteConflictError
		fatal    *FatalConfigError
	)
	switch {
	case errors.As(err, &fatal):
		return KindFatalConfig
	case errors.As(err, &fetch):
		return KindTransientFetch
	case errors.As(err, &conflict):
		return KindWriteConflict
	case errors.As(err, &mapping):
		return KindMappingData
	case errors.As(err, &recon):
		return KindReconciliation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	if reason := db.ClassifyReason(err); reason != db.ReasonUnknown {
		return reason
	}
	return KindUnknown
}
