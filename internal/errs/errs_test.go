package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	boom := errors.New("boom")

	assert.True(t, IsRetryable(&TransientFetchError{Platform: "cursor", Op: "usage", Err: boom}))
	assert.True(t, IsRetryable(fmt.Errorf("batch 3: %w", &WriteConflictError{Table: "cost_facts", Err: boom})))
	assert.True(t, IsRetryable(&pgconn.PgError{Code: "40001"}))
	assert.False(t, IsRetryable(&FatalConfigError{Platform: "cursor", Reason: "missing fields"}))
	assert.False(t, IsRetryable(&MappingDataError{Source: "csv", Reason: "malformed email"}))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(boom))
	assert.False(t, IsRetryable(nil))
}

func TestKind(t *testing.T) {
	assert.Equal(t, KindTransientFetch, Kind(&TransientFetchError{Err: errors.New("timeout")}))
	assert.Equal(t, KindWriteConflict, Kind(&WriteConflictError{Err: errors.New("busy")}))
	assert.Equal(t, KindFatalConfig, Kind(fmt.Errorf("platform: %w", &FatalConfigError{})))
	assert.Equal(t, KindMappingData, Kind(&MappingDataError{}))
	assert.Equal(t, KindReconciliation, Kind(&ReconciliationWarning{}))
	assert.Equal(t, KindCanceled, Kind(context.DeadlineExceeded))
	assert.Equal(t, "db_lock_timeout", Kind(&pgconn.PgError{Code: "55P03"}))
	assert.Equal(t, KindUnknown, Kind(errors.New("x")))
}

func TestReconciliationWarningDiff(t *testing.T) {
	w := &ReconciliationWarning{
		Platform:  "anthropic_api",
		Partition: "2025-03-01/claude-sonnet/input",
		CoarseUSD: decimal.RequireFromString("100.00"),
		FineUSD:   decimal.RequireFromString("99.50"),
	}
	assert.True(t, w.Diff().Equal(decimal.RequireFromString("0.5")))
	assert.Contains(t, w.Error(), "diff=0.500000")
}
