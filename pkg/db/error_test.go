package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		want      string
		retryable bool
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ReasonDeadlineExceeded, retryable: true},
		{name: "lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: ReasonDBLockTimeout, retryable: true},
		{name: "serialization", err: fmt.Errorf("upsert: %w", &pgconn.PgError{Code: "40001"}), want: ReasonSerializationFailure, retryable: true},
		{name: "connection", err: &pgconn.PgError{Code: "08006"}, want: ReasonConnection, retryable: true},
		{name: "sqlite_busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: ReasonDBLockTimeout, retryable: true},
		{name: "unique", err: gorm.ErrDuplicatedKey, want: ReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyReason(tc.err))
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(errors.New("UNIQUE constraint failed: cost_facts.natural_key")))
	assert.True(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.False(t, IsDuplicateKeyErr(errors.New("syntax error")))
}
