package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonConnection           = "connection"
	ReasonUnknown              = "unknown"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if hasPGCode(err, "23505") {
		return true
	}

	msg := err.Error()
	// PostgreSQL
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}
	// MySQL (1062)
	if strings.Contains(msg, "Error 1062") {
		return true
	}
	// SQLite (2067)
	return strings.Contains(msg, "UNIQUE constraint failed")
}

// IsRetryable reports whether a warehouse error is worth another attempt.
// Constraint and data errors are not: retrying them would fail the same way.
func IsRetryable(err error) bool {
	switch ClassifyReason(err) {
	case ReasonDeadlineExceeded, ReasonDBLockTimeout, ReasonSerializationFailure, ReasonConnection:
		return true
	default:
		return false
	}
}

// ClassifyReason maps database errors to low-cardinality reasons for logs and metrics.
func ClassifyReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return ReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") || hasPGCode(err, "40P01") {
		return ReasonSerializationFailure
	}
	if IsDuplicateKeyErr(err) {
		return ReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "08") {
		return ReasonConnection
	}
	if errors.Is(err, gorm.ErrInvalidDB) {
		return ReasonConnection
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") {
		return ReasonDBLockTimeout
	}
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "bad connection") {
		return ReasonConnection
	}
	return ReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
