// Package context carries run-scoped identifiers used to enrich logs and spans.
package context

import (
	"context"
	"strings"
)

type (
	requestIDKey    struct{}
	runIDKey        struct{}
	platformKey     struct{}
	activityDateKey struct{}
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, requestIDKey{})
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return withString(ctx, runIDKey{}, runID)
}

func RunIDFromContext(ctx context.Context) string {
	return stringFrom(ctx, runIDKey{})
}

func WithPlatform(ctx context.Context, platform string) context.Context {
	return withString(ctx, platformKey{}, platform)
}

func PlatformFromContext(ctx context.Context) string {
	return stringFrom(ctx, platformKey{})
}

// WithActivityDate records the partition date (YYYY-MM-DD) being processed.
func WithActivityDate(ctx context.Context, date string) context.Context {
	return withString(ctx, activityDateKey{}, date)
}

func ActivityDateFromContext(ctx context.Context) string {
	return stringFrom(ctx, activityDateKey{})
}

func withString(ctx context.Context, key any, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
