// Package correlation carries the id that ties together every log line and
// span of one run or one API request.
package correlation

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Header is the HTTP header an id is read from and echoed in.
const Header = "X-Correlation-Id"

type key struct{}

// NewID returns a lexically sortable identifier. Run ids use it so that
// listing runs by id also lists them by start time.
func NewID() string {
	return ulid.Make().String()
}

func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(key{}).(string)
	return id
}

// WithID stores id on ctx. Blank ids are ignored.
func WithID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, key{}, id)
}

// Ensure returns ctx with a correlation id, keeping an existing one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}
