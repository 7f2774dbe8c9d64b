package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/usageledger/internal/observability/context"
	"github.com/smallbiznis/usageledger/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-Id"

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug bool
	// ErrorClassifier maps a handler error to the logged error type and code.
	ErrorClassifier func(err error) (string, string)
}

// quietRoutes are polled by probes and scrapers and logged at debug level.
var quietRoutes = map[string]bool{"/health": true, "/metrics": true}

// GinMiddleware tags each request with a request id and a correlation id,
// echoing both in the response, and logs it once it completes.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := headerOrNewID(c, requestIDHeader)
		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		ctx = correlation.WithID(ctx, headerOrNewID(c, correlation.Header))
		c.Set("request_id", requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, errorFields(cfg, lastErr.Err)...)
		}

		log := FromContext(c.Request.Context())
		switch {
		case quietRoutes[route]:
			log.Debug("http_request", fields...)
		case status >= http.StatusInternalServerError:
			log.Error("http_request", fields...)
		default:
			log.Info("http_request", fields...)
		}
	}
}

func errorFields(cfg MiddlewareConfig, err error) []zap.Field {
	errorType, errorCode := "internal_error", ""
	if cfg.ErrorClassifier != nil {
		errorType, errorCode = cfg.ErrorClassifier(err)
	}
	fields := []zap.Field{
		zap.String("error_type", errorType),
		zap.String("error_code", errorCode),
	}
	if cfg.Debug {
		fields = append(fields, zap.Error(err), zap.Stack("stack"))
	}
	return fields
}

// headerOrNewID returns the inbound header value or a fresh id, and sets it
// on the response.
func headerOrNewID(c *gin.Context, header string) string {
	id := strings.TrimSpace(c.GetHeader(header))
	if id == "" {
		id = correlation.NewID()
	}
	c.Header(header, id)
	return id
}
