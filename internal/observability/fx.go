package observability

import (
	"github.com/smallbiznis/usageledger/internal/observability/logger"
	"github.com/smallbiznis/usageledger/internal/observability/metrics"
	"github.com/smallbiznis/usageledger/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module provides the zap logger, the tracer and meter providers, the OTel
// ledger instruments and the Prometheus pipeline metrics.
var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.logger,
		Config.tracing,
		Config.metrics,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.PipelineWithConfig,
	),
	// The tracer provider has no consumers; requesting it installs it globally.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
