package metrics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes OTel instruments for ledger throughput.
type Metrics struct {
	recordsIngested  metric.Int64Counter
	factsWritten     metric.Int64Counter
	identityLookups  metric.Int64Counter
	unattributedCost metric.Float64Counter
}

// NewProvider installs the global meter provider. With export disabled the
// instruments are no-ops; otherwise readings are exported every 10s and once
// more on stop, so a batch run that exits right away still reports.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName(cfg)),
		attribute.String("deployment.environment", cfg.Environment),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("flushing meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}
	log.Info("metrics export enabled",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New creates the ledger instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(serviceName(cfg))

	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	m := &Metrics{
		recordsIngested: counter("usageledger_records_ingested_total", "Raw vendor records fetched."),
		factsWritten:    counter("usageledger_facts_written_total", "Canonical facts written by outcome."),
		identityLookups: counter("usageledger_identity_lookups_total", "Identity resolutions by method."),
	}
	unattributed, err := meter.Float64Counter("usageledger_unattributed_usd_total",
		metric.WithDescription("Spend that could not be tied to a user."),
		metric.WithUnit("USD"),
	)
	m.unattributedCost = unattributed
	if err := errors.Join(append(errs, err)...); err != nil {
		return nil, err
	}
	return m, nil
}

func serviceName(cfg Config) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return "usageledger"
}

// RecordIngested counts raw vendor records by kind (usage, cost, snapshot).
func (m *Metrics) RecordIngested(ctx context.Context, platform, kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("platform", strings.TrimSpace(platform)),
		attribute.String("kind", strings.TrimSpace(kind)),
	)
	m.recordsIngested.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordFactsWritten counts facts by outcome (inserted, replaced, pruned, failed).
func (m *Metrics) RecordFactsWritten(ctx context.Context, platform, table, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(
		attribute.String("platform", strings.TrimSpace(platform)),
		attribute.String("table", strings.TrimSpace(table)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.factsWritten.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordIdentityLookup counts resolver results by method.
func (m *Metrics) RecordIdentityLookup(ctx context.Context, platform, method string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("platform", strings.TrimSpace(platform)),
		attribute.String("method", strings.TrimSpace(method)),
	)
	m.identityLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUnattributedCost adds spend that could not be tied to a user.
func (m *Metrics) RecordUnattributedCost(ctx context.Context, platform string, amountUSD float64) {
	if m == nil || amountUSD <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("platform", strings.TrimSpace(platform)))
	m.unattributedCost.Add(ctx, amountUSD, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"platform": {},
	"kind":     {},
	"table":    {},
	"outcome":  {},
	"method":   {},
	"stage":    {},
	"reason":   {},
}

// FilterAttributes drops empty and high-cardinality attributes such as emails
// or vendor identities.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		if attr.Value.Type() == attribute.STRING && strings.TrimSpace(attr.Value.AsString()) == "" {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
