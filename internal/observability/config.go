package observability

import (
	"strings"

	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/observability/logger"
	"github.com/smallbiznis/usageledger/internal/observability/metrics"
	"github.com/smallbiznis/usageledger/internal/observability/tracing"
)

// Config is the observability view of the application configuration.
type Config struct {
	ServiceName  string
	Environment  string
	Version      string
	OTLPEndpoint string
	config.TelemetryConfig
}

func LoadConfig(cfg config.Config) Config {
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "usageledger"
	}
	return Config{
		ServiceName:     name,
		Environment:     strings.TrimSpace(cfg.Environment),
		Version:         strings.TrimSpace(cfg.AppVersion),
		OTLPEndpoint:    cfg.OTLPEndpoint,
		TelemetryConfig: cfg.Telemetry,
	}
}

// Debug is true for debug logging or any non-production environment.
func (c Config) Debug() bool {
	if strings.EqualFold(c.LogLevel, "debug") {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func (c Config) logger() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		Debug:               c.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) tracing() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		ExporterEndpoint: c.OTLPEndpoint,
		ExporterProtocol: c.OtelProtocol,
		SamplingRatio:    c.SamplingRatio,
	}
}

func (c Config) metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OTLPEndpoint,
		ExporterProtocol: c.OtelProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
	}
}
