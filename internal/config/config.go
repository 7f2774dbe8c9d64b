package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewEngineConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string
	Telemetry    TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBMetricsEnabled  bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Source    SourceConfig
	Identity  IdentityConfig
	Metrics   MetricsPushConfig
	Scheduler SchedulerConfig

	RunBudget     time.Duration
	RunDateBudget time.Duration
	WorkerID      int64
}

// SourceConfig locates the vendor exports consumed by the file fetcher.
type SourceConfig struct {
	Dir string
}

// IdentityConfig selects where the identity mapping is read from.
type IdentityConfig struct {
	// Source is one of "table" or "csv".
	Source       string
	CSVPath      string
	SnapshotPath string
	Timeout      time.Duration
}

// TelemetryConfig controls log output and OpenTelemetry export.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelProtocol  string
	SamplingRatio float64
}

// SchedulerConfig drives the long-running daily trigger.
type SchedulerConfig struct {
	RunInterval  time.Duration
	RunAtHour    int
	LookbackDays int
	JobTimeout   time.Duration
}

type MetricsPushConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "usageledger"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		Telemetry: TelemetryConfig{
			LogLevel:     strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:    strings.ToLower(getenv("LOG_FORMAT", "json")),
			OtelEnabled:  getenvBool("OTEL_ENABLED", false),
			OtelProtocol: strings.ToLower(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			// Batch runs are rare, so every run is sampled by default.
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 1),
		},
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "usageledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "usageledger.db"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBMetricsEnabled:  getenvBool("DATABASE_METRICS_ENABLED", true),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           int(getenvInt64("REDIS_DB", 0)),
		Source: SourceConfig{
			Dir: getenv("SOURCE_DIR", "./exports"),
		},
		Identity: IdentityConfig{
			Source:       strings.ToLower(getenv("IDENTITY_SOURCE", "table")),
			CSVPath:      getenv("IDENTITY_CSV_PATH", "identity_mapping.csv"),
			SnapshotPath: getenv("IDENTITY_SNAPSHOT_PATH", "identity_snapshot.db"),
			Timeout:      getenvDuration("IDENTITY_TIMEOUT", 30*time.Second),
		},
		Metrics: MetricsPushConfig{
			Enabled:   getenvBool("METRICS_PUSH_ENABLED", false),
			Exporter:  strings.ToLower(getenv("METRICS_PUSH_EXPORTER", "")),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_AUTH_TOKEN", "")),
		},
		Scheduler: SchedulerConfig{
			RunInterval:  getenvDuration("SCHEDULER_RUN_INTERVAL", 5*time.Minute),
			RunAtHour:    int(getenvInt64("SCHEDULER_RUN_AT_HOUR", 6)),
			LookbackDays: int(getenvInt64("SCHEDULER_LOOKBACK_DAYS", 3)),
			JobTimeout:   getenvDuration("SCHEDULER_JOB_TIMEOUT", 3*time.Hour),
		},
		RunBudget:     getenvDuration("RUN_BUDGET", 2*time.Hour),
		RunDateBudget: getenvDuration("RUN_DATE_BUDGET", 20*time.Minute),
		WorkerID:      getenvInt64("WORKER_ID", 1),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
