package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	GranularityPolicyFinestComplete = "finest_complete"
	GranularityPolicyCoarsest       = "coarsest"
)

// EngineConfig is the tunable policy of the normalization engine. A run takes
// one copy at start and never observes later reloads.
type EngineConfig struct {
	Concurrency    int                       `mapstructure:"concurrency"`
	Quality        QualityConfig             `mapstructure:"quality"`
	Reconciliation ReconciliationConfig      `mapstructure:"reconciliation"`
	Granularity    GranularityConfig         `mapstructure:"granularity"`
	Writer         WriterConfig              `mapstructure:"writer"`
	Retry          RetryConfig               `mapstructure:"retry"`
	Platforms      map[string]PlatformConfig `mapstructure:"platforms"`
}

type QualityConfig struct {
	CompletenessWeight float64 `mapstructure:"completeness_weight"`
	FreshnessWeight    float64 `mapstructure:"freshness_weight"`
	ConsistencyWeight  float64 `mapstructure:"consistency_weight"`
	AmbiguityPenalty   float64 `mapstructure:"ambiguity_penalty"`
}

type ReconciliationConfig struct {
	ToleranceUSD float64 `mapstructure:"tolerance_usd"`
}

type GranularityConfig struct {
	Policy string `mapstructure:"policy"`
}

type WriterConfig struct {
	BatchSize        int     `mapstructure:"batch_size"`
	BatchesPerSecond float64 `mapstructure:"batches_per_second"`
}

type RetryConfig struct {
	MaxAttempts     uint          `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// PlatformConfig declares how one vendor reports its data.
type PlatformConfig struct {
	// EmailIdentities marks platforms whose vendor identity is already a user email.
	EmailIdentities bool `mapstructure:"email_identities"`
	// CumulativeBilling marks platforms that report month-to-date spend snapshots.
	CumulativeBilling   bool          `mapstructure:"cumulative_billing"`
	FineDimension       string        `mapstructure:"fine_dimension"`
	PartitionDimensions []string      `mapstructure:"partition_dimensions"`
	FreshnessSLA        time.Duration `mapstructure:"freshness_sla"`
	Fields              FieldPaths    `mapstructure:"fields"`
}

// FieldPaths are gjson paths into one exported vendor record.
type FieldPaths struct {
	VendorIdentity    string            `mapstructure:"vendor_identity"`
	VendorLabel       string            `mapstructure:"vendor_label"`
	ActivityDate      string            `mapstructure:"activity_date"`
	AmountUSD         string            `mapstructure:"amount_usd"`
	CumulativeUSD     string            `mapstructure:"cumulative_usd"`
	BillingCycleStart string            `mapstructure:"billing_cycle_start"`
	Dimensions        map[string]string `mapstructure:"dimensions"`
	Metrics           map[string]string `mapstructure:"metrics"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Concurrency: 3,
		Quality: QualityConfig{
			CompletenessWeight: 0.5,
			FreshnessWeight:    0.2,
			ConsistencyWeight:  0.3,
			AmbiguityPenalty:   0.5,
		},
		Reconciliation: ReconciliationConfig{ToleranceUSD: 0.01},
		Granularity:    GranularityConfig{Policy: GranularityPolicyFinestComplete},
		Writer:         WriterConfig{BatchSize: 500, BatchesPerSecond: 20},
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
			Timeout:         2 * time.Minute,
		},
		Platforms: map[string]PlatformConfig{
			"cursor": {
				EmailIdentities:   true,
				CumulativeBilling: true,
				FreshnessSLA:      36 * time.Hour,
				Fields: FieldPaths{
					Dimensions: map[string]string{"client_version": "client_version"},
					Metrics: map[string]string{
						"lines_added":       "lines_added",
						"accepted_lines":    "accepted_lines",
						"completions_shown": "completions_shown",
						"requests":          "requests",
					},
				},
			},
			"anthropic_api": {
				FineDimension:       "workspace_id",
				PartitionDimensions: []string{"model", "token_type"},
				FreshnessSLA:        24 * time.Hour,
				Fields: FieldPaths{
					Dimensions: map[string]string{
						"model":        "model",
						"token_type":   "token_type",
						"workspace_id": "workspace_id",
					},
					Metrics: map[string]string{
						"input_tokens":  "input_tokens",
						"output_tokens": "output_tokens",
						"requests":      "requests",
					},
				},
			},
			"claude_ai": {
				EmailIdentities: true,
				FreshnessSLA:    48 * time.Hour,
				Fields: FieldPaths{
					Dimensions: map[string]string{"product": "product"},
					Metrics: map[string]string{
						"conversations": "conversations",
						"messages":      "messages",
					},
				},
			},
		},
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	defaults := DefaultEngineConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.Granularity.Policy == "" {
		c.Granularity.Policy = defaults.Granularity.Policy
	}
	if c.Writer.BatchSize <= 0 {
		c.Writer.BatchSize = defaults.Writer.BatchSize
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaults.Retry.MaxAttempts
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = defaults.Retry.InitialInterval
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = defaults.Retry.MaxInterval
	}
	if c.Retry.Timeout <= 0 {
		c.Retry.Timeout = defaults.Retry.Timeout
	}
	if len(c.Platforms) == 0 {
		c.Platforms = defaults.Platforms
	}
	platforms := make(map[string]PlatformConfig, len(c.Platforms))
	for name, p := range c.Platforms {
		platforms[strings.ToLower(strings.TrimSpace(name))] = p.withDefaults()
	}
	c.Platforms = platforms
	return c
}

func (p PlatformConfig) withDefaults() PlatformConfig {
	if p.FreshnessSLA <= 0 {
		p.FreshnessSLA = 24 * time.Hour
	}
	if p.FineDimension != "" && len(p.PartitionDimensions) == 0 {
		p.PartitionDimensions = []string{"model", "token_type"}
	}
	f := &p.Fields
	if f.VendorIdentity == "" {
		f.VendorIdentity = "vendor_identity"
	}
	if f.VendorLabel == "" {
		f.VendorLabel = "label"
	}
	if f.ActivityDate == "" {
		f.ActivityDate = "date"
	}
	if f.AmountUSD == "" {
		f.AmountUSD = "amount_usd"
	}
	if f.CumulativeUSD == "" {
		f.CumulativeUSD = "cumulative_usd"
	}
	if f.BillingCycleStart == "" {
		f.BillingCycleStart = "billing_cycle_start"
	}
	return p
}

// Platform returns the named platform configuration.
func (c EngineConfig) Platform(name string) (PlatformConfig, bool) {
	p, ok := c.Platforms[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// PlatformNames returns the configured platform names in stable order.
func (c EngineConfig) PlatformNames() []string {
	names := make([]string, 0, len(c.Platforms))
	for name := range c.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

// NewEngineConfigHolder reads engine.yml when present and keeps it current
// while the process runs.
func NewEngineConfigHolder(log *zap.Logger) (*EngineConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.engine")

	v := viper.New()
	v.SetConfigName("engine")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/usageledger/config")
	v.AddConfigPath("/etc/usageledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("USAGELEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := decodeEngineConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticEngineConfigHolder(cfg)
	if !fileFound {
		log.Info("engine config file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeEngineConfig(v)
		if err != nil {
			log.Warn("engine config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("engine config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// NewStaticEngineConfigHolder wraps a fixed configuration.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func (h *EngineConfigHolder) Get() EngineConfig {
	return h.current.Load().(EngineConfig)
}

func decodeEngineConfig(v *viper.Viper) (EngineConfig, error) {
	cfg := DefaultEngineConfig()
	if v.IsSet("engine.platforms") {
		cfg.Platforms = nil
	}
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return EngineConfig{}, err
	}
	cfg = cfg.withDefaults()
	if err := ValidateEngineConfig(cfg); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

func ValidateEngineConfig(cfg EngineConfig) error {
	var errs []error
	q := cfg.Quality
	if q.CompletenessWeight < 0 || q.FreshnessWeight < 0 || q.ConsistencyWeight < 0 {
		errs = append(errs, errors.New("engine.quality weights must not be negative"))
	}
	if q.CompletenessWeight+q.FreshnessWeight+q.ConsistencyWeight <= 0 {
		errs = append(errs, errors.New("engine.quality weights must sum to a positive value"))
	}
	if q.AmbiguityPenalty < 0 || q.AmbiguityPenalty > 1 {
		errs = append(errs, errors.New("engine.quality.ambiguity_penalty must be within [0, 1]"))
	}
	if cfg.Reconciliation.ToleranceUSD < 0 {
		errs = append(errs, errors.New("engine.reconciliation.tolerance_usd must not be negative"))
	}
	switch cfg.Granularity.Policy {
	case GranularityPolicyFinestComplete, GranularityPolicyCoarsest:
	default:
		errs = append(errs, fmt.Errorf("engine.granularity.policy %q is not supported", cfg.Granularity.Policy))
	}
	if cfg.Writer.BatchesPerSecond < 0 {
		errs = append(errs, errors.New("engine.writer.batches_per_second must not be negative"))
	}
	if len(cfg.Platforms) == 0 {
		errs = append(errs, errors.New("engine.platforms cannot be empty"))
	}
	return errors.Join(errs...)
}
