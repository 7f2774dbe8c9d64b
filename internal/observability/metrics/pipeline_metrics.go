package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StageFetching     = "fetching"
	StageTransforming = "transforming"
	StageWriting      = "writing"

	OutcomeInserted = "inserted"
	OutcomeReplaced = "replaced"
	OutcomePruned   = "pruned"
	OutcomeFailed   = "failed"
)

// PipelineMetrics captures batch health signals. They are scraped by the ops
// API process and pushed by the batch job when it finishes.
type PipelineMetrics struct {
	platformRuns       *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	stageTransitions   *prometheus.CounterVec
	stageErrors        *prometheus.CounterVec
	writeBatches       *prometheus.CounterVec
	writeRetries       *prometheus.CounterVec
	factsWritten       *prometheus.CounterVec
	reconciliationWarn *prometheus.CounterVec
	negativeDeltas     *prometheus.CounterVec
	unmappedLookups    *prometheus.CounterVec
	unattributedUSD    *prometheus.GaugeVec
	uncertainUSD       *prometheus.GaugeVec
	lastSuccess        *prometheus.GaugeVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

// PipelineWithConfig returns the singleton pipeline metrics using config labels.
func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest registers a fresh set of metrics on registerer.
func ResetPipelineMetricsForTest(registerer prometheus.Registerer) *PipelineMetrics {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(registerer, Config{ServiceName: "usageledger", Environment: "test"})
	})
	return pipelineMetrics
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName(cfg),
		"env":     environment,
	}

	m := &PipelineMetrics{
		platformRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usageledger_platform_runs_total",
			Help:        "Platform pipeline runs by terminal status.",
			ConstLabels: constLabels,
		}, []string{"platform", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "usageledger_stage_duration_seconds",
			Help:        "Time spent per pipeline stage and date.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
			ConstLabels: constLabels,
		}, []string{"platform", "stage"}),
		stageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usageledger_stage_transitions_total",
			Help:        "Pipeline state machine transitions.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usageledger_stage_errors_total",
			Help:        "Pipeline stage failures by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"platform", "stage", "reason"}),
		writeBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usageledger_write_batches_total",
			Help:        "Warehouse upsert batches by outcome.",
			ConstLabels: constLabels,
		}, []string{"table", "outcome"}),
		writeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usageledger_write_retries_total",
			Help:        "Warehouse sub-batch retries by reason.",
			ConstLabels: constLabels,
		}, []string{"table", "reason"}),
		factsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usageledger_facts_written_total",
			Help:        "Canonical facts written by outcome.",
			ConstLabels: constLabels,
		}, []string{"platform", "table", "outcome"}),
		reconciliationWarn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usageledger_reconciliation_warnings_total",
			Help:        "Partitions whose coarse and fine totals disagree beyond tolerance.",
			ConstLabels: constLabels,
		}, []string{"platform"}),
		negativeDeltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usageledger_negative_deltas_total",
			Help:        "Cumulative snapshots that went backwards and were clamped.",
			ConstLabels: constLabels,
		}, []string{"platform"}),
		unmappedLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "usageledger_identity_unmapped_total",
			Help:        "Identity lookups that did not resolve to a user.",
			ConstLabels: constLabels,
		}, []string{"platform"}),
		unattributedUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "usageledger_unattributed_usd",
			Help:        "Spend without a canonical user in the latest run.",
			ConstLabels: constLabels,
		}, []string{"platform"}),
		uncertainUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "usageledger_uncertain_usd",
			Help:        "Spend affected by any data quality anomaly in the latest run.",
			ConstLabels: constLabels,
		}, []string{"platform"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "usageledger_last_success_timestamp_seconds",
			Help:        "Unix time of the last completed platform run.",
			ConstLabels: constLabels,
		}, []string{"platform"}),
	}

	registerer.MustRegister(
		m.platformRuns,
		m.stageDuration,
		m.stageTransitions,
		m.stageErrors,
		m.writeBatches,
		m.writeRetries,
		m.factsWritten,
		m.reconciliationWarn,
		m.negativeDeltas,
		m.unmappedLookups,
		m.unattributedUSD,
		m.uncertainUSD,
		m.lastSuccess,
	)
	return m
}

func (m *PipelineMetrics) IncPlatformRun(platform, status string) {
	if m == nil {
		return
	}
	m.platformRuns.WithLabelValues(platform, status).Inc()
}

func (m *PipelineMetrics) ObserveStage(platform, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(platform, stage).Observe(d.Seconds())
}

func (m *PipelineMetrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(from, to).Inc()
}

func (m *PipelineMetrics) IncStageError(platform, stage, reason string) {
	if m == nil {
		return
	}
	m.stageErrors.WithLabelValues(platform, stage, reason).Inc()
}

func (m *PipelineMetrics) IncWriteBatch(table, outcome string) {
	if m == nil {
		return
	}
	m.writeBatches.WithLabelValues(table, outcome).Inc()
}

func (m *PipelineMetrics) IncWriteRetry(table, reason string) {
	if m == nil {
		return
	}
	m.writeRetries.WithLabelValues(table, reason).Inc()
}

func (m *PipelineMetrics) AddFactsWritten(platform, table, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.factsWritten.WithLabelValues(platform, table, outcome).Add(float64(count))
}

func (m *PipelineMetrics) AddReconciliationWarnings(platform string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.reconciliationWarn.WithLabelValues(platform).Add(float64(count))
}

func (m *PipelineMetrics) AddNegativeDeltas(platform string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.negativeDeltas.WithLabelValues(platform).Add(float64(count))
}

func (m *PipelineMetrics) AddUnmapped(platform string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.unmappedLookups.WithLabelValues(platform).Add(float64(count))
}

func (m *PipelineMetrics) SetMoneyAtRisk(platform string, unattributedUSD, uncertainUSD float64) {
	if m == nil {
		return
	}
	m.unattributedUSD.WithLabelValues(platform).Set(unattributedUSD)
	m.uncertainUSD.WithLabelValues(platform).Set(uncertainUSD)
}

func (m *PipelineMetrics) MarkSuccess(platform string, at time.Time) {
	if m == nil {
		return
	}
	m.lastSuccess.WithLabelValues(platform).Set(float64(at.Unix()))
}
