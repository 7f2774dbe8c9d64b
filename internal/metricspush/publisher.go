package metricspush

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/usageledger/internal/pipeline"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const publishAttempts = 3

// RunReport is the outcome of one batch run as seen by the collector.
type RunReport struct {
	RunID        string
	Status       string
	Duration     time.Duration
	Platforms    map[string]string
	UncertainUSD float64
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Pusher   Pusher              `optional:"true"`
	Gatherer prometheus.Gatherer `optional:"true"`
}

// Publisher records run-level gauges and pushes them together with the
// process-wide pipeline metrics.
type Publisher struct {
	log      *zap.Logger
	pusher   Pusher
	registry *prometheus.Registry
	gatherer prometheus.Gatherers

	runStatus       *prometheus.GaugeVec
	runDuration     prometheus.Gauge
	runFinished     prometheus.Gauge
	platformStatus  *prometheus.GaugeVec
	runUncertainUSD prometheus.Gauge
}

// ReportOf condenses a run summary for the collector.
func ReportOf(summary *pipeline.RunSummary, elapsed time.Duration) RunReport {
	platforms := make(map[string]string, len(summary.Platforms))
	for _, p := range summary.Platforms {
		platforms[p.Platform] = string(p.Status)
	}
	uncertain, _ := summary.UncertainUSD.Float64()
	return RunReport{
		RunID:        summary.RunID,
		Status:       summary.Status,
		Duration:     elapsed,
		Platforms:    platforms,
		UncertainUSD: uncertain,
	}
}

func New(p Params) *Publisher {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	base := p.Gatherer
	if base == nil {
		base = prometheus.DefaultGatherer
	}

	registry := prometheus.NewRegistry()
	pub := &Publisher{
		log:      log.Named("metricspush"),
		pusher:   p.Pusher,
		registry: registry,
		gatherer: prometheus.Gatherers{base, registry},
		runStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "usageledger_run_status",
			Help: "Status of the last batch run, one series per status set to 1 for the current one.",
		}, []string{"status"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usageledger_run_duration_seconds",
			Help: "Wall time of the last batch run.",
		}),
		runFinished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usageledger_run_finished_timestamp_seconds",
			Help: "Unix time the last batch run finished.",
		}),
		platformStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "usageledger_run_platform_completed",
			Help: "1 when the platform completed in the last batch run, 0 otherwise.",
		}, []string{"platform"}),
		runUncertainUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usageledger_run_uncertain_usd",
			Help: "Spend carried by low-confidence facts in the last batch run.",
		}),
	}
	registry.MustRegister(pub.runStatus, pub.runDuration, pub.runFinished, pub.platformStatus, pub.runUncertainUSD)
	return pub
}

// Enabled reports whether a collector is configured.
func (p *Publisher) Enabled() bool {
	return p != nil && p.pusher != nil
}

// Gatherer exposes everything Publish would send.
func (p *Publisher) Gatherer() prometheus.Gatherer {
	return p.gatherer
}

// Record sets the run gauges without pushing.
func (p *Publisher) Record(report RunReport, finishedAt time.Time) {
	if p == nil {
		return
	}
	p.runStatus.Reset()
	p.runStatus.WithLabelValues(strings.ToUpper(report.Status)).Set(1)
	p.runDuration.Set(report.Duration.Seconds())
	p.runFinished.Set(float64(finishedAt.Unix()))
	p.runUncertainUSD.Set(report.UncertainUSD)
	p.platformStatus.Reset()
	for platform, status := range report.Platforms {
		completed := 0.0
		if strings.EqualFold(status, "COMPLETED") {
			completed = 1
		}
		p.platformStatus.WithLabelValues(platform).Set(completed)
	}
}

// Publish records report and pushes. A push failure is returned for the
// caller to log; it never changes the outcome of the run.
func (p *Publisher) Publish(ctx context.Context, report RunReport, finishedAt time.Time) error {
	if !p.Enabled() {
		return nil
	}
	p.Record(report, finishedAt)

	log := p.log.With(zap.String("run_id", report.RunID))
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := p.pusher.Push(ctx, p.gatherer)
		if err != nil && !temporary(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(publishAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("metrics push retry", zap.Error(err), zap.Duration("backoff", next))
		}),
	)
	if err != nil {
		return err
	}
	log.Info("metrics pushed")
	return nil
}

func temporary(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return status.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
