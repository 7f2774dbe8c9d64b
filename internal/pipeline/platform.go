package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/usageledger/internal/config"
	deltadomain "github.com/smallbiznis/usageledger/internal/delta/domain"
	deltaservice "github.com/smallbiznis/usageledger/internal/delta/service"
	"github.com/smallbiznis/usageledger/internal/errs"
	"github.com/smallbiznis/usageledger/internal/facts"
	"github.com/smallbiznis/usageledger/internal/granularity"
	"github.com/smallbiznis/usageledger/internal/identity"
	identitydomain "github.com/smallbiznis/usageledger/internal/identity/domain"
	obscontext "github.com/smallbiznis/usageledger/internal/observability/context"
	"github.com/smallbiznis/usageledger/internal/observability/metrics"
	"github.com/smallbiznis/usageledger/internal/pipeline/domain"
	"github.com/smallbiznis/usageledger/internal/retry"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"github.com/smallbiznis/usageledger/internal/warehouse"
	"go.uber.org/zap"
)

// platformState is owned by one platform goroutine.
type platformState struct {
	platformRun
	pcfg     config.PlatformConfig
	policy   retry.Policy
	sm       *domain.StateMachine
	summary  *PlatformSummary
	resolver *identity.Resolver
	dedup    *granularity.Deduplicator
	builder  *facts.Builder
	started  time.Time
}

func (e *Engine) runPlatform(ctx context.Context, r platformRun) *PlatformSummary {
	ctx = obscontext.WithPlatform(ctx, r.platform)
	p := &platformState{
		platformRun: r,
		policy:      retry.PolicyFrom(r.engine.Retry),
		sm:          domain.NewStateMachine(),
		summary:     newPlatformSummary(r.platform),
		started:     e.clock.Now(),
	}
	e.logPlatformStart(ctx, p)

	pcfg, ok := r.engine.Platform(r.platform)
	if !ok {
		return e.fail(ctx, p, &errs.FatalConfigError{Platform: r.platform, Reason: "platform is not configured"}, r.dates)
	}
	p.pcfg = pcfg

	release, err := e.runLock.Acquire(ctx, r.platform)
	if err != nil {
		return e.fail(ctx, p, err, r.dates)
	}
	defer release()

	p.dedup, err = granularity.New(r.platform, pcfg, r.engine, e.log)
	if err != nil {
		return e.fail(ctx, p, err, r.dates)
	}
	p.resolver = identity.NewResolver(r.snapshot, r.platform, pcfg)
	p.builder = facts.NewBuilder(r.engine, pcfg)

	dates := r.dates
	if pcfg.CumulativeBilling {
		dates, err = e.replayDates(ctx, p, dates)
		if err != nil {
			return e.fail(ctx, p, err, dates)
		}
	}

	for i, date := range dates {
		if ctx.Err() != nil {
			return e.fail(ctx, p, budgetError(ctx, len(dates)-i), dates[i:])
		}

		dateCtx, cancel := context.WithoutCancel(ctx), context.CancelFunc(func() {})
		if e.cfg.RunDateBudget > 0 {
			dateCtx, cancel = context.WithTimeout(dateCtx, e.cfg.RunDateBudget)
		}
		err := e.processDate(dateCtx, p, date)
		cancel()
		if errors.Is(err, sourcedomain.ErrPartitionNotAvailable) {
			e.passOver(ctx, p, date, err)
			continue
		}
		if err != nil {
			return e.fail(ctx, p, err, dates[i+1:])
		}
		p.summary.DatesProcessed = append(p.summary.DatesProcessed, date.Format(sourcedomain.DateLayout))
	}

	if err := e.move(ctx, p, domain.StatusCompleted, ""); err != nil {
		return e.fail(ctx, p, err, nil)
	}
	e.metrics.MarkSuccess(r.platform, e.clock.Now())
	return e.finishPlatform(ctx, p)
}

// replayDates extends the dates of a cumulative platform through the latest
// date already in its delta ledger. A day's delta subtracts every earlier
// delta of the cycle, so rewriting one day means recomputing the days after it.
func (e *Engine) replayDates(ctx context.Context, p *platformState, dates []time.Time) ([]time.Time, error) {
	type latestDate struct {
		at time.Time
		ok bool
	}
	latest, err := retry.Do(ctx, p.policy, nil, func(ctx context.Context) (latestDate, error) {
		at, ok, err := e.converter.LatestActivityDate(ctx, p.platform)
		return latestDate{at: at, ok: ok}, err
	})
	if err != nil {
		return dates, err
	}
	last := dates[len(dates)-1]
	if !latest.ok || !latest.at.After(last) {
		return dates, nil
	}

	out := append([]time.Time(nil), dates...)
	for d := last.AddDate(0, 0, 1); !d.After(sourcedomain.Day(latest.at)); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	e.logger(ctx).Info("pipeline.platform.replay",
		zap.String("platform", p.platform),
		zap.String("through", latest.at.Format(sourcedomain.DateLayout)),
		zap.Int("added_dates", len(out)-len(dates)),
	)
	return out, nil
}

// passOver lists a date whose partition the vendor has not published. The
// platform moves on to its next date; what is already stored for the date is
// left as it is.
func (e *Engine) passOver(ctx context.Context, p *platformState, date time.Time, cause error) {
	day := date.Format(sourcedomain.DateLayout)
	p.summary.DatesMissing = append(p.summary.DatesMissing, day)
	e.logger(obscontext.WithActivityDate(ctx, day)).Warn("pipeline.partition.missing", zap.Error(cause))
}

// processDate runs one activity date through every stage. Nothing is written
// until the whole date has been transformed, and the summary only counts the
// money of a date once it is written.
func (e *Engine) processDate(ctx context.Context, p *platformState, date time.Time) error {
	day := date.Format(sourcedomain.DateLayout)
	ctx = obscontext.WithActivityDate(ctx, day)

	if err := e.move(ctx, p, domain.StatusFetching, day); err != nil {
		return err
	}
	start := e.clock.Now()
	batch, err := retry.Do(ctx, p.policy, func(attempt int, err error, next time.Duration) {
		e.logger(ctx).Warn("pipeline.fetch.retry",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.String("error_type", errs.Kind(err)),
			zap.Error(err),
		)
	}, func(ctx context.Context) (sourcedomain.Batch, error) {
		return e.fetcher.Fetch(ctx, p.platform, date)
	})
	e.metrics.ObserveStage(p.platform, metrics.StageFetching, e.clock.Now().Sub(start))
	if err != nil {
		return err
	}
	batch = e.normalizeBatch(p, batch, date)
	p.summary.RecordsIn.Usage += len(batch.Usage)
	p.summary.RecordsIn.Cost += len(batch.Cost)
	p.summary.RecordsIn.Snapshots += len(batch.Snapshots)
	e.telemetry.RecordIngested(ctx, p.platform, "usage", len(batch.Usage))
	e.telemetry.RecordIngested(ctx, p.platform, "cost", len(batch.Cost))
	e.telemetry.RecordIngested(ctx, p.platform, "snapshot", len(batch.Snapshots))

	if err := e.move(ctx, p, domain.StatusTransforming, day); err != nil {
		return err
	}
	start = e.clock.Now()
	out, deltas, err := e.transform(ctx, p, batch)
	e.metrics.ObserveStage(p.platform, metrics.StageTransforming, e.clock.Now().Sub(start))
	if err != nil {
		return err
	}

	if err := e.move(ctx, p, domain.StatusWriting, day); err != nil {
		return err
	}
	start = e.clock.Now()
	err = e.write(ctx, p, batch, out, deltas)
	e.metrics.ObserveStage(p.platform, metrics.StageWriting, e.clock.Now().Sub(start))
	if err != nil {
		return err
	}
	p.summary.addBuild(out.Stats)
	p.summary.FactsOut.Usage += len(out.Usage)
	p.summary.FactsOut.Cost += len(out.Cost)
	e.telemetry.RecordUnattributedCost(ctx, p.platform, decimalFloat(out.Stats.UnattributedUSD))
	return nil
}

func (e *Engine) normalizeBatch(p *platformState, batch sourcedomain.Batch, date time.Time) sourcedomain.Batch {
	batch.Platform = p.platform
	batch.ActivityDate = date
	if batch.FetchedAt.IsZero() {
		batch.FetchedAt = e.clock.Now()
	}
	for i := range batch.Snapshots {
		s := &batch.Snapshots[i]
		s.Platform = p.platform
		if s.SnapshotDate.IsZero() {
			s.SnapshotDate = date
		}
	}
	return batch
}

func (e *Engine) transform(ctx context.Context, p *platformState, batch sourcedomain.Batch) (facts.Output, deltaservice.Result, error) {
	var deltas deltaservice.Result

	usage := make([]facts.ResolvedUsage, 0, len(batch.Usage))
	for _, r := range batch.Usage {
		usage = append(usage, facts.ResolvedUsage{Record: r, Resolution: e.resolve(ctx, p, r.VendorIdentity, r.VendorLabel)})
	}

	var cost []facts.ResolvedCost
	if p.pcfg.CumulativeBilling {
		// Spend of cumulative platforms comes from the snapshots. Cost rows
		// are landed raw but would count the same money twice.
		for _, r := range batch.Cost {
			p.summary.SupersededCost.Count++
			p.summary.SupersededCost.AmountUSD = p.summary.SupersededCost.AmountUSD.Add(r.AmountUSD)
		}
		var err error
		deltas, err = e.converter.Convert(ctx, p.policy, p.platform, batch.Snapshots)
		if err != nil {
			return facts.Output{}, deltas, err
		}
		e.invalidSnapshots(ctx, p, deltas.Invalid)
		for _, entry := range deltas.Entries {
			cost = append(cost, facts.CostFromDelta(entry, e.resolve(ctx, p, entry.VendorIdentity, entry.VendorLabel)))
		}
		n, clamped := deltas.Negative()
		p.summary.NegativeDeltas.Count += n
		p.summary.NegativeDeltas.AmountUSD = p.summary.NegativeDeltas.AmountUSD.Add(clamped)
		p.summary.DuplicateSnaps += deltas.Duplicates
		e.metrics.AddNegativeDeltas(p.platform, n)
	} else {
		dd := p.dedup.Deduplicate(batch.Cost)
		p.summary.addDedup(dd)
		e.metrics.AddReconciliationWarnings(p.platform, len(dd.Warnings))
		cost = make([]facts.ResolvedCost, 0, len(dd.Kept))
		for _, k := range dd.Kept {
			cost = append(cost, facts.ResolvedCost{
				Record:     k.Record,
				Resolution: e.resolve(ctx, p, k.Record.VendorIdentity, k.Record.VendorLabel),
				Level:      string(k.Level),
				Ambiguous:  k.Ambiguous,
				Consistent: k.Consistent,
			})
		}
	}

	out := p.builder.Build(facts.Input{
		Platform:      p.platform,
		ActivityDate:  batch.ActivityDate,
		RunID:         p.runID,
		FetchedAt:     batch.FetchedAt,
		IdentityStale: p.snapshot.Stale,
		Usage:         usage,
		Cost:          cost,
	})
	return out, deltas, nil
}

// invalidSnapshots reports cumulative snapshots that carry no vendor
// identity. They produce no delta, so their amount is surfaced instead.
func (e *Engine) invalidSnapshots(ctx context.Context, p *platformState, snaps []sourcedomain.CumulativeSnapshot) {
	for _, s := range snaps {
		p.summary.MappingErrors++
		p.summary.Unattributed.Records++
		p.summary.InvalidSnapshots.Count++
		p.summary.InvalidSnapshots.AmountUSD = p.summary.InvalidSnapshots.AmountUSD.Add(s.CumulativeAmountUSD)
		e.logger(ctx).Warn("delta.snapshot.invalid",
			zap.String("cumulative_usd", s.CumulativeAmountUSD.String()),
			zap.Error(&errs.MappingDataError{
				Source:   "cumulative_snapshot",
				Platform: p.platform,
				Reason:   deltadomain.ErrEmptyVendorIdentity.Error(),
			}),
		)
	}
}

// resolve never fails the date: a record without a usable identity is kept
// unattributed and counted as a mapping error.
func (e *Engine) resolve(ctx context.Context, p *platformState, vendorIdentity, label string) identitydomain.Resolution {
	res, err := p.resolver.Resolve(vendorIdentity, label)
	if err != nil {
		p.summary.MappingErrors++
		p.summary.Unattributed.Records++
		e.logger(ctx).Warn("identity.record.invalid", zap.Error(&errs.MappingDataError{
			Source:         "vendor_record",
			Platform:       p.platform,
			VendorIdentity: vendorIdentity,
			Reason:         err.Error(),
		}))
		return identitydomain.Resolution{Confidence: identitydomain.ConfidenceNone, Method: identitydomain.MethodUnmapped}
	}
	e.telemetry.RecordIdentityLookup(ctx, p.platform, string(res.Method))
	return res
}

// write lands the raw partition, then the facts, then the ledger and the
// snapshot history. A failure at any step leaves a state that the next run
// of the same date overwrites.
func (e *Engine) write(ctx context.Context, p *platformState, batch sourcedomain.Batch, out facts.Output, deltas deltaservice.Result) error {
	if err := e.writer.ReplaceRaw(ctx, p.runID, batch); err != nil {
		return err
	}

	partition := warehouse.Partition{Platform: p.platform, ActivityDate: batch.ActivityDate}
	costRes := e.writer.WriteCostFacts(ctx, partition, out.Cost)
	e.recordWrite(ctx, p, costRes)
	usageRes := e.writer.WriteUsageFacts(ctx, partition, out.Usage)
	e.recordWrite(ctx, p, usageRes)
	if err := errors.Join(costRes.Err(), usageRes.Err()); err != nil {
		return err
	}

	now := e.clock.Now()
	if p.pcfg.CumulativeBilling {
		// An empty day still replaces the ledger so stale deltas stop
		// counting against later days.
		err := retry.Run(ctx, p.policy, nil, func(ctx context.Context) error {
			return e.converter.Record(ctx, p.runID, p.platform, batch.ActivityDate, now, deltas.Entries)
		})
		if err != nil {
			return err
		}
	}
	return e.writer.AppendSnapshots(ctx, p.runID, now, batch.Snapshots)
}

func (e *Engine) recordWrite(ctx context.Context, p *platformState, res warehouse.WriteResult) {
	p.summary.addWrite(res)
	for outcome, n := range map[string]int{
		metrics.OutcomeInserted: res.Inserted,
		metrics.OutcomeReplaced: res.Replaced,
		metrics.OutcomePruned:   res.Pruned,
		metrics.OutcomeFailed:   len(res.FailedKeys),
	} {
		e.metrics.AddFactsWritten(p.platform, res.Table, outcome, n)
		e.telemetry.RecordFactsWritten(ctx, p.platform, res.Table, outcome, n)
	}
}

func (e *Engine) move(ctx context.Context, p *platformState, target domain.Status, day string) error {
	t, err := p.sm.Move(target, e.clock.Now(), day)
	if err != nil {
		return err
	}
	p.summary.Status = t.To
	e.metrics.IncTransition(string(t.From), string(t.To))
	e.logger(ctx).Debug("pipeline.stage.transition",
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
	)
	return nil
}

// fail moves the platform to FAILED and lists the dates it did not reach.
func (e *Engine) fail(ctx context.Context, p *platformState, cause error, skipped []time.Time) *PlatformSummary {
	stage := stageOf(p.sm.Status())
	if _, err := p.sm.Move(domain.StatusFailed, e.clock.Now(), ""); err == nil {
		e.metrics.IncTransition(string(p.summary.Status), string(domain.StatusFailed))
	}
	p.summary.Status = domain.StatusFailed
	p.summary.Error = cause.Error()
	p.summary.ErrorKind = errs.Kind(cause)
	p.summary.DatesSkipped = formatDates(skipped)
	e.metrics.IncStageError(p.platform, stage, p.summary.ErrorKind)
	e.logPlatformError(ctx, p, stage, cause)
	return e.finishPlatform(ctx, p)
}

func (e *Engine) finishPlatform(ctx context.Context, p *platformState) *PlatformSummary {
	s := p.summary
	s.Transitions = p.sm.History()
	if p.resolver != nil {
		unmapped := p.resolver.Unmapped()
		s.Unattributed.Records += unmapped.Lookups
		s.Unattributed.Identities = unmapped.Identities
		s.Attribution = p.resolver.Methods()
		e.metrics.AddUnmapped(p.platform, unmapped.Lookups)
	}
	e.metrics.SetMoneyAtRisk(p.platform, decimalFloat(s.Unattributed.AmountUSD), decimalFloat(s.UncertainUSD))
	e.metrics.IncPlatformRun(p.platform, string(s.Status))
	e.logPlatformFinish(ctx, p)
	return s
}

func stageOf(s domain.Status) string {
	switch s {
	case domain.StatusTransforming:
		return metrics.StageTransforming
	case domain.StatusWriting:
		return metrics.StageWriting
	default:
		return metrics.StageFetching
	}
}
