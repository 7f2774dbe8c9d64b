package pipeline

import (
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/usageledger/internal/facts"
	"github.com/smallbiznis/usageledger/internal/granularity"
	identitydomain "github.com/smallbiznis/usageledger/internal/identity/domain"
	"github.com/smallbiznis/usageledger/internal/pipeline/domain"
	"github.com/smallbiznis/usageledger/internal/warehouse"
)

// RunSummary is the operator-facing report of one run. Every anomaly class
// carries a count and the money it touched.
type RunSummary struct {
	RunID        string             `json:"run_id" yaml:"run_id"`
	Status       string             `json:"status" yaml:"status"`
	StartedAt    time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt   time.Time          `json:"finished_at" yaml:"finished_at"`
	Dates        []string           `json:"dates" yaml:"dates"`
	Identity     IdentitySummary    `json:"identity_snapshot" yaml:"identity_snapshot"`
	Platforms    []*PlatformSummary `json:"platforms" yaml:"platforms"`
	Quality      Distribution       `json:"quality" yaml:"quality"`
	UncertainUSD decimal.Decimal    `json:"uncertain_usd" yaml:"uncertain_usd"`
}

type IdentitySummary struct {
	Version   string    `json:"version" yaml:"version"`
	Source    string    `json:"source" yaml:"source"`
	LoadedAt  time.Time `json:"loaded_at" yaml:"loaded_at"`
	Rows      int       `json:"rows" yaml:"rows"`
	Mappings  int       `json:"mappings" yaml:"mappings"`
	Conflicts int       `json:"conflicts" yaml:"conflicts"`
	Malformed int       `json:"malformed" yaml:"malformed"`
	Stale     bool      `json:"stale" yaml:"stale"`
	Issues    []string  `json:"issues,omitempty" yaml:"issues,omitempty"`
}

type PlatformSummary struct {
	Platform          string                        `json:"platform" yaml:"platform"`
	Status            domain.Status                 `json:"status" yaml:"status"`
	Error             string                        `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorKind         string                        `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Transitions       []domain.Transition           `json:"transitions" yaml:"transitions"`
	DatesProcessed    []string                      `json:"dates_processed" yaml:"dates_processed"`
	DatesSkipped      []string                      `json:"dates_skipped,omitempty" yaml:"dates_skipped,omitempty"`
	DatesMissing      []string                      `json:"dates_missing,omitempty" yaml:"dates_missing,omitempty"`
	RecordsIn         RecordCounts                  `json:"records_in" yaml:"records_in"`
	FactsOut          RecordCounts                  `json:"facts_out" yaml:"facts_out"`
	Write             WriteSummary                  `json:"write" yaml:"write"`
	TotalUSD          decimal.Decimal               `json:"total_usd" yaml:"total_usd"`
	Attribution       map[identitydomain.Method]int `json:"attribution" yaml:"attribution"`
	Unattributed      UnattributedSummary           `json:"unattributed" yaml:"unattributed"`
	Ambiguous         AmountSummary                 `json:"ambiguous" yaml:"ambiguous"`
	Reconciliation    ReconciliationSummary         `json:"reconciliation" yaml:"reconciliation"`
	NegativeDeltas    AmountSummary                 `json:"negative_deltas" yaml:"negative_deltas"`
	DuplicateSnaps    int                           `json:"duplicate_snapshots" yaml:"duplicate_snapshots"`
	InvalidSnapshots  AmountSummary                 `json:"invalid_snapshots" yaml:"invalid_snapshots"`
	SupersededCost    AmountSummary                 `json:"superseded_cost" yaml:"superseded_cost"`
	MappingErrors     int                           `json:"mapping_errors" yaml:"mapping_errors"`
	GranularityLevels map[string]*AmountSummary     `json:"granularity_levels" yaml:"granularity_levels"`
	Quality           Distribution                  `json:"quality" yaml:"quality"`
	UncertainUSD      decimal.Decimal               `json:"uncertain_usd" yaml:"uncertain_usd"`

	scores []float64
}

type RecordCounts struct {
	Usage     int `json:"usage" yaml:"usage"`
	Cost      int `json:"cost" yaml:"cost"`
	Snapshots int `json:"snapshots,omitempty" yaml:"snapshots,omitempty"`
}

type WriteSummary struct {
	Inserted   int      `json:"inserted" yaml:"inserted"`
	Replaced   int      `json:"replaced" yaml:"replaced"`
	Pruned     int      `json:"pruned" yaml:"pruned"`
	Batches    int      `json:"batches" yaml:"batches"`
	Retries    int      `json:"retries" yaml:"retries"`
	FailedKeys []string `json:"failed_keys,omitempty" yaml:"failed_keys,omitempty"`
	Errors     []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

type UnattributedSummary struct {
	Records    int             `json:"records" yaml:"records"`
	AmountUSD  decimal.Decimal `json:"amount_usd" yaml:"amount_usd"`
	Identities []string        `json:"identities,omitempty" yaml:"identities,omitempty"`
}

// AmountSummary counts occurrences (partitions, records) and the money
// they carried.
type AmountSummary struct {
	Count     int             `json:"count" yaml:"count"`
	AmountUSD decimal.Decimal `json:"amount_usd" yaml:"amount_usd"`
}

type ReconciliationSummary struct {
	Warnings        int             `json:"warnings" yaml:"warnings"`
	DiscrepancyUSD  decimal.Decimal `json:"discrepancy_usd" yaml:"discrepancy_usd"`
	InconsistentUSD decimal.Decimal `json:"inconsistent_usd" yaml:"inconsistent_usd"`
}

func newPlatformSummary(platform string) *PlatformSummary {
	return &PlatformSummary{
		Platform:          platform,
		Status:            domain.StatusPending,
		DatesProcessed:    []string{},
		Attribution:       map[identitydomain.Method]int{},
		GranularityLevels: map[string]*AmountSummary{},
	}
}

func (s *PlatformSummary) addWrite(res warehouse.WriteResult) {
	s.Write.Inserted += res.Inserted
	s.Write.Replaced += res.Replaced
	s.Write.Pruned += res.Pruned
	s.Write.Batches += res.Batches
	s.Write.Retries += res.Retries
	s.Write.FailedKeys = append(s.Write.FailedKeys, res.FailedKeys...)
	for _, err := range res.Errors {
		s.Write.Errors = append(s.Write.Errors, err.Error())
	}
}

func (s *PlatformSummary) addDedup(res granularity.Result) {
	for _, d := range res.Partitions {
		level := s.GranularityLevels[string(d.Level)]
		if level == nil {
			level = &AmountSummary{}
			s.GranularityLevels[string(d.Level)] = level
		}
		level.Count++
		level.AmountUSD = level.AmountUSD.Add(d.KeptUSD)
		if d.Ambiguous {
			s.Ambiguous.Count++
		}
	}
	for _, w := range res.Warnings {
		s.Reconciliation.Warnings++
		s.Reconciliation.DiscrepancyUSD = s.Reconciliation.DiscrepancyUSD.Add(w.Diff())
	}
}

func (s *PlatformSummary) addBuild(stats facts.Stats) {
	s.TotalUSD = s.TotalUSD.Add(stats.TotalUSD)
	s.Unattributed.AmountUSD = s.Unattributed.AmountUSD.Add(stats.UnattributedUSD)
	s.Ambiguous.AmountUSD = s.Ambiguous.AmountUSD.Add(stats.AmbiguousUSD)
	s.Reconciliation.InconsistentUSD = s.Reconciliation.InconsistentUSD.Add(stats.InconsistentUSD)
	s.UncertainUSD = s.UncertainUSD.Add(stats.UncertainUSD)
	s.scores = append(s.scores, stats.Scores...)
}

func (s *PlatformSummary) finish() {
	s.Quality = NewDistribution(s.scores)
}

func identitySummary(snap *identitydomain.Snapshot) IdentitySummary {
	if snap == nil {
		return IdentitySummary{}
	}
	out := IdentitySummary{
		Version:   snap.Version,
		Source:    snap.Source,
		LoadedAt:  snap.LoadedAt,
		Rows:      snap.RowsRead,
		Mappings:  snap.Len(),
		Conflicts: snap.Conflicts,
		Malformed: snap.Malformed,
		Stale:     snap.Stale,
	}
	for _, issue := range snap.Issues {
		out.Issues = append(out.Issues, issue.Error())
	}
	return out
}

// finalize fills the run-level rollups from the platform summaries.
func (r *RunSummary) finalize(finishedAt time.Time) {
	r.FinishedAt = finishedAt
	sort.Slice(r.Platforms, func(i, j int) bool { return r.Platforms[i].Platform < r.Platforms[j].Platform })

	var scores []float64
	r.UncertainUSD = decimal.Zero
	for _, p := range r.Platforms {
		p.finish()
		scores = append(scores, p.scores...)
		r.UncertainUSD = r.UncertainUSD.Add(p.UncertainUSD)
	}
	r.Quality = NewDistribution(scores)

	completed := lo.CountBy(r.Platforms, func(p *PlatformSummary) bool { return p.Status == domain.StatusCompleted })
	switch {
	case completed == len(r.Platforms):
		r.Status = domain.RunStatusCompleted
	case completed == 0:
		r.Status = domain.RunStatusFailed
	default:
		r.Status = domain.RunStatusPartial
	}
}

// Succeeded reports whether every platform completed.
func (r *RunSummary) Succeeded() bool {
	return r.Status == domain.RunStatusCompleted
}
