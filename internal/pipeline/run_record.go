package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/smallbiznis/usageledger/internal/pipeline/domain"
	sourcedomain "github.com/smallbiznis/usageledger/internal/source/domain"
	"gorm.io/datatypes"
)

func newIngestionRun(summary *RunSummary, req Request, platforms []string) (*domain.IngestionRun, error) {
	payload, err := json.Marshal(summary)
	if err != nil {
		return nil, err
	}
	run := &domain.IngestionRun{
		ID:              summary.RunID,
		Status:          summary.Status,
		DateFrom:        sourcedomain.Day(req.From),
		DateTo:          sourcedomain.Day(req.To),
		Platforms:       strings.Join(platforms, ","),
		IdentityVersion: summary.Identity.Version,
		UncertainUSD:    summary.UncertainUSD.StringFixed(6),
		Summary:         datatypes.JSON(payload),
		StartedAt:       summary.StartedAt,
	}
	if !summary.FinishedAt.IsZero() {
		finished := summary.FinishedAt
		run.FinishedAt = &finished
	}
	return run, nil
}

// DecodeSummary reads the summary stored with a run.
func DecodeSummary(run *domain.IngestionRun) (*RunSummary, error) {
	var summary RunSummary
	if len(run.Summary) == 0 {
		return &summary, nil
	}
	if err := json.Unmarshal(run.Summary, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}
