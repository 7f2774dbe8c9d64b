package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/usageledger/internal/pipeline/domain"
	"github.com/smallbiznis/usageledger/pkg/db/pagination"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type ListRunsRequest struct {
	pagination.Pagination
	Status string
}

type ListRunsResponse struct {
	Runs     []*domain.IngestionRun `json:"runs"`
	PageInfo *pagination.PageInfo   `json:"page_info"`
}

// RunView is a persisted run with its decoded summary.
type RunView struct {
	*domain.IngestionRun
	Summary *RunSummary `json:"summary"`
}

type QueryParams struct {
	fx.In

	DB   *gorm.DB
	Runs domain.Repository
}

// Query serves the read side of run history.
type Query struct {
	db   *gorm.DB
	runs domain.Repository
}

func NewQuery(p QueryParams) *Query {
	return &Query{db: p.DB, runs: p.Runs}
}

func (q *Query) ListRuns(ctx context.Context, req ListRunsRequest) (*ListRunsResponse, error) {
	filter := domain.ListFilter{
		Status: strings.TrimSpace(req.Status),
		Limit:  req.Limit(),
	}
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		startedAt, err := time.Parse(time.RFC3339Nano, cursor.StartedAt)
		if err != nil || cursor.ID == "" {
			return nil, domain.ErrInvalidPageToken
		}
		filter.Cursor = &domain.RunCursor{ID: cursor.ID, StartedAt: startedAt}
	}

	runs, err := q.runs.List(ctx, q.db, filter)
	if err != nil {
		return nil, err
	}

	runs, pageInfo, err := pagination.BuildCursorPageInfo(runs, filter.Limit, func(r *domain.IngestionRun) pagination.Cursor {
		return pagination.Cursor{ID: r.ID, StartedAt: r.StartedAt.UTC().Format(time.RFC3339Nano)}
	})
	if err != nil {
		return nil, err
	}
	return &ListRunsResponse{Runs: runs, PageInfo: pageInfo}, nil
}

func (q *Query) GetRun(ctx context.Context, id string) (*RunView, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrRunNotFound
	}
	run, err := q.runs.FindByID(ctx, q.db, id)
	if err != nil {
		return nil, err
	}
	summary, err := DecodeSummary(run)
	if err != nil {
		return nil, err
	}
	run.Summary = nil
	return &RunView{IngestionRun: run, Summary: summary}, nil
}
