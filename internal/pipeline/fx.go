package pipeline

import (
	"github.com/smallbiznis/usageledger/internal/pipeline/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("pipeline",
	fx.Provide(repository.Provide),
	fx.Provide(New),
	fx.Provide(NewQuery),
)

// QueryModule is the read-only subset used by the ops API.
var QueryModule = fx.Module("pipeline.query",
	fx.Provide(repository.Provide),
	fx.Provide(NewQuery),
)
