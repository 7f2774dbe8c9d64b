package source

import (
	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/source/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("source",
	fx.Provide(provideFetcher),
)

func provideFetcher(cfg config.Config, engine *config.EngineConfigHolder, log *zap.Logger) domain.Fetcher {
	return NewFileFetcher(cfg.Source.Dir, engine, log)
}
