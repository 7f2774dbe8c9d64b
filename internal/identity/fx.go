package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/usageledger/internal/config"
	"github.com/smallbiznis/usageledger/internal/identity/domain"
	"github.com/smallbiznis/usageledger/internal/identity/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("identity",
	fx.Provide(provideSource),
	fx.Provide(provideSnapshotStore),
	fx.Provide(NewLoader),
)

func provideSource(cfg config.Config, conn *gorm.DB) (domain.Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Identity.Source)) {
	case "", "table":
		return repository.NewTableSource(conn), nil
	case "csv":
		return repository.NewCSVSource(cfg.Identity.CSVPath), nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownSource, cfg.Identity.Source)
	}
}

func provideSnapshotStore(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (domain.SnapshotStore, error) {
	path := strings.TrimSpace(cfg.Identity.SnapshotPath)
	if path == "" {
		log.Named("identity").Info("identity snapshot store disabled")
		return nil, nil
	}
	store, err := repository.OpenBoltStore(path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}
