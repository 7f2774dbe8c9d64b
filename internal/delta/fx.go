package delta

import (
	"github.com/smallbiznis/usageledger/internal/delta/repository"
	"github.com/smallbiznis/usageledger/internal/delta/service"
	"go.uber.org/fx"
)

var Module = fx.Module("delta",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
