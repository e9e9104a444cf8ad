package usage

import (
	"github.com/smallbiznis/entitlements/internal/usage/repository"
	"github.com/smallbiznis/entitlements/internal/usage/retention"
	"github.com/smallbiznis/entitlements/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.ledger",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	retention.Module,
)
