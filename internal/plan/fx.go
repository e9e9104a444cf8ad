package plan

import (
	"github.com/smallbiznis/entitlements/internal/plan/repository"
	"github.com/smallbiznis/entitlements/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan.catalog",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(service.NewCatalog),
	fx.Provide(service.NewListener),
	fx.Invoke(func(lc fx.Lifecycle, l *service.Listener) {
		lc.Append(fx.Hook{
			OnStart: l.Start,
			OnStop:  l.Stop,
		})
	}),
)
