package entitlement

import (
	"github.com/smallbiznis/entitlements/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.checker",
	fx.Provide(service.NewService),
)
