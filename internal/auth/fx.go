package auth

import "go.uber.org/fx"

var Module = fx.Module("auth.identity",
	fx.Provide(NewTokenVerifier),
	fx.Provide(NewContextIdentity),
)
