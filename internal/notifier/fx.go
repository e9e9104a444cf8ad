package notifier

import "go.uber.org/fx"

var Module = fx.Module("notifier",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, n *Notifier) {
		lc.Append(fx.Hook{
			OnStart: n.Start,
			OnStop:  n.Stop,
		})
	}),
)
