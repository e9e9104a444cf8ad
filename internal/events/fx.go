package events

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewBus),
)

type BusParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Redis     *redis.Client `optional:"true"`
	Log       *zap.Logger
}

// NewBus picks the redis bus when EVENT_BUS=redis and a client is configured,
// otherwise the in-process hub.
func NewBus(p BusParams) (Bus, error) {
	var bus Bus
	if p.Config.EventBus == config.EventBusRedis && p.Redis != nil {
		redisBus, err := NewRedisBus(p.Redis, p.Log)
		if err != nil {
			return nil, err
		}
		bus = redisBus
	} else {
		if p.Config.EventBus == config.EventBusRedis {
			p.Log.Warn("EVENT_BUS=redis without REDIS_ADDR; using in-memory bus")
		}
		bus = NewMemoryBus()
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return bus.Close()
		},
	})
	return bus, nil
}
