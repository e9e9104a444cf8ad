package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/zap"
)

const keyUserConsume = "entitlements:ratelimit:user:%s"

// UserLimiter throttles consume calls per user. Disabled or unconfigured limiters allow everything.
type UserLimiter struct {
	bucket *ConsumeBucket
	log    *zap.Logger
}

func NewUserLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *UserLimiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	if client == nil {
		log.Warn("rate limit enabled without redis; limiter disabled")
		return nil
	}
	bucket, err := NewConsumeBucket(client, cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	if err != nil {
		log.Warn("rate limit misconfigured; limiter disabled", zap.Error(err))
		return nil
	}
	return &UserLimiter{
		bucket: bucket,
		log:    log.Named("ratelimit.user"),
	}
}

func (l *UserLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow consumes one token for userID. Redis errors let the request through.
func (l *UserLimiter) Allow(ctx context.Context, userID string) Throttle {
	if !l.Enabled() {
		return Throttle{Allowed: true}
	}
	res, err := l.bucket.Take(ctx, fmt.Sprintf(keyUserConsume, strings.TrimSpace(userID)))
	if err != nil {
		l.log.Warn("rate limit check failed; allowing", zap.Error(err))
		return Throttle{Allowed: true, Burst: l.bucket.burst}
	}
	return res
}
