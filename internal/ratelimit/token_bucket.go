package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// consumeBucketScript refills a per-user bucket from redis server time, takes one
// token when available and returns {allowed, milli-tokens left}. Fractional
// tokens are kept so slow rates still refill between calls.
const consumeBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local clock = redis.call("TIME")
local now = (clock[1] * 1000) + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now

local elapsed = math.max(0, now - last)
tokens = math.min(burst, tokens + (elapsed / 1000) * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, math.floor(tokens * 1000)}
`

var (
	errBucketUnconfigured = errors.New("consume bucket not configured")
	errBucketKey          = errors.New("consume bucket key is empty")
	errBucketReply        = errors.New("consume bucket script returned an unexpected reply")
)

// Throttle is the outcome of one consume attempt against a user's bucket.
type Throttle struct {
	Allowed bool
	Burst   int
	// Remaining is the number of whole consumes left right now.
	Remaining int
	// RetryAfter is how long until the next token, zero when allowed.
	RetryAfter time.Duration
}

// ConsumeBucket is a redis token bucket sized for consume calls: every user key
// starts full at burst and refills at rate tokens per second.
type ConsumeBucket struct {
	client redis.Scripter
	script *redis.Script
	rate   float64
	burst  int
	ttl    time.Duration
}

func NewConsumeBucket(client redis.Scripter, rate float64, burst int) (*ConsumeBucket, error) {
	if client == nil {
		return nil, errBucketUnconfigured
	}
	if rate <= 0 || burst <= 0 {
		return nil, errors.New("consume bucket rate and burst must be positive")
	}
	return &ConsumeBucket{
		client: client,
		script: redis.NewScript(consumeBucketScript),
		rate:   rate,
		burst:  burst,
		ttl:    idleTTL(rate, burst),
	}, nil
}

// Take removes one token from the bucket at key.
func (b *ConsumeBucket) Take(ctx context.Context, key string) (Throttle, error) {
	if b == nil {
		return Throttle{}, errBucketUnconfigured
	}
	if key == "" {
		return Throttle{}, errBucketKey
	}

	reply, err := b.script.Run(ctx, b.client, []string{key}, b.rate, b.burst, b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Throttle{}, err
	}
	if len(reply) != 2 {
		return Throttle{}, errBucketReply
	}

	milliTokens := reply[1]
	out := Throttle{
		Allowed:   reply[0] == 1,
		Burst:     b.burst,
		Remaining: int(milliTokens / 1000),
	}
	if !out.Allowed {
		missing := float64(1000-milliTokens) / 1000
		out.RetryAfter = time.Duration(math.Ceil(missing / b.rate * float64(time.Second)))
	}
	return out, nil
}

// idleTTL keeps a bucket around for twice the time it takes to refill from empty;
// after that a fresh full bucket is equivalent.
func idleTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst) / rate * 2)
	return time.Duration(max(seconds, 1)) * time.Second
}
