// Package quota implements the Token-Bucket Quota Engine (spec section
// 4.B): atomic, cross-process admission control for per-tenant request
// and byte buckets.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Surface identifies which adapter a call came in on, for the bucket key
// and for usage accounting (spec section 2, column G).
type Surface string

const (
	SurfaceREST   Surface = "REST"
	SurfaceStream Surface = "STREAM"
	SurfaceRPC    Surface = "RPC"
)

// Metric is one of the two bucket dimensions a tenant is charged against.
type Metric string

const (
	MetricRequests Metric = "requests"
	MetricBytes    Metric = "bytes"
)

// Config is the deployment-wide default; individual tenants may override
// capacity/window from their stored quota record (spec section 4.B,
// "Configuration").
type Config struct {
	DefaultReqCapacity  int
	DefaultReqWindow    time.Duration
	DefaultByteCapacity int
	DefaultByteWindow   time.Duration
}

// Decision is the outcome of TryConsume.
type Decision struct {
	Allowed        bool
	RetryAfter     time.Duration // only meaningful when !Allowed
	DeniedMetric   Metric
	RemainingReq   int
	RemainingBytes int
}

var ErrRedis = errors.New("quota: redis operation failed")

// Engine is the Redis-backed token bucket. A purely in-process mutex is
// insufficient once more than one process serves the same tenant (spec
// section 4.B), so every admission decision round-trips to Redis and runs
// inside a single atomic script — there is no local token cache.
type Engine struct {
	rdb    *redis.Client
	cfg    Config
	script *redis.Script
}

func NewEngine(rdb *redis.Client, cfg Config) *Engine {
	return &Engine{rdb: rdb, cfg: cfg, script: bucketScript}
}

// bucketScript is the same refill-then-consume algorithm spec section
// 4.B spells out, translated near-verbatim from the RATE_LIMIT_SCRIPT the
// Python original registers in api/auth/rate_limit.py. KEYS[1] is the
// bucket's hash key; ARGV is (now, window_seconds, capacity, requested).
// Returns {tokens_remaining, retry_after_seconds} — retry_after is 0 on
// success.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
if tokens == nil then
  tokens = capacity
end
local last_refill = tonumber(bucket[2]) or 0

local elapsed = math.max(0, now - last_refill)
local refill = math.floor(elapsed * capacity / window)
tokens = math.min(capacity, tokens + refill)

if tokens >= requested then
  tokens = tokens - requested
  redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
  redis.call('EXPIRE', key, window)
  return {tokens, 0}
else
  local retry_after = math.ceil((requested - tokens) * window / capacity)
  return {tokens, retry_after}
end
`)

func bucketKey(tenant, surface string, metric Metric) string {
	return fmt.Sprintf("quota:{%s}:%s:%s", tenant, surface, metric)
}

// TryConsume attempts to atomically consume requests=1 token from the
// requests bucket and bytes=N tokens from the bytes bucket. Both checks
// must succeed; the first failure short-circuits and must not consume
// from the other bucket (spec section 4.B).
func (e *Engine) TryConsume(ctx context.Context, tenant string, surface Surface, bytesN int, overrides Config) (Decision, error) {
	reqCap, reqWin, byteCap, byteWin := e.resolveLimits(overrides)

	now := time.Now().Unix()
	reqKey := bucketKey(tenant, string(surface), MetricRequests)
	reqRes, err := e.run(ctx, reqKey, now, int(reqWin.Seconds()), reqCap, 1)
	if err != nil {
		return Decision{}, err
	}
	if reqRes.retryAfter > 0 {
		return Decision{Allowed: false, RetryAfter: time.Duration(reqRes.retryAfter) * time.Second, DeniedMetric: MetricRequests, RemainingReq: reqRes.tokens}, nil
	}

	if bytesN <= 0 {
		return Decision{Allowed: true, RemainingReq: reqRes.tokens}, nil
	}

	byteKey := bucketKey(tenant, string(surface), MetricBytes)
	byteRes, err := e.run(ctx, byteKey, now, int(byteWin.Seconds()), byteCap, bytesN)
	if err != nil {
		return Decision{}, err
	}
	if byteRes.retryAfter > 0 {
		// Give back the request token taken above, so a bytes denial leaves
		// the requests bucket's token count where it was.
		if err := e.rdb.HIncrBy(ctx, reqKey, "tokens", 1).Err(); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrRedis, err)
		}
		return Decision{Allowed: false, RetryAfter: time.Duration(byteRes.retryAfter) * time.Second, DeniedMetric: MetricBytes, RemainingReq: reqRes.tokens + 1, RemainingBytes: byteRes.tokens}, nil
	}

	return Decision{Allowed: true, RemainingReq: reqRes.tokens, RemainingBytes: byteRes.tokens}, nil
}

type bucketResult struct {
	tokens     int
	retryAfter int
}

func (e *Engine) run(ctx context.Context, key string, now int64, window, capacity, requested int) (bucketResult, error) {
	res, err := e.script.Run(ctx, e.rdb, []string{key}, now, window, capacity, requested).Result()
	if err != nil {
		return bucketResult{}, fmt.Errorf("%w: %v", ErrRedis, err)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return bucketResult{}, fmt.Errorf("%w: unexpected script result shape", ErrRedis)
	}
	tokens, _ := toInt(pair[0])
	retryAfter, _ := toInt(pair[1])
	return bucketResult{tokens: tokens, retryAfter: retryAfter}, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// ObserveRemaining returns a read-only snapshot of both buckets' current
// token counts and the reset horizon. It must never refill (spec section
// 4.B) — it reads the stored hash directly rather than invoking the
// consume script.
func (e *Engine) ObserveRemaining(ctx context.Context, tenant string, surface Surface, overrides Config) (Decision, time.Time, error) {
	reqCap, reqWin, byteCap, _ := e.resolveLimits(overrides)

	reqKey := bucketKey(tenant, string(surface), MetricRequests)
	byteKey := bucketKey(tenant, string(surface), MetricBytes)

	reqTokens, err := e.peek(ctx, reqKey, reqCap)
	if err != nil {
		return Decision{}, time.Time{}, err
	}
	byteTokens, err := e.peek(ctx, byteKey, byteCap)
	if err != nil {
		return Decision{}, time.Time{}, err
	}

	reset := time.Now().Add(reqWin)
	return Decision{Allowed: true, RemainingReq: reqTokens, RemainingBytes: byteTokens}, reset, nil
}

func (e *Engine) peek(ctx context.Context, key string, capacity int) (int, error) {
	val, err := e.rdb.HGet(ctx, key, "tokens").Result()
	if errors.Is(err, redis.Nil) {
		return capacity, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedis, err)
	}
	var n int
	if _, scanErr := fmt.Sscanf(val, "%d", &n); scanErr != nil {
		return capacity, nil
	}
	return n, nil
}

func (e *Engine) resolveLimits(overrides Config) (reqCap int, reqWin time.Duration, byteCap int, byteWin time.Duration) {
	reqCap, reqWin, byteCap, byteWin = e.cfg.DefaultReqCapacity, e.cfg.DefaultReqWindow, e.cfg.DefaultByteCapacity, e.cfg.DefaultByteWindow
	if overrides.DefaultReqCapacity > 0 {
		reqCap = overrides.DefaultReqCapacity
	}
	if overrides.DefaultReqWindow > 0 {
		reqWin = overrides.DefaultReqWindow
	}
	if overrides.DefaultByteCapacity > 0 {
		byteCap = overrides.DefaultByteCapacity
	}
	if overrides.DefaultByteWindow > 0 {
		byteWin = overrides.DefaultByteWindow
	}
	return
}
