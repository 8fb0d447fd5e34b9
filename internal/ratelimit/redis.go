package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// checkScript prunes the trailing window, conditionally records the hit
// and reports {allowed, count, oldest score}. Runs atomically per key on
// the Redis side, which serializes concurrent checks across instances.
const checkScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local expire = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, member)
  count = count + 1
  allowed = 1
end
if expire > 0 then
  redis.call('PEXPIRE', key, expire)
end
local oldest = now
local head = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if head[2] then
  oldest = tonumber(head[2])
end
return {allowed, count, oldest}
`

type redisLimiter struct {
	cfg      Config
	client   RedisClient
	prefix   string
	sha      string
	shaMutex sync.Mutex
}

func newRedis(cfg Config, opts RedisOptions) (Limiter, error) {
	if opts.Client == nil {
		return nil, errors.New("ratelimit: redis client required")
	}
	return &redisLimiter{cfg: cfg, client: opts.Client, prefix: opts.KeyPrefix}, nil
}

// Check implements Limiter against a shared Redis backend.
func (r *redisLimiter) Check(ctx context.Context, key string) (Result, error) {
	now := time.Now()
	redisKey := r.key(key)
	args := []any{
		now.UnixMilli(),
		r.cfg.Window.Milliseconds(),
		r.cfg.MaxRequests,
		uuid.NewString(),
		(r.cfg.Window * 2).Milliseconds(),
	}
	result, err := r.eval(ctx, redisKey, args...)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis check: %w", err)
	}
	reply, ok := result.([]any)
	if !ok || len(reply) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected redis response %v", result)
	}
	allowed, _ := toInt64(reply[0])
	count, _ := toInt64(reply[1])
	oldest, _ := toInt64(reply[2])

	remaining := r.cfg.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed == 1,
		Remaining: remaining,
		ResetTime: time.UnixMilli(oldest).Add(r.cfg.Window),
		TotalHits: int(count),
	}, nil
}

func (r *redisLimiter) key(key string) string {
	if r.prefix == "" {
		return fmt.Sprintf("rl:%s:%s", r.cfg.Scope, key)
	}
	return fmt.Sprintf("%s:%s:%s", r.prefix, r.cfg.Scope, key)
}

func (r *redisLimiter) eval(ctx context.Context, key string, args ...any) (any, error) {
	sha := r.loadScript(ctx)
	if sha == "" {
		return r.client.Eval(ctx, checkScript, []string{key}, args...)
	}
	res, err := r.client.EvalSha(ctx, sha, []string{key}, args...)
	if err != nil {
		return r.client.Eval(ctx, checkScript, []string{key}, args...)
	}
	return res, nil
}

func (r *redisLimiter) loadScript(ctx context.Context) string {
	r.shaMutex.Lock()
	defer r.shaMutex.Unlock()
	if r.sha != "" {
		return r.sha
	}
	sha, err := r.client.ScriptLoad(ctx, checkScript)
	if err != nil {
		return ""
	}
	r.sha = sha
	return sha
}

func toInt64(val any) (int64, bool) {
	switch v := val.(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	case int:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		var n int64
		_, err := fmt.Sscan(v, &n)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
