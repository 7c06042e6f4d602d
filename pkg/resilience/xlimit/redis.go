package xlimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix Redis 限流键的默认前缀。
const DefaultKeyPrefix = "xlimit:"

// RedisOption 配置 [Redis]。
type RedisOption func(*Redis)

// WithKeyPrefix 设置 Redis 键前缀。
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithLogger 设置降级日志记录器。
func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Redis 基于 redis_rate 的分布式限流器，Redis 出错时降级到本地令牌桶。
type Redis struct {
	limiter  *redis_rate.Limiter
	rule     Rule
	prefix   string
	logger   *slog.Logger
	fallback *Local
}

// NewRedis 创建分布式限流器。
func NewRedis(rdb redis.UniversalClient, rule Rule, opts ...RedisOption) (*Redis, error) {
	if rdb == nil {
		return nil, errors.New("xlimit: nil redis client")
	}
	local, err := NewLocal(rule)
	if err != nil {
		return nil, err
	}
	r := &Redis{
		limiter:  redis_rate.NewLimiter(rdb),
		rule:     rule,
		prefix:   DefaultKeyPrefix,
		logger:   slog.Default(),
		fallback: local,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Allow 实现 [Limiter]。
func (r *Redis) Allow(ctx context.Context, key string) (*Result, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	if !r.rule.Enabled() {
		return &Result{Allowed: true, Key: key}, nil
	}

	limit := redis_rate.Limit{Rate: r.rule.Limit, Burst: r.rule.burst(), Period: r.rule.Window}
	res, err := r.limiter.Allow(ctx, r.prefix+key, limit)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.WarnContext(ctx, "rate limiter falling back to local bucket",
			slog.String("key", key), slog.Any("error", err))
		return r.fallback.Allow(ctx, key)
	}

	return &Result{
		Allowed:    res.Allowed > 0,
		Limit:      r.rule.Limit,
		Remaining:  res.Remaining,
		ResetAt:    time.Now().Add(res.ResetAfter),
		RetryAfter: max(res.RetryAfter, 0),
		Key:        key,
	}, nil
}

// Reset 清除 key 的分布式与本地计数。
func (r *Redis) Reset(ctx context.Context, key string) error {
	r.fallback.Reset(key)
	return r.limiter.Reset(ctx, r.prefix+key)
}

var _ Limiter = (*Redis)(nil)
