package xlease

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 租约以 hash 存储：holder、token、expires_at（Unix 毫秒）。
// key 不设置 Redis TTL，token 需要跨越多任持有者保持单调。
var (
	// acquireScript: 不存在或已过期时递增 token 并写入新持有者
	acquireScript = redis.NewScript(`
		local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at") or "0")
		if exp > tonumber(ARGV[2]) then
			local cur = redis.call("HMGET", KEYS[1], "holder", "token")
			return {0, cur[1], tonumber(cur[2]), exp}
		end
		local token = redis.call("HINCRBY", KEYS[1], "token", 1)
		local expires = tonumber(ARGV[2]) + tonumber(ARGV[3])
		redis.call("HSET", KEYS[1], "holder", ARGV[1], "expires_at", expires)
		return {1, ARGV[1], token, expires}
	`)

	// renewScript: 只有未过期的同一持有者同一 token 才能续期
	renewScript = redis.NewScript(`
		local cur = redis.call("HMGET", KEYS[1], "holder", "token", "expires_at")
		if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] or tonumber(cur[3]) <= tonumber(ARGV[3]) then
			return 0
		end
		local expires = tonumber(ARGV[3]) + tonumber(ARGV[4])
		redis.call("HSET", KEYS[1], "expires_at", expires)
		return expires
	`)

	// releaseScript: 让记录立即过期，保留 token
	releaseScript = redis.NewScript(`
		local cur = redis.call("HMGET", KEYS[1], "holder", "token", "expires_at")
		if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] or tonumber(cur[3]) <= tonumber(ARGV[3]) then
			return 0
		end
		redis.call("HSET", KEYS[1], "expires_at", ARGV[3])
		return 1
	`)

	// invalidateScript: token 仍匹配时递增 token 并清空持有者
	invalidateScript = redis.NewScript(`
		if redis.call("HGET", KEYS[1], "token") ~= ARGV[1] then
			return 0
		end
		redis.call("HINCRBY", KEYS[1], "token", 1)
		redis.call("HSET", KEYS[1], "holder", "", "expires_at", ARGV[2])
		return 1
	`)
)

var _ Store = (*RedisStore)(nil)

// RedisStore 基于 Redis 的租约存储。
//
// 用法：
//
//	store := xlease.NewRedisStore(redisClient, xlease.WithKeyPrefix("orders:lease:"))
//	lease, ok, err := store.Acquire(ctx, "leader", holderID, 15*time.Second)
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore 创建 Redis 租约存储。client 为 nil 时 panic。
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	if client == nil {
		panic("xlease: redis client cannot be nil")
	}
	o := applyOptions(opts)
	return &RedisStore{
		client: client,
		prefix: o.prefix,
		now:    o.now,
	}
}

// Acquire 实现 Store。
func (s *RedisStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, bool, error) {
	if err := validateAcquire(key, holder, ttl); err != nil {
		return Lease{}, false, err
	}
	now := s.now()
	res, err := acquireScript.Run(ctx, s.client, []string{s.prefix + key},
		holder, now.UnixMilli(), ttl.Milliseconds()).Slice()
	if err != nil {
		return Lease{}, false, fmt.Errorf("xlease: redis acquire failed: %w", err)
	}
	return parseAcquireReply(key, res)
}

// Renew 实现 Store。
func (s *RedisStore) Renew(ctx context.Context, key, holder string, token int64, ttl time.Duration) (Lease, bool, error) {
	if err := validateAcquire(key, holder, ttl); err != nil {
		return Lease{}, false, err
	}
	now := s.now()
	expires, err := renewScript.Run(ctx, s.client, []string{s.prefix + key},
		holder, strconv.FormatInt(token, 10), now.UnixMilli(), ttl.Milliseconds()).Int64()
	if err != nil {
		return Lease{}, false, fmt.Errorf("xlease: redis renew failed: %w", err)
	}
	if expires == 0 {
		return Lease{}, false, nil
	}
	return Lease{Key: key, Holder: holder, Token: token, ExpiresAt: time.UnixMilli(expires)}, true, nil
}

// Release 实现 Store。
func (s *RedisStore) Release(ctx context.Context, key, holder string, token int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	n, err := releaseScript.Run(ctx, s.client, []string{s.prefix + key},
		holder, strconv.FormatInt(token, 10), s.now().UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("xlease: redis release failed: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Invalidate 实现 Store。
func (s *RedisStore) Invalidate(ctx context.Context, key string, token int64) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	n, err := invalidateScript.Run(ctx, s.client, []string{s.prefix + key},
		strconv.FormatInt(token, 10), s.now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("xlease: redis invalidate failed: %w", err)
	}
	return n == 1, nil
}

// Get 实现 Store。
func (s *RedisStore) Get(ctx context.Context, key string) (Lease, bool, error) {
	if err := validateKey(key); err != nil {
		return Lease{}, false, err
	}
	m, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return Lease{}, false, fmt.Errorf("xlease: redis get failed: %w", err)
	}
	if len(m) == 0 {
		return Lease{}, false, nil
	}
	token, err := strconv.ParseInt(m["token"], 10, 64)
	if err != nil {
		return Lease{}, false, fmt.Errorf("xlease: malformed token for %q: %w", key, err)
	}
	expires, err := strconv.ParseInt(m["expires_at"], 10, 64)
	if err != nil {
		return Lease{}, false, fmt.Errorf("xlease: malformed expires_at for %q: %w", key, err)
	}
	return Lease{Key: key, Holder: m["holder"], Token: token, ExpiresAt: time.UnixMilli(expires)}, true, nil
}

// parseAcquireReply 解析 {acquired, holder, token, expires_at}。
func parseAcquireReply(key string, res []any) (Lease, bool, error) {
	if len(res) != 4 {
		return Lease{}, false, fmt.Errorf("xlease: unexpected acquire reply length %d", len(res))
	}
	flag, ok1 := res[0].(int64)
	holder, ok2 := res[1].(string)
	token, ok3 := res[2].(int64)
	expires, ok4 := res[3].(int64)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Lease{}, false, fmt.Errorf("xlease: unexpected acquire reply %v", res)
	}
	lease := Lease{Key: key, Holder: holder, Token: token, ExpiresAt: time.UnixMilli(expires)}
	return lease, flag == 1, nil
}
