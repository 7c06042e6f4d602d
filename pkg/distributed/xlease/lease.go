package xlease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotHeld 调用方不再持有该租约（holder 或 token 不匹配，或已过期）。
	ErrNotHeld = errors.New("xlease: lease not held")

	// ErrContention 条件写入因并发修改而失败。
	// 各后端在 Acquire 内部吞掉此错误并返回 acquired=false。
	ErrContention = errors.New("xlease: concurrent modification")

	// ErrEmptyKey 租约 key 为空。
	ErrEmptyKey = errors.New("xlease: key must not be empty")

	// ErrEmptyHolder 持有者标识为空。
	ErrEmptyHolder = errors.New("xlease: holder must not be empty")

	// ErrInvalidTTL ttl 不是正数。
	ErrInvalidTTL = errors.New("xlease: ttl must be positive")
)

// Lease 租约快照。
type Lease struct {
	Key       string
	Holder    string
	Token     int64
	ExpiresAt time.Time
}

// Expired 判断租约在 now 时刻是否已过期。
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// HeldBy 判断租约在 now 时刻是否仍由 holder 以 token 持有。
func (l Lease) HeldBy(holder string, token int64, now time.Time) bool {
	return l.Holder == holder && l.Token == token && !l.Expired(now)
}

// Store 租约存储接口。
//
// 所有写操作都是条件写入；竞争是预期的稳态行为，不是错误。
type Store interface {
	// Acquire 在租约不存在或已过期时获取租约（acquireIfFree / stealIfExpired）。
	// 已被其他未过期持有者占用时返回 acquired=false 且 err=nil。
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (lease Lease, acquired bool, err error)

	// Renew 续期（renewIfOwner）。仅当 holder、token 都匹配且租约未过期时成功。
	Renew(ctx context.Context, key, holder string, token int64, ttl time.Duration) (lease Lease, ok bool, err error)

	// Release 提前释放。租约不再由调用方持有时返回 ErrNotHeld。
	Release(ctx context.Context, key, holder string, token int64) error

	// Invalidate 在当前 token 仍等于 token 时递增 token 并让租约立即可用。
	// 原持有者之后的 Renew 与所有以旧 token 为条件的写入都会失败。
	Invalidate(ctx context.Context, key string, token int64) (bool, error)

	// Get 读取租约，不存在时 found=false。
	Get(ctx context.Context, key string) (lease Lease, found bool, err error)
}

// options 后端公共选项。
type options struct {
	now    func() time.Time
	prefix string
}

// Option 后端配置选项。
type Option func(*options)

// WithClock 设置时钟，默认 time.Now。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithKeyPrefix 设置存储 key 前缀，默认 "xlease:"。MemoryStore 忽略此选项。
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

func defaultOptions() *options {
	return &options{
		now:    time.Now,
		prefix: "xlease:",
	}
}

func applyOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

func validateAcquire(key, holder string, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if strings.TrimSpace(holder) == "" {
		return ErrEmptyHolder
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	return nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}
