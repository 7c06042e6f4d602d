package xlimit

import (
	"context"
	"sync"
	"time"
)

// Local 进程内令牌桶限流器。
type Local struct {
	rule    Rule
	now     func() time.Time
	buckets sync.Map // map[string]*tokenBucket
}

// NewLocal 创建本地限流器。
func NewLocal(rule Rule) (*Local, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return &Local{rule: rule, now: time.Now}, nil
}

// Allow 实现 [Limiter]。
func (l *Local) Allow(ctx context.Context, key string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrInvalidKey
	}
	if !l.rule.Enabled() {
		return &Result{Allowed: true, Key: key}, nil
	}

	now := l.now()
	allowed, remaining, retryAfter := l.bucket(key, now).take(now, 1)
	return &Result{
		Allowed:    allowed,
		Limit:      l.rule.Limit,
		Remaining:  remaining,
		ResetAt:    now.Add(l.rule.Window),
		RetryAfter: retryAfter,
		Key:        key,
	}, nil
}

// Reset 清除 key 的计数。
func (l *Local) Reset(key string) {
	l.buckets.Delete(key)
}

func (l *Local) bucket(key string, now time.Time) *tokenBucket {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*tokenBucket)
	}
	b := &tokenBucket{
		tokens:     float64(l.rule.burst()),
		capacity:   float64(l.rule.burst()),
		rate:       float64(l.rule.Limit) / l.rule.Window.Seconds(),
		lastUpdate: now,
	}
	actual, _ := l.buckets.LoadOrStore(key, b)
	return actual.(*tokenBucket)
}

type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // 每秒补充的令牌数
	lastUpdate time.Time
}

func (tb *tokenBucket) take(now time.Time, n int) (allowed bool, remaining int, retryAfter time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if elapsed := now.Sub(tb.lastUpdate); elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+tb.rate*elapsed.Seconds())
		tb.lastUpdate = now
	}

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true, int(tb.tokens), 0
	}

	deficit := float64(n) - tb.tokens
	return false, 0, time.Duration(deficit / tb.rate * float64(time.Second))
}

var _ Limiter = (*Local)(nil)
