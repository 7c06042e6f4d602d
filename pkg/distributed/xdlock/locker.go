package xdlock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotLocked 锁未被持有（已过期或被其他获取覆盖）。
	ErrNotLocked = errors.New("xdlock: not locked")

	// ErrEmptyKey 锁 key 为空。
	ErrEmptyKey = errors.New("xdlock: key must not be empty")

	// ErrLockFailed 获取锁失败（锁服务异常，不是被占用）。
	ErrLockFailed = errors.New("xdlock: failed to acquire lock")

	// ErrExtendFailed 续期操作失败，锁可能仍在，可重试。
	ErrExtendFailed = errors.New("xdlock: failed to extend lock")
)

// unlockTimeout 解锁使用的独立超时。
const unlockTimeout = 5 * time.Second

// LockHandle 表示一次成功的锁获取。
type LockHandle interface {
	// Unlock 释放本次获取的锁。ctx 已取消时使用独立的清理上下文。
	Unlock(ctx context.Context) error
	// Extend 把锁的过期时间重置为获取时的 ttl。
	// 所有权已丢失时返回 ErrNotLocked。
	Extend(ctx context.Context) error

	// Key 返回锁的 key。
	Key() string
}

// Locker 非阻塞锁接口。
//
// 锁被其他实例持有时返回 (nil, nil)，这是正常情况而不是错误。
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (LockHandle, error)
}

// Guard 在持有 key 锁期间执行 fn，并每隔 ttl/3 续期一次，
// 因此 fn 跑得比 ttl 久也不会让其他副本同时进入。
//
// 未获取到锁时返回 (false, nil) 且不执行 fn；locker 为 nil 时直接执行。
func Guard(ctx context.Context, locker Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	if locker == nil {
		return true, fn(ctx)
	}
	handle, err := locker.TryLock(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if handle == nil {
		return false, nil
	}
	defer func() {
		// 解锁失败只意味着锁会自然过期
		_ = handle.Unlock(ctx) //nolint:errcheck // best-effort
	}()

	keepCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(keepCtx, handle, ttl/3)
	}()
	err = fn(ctx)
	stop()
	<-done
	return true, err
}

// keepAlive 周期续期直到 ctx 结束或锁已丢失。临时失败留给下一次 tick。
func keepAlive(ctx context.Context, handle LockHandle, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := handle.Extend(ctx); errors.Is(err, ErrNotLocked) {
				return
			}
		}
	}
}

// unlockContext 返回用于解锁的上下文，ctx 已结束时改用独立超时上下文。
func unlockContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() != nil {
		return context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
	}
	return ctx, func() {}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

// =============================================================================
// LocalLocker
// =============================================================================

var _ Locker = (*LocalLocker)(nil)

// LocalLocker 进程内锁，带 ttl 过期语义。
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localEntry
	now   func() time.Time
	nonce uint64
}

type localEntry struct {
	nonce     uint64
	expiresAt time.Time
}

// NewLocalLocker 创建进程内锁。
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held: make(map[string]localEntry),
		now:  time.Now,
	}
}

// TryLock 实现 Locker。
func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (LockHandle, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expiresAt) {
		return nil, nil
	}
	l.nonce++
	l.held[key] = localEntry{nonce: l.nonce, expiresAt: now.Add(ttl)}
	return &localHandle{locker: l, key: key, nonce: l.nonce, ttl: ttl}, nil
}

type localHandle struct {
	locker *LocalLocker
	key    string
	nonce  uint64
	ttl    time.Duration
}

func (h *localHandle) Unlock(context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	e, ok := h.locker.held[h.key]
	if !ok || e.nonce != h.nonce {
		return ErrNotLocked
	}
	delete(h.locker.held, h.key)
	return nil
}

func (h *localHandle) Extend(context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	now := h.locker.now()
	e, ok := h.locker.held[h.key]
	if !ok || e.nonce != h.nonce || !now.Before(e.expiresAt) {
		return ErrNotLocked
	}
	h.locker.held[h.key] = localEntry{nonce: h.nonce, expiresAt: now.Add(h.ttl)}
	return nil
}

func (h *localHandle) Key() string {
	return h.key
}
