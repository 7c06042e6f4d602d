package xdlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	rsredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

var _ Locker = (*RedsyncLocker)(nil)

// RedsyncLocker 基于 Redlock 的锁。
//
// 单节点时即为 SET NX PX；多节点时需过半节点成功。
type RedsyncLocker struct {
	rs     *redsync.Redsync
	prefix string
}

// NewRedsyncLocker 创建 Redlock 锁，clients 不能为空。
func NewRedsyncLocker(prefix string, clients ...redis.UniversalClient) (*RedsyncLocker, error) {
	if len(clients) == 0 {
		return nil, errors.New("xdlock: at least one redis client is required")
	}
	pools := make([]rsredis.Pool, len(clients))
	for i, client := range clients {
		if client == nil {
			return nil, fmt.Errorf("xdlock: redis client %d is nil", i)
		}
		pools[i] = goredis.NewPool(client)
	}
	return &RedsyncLocker{
		rs:     redsync.New(pools...),
		prefix: prefix,
	}, nil
}

// TryLock 实现 Locker。
func (l *RedsyncLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (LockHandle, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	fullKey := l.prefix + key
	mutex := l.rs.NewMutex(fullKey,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) {
			return nil, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrLockFailed, err)
	}
	return &redsyncHandle{mutex: mutex, key: fullKey}, nil
}

type redsyncHandle struct {
	mutex *redsync.Mutex
	key   string
}

func (h *redsyncHandle) Unlock(ctx context.Context) error {
	ctx, cancel := unlockContext(ctx)
	defer cancel()

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return ErrNotLocked
		}
		return fmt.Errorf("xdlock: unlock %s: %w", h.key, err)
	}
	if !ok {
		return ErrNotLocked
	}
	return nil
}

func (h *redsyncHandle) Extend(ctx context.Context) error {
	ok, err := h.mutex.ExtendContext(ctx)
	if err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return ErrNotLocked
		}
		return fmt.Errorf("%w: %s: %w", ErrExtendFailed, h.key, err)
	}
	if !ok {
		return ErrNotLocked
	}
	return nil
}

func (h *redsyncHandle) Key() string {
	return h.key
}
