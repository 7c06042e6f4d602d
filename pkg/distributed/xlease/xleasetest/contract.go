// Package xleasetest 提供 xlease.Store 后端共享的契约测试。
package xleasetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xcoord/pkg/distributed/xlease"
)

// Clock 可手动推进的时钟，传给后端的 xlease.WithClock。
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock 从固定时刻开始的时钟。
func NewClock() *Clock {
	return &Clock{now: time.UnixMilli(1_700_000_000_000)}
}

// Now 当前时刻。
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推进时钟。
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory 为每个子测试创建一个干净的后端实例。
type Factory func(t *testing.T, clock *Clock) xlease.Store

// RunStoreContract 所有 xlease.Store 后端共享的行为约束。
func RunStoreContract(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("acquire free key", func(t *testing.T) {
		clock := NewClock()
		s := factory(t, clock)

		lease, ok, err := s.Acquire(context.Background(), "leader", "a", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a", lease.Holder)
		assert.Equal(t, int64(1), lease.Token)
		assert.Equal(t, clock.Now().Add(10*time.Second).UnixMilli(), lease.ExpiresAt.UnixMilli())
	})

	t.Run("contention is not an error", func(t *testing.T) {
		clock := NewClock()
		s := factory(t, clock)
		ctx := context.Background()

		_, ok, err := s.Acquire(ctx, "leader", "a", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		cur, ok, err := s.Acquire(ctx, "leader", "b", 10*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, "a", cur.Holder)
		assert.Equal(t, int64(1), cur.Token)
	})

	t.Run("steal expired increments token", func(t *testing.T) {
		clock := NewClock()
		s := factory(t, clock)
		ctx := context.Background()

		_, _, err := s.Acquire(ctx, "leader", "a", 10*time.Second)
		require.NoError(t, err)
		clock.Advance(10 * time.Second)

		lease, ok, err := s.Acquire(ctx, "leader", "b", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "b", lease.Holder)
		assert.Equal(t, int64(2), lease.Token)

		_, ok, err = s.Renew(ctx, "leader", "a", 1, 10*time.Second)
		require.NoError(t, err)
		assert.False(t, ok, "previous holder must not renew after being superseded")
	})

	t.Run("renew extends only for owner", func(t *testing.T) {
		clock := NewClock()
		s := factory(t, clock)
		ctx := context.Background()

		lease, _, err := s.Acquire(ctx, "leader", "a", 10*time.Second)
		require.NoError(t, err)
		clock.Advance(4 * time.Second)

		renewed, ok, err := s.Renew(ctx, "leader", "a", lease.Token, 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, lease.Token, renewed.Token)
		assert.Equal(t, clock.Now().Add(10*time.Second).UnixMilli(), renewed.ExpiresAt.UnixMilli())

		_, ok, err = s.Renew(ctx, "leader", "b", lease.Token, 10*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.Renew(ctx, "leader", "a", lease.Token+1, 10*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("renew after expiry fails", func(t *testing.T) {
		clock := NewClock()
		s := factory(t, clock)
		ctx := context.Background()

		lease, _, err := s.Acquire(ctx, "leader", "a", time.Second)
		require.NoError(t, err)
		clock.Advance(2 * time.Second)

		_, ok, err := s.Renew(ctx, "leader", "a", lease.Token, time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("release keeps token monotonic", func(t *testing.T) {
		clock := NewClock()
		s := factory(t, clock)
		ctx := context.Background()

		lease, _, err := s.Acquire(ctx, "job:a", "a", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, "job:a", "a", lease.Token))
		assert.ErrorIs(t, s.Release(ctx, "job:a", "a", lease.Token), xlease.ErrNotHeld)

		next, ok, err := s.Acquire(ctx, "job:a", "b", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Greater(t, next.Token, lease.Token)
	})

	t.Run("release by non-owner", func(t *testing.T) {
		clock := NewClock()
		s := factory(t, clock)
		ctx := context.Background()

		lease, _, err := s.Acquire(ctx, "job:a", "a", time.Minute)
		require.NoError(t, err)
		assert.ErrorIs(t, s.Release(ctx, "job:a", "b", lease.Token), xlease.ErrNotHeld)
		assert.ErrorIs(t, s.Release(ctx, "missing", "a", 1), xlease.ErrNotHeld)
	})

	t.Run("invalidate fences the holder", func(t *testing.T) {
		clock := NewClock()
		s := factory(t, clock)
		ctx := context.Background()

		lease, _, err := s.Acquire(ctx, "job:a", "a", time.Hour)
		require.NoError(t, err)

		ok, err := s.Invalidate(ctx, "job:a", lease.Token+5)
		require.NoError(t, err)
		assert.False(t, ok, "mismatched token must not invalidate")

		ok, err = s.Invalidate(ctx, "job:a", lease.Token)
		require.NoError(t, err)
		require.True(t, ok)

		got, found, err := s.Get(ctx, "job:a")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, lease.Token+1, got.Token)
		assert.True(t, got.Expired(clock.Now()))
		assert.False(t, got.HeldBy("a", lease.Token, clock.Now()))

		_, ok, err = s.Renew(ctx, "job:a", "a", lease.Token, time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		next, ok, err := s.Acquire(ctx, "job:a", "b", time.Hour)
		require.NoError(t, err)
		require.True(t, ok, "invalidated slot must be free immediately")
		assert.Equal(t, lease.Token+2, next.Token)
	})

	t.Run("get missing", func(t *testing.T) {
		s := factory(t, NewClock())
		_, found, err := s.Get(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("validation", func(t *testing.T) {
		s := factory(t, NewClock())
		ctx := context.Background()

		_, _, err := s.Acquire(ctx, "", "a", time.Second)
		assert.ErrorIs(t, err, xlease.ErrEmptyKey)
		_, _, err = s.Acquire(ctx, "k", " ", time.Second)
		assert.ErrorIs(t, err, xlease.ErrEmptyHolder)
		_, _, err = s.Acquire(ctx, "k", "a", 0)
		assert.ErrorIs(t, err, xlease.ErrInvalidTTL)
	})
}

// RunConcurrentAcquire 并发 Acquire 同一个 key 只能有一个胜出者。
func RunConcurrentAcquire(t *testing.T, factory Factory) {
	t.Helper()
	s := factory(t, NewClock())

	const contenders = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := range contenders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := string(rune('a' + i))
			_, ok, err := s.Acquire(context.Background(), "leader", holder, time.Minute)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners = append(winners, holder)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, winners, 1)
}
