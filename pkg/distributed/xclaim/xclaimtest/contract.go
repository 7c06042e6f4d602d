// Package xclaimtest 提供 xclaim.Store 实现共用的行为测试。
package xclaimtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
)

// Factory 为每个子测试返回一个空的 Store。
type Factory func(t *testing.T) xclaim.Store

// base 截断到毫秒，兼容精度较低的后端。
var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// RunStoreContract 对 Store 实现运行行为测试。
func RunStoreContract(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("ClaimOrderAndLimit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ids := enqueueN(t, s, 5)

		got, err := s.ClaimBatch(ctx, "w1", 3, base.Add(-time.Hour), base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, it := range got {
			assert.Equal(t, ids[i], it.ID)
			assert.Equal(t, xclaim.StatusClaimed, it.Status)
			assert.Equal(t, "w1", it.ClaimOwner)
			assert.Empty(t, it.ReclaimedFrom)
		}

		rest, err := s.ClaimBatch(ctx, "w2", 10, base.Add(-time.Hour), base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, ids[3], rest[0].ID)
		assert.Equal(t, ids[4], rest[1].ID)

		none, err := s.ClaimBatch(ctx, "w3", 10, base.Add(-time.Hour), base.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ConcurrentClaimsAreDisjoint", func(t *testing.T) {
		s := newStore(t)
		const total = 40
		enqueueN(t, s, total)

		now := base.Add(time.Hour)
		var (
			mu   sync.Mutex
			seen = make(map[string]string)
			dups []string
			wg   sync.WaitGroup
		)
		for w := range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				owner := fmt.Sprintf("w%d", w)
				for {
					batch, err := s.ClaimBatch(context.Background(), owner, 3, now.Add(-time.Hour), now)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if len(batch) == 0 {
						return
					}
					mu.Lock()
					for _, it := range batch {
						if prev, ok := seen[it.ID]; ok {
							dups = append(dups, prev+"/"+owner)
						}
						seen[it.ID] = owner
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Empty(t, dups)
		assert.Len(t, seen, total)
	})

	t.Run("StaleReclaimRejectsOldOwner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ids := enqueueN(t, s, 1)

		claimedAt := base.Add(time.Minute)
		got, err := s.ClaimBatch(ctx, "old", 1, claimedAt.Add(-5*time.Minute), claimedAt)
		require.NoError(t, err)
		require.Len(t, got, 1)
		ok, err := s.MarkProcessing(ctx, ids[0], "old", claimedAt)
		require.NoError(t, err)
		require.True(t, ok)

		// 未过期：不可回收。
		notYet := claimedAt.Add(4 * time.Minute)
		got, err = s.ClaimBatch(ctx, "new", 1, notYet.Add(-5*time.Minute), notYet)
		require.NoError(t, err)
		assert.Empty(t, got)

		later := claimedAt.Add(6 * time.Minute)
		got, err = s.ClaimBatch(ctx, "new", 1, later.Add(-5*time.Minute), later)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "new", got[0].ClaimOwner)
		assert.Equal(t, "old", got[0].ReclaimedFrom)

		for name, op := range map[string]func() (bool, error){
			"processing": func() (bool, error) { return s.MarkProcessing(ctx, ids[0], "old", later) },
			"touch":      func() (bool, error) { return s.Touch(ctx, ids[0], "old", later) },
			"completed":  func() (bool, error) { return s.MarkCompleted(ctx, ids[0], "old", later) },
			"failed":     func() (bool, error) { return s.MarkFailed(ctx, ids[0], "old", 1, later) },
			"release":    func() (bool, error) { return s.Release(ctx, ids[0], "old", 0, later) },
		} {
			ok, err := op()
			require.NoError(t, err, name)
			assert.False(t, ok, name)
		}

		ok, err = s.MarkCompleted(ctx, ids[0], "new", later)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("TouchKeepsClaimFresh", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ids := enqueueN(t, s, 1)

		t0 := base.Add(time.Minute)
		_, err := s.ClaimBatch(ctx, "w", 1, t0.Add(-5*time.Minute), t0)
		require.NoError(t, err)

		t1 := t0.Add(4 * time.Minute)
		ok, err := s.Touch(ctx, ids[0], "w", t1)
		require.NoError(t, err)
		require.True(t, ok)

		t2 := t0.Add(6 * time.Minute)
		got, err := s.ClaimBatch(ctx, "other", 1, t2.Add(-5*time.Minute), t2)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("TerminalTransitions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ids := enqueueN(t, s, 3)
		now := base.Add(time.Hour)

		_, err := s.ClaimBatch(ctx, "w", 3, now.Add(-time.Hour), now)
		require.NoError(t, err)

		ok, err := s.MarkCompleted(ctx, ids[0], "w", now)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.MarkFailed(ctx, ids[1], "w", 1, now)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.Release(ctx, ids[2], "w", 1, now)
		require.NoError(t, err)
		require.True(t, ok)

		// 终态不可再写。
		ok, err = s.MarkCompleted(ctx, ids[0], "w", now)
		require.NoError(t, err)
		assert.False(t, ok)

		completed := list(t, s, xclaim.Filter{Status: xclaim.StatusCompleted})
		require.Len(t, completed, 1)
		assert.Empty(t, completed[0].ClaimOwner)
		assert.True(t, completed[0].ClaimedAt.IsZero())

		failed := list(t, s, xclaim.Filter{Status: xclaim.StatusFailed})
		require.Len(t, failed, 1)
		assert.Equal(t, 1, failed[0].RetryCount)

		pending := list(t, s, xclaim.Filter{Status: xclaim.StatusPending})
		require.Len(t, pending, 1)
		assert.Equal(t, ids[2], pending[0].ID)
		assert.Equal(t, 1, pending[0].RetryCount)
		assert.Empty(t, pending[0].ClaimOwner)

		// 只有被释放的那条可以再次认领。
		later := now.Add(time.Hour)
		again, err := s.ClaimBatch(ctx, "w2", 10, later.Add(-time.Hour), later)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, ids[2], again[0].ID)
	})

	t.Run("Rearm", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		ids := enqueueN(t, s, 2)
		now := base.Add(time.Hour)

		_, err := s.ClaimBatch(ctx, "w", 2, now.Add(-time.Hour), now)
		require.NoError(t, err)
		_, err = s.MarkFailed(ctx, ids[0], "w", 3, now)
		require.NoError(t, err)

		ok, err := s.Rearm(ctx, ids[0], now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Rearm(ctx, ids[1], now)
		require.NoError(t, err)
		assert.False(t, ok, "claimed item is not rearmable")

		_, err = s.Rearm(ctx, "missing-item", now)
		require.ErrorIs(t, err, xclaim.ErrNotFound)

		pending := list(t, s, xclaim.Filter{Status: xclaim.StatusPending})
		require.Len(t, pending, 1)
		assert.Equal(t, 0, pending[0].RetryCount)
	})

	t.Run("ListFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		enqueueN(t, s, 4)
		now := base.Add(time.Hour)

		_, err := s.ClaimBatch(ctx, "w", 2, now.Add(-time.Hour), now)
		require.NoError(t, err)

		assert.Len(t, list(t, s, xclaim.Filter{}), 4)
		assert.Len(t, list(t, s, xclaim.Filter{Owner: "w"}), 2)
		assert.Len(t, list(t, s, xclaim.Filter{Status: xclaim.StatusPending}), 2)
		assert.Len(t, list(t, s, xclaim.Filter{Limit: 3}), 3)
	})
}

// enqueueN 以严格递增的 created_at 写入 n 条工作项，返回按顺序的 ID。
func enqueueN(t *testing.T, s xclaim.Store, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := range n {
		it, err := s.Enqueue(context.Background(), fmt.Sprintf("payload-%d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.Equal(t, xclaim.StatusPending, it.Status)
		ids = append(ids, it.ID)
	}
	return ids
}

func list(t *testing.T, s xclaim.Store, f xclaim.Filter) []xclaim.WorkItem {
	t.Helper()
	out, err := s.List(context.Background(), f)
	require.NoError(t, err)
	return out
}
