package xclaim

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore 进程内工作项存储。
//
// 一把互斥锁覆盖选取与更新，等价于对整个表加锁的 skip-locked：
// 同一时刻只有一个认领事务，批次天然互不相交。
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*WorkItem
}

// NewMemoryStore 创建内存工作项存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*WorkItem)}
}

// ClaimBatch 实现 Store。
func (s *MemoryStore) ClaimBatch(ctx context.Context, owner string, limit int, staleBefore, now time.Time) ([]WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*WorkItem
	for _, it := range s.items {
		if claimable(it, staleBefore) {
			eligible = append(eligible, it)
		}
	}
	slices.SortFunc(eligible, func(a, b *WorkItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]WorkItem, 0, len(eligible))
	for _, it := range eligible {
		prev := ""
		if it.Status.Claimed() {
			prev = it.ClaimOwner
		}
		it.Status = StatusClaimed
		it.ClaimOwner = owner
		it.ClaimedAt = now
		it.LastUpdatedAt = now

		c := *it
		c.ReclaimedFrom = prev
		out = append(out, c)
	}
	return out, nil
}

// claimable 可认领谓词。
func claimable(it *WorkItem, staleBefore time.Time) bool {
	switch it.Status {
	case StatusPending:
		return true
	case StatusClaimed, StatusProcessing:
		return it.ClaimedAt.Before(staleBefore)
	default:
		return false
	}
}

// MarkProcessing 实现 Store。
func (s *MemoryStore) MarkProcessing(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return s.transition(ctx, id, owner, func(it *WorkItem) {
		it.Status = StatusProcessing
		it.ClaimedAt = now
		it.LastUpdatedAt = now
	})
}

// Touch 实现 Store。
func (s *MemoryStore) Touch(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return s.transition(ctx, id, owner, func(it *WorkItem) {
		it.ClaimedAt = now
		it.LastUpdatedAt = now
	})
}

// MarkCompleted 实现 Store。
func (s *MemoryStore) MarkCompleted(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return s.transition(ctx, id, owner, func(it *WorkItem) {
		settle(it, StatusCompleted, 0, now)
	})
}

// MarkFailed 实现 Store。
func (s *MemoryStore) MarkFailed(ctx context.Context, id, owner string, retryIncrement int, now time.Time) (bool, error) {
	return s.transition(ctx, id, owner, func(it *WorkItem) {
		settle(it, StatusFailed, retryIncrement, now)
	})
}

// Release 实现 Store。
func (s *MemoryStore) Release(ctx context.Context, id, owner string, retryIncrement int, now time.Time) (bool, error) {
	return s.transition(ctx, id, owner, func(it *WorkItem) {
		settle(it, StatusPending, retryIncrement, now)
	})
}

func settle(it *WorkItem, st Status, inc int, now time.Time) {
	it.Status = st
	it.ClaimOwner = ""
	it.ClaimedAt = time.Time{}
	it.RetryCount += inc
	it.LastUpdatedAt = now
}

// transition 在 claim_owner = owner 且处于认领状态时执行 apply。
func (s *MemoryStore) transition(ctx context.Context, id, owner string, apply func(*WorkItem)) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || !it.Status.Claimed() || it.ClaimOwner != owner {
		return false, nil
	}
	apply(it)
	return true, nil
}

// Enqueue 实现 Store。
func (s *MemoryStore) Enqueue(ctx context.Context, payloadRef string, now time.Time) (WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return WorkItem{}, err
	}
	it := &WorkItem{
		ID:            uuid.NewString(),
		PayloadRef:    payloadRef,
		Status:        StatusPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}

	s.mu.Lock()
	s.items[it.ID] = it
	s.mu.Unlock()
	return *it, nil
}

// Rearm 实现 Store。
func (s *MemoryStore) Rearm(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return false, ErrNotFound
	}
	if it.Status != StatusFailed {
		return false, nil
	}
	it.Status = StatusPending
	it.RetryCount = 0
	it.LastUpdatedAt = now
	return true, nil
}

// List 实现 Store。
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]WorkItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.Lock()
	out := make([]WorkItem, 0, len(s.items))
	for _, it := range s.items {
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if f.Owner != "" && it.ClaimOwner != f.Owner {
			continue
		}
		out = append(out, *it)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b WorkItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get 按 ID 读取单个工作项，主要用于测试与管理接口。
func (s *MemoryStore) Get(id string) (WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return WorkItem{}, false
	}
	return *it, true
}
