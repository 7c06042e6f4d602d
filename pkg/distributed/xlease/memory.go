package xlease

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore 进程内租约存储，适用于单进程部署与测试。
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

// NewMemoryStore 创建内存租约存储。
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := applyOptions(opts)
	return &MemoryStore{
		leases: make(map[string]Lease),
		now:    o.now,
	}
}

// Acquire 实现 Store。
func (s *MemoryStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, bool, error) {
	if err := validateAcquire(key, holder, ttl); err != nil {
		return Lease{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[key]
	if ok && !cur.Expired(now) {
		return cur, false, nil
	}
	next := Lease{
		Key:       key,
		Holder:    holder,
		Token:     cur.Token + 1,
		ExpiresAt: now.Add(ttl),
	}
	s.leases[key] = next
	return next, true, nil
}

// Renew 实现 Store。
func (s *MemoryStore) Renew(ctx context.Context, key, holder string, token int64, ttl time.Duration) (Lease, bool, error) {
	if err := validateAcquire(key, holder, ttl); err != nil {
		return Lease{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[key]
	if !ok || !cur.HeldBy(holder, token, now) {
		return cur, false, nil
	}
	cur.ExpiresAt = now.Add(ttl)
	s.leases[key] = cur
	return cur, true, nil
}

// Release 实现 Store。
func (s *MemoryStore) Release(ctx context.Context, key, holder string, token int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[key]
	if !ok || !cur.HeldBy(holder, token, now) {
		return ErrNotHeld
	}
	cur.ExpiresAt = now
	s.leases[key] = cur
	return nil
}

// Invalidate 实现 Store。
func (s *MemoryStore) Invalidate(ctx context.Context, key string, token int64) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[key]
	if !ok || cur.Token != token {
		return false, nil
	}
	s.leases[key] = Lease{
		Key:       key,
		Token:     cur.Token + 1,
		ExpiresAt: s.now(),
	}
	return true, nil
}

// Get 实现 Store。
func (s *MemoryStore) Get(ctx context.Context, key string) (Lease, bool, error) {
	if err := validateKey(key); err != nil {
		return Lease{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[key]
	return cur, ok, nil
}
