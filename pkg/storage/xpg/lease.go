package xpg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/omeyang/xcoord/pkg/distributed/xlease"
)

var _ xlease.Store = (*LeaseStore)(nil)

// LeaseStore 基于 xcoord_leases 表的租约存储。
//
// 每个 key 一行，释放与作废只修改 expires_at/holder，行本身不删除，
// token 因此在多任持有者之间保持单调。
type LeaseStore struct {
	db  DB
	now func() time.Time
}

// NewLeaseStore 创建租约存储。db 为 nil 时 panic。
func NewLeaseStore(db DB, opts ...Option) *LeaseStore {
	if db == nil {
		panic("xpg: db cannot be nil")
	}
	o := applyOptions(opts)
	return &LeaseStore{db: db, now: o.now}
}

// Acquire 实现 xlease.Store。
//
// 冲突时只有已过期的行会被覆盖；未返回行即表示被他人持有。
func (s *LeaseStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (xlease.Lease, bool, error) {
	if err := validateAcquire(key, holder, ttl); err != nil {
		return xlease.Lease{}, false, err
	}
	now := s.now()
	var l xlease.Lease
	err := s.db.QueryRow(ctx, `
		INSERT INTO xcoord_leases (key, holder, token, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO UPDATE SET
			holder = EXCLUDED.holder,
			token = xcoord_leases.token + 1,
			expires_at = EXCLUDED.expires_at
		WHERE xcoord_leases.expires_at <= $4
		RETURNING key, holder, token, expires_at`,
		key, holder, now.Add(ttl), now,
	).Scan(&l.Key, &l.Holder, &l.Token, &l.ExpiresAt)
	switch {
	case isNoRows(err):
		cur, _, gerr := s.Get(ctx, key)
		if gerr != nil {
			return xlease.Lease{}, false, gerr
		}
		return cur, false, nil
	case err != nil:
		return xlease.Lease{}, false, fmt.Errorf("xpg: acquire lease %s: %w", key, err)
	}
	l.ExpiresAt = l.ExpiresAt.UTC()
	return l, true, nil
}

// Renew 实现 xlease.Store。
func (s *LeaseStore) Renew(ctx context.Context, key, holder string, token int64, ttl time.Duration) (xlease.Lease, bool, error) {
	if err := validateAcquire(key, holder, ttl); err != nil {
		return xlease.Lease{}, false, err
	}
	now := s.now()
	var l xlease.Lease
	err := s.db.QueryRow(ctx, `
		UPDATE xcoord_leases SET expires_at = $4
		WHERE key = $1 AND holder = $2 AND token = $3 AND expires_at > $5
		RETURNING key, holder, token, expires_at`,
		key, holder, token, now.Add(ttl), now,
	).Scan(&l.Key, &l.Holder, &l.Token, &l.ExpiresAt)
	switch {
	case isNoRows(err):
		return xlease.Lease{}, false, nil
	case err != nil:
		return xlease.Lease{}, false, fmt.Errorf("xpg: renew lease %s: %w", key, err)
	}
	l.ExpiresAt = l.ExpiresAt.UTC()
	return l, true, nil
}

// Release 实现 xlease.Store。
func (s *LeaseStore) Release(ctx context.Context, key, holder string, token int64) error {
	if strings.TrimSpace(key) == "" {
		return xlease.ErrEmptyKey
	}
	now := s.now()
	tag, err := s.db.Exec(ctx, `
		UPDATE xcoord_leases SET expires_at = $4
		WHERE key = $1 AND holder = $2 AND token = $3 AND expires_at > $4`,
		key, holder, token, now,
	)
	if err != nil {
		return fmt.Errorf("xpg: release lease %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return xlease.ErrNotHeld
	}
	return nil
}

// Invalidate 实现 xlease.Store。
func (s *LeaseStore) Invalidate(ctx context.Context, key string, token int64) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, xlease.ErrEmptyKey
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE xcoord_leases SET token = token + 1, holder = '', expires_at = $3
		WHERE key = $1 AND token = $2`,
		key, token, s.now(),
	)
	if err != nil {
		return false, fmt.Errorf("xpg: invalidate lease %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get 实现 xlease.Store。
func (s *LeaseStore) Get(ctx context.Context, key string) (xlease.Lease, bool, error) {
	if strings.TrimSpace(key) == "" {
		return xlease.Lease{}, false, xlease.ErrEmptyKey
	}
	var l xlease.Lease
	err := s.db.QueryRow(ctx,
		`SELECT key, holder, token, expires_at FROM xcoord_leases WHERE key = $1`,
		key,
	).Scan(&l.Key, &l.Holder, &l.Token, &l.ExpiresAt)
	switch {
	case isNoRows(err):
		return xlease.Lease{}, false, nil
	case err != nil:
		return xlease.Lease{}, false, fmt.Errorf("xpg: get lease %s: %w", key, err)
	}
	l.ExpiresAt = l.ExpiresAt.UTC()
	return l, true, nil
}

func validateAcquire(key, holder string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return xlease.ErrEmptyKey
	}
	if strings.TrimSpace(holder) == "" {
		return xlease.ErrEmptyHolder
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: %s", xlease.ErrInvalidTTL, ttl)
	}
	return nil
}
