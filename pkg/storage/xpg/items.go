package xpg

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
)

var _ xclaim.Store = (*ItemStore)(nil)

const itemColumns = `id, payload_ref, status, claim_owner, claimed_at, retry_count, created_at, last_updated_at`

// ItemStore 基于 xcoord_work_items 表的工作项存储。
type ItemStore struct {
	db DB
}

// NewItemStore 创建工作项存储。db 为 nil 时 panic。
func NewItemStore(db DB) *ItemStore {
	if db == nil {
		panic("xpg: db cannot be nil")
	}
	return &ItemStore{db: db}
}

// ClaimBatch 实现 xclaim.Store。
//
// picked 物化后才执行 UPDATE，previous_owner 因此取自加锁时读到的行。
func (s *ItemStore) ClaimBatch(ctx context.Context, owner string, limit int, staleBefore, now time.Time) ([]xclaim.WorkItem, error) {
	rows, err := s.db.Query(ctx, `
		WITH picked AS MATERIALIZED (
			SELECT id, status AS prev_status, claim_owner AS prev_owner
			FROM xcoord_work_items
			WHERE status = 'PENDING'
			   OR (status IN ('CLAIMED', 'PROCESSING') AND claimed_at < $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE xcoord_work_items w SET
			status = 'CLAIMED',
			claim_owner = $1,
			claimed_at = $4,
			last_updated_at = $4
		FROM picked
		WHERE w.id = picked.id
		RETURNING w.id, w.payload_ref, w.status, w.claim_owner, w.claimed_at, w.retry_count,
			w.created_at, w.last_updated_at,
			CASE WHEN picked.prev_status = 'PENDING' THEN '' ELSE picked.prev_owner END`,
		owner, limit, staleBefore, now,
	)
	if err != nil {
		return nil, fmt.Errorf("xpg: claim batch: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (xclaim.WorkItem, error) {
		var (
			it        xclaim.WorkItem
			claimedAt *time.Time
		)
		err := row.Scan(&it.ID, &it.PayloadRef, &it.Status, &it.ClaimOwner, &claimedAt,
			&it.RetryCount, &it.CreatedAt, &it.LastUpdatedAt, &it.ReclaimedFrom)
		it.ClaimedAt = fromNull(claimedAt)
		normalize(&it)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("xpg: claim batch: %w", err)
	}
	// RETURNING 不保证顺序
	slices.SortFunc(items, func(a, b xclaim.WorkItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return items, nil
}

// MarkProcessing 实现 xclaim.Store。
func (s *ItemStore) MarkProcessing(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return s.transition(ctx, "mark processing",
		`status = 'PROCESSING', claimed_at = $3, last_updated_at = $3`, id, owner, now)
}

// Touch 实现 xclaim.Store。
func (s *ItemStore) Touch(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return s.transition(ctx, "touch",
		`claimed_at = $3, last_updated_at = $3`, id, owner, now)
}

// MarkCompleted 实现 xclaim.Store。
func (s *ItemStore) MarkCompleted(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return s.transition(ctx, "mark completed",
		`status = 'COMPLETED', claim_owner = '', claimed_at = NULL, last_updated_at = $3`, id, owner, now)
}

// MarkFailed 实现 xclaim.Store。
func (s *ItemStore) MarkFailed(ctx context.Context, id, owner string, retryIncrement int, now time.Time) (bool, error) {
	return s.transition(ctx, "mark failed",
		`status = 'FAILED', claim_owner = '', claimed_at = NULL, last_updated_at = $3, retry_count = retry_count + $4`,
		id, owner, now, retryIncrement)
}

// Release 实现 xclaim.Store。
func (s *ItemStore) Release(ctx context.Context, id, owner string, retryIncrement int, now time.Time) (bool, error) {
	return s.transition(ctx, "release",
		`status = 'PENDING', claim_owner = '', claimed_at = NULL, last_updated_at = $3, retry_count = retry_count + $4`,
		id, owner, now, retryIncrement)
}

// transition 以 claim_owner 与认领状态为条件更新。set 中 $1..$3 依次为 id、owner、now。
func (s *ItemStore) transition(ctx context.Context, op, set string, args ...any) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE xcoord_work_items SET `+set+`
		WHERE id = $1 AND claim_owner = $2 AND status IN ('CLAIMED', 'PROCESSING')`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("xpg: %s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Enqueue 实现 xclaim.Store。
func (s *ItemStore) Enqueue(ctx context.Context, payloadRef string, now time.Time) (xclaim.WorkItem, error) {
	it := xclaim.WorkItem{
		ID:            uuid.NewString(),
		PayloadRef:    payloadRef,
		Status:        xclaim.StatusPending,
		CreatedAt:     now.UTC(),
		LastUpdatedAt: now.UTC(),
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO xcoord_work_items (id, payload_ref, status, created_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		it.ID, it.PayloadRef, string(it.Status), it.CreatedAt, it.LastUpdatedAt,
	)
	if err != nil {
		return xclaim.WorkItem{}, fmt.Errorf("xpg: enqueue: %w", err)
	}
	return it, nil
}

// Rearm 实现 xclaim.Store。
func (s *ItemStore) Rearm(ctx context.Context, id string, now time.Time) (bool, error) {
	var status string
	err := s.db.QueryRow(ctx, `
		WITH target AS (
			SELECT id, status FROM xcoord_work_items WHERE id = $1
		), rearmed AS (
			UPDATE xcoord_work_items w
			SET status = 'PENDING', retry_count = 0, last_updated_at = $2
			FROM target
			WHERE w.id = target.id AND w.status = 'FAILED'
			RETURNING w.id
		)
		SELECT CASE WHEN EXISTS (SELECT 1 FROM rearmed) THEN 'REARMED' ELSE target.status END
		FROM target`,
		id, now,
	).Scan(&status)
	switch {
	case isNoRows(err):
		return false, fmt.Errorf("%w: %s", xclaim.ErrNotFound, id)
	case err != nil:
		return false, fmt.Errorf("xpg: rearm %s: %w", id, err)
	}
	return status == "REARMED", nil
}

// List 实现 xclaim.Store。只读，不加锁。
func (s *ItemStore) List(ctx context.Context, f xclaim.Filter) ([]xclaim.WorkItem, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Owner != "" {
		args = append(args, f.Owner)
		where = append(where, fmt.Sprintf("claim_owner = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = xclaim.DefaultListLimit
	}
	args = append(args, limit)

	query := `SELECT ` + itemColumns + ` FROM xcoord_work_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("xpg: list items: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("xpg: list items: %w", err)
	}
	return items, nil
}

func scanItem(row pgx.CollectableRow) (xclaim.WorkItem, error) {
	var (
		it        xclaim.WorkItem
		claimedAt *time.Time
	)
	err := row.Scan(&it.ID, &it.PayloadRef, &it.Status, &it.ClaimOwner, &claimedAt,
		&it.RetryCount, &it.CreatedAt, &it.LastUpdatedAt)
	it.ClaimedAt = fromNull(claimedAt)
	normalize(&it)
	return it, err
}

func normalize(it *xclaim.WorkItem) {
	it.CreatedAt = it.CreatedAt.UTC()
	it.LastUpdatedAt = it.LastUpdatedAt.UTC()
}
