package xclaim

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClaimLost 条件写入失败：该工作项已不再由调用方认领（通常是被过期回收）。
	ErrClaimLost = errors.New("xclaim: claim lost")

	// ErrInvalidBatchSize 批大小不是正数。
	ErrInvalidBatchSize = errors.New("xclaim: batch size must be positive")

	// ErrEmptyWorker worker 标识为空。
	ErrEmptyWorker = errors.New("xclaim: worker id must not be empty")

	// ErrNotFound 工作项不存在。
	ErrNotFound = errors.New("xclaim: item not found")
)

// Status 工作项状态。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusClaimed    Status = "CLAIMED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal 是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Claimed 是否处于被认领状态（claim_owner 非空）。
func (s Status) Claimed() bool {
	return s == StatusClaimed || s == StatusProcessing
}

// Valid 是否为已知状态。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// WorkItem 工作项。ClaimOwner 非空当且仅当 Status 为 CLAIMED 或 PROCESSING。
type WorkItem struct {
	ID            string    `json:"id" bson:"_id"`
	PayloadRef    string    `json:"payload_ref" bson:"payload_ref"`
	Status        Status    `json:"status" bson:"status"`
	ClaimOwner    string    `json:"claim_owner,omitempty" bson:"claim_owner,omitempty"`
	ClaimedAt     time.Time `json:"claimed_at,omitzero" bson:"claimed_at,omitempty"`
	RetryCount    int       `json:"retry_count" bson:"retry_count"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at" bson:"last_updated_at"`

	// ReclaimedFrom 仅在 ClaimBatch 返回值中设置：被过期回收前的认领者。
	ReclaimedFrom string `json:"reclaimed_from,omitempty" bson:"-"`
}

// Filter 管理查询条件，零值字段不参与过滤。
type Filter struct {
	Status Status
	Owner  string
	Limit  int
}

// DefaultListLimit List 未指定 Limit 时的上限。
const DefaultListLimit = 100

// Store 工作项存储接口。
//
// 所有状态迁移都是条件更新；返回 false 表示条件不满足（不是错误）。
// now 由调用方提供，保证同一队列内的时间语义一致。
type Store interface {
	// ClaimBatch 原子地选取并认领至多 limit 条可认领的工作项（selectAndLockBatch）。
	// 逐条认领的实现中途出错时，可连同错误返回已认领的项。
	ClaimBatch(ctx context.Context, owner string, limit int, staleBefore, now time.Time) ([]WorkItem, error)

	// MarkProcessing CLAIMED/PROCESSING -> PROCESSING，刷新 claimed_at。
	MarkProcessing(ctx context.Context, id, owner string, now time.Time) (bool, error)

	// Touch 刷新 claimed_at（心跳），状态不变。
	Touch(ctx context.Context, id, owner string, now time.Time) (bool, error)

	// MarkCompleted 认领中 -> COMPLETED。
	MarkCompleted(ctx context.Context, id, owner string, now time.Time) (bool, error)

	// MarkFailed 认领中 -> FAILED，retry_count 增加 retryIncrement。
	MarkFailed(ctx context.Context, id, owner string, retryIncrement int, now time.Time) (bool, error)

	// Release 认领中 -> PENDING，retry_count 增加 retryIncrement。
	Release(ctx context.Context, id, owner string, retryIncrement int, now time.Time) (bool, error)

	// Enqueue 新建 PENDING 工作项（生产方使用）。
	Enqueue(ctx context.Context, payloadRef string, now time.Time) (WorkItem, error)

	// Rearm FAILED -> PENDING 并清零 retry_count（人工补救）。
	Rearm(ctx context.Context, id string, now time.Time) (bool, error)

	// List 只读查询，不加锁。
	List(ctx context.Context, f Filter) ([]WorkItem, error)
}
