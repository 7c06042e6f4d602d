package xjob

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Status 执行状态。
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	// StatusUnknown 外部系统导入的不确定状态；对账按 RUNNING 处理。
	StatusUnknown Status = "UNKNOWN"
)

// Active 是否为非终态。
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusUnknown
}

// Valid 是否为已知状态。
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusUnknown:
		return true
	}
	return false
}

// Stats 执行统计。
type Stats struct {
	Claimed   int `json:"claimed" bson:"claimed"`
	Completed int `json:"completed" bson:"completed"`
	Failed    int `json:"failed" bson:"failed"`
	Released  int `json:"released" bson:"released"`
	// Deferred 因熔断打开而放回的工作项数。
	Deferred int `json:"deferred" bson:"deferred"`
	// Lost 因认领被回收而丢弃结果的工作项数。
	Lost int `json:"lost" bson:"lost"`
}

// Execution 执行记录。EndedAt 在运行中为零值。
type Execution struct {
	ID           string    `json:"id" bson:"_id"`
	JobName      string    `json:"job_name" bson:"job_name"`
	Status       Status    `json:"status" bson:"status"`
	StartedAt    time.Time `json:"started_at" bson:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitzero" bson:"ended_at,omitempty"`
	FencingToken int64     `json:"fencing_token" bson:"fencing_token"`
	LeaderToken  int64     `json:"leader_token" bson:"leader_token"`
	Holder       string    `json:"holder" bson:"holder"`
	Reason       string    `json:"reason,omitempty" bson:"reason,omitempty"`
	Stats        Stats     `json:"stats" bson:"stats"`
}

// Completion 终结一次执行时写入的内容。
type Completion struct {
	Status  Status
	Reason  string
	Stats   Stats
	EndedAt time.Time
}

// ExecutionFilter 查询条件，零值字段不参与过滤。
type ExecutionFilter struct {
	JobName  string
	Statuses []Status
	Limit    int
}

// DefaultListLimit List 未指定 Limit 时的上限。
const DefaultListLimit = 100

// ExecutionStore 执行记录存储。
type ExecutionStore interface {
	// Create 写入新记录，ID 重复返回 ErrExecutionExists。
	Create(ctx context.Context, e Execution) error

	// Get 读取记录，不存在返回 ErrExecutionNotFound。
	Get(ctx context.Context, id string) (Execution, error)

	// Finish 在记录处于 RUNNING/UNKNOWN 且 fencing token 相等时写入终态。
	// 条件不满足返回 false。
	Finish(ctx context.Context, id string, token int64, c Completion) (bool, error)

	// List 按 StartedAt 降序返回，只读。
	List(ctx context.Context, f ExecutionFilter) ([]Execution, error)
}

var _ ExecutionStore = (*MemoryExecutionStore)(nil)

// MemoryExecutionStore 进程内执行记录存储。
type MemoryExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]Execution
}

// NewMemoryExecutionStore 创建内存执行记录存储。
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: make(map[string]Execution)}
}

// Create 实现 ExecutionStore。
func (s *MemoryExecutionStore) Create(ctx context.Context, e Execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExecutionExists, e.ID)
	}
	s.execs[e.ID] = e
	return nil
}

// Get 实现 ExecutionStore。
func (s *MemoryExecutionStore) Get(ctx context.Context, id string) (Execution, error) {
	if err := ctx.Err(); err != nil {
		return Execution{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[id]
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return e, nil
}

// Finish 实现 ExecutionStore。
func (s *MemoryExecutionStore) Finish(ctx context.Context, id string, token int64, c Completion) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok || !e.Status.Active() || e.FencingToken != token {
		return false, nil
	}
	e.Status = c.Status
	e.Reason = c.Reason
	e.Stats = c.Stats
	e.EndedAt = c.EndedAt
	s.execs[id] = e
	return true, nil
}

// List 实现 ExecutionStore。
func (s *MemoryExecutionStore) List(ctx context.Context, f ExecutionFilter) ([]Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	out := make([]Execution, 0, len(s.execs))
	for _, e := range s.execs {
		if f.JobName != "" && e.JobName != f.JobName {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Execution) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
