package xclaim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
)

// DefaultStaleAfter 默认的认领过期阈值。
const DefaultStaleAfter = 5 * time.Minute

// Worker 认领方身份。ID 写入 claim_owner，其余字段只用于事件关联。
type Worker struct {
	ID           string
	JobName      string
	ExecutionID  string
	FencingToken int64
}

// Queue 在 Store 之上实现认领协议：计算过期阈值、把条件写入失败翻译成 ErrClaimLost、
// 并在过期回收时发出事件。
type Queue struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	emitter    xmetrics.Emitter
}

// Option 队列配置选项。
type Option func(*Queue)

// WithStaleAfter 设置认领过期阈值，默认 5 分钟。非正数忽略。
func WithStaleAfter(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.staleAfter = d
		}
	}
}

// WithClock 设置时钟。
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithEmitter 设置事件输出端。
func WithEmitter(e xmetrics.Emitter) Option {
	return func(q *Queue) {
		q.emitter = xmetrics.OrNop(e)
	}
}

// NewQueue 创建认领队列。store 为 nil 时 panic。
func NewQueue(store Store, opts ...Option) *Queue {
	if store == nil {
		panic("xclaim: nil store")
	}
	q := &Queue{
		store:      store,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.Default(),
		emitter:    xmetrics.Nop,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store 返回底层存储。
func (q *Queue) Store() Store { return q.store }

// StaleAfter 返回认领过期阈值。
func (q *Queue) StaleAfter() time.Duration { return q.staleAfter }

// ClaimBatch 为 w 认领至多 maxSize 条工作项。没有可认领项时返回空切片。
// 存储中途出错但已认领部分项时，返回这部分项且不返回错误。
func (q *Queue) ClaimBatch(ctx context.Context, w Worker, maxSize int) ([]WorkItem, error) {
	if w.ID == "" {
		return nil, ErrEmptyWorker
	}
	if maxSize <= 0 {
		return nil, ErrInvalidBatchSize
	}

	now := q.now()
	items, err := q.store.ClaimBatch(ctx, w.ID, maxSize, now.Add(-q.staleAfter), now)
	if err != nil {
		if len(items) == 0 {
			return nil, fmt.Errorf("xclaim: claim batch for %s: %w", w.ID, err)
		}
		// 已认领的项归 w 所有，丢弃会让它们卡到过期才被回收。
		q.logger.WarnContext(ctx, "claim batch ended early",
			slog.String("worker_id", w.ID),
			slog.Int("claimed", len(items)),
			slog.Any("error", err),
		)
	}

	for _, it := range items {
		if it.ReclaimedFrom == "" {
			continue
		}
		q.logger.WarnContext(ctx, "stale claim reclaimed",
			slog.String("item_id", it.ID),
			slog.String("previous_owner", it.ReclaimedFrom),
			slog.String("worker_id", w.ID),
		)
		q.emitter.Emit(ctx, xmetrics.Event{
			Kind:         xmetrics.KindStaleReclaimed,
			JobName:      w.JobName,
			ExecutionID:  w.ExecutionID,
			FencingToken: w.FencingToken,
			Attrs: []slog.Attr{
				slog.String("item_id", it.ID),
				slog.String("previous_owner", it.ReclaimedFrom),
				slog.String("worker_id", w.ID),
			},
		})
	}
	return items, nil
}

// MarkProcessing 标记开始处理。
func (q *Queue) MarkProcessing(ctx context.Context, w Worker, id string) error {
	return q.check(q.store.MarkProcessing(ctx, id, w.ID, q.now()))
}

// Touch 心跳：刷新 claimed_at，防止长任务被过期回收。
func (q *Queue) Touch(ctx context.Context, w Worker, id string) error {
	return q.check(q.store.Touch(ctx, id, w.ID, q.now()))
}

// MarkCompleted 标记成功。
func (q *Queue) MarkCompleted(ctx context.Context, w Worker, id string) error {
	return q.check(q.store.MarkCompleted(ctx, id, w.ID, q.now()))
}

// MarkFailed 标记永久失败，retry_count 增加 retryIncrement。
func (q *Queue) MarkFailed(ctx context.Context, w Worker, id string, retryIncrement int) error {
	return q.check(q.store.MarkFailed(ctx, id, w.ID, retryIncrement, q.now()))
}

// Release 放回 PENDING，retry_count 增加 retryIncrement。
func (q *Queue) Release(ctx context.Context, w Worker, id string, retryIncrement int) error {
	return q.check(q.store.Release(ctx, id, w.ID, retryIncrement, q.now()))
}

// Enqueue 新建工作项。
func (q *Queue) Enqueue(ctx context.Context, payloadRef string) (WorkItem, error) {
	return q.store.Enqueue(ctx, payloadRef, q.now())
}

// Rearm 把 FAILED 工作项放回 PENDING。
func (q *Queue) Rearm(ctx context.Context, id string) (bool, error) {
	return q.store.Rearm(ctx, id, q.now())
}

// List 只读查询。
func (q *Queue) List(ctx context.Context, f Filter) ([]WorkItem, error) {
	return q.store.List(ctx, f)
}

func (q *Queue) check(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return ErrClaimLost
	}
	return nil
}
