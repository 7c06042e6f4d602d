package xjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/resilience/xretry"
)

// work 单个 worker 的认领循环。返回非 nil 表示执行级错误。
//
// 同一次执行内每个工作项最多处理一次：被放回后又被认领到的工作项先保持认领，
// 避免被反复拿到，worker 退出时统一放回。
func (c *Coordinator) work(ctx context.Context, r *run, job Job, w xclaim.Worker, st *statsCounter) error {
	var held []xclaim.WorkItem
	defer func() { c.releaseAll(ctx, w, held, nil, nil) }()

	for {
		if err := c.fence(ctx, r); err != nil {
			return err
		}
		claimed, err := c.queue.ClaimBatch(ctx, w, job.BatchSize)
		if err != nil {
			if cerr := c.localFence(ctx, r); cerr != nil {
				return cerr
			}
			return fmt.Errorf("xjob: worker %s: %w", w.ID, err)
		}
		if len(claimed) == 0 {
			return nil
		}

		items := claimed[:0]
		for _, it := range claimed {
			if r.firstVisit(it.ID) {
				items = append(items, it)
			} else {
				held = append(held, it)
			}
		}
		st.add(func(s *Stats) { s.Claimed += len(items) })

		for i, it := range items {
			// 调用前检查：取消或失去领导权后不再发起下游调用
			if err := c.localFence(ctx, r); err != nil {
				c.releaseAll(ctx, w, items[i:], st, func(s *Stats) { s.Released++ })
				return err
			}
			if stop := c.process(ctx, job, w, it, st); stop {
				c.releaseAll(ctx, w, items[i+1:], st, func(s *Stats) { s.Deferred++ })
				return nil
			}
		}
	}
}

// process 处理单个工作项。返回 true 表示熔断打开，worker 应停止认领。
func (c *Coordinator) process(ctx context.Context, job Job, w xclaim.Worker, it xclaim.WorkItem, st *statsCounter) bool {
	wctx, cancel := c.writeContext(ctx)
	err := c.queue.MarkProcessing(wctx, w, it.ID)
	cancel()
	if err != nil {
		c.writeFailed(ctx, w, it, "mark processing", err, st)
		return false
	}

	res := c.executor.Execute(ctx, job.Site, func(ctx context.Context) error {
		return invoke(context.WithoutCancel(ctx), job.Processor, it)
	})

	log := c.opts.logger.With(
		slog.String("job", job.Name),
		slog.String("worker_id", w.ID),
		slog.String("item_id", it.ID),
	)

	wctx, cancel = c.writeContext(ctx)
	defer cancel()

	switch res.Outcome {
	case xretry.Succeeded:
		if err := c.queue.MarkCompleted(wctx, w, it.ID); err != nil {
			c.writeFailed(ctx, w, it, "mark completed", err, st)
			return false
		}
		st.add(func(s *Stats) { s.Completed++ })

	case xretry.PermanentFailure:
		log.WarnContext(ctx, "item failed permanently", slog.Any("error", res.Err))
		if err := c.queue.MarkFailed(wctx, w, it.ID, 1); err != nil {
			c.writeFailed(ctx, w, it, "mark failed", err, st)
			return false
		}
		st.add(func(s *Stats) { s.Failed++ })

	case xretry.RetriesExhausted:
		if it.RetryCount+1 >= job.MaxItemRetries {
			log.WarnContext(ctx, "item exhausted redeliveries",
				slog.Int("retry_count", it.RetryCount+1),
				slog.Any("error", res.Err),
			)
			if err := c.queue.MarkFailed(wctx, w, it.ID, 1); err != nil {
				c.writeFailed(ctx, w, it, "mark failed", err, st)
				return false
			}
			st.add(func(s *Stats) { s.Failed++ })
			return false
		}
		log.InfoContext(ctx, "item released for redelivery",
			slog.Int("attempts", res.Attempts),
			slog.Any("error", res.Err),
		)
		if err := c.queue.Release(wctx, w, it.ID, 1); err != nil {
			c.writeFailed(ctx, w, it, "release", err, st)
			return false
		}
		st.add(func(s *Stats) { s.Released++ })

	case xretry.CircuitOpen:
		log.InfoContext(ctx, "circuit open, deferring item", slog.String("site", job.Site))
		if err := c.queue.Release(wctx, w, it.ID, 0); err != nil {
			c.writeFailed(ctx, w, it, "release", err, st)
		} else {
			st.add(func(s *Stats) { s.Deferred++ })
		}
		return true

	case xretry.Canceled:
		if err := c.queue.Release(wctx, w, it.ID, 0); err != nil {
			c.writeFailed(ctx, w, it, "release", err, st)
			return false
		}
		st.add(func(s *Stats) { s.Released++ })
	}
	return false
}

// releaseAll 把未处理的工作项放回 PENDING，不增加重试计数。st 为 nil 时不计入统计。
func (c *Coordinator) releaseAll(ctx context.Context, w xclaim.Worker, items []xclaim.WorkItem, st *statsCounter, count func(*Stats)) {
	if len(items) == 0 {
		return
	}
	wctx, cancel := c.writeContext(ctx)
	defer cancel()
	for _, it := range items {
		err := c.queue.Release(wctx, w, it.ID, 0)
		if errors.Is(err, xclaim.ErrClaimLost) {
			c.opts.logger.InfoContext(ctx, "claim lost before release",
				slog.String("worker_id", w.ID),
				slog.String("item_id", it.ID),
			)
			continue
		}
		if err != nil {
			c.opts.logger.ErrorContext(ctx, "release work item failed",
				slog.String("worker_id", w.ID),
				slog.String("item_id", it.ID),
				slog.Any("error", err),
			)
			continue
		}
		if st != nil {
			st.add(count)
		}
	}
}

// writeFailed 认领丢失只记录并丢弃结果，不重试写入。
func (c *Coordinator) writeFailed(ctx context.Context, w xclaim.Worker, it xclaim.WorkItem, op string, err error, st *statsCounter) {
	if errors.Is(err, xclaim.ErrClaimLost) {
		st.add(func(s *Stats) { s.Lost++ })
		c.opts.logger.InfoContext(ctx, "claim lost, discarding result",
			slog.String("op", op),
			slog.String("worker_id", w.ID),
			slog.String("item_id", it.ID),
		)
		return
	}
	c.opts.logger.ErrorContext(ctx, "work item write failed",
		slog.String("op", op),
		slog.String("worker_id", w.ID),
		slog.String("item_id", it.ID),
		slog.Any("error", err),
	)
}

func (c *Coordinator) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.opts.writeTimeout)
}

// fence 批次边界检查：本地检查加上单飞租约仍属于本次执行。
func (c *Coordinator) fence(ctx context.Context, r *run) error {
	if err := c.localFence(ctx, r); err != nil {
		return err
	}
	key := SingleFlightKey(r.exec.JobName)
	lease, ok, err := c.leases.Get(ctx, key)
	if err != nil {
		if cerr := c.localFence(ctx, r); cerr != nil {
			return cerr
		}
		return fmt.Errorf("xjob: read single-flight lease: %w", err)
	}
	if !ok || lease.Token != r.exec.FencingToken || lease.Expired(c.opts.now()) {
		return fmt.Errorf("%w: %s token %d", ErrLeaseLost, key, r.exec.FencingToken)
	}
	return nil
}

// localFence 不访问存储的检查：context 与 leader token。
func (c *Coordinator) localFence(ctx context.Context, r *run) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	tok, ok := c.leader.Token()
	if !ok {
		tok = 0
	}
	if tok != r.exec.LeaderToken {
		return &LeadershipLostError{
			ExecutionID: r.exec.ID,
			Expected:    r.exec.LeaderToken,
			Observed:    tok,
		}
	}
	return nil
}

// invoke 调用业务处理，panic 转为永久错误。
func invoke(ctx context.Context, p Processor, it xclaim.WorkItem) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = xretry.Permanent(fmt.Errorf("xjob: processor panic on item %s: %v", it.ID, rec))
		}
	}()
	return p.Process(ctx, it)
}
