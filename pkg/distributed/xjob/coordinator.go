package xjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/distributed/xlease"
	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
	"github.com/omeyang/xcoord/pkg/resilience/xretry"
)

// Leadership 领导权信号，*xleader.Elector 满足该接口。
type Leadership interface {
	IsLeader() bool
	Token() (int64, bool)
}

// Coordinator 作业协调器。并发安全。
type Coordinator struct {
	leader   Leadership
	leases   xlease.Store
	queue    *xclaim.Queue
	execs    ExecutionStore
	executor *xretry.Executor
	opts     *options

	jobsMu sync.RWMutex
	jobs   map[string]Job

	base     context.Context
	shutdown context.CancelCauseFunc

	mu      sync.Mutex
	closed  bool
	running map[string]*run
	wg      sync.WaitGroup
}

type run struct {
	exec   Execution
	cancel context.CancelCauseFunc
	done   chan struct{}

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// firstVisit 本次执行是否第一次拿到该工作项。
func (r *run) firstVisit(id string) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, ok := r.seen[id]; ok {
		return false
	}
	r.seen[id] = struct{}{}
	return true
}

// New 创建协调器。
func New(leader Leadership, leases xlease.Store, queue *xclaim.Queue, execs ExecutionStore, executor *xretry.Executor, opts ...Option) (*Coordinator, error) {
	switch {
	case leader == nil:
		return nil, errors.New("xjob: nil leadership")
	case leases == nil:
		return nil, errors.New("xjob: nil lease store")
	case queue == nil:
		return nil, errors.New("xjob: nil claim queue")
	case execs == nil:
		return nil, errors.New("xjob: nil execution store")
	case executor == nil:
		return nil, errors.New("xjob: nil executor")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	base, shutdown := context.WithCancelCause(context.Background())
	return &Coordinator{
		leader:   leader,
		leases:   leases,
		queue:    queue,
		execs:    execs,
		executor: executor,
		opts:     o,
		jobs:     make(map[string]Job),
		base:     base,
		shutdown: shutdown,
		running:  make(map[string]*run),
	}, nil
}

// Register 注册作业，同名覆盖。
func (c *Coordinator) Register(job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	c.jobsMu.Lock()
	c.jobs[job.Name] = job.withDefaults()
	c.jobsMu.Unlock()
	return nil
}

// Job 返回已注册的作业。
func (c *Coordinator) Job(name string) (Job, bool) {
	c.jobsMu.RLock()
	defer c.jobsMu.RUnlock()
	j, ok := c.jobs[name]
	return j, ok
}

// Jobs 返回已注册作业名，按字典序。
func (c *Coordinator) Jobs() []string {
	c.jobsMu.RLock()
	names := make([]string, 0, len(c.jobs))
	for n := range c.jobs {
		names = append(names, n)
	}
	c.jobsMu.RUnlock()
	slices.Sort(names)
	return names
}

// MaxDuration 返回作业的执行时间上限，供 StallMonitor 使用。
func (c *Coordinator) MaxDuration(name string) (time.Duration, bool) {
	j, ok := c.Job(name)
	if !ok {
		return 0, false
	}
	return j.MaxDuration, true
}

// Holder 返回本进程的租约持有者标识。
func (c *Coordinator) Holder() string { return c.opts.holder }

// Trigger 触发一次作业执行，立即返回执行 ID。
func (c *Coordinator) Trigger(ctx context.Context, name string) (string, error) {
	job, ok := c.Job(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	leaderToken, ok := c.leader.Token()
	if !ok {
		c.reject(ctx, name, "NOT_LEADER")
		return "", ErrNotLeader
	}
	if c.isClosed() {
		return "", ErrShutdown
	}

	key := SingleFlightKey(name)
	lease, acquired, err := c.leases.Acquire(ctx, key, c.opts.holder, job.MaxDuration)
	if err != nil {
		return "", fmt.Errorf("xjob: acquire single-flight lease for %s: %w", name, err)
	}
	if !acquired {
		c.reject(ctx, name, "ALREADY_RUNNING")
		return "", ErrAlreadyRunning
	}

	id, err := c.opts.newID()
	if err != nil {
		c.releaseLease(ctx, key, lease.Token)
		return "", fmt.Errorf("xjob: generate execution id: %w", err)
	}
	exec := Execution{
		ID:           id,
		JobName:      name,
		Status:       StatusRunning,
		StartedAt:    c.opts.now(),
		FencingToken: lease.Token,
		LeaderToken:  leaderToken,
		Holder:       c.opts.holder,
	}
	if err := c.execs.Create(ctx, exec); err != nil {
		c.releaseLease(ctx, key, lease.Token)
		return "", fmt.Errorf("xjob: create execution: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(c.base)
	r := &run{exec: exec, cancel: cancel, done: make(chan struct{}), seen: make(map[string]struct{})}
	if !c.track(r) {
		cancel(ErrShutdown)
		c.finish(runCtx, r, Stats{}, ErrShutdown)
		return "", ErrShutdown
	}

	c.opts.logger.InfoContext(ctx, "execution accepted",
		slog.String("job", name),
		slog.String("execution_id", id),
		slog.Int64("fencing_token", lease.Token),
	)
	c.opts.emitter.Emit(ctx, xmetrics.Event{
		Kind:         xmetrics.KindExecutionAccepted,
		JobName:      name,
		ExecutionID:  id,
		FencingToken: lease.Token,
	})

	go c.execute(trace.ContextWithSpanContext(runCtx, trace.SpanContextFromContext(ctx)), r, job)
	return id, nil
}

// Cancel 协作式取消本进程上正在运行的执行。执行不在本进程时返回 false。
func (c *Coordinator) Cancel(id string, cause error) bool {
	c.mu.Lock()
	r, ok := c.running[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel(cause)
	return true
}

// Running 返回本进程上正在运行的执行。
func (c *Coordinator) Running() []Execution {
	c.mu.Lock()
	out := make([]Execution, 0, len(c.running))
	for _, r := range c.running {
		out = append(out, r.exec)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b Execution) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Wait 等待本进程上的执行结束。执行不在本进程时立即返回 nil。
func (c *Coordinator) Wait(ctx context.Context, id string) error {
	c.mu.Lock()
	r, ok := c.running[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 取消所有执行并等待其结束。之后的 Trigger 返回 ErrShutdown。
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.shutdown(ErrShutdown)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) track(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.running[r.exec.ID] = r
	c.wg.Add(1)
	return true
}

func (c *Coordinator) untrack(r *run) {
	c.mu.Lock()
	delete(c.running, r.exec.ID)
	c.mu.Unlock()
	close(r.done)
	c.wg.Done()
}

func (c *Coordinator) reject(ctx context.Context, job, code string) {
	c.opts.logger.DebugContext(ctx, "execution rejected",
		slog.String("job", job),
		slog.String("code", code),
	)
	c.opts.emitter.Emit(ctx, xmetrics.Event{
		Kind:    xmetrics.KindExecutionRejected,
		JobName: job,
		Code:    code,
	})
}

// execute 运行一次执行直到结束，并写入终态。
func (c *Coordinator) execute(ctx context.Context, r *run, job Job) {
	defer c.untrack(r)
	defer r.cancel(nil)

	ctx, span := c.opts.tracer.Start(ctx, "xjob.execution",
		trace.WithAttributes(
			attribute.String("xjob.job", job.Name),
			attribute.String("xjob.execution_id", r.exec.ID),
			attribute.Int64("xjob.fencing_token", r.exec.FencingToken),
		),
	)
	defer span.End()
	ctx = xmetrics.WithCorrelation(ctx, xmetrics.Correlation{
		JobName:      job.Name,
		ExecutionID:  r.exec.ID,
		FencingToken: r.exec.FencingToken,
	})

	stats, err := c.runWorkers(ctx, r, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.finish(ctx, r, stats, err)
}

// finish 条件写入终态并释放单飞租约。
func (c *Coordinator) finish(ctx context.Context, r *run, stats Stats, runErr error) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.writeTimeout)
	defer cancel()

	comp := Completion{Status: StatusCompleted, Stats: stats, EndedAt: c.opts.now()}
	kind := xmetrics.KindExecutionCompleted
	if runErr != nil {
		comp.Status = StatusFailed
		comp.Reason = runErr.Error()
		kind = xmetrics.KindExecutionFailed
	}

	log := c.opts.logger.With(
		slog.String("job", r.exec.JobName),
		slog.String("execution_id", r.exec.ID),
		slog.Int64("fencing_token", r.exec.FencingToken),
	)
	ok, err := c.execs.Finish(wctx, r.exec.ID, r.exec.FencingToken, comp)
	switch {
	case err != nil:
		log.ErrorContext(wctx, "finish execution failed", slog.Any("error", err))
	case !ok:
		// 已被 StallMonitor 或 Reconciler 终结
		log.WarnContext(wctx, "execution already finalized elsewhere", slog.String("status", string(comp.Status)))
	default:
		log.InfoContext(wctx, "execution finished",
			slog.String("status", string(comp.Status)),
			slog.String("reason", comp.Reason),
			slog.Int("claimed", stats.Claimed),
			slog.Int("completed", stats.Completed),
			slog.Int("failed", stats.Failed),
			slog.Int("released", stats.Released),
			slog.Int("deferred", stats.Deferred),
		)
		c.opts.emitter.Emit(wctx, xmetrics.Event{
			Kind:         kind,
			JobName:      r.exec.JobName,
			ExecutionID:  r.exec.ID,
			FencingToken: r.exec.FencingToken,
			Code:         failureCode(runErr),
			Reason:       comp.Reason,
			Duration:     comp.EndedAt.Sub(r.exec.StartedAt),
		})
	}

	c.releaseLease(wctx, SingleFlightKey(r.exec.JobName), r.exec.FencingToken)
}

func (c *Coordinator) releaseLease(ctx context.Context, key string, token int64) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.writeTimeout)
	defer cancel()
	err := c.leases.Release(wctx, key, c.opts.holder, token)
	switch {
	case errors.Is(err, xlease.ErrNotHeld):
		c.opts.logger.DebugContext(ctx, "single-flight lease already gone", slog.String("key", key))
	case err != nil:
		c.opts.logger.WarnContext(ctx, "release single-flight lease failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}

func failureCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLeadershipLost):
		return "LEADERSHIP_LOST"
	case errors.Is(err, ErrLeaseLost):
		return "LEASE_LOST"
	case errors.Is(err, ErrExecutionTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrShutdown):
		return "SHUTDOWN"
	case errors.Is(err, context.Canceled):
		return "CANCELED"
	default:
		return "ERROR"
	}
}

// runWorkers 启动 worker 池，返回汇总统计与第一个执行级错误。
func (c *Coordinator) runWorkers(ctx context.Context, r *run, job Job) (Stats, error) {
	var st statsCounter
	g, gctx := errgroup.WithContext(ctx)
	for n := range job.Workers {
		w := xclaim.Worker{
			ID:           fmt.Sprintf("%s/%d", r.exec.ID, n),
			JobName:      job.Name,
			ExecutionID:  r.exec.ID,
			FencingToken: r.exec.FencingToken,
		}
		g.Go(func() error {
			return c.work(gctx, r, job, w, &st)
		})
	}
	err := g.Wait()
	return st.snapshot(), err
}

type statsCounter struct {
	mu sync.Mutex
	s  Stats
}

func (sc *statsCounter) add(fn func(*Stats)) {
	sc.mu.Lock()
	fn(&sc.s)
	sc.mu.Unlock()
}

func (sc *statsCounter) snapshot() Stats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.s
}
