package xjob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/omeyang/xcoord/pkg/distributed/xdlock"
	"github.com/omeyang/xcoord/pkg/distributed/xlease"
	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
)

// Canceler 取消本进程上的执行，*Coordinator 满足该接口。
type Canceler interface {
	Cancel(id string, cause error) bool
}

// 扫描参数默认值。
const (
	DefaultScanInterval = 30 * time.Second
	defaultScanLimit    = 500
)

type monitorOptions struct {
	interval   time.Duration
	limit      int
	maxFor     func(job string) (time.Duration, bool)
	defaultMax time.Duration
	canceler   Canceler
	locker     xdlock.Locker
	lockKey    string
	now        func() time.Time
	logger     *slog.Logger
	emitter    xmetrics.Emitter
}

// MonitorOption StallMonitor 与 Reconciler 共用的配置选项。
type MonitorOption func(*monitorOptions)

// WithInterval 设置扫描周期，默认 30s。
func WithInterval(d time.Duration) MonitorOption {
	return func(o *monitorOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithScanLimit 设置单次扫描读取的执行数上限，默认 500。
func WithScanLimit(n int) MonitorOption {
	return func(o *monitorOptions) {
		if n > 0 {
			o.limit = n
		}
	}
}

// WithMaxDuration 按作业名查询执行时间上限，通常传入 Coordinator.MaxDuration。
func WithMaxDuration(fn func(job string) (time.Duration, bool)) MonitorOption {
	return func(o *monitorOptions) {
		o.maxFor = fn
	}
}

// WithDefaultMaxDuration 未知作业使用的时间上限，默认 DefaultMaxDuration。
func WithDefaultMaxDuration(d time.Duration) MonitorOption {
	return func(o *monitorOptions) {
		if d > 0 {
			o.defaultMax = d
		}
	}
}

// WithCanceler 设置本地取消入口。
func WithCanceler(c Canceler) MonitorOption {
	return func(o *monitorOptions) {
		o.canceler = c
	}
}

// WithGuard 用分布式锁保证同一时刻只有一个副本执行扫描。
func WithGuard(locker xdlock.Locker) MonitorOption {
	return func(o *monitorOptions) {
		o.locker = locker
	}
}

// WithMonitorClock 设置时钟。
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(o *monitorOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMonitorLogger 设置日志记录器。
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(o *monitorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMonitorEmitter 设置事件输出端。
func WithMonitorEmitter(e xmetrics.Emitter) MonitorOption {
	return func(o *monitorOptions) {
		o.emitter = xmetrics.OrNop(e)
	}
}

func newMonitorOptions(lockKey string, opts []MonitorOption) *monitorOptions {
	o := &monitorOptions{
		interval:   DefaultScanInterval,
		limit:      defaultScanLimit,
		defaultMax: DefaultMaxDuration,
		lockKey:    lockKey,
		now:        time.Now,
		logger:     slog.Default(),
		emitter:    xmetrics.Nop,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// loop 周期执行 pass；immediate 为 true 时先执行一次。返回 ctx.Err()。
func (o *monitorOptions) loop(ctx context.Context, name string, immediate bool, pass func(context.Context) (int, error)) error {
	tick := func() {
		var n int
		ran, err := xdlock.Guard(ctx, o.locker, o.lockKey, o.interval, func(ctx context.Context) error {
			var err error
			n, err = pass(ctx)
			return err
		})
		switch {
		case err != nil && ctx.Err() == nil:
			o.logger.ErrorContext(ctx, name+" pass failed", slog.Any("error", err))
		case !ran:
			o.logger.DebugContext(ctx, name+" pass skipped, guard held elsewhere")
		case n > 0:
			o.logger.InfoContext(ctx, name+" pass corrected executions", slog.Int("count", n))
		}
	}

	if immediate {
		tick()
	}
	t := time.NewTicker(o.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			tick()
		}
	}
}

// StallMonitor 强制终止超时的执行。
type StallMonitor struct {
	execs  ExecutionStore
	leases xlease.Store
	o      *monitorOptions
}

// NewStallMonitor 创建卡死检测器。
func NewStallMonitor(execs ExecutionStore, leases xlease.Store, opts ...MonitorOption) *StallMonitor {
	return &StallMonitor{
		execs:  execs,
		leases: leases,
		o:      newMonitorOptions("xjob:stall-monitor", opts),
	}
}

// Scan 扫描一次，返回被终止的执行数。
//
// 对每个超时的 RUNNING 执行：先作废单飞租约，使旧 token 的写入失效；
// 再以 FAILED 终结；最后取消本地运行。工作项保持原样，由过期回收处理。
func (m *StallMonitor) Scan(ctx context.Context) (int, error) {
	execs, err := m.execs.List(ctx, ExecutionFilter{Statuses: []Status{StatusRunning}, Limit: m.o.limit})
	if err != nil {
		return 0, fmt.Errorf("xjob: list running executions: %w", err)
	}

	now := m.o.now()
	var (
		n    int
		errs []error
	)
	for _, e := range execs {
		limit := m.maxDuration(e.JobName)
		elapsed := now.Sub(e.StartedAt)
		if elapsed <= limit {
			continue
		}

		key := SingleFlightKey(e.JobName)
		if _, err := m.leases.Invalidate(ctx, key, e.FencingToken); err != nil {
			m.o.logger.WarnContext(ctx, "invalidate single-flight lease failed",
				slog.String("execution_id", e.ID),
				slog.String("key", key),
				slog.Any("error", err),
			)
		}

		terr := &ExecutionTimeoutError{
			ExecutionID: e.ID,
			JobName:     e.JobName,
			MaxDuration: limit,
			Elapsed:     elapsed,
		}
		ok, err := m.execs.Finish(ctx, e.ID, e.FencingToken, Completion{
			Status:  StatusFailed,
			Reason:  terr.Error(),
			Stats:   e.Stats,
			EndedAt: now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("xjob: finish stalled execution %s: %w", e.ID, err))
			continue
		}
		if !ok {
			continue
		}
		n++

		local := m.o.canceler != nil && m.o.canceler.Cancel(e.ID, terr)
		m.o.logger.WarnContext(ctx, "stalled execution terminated",
			slog.String("job", e.JobName),
			slog.String("execution_id", e.ID),
			slog.Duration("elapsed", elapsed),
			slog.Bool("local", local),
		)
		m.o.emitter.Emit(ctx, xmetrics.Event{
			Kind:         xmetrics.KindStallTerminated,
			JobName:      e.JobName,
			ExecutionID:  e.ID,
			FencingToken: e.FencingToken,
			Code:         "TIMEOUT",
			Reason:       terr.Error(),
			Duration:     elapsed,
		})
	}
	return n, errors.Join(errs...)
}

// Run 周期扫描直到 ctx 结束。
func (m *StallMonitor) Run(ctx context.Context) error {
	return m.o.loop(ctx, "stall monitor", false, m.Scan)
}

func (m *StallMonitor) maxDuration(job string) time.Duration {
	if m.o.maxFor != nil {
		if d, ok := m.o.maxFor(job); ok && d > 0 {
			return d
		}
	}
	return m.o.defaultMax
}

// Reconciler 把失去租约的 RUNNING/UNKNOWN 执行修正为 FAILED。
type Reconciler struct {
	execs  ExecutionStore
	leases xlease.Store
	o      *monitorOptions
}

// NewReconciler 创建对账器。
func NewReconciler(execs ExecutionStore, leases xlease.Store, opts ...MonitorOption) *Reconciler {
	return &Reconciler{
		execs:  execs,
		leases: leases,
		o:      newMonitorOptions("xjob:reconciler", opts),
	}
}

// Reconcile 对账一次，返回被修正的执行数。终态记录不会被触碰。
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	execs, err := r.execs.List(ctx, ExecutionFilter{
		Statuses: []Status{StatusRunning, StatusUnknown},
		Limit:    r.o.limit,
	})
	if err != nil {
		return 0, fmt.Errorf("xjob: list active executions: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, e := range execs {
		lease, ok, err := r.leases.Get(ctx, SingleFlightKey(e.JobName))
		if err != nil {
			errs = append(errs, fmt.Errorf("xjob: read lease for %s: %w", e.ID, err))
			continue
		}
		now := r.o.now()
		reason := orphanReason(e, lease, ok, now)
		if reason == "" {
			continue
		}

		done, err := r.execs.Finish(ctx, e.ID, e.FencingToken, Completion{
			Status:  StatusFailed,
			Reason:  reason,
			Stats:   e.Stats,
			EndedAt: now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("xjob: finish orphaned execution %s: %w", e.ID, err))
			continue
		}
		if !done {
			continue
		}
		n++

		if r.o.canceler != nil {
			r.o.canceler.Cancel(e.ID, fmt.Errorf("%w: %s", ErrLeaseLost, reason))
		}
		r.o.logger.WarnContext(ctx, "orphaned execution reconciled",
			slog.String("job", e.JobName),
			slog.String("execution_id", e.ID),
			slog.String("previous_status", string(e.Status)),
			slog.String("reason", reason),
		)
		r.o.emitter.Emit(ctx, xmetrics.Event{
			Kind:         xmetrics.KindReconciled,
			JobName:      e.JobName,
			ExecutionID:  e.ID,
			FencingToken: e.FencingToken,
			Code:         string(e.Status),
			Reason:       reason,
		})
	}
	return n, errors.Join(errs...)
}

// Run 启动时对账一次，之后周期对账直到 ctx 结束。
func (r *Reconciler) Run(ctx context.Context) error {
	return r.o.loop(ctx, "reconciler", true, r.Reconcile)
}

// orphanReason 执行的租约仍然有效时返回空串。
func orphanReason(e Execution, lease xlease.Lease, found bool, now time.Time) string {
	switch {
	case !found:
		return "orphaned: single-flight lease missing"
	case lease.Token != e.FencingToken:
		return fmt.Sprintf("orphaned: single-flight lease superseded (token %d, current %d)", e.FencingToken, lease.Token)
	case lease.Expired(now):
		return fmt.Sprintf("orphaned: single-flight lease expired at %s", lease.ExpiresAt.UTC().Format(time.RFC3339))
	default:
		return ""
	}
}
