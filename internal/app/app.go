package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omeyang/xcoord/internal/api"
	"github.com/omeyang/xcoord/pkg/config/xconf"
	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/distributed/xcron"
	"github.com/omeyang/xcoord/pkg/distributed/xjob"
	"github.com/omeyang/xcoord/pkg/distributed/xleader"
	"github.com/omeyang/xcoord/pkg/distributed/xlease"
	"github.com/omeyang/xcoord/pkg/lifecycle/xrun"
	"github.com/omeyang/xcoord/pkg/observability/xlog"
	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
	"github.com/omeyang/xcoord/pkg/resilience/xlimit"
	"github.com/omeyang/xcoord/pkg/resilience/xretry"
	"github.com/omeyang/xcoord/pkg/util/xid"
	"github.com/omeyang/xcoord/pkg/util/xlru"
)

// Option 配置 App。
type Option func(*appOptions)

type appOptions struct {
	logger     *slog.Logger
	processors map[string]xjob.Processor
	configPath string
	runOpts    []xrun.Option
	emitter    xmetrics.Emitter
}

// WithLogger 使用外部日志记录器，此时不按 cfg.Log 构建。
func WithLogger(logger *slog.Logger) Option {
	return func(o *appOptions) {
		o.logger = logger
	}
}

// WithProcessor 为作业指定处理器，优先于配置中的 endpoint。
func WithProcessor(job string, p xjob.Processor) Option {
	return func(o *appOptions) {
		o.processors[job] = p
	}
}

// WithConfigFile 记录配置文件路径，运行期监视它以调整日志级别。
func WithConfigFile(path string) Option {
	return func(o *appOptions) {
		o.configPath = path
	}
}

// WithRunOptions 透传给 xrun.Run，测试中用于关闭信号监听。
func WithRunOptions(opts ...xrun.Option) Option {
	return func(o *appOptions) {
		o.runOpts = append(o.runOpts, opts...)
	}
}

// WithEmitter 追加事件输出端。
func WithEmitter(e xmetrics.Emitter) Option {
	return func(o *appOptions) {
		o.emitter = e
	}
}

// App 是装配好的 xjobd 守护进程。
type App struct {
	cfg    Config
	logger *slog.Logger
	logs   *xlog.Logger
	opts   *appOptions

	backends    *backends
	queue       *xclaim.Queue
	elector     *xleader.Elector
	coordinator *xjob.Coordinator
	monitor     *xjob.StallMonitor
	reconciler  *xjob.Reconciler
	scheduler   *xcron.Scheduler
	handler     *api.Handler
	execCache   *xlru.Cache[string, xjob.Execution]
}

// New 校验配置、打开后端并装配全部组件。失败时已打开的连接会被关闭。
func New(ctx context.Context, cfg Config, opts ...Option) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &appOptions{processors: make(map[string]xjob.Processor)}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	a := &App{cfg: cfg, opts: o, logger: o.logger}
	if a.logger == nil {
		a.logs, err = xlog.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		a.logger = a.logs.Logger
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.Close(context.WithoutCancel(ctx)))
		}
	}()

	emitter, err := a.emitter()
	if err != nil {
		return nil, err
	}

	a.backends, err = openBackends(ctx, cfg, a.logger)
	if err != nil {
		return nil, err
	}

	holder := nodeID(cfg.Node.ID)
	a.queue = xclaim.NewQueue(a.backends.items,
		xclaim.WithStaleAfter(cfg.Store.StaleAfter),
		xclaim.WithLogger(a.logger),
		xclaim.WithEmitter(emitter),
	)

	a.elector, err = xleader.New(a.backends.leases, cfg.Leader.Key, holder,
		xleader.WithTTL(cfg.Leader.TTL),
		xleader.WithRenewInterval(cfg.Leader.RenewInterval),
		xleader.WithLogger(a.logger),
		xleader.WithEmitter(emitter),
	)
	if err != nil {
		return nil, err
	}

	executor, err := xretry.NewExecutor(cfg.Executor,
		xretry.WithLogger(a.logger),
		xretry.WithEmitter(emitter),
	)
	if err != nil {
		return nil, err
	}

	ids, err := a.idGenerator()
	if err != nil {
		return nil, err
	}

	a.coordinator, err = xjob.New(a.elector, a.backends.leases, a.queue, a.backends.execs, executor,
		xjob.WithHolder(holder),
		xjob.WithIDGenerator(ids.NewString),
		xjob.WithLogger(a.logger),
		xjob.WithEmitter(emitter),
	)
	if err != nil {
		return nil, err
	}
	if err := a.registerJobs(); err != nil {
		return nil, err
	}

	monitorOpts := []xjob.MonitorOption{
		xjob.WithScanLimit(cfg.Monitor.ScanLimit),
		xjob.WithMaxDuration(a.coordinator.MaxDuration),
		xjob.WithDefaultMaxDuration(cfg.Monitor.DefaultMaxDuration),
		xjob.WithCanceler(a.coordinator),
		xjob.WithGuard(a.backends.guard),
		xjob.WithMonitorLogger(a.logger),
		xjob.WithMonitorEmitter(emitter),
	}
	a.monitor = xjob.NewStallMonitor(a.backends.execs, a.backends.leases,
		append(monitorOpts, xjob.WithInterval(cfg.Monitor.StallInterval))...)
	a.reconciler = xjob.NewReconciler(a.backends.execs, a.backends.leases,
		append(monitorOpts, xjob.WithInterval(cfg.Monitor.ReconcileInterval))...)

	if err := a.buildScheduler(); err != nil {
		return nil, err
	}

	apiOpts, err := a.apiOptions()
	if err != nil {
		return nil, err
	}
	a.handler, err = api.New(api.Deps{
		Coordinator: a.coordinator,
		Executions:  a.backends.execs,
		Items:       a.queue,
		Leader:      a.elector,
		Leases:      a.backends.leases,
	}, apiOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) apiOptions() ([]api.Option, error) {
	opts := []api.Option{api.WithLogger(a.logger), api.WithRetryAfter(a.cfg.Leader.RenewInterval)}

	if rule := a.cfg.HTTP.TriggerLimit; rule.Enabled() {
		var (
			limiter xlimit.Limiter
			err     error
		)
		if len(a.cfg.Redis.Addrs) > 0 {
			limiter, err = xlimit.NewRedis(a.backends.redisClient(a.cfg.Redis), rule,
				xlimit.WithKeyPrefix("xjobd/limit/"), xlimit.WithLogger(a.logger))
		} else {
			limiter, err = xlimit.NewLocal(rule)
		}
		if err != nil {
			return nil, err
		}
		opts = append(opts, api.WithTriggerLimiter(limiter))
	}

	if a.cfg.HTTP.ExecutionCache.Size > 0 {
		cache, err := xlru.New[string, xjob.Execution](a.cfg.HTTP.ExecutionCache)
		if err != nil {
			return nil, err
		}
		a.execCache = cache
		opts = append(opts, api.WithExecutionCache(cache))
	}
	return opts, nil
}

func (a *App) emitter() (xmetrics.Emitter, error) {
	list := []xmetrics.Emitter{xmetrics.NewLogEmitter(a.logger), a.opts.emitter}
	if a.cfg.Metrics.OTel {
		otelEmitter, err := xmetrics.NewOTelEmitter()
		if err != nil {
			return nil, err
		}
		list = append(list, otelEmitter)
	}
	return xmetrics.Multi(list...), nil
}

func (a *App) idGenerator() (*xid.Generator, error) {
	if a.cfg.Node.MachineID >= 0 {
		return xid.NewGenerator(xid.WithFixedMachineID(uint16(a.cfg.Node.MachineID)))
	}
	return xid.NewGenerator()
}

func (a *App) registerJobs() error {
	for _, jc := range a.cfg.Jobs {
		p, ok := a.opts.processors[jc.Name]
		if !ok {
			if jc.Endpoint == "" {
				return fmt.Errorf("%w: job %q has neither endpoint nor processor", ErrInvalidConfig, jc.Name)
			}
			p = NewWebhookProcessor(jc.Name, jc.Endpoint, jc.RequestTimeout, nil)
		}
		if err := a.coordinator.Register(jc.job(p)); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) buildScheduler() error {
	opts := []xcron.Option{xcron.WithLogger(a.logger)}
	if a.cfg.Cron.Location != "" {
		loc, err := time.LoadLocation(a.cfg.Cron.Location)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		opts = append(opts, xcron.WithLocation(loc))
	}
	if a.cfg.Cron.Seconds {
		opts = append(opts, xcron.WithSeconds())
	}
	if a.cfg.Cron.TriggerTimeout > 0 {
		opts = append(opts, xcron.WithTriggerTimeout(a.cfg.Cron.TriggerTimeout))
	}
	a.scheduler = xcron.New(a.coordinator, opts...)
	for _, jc := range a.cfg.Jobs {
		if jc.Schedule == "" {
			continue
		}
		if err := a.scheduler.Add(jc.Schedule, jc.Name); err != nil {
			return fmt.Errorf("%w: job %q: %w", ErrInvalidConfig, jc.Name, err)
		}
	}
	return nil
}

// Handler 返回管理 HTTP 接口。
func (a *App) Handler() http.Handler { return a.handler }

// Coordinator 返回作业协调器。
func (a *App) Coordinator() *xjob.Coordinator { return a.coordinator }

// Elector 返回选主器。
func (a *App) Elector() *xleader.Elector { return a.elector }

// Queue 返回工作项队列。
func (a *App) Queue() *xclaim.Queue { return a.queue }

// Leases 返回租约存储。
func (a *App) Leases() xlease.Store { return a.backends.leases }

// Run 运行守护进程直到 ctx 取消、收到信号或某个服务失败。
//
// 关闭顺序：协调器取消并等待运行中的执行，随后选主器释放租约；HTTP 服务器并行排空。
func (a *App) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	services := []xrun.Service{
		xrun.Named("leadership", a.runLeadership),
		xrun.Named("stall-monitor", a.monitor.Run),
		xrun.Named("reconciler", a.reconciler.Run),
		xrun.Named("http", xrun.HTTPServer(server, a.cfg.HTTP.ShutdownTimeout)),
	}
	if len(a.scheduler.Entries()) > 0 {
		services = append(services, xrun.Named("cron", a.scheduler.Run))
	}
	if a.opts.configPath != "" && a.logs != nil {
		w, err := xconf.NewWatcher(a.opts.configPath, a.reloadLogLevel)
		if err != nil {
			return err
		}
		services = append(services, xrun.Named("config-watch", w.Run))
	}

	a.logger.InfoContext(ctx, "xjobd starting",
		slog.String("holder", a.elector.Holder()),
		slog.String("lease_backend", a.cfg.Lease.Backend),
		slog.String("store_backend", a.cfg.Store.Backend),
		slog.String("http_addr", a.cfg.HTTP.Addr),
		slog.Int("jobs", len(a.cfg.Jobs)),
	)
	runOpts := append([]xrun.Option{xrun.WithLogger(a.logger), xrun.WithName("xjobd")}, a.opts.runOpts...)
	err := xrun.Run(ctx, runOpts, services...)
	if errors.Is(err, xrun.ErrSignal) {
		a.logger.InfoContext(ctx, "xjobd stopped", slog.Any("cause", err))
		return nil
	}
	return err
}

// runLeadership 运行选主循环；ctx 结束后先关闭协调器再让选主器释放租约。
func (a *App) runLeadership(ctx context.Context) error {
	electorCtx, stopElector := context.WithCancel(context.WithoutCancel(ctx))
	defer stopElector()
	done := make(chan error, 1)
	go func() { done <- a.elector.Run(electorCtx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	closeErr := a.coordinator.Close(closeCtx)
	if closeErr != nil {
		a.logger.WarnContext(ctx, "executions still running at shutdown", slog.Any("error", closeErr))
	}
	stopElector()
	<-done
	return ctx.Err()
}

func (a *App) reloadLogLevel() {
	cfg := a.cfg
	if err := xconf.Load(a.opts.configPath, &cfg); err != nil {
		a.logger.Warn("config reload failed", slog.Any("error", err))
		return
	}
	if err := a.logs.SetLevel(cfg.Log.Level); err != nil {
		a.logger.Warn("invalid log level in reloaded config", slog.Any("error", err))
		return
	}
	a.logger.Info("log level reloaded", slog.String("level", a.logs.Level().String()))
}

// Close 释放后端连接与日志文件。
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.execCache != nil {
		a.execCache.Close()
	}
	if a.backends != nil {
		errs = append(errs, a.backends.close(ctx))
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}

// nodeID 为空时生成 "<hostname>-<8 位随机串>"。
func nodeID(id string) string {
	if id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "xjobd"
	}
	return strings.ToLower(host) + "-" + uuid.NewString()[:8]
}
