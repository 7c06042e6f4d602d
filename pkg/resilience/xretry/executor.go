package xretry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	retry "github.com/avast/retry-go/v5"

	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
	"github.com/omeyang/xcoord/pkg/resilience/xbreaker"
)

// Outcome 一次逻辑调用的分类结果。
type Outcome int

const (
	Succeeded Outcome = iota
	RetriesExhausted
	CircuitOpen
	PermanentFailure
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case RetriesExhausted:
		return "retries_exhausted"
	case CircuitOpen:
		return "circuit_open"
	case PermanentFailure:
		return "permanent"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result 执行结果。Attempts 为实际调用 op 的次数，熔断拒绝不计入。
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

// OK 是否成功。
func (r Result) OK() bool { return r.Outcome == Succeeded }

// Config 重试与熔断参数。
type Config struct {
	MaxAttempts  int             `koanf:"max_attempts"`
	InitialDelay time.Duration   `koanf:"initial_delay"`
	Multiplier   float64         `koanf:"multiplier"`
	MaxDelay     time.Duration   `koanf:"max_delay"`
	Circuit      xbreaker.Config `koanf:"circuit"`
}

// DefaultConfig 返回默认参数：3 次尝试，1s 起步，倍率 2，上限 30s。
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Circuit:      xbreaker.DefaultConfig(),
	}
}

// Validate 校验参数。
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts <= 0:
		return fmt.Errorf("%w: max_attempts must be positive", ErrInvalidConfig)
	case c.InitialDelay < 0:
		return fmt.Errorf("%w: initial_delay must not be negative", ErrInvalidConfig)
	case c.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be >= 1", ErrInvalidConfig)
	case c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("%w: max_delay must be >= initial_delay", ErrInvalidConfig)
	}
	if err := c.Circuit.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Delay 第 n 次失败（从 1 计数）后的等待时间。
func (c Config) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(n-1))
	if d >= float64(c.MaxDelay) || math.IsInf(d, 0) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Timer retry-go 的计时器接口，测试中可替换为不等待的实现。
type Timer = retry.Timer

// Executor 带熔断的重试执行器，按调用点名字隔离熔断器。并发安全。
type Executor struct {
	cfg      Config
	breakers *xbreaker.Registry
	timer    Timer
	logger   *slog.Logger
	onRetry  func(site string, attempt int, err error)
}

// Option 执行器配置选项。
type Option func(*executorOptions)

type executorOptions struct {
	timer   Timer
	logger  *slog.Logger
	emitter xmetrics.Emitter
	onRetry func(site string, attempt int, err error)
}

// WithTimer 替换等待计时器。
func WithTimer(t Timer) Option {
	return func(o *executorOptions) {
		if t != nil {
			o.timer = t
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(o *executorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEmitter 设置事件输出端，转交给各调用点的熔断器。
func WithEmitter(e xmetrics.Emitter) Option {
	return func(o *executorOptions) {
		o.emitter = e
	}
}

// WithOnRetry 每次准备重试前回调，attempt 为刚失败的尝试序号（从 1 计数）。
func WithOnRetry(fn func(site string, attempt int, err error)) Option {
	return func(o *executorOptions) {
		o.onRetry = fn
	}
}

// NewExecutor 创建执行器。
func NewExecutor(cfg Config, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &executorOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	reg, err := xbreaker.NewRegistry(cfg.Circuit,
		xbreaker.WithLogger(o.logger),
		xbreaker.WithEmitter(o.emitter),
		xbreaker.WithFailurePredicate(IsRetryable),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Executor{
		cfg:      cfg,
		breakers: reg,
		timer:    o.timer,
		logger:   o.logger,
		onRetry:  o.onRetry,
	}, nil
}

// Config 返回执行器参数。
func (e *Executor) Config() Config { return e.cfg }

// Breaker 返回调用点 site 的熔断器。
func (e *Executor) Breaker(site string) *xbreaker.Breaker { return e.breakers.Get(site) }

// CircuitStates 返回各调用点熔断器状态。
func (e *Executor) CircuitStates() map[string]xbreaker.State { return e.breakers.States() }

// Execute 在调用点 site 上执行 op。
func (e *Executor) Execute(ctx context.Context, site string, op func(ctx context.Context) error) Result {
	if err := ctx.Err(); err != nil {
		return Result{Outcome: Canceled, Err: err}
	}
	br := e.breakers.Get(site)

	var (
		attempts int
		lastErr  error
	)
	err := retry.New(e.options(ctx, site)...).Do(func() error {
		err := br.Do(ctx, func() error {
			attempts++
			return op(ctx)
		})
		lastErr = err
		if xbreaker.IsOpen(err) {
			return retry.Unrecoverable(err)
		}
		return err
	})
	if err == nil {
		return Result{Outcome: Succeeded, Attempts: attempts}
	}
	return e.classify(ctx, attempts, lastErr)
}

func (e *Executor) classify(ctx context.Context, attempts int, lastErr error) Result {
	var open *CircuitOpenError
	switch {
	case errors.As(lastErr, &open):
		return Result{Outcome: CircuitOpen, Attempts: attempts, Err: open}
	case errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded):
		return Result{Outcome: Canceled, Attempts: attempts, Err: lastErr}
	case ctx.Err() != nil && attempts < e.cfg.MaxAttempts:
		return Result{Outcome: Canceled, Attempts: attempts, Err: ctx.Err()}
	case IsPermanent(lastErr):
		return Result{Outcome: PermanentFailure, Attempts: attempts, Err: lastErr}
	default:
		return Result{
			Outcome:  RetriesExhausted,
			Attempts: attempts,
			Err:      &RetriesExhaustedError{Attempts: attempts, Err: lastErr},
		}
	}
}

func (e *Executor) options(ctx context.Context, site string) []retry.Option {
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(e.cfg.MaxAttempts)),
		retry.RetryIf(func(err error) bool {
			if !retry.IsRecoverable(err) {
				return false
			}
			return IsRetryable(err) && ctx.Err() == nil
		}),
		// n 从 1 开始
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			return e.cfg.Delay(int(n))
		}),
		retry.MaxDelay(e.cfg.MaxDelay),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Debug("retrying operation",
				slog.String("site", site),
				slog.Int("attempt", int(n)+1),
				slog.Any("error", err),
			)
			if e.onRetry != nil {
				e.onRetry(site, int(n)+1, err)
			}
		}),
		retry.LastErrorOnly(true),
	}
	if e.timer != nil {
		opts = append(opts, retry.WithTimer(e.timer))
	}
	return opts
}
