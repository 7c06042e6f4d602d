package xbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
)

// State 熔断器状态，直接复用 gobreaker 的定义。
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// Config 熔断参数。
type Config struct {
	// WindowSize 滑动窗口的调用次数，默认 10。
	WindowSize int `koanf:"window_size"`
	// FailureRateThreshold 打开熔断的失败率，取值 (0, 1]，默认 0.5。
	FailureRateThreshold float64 `koanf:"failure_rate_threshold"`
	// OpenWait 打开状态持续时间，默认 30s。
	OpenWait time.Duration `koanf:"open_wait"`
	// HalfOpenTrials 半开状态放行的探测次数，默认 3。
	HalfOpenTrials int `koanf:"half_open_trials"`
}

// DefaultConfig 返回默认熔断参数。
func DefaultConfig() Config {
	return Config{
		WindowSize:           10,
		FailureRateThreshold: 0.5,
		OpenWait:             30 * time.Second,
		HalfOpenTrials:       3,
	}
}

// Validate 校验参数。
func (c Config) Validate() error {
	switch {
	case c.WindowSize <= 0:
		return fmt.Errorf("%w: window_size must be positive", ErrInvalidConfig)
	case c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1:
		return fmt.Errorf("%w: failure_rate_threshold must be in (0, 1]", ErrInvalidConfig)
	case c.OpenWait <= 0:
		return fmt.Errorf("%w: open_wait must be positive", ErrInvalidConfig)
	case c.HalfOpenTrials <= 0:
		return fmt.Errorf("%w: half_open_trials must be positive", ErrInvalidConfig)
	}
	return nil
}

// Breaker 熔断器。
type Breaker struct {
	name      string
	cfg       Config
	isFailure func(error) bool
	logger    *slog.Logger
	emitter   xmetrics.Emitter
	onChange  func(name string, from, to State)

	win *window
	cb  *gobreaker.CircuitBreaker[any]

	// pending 暂存 gobreaker 锁内发生的状态变化，由触发它的调用带着自己的 ctx 发出。
	pendingMu sync.Mutex
	pending   []transition
}

type transition struct {
	from, to State
}

// Option 熔断器配置选项。
type Option func(*Breaker)

// WithFailurePredicate 设置失败判定。返回 false 的错误计为成功。
// context 错误始终被排除，不会传入该函数。
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithEmitter 设置事件输出端，状态变化时发出 circuit.state_changed。
func WithEmitter(e xmetrics.Emitter) Option {
	return func(b *Breaker) {
		b.emitter = xmetrics.OrNop(e)
	}
}

// WithOnStateChange 设置状态变化回调。回调在熔断器内部锁内执行，不要在其中调用本熔断器。
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// New 创建熔断器。
func New(name string, cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		name:      name,
		cfg:       cfg,
		isFailure: func(err error) bool { return err != nil },
		logger:    slog.Default(),
		emitter:   xmetrics.Nop,
		win:       newWindow(cfg.WindowSize),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.HalfOpenTrials),
		Timeout:     cfg.OpenWait,
		ReadyToTrip: func(gobreaker.Counts) bool {
			return b.win.tripped(b.cfg.FailureRateThreshold)
		},
		IsSuccessful:  b.successful,
		IsExcluded:    excluded,
		OnStateChange: b.stateChanged,
	})
	return b, nil
}

// Name 返回名称。
func (b *Breaker) Name() string { return b.name }

// State 返回当前状态。打开等待期满时这次读取会引发转入半开。
func (b *Breaker) State() State {
	st := b.cb.State()
	b.flush(context.Background())
	return st
}

// Window 返回窗口内已记录的调用数与失败数。
func (b *Breaker) Window() (calls, failures int) { return b.win.snapshot() }

// Do 在熔断保护下执行 fn。
//
// 熔断拒绝返回 *OpenError（errors.Is(err, ErrOpen) 成立）；其他情况返回 fn 的错误。
// 本次调用引发的状态变化事件携带 ctx，xmetrics.Correlation 中的作业与执行字段随之带出。
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.cb.Execute(func() (any, error) {
		err := fn()
		b.observe(err)
		return nil, err
	})
	err = wrapRejection(err, b.name, b.cb.State())
	b.flush(ctx)
	return err
}

// Execute 泛型版本的 Do。
func Execute[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// observe 把结果写入窗口；被排除的错误不记录。
func (b *Breaker) observe(err error) {
	if excluded(err) {
		return
	}
	b.win.record(!b.successful(err))
}

func (b *Breaker) successful(err error) bool {
	if err == nil {
		return true
	}
	return !b.isFailure(err)
}

func excluded(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// stateChanged 在 gobreaker 锁内调用，只记录，事件在锁外由 flush 发出。
func (b *Breaker) stateChanged(name string, from, to State) {
	if to == StateClosed {
		b.win.reset()
	}
	b.pendingMu.Lock()
	b.pending = append(b.pending, transition{from: from, to: to})
	b.pendingMu.Unlock()
	if b.onChange != nil {
		b.onChange(name, from, to)
	}
}

func (b *Breaker) flush(ctx context.Context) {
	b.pendingMu.Lock()
	list := b.pending
	b.pending = nil
	b.pendingMu.Unlock()

	for _, t := range list {
		ev := xmetrics.Correlate(ctx, xmetrics.Event{
			Kind: xmetrics.KindCircuitChanged,
			Code: t.to.String(),
			Attrs: []slog.Attr{
				slog.String("breaker", b.name),
				slog.String("from", t.from.String()),
			},
		})
		b.logger.InfoContext(ctx, "circuit state changed",
			slog.String("breaker", b.name),
			slog.String("from", t.from.String()),
			slog.String("to", t.to.String()),
			slog.String("job", ev.JobName),
			slog.String("execution_id", ev.ExecutionID),
		)
		b.emitter.Emit(ctx, ev)
	}
}
