package xjob

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
)

const instrumentationName = "github.com/omeyang/xcoord/pkg/distributed/xjob"

// 写入与释放使用独立超时，执行被取消后仍能落库。
const defaultWriteTimeout = 5 * time.Second

type options struct {
	holder       string
	newID        func() (string, error)
	now          func() time.Time
	logger       *slog.Logger
	emitter      xmetrics.Emitter
	tracer       trace.Tracer
	writeTimeout time.Duration
}

func defaultOptions() *options {
	return &options{
		holder:       uuid.NewString(),
		newID:        func() (string, error) { return uuid.NewString(), nil },
		now:          time.Now,
		logger:       slog.Default(),
		emitter:      xmetrics.Nop,
		tracer:       otel.GetTracerProvider().Tracer(instrumentationName),
		writeTimeout: defaultWriteTimeout,
	}
}

// Option 协调器配置选项。
type Option func(*options)

// WithHolder 设置本进程的租约持有者标识，默认随机 UUID。
func WithHolder(holder string) Option {
	return func(o *options) {
		if holder != "" {
			o.holder = holder
		}
	}
}

// WithIDGenerator 设置执行 ID 生成器。
func WithIDGenerator(fn func() (string, error)) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithClock 设置时钟，需与租约存储、认领队列使用同一时钟源。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithEmitter 设置事件输出端。
func WithEmitter(e xmetrics.Emitter) Option {
	return func(o *options) {
		o.emitter = xmetrics.OrNop(e)
	}
}

// WithTracerProvider 设置 TracerProvider，默认使用全局 provider。
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithWriteTimeout 设置执行终结与工作项写回的独立超时，默认 5s。
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}
