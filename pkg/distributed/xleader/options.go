package xleader

import (
	"log/slog"
	"time"

	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
)

type options struct {
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	emitter  xmetrics.Emitter
}

func defaultOptions() *options {
	return &options{
		ttl:    15 * time.Second,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Option 选举器配置选项。
type Option func(*options)

// WithTTL 设置领导租约 ttl，默认 15s。
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.ttl = ttl
	}
}

// WithRenewInterval 设置续期间隔，必须小于 ttl/2，默认 ttl/3。
func WithRenewInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

// WithClock 设置时钟，需与租约存储使用同一时钟源。
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
func WithEmitter(emitter xmetrics.Emitter) Option {
	return func(o *options) {
		o.emitter = emitter
	}
}
