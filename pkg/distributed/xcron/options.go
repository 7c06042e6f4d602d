package xcron

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTriggerTimeout 单次 Trigger 调用的超时。
const DefaultTriggerTimeout = 10 * time.Second

type options struct {
	location *time.Location
	parser   cron.Parser
	logger   *slog.Logger
	timeout  time.Duration
}

func defaultOptions() *options {
	return &options{
		location: time.Local,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   slog.Default(),
		timeout:  DefaultTriggerTimeout,
	}
}

// Option 调度器配置选项。
type Option func(*options)

// WithLocation 设置 cron 表达式的时区，默认本地时区。
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.location = loc
		}
	}
}

// WithSeconds 启用六段式表达式（首段为秒）。
func WithSeconds() Option {
	return func(o *options) {
		o.parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
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

// WithTriggerTimeout 设置单次 Trigger 调用的超时。
func WithTriggerTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}
