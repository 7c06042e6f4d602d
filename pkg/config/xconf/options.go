package xconf

import "time"

// DefaultEnvPrefix 是环境变量覆盖的默认前缀。
const DefaultEnvPrefix = "XJOBD_"

// Option 配置加载行为。
type Option func(*options)

type options struct {
	tag         string
	envPrefix   string
	skipEnv     bool
	environment map[string]string
}

func defaultOptions() *options {
	return &options{
		tag:       "koanf",
		envPrefix: DefaultEnvPrefix,
	}
}

// WithTag 设置文件映射使用的结构体标签，默认 "koanf"。
func WithTag(tag string) Option {
	return func(o *options) {
		if tag != "" {
			o.tag = tag
		}
	}
}

// WithEnvPrefix 设置环境变量前缀。
func WithEnvPrefix(prefix string) Option {
	return func(o *options) {
		o.envPrefix = prefix
	}
}

// WithoutEnv 跳过环境变量覆盖。
func WithoutEnv() Option {
	return func(o *options) {
		o.skipEnv = true
	}
}

// WithEnvironment 用给定映射代替进程环境变量。
func WithEnvironment(environ map[string]string) Option {
	return func(o *options) {
		o.environment = environ
	}
}

// WatchOption 配置 Watcher。
type WatchOption func(*Watcher)

// WithDebounce 设置防抖时间，默认 100ms。
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}
