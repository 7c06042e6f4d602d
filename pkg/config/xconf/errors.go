package xconf

import "errors"

var (
	// ErrUnsupportedFormat 表示无法识别的配置格式。
	ErrUnsupportedFormat = errors.New("xconf: unsupported config format")

	// ErrLoadFailed 表示读取配置文件失败。
	ErrLoadFailed = errors.New("xconf: failed to load config")

	// ErrParseFailed 表示配置内容解析失败。
	ErrParseFailed = errors.New("xconf: failed to parse config")

	// ErrUnmarshalFailed 表示反序列化或环境变量覆盖失败。
	ErrUnmarshalFailed = errors.New("xconf: failed to unmarshal config")

	// ErrNilTarget 表示目标不是非 nil 指针。
	ErrNilTarget = errors.New("xconf: target must be a non-nil pointer")
)
