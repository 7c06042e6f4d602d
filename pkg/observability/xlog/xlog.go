package xlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// 输出目标中的特殊值。
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

// Config 描述日志输出。
type Config struct {
	// Level 为 debug/info/warn/error，默认 info。
	Level string `koanf:"level" env:"LEVEL"`
	// Format 为 text 或 json，默认 json。
	Format string `koanf:"format" env:"FORMAT"`
	// Output 为 stdout、stderr 或文件路径，默认 stderr。
	Output    string   `koanf:"output" env:"OUTPUT"`
	AddSource bool     `koanf:"add_source" env:"ADD_SOURCE"`
	Rotation  Rotation `koanf:"rotation" envPrefix:"ROTATION_"`
}

// Logger 持有构建出的 *slog.Logger 及其动态级别。
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// New 按 cfg 构建 Logger。文件输出需要在退出前调用 Close。
func New(cfg Config) (*Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(lvl)

	var (
		w      io.Writer
		closer io.Closer
	)
	switch out := strings.TrimSpace(cfg.Output); out {
	case OutputStdout:
		w = os.Stdout
	case "", OutputStderr:
		w = os.Stderr
	default:
		rot, err := newRotator(out, cfg.Rotation)
		if err != nil {
			return nil, err
		}
		w, closer = rot, rot
	}

	l, err := newLogger(w, cfg.Format, levelVar, cfg.AddSource)
	if err != nil {
		if closer != nil {
			err = errors.Join(err, closer.Close())
		}
		return nil, err
	}
	return &Logger{Logger: l, level: levelVar, closer: closer}, nil
}

// NewWriter 构建写入 w 的 Logger，供测试和嵌入场景使用。
func NewWriter(w io.Writer, format, level string) (*Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(lvl)
	l, err := newLogger(w, format, levelVar, false)
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l, level: levelVar}, nil
}

func newLogger(w io.Writer, format string, level *slog.LevelVar, addSource bool) (*slog.Logger, error) {
	hopts := &slog.HandlerOptions{Level: level, AddSource: addSource}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(w, hopts)
	case "text":
		h = slog.NewTextHandler(w, hopts)
	default:
		return nil, fmt.Errorf("xlog: unknown format %q", format)
	}
	return slog.New(traceHandler{base: h}), nil
}

// SetLevel 在运行期调整级别。
func (l *Logger) SetLevel(s string) error {
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	l.level.Set(lvl)
	return nil
}

// Level 返回当前级别。
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// Close 关闭文件输出，标准输出时为空操作。
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
