package xlog

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// 轮转默认值。
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 7
	DefaultMaxAgeDays = 30
)

// Rotation 配置文件输出的轮转策略。零值字段取默认值。
type Rotation struct {
	MaxSizeMB  int  `koanf:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int  `koanf:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int  `koanf:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool `koanf:"compress" env:"COMPRESS"`
}

func (r Rotation) withDefaults() Rotation {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = DefaultMaxSizeMB
	}
	if r.MaxBackups < 0 {
		r.MaxBackups = DefaultMaxBackups
	}
	if r.MaxAgeDays < 0 {
		r.MaxAgeDays = DefaultMaxAgeDays
	}
	return r
}

// newRotator 打开 path 对应的轮转文件，目录不存在时创建。
func newRotator(path string, r Rotation) (*lumberjack.Logger, error) {
	if filepath.Base(path) == "." || filepath.Base(path) == string(filepath.Separator) {
		return nil, fmt.Errorf("xlog: invalid log file %q", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("xlog: create log dir: %w", err)
	}
	r = r.withDefaults()
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    r.MaxSizeMB,
		MaxBackups: r.MaxBackups,
		MaxAge:     r.MaxAgeDays,
		Compress:   r.Compress,
	}, nil
}
