package xlimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRule 表示限流规则无效。
	ErrInvalidRule = errors.New("xlimit: invalid rule")

	// ErrInvalidKey 表示限流键为空。
	ErrInvalidKey = errors.New("xlimit: invalid key")
)

// Rule 限流规则：每个 Window 内允许 Limit 次，突发上限 Burst。
//
// Limit 为 0 表示不限流。Burst 为 0 时取 Limit。
type Rule struct {
	Limit  int           `koanf:"limit" env:"LIMIT"`
	Window time.Duration `koanf:"window" env:"WINDOW"`
	Burst  int           `koanf:"burst" env:"BURST"`
}

// Enabled 报告规则是否生效。
func (r Rule) Enabled() bool { return r.Limit > 0 }

// Validate 校验规则。
func (r Rule) Validate() error {
	if r.Limit < 0 || r.Burst < 0 {
		return fmt.Errorf("%w: negative limit or burst", ErrInvalidRule)
	}
	if r.Limit > 0 && r.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidRule)
	}
	return nil
}

func (r Rule) burst() int {
	if r.Burst > 0 {
		return r.Burst
	}
	return r.Limit
}

// Limiter 按键限流。
type Limiter interface {
	// Allow 消耗一个配额。err 只表示后端故障，被限流通过 Result.Allowed 表达。
	Allow(ctx context.Context, key string) (*Result, error)
}

// Nop 不限流。
type Nop struct{}

// Allow 总是放行。
func (Nop) Allow(context.Context, string) (*Result, error) {
	return &Result{Allowed: true}, nil
}
