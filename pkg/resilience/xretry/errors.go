package xretry

import (
	"errors"
	"fmt"

	"github.com/omeyang/xcoord/pkg/resilience/xbreaker"
)

// RetryableError 可重试错误接口。
// 实现此接口的错误会按 Retryable() 的返回值分类。
type RetryableError interface {
	error
	Retryable() bool
}

// PermanentError 永久性错误（不重试，对熔断器计为成功）。
type PermanentError struct {
	Err error
}

// Permanent 把 err 标记为永久错误。nil 返回 nil。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) Retryable() bool { return false }

// TransientError 临时性下游错误（应重试）。
type TransientError struct {
	Err error
}

// Transient 把 err 显式标记为临时错误。nil 返回 nil。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Retryable() bool { return true }

// IsRetryable 检查错误是否可重试
// 规则：
//   - nil 错误：不需要重试
//   - 实现 RetryableError 接口：根据 Retryable() 返回值判断
//   - 其他错误：默认视为可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return true
}

// IsPermanent err 非 nil 且不可重试。
func IsPermanent(err error) bool {
	return err != nil && !IsRetryable(err)
}

// CircuitOpenError 熔断拒绝。
type CircuitOpenError = xbreaker.OpenError

// ErrCircuitOpen 熔断拒绝哨兵，errors.Is(err, ErrCircuitOpen) 对 *CircuitOpenError 成立。
var ErrCircuitOpen = xbreaker.ErrOpen

// ErrRetriesExhausted RetriesExhaustedError 的哨兵。
var ErrRetriesExhausted = errors.New("xretry: retries exhausted")

// RetriesExhaustedError 所有尝试均以临时错误失败。
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("xretry: retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrRetriesExhausted) 成立。
func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// ErrInvalidConfig 配置非法。
var ErrInvalidConfig = errors.New("xretry: invalid config")
