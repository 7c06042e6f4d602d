package xbreaker

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"
)

var (
	// ErrOpen 熔断器拒绝了调用。*OpenError 满足 errors.Is(err, ErrOpen)。
	ErrOpen = errors.New("xbreaker: circuit open")

	// ErrInvalidConfig 配置非法。
	ErrInvalidConfig = errors.New("xbreaker: invalid config")
)

// OpenError 熔断拒绝。Err 是 gobreaker 的原始错误（ErrOpenState 或 ErrTooManyRequests）。
type OpenError struct {
	Name  string
	State State
	Err   error
}

// Error 实现 error 接口。
func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker %s (%s): %v", e.Name, e.State, e.Err)
}

// Unwrap 返回原始错误。
func (e *OpenError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrOpen) 成立。
func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Retryable 熔断拒绝不应被重试。
func (e *OpenError) Retryable() bool { return false }

// IsOpen 判断 err 是否为熔断拒绝。
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

func wrapRejection(err error, name string, state State) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &OpenError{Name: name, State: state, Err: err}
	}
	return err
}
