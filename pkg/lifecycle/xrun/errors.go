package xrun

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrSignal 表示因收到系统信号而终止，配合 errors.Is 使用。
	ErrSignal = errors.New("received signal")

	// ErrNilService 表示注册了 nil 服务。
	ErrNilService = errors.New("xrun: nil service")

	// ErrNilServer 表示 HTTPServer 收到 nil 服务器。
	ErrNilServer = errors.New("xrun: nil server")
)

// SignalError 携带触发关闭的信号。
type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	if e.Signal == nil {
		return "received signal <nil>"
	}
	return fmt.Sprintf("received signal %s", e.Signal)
}

// Is 使 errors.Is(err, ErrSignal) 成立。
func (e *SignalError) Is(target error) bool {
	return target == ErrSignal
}

// ServiceError 标识出错的服务。
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("xrun: service %q: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }
