package xid

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/sony/sonyflake/v2"
)

var (
	// ErrInvalidConfig 表示生成器初始化失败。
	ErrInvalidConfig = errors.New("xid: invalid config")

	// ErrOverTimeLimit 表示 sonyflake 时间分量溢出，不可恢复。
	ErrOverTimeLimit = errors.New("xid: time component overflow")
)

// Option 配置 Generator。
type Option func(*options)

type options struct {
	machineID func() (uint16, error)
}

// WithMachineID 指定机器 ID 来源，默认 DefaultMachineID。
func WithMachineID(fn func() (uint16, error)) Option {
	return func(o *options) {
		o.machineID = fn
	}
}

// WithFixedMachineID 使用固定机器 ID。
func WithFixedMachineID(id uint16) Option {
	return WithMachineID(func() (uint16, error) { return id, nil })
}

// Generator 生成递增的执行 ID，并发安全。
type Generator struct {
	next func() (int64, error)
}

// NewGenerator 创建 Generator。
func NewGenerator(opts ...Option) (*Generator, error) {
	o := &options{machineID: DefaultMachineID}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	sf, err := sonyflake.New(sonyflake.Settings{
		MachineID: func() (int, error) {
			id, err := o.machineID()
			return int(id), err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &Generator{next: sf.NextID}, nil
}

// NextID 返回下一个数值 ID。
func (g *Generator) NextID() (int64, error) {
	id, err := g.next()
	if err != nil {
		if errors.Is(err, sonyflake.ErrOverTimeLimit) {
			return 0, fmt.Errorf("%w: %w", ErrOverTimeLimit, err)
		}
		return 0, fmt.Errorf("xid: next id: %w", err)
	}
	return id, nil
}

// NewString 返回下一个十进制字符串 ID，签名与 xjob.WithIDGenerator 匹配。
func (g *Generator) NewString() (string, error) {
	id, err := g.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}
