package xjob

import (
	"context"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
)

//go:generate mockgen -source=processor.go -destination=mock_processor_test.go -package=xjob

// Processor 处理单个工作项的业务逻辑。
//
// 返回 xretry.Permanent 包装的错误表示不应重试；其他错误按临时错误重试。
// ctx 不随执行取消，实现应自行约束单次调用的耗时。
type Processor interface {
	Process(ctx context.Context, item xclaim.WorkItem) error
}

// ProcessorFunc 函数适配器。
type ProcessorFunc func(ctx context.Context, item xclaim.WorkItem) error

// Process 实现 Processor。
func (f ProcessorFunc) Process(ctx context.Context, item xclaim.WorkItem) error {
	return f(ctx, item)
}
