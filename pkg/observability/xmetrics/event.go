package xmetrics

import (
	"context"
	"log/slog"
	"time"
)

// Kind 事件类型。
type Kind string

const (
	KindLeadershipGained   Kind = "leadership.gained"
	KindLeadershipLost     Kind = "leadership.lost"
	KindExecutionAccepted  Kind = "execution.accepted"
	KindExecutionRejected  Kind = "execution.rejected"
	KindExecutionCompleted Kind = "execution.completed"
	KindExecutionFailed    Kind = "execution.failed"
	KindCircuitChanged     Kind = "circuit.state_changed"
	KindStaleReclaimed     Kind = "claim.stale_reclaimed"
	KindStallTerminated    Kind = "execution.stall_terminated"
	KindReconciled         Kind = "reconcile.corrected"
)

// Event 组件边界事件。
//
// Code 是低基数的分类（如 NOT_LEADER、open），可作为指标维度；
// Reason 是自由文本，只进入日志。
type Event struct {
	Kind         Kind
	Time         time.Time
	JobName      string
	ExecutionID  string
	FencingToken int64
	Code         string
	Reason       string
	Duration     time.Duration
	Attrs        []slog.Attr
}

// Emitter 事件输出端。实现必须并发安全且不阻塞调用方。
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// EmitterFunc 函数适配器。
type EmitterFunc func(ctx context.Context, e Event)

// Emit 实现 Emitter。
func (f EmitterFunc) Emit(ctx context.Context, e Event) {
	f(ctx, e)
}

// Nop 丢弃所有事件。
var Nop Emitter = EmitterFunc(func(context.Context, Event) {})

// Multi 依次转发到多个输出端，跳过 nil。
func Multi(emitters ...Emitter) Emitter {
	list := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			list = append(list, e)
		}
	}
	return EmitterFunc(func(ctx context.Context, e Event) {
		if e.Time.IsZero() {
			e.Time = time.Now()
		}
		for _, em := range list {
			em.Emit(ctx, e)
		}
	})
}

// OrNop nil 时返回 Nop。
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop
	}
	return e
}

type correlationKey struct{}

// Correlation 随 ctx 传递的执行关联字段，供不知道作业信息的组件（如熔断器）补全事件。
type Correlation struct {
	JobName      string
	ExecutionID  string
	FencingToken int64
}

// WithCorrelation 把 c 绑定到 ctx。
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	return context.WithValue(ctx, correlationKey{}, c)
}

// CorrelationFrom 取出 ctx 上的关联字段。
func CorrelationFrom(ctx context.Context) (Correlation, bool) {
	if ctx == nil {
		return Correlation{}, false
	}
	c, ok := ctx.Value(correlationKey{}).(Correlation)
	return c, ok
}

// Correlate 用 ctx 上的关联字段补全 e 中为空的字段。
func Correlate(ctx context.Context, e Event) Event {
	c, ok := CorrelationFrom(ctx)
	if !ok {
		return e
	}
	if e.JobName == "" {
		e.JobName = c.JobName
	}
	if e.ExecutionID == "" {
		e.ExecutionID = c.ExecutionID
	}
	if e.FencingToken == 0 {
		e.FencingToken = c.FencingToken
	}
	return e
}
