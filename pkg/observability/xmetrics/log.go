package xmetrics

import (
	"context"
	"log/slog"
)

// LogEmitter 把事件写为一条结构化日志。
//
// failed / lost / stall / reconcile 类事件使用 Warn，其余使用 Info。
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter 创建日志输出端，logger 为 nil 时使用 slog.Default()。
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit 实现 Emitter。
func (l *LogEmitter) Emit(ctx context.Context, e Event) {
	attrs := make([]slog.Attr, 0, 8+len(e.Attrs))
	attrs = append(attrs, slog.String("event", string(e.Kind)))
	if e.JobName != "" {
		attrs = append(attrs, slog.String("job", e.JobName))
	}
	if e.ExecutionID != "" {
		attrs = append(attrs, slog.String("execution_id", e.ExecutionID))
	}
	if e.FencingToken != 0 {
		attrs = append(attrs, slog.Int64("fencing_token", e.FencingToken))
	}
	if e.Code != "" {
		attrs = append(attrs, slog.String("code", e.Code))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", e.Duration))
	}
	attrs = append(attrs, e.Attrs...)

	l.logger.LogAttrs(ctx, levelOf(e.Kind), string(e.Kind), attrs...)
}

func levelOf(k Kind) slog.Level {
	switch k {
	case KindExecutionFailed, KindLeadershipLost, KindStallTerminated, KindReconciled:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
