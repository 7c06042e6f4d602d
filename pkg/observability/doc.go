// Package observability 提供可观测性相关的子包。
//
// 子包列表：
//   - xlog: 结构化日志，基于 log/slog，支持文件轮转与动态级别
//   - xmetrics: 协调事件输出，日志与 OpenTelemetry 两种实现
//
// 日志记录自动带上 context 中的 trace_id/span_id。
package observability
