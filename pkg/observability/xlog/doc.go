// Package xlog 构建 xjobd 使用的 *slog.Logger。
//
// 支持 text/json 两种格式，输出到 stdout、stderr 或文件；文件输出经 lumberjack 按大小轮转。
// 级别保存在 slog.LevelVar 中，可在运行期通过 SetLevel 调整。
// 若 context 中存在有效的 OpenTelemetry span，记录会附带 trace_id 与 span_id。
package xlog
