// Package xmetrics 定义协调引擎在组件边界发出的结构化事件，以及事件的输出端。
//
// 每个事件都携带 jobName / executionID / fencingToken 便于关联：
//
//	| Kind | 发出方 |
//	|------|--------|
//	| leadership.gained / leadership.lost | xleader |
//	| execution.accepted / rejected / completed / failed | xjob.Coordinator |
//	| circuit.state_changed | xretry.Executor |
//	| claim.stale_reclaimed | xclaim.Queue |
//	| execution.stall_terminated | xjob.StallMonitor |
//	| reconcile.corrected | xjob.Reconciler |
//
// 输出端：
//   - LogEmitter：slog 结构化日志
//   - OTelEmitter：OpenTelemetry 计数器与执行时长直方图
//   - Recorder：最近事件的内存环形缓冲，供管理接口查询与测试断言
//   - Multi：组合多个输出端
package xmetrics
