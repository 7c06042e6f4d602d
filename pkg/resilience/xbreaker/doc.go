// Package xbreaker 提供基于 [sony/gobreaker/v2] 的熔断器，按调用次数滑动窗口判定熔断。
//
// # 熔断器状态
//
//   - StateClosed：正常放行，每次结果写入长度为 WindowSize 的环形窗口
//   - StateOpen：直接拒绝（返回 *OpenError），OpenWait 后进入半开
//   - StateHalfOpen：放行至多 HalfOpenTrials 个探测请求；全部成功则关闭，任一失败重新打开
//
// 窗口写满且失败率 ≥ FailureRateThreshold 时打开。只有失败会触发判定。
// 进入 Closed 时窗口清空。
//
// # 结果分类
//
// context.Canceled / context.DeadlineExceeded 不计入任何统计。
// 其余错误默认计为失败，可通过 WithFailurePredicate 覆盖（例如永久错误计为成功，
// 因为它说明下游是健康的）。
//
// 熔断器按调用点隔离，Registry 为每个名字懒创建一个实例。
//
// [sony/gobreaker/v2]: https://github.com/sony/gobreaker
package xbreaker
