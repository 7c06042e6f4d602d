// Package xretry 在熔断器之上提供有界重试，并把结果分类为 Outcome 而不是裸错误。
//
// # 重试策略
//
// 每次逻辑调用最多 MaxAttempts 次（从 1 计数）。第 n 次失败后等待
//
//	InitialDelay * Multiplier^(n-1)，上限 MaxDelay
//
// MaxAttempts=3、InitialDelay=1s、Multiplier=2 时三次调用分别发生在 0s、1s、3s。
// 底层使用 [avast/retry-go/v5]，等待期间响应 context 取消。
//
// # 与熔断器的组合
//
// 重试在外，熔断在内：每次尝试都经过同一调用点的 xbreaker.Breaker。
// 熔断拒绝与永久错误不会被重试。永久错误对熔断器计为成功，下游本身是健康的。
//
// # 结果分类
//
//   - Succeeded：某次尝试成功
//   - RetriesExhausted：用完所有尝试，Err 为 *RetriesExhaustedError
//   - CircuitOpen：熔断拒绝，Err 为 *CircuitOpenError
//   - Permanent：永久错误，Err 为原始错误
//   - Canceled：context 取消或超时
//
// 未实现 RetryableError 的错误默认视为临时错误。
//
// [avast/retry-go/v5]: https://github.com/avast/retry-go
package xretry
