// Package xjob 实现作业协调：单飞触发、worker 池认领处理、卡死终止与崩溃后对账。
//
// # 触发
//
// Coordinator.Trigger 立即返回：
//
//   - 未注册的作业返回 ErrUnknownJob
//   - 非 leader 返回 ErrNotLeader（路由信号，不要立即重试本副本）
//   - 单飞租约 "job:<name>" 已被持有返回 ErrAlreadyRunning
//   - 否则写入 RUNNING 的 Execution 并异步执行，返回执行 ID
//
// 单飞租约的 ttl 等于作业的 MaxDuration，租约过期即释放执行槽位，
// 与本进程是否察觉无关。
//
// # 执行
//
// 每个执行启动 Workers 个 worker，worker ID 为 "<executionID>/<n>"。worker 在每个批次边界
// 做栅栏检查（context、leader token、单飞租约 token），之后认领一批工作项并逐条经过
// xretry.Executor 处理。下游调用拿到的 context 不随执行取消，正在进行的调用会自然结束；
// 取消只在批次边界与每次调用前被观察到。
//
// 工作项级别的错误记录在工作项上，不会中止执行。执行级别的错误（失去领导权、租约丢失、
// 取消）中止所有 worker，已认领未处理的工作项放回 PENDING，错误记录在 Execution 上。
//
// # 卡死与对账
//
// StallMonitor 周期扫描超过 MaxDuration 的 RUNNING 执行：作废其单飞租约、标记 FAILED、
// 取消本地运行；不触碰工作项，交给认领队列的过期回收。
//
// Reconciler 在启动时与周期性地把租约已缺失、过期或被替换的 RUNNING/UNKNOWN 执行
// 标记为 FAILED。条件更新保证每个执行只被修正一次。
package xjob
