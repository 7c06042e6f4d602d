// Package xdlock 提供互斥"趟次"锁，用于让周期性后台任务（卡滞扫描、状态对账）
// 在多副本间同一时刻只跑一趟。
//
// 与 xlease 的区别：xdlock 不提供 fencing token，只用于去重，不用于保护写入。
// 即便锁失效导致两个副本同时跑了一趟，所有写入仍由存储层的条件更新保证正确。
//
// 后端：
//   - RedsyncLocker：基于 go-redsync/redsync（Redlock），支持多 Redis 节点
//   - LocalLocker：进程内实现，用于单副本部署和测试
package xdlock
