// Package xlease 提供带 fencing token 的租约存储。
//
// 租约（Lease）是一个按 key 命名、限时、独占持有的记录，用于两个场景：
//   - 领导者选举：xleader 以服务级 key 竞争租约
//   - 单飞执行锁：xjob 以 "job:<name>" 为 key 保证同一作业只有一个执行在运行
//
// # Fencing token
//
// 每次获取（包括抢占已过期的租约）都会使 token 单调递增；续期保持 token 不变；
// 释放只让记录过期而不删除 token，因此下一任持有者拿到的 token 一定更大。
// 写入方把 token 附在每次写操作上，存储层以 "token 相等" 作为写入条件，
// 从而拒绝已被取代的持有者迟到的写入。
//
// # 后端
//
//	| 后端 | 原子性来源 | 适用场景 |
//	|------|------------|----------|
//	| MemoryStore | 进程内互斥锁 | 单进程、测试 |
//	| RedisStore | Lua 脚本 | 多副本，已有 Redis |
//	| EtcdStore | Txn + ModRevision 比较 | 多副本，已有 etcd |
//	| K8sStore | Lease 资源 resourceVersion 冲突检测 | 多副本，K8s 原生，无外部依赖 |
//
// Postgres 后端位于 xpg 包。
//
// 所有后端使用调用方时钟（WithClock）计算过期时间，副本间时钟偏差应远小于 ttl。
package xlease
