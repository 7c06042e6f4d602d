// Package distributed 提供分布式作业协调相关的子包。
//
// 子包列表：
//   - xlease: 带 fencing token 的租约存储，支持内存、Redis、etcd 后端
//   - xleader: 基于租约的选主，续约失败即失去领导权
//   - xclaim: 记录认领队列，原子批量认领与过期回收
//   - xjob: 作业协调器、卡死监视器与启动对账
//   - xdlock: 监视器互斥锁，本地或 redsync
//   - xcron: cron 表达式驱动的作业触发
//
// 设计原则：
//   - 任何写入都携带 fencing token，旧领导者的写入被拒绝
//   - 存储接口与实现分离，内存实现用于测试与单副本部署
package distributed
