// Package storage 提供持久化存储相关的子包。
//
// 子包列表：
//   - xpg: PostgreSQL 实现，含租约、认领队列与执行记录，goose 管理迁移
//   - xmongo: MongoDB 实现，含认领队列与执行记录
package storage
