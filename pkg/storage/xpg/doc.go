// Package xpg 提供基于 PostgreSQL（pgx/v5）的租约、工作项与执行记录存储。
//
// 三个存储共享同一个 pgxpool.Pool，表结构由内嵌的 goose 迁移维护：
//
//	pool, _ := pgxpool.New(ctx, dsn)
//	if err := xpg.Migrate(ctx, pool, logger); err != nil { ... }
//	leases := xpg.NewLeaseStore(pool)
//	items := xpg.NewItemStore(pool)
//	execs := xpg.NewExecutionStore(pool)
//
// # 认领
//
// ItemStore.ClaimBatch 在一条语句中完成选取与更新：
// 子查询以 FOR UPDATE SKIP LOCKED 锁定候选行，并发认领者跳过彼此锁住的行，
// 因此各批次互不相交且无需等待。
//
// # 时间
//
// 所有时间戳由调用方提供（工作项、执行记录）或取自 WithClock（租约），
// 不使用数据库的 NOW()，与内存、Redis、etcd 后端保持同一时间语义。
package xpg
