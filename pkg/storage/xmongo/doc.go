// Package xmongo 提供基于 MongoDB 的工作项与执行记录存储。
//
// MongoDB 没有 SKIP LOCKED，ClaimBatch 以逐条 FindOneAndUpdate 模拟：
// 每次调用在单个文档上原子地检查可认领谓词并写入新的认领者，
// 并发认领者写入同一文档时由服务端重新评估过滤条件，因此批次互不相交。
// 代价是一批需要 limit 次往返，适用于批大小较小的作业。
//
//	client, _ := xmongo.Connect(ctx, uri)
//	db := client.Database("xcoord")
//	_ = xmongo.EnsureIndexes(ctx, db)
//	items := xmongo.NewItemStore(db)
//	execs := xmongo.NewExecutionStore(db)
//
// 时间戳以毫秒精度存储。
package xmongo
